package adaptorsig

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

const (
	// SignatureSize is the size of a serialized adaptor signature: the
	// compressed nonce point followed by the 32 byte tweaked s value.
	SignatureSize = 33 + 32

	// nonceTag is the tag used to derive the deterministic signing nonce.
	// The adaptor point is mixed into the hash so that pre-signatures for
	// distinct anticipation points never share a nonce.
	nonceTag = "DLC/adaptor-nonce"
)

var (
	// ErrInvalidSigLen is returned when parsing an adaptor signature of
	// the wrong length.
	ErrInvalidSigLen = errors.New("adaptor signature must be 65 bytes")

	// ErrVerifyFailed is returned when an adaptor signature fails
	// verification against its message, public key and adaptor point.
	ErrVerifyFailed = errors.New("adaptor signature verification failed")

	// ErrSecretMismatch is returned when an extracted adaptor secret
	// doesn't match the expected adaptor point.
	ErrSecretMismatch = errors.New("extracted secret doesn't match " +
		"adaptor point")
)

// Signature is a Schnorr adaptor signature (pre-signature). It commits to
// the final signature nonce R = k*G + T, where T is the adaptor point. The
// tweaked scalar sPrime can be completed into a valid BIP-340 signature by
// anyone that knows the discrete log of T.
type Signature struct {
	// r is the combined nonce point, parity included. The parity decides
	// whether Adapt adds or subtracts the adaptor secret.
	r *btcec.PublicKey

	// rOdd caches the parity of the combined nonce point.
	rOdd bool

	// sPrime is the tweaked s value, missing exactly the adaptor secret.
	sPrime btcec.ModNScalar
}

// Serialize returns the 65 byte wire encoding of the adaptor signature.
func (s *Signature) Serialize() []byte {
	var b [SignatureSize]byte
	copy(b[:33], s.r.SerializeCompressed())

	sBytes := s.sPrime.Bytes()
	copy(b[33:], sBytes[:])

	return b[:]
}

// ParseSignature parses a 65 byte adaptor signature.
func ParseSignature(b []byte) (*Signature, error) {
	if len(b) != SignatureSize {
		return nil, ErrInvalidSigLen
	}

	r, err := btcec.ParsePubKey(b[:33])
	if err != nil {
		return nil, fmt.Errorf("invalid nonce point: %w", err)
	}

	var sig Signature
	sig.r = r
	sig.rOdd = b[0] == 0x03
	if overflow := sig.sPrime.SetByteSlice(b[33:]); overflow {
		return nil, fmt.Errorf("adaptor s value overflows")
	}

	return &sig, nil
}

// Copy returns a deep copy of the signature.
func (s *Signature) Copy() *Signature {
	cp := &Signature{
		r:    s.r,
		rOdd: s.rOdd,
	}
	cp.sPrime.Set(&s.sPrime)

	return cp
}

// IsEqual returns true if the two signatures are byte-for-byte identical.
func (s *Signature) IsEqual(o *Signature) bool {
	if s == nil || o == nil {
		return s == o
	}

	return s.r.IsEqual(o.r) && s.sPrime.Equals(&o.sPrime)
}

// signingNonce derives the deterministic nonce used for pre-signing. The
// adaptor point is part of the hash so the nonce is unique per anticipation
// point even for the same message.
func signingNonce(privBytes []byte, msg [32]byte,
	adaptor *btcec.PublicKey) btcec.ModNScalar {

	var k btcec.ModNScalar
	counter := byte(0)
	for {
		hash := chainhash.TaggedHash(
			[]byte(nonceTag), privBytes, msg[:],
			adaptor.SerializeCompressed(), []byte{counter},
		)
		overflow := k.SetBytes((*[32]byte)(hash))
		if overflow == 0 && !k.IsZero() {
			return k
		}

		counter++
	}
}

// challenge computes the BIP-340 challenge scalar for the given combined
// nonce x coordinate, x-only public key and message.
func challenge(rBytes, pBytes []byte, msg [32]byte) btcec.ModNScalar {
	hash := chainhash.TaggedHash(
		chainhash.TagBIP0340Challenge, rBytes, pBytes, msg[:],
	)

	var e btcec.ModNScalar
	e.SetBytes((*[32]byte)(hash))

	return e
}

// toAffinePub converts a jacobian point to an affine public key.
func toAffinePub(p *btcec.JacobianPoint) *btcec.PublicKey {
	p.ToAffine()
	return btcec.NewPublicKey(&p.X, &p.Y)
}

// PreSign creates an adaptor signature over msg with the given private key,
// locked to the adaptor point. The result verifies under PreVerify and can
// be completed into a valid BIP-340 signature with Adapt once the discrete
// log of the adaptor point is known.
func PreSign(priv *btcec.PrivateKey, msg [32]byte,
	adaptor *btcec.PublicKey) (*Signature, error) {

	// BIP-340 signs with the x-only key, so negate the private key if
	// the public key has an odd y coordinate.
	var d btcec.ModNScalar
	d.Set(&priv.Key)

	pub := priv.PubKey()
	pubBytes := schnorr.SerializePubKey(pub)
	if pub.SerializeCompressed()[0] == secpOddByte {
		d.Negate()
	}

	privBytes := priv.Serialize()

	k := signingNonce(privBytes, msg, adaptor)

	// R = k*G + T. Retry with a bumped nonce in the (negligible) case
	// the sum is the point at infinity.
	var one btcec.ModNScalar
	one.SetInt(1)

	var rPoint btcec.JacobianPoint
	for {
		var kg, t btcec.JacobianPoint
		btcec.ScalarBaseMultNonConst(&k, &kg)
		adaptor.AsJacobian(&t)
		btcec.AddNonConst(&kg, &t, &rPoint)

		if !(rPoint.X.IsZero() && rPoint.Y.IsZero()) {
			break
		}

		k.Add(&one)
	}

	r := toAffinePub(&rPoint)
	rOdd := r.SerializeCompressed()[0] == secpOddByte

	e := challenge(schnorr.SerializePubKey(r), pubBytes, msg)

	// sPrime = k + e*d, with k negated for an odd combined nonce so that
	// completion yields an even-nonce BIP-340 signature.
	sPrime := new(btcec.ModNScalar).Mul2(&e, &d)
	if rOdd {
		k.Negate()
	}
	sPrime.Add(&k)

	sig := &Signature{
		r:    r,
		rOdd: rOdd,
	}
	sig.sPrime.Set(sPrime)

	// The nonce and negated nonce must not leak.
	k.Zero()
	d.Zero()

	return sig, nil
}

// secpOddByte is the compressed encoding prefix of a point with odd y.
const secpOddByte = 0x03

// PreVerify checks that the adaptor signature is valid for the given
// message, x-only public key and adaptor point. A valid adaptor signature
// proves that Adapt with the adaptor secret yields a valid BIP-340
// signature over msg.
func PreVerify(sig *Signature, msg [32]byte, pub *btcec.PublicKey,
	adaptor *btcec.PublicKey) error {

	pubBytes := schnorr.SerializePubKey(pub)
	e := challenge(schnorr.SerializePubKey(sig.r), pubBytes, msg)

	// Even parity: sPrime*G == R - T + e*P.
	// Odd parity:  sPrime*G == T - R + e*P.
	// P is the even-y lift of the x-only public key in both cases.
	evenPub, err := schnorr.ParsePubKey(pubBytes)
	if err != nil {
		return fmt.Errorf("invalid public key: %w", err)
	}

	var rj, tj, pj btcec.JacobianPoint
	sig.r.AsJacobian(&rj)
	adaptor.AsJacobian(&tj)
	evenPub.AsJacobian(&pj)

	if sig.rOdd {
		rj.Y.Negate(1).Normalize()
	} else {
		tj.Y.Negate(1).Normalize()
	}

	var ep btcec.JacobianPoint
	btcec.ScalarMultNonConst(&e, &pj, &ep)

	var sum, rhs btcec.JacobianPoint
	btcec.AddNonConst(&rj, &tj, &sum)
	btcec.AddNonConst(&sum, &ep, &rhs)

	var lhs btcec.JacobianPoint
	btcec.ScalarBaseMultNonConst(&sig.sPrime, &lhs)

	lhs.ToAffine()
	rhs.ToAffine()
	if !lhs.X.Equals(&rhs.X) || !lhs.Y.Equals(&rhs.Y) {
		return ErrVerifyFailed
	}

	return nil
}

// Adapt completes the adaptor signature with the adaptor secret, producing
// a valid BIP-340 signature.
func Adapt(sig *Signature, secret *btcec.ModNScalar) (*schnorr.Signature,
	error) {

	var s btcec.ModNScalar
	s.Set(secret)
	if sig.rOdd {
		s.Negate()
	}
	s.Add(&sig.sPrime)

	var sigBytes [64]byte
	rBytes := schnorr.SerializePubKey(sig.r)
	copy(sigBytes[:32], rBytes)
	sBytes := s.Bytes()
	copy(sigBytes[32:], sBytes[:])

	return schnorr.ParseSignature(sigBytes[:])
}

// Extract recovers the adaptor secret from a completed signature and the
// pre-signature it originated from. The returned scalar satisfies
// secret*G == adaptor point. This is how a party that sees the
// counterparty broadcast a contract execution transaction learns the
// oracle attestation without contacting the oracle.
func Extract(finalSig *schnorr.Signature, preSig *Signature,
	adaptor *btcec.PublicKey) (*btcec.ModNScalar, error) {

	sigBytes := finalSig.Serialize()

	var s btcec.ModNScalar
	if overflow := s.SetByteSlice(sigBytes[32:]); overflow {
		return nil, fmt.Errorf("final signature s overflows")
	}

	// s = sPrime + t for an even nonce, s = sPrime - t for an odd one.
	secret := new(btcec.ModNScalar)
	if preSig.rOdd {
		secret.Set(&s).Negate().Add(&preSig.sPrime)
	} else {
		neg := new(btcec.ModNScalar).Set(&preSig.sPrime).Negate()
		secret.Set(&s).Add(neg)
	}

	// Sanity check the recovered secret against the adaptor point.
	var sg btcec.JacobianPoint
	btcec.ScalarBaseMultNonConst(secret, &sg)

	var tj btcec.JacobianPoint
	adaptor.AsJacobian(&tj)

	sg.ToAffine()
	tj.ToAffine()
	if !sg.X.Equals(&tj.X) || !sg.Y.Equals(&tj.Y) {
		return nil, ErrSecretMismatch
	}

	return secret, nil
}
