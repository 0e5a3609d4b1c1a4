package test

import (
	"context"
	"strconv"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/dlcsuite/dlcd/adaptorsig"
	"github.com/dlcsuite/dlcd/dlc"
)

// signWithNonce produces a BIP-340 signature over msg using the given
// fixed nonce, the way an oracle signs with the nonce it committed to in
// its announcement.
func signWithNonce(priv *btcec.PrivateKey, nonce *btcec.ModNScalar,
	msg [32]byte) *schnorr.Signature {

	var k btcec.ModNScalar
	k.Set(nonce)

	var rj btcec.JacobianPoint
	btcec.ScalarBaseMultNonConst(&k, &rj)
	rj.ToAffine()

	// BIP-340 requires an even nonce point.
	if rj.Y.IsOdd() {
		k.Negate()
		rj.Y.Negate(1).Normalize()
	}

	rBytes := rj.X.Bytes()

	pub := priv.PubKey()
	pubBytes := schnorr.SerializePubKey(pub)

	var d btcec.ModNScalar
	d.Set(&priv.Key)
	if pub.SerializeCompressed()[0] == 0x03 {
		d.Negate()
	}

	hash := chainhash.TaggedHash(
		chainhash.TagBIP0340Challenge, rBytes[:], pubBytes, msg[:],
	)

	var e btcec.ModNScalar
	e.SetBytes((*[32]byte)(hash))

	s := new(btcec.ModNScalar).Mul2(&e, &d)
	s.Add(&k)

	var sigBytes [64]byte
	copy(sigBytes[:32], rBytes[:])
	sBytes := s.Bytes()
	copy(sigBytes[32:], sBytes[:])

	sig, err := schnorr.ParseSignature(sigBytes[:])
	if err != nil {
		panic(err)
	}

	return sig
}

// nonceScalar derives a fresh random nonce scalar and its public point.
func nonceScalar() (*btcec.ModNScalar, *btcec.PublicKey) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		panic(err)
	}

	var k btcec.ModNScalar
	k.Set(&priv.Key)

	return &k, priv.PubKey()
}

// Oracle is a scriptable in-process oracle: it publishes announcements up
// front and attests on demand with the committed nonces.
type Oracle struct {
	priv *btcec.PrivateKey

	announcements map[string]*dlc.Announcement
	nonces        map[string][]*btcec.ModNScalar
	attestations  map[string]*dlc.Attestation
}

// NewOracle creates an oracle with a fresh signing key.
func NewOracle() *Oracle {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		panic(err)
	}

	return &Oracle{
		priv:          priv,
		announcements: make(map[string]*dlc.Announcement),
		nonces:        make(map[string][]*btcec.ModNScalar),
		attestations:  make(map[string]*dlc.Attestation),
	}
}

// PubKey returns the oracle's signing key.
func (o *Oracle) PubKey() *btcec.PublicKey {
	return o.priv.PubKey()
}

// AnnounceEnum publishes an enumerated event with the given outcomes.
func (o *Oracle) AnnounceEnum(id string,
	outcomes []string) *dlc.Announcement {

	k, noncePub := nonceScalar()

	ann := &dlc.Announcement{
		ID:       id,
		PubKey:   o.priv.PubKey(),
		Nonces:   []*btcec.PublicKey{noncePub},
		Outcomes: outcomes,
	}
	o.announcements[id] = ann
	o.nonces[id] = []*btcec.ModNScalar{k}

	return ann
}

// AnnounceNumeric publishes a numeric event with one nonce per digit.
func (o *Oracle) AnnounceNumeric(id string, base,
	nbDigits uint16) *dlc.Announcement {

	noncePubs := make([]*btcec.PublicKey, nbDigits)
	scalars := make([]*btcec.ModNScalar, nbDigits)
	for i := range noncePubs {
		scalars[i], noncePubs[i] = nonceScalar()
	}

	ann := &dlc.Announcement{
		ID:       id,
		PubKey:   o.priv.PubKey(),
		Nonces:   noncePubs,
		Base:     base,
		NbDigits: nbDigits,
	}
	o.announcements[id] = ann
	o.nonces[id] = scalars

	return ann
}

// AttestEnum signs the given outcome of an enumerated event.
func (o *Oracle) AttestEnum(id, outcome string) *dlc.Attestation {
	msg := adaptorsig.OutcomeHash(outcome)
	sig := signWithNonce(o.priv, o.nonces[id][0], msg)

	att := &dlc.Attestation{
		ID:         id,
		Signatures: []*schnorr.Signature{sig},
		Outcomes:   []string{outcome},
	}
	o.attestations[id] = att

	return att
}

// AttestNumeric signs the digit decomposition of the given value.
func (o *Oracle) AttestNumeric(id string, value uint64) *dlc.Attestation {
	ann := o.announcements[id]

	digits := make([]string, ann.NbDigits)
	rest := value
	for i := int(ann.NbDigits) - 1; i >= 0; i-- {
		digits[i] = strconv.Itoa(int(rest % uint64(ann.Base)))
		rest /= uint64(ann.Base)
	}

	sigs := make([]*schnorr.Signature, len(digits))
	for i, digit := range digits {
		msg := adaptorsig.OutcomeHash(digit)
		sigs[i] = signWithNonce(o.priv, o.nonces[id][i], msg)
	}

	att := &dlc.Attestation{
		ID:         id,
		Signatures: sigs,
		Outcomes:   digits,
	}
	o.attestations[id] = att

	return att
}

// GetAnnouncement implements the oracle client interface.
func (o *Oracle) GetAnnouncement(_ context.Context,
	id string) (*dlc.Announcement, error) {

	ann, ok := o.announcements[id]
	if !ok {
		return nil, dlc.Errorf(dlc.KindNotFound, "no announcement "+
			"%q", id)
	}

	return ann, nil
}

// GetAttestation implements the oracle client interface.
func (o *Oracle) GetAttestation(_ context.Context,
	id string) (*dlc.Attestation, error) {

	att, ok := o.attestations[id]
	if !ok {
		return nil, dlc.Errorf(dlc.KindNotFound, "no attestation "+
			"%q", id)
	}

	return att, nil
}

// MultiOracle bundles several oracles behind one client, routing by
// announcement id.
type MultiOracle struct {
	Oracles []*Oracle
}

// GetAnnouncement implements the oracle client interface.
func (m *MultiOracle) GetAnnouncement(ctx context.Context,
	id string) (*dlc.Announcement, error) {

	for _, o := range m.Oracles {
		if ann, err := o.GetAnnouncement(ctx, id); err == nil {
			return ann, nil
		}
	}

	return nil, dlc.Errorf(dlc.KindNotFound, "no announcement %q", id)
}

// GetAttestation implements the oracle client interface.
func (m *MultiOracle) GetAttestation(ctx context.Context,
	id string) (*dlc.Attestation, error) {

	for _, o := range m.Oracles {
		if att, err := o.GetAttestation(ctx, id); err == nil {
			return att, nil
		}
	}

	return nil, dlc.Errorf(dlc.KindNotFound, "no attestation %q", id)
}
