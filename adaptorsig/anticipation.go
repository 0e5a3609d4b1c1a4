package adaptorsig

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

var (
	// ErrNoPoints is returned when aggregating an empty point set.
	ErrNoPoints = errors.New("no points to aggregate")

	// ErrPointAtInfinity is returned when an aggregation results in the
	// point at infinity, which can't serve as an adaptor point.
	ErrPointAtInfinity = errors.New("aggregate is point at infinity")
)

// OutcomeHash hashes an outcome string the way oracles sign it: a plain
// SHA-256 over the UTF-8 bytes.
func OutcomeHash(outcome string) [32]byte {
	return sha256.Sum256([]byte(outcome))
}

// AnticipationPoint computes the public signature point S = R + H(R, P, m)*P
// for the oracle public key, the per-outcome nonce it committed to in its
// announcement, and the outcome message. Once the oracle attests to the
// outcome, its BIP-340 signature s satisfies s*G == S, so S can serve as an
// adaptor point whose secret is revealed by the attestation.
func AnticipationPoint(oraclePub, nonce *btcec.PublicKey,
	outcome string) (*btcec.PublicKey, error) {

	msg := OutcomeHash(outcome)

	// Both the nonce and the public key are x-only on the wire, so use
	// their even-y lifts.
	evenNonce, err := schnorr.ParsePubKey(schnorr.SerializePubKey(nonce))
	if err != nil {
		return nil, fmt.Errorf("invalid oracle nonce: %w", err)
	}
	evenPub, err := schnorr.ParsePubKey(schnorr.SerializePubKey(oraclePub))
	if err != nil {
		return nil, fmt.Errorf("invalid oracle pubkey: %w", err)
	}

	hash := chainhash.TaggedHash(
		chainhash.TagBIP0340Challenge,
		schnorr.SerializePubKey(nonce),
		schnorr.SerializePubKey(oraclePub), msg[:],
	)

	var e btcec.ModNScalar
	e.SetBytes((*[32]byte)(hash))

	var pj, ep, rj, sum btcec.JacobianPoint
	evenPub.AsJacobian(&pj)
	btcec.ScalarMultNonConst(&e, &pj, &ep)
	evenNonce.AsJacobian(&rj)
	btcec.AddNonConst(&rj, &ep, &sum)

	if sum.X.IsZero() && sum.Y.IsZero() {
		return nil, ErrPointAtInfinity
	}

	return toAffinePub(&sum), nil
}

// AggregatePoint sums the given points into a single adaptor point. This is
// used to combine the per-digit anticipation points of a numeric outcome
// path, and the per-oracle points of a multi-oracle outcome.
func AggregatePoint(points []*btcec.PublicKey) (*btcec.PublicKey, error) {
	if len(points) == 0 {
		return nil, ErrNoPoints
	}

	var agg btcec.JacobianPoint
	points[0].AsJacobian(&agg)

	for _, p := range points[1:] {
		var pj btcec.JacobianPoint
		p.AsJacobian(&pj)
		btcec.AddNonConst(&agg, &pj, &agg)
	}

	if agg.X.IsZero() && agg.Y.IsZero() {
		return nil, ErrPointAtInfinity
	}

	return toAffinePub(&agg), nil
}

// AttestationScalar extracts the s value of a BIP-340 oracle attestation
// signature. The scalar is the discrete log of the matching anticipation
// point.
func AttestationScalar(sig *schnorr.Signature) (*btcec.ModNScalar, error) {
	sigBytes := sig.Serialize()

	s := new(btcec.ModNScalar)
	if overflow := s.SetByteSlice(sigBytes[32:]); overflow {
		return nil, fmt.Errorf("attestation s value overflows")
	}

	return s, nil
}

// CombineScalars sums the given scalars. The sum of per-digit (and
// per-oracle) attestation scalars is the adaptor secret of the aggregated
// anticipation point.
func CombineScalars(scalars []*btcec.ModNScalar) *btcec.ModNScalar {
	sum := new(btcec.ModNScalar)
	for _, s := range scalars {
		sum.Add(s)
	}

	return sum
}
