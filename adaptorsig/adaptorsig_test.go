package adaptorsig

import (
	"crypto/rand"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/stretchr/testify/require"
)

// randScalar returns a fresh random non-zero scalar and its public point.
func randScalar(t *testing.T) (*btcec.ModNScalar, *btcec.PublicKey) {
	t.Helper()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	var s btcec.ModNScalar
	s.Set(&priv.Key)

	return &s, priv.PubKey()
}

func randMsg(t *testing.T) [32]byte {
	t.Helper()

	var msg [32]byte
	_, err := rand.Read(msg[:])
	require.NoError(t, err)

	return msg
}

// TestAdaptorSignatureLifecycle tests the full pre-sign, verify, adapt,
// extract round trip over many random keys and messages to also hit both
// nonce parities.
func TestAdaptorSignatureLifecycle(t *testing.T) {
	t.Parallel()

	for i := 0; i < 32; i++ {
		priv, err := btcec.NewPrivateKey()
		require.NoError(t, err)

		secret, adaptorPoint := randScalar(t)
		msg := randMsg(t)

		preSig, err := PreSign(priv, msg, adaptorPoint)
		require.NoError(t, err)

		require.NoError(t, PreVerify(
			preSig, msg, priv.PubKey(), adaptorPoint,
		))

		// Completing with the adaptor secret must yield a valid
		// BIP-340 signature.
		finalSig, err := Adapt(preSig, secret)
		require.NoError(t, err)
		require.True(t, finalSig.Verify(
			msg[:], priv.PubKey(),
		))

		// And the secret must be recoverable from the final
		// signature.
		extracted, err := Extract(finalSig, preSig, adaptorPoint)
		require.NoError(t, err)
		require.True(t, extracted.Equals(secret))
	}
}

// TestPreVerifyRejectsWrongInputs makes sure verification fails when any of
// the inputs is off.
func TestPreVerifyRejectsWrongInputs(t *testing.T) {
	t.Parallel()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	_, adaptorPoint := randScalar(t)
	_, otherPoint := randScalar(t)
	msg := randMsg(t)
	otherMsg := randMsg(t)

	preSig, err := PreSign(priv, msg, adaptorPoint)
	require.NoError(t, err)

	otherPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	require.ErrorIs(
		t, PreVerify(preSig, otherMsg, priv.PubKey(), adaptorPoint),
		ErrVerifyFailed,
	)
	require.ErrorIs(
		t, PreVerify(preSig, msg, otherPriv.PubKey(), adaptorPoint),
		ErrVerifyFailed,
	)
	require.ErrorIs(
		t, PreVerify(preSig, msg, priv.PubKey(), otherPoint),
		ErrVerifyFailed,
	)
}

// TestSignatureSerialization checks the 65 byte round trip.
func TestSignatureSerialization(t *testing.T) {
	t.Parallel()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	_, adaptorPoint := randScalar(t)
	msg := randMsg(t)

	preSig, err := PreSign(priv, msg, adaptorPoint)
	require.NoError(t, err)

	serialized := preSig.Serialize()
	require.Len(t, serialized, SignatureSize)

	parsed, err := ParseSignature(serialized)
	require.NoError(t, err)
	require.True(t, preSig.IsEqual(parsed))
	require.Equal(t, serialized, parsed.Serialize())

	_, err = ParseSignature(serialized[:64])
	require.ErrorIs(t, err, ErrInvalidSigLen)
}

// TestAnticipationPoint checks that an oracle attestation signature's s
// value is exactly the discrete log of the anticipation point derived from
// the announcement nonce.
func TestAnticipationPoint(t *testing.T) {
	t.Parallel()

	oraclePriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	const outcome = "42000"
	msg := OutcomeHash(outcome)

	attestation, err := schnorr.Sign(oraclePriv, msg[:])
	require.NoError(t, err)

	// The first 32 bytes of the signature are the x-only nonce the
	// oracle committed to.
	noncePub, err := schnorr.ParsePubKey(attestation.Serialize()[:32])
	require.NoError(t, err)

	point, err := AnticipationPoint(
		oraclePriv.PubKey(), noncePub, outcome,
	)
	require.NoError(t, err)

	scalar, err := AttestationScalar(attestation)
	require.NoError(t, err)

	var sg btcec.JacobianPoint
	btcec.ScalarBaseMultNonConst(scalar, &sg)
	sg.ToAffine()

	var pj btcec.JacobianPoint
	point.AsJacobian(&pj)
	pj.ToAffine()

	require.True(t, sg.X.Equals(&pj.X))
	require.True(t, sg.Y.Equals(&pj.Y))
}

// TestAggregatedAnticipation checks that summed anticipation points adapt
// with summed attestation scalars, the identity the numeric digit trie and
// multi-oracle layouts rely on.
func TestAggregatedAnticipation(t *testing.T) {
	t.Parallel()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	msg := randMsg(t)

	const numDigits = 5

	points := make([]*btcec.PublicKey, numDigits)
	scalars := make([]*btcec.ModNScalar, numDigits)
	outcomes := []string{"0", "1", "1", "0", "1"}

	for i, outcome := range outcomes {
		oraclePriv, err := btcec.NewPrivateKey()
		require.NoError(t, err)

		digitMsg := OutcomeHash(outcome)
		attestation, err := schnorr.Sign(oraclePriv, digitMsg[:])
		require.NoError(t, err)

		nonce, err := schnorr.ParsePubKey(
			attestation.Serialize()[:32],
		)
		require.NoError(t, err)

		points[i], err = AnticipationPoint(
			oraclePriv.PubKey(), nonce, outcome,
		)
		require.NoError(t, err)

		scalars[i], err = AttestationScalar(attestation)
		require.NoError(t, err)
	}

	aggPoint, err := AggregatePoint(points)
	require.NoError(t, err)

	preSig, err := PreSign(priv, msg, aggPoint)
	require.NoError(t, err)
	require.NoError(t, PreVerify(preSig, msg, priv.PubKey(), aggPoint))

	finalSig, err := Adapt(preSig, CombineScalars(scalars))
	require.NoError(t, err)
	require.True(t, finalSig.Verify(msg[:], priv.PubKey()))
}
