package dlc

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/dlcsuite/dlcd/adaptorsig"
	"github.com/dlcsuite/dlcd/payout"
	"github.com/stretchr/testify/require"
)

func TestComputeContractID(t *testing.T) {
	t.Parallel()

	var txid chainhash.Hash
	for i := range txid {
		txid[i] = byte(i)
	}

	var tempID ContractID
	for i := range tempID {
		tempID[i] = 0xff
	}

	id := ComputeContractID(txid, 1, tempID)

	// Byte-wise XOR with the vout folded into the tail.
	for i := 0; i < 30; i++ {
		require.Equal(t, txid[i]^0xff, id[i])
	}
	require.Equal(t, txid[30]^0xff, id[30])
	require.Equal(t, txid[31]^0xff^0x01, id[31])

	// Both parties derive the same id.
	require.Equal(t, id, ComputeContractID(txid, 1, tempID))
}

func TestTemporaryIDUniqueness(t *testing.T) {
	t.Parallel()

	a, err := NewTemporaryContractID()
	require.NoError(t, err)
	b, err := NewTemporaryContractID()
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func testContract(t *testing.T) *Contract {
	t.Helper()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	prevTx := wire.NewMsgTx(2)
	prevTx.AddTxOut(wire.NewTxOut(200_000, []byte{0x00, 0x14, 0x01}))

	tempID, err := NewTemporaryContractID()
	require.NoError(t, err)

	preSig, err := adaptorsig.PreSign(
		priv, [32]byte{1, 2, 3}, priv.PubKey(),
	)
	require.NoError(t, err)

	return &Contract{
		TemporaryID:  tempID,
		CounterParty: priv.PubKey(),
		IsOfferParty: true,
		State:        StateAccepted,
		Input: ContractInput{
			OfferCollateral:  50_000,
			AcceptCollateral: 50_000,
			FeeRate:          2,
			CetLockTime:      100,
			RefundLockTime:   200,
			Descriptor: Descriptor{
				Enum: &payout.Enumeration{
					Payouts: []payout.EnumerationPayout{
						{Outcome: "A", Offer: 100_000},
						{Outcome: "B", Accept: 100_000},
					},
				},
			},
			Oracles: OracleSelection{
				AnnouncementIDs: []string{"event-1"},
				Threshold:       1,
			},
		},
		Announcements: []Announcement{{
			ID:       "event-1",
			PubKey:   priv.PubKey(),
			Nonces:   []*btcec.PublicKey{priv.PubKey()},
			Outcomes: []string{"A", "B"},
		}},
		OfferParams: PartyParams{
			FundPubKey:     priv.PubKey(),
			ChangeScript:   []byte{0x00, 0x14, 0x02},
			ChangeSerialID: 7,
			PayoutScript:   []byte{0x00, 0x14, 0x03},
			PayoutSerialID: 8,
			Inputs: []FundingInput{{
				OutPoint: wire.OutPoint{
					Hash: prevTx.TxHash(),
				},
				PrevTx:        prevTx,
				Value:         200_000,
				MaxWitnessLen: 107,
				InputSerialID: 3,
			}},
			InputAmount: 200_000,
			Collateral:  50_000,
		},
		CounterAdaptorSigs: []*adaptorsig.Signature{preSig},
	}
}

// TestContractSerializationRoundTrip checks the deterministic blob codec:
// decoding and re-encoding must reproduce the exact bytes.
func TestContractSerializationRoundTrip(t *testing.T) {
	t.Parallel()

	contract := testContract(t)

	var buf bytes.Buffer
	require.NoError(t, contract.Serialize(&buf))
	encoded := buf.Bytes()

	decoded, err := DeserializeContract(bytes.NewReader(encoded))
	require.NoError(t, err)

	var buf2 bytes.Buffer
	require.NoError(t, decoded.Serialize(&buf2))
	require.Equal(t, encoded, buf2.Bytes())

	require.Equal(t, contract.TemporaryID, decoded.TemporaryID)
	require.Equal(t, contract.State, decoded.State)
	require.Equal(
		t, contract.Input.TotalCollateral(),
		decoded.Input.TotalCollateral(),
	)
	require.Len(t, decoded.CounterAdaptorSigs, 1)
	require.True(t, contract.CounterAdaptorSigs[0].IsEqual(
		decoded.CounterAdaptorSigs[0],
	))
}

func TestAttestationNumericValue(t *testing.T) {
	t.Parallel()

	att := &Attestation{
		ID:       "evt",
		Outcomes: []string{"1", "0", "1", "1"},
	}

	value, err := att.NumericValue(2)
	require.NoError(t, err)
	require.Equal(t, uint64(0b1011), value)

	_, err = att.NumericValue(1)
	require.Error(t, err)

	att.Outcomes = []string{"2"}
	_, err = att.NumericValue(2)
	require.Error(t, err)
}

func TestAttestationValidate(t *testing.T) {
	t.Parallel()

	oraclePriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	msg := adaptorsig.OutcomeHash("yes")
	sig, err := schnorr.Sign(oraclePriv, msg[:])
	require.NoError(t, err)

	nonce, err := schnorr.ParsePubKey(sig.Serialize()[:32])
	require.NoError(t, err)

	ann := &Announcement{
		ID:       "evt",
		PubKey:   oraclePriv.PubKey(),
		Nonces:   []*btcec.PublicKey{nonce},
		Outcomes: []string{"yes", "no"},
	}
	require.NoError(t, ann.Validate())

	att := &Attestation{
		ID:         "evt",
		Signatures: []*schnorr.Signature{sig},
		Outcomes:   []string{"yes"},
	}
	require.NoError(t, att.Validate(ann))

	// A signature over a different outcome must be rejected.
	badAtt := &Attestation{
		ID:         "evt",
		Signatures: []*schnorr.Signature{sig},
		Outcomes:   []string{"no"},
	}
	require.Error(t, badAtt.Validate(ann))
}

func TestErrorKinds(t *testing.T) {
	t.Parallel()

	err := Errorf(KindBlockchainError, "node unreachable")
	require.Equal(t, KindBlockchainError, KindOf(err))
	require.True(t, IsTransient(err))

	sigErr := Errorf(KindInvalidAdaptorSignature, "bad sig %d", 3)
	require.False(t, IsTransient(sigErr))
	require.Contains(t, sigErr.Error(), "invalid adaptor signature")
}
