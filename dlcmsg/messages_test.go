package dlcmsg

import (
	"bytes"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"
	"github.com/dlcsuite/dlcd/adaptorsig"
	"github.com/dlcsuite/dlcd/dlc"
	"github.com/dlcsuite/dlcd/payout"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) *btcec.PrivateKey {
	t.Helper()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	return priv
}

func testAdaptorSig(t *testing.T) *adaptorsig.Signature {
	t.Helper()

	priv := testKey(t)
	sig, err := adaptorsig.PreSign(
		priv, [32]byte{1}, priv.PubKey(),
	)
	require.NoError(t, err)

	return sig
}

func testOffer(t *testing.T) *Offer {
	t.Helper()

	priv := testKey(t)

	prevTx := wire.NewMsgTx(2)
	prevTx.AddTxOut(wire.NewTxOut(200_000, []byte{0x00, 0x14, 0x01}))

	return &Offer{
		TemporaryID: dlc.ContractID{1, 2, 3},
		ContractInput: dlc.ContractInput{
			OfferCollateral:  50_000,
			AcceptCollateral: 50_000,
			FeeRate:          2,
			CetLockTime:      100,
			RefundLockTime:   200,
			Descriptor: dlc.Descriptor{
				Enum: &payout.Enumeration{
					Payouts: []payout.EnumerationPayout{
						{Outcome: "A", Offer: 100_000},
						{Outcome: "B", Accept: 100_000},
					},
				},
			},
			Oracles: dlc.OracleSelection{
				AnnouncementIDs: []string{"evt"},
				Threshold:       1,
			},
		},
		Announcements: []dlc.Announcement{{
			ID:       "evt",
			PubKey:   priv.PubKey(),
			Nonces:   []*btcec.PublicKey{priv.PubKey()},
			Outcomes: []string{"A", "B"},
		}},
		OfferParams: dlc.PartyParams{
			FundPubKey:     priv.PubKey(),
			ChangeScript:   []byte{0x00, 0x14, 0x02},
			ChangeSerialID: 1,
			PayoutScript:   []byte{0x00, 0x14, 0x03},
			PayoutSerialID: 2,
			Inputs: []dlc.FundingInput{{
				OutPoint:      wire.OutPoint{Index: 0},
				PrevTx:        prevTx,
				Value:         200_000,
				MaxWitnessLen: 107,
				InputSerialID: 3,
			}},
			InputAmount: 200_000,
			Collateral:  50_000,
		},
		FundLockTime:       0,
		FundOutputSerialID: 4,
	}
}

// roundTrip checks decode(encode(m)) == m at the byte level, both ways.
func roundTrip(t *testing.T, msg Message) Message {
	t.Helper()

	encoded, err := EncodeMessage(msg)
	require.NoError(t, err)

	decoded, err := DecodeMessage(encoded)
	require.NoError(t, err)
	require.Equal(t, msg.MsgType(), decoded.MsgType())

	reEncoded, err := EncodeMessage(decoded)
	require.NoError(t, err)
	require.Equal(t, encoded, reEncoded)

	return decoded
}

func TestOfferRoundTrip(t *testing.T) {
	t.Parallel()

	offer := testOffer(t)
	decoded := roundTrip(t, offer).(*Offer)

	require.Equal(t, offer.TemporaryID, decoded.TemporaryID)
	require.Equal(
		t, offer.ContractInput.TotalCollateral(),
		decoded.ContractInput.TotalCollateral(),
	)
	require.Len(t, decoded.Announcements, 1)
	require.Equal(t, "evt", decoded.Announcements[0].ID)
}

func TestAcceptRoundTrip(t *testing.T) {
	t.Parallel()

	offer := testOffer(t)
	accept := &Accept{
		TemporaryID:  dlc.ContractID{9},
		AcceptParams: offer.OfferParams,
		CetAdaptorSigs: []*adaptorsig.Signature{
			testAdaptorSig(t), testAdaptorSig(t),
		},
		RefundSig: []byte{0x30, 0x44, 0x02, 0x20},
	}

	decoded := roundTrip(t, accept).(*Accept)
	require.Len(t, decoded.CetAdaptorSigs, 2)
	require.True(t, accept.CetAdaptorSigs[0].IsEqual(
		decoded.CetAdaptorSigs[0],
	))
	require.Equal(t, accept.RefundSig, decoded.RefundSig)
}

func TestSignRoundTrip(t *testing.T) {
	t.Parallel()

	sign := &Sign{
		ContractID: dlc.ContractID{7},
		CetAdaptorSigs: []*adaptorsig.Signature{
			testAdaptorSig(t),
		},
		RefundSig: []byte{0x30, 0x45},
		FundingWitnesses: []wire.TxWitness{
			{[]byte{0x01}, []byte{0x02, 0x03}},
		},
	}

	decoded := roundTrip(t, sign).(*Sign)
	require.Len(t, decoded.FundingWitnesses, 1)
	require.Equal(
		t, sign.FundingWitnesses[0], decoded.FundingWitnesses[0],
	)
}

func TestRejectRoundTrip(t *testing.T) {
	t.Parallel()

	roundTrip(t, &Reject{TemporaryID: dlc.ContractID{5}})
}

func TestChannelMessagesRoundTrip(t *testing.T) {
	t.Parallel()

	priv := testKey(t)
	offer := testOffer(t)

	msgs := []Message{
		&OfferChannel{
			Offer:              *offer,
			TemporaryChannelID: dlc.ContractID{1},
			PublishBase:        priv.PubKey(),
		},
		&SettleOffer{
			channelUpdate: channelUpdate{
				ChannelID: dlc.ChannelID{2},
				UpdateIdx: 3,
			},
			CounterPayout: 42_000,
		},
		&SettleAccept{adaptorSigMsg{
			channelUpdate: channelUpdate{
				ChannelID: dlc.ChannelID{2},
				UpdateIdx: 3,
			},
			AdaptorSig: testAdaptorSig(t),
		}},
		&SettleConfirm{
			adaptorSigMsg: adaptorSigMsg{
				channelUpdate: channelUpdate{
					ChannelID: dlc.ChannelID{2},
					UpdateIdx: 3,
				},
				AdaptorSig: testAdaptorSig(t),
			},
			PrevRevocationSecret: [32]byte{4},
		},
		&SettleFinalize{revocationMsg{
			channelUpdate: channelUpdate{
				ChannelID: dlc.ChannelID{2},
				UpdateIdx: 3,
			},
			PrevRevocationSecret: [32]byte{5},
		}},
		&RenewRevoke{revocationMsg{
			channelUpdate: channelUpdate{
				ChannelID: dlc.ChannelID{2},
				UpdateIdx: 4,
			},
			PrevRevocationSecret: [32]byte{6},
		}},
		&CollaborativeCloseOffer{
			channelUpdate: channelUpdate{
				ChannelID: dlc.ChannelID{2},
				UpdateIdx: 4,
			},
			CounterPayout: 10_000,
			CloseSig:      []byte{0x30, 0x44},
		},
	}

	for _, msg := range msgs {
		roundTrip(t, msg)
	}
}

func TestUnknownMessageType(t *testing.T) {
	t.Parallel()

	_, err := DecodeMessage([]byte{0xff, 0xff, 0x00})
	require.ErrorIs(t, err, ErrUnknownMessageType)
}

func TestExtraDataUnknownEvenRecord(t *testing.T) {
	t.Parallel()

	reject := &Reject{TemporaryID: dlc.ContractID{1}}
	encoded, err := EncodeMessage(reject)
	require.NoError(t, err)

	// Appending an odd TLV record survives the round trip.
	withOdd := append([]byte{}, encoded...)
	withOdd = append(withOdd, 0x03, 0x01, 0xaa)

	decoded, err := DecodeMessage(withOdd)
	require.NoError(t, err)
	reEncoded, err := EncodeMessage(decoded)
	require.NoError(t, err)
	require.Equal(t, withOdd, reEncoded)

	// An unknown even record fails the decode.
	withEven := append([]byte{}, encoded...)
	withEven = append(withEven, 0x02, 0x01, 0xaa)

	_, err = DecodeMessage(withEven)
	require.ErrorIs(t, err, ErrUnknownRequiredField)
}

func TestFragmentation(t *testing.T) {
	t.Parallel()

	payload := make([]byte, 2500)
	for i := range payload {
		payload[i] = byte(i)
	}

	fragments := FragmentMessage(payload, 1000)
	require.Len(t, fragments, 3)
	require.Equal(t, uint32(3), fragments[0].Total)

	// A message that fits needs no fragmentation.
	require.Nil(t, FragmentMessage(payload, 5000))

	var peer [33]byte
	peer[0] = 0x02

	reassembler := NewReassembler(time.Minute, nil)

	// Deliver out of order, with a duplicate in between.
	full, err := reassembler.Add(peer, fragments[2])
	require.NoError(t, err)
	require.Nil(t, full)

	full, err = reassembler.Add(peer, fragments[0])
	require.NoError(t, err)
	require.Nil(t, full)

	full, err = reassembler.Add(peer, fragments[0])
	require.NoError(t, err)
	require.Nil(t, full)

	full, err = reassembler.Add(peer, fragments[1])
	require.NoError(t, err)
	require.Equal(t, payload, full)

	// Fragments also survive the wire round trip.
	roundTrip(t, fragments[0])
}

func TestReassemblyTimeout(t *testing.T) {
	t.Parallel()

	payload := bytes.Repeat([]byte{0xab}, 3000)
	fragments := FragmentMessage(payload, 1000)
	require.Len(t, fragments, 3)

	now := time.Unix(1000, 0)
	clock := func() time.Time { return now }

	reassembler := NewReassembler(time.Minute, clock)

	var peer [33]byte
	_, err := reassembler.Add(peer, fragments[0])
	require.NoError(t, err)

	// Before the timeout nothing is dropped.
	require.Empty(t, reassembler.Sweep())

	// Past the timeout the partial state is reported with its missing
	// fragments and released.
	now = now.Add(2 * time.Minute)
	errs := reassembler.Sweep()
	require.Len(t, errs, 1)
	require.ErrorIs(t, errs[0], ErrIncomplete)
	require.Contains(t, errs[0].Error(), "[1 2]")

	// The dropped message can start over.
	_, err = reassembler.Add(peer, fragments[0])
	require.NoError(t, err)
}
