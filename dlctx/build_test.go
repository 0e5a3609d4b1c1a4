package dlctx

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/dlcsuite/dlcd/dlc"
	"github.com/stretchr/testify/require"
)

// testParams builds deterministic party parameters funded by a single
// synthetic input.
func testParams(t *testing.T, seed byte, collateral btcutil.Amount,
	inputValue btcutil.Amount, serialBase uint64) *dlc.PartyParams {

	t.Helper()

	var keyBytes [32]byte
	for i := range keyBytes {
		keyBytes[i] = seed + byte(i) + 1
	}
	priv, _ := btcec.PrivKeyFromBytes(keyBytes[:])

	prevTx := wire.NewMsgTx(2)
	prevTx.AddTxOut(wire.NewTxOut(
		int64(inputValue), []byte{0x00, 0x14, seed},
	))

	return &dlc.PartyParams{
		FundPubKey:     priv.PubKey(),
		ChangeScript:   append([]byte{0x00, 0x14}, seed, 0x01),
		ChangeSerialID: serialBase + 1,
		PayoutScript:   append([]byte{0x00, 0x14}, seed, 0x02),
		PayoutSerialID: serialBase + 2,
		Inputs: []dlc.FundingInput{{
			OutPoint: wire.OutPoint{
				Hash:  prevTx.TxHash(),
				Index: 0,
			},
			PrevTx:        prevTx,
			Value:         inputValue,
			MaxWitnessLen: 107,
			InputSerialID: serialBase,
		}},
		InputAmount: inputValue,
		Collateral:  collateral,
	}
}

func TestBuildFundingDeterminism(t *testing.T) {
	t.Parallel()

	offer := testParams(t, 0x01, 50_000, 200_000, 10)
	accept := testParams(t, 0x02, 50_000, 200_000, 20)

	tx1, idx1, script1, err := BuildFunding(offer, accept, 2, 0, 5)
	require.NoError(t, err)
	tx2, idx2, script2, err := BuildFunding(offer, accept, 2, 0, 5)
	require.NoError(t, err)

	require.Equal(t, tx1.TxHash(), tx2.TxHash())
	require.Equal(t, idx1, idx2)
	require.Equal(t, script1, script2)

	// The funding output holds the collaterals plus both CET reserves.
	offerFees := EstimateFees(offer, 2)
	acceptFees := EstimateFees(accept, 2)
	wantValue := int64(
		100_000 + offerFees.Cet + acceptFees.Cet,
	)
	require.Equal(t, wantValue, tx1.TxOut[idx1].Value)

	// Inputs are ordered by serial id: the offer input (10) first.
	require.Len(t, tx1.TxIn, 2)
	require.Equal(
		t, offer.Inputs[0].OutPoint, tx1.TxIn[0].PreviousOutPoint,
	)

	// Input and output value balance: fees are exactly the estimated
	// funding shares.
	var outSum int64
	for _, out := range tx1.TxOut {
		outSum += out.Value
	}
	inSum := int64(offer.InputAmount + accept.InputAmount)
	require.Equal(
		t, int64(offerFees.Fund+acceptFees.Fund), inSum-outSum,
	)
}

func TestBuildFundingInsufficientFunds(t *testing.T) {
	t.Parallel()

	offer := testParams(t, 0x01, 50_000, 50_100, 10)
	accept := testParams(t, 0x02, 50_000, 200_000, 20)

	_, _, _, err := BuildFunding(offer, accept, 2, 0, 5)
	require.Error(t, err)
	require.Equal(t, dlc.KindInsufficientFunds, dlc.KindOf(err))
}

func TestBuildFundingDuplicateSerialIDs(t *testing.T) {
	t.Parallel()

	offer := testParams(t, 0x01, 50_000, 200_000, 10)
	accept := testParams(t, 0x02, 50_000, 200_000, 10)

	_, _, _, err := BuildFunding(offer, accept, 2, 0, 5)
	require.Error(t, err)
	require.Equal(t, dlc.KindInvalidParameter, dlc.KindOf(err))
}

func TestBuildFundingDustChange(t *testing.T) {
	t.Parallel()

	offer := testParams(t, 0x01, 50_000, 200_000, 10)
	accept := testParams(t, 0x02, 50_000, 200_000, 20)

	// Shrink the accept input so its change lands below dust.
	acceptFees := EstimateFees(accept, 2)
	accept.Inputs[0].PrevTx.TxOut[0].Value = int64(
		50_000 + acceptFees.Total() + 100,
	)
	accept.Inputs[0].OutPoint.Hash = accept.Inputs[0].PrevTx.TxHash()
	accept.Inputs[0].Value = btcutil.Amount(
		accept.Inputs[0].PrevTx.TxOut[0].Value,
	)
	accept.InputAmount = accept.Inputs[0].Value

	tx, _, _, err := BuildFunding(offer, accept, 2, 0, 5)
	require.NoError(t, err)

	// Only two outputs remain: funding plus the offer change, which
	// absorbed the dust.
	require.Len(t, tx.TxOut, 2)

	var changeSum int64
	for _, out := range tx.TxOut {
		changeSum += out.Value
	}
	offerFees := EstimateFees(offer, 2)
	inSum := int64(offer.InputAmount + accept.InputAmount)
	require.Equal(
		t, int64(offerFees.Fund+acceptFees.Fund), inSum-changeSum,
	)
}

func TestBuildCET(t *testing.T) {
	t.Parallel()

	offer := testParams(t, 0x01, 50_000, 200_000, 10)
	accept := testParams(t, 0x02, 50_000, 200_000, 20)

	outpoint := wire.OutPoint{Index: 0}

	cet, err := BuildCET(outpoint, offer, accept, Payout{
		Offer:  30_000,
		Accept: 70_000,
	}, 1234)
	require.NoError(t, err)

	require.Len(t, cet.TxIn, 1)
	require.Equal(t, uint32(1234), cet.LockTime)
	require.Equal(
		t, uint32(fundingInputSequence), cet.TxIn[0].Sequence,
	)
	require.Len(t, cet.TxOut, 2)

	var total int64
	for _, out := range cet.TxOut {
		total += out.Value
	}
	require.Equal(t, int64(100_000), total)
}

func TestBuildCETDustSweep(t *testing.T) {
	t.Parallel()

	offer := testParams(t, 0x01, 50_000, 200_000, 10)
	accept := testParams(t, 0x02, 50_000, 200_000, 20)

	outpoint := wire.OutPoint{Index: 0}

	// The offer side's 100 sats are dust and get swept to the accept
	// side.
	cet, err := BuildCET(outpoint, offer, accept, Payout{
		Offer:  100,
		Accept: 99_900,
	}, 0)
	require.NoError(t, err)
	require.Len(t, cet.TxOut, 1)
	require.Equal(t, int64(100_000), cet.TxOut[0].Value)
	require.Equal(t, accept.PayoutScript, cet.TxOut[0].PkScript)

	// Both sides dust is rejected.
	_, err = BuildCET(outpoint, offer, accept, Payout{
		Offer:  100,
		Accept: 100,
	}, 0)
	require.Error(t, err)
	require.Equal(t, dlc.KindDust, dlc.KindOf(err))
}

func TestBuildRefund(t *testing.T) {
	t.Parallel()

	offer := testParams(t, 0x01, 60_000, 200_000, 10)
	accept := testParams(t, 0x02, 40_000, 200_000, 20)

	refund, err := BuildRefund(wire.OutPoint{}, offer, accept, 5000)
	require.NoError(t, err)
	require.Equal(t, uint32(5000), refund.LockTime)
	require.Len(t, refund.TxOut, 2)

	// Each party gets its collateral back.
	values := []int64{refund.TxOut[0].Value, refund.TxOut[1].Value}
	require.ElementsMatch(t, []int64{60_000, 40_000}, values)
}

func TestCreateTransactions(t *testing.T) {
	t.Parallel()

	offer := testParams(t, 0x01, 50_000, 200_000, 10)
	accept := testParams(t, 0x02, 50_000, 200_000, 20)

	payouts := []Payout{
		{Offer: 100_000, Accept: 0},
		{Offer: 0, Accept: 100_000},
		{Offer: 50_000, Accept: 50_000},
	}

	txs, err := CreateTransactions(
		offer, accept, payouts, 2, 0, 100, 200, 5,
	)
	require.NoError(t, err)
	require.Len(t, txs.CETs, 3)

	// Every CET spends exactly the funding output.
	fundingOutPoint := wire.OutPoint{
		Hash:  txs.Fund.TxHash(),
		Index: txs.FundOutputIndex,
	}
	for _, cet := range txs.CETs {
		require.Len(t, cet.TxIn, 1)
		require.Equal(
			t, fundingOutPoint, cet.TxIn[0].PreviousOutPoint,
		)
	}
	require.Equal(
		t, fundingOutPoint, txs.Refund.TxIn[0].PreviousOutPoint,
	)

	// Collateral conservation: CET outputs sum to the total collateral,
	// the CET fee is exactly both parties' reserves.
	offerFees := EstimateFees(offer, 2)
	acceptFees := EstimateFees(accept, 2)
	for _, cet := range txs.CETs {
		var outSum int64
		for _, out := range cet.TxOut {
			outSum += out.Value
		}
		require.Equal(t, int64(100_000), outSum)

		fee := txs.Fund.TxOut[txs.FundOutputIndex].Value - outSum
		require.Equal(
			t, int64(offerFees.Cet+acceptFees.Cet), fee,
		)
	}
}
