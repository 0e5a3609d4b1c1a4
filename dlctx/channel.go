package dlctx

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/dlcsuite/dlcd/dlc"
)

// BuildBuffer constructs the channel buffer transaction: it spends the
// channel funding output into a single revocable output that in turn funds
// either the current sub-contract or a settle transaction. The buffer fee
// is taken from the funding value. The locktime carries the channel update
// index, which keeps the buffer txid unique per update.
func BuildBuffer(fundingOutPoint wire.OutPoint,
	fundingValue btcutil.Amount, bufferPkScript []byte,
	feeRate uint64, lockTime uint32) (*wire.MsgTx, error) {

	weight := int64(cetBaseWeight) + outputWeight(bufferPkScript)
	fee := btcutil.Amount(weightToVBytes(weight) * int64(feeRate))

	value := fundingValue - fee
	if value < DustLimit {
		return nil, dlc.Errorf(dlc.KindDust, "buffer output %v "+
			"below dust after fee %v", value, fee)
	}

	tx := wire.NewMsgTx(2)
	tx.LockTime = lockTime

	txIn := wire.NewTxIn(&fundingOutPoint, nil, nil)
	txIn.Sequence = fundingInputSequence
	tx.AddTxIn(txIn)

	tx.AddTxOut(wire.NewTxOut(int64(value), bufferPkScript))

	return tx, nil
}

// BuildSettle constructs a channel settle transaction paying each party
// its current channel balance from the buffer output.
func BuildSettle(bufferOutPoint wire.OutPoint, offer,
	accept *dlc.PartyParams, offerBalance,
	acceptBalance btcutil.Amount, lockTime uint32) (*wire.MsgTx,
	error) {

	return BuildCET(bufferOutPoint, offer, accept, Payout{
		Offer:  offerBalance,
		Accept: acceptBalance,
	}, lockTime)
}

// BuildCollaborativeClose constructs the cooperative close transaction
// spending the channel funding output directly into both parties' payout
// scripts, with no locktime.
func BuildCollaborativeClose(fundingOutPoint wire.OutPoint, offer,
	accept *dlc.PartyParams, offerBalance,
	acceptBalance btcutil.Amount) (*wire.MsgTx, error) {

	return BuildCET(fundingOutPoint, offer, accept, Payout{
		Offer:  offerBalance,
		Accept: acceptBalance,
	}, 0)
}
