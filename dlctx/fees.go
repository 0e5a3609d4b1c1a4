package dlctx

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/dlcsuite/dlcd/dlc"
)

const (
	// fundTxBaseWeight is the weight of the funding transaction shared
	// between the parties: version, locktime, in/out counts, segwit
	// marker and the funding output itself.
	fundTxBaseWeight = 214

	// cetBaseWeight is the weight of a contract execution or refund
	// transaction shared between the parties: version, locktime, the
	// single funding input with its 2-of-2 witness, and counts.
	cetBaseWeight = 500

	// inputBaseWeight is the non-witness weight of one transaction
	// input: outpoint, sequence and an empty script sig length byte.
	inputBaseWeight = 164

	// DustLimit is the minimum output value carried by any contract
	// transaction output.
	DustLimit = btcutil.Amount(330)
)

// weightToVBytes converts a transaction weight to virtual bytes, rounding
// up.
func weightToVBytes(weight int64) int64 {
	return (weight + 3) / 4
}

// outputWeight returns the weight contribution of an output paying to the
// given script.
func outputWeight(script []byte) int64 {
	// value (8) + script length varint (1) + script.
	return 4 * int64(9+len(script))
}

// inputWeight returns the full weight contribution of a funding input,
// including its future witness.
func inputWeight(in *dlc.FundingInput) int64 {
	redeem := int64(len(in.RedeemScript))
	return inputBaseWeight + 4*redeem + int64(in.MaxWitnessLen)
}

// PartyFees is the fee split one party owes: its share of the funding
// transaction and the fee reserve for the eventual execution or refund
// transaction.
type PartyFees struct {
	// Fund is the party's funding transaction fee share.
	Fund btcutil.Amount

	// Cet is the party's execution/refund fee reserve, locked into the
	// funding output and spent as fee by the closing transaction.
	Cet btcutil.Amount
}

// Total returns the sum of both components.
func (f PartyFees) Total() btcutil.Amount {
	return f.Fund + f.Cet
}

// EstimateFees computes the fee share of one party: it pays for its own
// inputs and change output, half the shared funding transaction weight,
// half the shared execution transaction weight, and its own payout output.
func EstimateFees(params *dlc.PartyParams, feeRate uint64) PartyFees {
	fundWeight := int64(fundTxBaseWeight / 2)
	for i := range params.Inputs {
		fundWeight += inputWeight(&params.Inputs[i])
	}
	if len(params.ChangeScript) > 0 {
		fundWeight += outputWeight(params.ChangeScript)
	}

	cetWeight := int64(cetBaseWeight/2) +
		outputWeight(params.PayoutScript)

	return PartyFees{
		Fund: btcutil.Amount(
			weightToVBytes(fundWeight) * int64(feeRate),
		),
		Cet: btcutil.Amount(
			weightToVBytes(cetWeight) * int64(feeRate),
		),
	}
}
