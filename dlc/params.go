package dlc

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
)

// FundingInput is one UTXO a party contributes to the funding transaction.
type FundingInput struct {
	// OutPoint is the outpoint being spent.
	OutPoint wire.OutPoint

	// PrevTx is the full transaction the outpoint refers to, used to
	// verify the input value and build the funding PSBT.
	PrevTx *wire.MsgTx

	// Value is the value of the spent output.
	Value btcutil.Amount

	// MaxWitnessLen is the maximum length in bytes of the witness that
	// will eventually spend the input, used for fee estimation.
	MaxWitnessLen uint16

	// InputSerialID orders the funding inputs of both parties
	// deterministically.
	InputSerialID uint64

	// RedeemScript is set for nested segwit inputs, empty otherwise.
	RedeemScript []byte
}

// Validate checks that the previous transaction actually contains the
// referenced output with the declared value.
func (f *FundingInput) Validate() error {
	if f.PrevTx == nil {
		return Errorf(KindInvalidParameter, "funding input %v "+
			"missing previous tx", f.OutPoint)
	}
	if int(f.OutPoint.Index) >= len(f.PrevTx.TxOut) {
		return Errorf(KindInvalidParameter, "funding input %v "+
			"index out of range", f.OutPoint)
	}
	if f.PrevTx.TxHash() != f.OutPoint.Hash {
		return Errorf(KindInvalidParameter, "funding input %v "+
			"previous tx hash mismatch", f.OutPoint)
	}

	prevOut := f.PrevTx.TxOut[f.OutPoint.Index]
	if btcutil.Amount(prevOut.Value) != f.Value {
		return Errorf(KindInvalidParameter, "funding input %v "+
			"value %d doesn't match previous output %d",
			f.OutPoint, f.Value, prevOut.Value)
	}

	return nil
}

// PartyParams is everything one party contributes to the construction of
// the funding transaction and the contract execution transactions.
type PartyParams struct {
	// FundPubKey is the party's key in the 2-of-2 funding output.
	FundPubKey *btcec.PublicKey

	// ChangeScript receives the party's change from the funding
	// transaction.
	ChangeScript []byte

	// ChangeSerialID orders the change output.
	ChangeSerialID uint64

	// PayoutScript receives the party's payout in every contract
	// execution and refund transaction.
	PayoutScript []byte

	// PayoutSerialID orders the payout output.
	PayoutSerialID uint64

	// Inputs are the party's funding inputs.
	Inputs []FundingInput

	// InputAmount is the sum of all funding input values.
	InputAmount btcutil.Amount

	// Collateral is the amount the party locks into the contract.
	Collateral btcutil.Amount
}

// Validate performs basic consistency checks on the party parameters.
func (p *PartyParams) Validate() error {
	if p.FundPubKey == nil {
		return Errorf(KindInvalidParameter, "missing funding pubkey")
	}
	if len(p.PayoutScript) == 0 {
		return Errorf(KindInvalidParameter, "missing payout script")
	}
	if p.Collateral <= 0 {
		return Errorf(KindInvalidParameter, "non-positive collateral")
	}

	var inputSum btcutil.Amount
	for i := range p.Inputs {
		if err := p.Inputs[i].Validate(); err != nil {
			return err
		}
		inputSum += p.Inputs[i].Value
	}
	if inputSum != p.InputAmount {
		return Errorf(KindInvalidParameter, "input amount %v "+
			"doesn't match input sum %v", p.InputAmount, inputSum)
	}

	return nil
}

// SerialIDs returns all serial ids the party contributes, used to detect
// collisions across both parties.
func (p *PartyParams) SerialIDs() []uint64 {
	ids := make([]uint64, 0, len(p.Inputs)+2)
	ids = append(ids, p.ChangeSerialID, p.PayoutSerialID)
	for i := range p.Inputs {
		ids = append(ids, p.Inputs[i].InputSerialID)
	}

	return ids
}

// PubKeyString renders a compressed public key as hex for log output.
func PubKeyString(pub *btcec.PublicKey) string {
	if pub == nil {
		return "<nil>"
	}

	return fmt.Sprintf("%x", pub.SerializeCompressed())
}
