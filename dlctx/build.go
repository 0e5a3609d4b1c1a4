package dlctx

import (
	"bytes"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/dlcsuite/dlcd/dlc"
	"github.com/dlcsuite/dlcd/dlcscript"
)

// fundingInputSequence enables the locktime on contract transaction inputs
// without signalling replaceability.
const fundingInputSequence = 0xFFFFFFFE

// Payout is the value split of one outcome.
type Payout struct {
	// Offer is the amount paid to the offer party.
	Offer btcutil.Amount

	// Accept is the amount paid to the accept party.
	Accept btcutil.Amount
}

// Transactions bundles everything built for a contract.
type Transactions struct {
	// Fund is the funding transaction, unsigned.
	Fund *wire.MsgTx

	// FundOutputIndex locates the 2-of-2 output within Fund.
	FundOutputIndex uint32

	// FundingScript is the 2-of-2 witness script.
	FundingScript []byte

	// CETs are the contract execution transactions, in payout order.
	CETs []*wire.MsgTx

	// Refund is the timelocked refund transaction.
	Refund *wire.MsgTx
}

// orderedOutput carries an output together with its ordering serial id.
type orderedOutput struct {
	out      *wire.TxOut
	serialID uint64
}

// sortOutputs applies the canonical output ordering: by value, then by
// script lexicographically, then by serial id. Given fixed party
// parameters the resulting transaction is identical on both sides.
func sortOutputs(outputs []orderedOutput) {
	sort.SliceStable(outputs, func(i, j int) bool {
		oi, oj := outputs[i], outputs[j]
		if oi.out.Value != oj.out.Value {
			return oi.out.Value < oj.out.Value
		}
		if c := bytes.Compare(
			oi.out.PkScript, oj.out.PkScript,
		); c != 0 {

			return c < 0
		}

		return oi.serialID < oj.serialID
	})
}

// checkSerialIDs rejects duplicate serial ids across both parties.
func checkSerialIDs(offer, accept *dlc.PartyParams,
	fundOutputSerialID uint64) error {

	seen := map[uint64]struct{}{fundOutputSerialID: {}}

	add := func(ids []uint64) error {
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				return dlc.Errorf(dlc.KindInvalidParameter,
					"duplicate serial id %d", id)
			}
			seen[id] = struct{}{}
		}

		return nil
	}

	if err := add(offer.SerialIDs()); err != nil {
		return err
	}

	return add(accept.SerialIDs())
}

// BuildFunding constructs the funding transaction: the serial-ordered union
// of both parties' inputs, the 2-of-2 P2WSH output holding the total
// collateral plus both execution fee reserves, and a change output per
// party for anything above collateral and fees. Dust change is dropped and
// re-credited to the other party's change when possible.
func BuildFunding(offer, accept *dlc.PartyParams, feeRate uint64,
	fundLockTime uint32, fundOutputSerialID uint64) (*wire.MsgTx, uint32,
	[]byte, error) {

	if err := checkSerialIDs(offer, accept, fundOutputSerialID); err != nil {
		return nil, 0, nil, err
	}

	offerFees := EstimateFees(offer, feeRate)
	acceptFees := EstimateFees(accept, feeRate)

	offerChange := offer.InputAmount - offer.Collateral -
		offerFees.Total()
	acceptChange := accept.InputAmount - accept.Collateral -
		acceptFees.Total()
	if offerChange < 0 {
		return nil, 0, nil, dlc.Errorf(dlc.KindInsufficientFunds,
			"offer party inputs %v don't cover collateral %v "+
				"plus fees %v", offer.InputAmount,
			offer.Collateral, offerFees.Total())
	}
	if acceptChange < 0 {
		return nil, 0, nil, dlc.Errorf(dlc.KindInsufficientFunds,
			"accept party inputs %v don't cover collateral %v "+
				"plus fees %v", accept.InputAmount,
			accept.Collateral, acceptFees.Total())
	}

	// Dust change flows to the larger-change side, or into fees if both
	// sides are dust.
	if offerChange < DustLimit && acceptChange >= DustLimit {
		acceptChange += offerChange
		offerChange = 0
	} else if acceptChange < DustLimit && offerChange >= DustLimit {
		offerChange += acceptChange
		acceptChange = 0
	} else if offerChange < DustLimit && acceptChange < DustLimit {
		offerChange, acceptChange = 0, 0
	}

	fundingScript, err := dlcscript.FundingScript(
		offer.FundPubKey, accept.FundPubKey,
	)
	if err != nil {
		return nil, 0, nil, err
	}
	fundingPkScript, err := dlcscript.FundingScriptPubKey(fundingScript)
	if err != nil {
		return nil, 0, nil, err
	}

	fundingValue := offer.Collateral + accept.Collateral +
		offerFees.Cet + acceptFees.Cet

	outputs := []orderedOutput{{
		out: wire.NewTxOut(
			int64(fundingValue), fundingPkScript,
		),
		serialID: fundOutputSerialID,
	}}
	if offerChange > 0 {
		outputs = append(outputs, orderedOutput{
			out: wire.NewTxOut(
				int64(offerChange), offer.ChangeScript,
			),
			serialID: offer.ChangeSerialID,
		})
	}
	if acceptChange > 0 {
		outputs = append(outputs, orderedOutput{
			out: wire.NewTxOut(
				int64(acceptChange), accept.ChangeScript,
			),
			serialID: accept.ChangeSerialID,
		})
	}
	sortOutputs(outputs)

	tx := wire.NewMsgTx(2)
	tx.LockTime = fundLockTime

	// The inputs of both parties, ordered by their serial ids.
	inputs := make([]*dlc.FundingInput, 0,
		len(offer.Inputs)+len(accept.Inputs))
	for i := range offer.Inputs {
		inputs = append(inputs, &offer.Inputs[i])
	}
	for i := range accept.Inputs {
		inputs = append(inputs, &accept.Inputs[i])
	}
	sort.SliceStable(inputs, func(i, j int) bool {
		return inputs[i].InputSerialID < inputs[j].InputSerialID
	})

	for _, in := range inputs {
		txIn := wire.NewTxIn(&in.OutPoint, nil, nil)
		txIn.Sequence = fundingInputSequence
		tx.AddTxIn(txIn)
	}

	fundOutputIndex := uint32(0)
	for i, o := range outputs {
		tx.AddTxOut(o.out)
		if o.serialID == fundOutputSerialID {
			fundOutputIndex = uint32(i)
		}
	}

	return tx, fundOutputIndex, fundingScript, nil
}

// BuildCET constructs a single contract execution transaction for the
// given payout split. The input spends the funding output with a sequence
// that keeps the locktime enforceable. A side whose payout is below dust
// is dropped and its value swept to the other side; if both sides are dust
// the CET is rejected.
func BuildCET(fundingOutPoint wire.OutPoint, offer, accept *dlc.PartyParams,
	p Payout, cetLockTime uint32) (*wire.MsgTx, error) {

	offerPayout, acceptPayout := p.Offer, p.Accept
	if offerPayout < DustLimit && acceptPayout < DustLimit {
		return nil, dlc.Errorf(dlc.KindDust, "both payouts %v/%v "+
			"below dust", offerPayout, acceptPayout)
	}
	if offerPayout < DustLimit {
		acceptPayout += offerPayout
		offerPayout = 0
	} else if acceptPayout < DustLimit {
		offerPayout += acceptPayout
		acceptPayout = 0
	}

	tx := wire.NewMsgTx(2)
	tx.LockTime = cetLockTime

	txIn := wire.NewTxIn(&fundingOutPoint, nil, nil)
	txIn.Sequence = fundingInputSequence
	tx.AddTxIn(txIn)

	var outputs []orderedOutput
	if offerPayout > 0 {
		outputs = append(outputs, orderedOutput{
			out: wire.NewTxOut(
				int64(offerPayout), offer.PayoutScript,
			),
			serialID: offer.PayoutSerialID,
		})
	}
	if acceptPayout > 0 {
		outputs = append(outputs, orderedOutput{
			out: wire.NewTxOut(
				int64(acceptPayout), accept.PayoutScript,
			),
			serialID: accept.PayoutSerialID,
		})
	}
	sortOutputs(outputs)

	for _, o := range outputs {
		tx.AddTxOut(o.out)
	}

	return tx, nil
}

// BuildCETs constructs one execution transaction per payout.
func BuildCETs(fundingOutPoint wire.OutPoint, offer,
	accept *dlc.PartyParams, payouts []Payout,
	cetLockTime uint32) ([]*wire.MsgTx, error) {

	cets := make([]*wire.MsgTx, len(payouts))
	for i, p := range payouts {
		cet, err := BuildCET(
			fundingOutPoint, offer, accept, p, cetLockTime,
		)
		if err != nil {
			return nil, err
		}
		cets[i] = cet
	}

	return cets, nil
}

// BuildRefund constructs the refund transaction returning each party its
// collateral once the refund locktime passes.
func BuildRefund(fundingOutPoint wire.OutPoint, offer,
	accept *dlc.PartyParams, refundLockTime uint32) (*wire.MsgTx,
	error) {

	tx := wire.NewMsgTx(2)
	tx.LockTime = refundLockTime

	txIn := wire.NewTxIn(&fundingOutPoint, nil, nil)
	txIn.Sequence = fundingInputSequence
	tx.AddTxIn(txIn)

	outputs := []orderedOutput{{
		out: wire.NewTxOut(
			int64(offer.Collateral), offer.PayoutScript,
		),
		serialID: offer.PayoutSerialID,
	}, {
		out: wire.NewTxOut(
			int64(accept.Collateral), accept.PayoutScript,
		),
		serialID: accept.PayoutSerialID,
	}}
	sortOutputs(outputs)

	for _, o := range outputs {
		tx.AddTxOut(o.out)
	}

	return tx, nil
}

// CreateTransactions builds the full transaction set of a contract: the
// funding transaction, one CET per payout, and the refund transaction.
func CreateTransactions(offer, accept *dlc.PartyParams, payouts []Payout,
	feeRate uint64, fundLockTime, cetLockTime,
	refundLockTime uint32, fundOutputSerialID uint64) (*Transactions,
	error) {

	fund, fundOutputIndex, fundingScript, err := BuildFunding(
		offer, accept, feeRate, fundLockTime, fundOutputSerialID,
	)
	if err != nil {
		return nil, err
	}

	fundingOutPoint := wire.OutPoint{
		Hash:  fund.TxHash(),
		Index: fundOutputIndex,
	}

	cets, err := BuildCETs(
		fundingOutPoint, offer, accept, payouts, cetLockTime,
	)
	if err != nil {
		return nil, err
	}

	refund, err := BuildRefund(
		fundingOutPoint, offer, accept, refundLockTime,
	)
	if err != nil {
		return nil, err
	}

	return &Transactions{
		Fund:            fund,
		FundOutputIndex: fundOutputIndex,
		FundingScript:   fundingScript,
		CETs:            cets,
		Refund:          refund,
	}, nil
}
