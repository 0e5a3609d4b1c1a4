package dlcmgr

import (
	"context"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
	"github.com/dlcsuite/dlcd/adaptorsig"
	"github.com/dlcsuite/dlcd/dlc"
	"github.com/dlcsuite/dlcd/dlcmsg"
	"github.com/dlcsuite/dlcd/dlcscript"
	"github.com/dlcsuite/dlcd/dlctx"
	"github.com/dlcsuite/dlcd/fn"
)

// fundingValue returns the value of the contract's funding output.
func fundingValue(contract *dlc.Contract) btcutil.Amount {
	return btcutil.Amount(
		contract.FundingTx.TxOut[contract.FundingOutputIndex].Value,
	)
}

// buildContractTxs constructs the deterministic transaction set of a
// contract from both parties' parameters and stores it on the contract,
// deriving the final contract id in the process.
func buildContractTxs(contract *dlc.Contract,
	info *adaptorInfo) error {

	txs, err := dlctx.CreateTransactions(
		&contract.OfferParams, contract.AcceptParams, info.payouts,
		contract.Input.FeeRate, contract.FundLockTime,
		contract.Input.CetLockTime, contract.Input.RefundLockTime,
		contract.FundOutputSerialID,
	)
	if err != nil {
		return err
	}

	contract.FundingTx = txs.Fund
	contract.FundingScript = txs.FundingScript
	contract.FundingOutputIndex = txs.FundOutputIndex
	contract.CETs = txs.CETs
	contract.RefundTx = txs.Refund
	contract.ID = dlc.ComputeContractID(
		txs.Fund.TxHash(), uint16(txs.FundOutputIndex),
		contract.TemporaryID,
	)

	return nil
}

// signAllCets produces our adaptor signature for every signature slot.
// Signing is parallelized over the slots.
func (m *Manager) signAllCets(ctx context.Context, contract *dlc.Contract,
	info *adaptorInfo,
	priv *btcec.PrivateKey) ([]*adaptorsig.Signature, error) {

	value := fundingValue(contract)
	sigs := make([]*adaptorsig.Signature, len(info.slots))

	indices := make([]int, len(info.slots))
	for i := range indices {
		indices[i] = i
	}

	err := fn.ParSlice(ctx, indices, m.cfg.SignerConcurrency,
		func(_ context.Context, i int) error {

		slot := info.slots[i]
		sigHash, err := dlcscript.SigHash(
			contract.CETs[slot.cetIndex], 0,
			contract.FundingScript, value,
		)
		if err != nil {
			return err
		}

		sigs[i], err = adaptorsig.PreSign(priv, sigHash, slot.point)

		return err
	})
	if err != nil {
		return nil, err
	}

	return sigs, nil
}

// verifyAllCets checks the counterparty's adaptor signature for every
// signature slot, in parallel.
func (m *Manager) verifyAllCets(ctx context.Context,
	contract *dlc.Contract, info *adaptorInfo,
	sigs []*adaptorsig.Signature,
	counterPubKey *btcec.PublicKey) error {

	if len(sigs) != len(info.slots) {
		return dlc.Errorf(dlc.KindInvalidAdaptorSignature, "got %d "+
			"adaptor signatures, want %d", len(sigs),
			len(info.slots))
	}

	value := fundingValue(contract)

	indices := make([]int, len(info.slots))
	for i := range indices {
		indices[i] = i
	}

	err := fn.ParSlice(ctx, indices, m.cfg.SignerConcurrency,
		func(_ context.Context, i int) error {

		slot := info.slots[i]
		sigHash, err := dlcscript.SigHash(
			contract.CETs[slot.cetIndex], 0,
			contract.FundingScript, value,
		)
		if err != nil {
			return err
		}

		err = adaptorsig.PreVerify(
			sigs[i], sigHash, counterPubKey, slot.point,
		)
		if err != nil {
			return dlc.Errorf(dlc.KindInvalidAdaptorSignature,
				"slot %d: %v", i, err)
		}

		return nil
	})

	return err
}

// signRefund produces our plain signature on the refund transaction.
func (m *Manager) signRefund(contract *dlc.Contract,
	priv *btcec.PrivateKey) ([]byte, error) {

	sigHash, err := dlcscript.SigHash(
		contract.RefundTx, 0, contract.FundingScript,
		fundingValue(contract),
	)
	if err != nil {
		return nil, err
	}

	return ecdsa.Sign(priv, sigHash[:]).Serialize(), nil
}

// verifyRefundSig checks the counterparty's refund signature.
func (m *Manager) verifyRefundSig(contract *dlc.Contract, sigBytes []byte,
	counterPubKey *btcec.PublicKey) error {

	sigHash, err := dlcscript.SigHash(
		contract.RefundTx, 0, contract.FundingScript,
		fundingValue(contract),
	)
	if err != nil {
		return err
	}

	sig, err := ecdsa.ParseDERSignature(sigBytes)
	if err != nil {
		return dlc.NewError(dlc.KindInvalidSignature, err)
	}
	if !sig.Verify(sigHash[:], counterPubKey) {
		return dlc.Errorf(dlc.KindInvalidSignature, "refund "+
			"signature invalid")
	}

	return nil
}

// ownInputs returns our funding inputs within the contract.
func ownInputs(contract *dlc.Contract) []dlc.FundingInput {
	if contract.IsOfferParty {
		return contract.OfferParams.Inputs
	}

	return contract.AcceptParams.Inputs
}

// fundingInputIndex locates a funding input within the combined funding
// transaction.
func fundingInputIndex(fundTx *wire.MsgTx,
	outpoint wire.OutPoint) (int, error) {

	for i, txIn := range fundTx.TxIn {
		if txIn.PreviousOutPoint == outpoint {
			return i, nil
		}
	}

	return 0, dlc.Errorf(dlc.KindInvalidParameter, "input %v not in "+
		"funding tx", outpoint)
}

// signFundingInputs asks the wallet to sign our inputs of the funding
// transaction through a PSBT and returns the witnesses keyed by input
// index within the funding transaction.
func (m *Manager) signFundingInputs(ctx context.Context,
	contract *dlc.Contract) (map[int]wire.TxWitness, error) {

	// The packet carries the unsigned transaction plus the witness
	// utxos of our inputs so the wallet can produce segwit signatures.
	unsigned := contract.FundingTx.Copy()
	for _, txIn := range unsigned.TxIn {
		txIn.Witness = nil
		txIn.SignatureScript = nil
	}

	packet, err := psbt.NewFromUnsignedTx(unsigned)
	if err != nil {
		return nil, err
	}

	for _, input := range ownInputs(contract) {
		idx, err := fundingInputIndex(
			contract.FundingTx, input.OutPoint,
		)
		if err != nil {
			return nil, err
		}

		prevOut := input.PrevTx.TxOut[input.OutPoint.Index]
		packet.Inputs[idx].WitnessUtxo = prevOut
		packet.Inputs[idx].SighashType = 0x01
		if len(input.RedeemScript) > 0 {
			packet.Inputs[idx].RedeemScript = input.RedeemScript
		}
	}

	witnesses, err := m.cfg.Wallet.SignPsbt(ctx, packet)
	if err != nil {
		return nil, dlc.NewError(dlc.KindWalletError, err)
	}

	return witnesses, nil
}

// orderedOwnWitnesses flattens the witness map into the wire order of our
// own inputs.
func orderedOwnWitnesses(contract *dlc.Contract,
	witnesses map[int]wire.TxWitness) ([]wire.TxWitness, error) {

	inputs := ownInputs(contract)
	ordered := make([]wire.TxWitness, 0, len(inputs))
	for _, input := range inputs {
		idx, err := fundingInputIndex(
			contract.FundingTx, input.OutPoint,
		)
		if err != nil {
			return nil, err
		}
		witness, ok := witnesses[idx]
		if !ok {
			return nil, dlc.Errorf(dlc.KindWalletError, "wallet "+
				"didn't sign input %v", input.OutPoint)
		}
		ordered = append(ordered, witness)
	}

	return ordered, nil
}

// onOffer stores an inbound contract offer. Nothing is locked up yet; the
// user decides through AcceptOffer or RejectOffer.
func (m *Manager) onOffer(ctx context.Context, msg *dlcmsg.Offer,
	from *btcec.PublicKey) error {

	if err := msg.ContractInput.Validate(); err != nil {
		return err
	}
	if len(msg.Announcements) !=
		len(msg.ContractInput.Oracles.AnnouncementIDs) {

		return dlc.Errorf(dlc.KindOracleMismatch, "offer carries "+
			"%d announcements for %d oracles",
			len(msg.Announcements),
			len(msg.ContractInput.Oracles.AnnouncementIDs))
	}
	if err := msg.OfferParams.Validate(); err != nil {
		return err
	}

	unlock := m.locks.acquire(msg.TemporaryID)
	defer unlock()

	// An id collision means a replay; storage stays untouched.
	_, err := m.cfg.Store.GetContract(ctx, msg.TemporaryID)
	if err == nil {
		return dlc.Errorf(dlc.KindInvalidParameter, "contract %v "+
			"already exists", msg.TemporaryID)
	}
	if dlc.KindOf(err) != dlc.KindNotFound {
		return err
	}

	contract := &dlc.Contract{
		TemporaryID:        msg.TemporaryID,
		CounterParty:       from,
		IsOfferParty:       false,
		State:              dlc.StateOffered,
		Input:              msg.ContractInput,
		Announcements:      msg.Announcements,
		FundLockTime:       msg.FundLockTime,
		FundOutputSerialID: msg.FundOutputSerialID,
		OfferParams:        msg.OfferParams,
	}

	// The offer must be servable: the adaptor info construction checks
	// oracle parameters and payout coverage.
	if _, err := buildAdaptorInfo(contract); err != nil {
		return err
	}

	if err := m.cfg.Store.PutContract(ctx, contract); err != nil {
		return err
	}

	log.Infof("Received offer %v from %v", msg.TemporaryID,
		dlc.PubKeyString(from))
	log.Tracef("Offer %v contract input: %v", msg.TemporaryID,
		spew.Sdump(msg.ContractInput))

	return nil
}

// AcceptOffer accepts a previously received offer: reserves inputs,
// computes the deterministic transaction set, signs every CET with an
// adaptor signature and returns the accept message after persisting the
// contract as Accepted.
func (m *Manager) AcceptOffer(ctx context.Context,
	id dlc.ContractID) (*dlcmsg.Accept, error) {

	unlock := m.locks.acquire(id)
	defer unlock()

	contract, err := m.cfg.Store.GetContract(ctx, id)
	if err != nil {
		return nil, err
	}
	if contract.State != dlc.StateOffered || contract.IsOfferParty {
		return nil, dlc.Errorf(dlc.KindBadStateTransition, "can't "+
			"accept contract in state %v", contract.State)
	}

	info, err := buildAdaptorInfo(contract)
	if err != nil {
		return nil, err
	}

	acceptParams, err := m.newPartyParams(
		ctx, contract.Input.AcceptCollateral,
		contract.Input.FeeRate,
	)
	if err != nil {
		return nil, err
	}
	contract.AcceptParams = acceptParams

	if err := buildContractTxs(contract, info); err != nil {
		m.releaseReservation(ctx, contract)
		return nil, err
	}

	priv, err := m.cfg.Wallet.GetFundingPrivKey(
		ctx, acceptParams.FundPubKey,
	)
	if err != nil {
		m.releaseReservation(ctx, contract)
		return nil, dlc.NewError(dlc.KindWalletError, err)
	}

	cetSigs, err := m.signAllCets(ctx, contract, info, priv)
	if err != nil {
		m.releaseReservation(ctx, contract)
		return nil, err
	}
	refundSig, err := m.signRefund(contract, priv)
	if err != nil {
		m.releaseReservation(ctx, contract)
		return nil, err
	}

	contract.State = dlc.StateAccepted
	err = m.cfg.Store.UpdateContractID(ctx, id, contract)
	if err != nil {
		return nil, err
	}

	accept := &dlcmsg.Accept{
		TemporaryID:    contract.TemporaryID,
		AcceptParams:   *acceptParams,
		CetAdaptorSigs: cetSigs,
		RefundSig:      refundSig,
	}

	err = m.cfg.Transport.SendMessage(ctx, contract.CounterParty, accept)
	if err != nil {
		return accept, dlc.NewError(dlc.KindTransportError, err)
	}

	log.Infof("Accepted offer %v as contract %v", id, contract.ID)

	return accept, nil
}

// onAccept processes the counterparty's accept: verifies all adaptor
// signatures, signs our own side and the funding inputs, and answers with
// the sign message. Verification failures park the contract in
// FailedAccept.
func (m *Manager) onAccept(ctx context.Context, msg *dlcmsg.Accept,
	from *btcec.PublicKey) (dlcmsg.Message, error) {

	unlock := m.locks.acquire(msg.TemporaryID)
	defer unlock()

	contract, err := m.cfg.Store.GetContract(ctx, msg.TemporaryID)
	if err != nil {
		return nil, err
	}
	if !contract.CounterParty.IsEqual(from) {
		return nil, dlc.Errorf(dlc.KindInvalidParameter, "accept "+
			"from wrong peer")
	}
	if contract.State != dlc.StateOffered || !contract.IsOfferParty {
		return nil, dlc.Errorf(dlc.KindBadStateTransition, "accept "+
			"for contract in state %v", contract.State)
	}

	failAccept := func(cause error) (dlcmsg.Message, error) {
		log.Errorf("Accept verification of %v failed: %v",
			msg.TemporaryID, cause)

		m.releaseReservation(ctx, contract)

		// The failed contract stays under its temporary id, even if
		// the final id was already derived.
		contract.ID = dlc.ContractID{}
		contract.State = dlc.StateFailedAccept
		contract.FailureKind = dlc.KindOf(cause)
		contract.FailureMessage = cause.Error()
		if err := m.cfg.Store.PutContract(ctx, contract); err != nil {
			return nil, err
		}

		return nil, cause
	}

	if err := msg.AcceptParams.Validate(); err != nil {
		return failAccept(err)
	}
	if msg.AcceptParams.Collateral !=
		contract.Input.AcceptCollateral {

		return failAccept(dlc.Errorf(dlc.KindInvalidParameter,
			"accept collateral %v doesn't match offer %v",
			msg.AcceptParams.Collateral,
			contract.Input.AcceptCollateral))
	}

	acceptParams := msg.AcceptParams
	contract.AcceptParams = &acceptParams

	info, err := buildAdaptorInfo(contract)
	if err != nil {
		return failAccept(err)
	}
	if err := buildContractTxs(contract, info); err != nil {
		return failAccept(err)
	}

	err = m.verifyAllCets(
		ctx, contract, info, msg.CetAdaptorSigs,
		acceptParams.FundPubKey,
	)
	if err != nil {
		return failAccept(err)
	}
	err = m.verifyRefundSig(
		contract, msg.RefundSig, acceptParams.FundPubKey,
	)
	if err != nil {
		return failAccept(err)
	}

	// Counter-sign: our adaptor signatures, refund signature and the
	// funding input witnesses.
	priv, err := m.cfg.Wallet.GetFundingPrivKey(
		ctx, contract.OfferParams.FundPubKey,
	)
	if err != nil {
		return nil, dlc.NewError(dlc.KindWalletError, err)
	}

	ownCetSigs, err := m.signAllCets(ctx, contract, info, priv)
	if err != nil {
		return nil, err
	}
	ownRefundSig, err := m.signRefund(contract, priv)
	if err != nil {
		return nil, err
	}

	witnessMap, err := m.signFundingInputs(ctx, contract)
	if err != nil {
		return nil, err
	}
	ownWitnesses, err := orderedOwnWitnesses(contract, witnessMap)
	if err != nil {
		return nil, err
	}

	contract.CounterAdaptorSigs = msg.CetAdaptorSigs
	contract.CounterRefundSig = msg.RefundSig
	contract.State = dlc.StateSigned

	err = m.cfg.Store.UpdateContractID(
		ctx, contract.TemporaryID, contract,
	)
	if err != nil {
		return nil, err
	}

	m.watcher.WatchFunding(
		contract.FundingOutPoint(), contract.FundingTx.TxHash(),
	)

	sign := &dlcmsg.Sign{
		ContractID:       contract.ID,
		CetAdaptorSigs:   ownCetSigs,
		RefundSig:        ownRefundSig,
		FundingWitnesses: ownWitnesses,
	}

	log.Infof("Contract %v signed, answering accept from %v",
		contract.ID, dlc.PubKeyString(from))

	return sign, nil
}

// onSign processes the offer party's sign message: verifies its adaptor
// signatures and funding witnesses, completes and broadcasts the funding
// transaction. Verification failures park the contract in FailedSign.
func (m *Manager) onSign(ctx context.Context, msg *dlcmsg.Sign,
	from *btcec.PublicKey) error {

	unlock := m.locks.acquire(msg.ContractID)
	defer unlock()

	contract, err := m.cfg.Store.GetContract(ctx, msg.ContractID)
	if err != nil {
		return err
	}
	if !contract.CounterParty.IsEqual(from) {
		return dlc.Errorf(dlc.KindInvalidParameter, "sign from "+
			"wrong peer")
	}
	if contract.State != dlc.StateAccepted || contract.IsOfferParty {
		return dlc.Errorf(dlc.KindBadStateTransition, "sign for "+
			"contract in state %v", contract.State)
	}

	failSign := func(cause error) error {
		log.Errorf("Sign verification of %v failed: %v",
			msg.ContractID, cause)

		m.releaseReservation(ctx, contract)

		contract.State = dlc.StateFailedSign
		contract.FailureKind = dlc.KindOf(cause)
		contract.FailureMessage = cause.Error()
		if err := m.cfg.Store.PutContract(ctx, contract); err != nil {
			return err
		}

		return cause
	}

	info, err := buildAdaptorInfo(contract)
	if err != nil {
		return failSign(err)
	}

	err = m.verifyAllCets(
		ctx, contract, info, msg.CetAdaptorSigs,
		contract.OfferParams.FundPubKey,
	)
	if err != nil {
		return failSign(err)
	}
	err = m.verifyRefundSig(
		contract, msg.RefundSig, contract.OfferParams.FundPubKey,
	)
	if err != nil {
		return failSign(err)
	}

	// Fill in the offer party's witnesses, then our own.
	offerInputs := contract.OfferParams.Inputs
	if len(msg.FundingWitnesses) != len(offerInputs) {
		return failSign(dlc.Errorf(dlc.KindInvalidSignature, "got "+
			"%d funding witnesses, want %d",
			len(msg.FundingWitnesses), len(offerInputs)))
	}
	for i, input := range offerInputs {
		idx, err := fundingInputIndex(
			contract.FundingTx, input.OutPoint,
		)
		if err != nil {
			return failSign(err)
		}
		contract.FundingTx.TxIn[idx].Witness =
			msg.FundingWitnesses[i]
	}

	witnessMap, err := m.signFundingInputs(ctx, contract)
	if err != nil {
		return err
	}
	for idx, witness := range witnessMap {
		contract.FundingTx.TxIn[idx].Witness = witness
	}

	for i, txIn := range contract.FundingTx.TxIn {
		if len(txIn.Witness) == 0 {
			return failSign(dlc.Errorf(dlc.KindInvalidSignature,
				"funding input %d unsigned", i))
		}
	}

	contract.CounterAdaptorSigs = msg.CetAdaptorSigs
	contract.CounterRefundSig = msg.RefundSig
	contract.State = dlc.StateSigned

	// The state is durably Signed before the funding hits the network;
	// a crash in between is recovered by the periodic re-broadcast.
	if err := m.cfg.Store.PutContract(ctx, contract); err != nil {
		return err
	}

	err = m.cfg.Blockchain.Broadcast(ctx, contract.FundingTx)
	if err != nil {
		log.Warnf("Funding broadcast of %v failed, will retry: %v",
			contract.ID, err)
	}

	m.watcher.WatchFunding(
		contract.FundingOutPoint(), contract.FundingTx.TxHash(),
	)

	log.Infof("Contract %v fully signed, funding %v broadcast",
		contract.ID, contract.FundingTx.TxHash())

	return nil
}

// assembleCetWitness builds the witness of a CET from our completed
// signature and the counterparty's adapted signature.
func assembleCetWitness(contract *dlc.Contract, cet *wire.MsgTx,
	ownSig, counterSig []byte) error {

	counterPub := counterFundPubKey(contract)
	ownPub := ownFundPubKey(contract)

	cet.TxIn[0].Witness = dlcscript.SpendWitness(
		contract.FundingScript, ownPub, ownSig, counterPub,
		counterSig,
	)

	return nil
}

// ownFundPubKey returns our funding public key.
func ownFundPubKey(contract *dlc.Contract) *btcec.PublicKey {
	if contract.IsOfferParty {
		return contract.OfferParams.FundPubKey
	}

	return contract.AcceptParams.FundPubKey
}

// counterFundPubKey returns the counterparty's funding public key.
func counterFundPubKey(contract *dlc.Contract) *btcec.PublicKey {
	if contract.IsOfferParty {
		return contract.AcceptParams.FundPubKey
	}

	return contract.OfferParams.FundPubKey
}

// executeCet completes the counterparty's adaptor signature with the
// attestation secret, signs our own half and broadcasts the CET.
func (m *Manager) executeCet(ctx context.Context, contract *dlc.Contract,
	info *adaptorInfo, match *outcomeMatch,
	sigValue btcutil.Amount) error {

	cet := contract.CETs[match.cetIndex]

	if match.slotIndex >= len(contract.CounterAdaptorSigs) {
		return dlc.Errorf(dlc.KindInvalidAdaptorSignature, "no "+
			"counter adaptor signature for slot %d",
			match.slotIndex)
	}

	counterAdapted, err := adaptorsig.Adapt(
		contract.CounterAdaptorSigs[match.slotIndex], match.secret,
	)
	if err != nil {
		return err
	}

	priv, err := m.cfg.Wallet.GetFundingPrivKey(
		ctx, ownFundPubKey(contract),
	)
	if err != nil {
		return dlc.NewError(dlc.KindWalletError, err)
	}

	sigHash, err := dlcscript.SigHash(
		cet, 0, contract.FundingScript, sigValue,
	)
	if err != nil {
		return err
	}

	// Our own contribution is a completed adaptor signature over the
	// same anticipation point, so both witness halves decode the same
	// way.
	ownPreSig, err := adaptorsig.PreSign(
		priv, sigHash, info.slots[match.slotIndex].point,
	)
	if err != nil {
		return err
	}
	ownSig, err := adaptorsig.Adapt(ownPreSig, match.secret)
	if err != nil {
		return err
	}

	err = assembleCetWitness(
		contract, cet, ownSig.Serialize(),
		counterAdapted.Serialize(),
	)
	if err != nil {
		return err
	}

	payoutSplit := info.payouts[match.cetIndex]
	ownPayout := payoutSplit.Offer
	if !contract.IsOfferParty {
		ownPayout = payoutSplit.Accept
	}

	contract.BroadcastCET = cet
	contract.OutcomeLabel = match.label
	contract.ComputePnL(ownPayout)
	contract.State = dlc.StatePreClosed

	if err := m.cfg.Store.PutContract(ctx, contract); err != nil {
		return err
	}

	if err := m.cfg.Blockchain.Broadcast(ctx, cet); err != nil {
		log.Warnf("CET broadcast of %v failed, will retry: %v",
			contract.ID, err)
	}
	m.watcher.WatchTx(cet.TxHash())

	log.Infof("Contract %v pre-closed with outcome %q", contract.ID,
		match.label)

	return nil
}
