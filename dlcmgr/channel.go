package dlcmgr

import (
	"context"
	"crypto/rand"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/dlcsuite/dlcd/adaptorsig"
	"github.com/dlcsuite/dlcd/dlc"
	"github.com/dlcsuite/dlcd/dlcmsg"
	"github.com/dlcsuite/dlcd/dlcscript"
	"github.com/dlcsuite/dlcd/dlctx"
)

// The channel layering: the 2-of-2 funding output is spent by a buffer
// transaction whose single output funds either the live sub-contract's
// CETs or the current settle transaction. Buffer and settle signatures
// are exchanged as adaptor signatures locked to the counterparty's
// publish base, so a unilateral broadcast reveals the publish secret and
// a revoked state can be punished with the revocation secret disclosed
// during the update handshake.

// newRevocationSecret draws a fresh per-update revocation secret.
func newRevocationSecret() ([32]byte, error) {
	var secret [32]byte
	_, err := rand.Read(secret[:])

	return secret, err
}

// buildChannelTxs layers the buffer transaction between the funding
// output and the contract's CETs and refund: the CETs spend the buffer
// output instead of the funding output.
func buildChannelTxs(contract *dlc.Contract, info *adaptorInfo,
	feeRate uint64) (*wire.MsgTx, error) {

	if err := buildContractTxs(contract, info); err != nil {
		return nil, err
	}

	// The buffer output reuses the 2-of-2 funding script; revocation
	// is enforced at the signature layer through the publish points.
	bufferPkScript, err := dlcscript.FundingScriptPubKey(
		contract.FundingScript,
	)
	if err != nil {
		return nil, err
	}

	buffer, err := dlctx.BuildBuffer(
		contract.FundingOutPoint(), fundingValue(contract),
		bufferPkScript, feeRate, 0,
	)
	if err != nil {
		return nil, err
	}

	bufferOutPoint := wire.OutPoint{Hash: buffer.TxHash(), Index: 0}

	// Re-point the CETs and refund at the buffer output.
	cets, err := dlctx.BuildCETs(
		bufferOutPoint, &contract.OfferParams,
		contract.AcceptParams, info.payouts,
		contract.Input.CetLockTime,
	)
	if err != nil {
		return nil, err
	}
	refund, err := dlctx.BuildRefund(
		bufferOutPoint, &contract.OfferParams,
		contract.AcceptParams, contract.Input.RefundLockTime,
	)
	if err != nil {
		return nil, err
	}

	contract.CETs = cets
	contract.RefundTx = refund

	return buffer, nil
}

// channelSigValue returns the value the channel contract's CETs spend:
// the buffer output value.
func channelSigValue(buffer *wire.MsgTx) btcutil.Amount {
	return btcutil.Amount(buffer.TxOut[0].Value)
}

// signBufferAdaptor signs the buffer transaction with an adaptor locked
// to the counterparty's publish base.
func (m *Manager) signBufferAdaptor(ctx context.Context,
	contract *dlc.Contract, buffer *wire.MsgTx,
	counterPublishBase *btcec.PublicKey) (*adaptorsig.Signature,
	error) {

	priv, err := m.cfg.Wallet.GetFundingPrivKey(
		ctx, ownFundPubKey(contract),
	)
	if err != nil {
		return nil, dlc.NewError(dlc.KindWalletError, err)
	}

	sigHash, err := dlcscript.SigHash(
		buffer, 0, contract.FundingScript, fundingValue(contract),
	)
	if err != nil {
		return nil, err
	}

	return adaptorsig.PreSign(priv, sigHash, counterPublishBase)
}

// verifyBufferAdaptor checks the peer's buffer adaptor signature against
// our own publish base.
func (m *Manager) verifyBufferAdaptor(contract *dlc.Contract,
	buffer *wire.MsgTx, sig *adaptorsig.Signature,
	counterFundKey, ownPublishBase *btcec.PublicKey) error {

	sigHash, err := dlcscript.SigHash(
		buffer, 0, contract.FundingScript, fundingValue(contract),
	)
	if err != nil {
		return err
	}

	err = adaptorsig.PreVerify(sig, sigHash, counterFundKey,
		ownPublishBase)
	if err != nil {
		return dlc.Errorf(dlc.KindInvalidAdaptorSignature,
			"buffer adaptor signature: %v", err)
	}

	return nil
}

// OfferChannel builds, persists and sends a channel offer: a contract
// offer plus the channel's publish base and temporary channel id.
func (m *Manager) OfferChannel(ctx context.Context,
	input *dlc.ContractInput,
	counterparty *btcec.PublicKey) (*dlcmsg.OfferChannel, dlc.ChannelID,
	error) {

	var zeroID dlc.ChannelID

	offer, tempContractID, err := m.buildOfferLocked(
		ctx, input, counterparty,
	)
	if err != nil {
		return nil, zeroID, err
	}

	publishBase, err := m.cfg.Wallet.GetNewPubKey(ctx)
	if err != nil {
		return nil, zeroID, dlc.NewError(dlc.KindWalletError, err)
	}
	tempChanID, err := dlc.NewTemporaryContractID()
	if err != nil {
		return nil, zeroID, err
	}

	channel := &dlc.Channel{
		OfferTempID:    tempChanID,
		CounterParty:   counterparty,
		IsOfferParty:   true,
		State:          dlc.ChanOffered,
		ContractID:     tempContractID,
		OwnPublishBase: publishBase,
	}

	// Until the funding outpoint exists, the channel is stored under a
	// provisional id derived from the temporary ids alone.
	channel.ID = dlc.ComputeChannelID(
		wire.OutPoint{}, tempChanID, dlc.ContractID{},
	)

	unlockChan := m.channelLocks.acquire(channel.ID)
	defer unlockChan()

	if err := m.cfg.Store.PutChannel(ctx, channel); err != nil {
		return nil, zeroID, err
	}

	msg := &dlcmsg.OfferChannel{
		Offer:              *offer,
		TemporaryChannelID: tempChanID,
		PublishBase:        publishBase,
	}
	err = m.cfg.Transport.SendMessage(ctx, counterparty, msg)
	if err != nil {
		return msg, channel.ID, dlc.NewError(
			dlc.KindTransportError, err,
		)
	}

	log.Infof("Sent channel offer %v to %v", tempChanID,
		dlc.PubKeyString(counterparty))

	return msg, channel.ID, nil
}

// buildOfferLocked assembles and persists an Offered contract without
// sending it, shared between the plain offer and channel offer paths.
func (m *Manager) buildOfferLocked(ctx context.Context,
	input *dlc.ContractInput,
	counterparty *btcec.PublicKey) (*dlcmsg.Offer, dlc.ContractID,
	error) {

	var zeroID dlc.ContractID

	if err := input.Validate(); err != nil {
		return nil, zeroID, err
	}

	announcements, err := m.fetchAnnouncements(ctx, &input.Oracles)
	if err != nil {
		return nil, zeroID, err
	}

	params, err := m.newPartyParams(
		ctx, input.OfferCollateral, input.FeeRate,
	)
	if err != nil {
		return nil, zeroID, err
	}

	tempID, err := dlc.NewTemporaryContractID()
	if err != nil {
		return nil, zeroID, err
	}
	fundOutputSerialID, err := randSerialID()
	if err != nil {
		return nil, zeroID, err
	}

	contract := &dlc.Contract{
		TemporaryID:        tempID,
		CounterParty:       counterparty,
		IsOfferParty:       true,
		State:              dlc.StateOffered,
		Input:              *input,
		Announcements:      announcements,
		FundLockTime:       m.cfg.FundLockTime,
		FundOutputSerialID: fundOutputSerialID,
		OfferParams:        *params,
	}
	if _, err := buildAdaptorInfo(contract); err != nil {
		m.releaseReservation(ctx, contract)
		return nil, zeroID, err
	}

	unlock := m.locks.acquire(tempID)
	defer unlock()

	if err := m.cfg.Store.PutContract(ctx, contract); err != nil {
		m.releaseReservation(ctx, contract)
		return nil, zeroID, err
	}

	return &dlcmsg.Offer{
		TemporaryID:        tempID,
		ContractInput:      *input,
		Announcements:      announcements,
		OfferParams:        *params,
		FundLockTime:       m.cfg.FundLockTime,
		FundOutputSerialID: fundOutputSerialID,
	}, tempID, nil
}

// onOfferChannel stores an inbound channel offer.
func (m *Manager) onOfferChannel(ctx context.Context,
	msg *dlcmsg.OfferChannel, from *btcec.PublicKey) error {

	if err := m.onOffer(ctx, &msg.Offer, from); err != nil {
		return err
	}

	channel := &dlc.Channel{
		OfferTempID:        msg.TemporaryChannelID,
		CounterParty:       from,
		IsOfferParty:       false,
		State:              dlc.ChanOffered,
		ContractID:         msg.Offer.TemporaryID,
		CounterPublishBase: msg.PublishBase,
	}
	channel.ID = dlc.ComputeChannelID(
		wire.OutPoint{}, msg.TemporaryChannelID, dlc.ContractID{},
	)

	unlockChan := m.channelLocks.acquire(channel.ID)
	defer unlockChan()

	log.Infof("Received channel offer %v from %v",
		msg.TemporaryChannelID, dlc.PubKeyString(from))

	return m.cfg.Store.PutChannel(ctx, channel)
}

// AcceptChannelOffer accepts a channel offer: the contract accept flow
// with the buffer transaction layered in, answered with an accept channel
// message.
func (m *Manager) AcceptChannelOffer(ctx context.Context,
	provisionalID dlc.ChannelID) (*dlcmsg.AcceptChannel, error) {

	unlockChan := m.channelLocks.acquire(provisionalID)
	defer unlockChan()

	channel, err := m.cfg.Store.GetChannel(ctx, provisionalID)
	if err != nil {
		return nil, err
	}
	if channel.State != dlc.ChanOffered || channel.IsOfferParty {
		return nil, dlc.Errorf(dlc.KindBadStateTransition, "can't "+
			"accept channel in state %v", channel.State)
	}

	unlock := m.locks.acquire(channel.ContractID)
	defer unlock()

	contract, err := m.cfg.Store.GetContract(ctx, channel.ContractID)
	if err != nil {
		return nil, err
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

	buffer, err := buildChannelTxs(
		contract, info, contract.Input.FeeRate,
	)
	if err != nil {
		m.releaseReservation(ctx, contract)
		return nil, err
	}

	publishBase, err := m.cfg.Wallet.GetNewPubKey(ctx)
	if err != nil {
		m.releaseReservation(ctx, contract)
		return nil, dlc.NewError(dlc.KindWalletError, err)
	}
	tempChanID, err := dlc.NewTemporaryContractID()
	if err != nil {
		return nil, err
	}

	priv, err := m.cfg.Wallet.GetFundingPrivKey(
		ctx, acceptParams.FundPubKey,
	)
	if err != nil {
		m.releaseReservation(ctx, contract)
		return nil, dlc.NewError(dlc.KindWalletError, err)
	}

	// CET adaptor signatures spend the buffer output.
	cetSigs, err := m.signChannelCets(ctx, contract, info, buffer, priv)
	if err != nil {
		return nil, err
	}
	refundSig, err := m.signChannelRefund(contract, buffer, priv)
	if err != nil {
		return nil, err
	}
	bufferSig, err := m.signBufferAdaptor(
		ctx, contract, buffer, channel.CounterPublishBase,
	)
	if err != nil {
		return nil, err
	}

	// The channel id becomes final now that the funding outpoint is
	// fixed.
	finalID := dlc.ComputeChannelID(
		contract.FundingOutPoint(), channel.OfferTempID, tempChanID,
	)

	oldContractID := channel.ContractID
	contract.ChannelID = finalID
	contract.State = dlc.StateAccepted
	err = m.cfg.Store.UpdateContractID(ctx, oldContractID, contract)
	if err != nil {
		return nil, err
	}

	provisionalChanID := channel.ID
	channel.AcceptTempID = tempChanID
	channel.OwnPublishBase = publishBase
	channel.FundingOutPoint = contract.FundingOutPoint()
	channel.FundingScript = contract.FundingScript
	channel.BufferTx = buffer
	channel.ContractID = contract.ID
	channel.BaseContractID = contract.ID
	channel.State = dlc.ChanAccepted
	channel.ID = finalID

	if err := m.cfg.Store.PutChannel(ctx, channel); err != nil {
		return nil, err
	}
	if provisionalChanID != finalID {
		err := m.cfg.Store.DeleteChannel(ctx, provisionalChanID)
		if err != nil {
			log.Warnf("Unable to drop provisional channel %v: %v",
				provisionalChanID, err)
		}
	}

	accept := &dlcmsg.AcceptChannel{
		Accept: dlcmsg.Accept{
			TemporaryID:    contract.TemporaryID,
			AcceptParams:   *acceptParams,
			CetAdaptorSigs: cetSigs,
			RefundSig:      refundSig,
		},
		TemporaryChannelID: tempChanID,
		PublishBase:        publishBase,
		BufferAdaptorSig:   bufferSig,
	}

	err = m.cfg.Transport.SendMessage(ctx, channel.CounterParty, accept)
	if err != nil {
		return accept, dlc.NewError(dlc.KindTransportError, err)
	}

	log.Infof("Accepted channel offer, channel %v", finalID)

	return accept, nil
}

// signChannelCets signs the CETs of a channel contract, which spend the
// buffer output.
func (m *Manager) signChannelCets(ctx context.Context,
	contract *dlc.Contract, info *adaptorInfo, buffer *wire.MsgTx,
	priv *btcec.PrivateKey) ([]*adaptorsig.Signature, error) {

	value := channelSigValue(buffer)
	sigs := make([]*adaptorsig.Signature, len(info.slots))

	for i, slot := range info.slots {
		sigHash, err := dlcscript.SigHash(
			contract.CETs[slot.cetIndex], 0,
			contract.FundingScript, value,
		)
		if err != nil {
			return nil, err
		}

		sigs[i], err = adaptorsig.PreSign(priv, sigHash, slot.point)
		if err != nil {
			return nil, err
		}
	}

	return sigs, nil
}

// verifyChannelCets verifies the peer's CET adaptor signatures of a
// channel contract.
func (m *Manager) verifyChannelCets(contract *dlc.Contract,
	info *adaptorInfo, buffer *wire.MsgTx,
	sigs []*adaptorsig.Signature,
	counterPubKey *btcec.PublicKey) error {

	if len(sigs) != len(info.slots) {
		return dlc.Errorf(dlc.KindInvalidAdaptorSignature, "got %d "+
			"adaptor signatures, want %d", len(sigs),
			len(info.slots))
	}

	value := channelSigValue(buffer)
	for i, slot := range info.slots {
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
				"channel slot %d: %v", i, err)
		}
	}

	return nil
}

// signChannelRefund signs the channel contract's refund transaction,
// which spends the buffer output.
func (m *Manager) signChannelRefund(contract *dlc.Contract,
	buffer *wire.MsgTx, priv *btcec.PrivateKey) ([]byte, error) {

	sigHash, err := dlcscript.SigHash(
		contract.RefundTx, 0, contract.FundingScript,
		channelSigValue(buffer),
	)
	if err != nil {
		return nil, err
	}

	return ecdsa.Sign(priv, sigHash[:]).Serialize(), nil
}

// onAcceptChannel processes the accept channel answer on the offer side.
func (m *Manager) onAcceptChannel(ctx context.Context,
	msg *dlcmsg.AcceptChannel, from *btcec.PublicKey) (dlcmsg.Message,
	error) {

	unlock := m.locks.acquire(msg.Accept.TemporaryID)
	defer unlock()

	contract, err := m.cfg.Store.GetContract(
		ctx, msg.Accept.TemporaryID,
	)
	if err != nil {
		return nil, err
	}
	if !contract.CounterParty.IsEqual(from) {
		return nil, dlc.Errorf(dlc.KindInvalidParameter, "accept "+
			"channel from wrong peer")
	}
	if contract.State != dlc.StateOffered || !contract.IsOfferParty {
		return nil, dlc.Errorf(dlc.KindBadStateTransition,
			"accept channel for contract in state %v",
			contract.State)
	}

	// Load the provisional channel record through the contract link.
	channels, err := m.cfg.Store.ListChannels(ctx)
	if err != nil {
		return nil, err
	}
	var channel *dlc.Channel
	for _, c := range channels {
		if c.ContractID == contract.TemporaryID {
			channel = c
			break
		}
	}
	if channel == nil {
		return nil, dlc.Errorf(dlc.KindNotFound, "no channel for "+
			"contract %v", contract.TemporaryID)
	}

	failAccept := func(cause error) (dlcmsg.Message, error) {
		log.Errorf("Channel accept verification failed: %v", cause)

		m.releaseReservation(ctx, contract)

		contract.State = dlc.StateFailedAccept
		contract.FailureKind = dlc.KindOf(cause)
		contract.FailureMessage = cause.Error()
		if err := m.cfg.Store.PutContract(ctx, contract); err != nil {
			return nil, err
		}

		return nil, cause
	}

	if err := msg.Accept.AcceptParams.Validate(); err != nil {
		return failAccept(err)
	}

	acceptParams := msg.Accept.AcceptParams
	contract.AcceptParams = &acceptParams

	info, err := buildAdaptorInfo(contract)
	if err != nil {
		return failAccept(err)
	}

	buffer, err := buildChannelTxs(
		contract, info, contract.Input.FeeRate,
	)
	if err != nil {
		return failAccept(err)
	}

	err = m.verifyChannelCets(
		contract, info, buffer, msg.Accept.CetAdaptorSigs,
		acceptParams.FundPubKey,
	)
	if err != nil {
		return failAccept(err)
	}
	err = m.verifyBufferAdaptor(
		contract, buffer, msg.BufferAdaptorSig,
		acceptParams.FundPubKey, channel.OwnPublishBase,
	)
	if err != nil {
		return failAccept(err)
	}

	priv, err := m.cfg.Wallet.GetFundingPrivKey(
		ctx, contract.OfferParams.FundPubKey,
	)
	if err != nil {
		return nil, dlc.NewError(dlc.KindWalletError, err)
	}

	ownCetSigs, err := m.signChannelCets(ctx, contract, info, buffer,
		priv)
	if err != nil {
		return nil, err
	}
	ownRefundSig, err := m.signChannelRefund(contract, buffer, priv)
	if err != nil {
		return nil, err
	}
	ownBufferSig, err := m.signBufferAdaptor(
		ctx, contract, buffer, msg.PublishBase,
	)
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

	finalChanID := dlc.ComputeChannelID(
		contract.FundingOutPoint(), channel.OfferTempID,
		msg.TemporaryChannelID,
	)

	contract.ChannelID = finalChanID
	contract.CounterAdaptorSigs = msg.Accept.CetAdaptorSigs
	contract.CounterRefundSig = msg.Accept.RefundSig
	contract.State = dlc.StateSigned

	err = m.cfg.Store.UpdateContractID(
		ctx, contract.TemporaryID, contract,
	)
	if err != nil {
		return nil, err
	}

	oldChanID := channel.ID
	channel.AcceptTempID = msg.TemporaryChannelID
	channel.CounterPublishBase = msg.PublishBase
	channel.FundingOutPoint = contract.FundingOutPoint()
	channel.FundingScript = contract.FundingScript
	channel.BufferTx = buffer
	channel.CounterBufferAdaptorSig = msg.BufferAdaptorSig
	channel.ContractID = contract.ID
	channel.BaseContractID = contract.ID
	channel.State = dlc.ChanSigned
	channel.ID = finalChanID

	if err := m.cfg.Store.PutChannel(ctx, channel); err != nil {
		return nil, err
	}
	if oldChanID != channel.ID {
		if err := m.cfg.Store.DeleteChannel(ctx, oldChanID); err != nil {
			log.Warnf("Unable to drop provisional channel %v: %v",
				oldChanID, err)
		}
	}

	m.watcher.WatchFunding(
		contract.FundingOutPoint(), contract.FundingTx.TxHash(),
	)

	sign := &dlcmsg.SignChannel{
		Sign: dlcmsg.Sign{
			ContractID:       contract.ID,
			CetAdaptorSigs:   ownCetSigs,
			RefundSig:        ownRefundSig,
			FundingWitnesses: ownWitnesses,
		},
		ChannelID:        channel.ID,
		BufferAdaptorSig: ownBufferSig,
	}

	log.Infof("Channel %v signed", channel.ID)

	return sign, nil
}

// onSignChannel finalizes the channel handshake on the accept side and
// broadcasts the funding transaction.
func (m *Manager) onSignChannel(ctx context.Context,
	msg *dlcmsg.SignChannel, from *btcec.PublicKey) error {

	unlockChan := m.channelLocks.acquire(msg.ChannelID)
	defer unlockChan()

	channel, err := m.cfg.Store.GetChannel(ctx, msg.ChannelID)
	if err != nil {
		return err
	}
	if channel.State != dlc.ChanAccepted {
		return dlc.Errorf(dlc.KindBadStateTransition, "sign "+
			"channel in state %v", channel.State)
	}

	unlock := m.locks.acquire(msg.Sign.ContractID)
	defer unlock()

	contract, err := m.cfg.Store.GetContract(ctx, msg.Sign.ContractID)
	if err != nil {
		return err
	}
	if !contract.CounterParty.IsEqual(from) {
		return dlc.Errorf(dlc.KindInvalidParameter, "sign channel "+
			"from wrong peer")
	}

	info, err := buildAdaptorInfo(contract)
	if err != nil {
		return err
	}

	failSign := func(cause error) error {
		log.Errorf("Channel sign verification failed: %v", cause)

		m.releaseReservation(ctx, contract)

		contract.State = dlc.StateFailedSign
		contract.FailureKind = dlc.KindOf(cause)
		contract.FailureMessage = cause.Error()
		if err := m.cfg.Store.PutContract(ctx, contract); err != nil {
			return err
		}

		return cause
	}

	err = m.verifyChannelCets(
		contract, info, channel.BufferTx, msg.Sign.CetAdaptorSigs,
		contract.OfferParams.FundPubKey,
	)
	if err != nil {
		return failSign(err)
	}
	err = m.verifyBufferAdaptor(
		contract, channel.BufferTx, msg.BufferAdaptorSig,
		contract.OfferParams.FundPubKey, channel.OwnPublishBase,
	)
	if err != nil {
		return failSign(err)
	}

	offerInputs := contract.OfferParams.Inputs
	if len(msg.Sign.FundingWitnesses) != len(offerInputs) {
		return failSign(dlc.Errorf(dlc.KindInvalidSignature,
			"got %d funding witnesses, want %d",
			len(msg.Sign.FundingWitnesses), len(offerInputs)))
	}
	for i, input := range offerInputs {
		idx, err := fundingInputIndex(
			contract.FundingTx, input.OutPoint,
		)
		if err != nil {
			return failSign(err)
		}
		contract.FundingTx.TxIn[idx].Witness =
			msg.Sign.FundingWitnesses[i]
	}

	witnessMap, err := m.signFundingInputs(ctx, contract)
	if err != nil {
		return err
	}
	for idx, witness := range witnessMap {
		contract.FundingTx.TxIn[idx].Witness = witness
	}

	contract.CounterAdaptorSigs = msg.Sign.CetAdaptorSigs
	contract.CounterRefundSig = msg.Sign.RefundSig
	contract.State = dlc.StateSigned

	if err := m.cfg.Store.PutContract(ctx, contract); err != nil {
		return err
	}

	channel.CounterBufferAdaptorSig = msg.BufferAdaptorSig
	channel.State = dlc.ChanSigned
	if err := m.cfg.Store.PutChannel(ctx, channel); err != nil {
		return err
	}

	if err := m.cfg.Blockchain.Broadcast(
		ctx, contract.FundingTx,
	); err != nil {
		log.Warnf("Channel funding broadcast failed, will "+
			"retry: %v", err)
	}
	m.watcher.WatchFunding(
		contract.FundingOutPoint(), contract.FundingTx.TxHash(),
	)

	log.Infof("Channel %v fully signed, funding broadcast",
		channel.ID)

	return nil
}
