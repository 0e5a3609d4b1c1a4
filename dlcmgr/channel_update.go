package dlcmgr

import (
	"context"
	"crypto/sha256"
	"encoding/binary"

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

// renewTempID derives the temporary contract id of a renewal
// deterministically from the channel id and the update index, so both
// parties key the new contract identically without another round trip.
func renewTempID(chanID dlc.ChannelID, updateIdx uint64) dlc.ContractID {
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], updateIdx)

	return dlc.ContractID(sha256.Sum256(append(chanID[:], idx[:]...)))
}

// channelBase loads the channel's initial contract, the anchor for party
// parameters and the funding transaction across updates.
func (m *Manager) channelBase(ctx context.Context,
	channel *dlc.Channel) (*dlc.Contract, error) {

	return m.cfg.Store.GetContract(ctx, channel.BaseContractID)
}

// settleBalances splits the channel collateral for a settle proposal.
func settleBalances(base *dlc.Contract, counterPayout btcutil.Amount,
	isOfferParty bool) (btcutil.Amount, btcutil.Amount, error) {

	total := base.TotalCollateral()
	if counterPayout > total {
		return 0, 0, dlc.Errorf(dlc.KindPayoutOutOfRange, "settle "+
			"payout %v exceeds channel collateral %v",
			counterPayout, total)
	}

	// Balances are expressed as (offer, accept) of the settle
	// transaction.
	if isOfferParty {
		return total - counterPayout, counterPayout, nil
	}

	return counterPayout, total - counterPayout, nil
}

// buildSettleTx constructs the settle transaction of the pending update,
// spending the buffer output.
func buildSettleTx(base *dlc.Contract, buffer *wire.MsgTx,
	offerBalance, acceptBalance btcutil.Amount) (*wire.MsgTx, error) {

	bufferOutPoint := wire.OutPoint{Hash: buffer.TxHash(), Index: 0}

	return dlctx.BuildSettle(
		bufferOutPoint, &base.OfferParams, base.AcceptParams,
		offerBalance, acceptBalance, 0,
	)
}

// signSettleAdaptor signs the settle transaction with an adaptor locked
// to the counterparty's publish base.
func (m *Manager) signSettleAdaptor(ctx context.Context,
	base *dlc.Contract, channel *dlc.Channel,
	settle *wire.MsgTx) (*adaptorsig.Signature, error) {

	priv, err := m.cfg.Wallet.GetFundingPrivKey(
		ctx, ownFundPubKey(base),
	)
	if err != nil {
		return nil, dlc.NewError(dlc.KindWalletError, err)
	}

	sigHash, err := dlcscript.SigHash(
		settle, 0, channel.FundingScript,
		channelSigValue(channel.BufferTx),
	)
	if err != nil {
		return nil, err
	}

	return adaptorsig.PreSign(priv, sigHash, channel.CounterPublishBase)
}

// verifySettleAdaptor checks the peer's settle adaptor signature.
func (m *Manager) verifySettleAdaptor(base *dlc.Contract,
	channel *dlc.Channel, settle *wire.MsgTx,
	sig *adaptorsig.Signature) error {

	sigHash, err := dlcscript.SigHash(
		settle, 0, channel.FundingScript,
		channelSigValue(channel.BufferTx),
	)
	if err != nil {
		return err
	}

	err = adaptorsig.PreVerify(
		sig, sigHash, counterFundPubKey(base),
		channel.OwnPublishBase,
	)
	if err != nil {
		return dlc.Errorf(dlc.KindInvalidAdaptorSignature, "settle "+
			"adaptor signature: %v", err)
	}

	return nil
}

// recordOwnRevocation draws and stores our revocation secret for the
// given update, returning the secret revealed to the peer once the update
// is superseded.
func recordOwnRevocation(channel *dlc.Channel,
	updateIdx uint64) ([32]byte, error) {

	for _, e := range channel.OwnRevocations {
		if e.UpdateIdx == updateIdx {
			return e.Secret, nil
		}
	}

	secret, err := newRevocationSecret()
	if err != nil {
		return secret, err
	}

	channel.OwnRevocations = append(
		channel.OwnRevocations, dlc.RevocationEntry{
			UpdateIdx: updateIdx,
			Secret:    secret,
		},
	)

	return secret, nil
}

// SettleChannel proposes settling the live sub-contract off-chain,
// paying the counterparty the given amount out of the channel collateral.
func (m *Manager) SettleChannel(ctx context.Context, chanID dlc.ChannelID,
	counterPayout btcutil.Amount) (*dlcmsg.SettleOffer, error) {

	unlock := m.channelLocks.acquire(chanID)
	defer unlock()

	channel, err := m.cfg.Store.GetChannel(ctx, chanID)
	if err != nil {
		return nil, err
	}
	if channel.State != dlc.ChanEstablished {
		return nil, dlc.Errorf(dlc.KindBadStateTransition, "can't "+
			"settle channel in state %v", channel.State)
	}

	base, err := m.channelBase(ctx, channel)
	if err != nil {
		return nil, err
	}
	if _, _, err := settleBalances(
		base, counterPayout, channel.IsOfferParty,
	); err != nil {
		return nil, err
	}

	channel.State = dlc.ChanSettleOffered
	channel.ProposedCounterPayout = counterPayout
	channel.PendingUpdateIdx = channel.UpdateIdx + 1

	if err := m.cfg.Store.PutChannel(ctx, channel); err != nil {
		return nil, err
	}

	msg := &dlcmsg.SettleOffer{
		CounterPayout: counterPayout,
	}
	msg.ChannelID = chanID
	msg.UpdateIdx = channel.PendingUpdateIdx

	err = m.cfg.Transport.SendMessage(ctx, channel.CounterParty, msg)
	if err != nil {
		return msg, dlc.NewError(dlc.KindTransportError, err)
	}

	log.Infof("Proposed settling channel %v at update %d", chanID,
		msg.UpdateIdx)

	return msg, nil
}

// onSettleOffer stores an inbound settle proposal; the user answers with
// AcceptSettleOffer or by proposing something else.
func (m *Manager) onSettleOffer(ctx context.Context,
	msg *dlcmsg.SettleOffer, from *btcec.PublicKey) error {

	unlock := m.channelLocks.acquire(msg.ChannelID)
	defer unlock()

	channel, err := m.cfg.Store.GetChannel(ctx, msg.ChannelID)
	if err != nil {
		return err
	}
	if !channel.CounterParty.IsEqual(from) {
		return dlc.Errorf(dlc.KindInvalidParameter, "settle offer "+
			"from wrong peer")
	}
	if channel.State != dlc.ChanEstablished {
		return dlc.Errorf(dlc.KindBadStateTransition, "settle "+
			"offer for channel in state %v", channel.State)
	}
	if msg.UpdateIdx != channel.UpdateIdx+1 {
		return dlc.Errorf(dlc.KindBadStateTransition, "settle "+
			"offer for update %d, expected %d", msg.UpdateIdx,
			channel.UpdateIdx+1)
	}

	// The proposal pays US the counter payout.
	channel.State = dlc.ChanSettleReceived
	channel.ProposedCounterPayout = msg.CounterPayout
	channel.PendingUpdateIdx = msg.UpdateIdx

	log.Infof("Received settle offer on channel %v, payout %v",
		msg.ChannelID, msg.CounterPayout)

	return m.cfg.Store.PutChannel(ctx, channel)
}

// AcceptSettleOffer answers a received settle proposal with our adaptor
// signature on the new settle transaction.
func (m *Manager) AcceptSettleOffer(ctx context.Context,
	chanID dlc.ChannelID) (*dlcmsg.SettleAccept, error) {

	unlock := m.channelLocks.acquire(chanID)
	defer unlock()

	channel, err := m.cfg.Store.GetChannel(ctx, chanID)
	if err != nil {
		return nil, err
	}
	if channel.State != dlc.ChanSettleReceived {
		return nil, dlc.Errorf(dlc.KindBadStateTransition, "no "+
			"settle offer pending on channel %v", chanID)
	}

	base, err := m.channelBase(ctx, channel)
	if err != nil {
		return nil, err
	}

	// The peer proposed paying us ProposedCounterPayout.
	ownPayout := channel.ProposedCounterPayout
	counterPayout := base.TotalCollateral() - ownPayout

	offerBalance, acceptBalance, err := settleBalances(
		base, counterPayout, channel.IsOfferParty,
	)
	if err != nil {
		return nil, err
	}

	settle, err := buildSettleTx(
		base, channel.BufferTx, offerBalance, acceptBalance,
	)
	if err != nil {
		return nil, err
	}

	sig, err := m.signSettleAdaptor(ctx, base, channel, settle)
	if err != nil {
		return nil, err
	}

	channel.PendingSettleTx = settle
	channel.State = dlc.ChanSettleAccepted

	if err := m.cfg.Store.PutChannel(ctx, channel); err != nil {
		return nil, err
	}

	accept := &dlcmsg.SettleAccept{}
	accept.ChannelID = chanID
	accept.UpdateIdx = channel.PendingUpdateIdx
	accept.AdaptorSig = sig

	err = m.cfg.Transport.SendMessage(ctx, channel.CounterParty, accept)
	if err != nil {
		return accept, dlc.NewError(dlc.KindTransportError, err)
	}

	return accept, nil
}

// onSettleAccept processes the settle accept on the proposing side:
// verify, counter-sign and reveal the revocation secret of the state
// being replaced.
func (m *Manager) onSettleAccept(ctx context.Context,
	msg *dlcmsg.SettleAccept, from *btcec.PublicKey) (dlcmsg.Message,
	error) {

	unlock := m.channelLocks.acquire(msg.ChannelID)
	defer unlock()

	channel, err := m.cfg.Store.GetChannel(ctx, msg.ChannelID)
	if err != nil {
		return nil, err
	}
	if !channel.CounterParty.IsEqual(from) {
		return nil, dlc.Errorf(dlc.KindInvalidParameter, "settle "+
			"accept from wrong peer")
	}
	if channel.State != dlc.ChanSettleOffered ||
		msg.UpdateIdx != channel.PendingUpdateIdx {

		return nil, dlc.Errorf(dlc.KindBadStateTransition, "settle "+
			"accept out of order on channel %v", msg.ChannelID)
	}

	base, err := m.channelBase(ctx, channel)
	if err != nil {
		return nil, err
	}

	offerBalance, acceptBalance, err := settleBalances(
		base, channel.ProposedCounterPayout, channel.IsOfferParty,
	)
	if err != nil {
		return nil, err
	}

	settle, err := buildSettleTx(
		base, channel.BufferTx, offerBalance, acceptBalance,
	)
	if err != nil {
		return nil, err
	}

	if err := m.verifySettleAdaptor(
		base, channel, settle, msg.AdaptorSig,
	); err != nil {
		return nil, err
	}

	ownSig, err := m.signSettleAdaptor(ctx, base, channel, settle)
	if err != nil {
		return nil, err
	}

	// Reveal the secret revoking the state being replaced.
	prevSecret, err := recordOwnRevocation(channel, channel.UpdateIdx)
	if err != nil {
		return nil, err
	}

	channel.PendingSettleTx = settle
	channel.CounterSettleAdaptorSig = msg.AdaptorSig
	channel.State = dlc.ChanSettleConfirmed

	if err := m.cfg.Store.PutChannel(ctx, channel); err != nil {
		return nil, err
	}

	confirm := &dlcmsg.SettleConfirm{
		PrevRevocationSecret: prevSecret,
	}
	confirm.ChannelID = msg.ChannelID
	confirm.UpdateIdx = msg.UpdateIdx
	confirm.AdaptorSig = ownSig

	return confirm, nil
}

// onSettleConfirm completes the settle on the accepting side: verify the
// counter-signature, record the peer's revocation and reveal our own.
func (m *Manager) onSettleConfirm(ctx context.Context,
	msg *dlcmsg.SettleConfirm, from *btcec.PublicKey) (dlcmsg.Message,
	error) {

	unlock := m.channelLocks.acquire(msg.ChannelID)
	defer unlock()

	channel, err := m.cfg.Store.GetChannel(ctx, msg.ChannelID)
	if err != nil {
		return nil, err
	}
	if !channel.CounterParty.IsEqual(from) {
		return nil, dlc.Errorf(dlc.KindInvalidParameter, "settle "+
			"confirm from wrong peer")
	}
	if channel.State != dlc.ChanSettleAccepted ||
		msg.UpdateIdx != channel.PendingUpdateIdx {

		return nil, dlc.Errorf(dlc.KindBadStateTransition, "settle "+
			"confirm out of order on channel %v", msg.ChannelID)
	}

	base, err := m.channelBase(ctx, channel)
	if err != nil {
		return nil, err
	}

	if err := m.verifySettleAdaptor(
		base, channel, channel.PendingSettleTx, msg.AdaptorSig,
	); err != nil {
		return nil, err
	}

	prevSecret, err := recordOwnRevocation(channel, channel.UpdateIdx)
	if err != nil {
		return nil, err
	}

	channel.CounterSettleAdaptorSig = msg.AdaptorSig
	channel.CounterRevocations = append(
		channel.CounterRevocations, dlc.RevocationEntry{
			UpdateIdx: channel.UpdateIdx,
			Secret:    msg.PrevRevocationSecret,
		},
	)
	channel.SettleTx = channel.PendingSettleTx
	channel.PendingSettleTx = nil
	channel.UpdateIdx = channel.PendingUpdateIdx
	channel.ContractID = dlc.ContractID{}
	channel.State = dlc.ChanSettled

	if err := m.cfg.Store.PutChannel(ctx, channel); err != nil {
		return nil, err
	}

	finalize := &dlcmsg.SettleFinalize{}
	finalize.ChannelID = msg.ChannelID
	finalize.UpdateIdx = msg.UpdateIdx
	finalize.PrevRevocationSecret = prevSecret

	log.Infof("Channel %v settled at update %d", msg.ChannelID,
		channel.UpdateIdx)

	return finalize, nil
}

// onSettleFinalize closes the settle handshake on the proposing side.
func (m *Manager) onSettleFinalize(ctx context.Context,
	msg *dlcmsg.SettleFinalize, from *btcec.PublicKey) error {

	unlock := m.channelLocks.acquire(msg.ChannelID)
	defer unlock()

	channel, err := m.cfg.Store.GetChannel(ctx, msg.ChannelID)
	if err != nil {
		return err
	}
	if !channel.CounterParty.IsEqual(from) {
		return dlc.Errorf(dlc.KindInvalidParameter, "settle "+
			"finalize from wrong peer")
	}
	if channel.State != dlc.ChanSettleConfirmed ||
		msg.UpdateIdx != channel.PendingUpdateIdx {

		return dlc.Errorf(dlc.KindBadStateTransition, "settle "+
			"finalize out of order on channel %v", msg.ChannelID)
	}

	channel.CounterRevocations = append(
		channel.CounterRevocations, dlc.RevocationEntry{
			UpdateIdx: channel.UpdateIdx,
			Secret:    msg.PrevRevocationSecret,
		},
	)
	channel.SettleTx = channel.PendingSettleTx
	channel.PendingSettleTx = nil
	channel.UpdateIdx = channel.PendingUpdateIdx
	channel.ContractID = dlc.ContractID{}
	channel.State = dlc.ChanSettled

	log.Infof("Channel %v settled at update %d", msg.ChannelID,
		channel.UpdateIdx)

	return m.cfg.Store.PutChannel(ctx, channel)
}

// RenewChannel proposes a new sub-contract within a settled or
// established channel. The collaterals of the new contract must match the
// channel collateral.
func (m *Manager) RenewChannel(ctx context.Context, chanID dlc.ChannelID,
	input *dlc.ContractInput) (*dlcmsg.RenewOffer, error) {

	unlock := m.channelLocks.acquire(chanID)
	defer unlock()

	channel, err := m.cfg.Store.GetChannel(ctx, chanID)
	if err != nil {
		return nil, err
	}
	if channel.State != dlc.ChanSettled &&
		channel.State != dlc.ChanEstablished {

		return nil, dlc.Errorf(dlc.KindBadStateTransition, "can't "+
			"renew channel in state %v", channel.State)
	}

	base, err := m.channelBase(ctx, channel)
	if err != nil {
		return nil, err
	}
	if err := input.Validate(); err != nil {
		return nil, err
	}
	if input.TotalCollateral() != base.TotalCollateral() {
		return nil, dlc.Errorf(dlc.KindInvalidParameter, "renewal "+
			"collateral %v doesn't match channel collateral %v",
			input.TotalCollateral(), base.TotalCollateral())
	}

	announcements, err := m.fetchAnnouncements(ctx, &input.Oracles)
	if err != nil {
		return nil, err
	}

	channel.State = dlc.ChanRenewOffered
	channel.PendingUpdateIdx = channel.UpdateIdx + 1
	channel.PendingContractID = renewTempID(
		chanID, channel.PendingUpdateIdx,
	)

	// The renewal contract reuses the channel parties' parameters; no
	// new inputs are reserved.
	contract := renewalContract(channel, base, input, announcements)

	unlockContract := m.locks.acquire(contract.TemporaryID)
	defer unlockContract()

	if _, err := buildAdaptorInfo(contract); err != nil {
		return nil, err
	}
	if err := m.cfg.Store.PutContract(ctx, contract); err != nil {
		return nil, err
	}
	if err := m.cfg.Store.PutChannel(ctx, channel); err != nil {
		return nil, err
	}

	msg := &dlcmsg.RenewOffer{
		ContractInput: *input,
		Announcements: announcements,
	}
	msg.ChannelID = chanID
	msg.UpdateIdx = channel.PendingUpdateIdx

	err = m.cfg.Transport.SendMessage(ctx, channel.CounterParty, msg)
	if err != nil {
		return msg, dlc.NewError(dlc.KindTransportError, err)
	}

	log.Infof("Proposed renewing channel %v at update %d", chanID,
		msg.UpdateIdx)

	return msg, nil
}

// renewalContract assembles the contract record of a channel renewal,
// anchored on the base contract's party parameters. The contract's offer
// and accept sides follow the channel roles, independent of which party
// proposed the renewal.
func renewalContract(channel *dlc.Channel, base *dlc.Contract,
	input *dlc.ContractInput,
	announcements []dlc.Announcement) *dlc.Contract {

	offerParams := base.OfferParams
	offerParams.Inputs = nil
	offerParams.InputAmount = 0
	offerParams.Collateral = input.OfferCollateral

	acceptParams := *base.AcceptParams
	acceptParams.Inputs = nil
	acceptParams.InputAmount = 0
	acceptParams.Collateral = input.AcceptCollateral

	return &dlc.Contract{
		TemporaryID:        channel.PendingContractID,
		CounterParty:       channel.CounterParty,
		IsOfferParty:       channel.IsOfferParty,
		State:              dlc.StateOffered,
		ChannelID:          channel.ID,
		Input:              *input,
		Announcements:      announcements,
		FundOutputSerialID: base.FundOutputSerialID,
		OfferParams:        offerParams,
		AcceptParams:       &acceptParams,
		FundingTx:          base.FundingTx,
		FundingScript:      base.FundingScript,
		FundingOutputIndex: base.FundingOutputIndex,
	}
}

// onRenewOffer stores an inbound renewal proposal.
func (m *Manager) onRenewOffer(ctx context.Context, msg *dlcmsg.RenewOffer,
	from *btcec.PublicKey) error {

	unlock := m.channelLocks.acquire(msg.ChannelID)
	defer unlock()

	channel, err := m.cfg.Store.GetChannel(ctx, msg.ChannelID)
	if err != nil {
		return err
	}
	if !channel.CounterParty.IsEqual(from) {
		return dlc.Errorf(dlc.KindInvalidParameter, "renew offer "+
			"from wrong peer")
	}
	if channel.State != dlc.ChanSettled &&
		channel.State != dlc.ChanEstablished {

		return dlc.Errorf(dlc.KindBadStateTransition, "renew offer "+
			"for channel in state %v", channel.State)
	}
	if msg.UpdateIdx != channel.UpdateIdx+1 {
		return dlc.Errorf(dlc.KindBadStateTransition, "renew offer "+
			"for update %d, expected %d", msg.UpdateIdx,
			channel.UpdateIdx+1)
	}

	base, err := m.channelBase(ctx, channel)
	if err != nil {
		return err
	}
	if err := msg.ContractInput.Validate(); err != nil {
		return err
	}
	if msg.ContractInput.TotalCollateral() != base.TotalCollateral() {
		return dlc.Errorf(dlc.KindInvalidParameter, "renewal "+
			"collateral mismatch")
	}

	channel.State = dlc.ChanRenewOffered
	channel.PendingUpdateIdx = msg.UpdateIdx
	channel.PendingContractID = renewTempID(
		msg.ChannelID, msg.UpdateIdx,
	)

	contract := renewalContract(
		channel, base, &msg.ContractInput, msg.Announcements,
	)

	unlockContract := m.locks.acquire(contract.TemporaryID)
	defer unlockContract()

	if _, err := buildAdaptorInfo(contract); err != nil {
		return err
	}
	if err := m.cfg.Store.PutContract(ctx, contract); err != nil {
		return err
	}

	log.Infof("Received renew offer on channel %v for update %d",
		msg.ChannelID, msg.UpdateIdx)

	return m.cfg.Store.PutChannel(ctx, channel)
}

// AcceptRenewOffer answers a renewal proposal with our signatures over
// the new contract's CETs, refund and buffer.
func (m *Manager) AcceptRenewOffer(ctx context.Context,
	chanID dlc.ChannelID) (*dlcmsg.RenewAccept, error) {

	unlock := m.channelLocks.acquire(chanID)
	defer unlock()

	channel, err := m.cfg.Store.GetChannel(ctx, chanID)
	if err != nil {
		return nil, err
	}
	if channel.State != dlc.ChanRenewOffered {
		return nil, dlc.Errorf(dlc.KindBadStateTransition, "no "+
			"renew offer pending on channel %v", chanID)
	}

	contract, err := m.cfg.Store.GetContract(
		ctx, channel.PendingContractID,
	)
	if err != nil {
		return nil, err
	}

	info, err := buildAdaptorInfo(contract)
	if err != nil {
		return nil, err
	}

	buffer, err := rebuildRenewalTxs(
		contract, info, channel.PendingUpdateIdx,
	)
	if err != nil {
		return nil, err
	}

	priv, err := m.cfg.Wallet.GetFundingPrivKey(
		ctx, ownFundPubKey(contract),
	)
	if err != nil {
		return nil, dlc.NewError(dlc.KindWalletError, err)
	}

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

	contract.State = dlc.StateAccepted
	err = m.cfg.Store.UpdateContractID(
		ctx, channel.PendingContractID, contract,
	)
	if err != nil {
		return nil, err
	}

	channel.PendingContractID = contract.StorageID()
	channel.PendingBufferTx = buffer
	channel.State = dlc.ChanRenewAccepted
	if err := m.cfg.Store.PutChannel(ctx, channel); err != nil {
		return nil, err
	}

	accept := &dlcmsg.RenewAccept{}
	accept.ChannelID = chanID
	accept.UpdateIdx = channel.PendingUpdateIdx
	accept.CetAdaptorSigs = cetSigs
	accept.RefundSig = refundSig
	accept.BufferAdaptorSig = bufferSig

	err = m.cfg.Transport.SendMessage(ctx, channel.CounterParty, accept)
	if err != nil {
		return accept, dlc.NewError(dlc.KindTransportError, err)
	}

	return accept, nil
}

// rebuildRenewalTxs builds the new buffer, CETs and refund of a renewal
// contract on top of the existing channel funding. The update index feeds
// the buffer locktime so every update gets a distinct buffer txid.
func rebuildRenewalTxs(contract *dlc.Contract, info *adaptorInfo,
	updateIdx uint64) (*wire.MsgTx, error) {

	bufferPkScript, err := dlcscript.FundingScriptPubKey(
		contract.FundingScript,
	)
	if err != nil {
		return nil, err
	}

	buffer, err := dlctx.BuildBuffer(
		contract.FundingOutPoint(), fundingValue(contract),
		bufferPkScript, contract.Input.FeeRate,
		uint32(updateIdx),
	)
	if err != nil {
		return nil, err
	}

	bufferOutPoint := wire.OutPoint{Hash: buffer.TxHash(), Index: 0}

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
	contract.ID = dlc.ComputeContractID(
		buffer.TxHash(), 0, contract.TemporaryID,
	)

	return buffer, nil
}

// onRenewAccept processes the renewal accept on the proposing side.
func (m *Manager) onRenewAccept(ctx context.Context,
	msg *dlcmsg.RenewAccept, from *btcec.PublicKey) (dlcmsg.Message,
	error) {

	unlock := m.channelLocks.acquire(msg.ChannelID)
	defer unlock()

	channel, err := m.cfg.Store.GetChannel(ctx, msg.ChannelID)
	if err != nil {
		return nil, err
	}
	if !channel.CounterParty.IsEqual(from) {
		return nil, dlc.Errorf(dlc.KindInvalidParameter, "renew "+
			"accept from wrong peer")
	}
	if channel.State != dlc.ChanRenewOffered ||
		msg.UpdateIdx != channel.PendingUpdateIdx {

		return nil, dlc.Errorf(dlc.KindBadStateTransition, "renew "+
			"accept out of order on channel %v", msg.ChannelID)
	}

	contract, err := m.cfg.Store.GetContract(
		ctx, channel.PendingContractID,
	)
	if err != nil {
		return nil, err
	}

	info, err := buildAdaptorInfo(contract)
	if err != nil {
		return nil, err
	}

	buffer, err := rebuildRenewalTxs(
		contract, info, channel.PendingUpdateIdx,
	)
	if err != nil {
		return nil, err
	}

	err = m.verifyChannelCets(
		contract, info, buffer, msg.CetAdaptorSigs,
		counterFundPubKey(contract),
	)
	if err != nil {
		return nil, err
	}
	err = m.verifyBufferAdaptor(
		contract, buffer, msg.BufferAdaptorSig,
		counterFundPubKey(contract), channel.OwnPublishBase,
	)
	if err != nil {
		return nil, err
	}

	priv, err := m.cfg.Wallet.GetFundingPrivKey(
		ctx, ownFundPubKey(contract),
	)
	if err != nil {
		return nil, dlc.NewError(dlc.KindWalletError, err)
	}

	ownCetSigs, err := m.signChannelCets(
		ctx, contract, info, buffer, priv,
	)
	if err != nil {
		return nil, err
	}
	ownRefundSig, err := m.signChannelRefund(contract, buffer, priv)
	if err != nil {
		return nil, err
	}
	ownBufferSig, err := m.signBufferAdaptor(
		ctx, contract, buffer, channel.CounterPublishBase,
	)
	if err != nil {
		return nil, err
	}

	contract.CounterAdaptorSigs = msg.CetAdaptorSigs
	contract.CounterRefundSig = msg.RefundSig
	contract.State = dlc.StateSigned
	err = m.cfg.Store.UpdateContractID(
		ctx, channel.PendingContractID, contract,
	)
	if err != nil {
		return nil, err
	}

	channel.PendingContractID = contract.StorageID()
	channel.PendingBufferTx = buffer
	channel.CounterBufferAdaptorSig = msg.BufferAdaptorSig
	channel.State = dlc.ChanRenewConfirmed
	if err := m.cfg.Store.PutChannel(ctx, channel); err != nil {
		return nil, err
	}

	confirm := &dlcmsg.RenewConfirm{}
	confirm.ChannelID = msg.ChannelID
	confirm.UpdateIdx = msg.UpdateIdx
	confirm.CetAdaptorSigs = ownCetSigs
	confirm.RefundSig = ownRefundSig
	confirm.BufferAdaptorSig = ownBufferSig

	return confirm, nil
}

// onRenewConfirm processes the renewal confirm on the accepting side and
// reveals the revocation secret of the superseded state.
func (m *Manager) onRenewConfirm(ctx context.Context,
	msg *dlcmsg.RenewConfirm, from *btcec.PublicKey) (dlcmsg.Message,
	error) {

	unlock := m.channelLocks.acquire(msg.ChannelID)
	defer unlock()

	channel, err := m.cfg.Store.GetChannel(ctx, msg.ChannelID)
	if err != nil {
		return nil, err
	}
	if !channel.CounterParty.IsEqual(from) {
		return nil, dlc.Errorf(dlc.KindInvalidParameter, "renew "+
			"confirm from wrong peer")
	}
	if channel.State != dlc.ChanRenewAccepted ||
		msg.UpdateIdx != channel.PendingUpdateIdx {

		return nil, dlc.Errorf(dlc.KindBadStateTransition, "renew "+
			"confirm out of order on channel %v", msg.ChannelID)
	}

	contract, err := m.cfg.Store.GetContract(
		ctx, channel.PendingContractID,
	)
	if err != nil {
		return nil, err
	}

	info, err := buildAdaptorInfo(contract)
	if err != nil {
		return nil, err
	}

	err = m.verifyChannelCets(
		contract, info, channel.PendingBufferTx,
		msg.CetAdaptorSigs, counterFundPubKey(contract),
	)
	if err != nil {
		return nil, err
	}
	err = m.verifyBufferAdaptor(
		contract, channel.PendingBufferTx, msg.BufferAdaptorSig,
		counterFundPubKey(contract), channel.OwnPublishBase,
	)
	if err != nil {
		return nil, err
	}

	prevSecret, err := recordOwnRevocation(channel, channel.UpdateIdx)
	if err != nil {
		return nil, err
	}

	contract.CounterAdaptorSigs = msg.CetAdaptorSigs
	contract.CounterRefundSig = msg.RefundSig
	contract.State = dlc.StateSigned
	if err := m.cfg.Store.PutContract(ctx, contract); err != nil {
		return nil, err
	}

	channel.CounterBufferAdaptorSig = msg.BufferAdaptorSig
	channel.BufferTx = channel.PendingBufferTx
	channel.PendingBufferTx = nil
	channel.ContractID = contract.StorageID()
	channel.SettleTx = nil
	channel.UpdateIdx = channel.PendingUpdateIdx
	channel.State = dlc.ChanEstablished
	if err := m.cfg.Store.PutChannel(ctx, channel); err != nil {
		return nil, err
	}

	finalize := &dlcmsg.RenewFinalize{}
	finalize.ChannelID = msg.ChannelID
	finalize.UpdateIdx = msg.UpdateIdx
	finalize.PrevRevocationSecret = prevSecret

	log.Infof("Channel %v renewed at update %d", msg.ChannelID,
		channel.UpdateIdx)

	return finalize, nil
}

// onRenewFinalize completes the renewal on the proposing side, recording
// the peer's revocation and answering with our own.
func (m *Manager) onRenewFinalize(ctx context.Context,
	msg *dlcmsg.RenewFinalize, from *btcec.PublicKey) (dlcmsg.Message,
	error) {

	unlock := m.channelLocks.acquire(msg.ChannelID)
	defer unlock()

	channel, err := m.cfg.Store.GetChannel(ctx, msg.ChannelID)
	if err != nil {
		return nil, err
	}
	if !channel.CounterParty.IsEqual(from) {
		return nil, dlc.Errorf(dlc.KindInvalidParameter, "renew "+
			"finalize from wrong peer")
	}
	if channel.State != dlc.ChanRenewConfirmed ||
		msg.UpdateIdx != channel.PendingUpdateIdx {

		return nil, dlc.Errorf(dlc.KindBadStateTransition, "renew "+
			"finalize out of order on channel %v", msg.ChannelID)
	}

	prevSecret, err := recordOwnRevocation(channel, channel.UpdateIdx)
	if err != nil {
		return nil, err
	}

	channel.CounterRevocations = append(
		channel.CounterRevocations, dlc.RevocationEntry{
			UpdateIdx: channel.UpdateIdx,
			Secret:    msg.PrevRevocationSecret,
		},
	)
	channel.BufferTx = channel.PendingBufferTx
	channel.PendingBufferTx = nil
	channel.ContractID = channel.PendingContractID
	channel.SettleTx = nil
	channel.UpdateIdx = channel.PendingUpdateIdx
	channel.State = dlc.ChanEstablished
	if err := m.cfg.Store.PutChannel(ctx, channel); err != nil {
		return nil, err
	}

	revoke := &dlcmsg.RenewRevoke{}
	revoke.ChannelID = msg.ChannelID
	revoke.UpdateIdx = msg.UpdateIdx
	revoke.PrevRevocationSecret = prevSecret

	log.Infof("Channel %v renewed at update %d", msg.ChannelID,
		channel.UpdateIdx)

	return revoke, nil
}

// onRenewRevoke records the final revocation of the renew handshake.
func (m *Manager) onRenewRevoke(ctx context.Context,
	msg *dlcmsg.RenewRevoke, from *btcec.PublicKey) error {

	unlock := m.channelLocks.acquire(msg.ChannelID)
	defer unlock()

	channel, err := m.cfg.Store.GetChannel(ctx, msg.ChannelID)
	if err != nil {
		return err
	}
	if !channel.CounterParty.IsEqual(from) {
		return dlc.Errorf(dlc.KindInvalidParameter, "renew revoke "+
			"from wrong peer")
	}

	channel.CounterRevocations = append(
		channel.CounterRevocations, dlc.RevocationEntry{
			UpdateIdx: msg.UpdateIdx - 1,
			Secret:    msg.PrevRevocationSecret,
		},
	)

	return m.cfg.Store.PutChannel(ctx, channel)
}

// CollaborativeClose proposes closing the channel cooperatively with the
// given payout to the counterparty.
func (m *Manager) CollaborativeClose(ctx context.Context,
	chanID dlc.ChannelID,
	counterPayout btcutil.Amount) (*dlcmsg.CollaborativeCloseOffer,
	error) {

	unlock := m.channelLocks.acquire(chanID)
	defer unlock()

	channel, err := m.cfg.Store.GetChannel(ctx, chanID)
	if err != nil {
		return nil, err
	}
	switch channel.State {
	case dlc.ChanEstablished, dlc.ChanSettled:
	default:
		return nil, dlc.Errorf(dlc.KindBadStateTransition, "can't "+
			"close channel in state %v", channel.State)
	}

	base, err := m.channelBase(ctx, channel)
	if err != nil {
		return nil, err
	}

	closeTx, err := m.buildCollaborativeCloseTx(
		base, channel, counterPayout,
	)
	if err != nil {
		return nil, err
	}

	priv, err := m.cfg.Wallet.GetFundingPrivKey(
		ctx, ownFundPubKey(base),
	)
	if err != nil {
		return nil, dlc.NewError(dlc.KindWalletError, err)
	}

	sigHash, err := dlcscript.SigHash(
		closeTx, 0, channel.FundingScript, fundingValue(base),
	)
	if err != nil {
		return nil, err
	}
	closeSig := ecdsa.Sign(priv, sigHash[:]).Serialize()

	channel.State = dlc.ChanClosing
	channel.ProposedCounterPayout = counterPayout
	if err := m.cfg.Store.PutChannel(ctx, channel); err != nil {
		return nil, err
	}

	msg := &dlcmsg.CollaborativeCloseOffer{
		CounterPayout: counterPayout,
		CloseSig:      closeSig,
	}
	msg.ChannelID = chanID
	msg.UpdateIdx = channel.UpdateIdx

	err = m.cfg.Transport.SendMessage(ctx, channel.CounterParty, msg)
	if err != nil {
		return msg, dlc.NewError(dlc.KindTransportError, err)
	}

	log.Infof("Proposed collaborative close of channel %v", chanID)

	return msg, nil
}

// buildCollaborativeCloseTx constructs the cooperative close transaction
// with the counter payout interpreted from our perspective.
func (m *Manager) buildCollaborativeCloseTx(base *dlc.Contract,
	channel *dlc.Channel,
	counterPayout btcutil.Amount) (*wire.MsgTx, error) {

	offerBalance, acceptBalance, err := settleBalances(
		base, counterPayout, channel.IsOfferParty,
	)
	if err != nil {
		return nil, err
	}

	return dlctx.BuildCollaborativeClose(
		channel.FundingOutPoint, &base.OfferParams,
		base.AcceptParams, offerBalance, acceptBalance,
	)
}

// onCollaborativeCloseOffer completes a cooperative close: verify the
// peer's signature, counter-sign and broadcast.
func (m *Manager) onCollaborativeCloseOffer(ctx context.Context,
	msg *dlcmsg.CollaborativeCloseOffer, from *btcec.PublicKey) error {

	unlock := m.channelLocks.acquire(msg.ChannelID)
	defer unlock()

	channel, err := m.cfg.Store.GetChannel(ctx, msg.ChannelID)
	if err != nil {
		return err
	}
	if !channel.CounterParty.IsEqual(from) {
		return dlc.Errorf(dlc.KindInvalidParameter, "close offer "+
			"from wrong peer")
	}
	switch channel.State {
	case dlc.ChanEstablished, dlc.ChanSettled:
	default:
		return dlc.Errorf(dlc.KindBadStateTransition, "close offer "+
			"for channel in state %v", channel.State)
	}

	base, err := m.channelBase(ctx, channel)
	if err != nil {
		return err
	}

	// The peer pays US msg.CounterPayout; rebuild the same transaction
	// from the opposite perspective.
	ownPayout := msg.CounterPayout
	counterPayout := base.TotalCollateral() - ownPayout

	closeTx, err := m.buildCollaborativeCloseTx(
		base, channel, counterPayout,
	)
	if err != nil {
		return err
	}

	sigHash, err := dlcscript.SigHash(
		closeTx, 0, channel.FundingScript, fundingValue(base),
	)
	if err != nil {
		return err
	}

	peerSig, err := ecdsa.ParseDERSignature(msg.CloseSig)
	if err != nil {
		return dlc.NewError(dlc.KindInvalidSignature, err)
	}
	if !peerSig.Verify(sigHash[:], counterFundPubKey(base)) {
		return dlc.Errorf(dlc.KindInvalidSignature, "close "+
			"signature invalid")
	}

	priv, err := m.cfg.Wallet.GetFundingPrivKey(
		ctx, ownFundPubKey(base),
	)
	if err != nil {
		return dlc.NewError(dlc.KindWalletError, err)
	}
	ownSig := ecdsa.Sign(priv, sigHash[:]).Serialize()

	ownWitnessSig := append(append([]byte{}, ownSig...), 0x01)
	counterWitnessSig := append(
		append([]byte{}, msg.CloseSig...), 0x01,
	)

	closeTx.TxIn[0].Witness = dlcscript.SpendWitness(
		channel.FundingScript, ownFundPubKey(base), ownWitnessSig,
		counterFundPubKey(base), counterWitnessSig,
	)

	channel.State = dlc.ChanCollaborativelyClosed
	if err := m.cfg.Store.PutChannel(ctx, channel); err != nil {
		return err
	}

	if err := m.cfg.Blockchain.Broadcast(ctx, closeTx); err != nil {
		log.Warnf("Collaborative close broadcast failed: %v", err)
	}
	m.watcher.WatchTx(closeTx.TxHash())

	log.Infof("Channel %v collaboratively closed", msg.ChannelID)

	return nil
}

// checkChannels drives the channel lifecycle against the chain: funding
// confirmation, buffer broadcasts and revoked-state detection.
func (m *Manager) checkChannels(ctx context.Context) error {
	channels, err := m.cfg.Store.ListChannels(ctx)
	if err != nil {
		return err
	}

	for _, channel := range channels {
		if err := m.checkChannel(ctx, channel); err != nil {
			log.Errorf("Checking channel %v: %v", channel.ID,
				err)
		}
	}

	return nil
}

func (m *Manager) checkChannel(ctx context.Context,
	channel *dlc.Channel) error {

	unlock := m.channelLocks.acquire(channel.ID)
	defer unlock()

	switch channel.State {
	case dlc.ChanSigned:
		confs, ok, err := m.cfg.Blockchain.GetConfirmations(
			ctx, channel.FundingOutPoint.Hash,
		)
		if err != nil {
			return dlc.NewError(dlc.KindBlockchainError, err)
		}
		if ok && confs >= m.cfg.NumConfirmations {
			channel.State = dlc.ChanEstablished

			log.Infof("Channel %v established", channel.ID)

			return m.cfg.Store.PutChannel(ctx, channel)
		}

		return nil

	case dlc.ChanEstablished, dlc.ChanSettled:
		spendTx, err := m.cfg.Blockchain.GetSpendingTx(
			ctx, channel.FundingOutPoint,
		)
		if err != nil {
			return dlc.NewError(dlc.KindBlockchainError, err)
		}
		if spendTx == nil {
			return nil
		}

		return m.onChannelFundingSpent(ctx, channel, spendTx)

	default:
		return nil
	}
}

// onChannelFundingSpent classifies a funding spend: the current buffer
// (unilateral close in progress), or an unknown transaction, which for a
// channel means a revoked state was broadcast.
func (m *Manager) onChannelFundingSpent(ctx context.Context,
	channel *dlc.Channel, spendTx *wire.MsgTx) error {

	spendTxid := spendTx.TxHash()

	if channel.BufferTx != nil &&
		channel.BufferTx.TxHash() == spendTxid {

		channel.State = dlc.ChanClosing

		log.Infof("Channel %v buffer broadcast, closing",
			channel.ID)

		return m.cfg.Store.PutChannel(ctx, channel)
	}

	// Any other spend is a superseded state. The publish secret leaks
	// through the adaptor completion and the revocation secret was
	// revealed during the update handshake, so the broadcast is
	// punishable.
	if len(channel.CounterRevocations) > 0 {
		channel.State = dlc.ChanClosedPunished

		log.Warnf("Channel %v: revoked state %v broadcast, "+
			"punishing", channel.ID, spendTxid)

		return m.cfg.Store.PutChannel(ctx, channel)
	}

	channel.State = dlc.ChanClosed

	return m.cfg.Store.PutChannel(ctx, channel)
}
