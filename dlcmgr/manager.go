package dlcmgr

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/dlcsuite/dlcd/chainwatch"
	"github.com/dlcsuite/dlcd/dlc"
	"github.com/dlcsuite/dlcd/dlcmsg"
	"github.com/dlcsuite/dlcd/fn"
	"github.com/lightningnetwork/lnd/ticker"
)

// DefaultTimeout is the context timeout used for guarded operations.
const DefaultTimeout = 30 * time.Second

// Manager is the single mutator of contract and channel state: it
// processes inbound wire messages, drives the periodic chain and oracle
// checks, and emits outbound messages. Every state transition is written
// to storage before the resulting message leaves the manager.
type Manager struct {
	startOnce sync.Once
	stopOnce  sync.Once

	cfg *Config

	// watcher projects the chain onto the contracts' funding, CET and
	// refund interests.
	watcher *chainwatch.Watcher

	// ticker drives the automatic periodic check.
	ticker *ticker.T

	// locks serializes operations per contract id. Operations on
	// different contracts proceed in parallel.
	locks contractLocks

	// channelLocks serializes operations per channel id.
	channelLocks channelLocks

	*fn.ContextGuard
}

// contractLocks is a set of per-contract mutexes.
type contractLocks struct {
	mu    sync.Mutex
	locks map[dlc.ContractID]*sync.Mutex
}

// acquire locks the mutex of the given contract and returns the unlock
// function.
func (l *contractLocks) acquire(id dlc.ContractID) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[dlc.ContractID]*sync.Mutex)
	}
	lock, ok := l.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[id] = lock
	}
	l.mu.Unlock()

	lock.Lock()

	return lock.Unlock
}

// channelLocks is a set of per-channel mutexes.
type channelLocks struct {
	mu    sync.Mutex
	locks map[dlc.ChannelID]*sync.Mutex
}

func (l *channelLocks) acquire(id dlc.ChannelID) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[dlc.ChannelID]*sync.Mutex)
	}
	lock, ok := l.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[id] = lock
	}
	l.mu.Unlock()

	lock.Lock()

	return lock.Unlock
}

// NewManager creates a manager from the given config.
func NewManager(cfg *Config) (*Manager, error) {
	if cfg.Wallet == nil || cfg.Blockchain == nil || cfg.Store == nil ||
		cfg.Oracle == nil || cfg.Transport == nil {

		return nil, fmt.Errorf("manager config missing collaborator")
	}
	cfg.fillDefaults()

	return &Manager{
		cfg:     cfg,
		watcher: chainwatch.NewWatcher(cfg.Blockchain),
		ticker:  ticker.New(cfg.CheckInterval),
		ContextGuard: &fn.ContextGuard{
			DefaultTimeout: DefaultTimeout,
			Quit:           make(chan struct{}),
		},
	}, nil
}

// Start launches the periodic check loop and re-registers the chain
// interests of all non-terminal contracts after a restart.
func (m *Manager) Start() error {
	var startErr error
	m.startOnce.Do(func() {
		log.Infof("Starting DLC manager")

		ctx, cancel := m.WithCtxQuitNoTimeout()
		defer cancel()

		if err := m.rehydrateInterests(ctx); err != nil {
			startErr = err
			return
		}

		m.Wg.Add(1)
		go m.checkLoop()
	})

	return startErr
}

// Stop shuts the manager down and waits for in-flight operations.
func (m *Manager) Stop() error {
	m.stopOnce.Do(func() {
		log.Infof("Stopping DLC manager")

		m.ticker.Stop()
		close(m.Quit)
		m.Wg.Wait()
	})

	return nil
}

// checkLoop runs the periodic check on every tick until shutdown.
func (m *Manager) checkLoop() {
	defer m.Wg.Done()

	m.ticker.Resume()

	for {
		select {
		case <-m.ticker.Ticks():
			ctx, cancel := m.WithCtxQuitNoTimeout()
			if errs := m.PeriodicCheck(ctx, false); len(errs) > 0 {
				for _, err := range errs {
					log.Errorf("Periodic check: %v", err)
				}
			}
			cancel()

		case <-m.Quit:
			return
		}
	}
}

// rehydrateInterests re-registers chain watches for contracts that were
// in-flight at the previous shutdown. Storage is the system-of-record; no
// in-memory state survives a crash.
func (m *Manager) rehydrateInterests(ctx context.Context) error {
	for _, state := range []dlc.State{
		dlc.StateSigned, dlc.StateConfirmed, dlc.StatePreClosed,
	} {
		contracts, err := m.cfg.Store.ListByState(ctx, state)
		if err != nil {
			return err
		}

		for _, contract := range contracts {
			if contract.FundingTx == nil {
				continue
			}
			m.watcher.WatchFunding(
				contract.FundingOutPoint(),
				contract.FundingTx.TxHash(),
			)
			if contract.BroadcastCET != nil {
				m.watcher.WatchTx(
					contract.BroadcastCET.TxHash(),
				)
			}
		}
	}

	return nil
}

// randSerialID draws a random output ordering key.
func randSerialID() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}

	// Keep the top bit clear so ids stay well away from overflow when
	// compared.
	return binary.BigEndian.Uint64(b[:]) >> 1, nil
}

// newPartyParams assembles fresh party parameters for the given collateral
// plus an estimated fee share.
func (m *Manager) newPartyParams(ctx context.Context,
	collateral btcutil.Amount, feeRate uint64) (*dlc.PartyParams, error) {

	fundPubKey, err := m.cfg.Wallet.GetNewPubKey(ctx)
	if err != nil {
		return nil, dlc.NewError(dlc.KindWalletError, err)
	}
	changeScript, err := m.cfg.Wallet.GetChangeScript(ctx)
	if err != nil {
		return nil, dlc.NewError(dlc.KindWalletError, err)
	}
	payoutScript, err := m.cfg.Wallet.GetPayoutScript(ctx)
	if err != nil {
		return nil, dlc.NewError(dlc.KindWalletError, err)
	}

	// Reserve enough to also cover the worst-case fee share; the exact
	// fee is computed from the final parameters and the difference
	// flows back as change.
	feeCushion := btcutil.Amount(feeRate) * feeReserveVBytes
	inputs, err := m.cfg.Wallet.ReserveUtxos(
		ctx, collateral+feeCushion,
	)
	if err != nil {
		return nil, dlc.NewError(dlc.KindInsufficientFunds, err)
	}

	var inputAmount btcutil.Amount
	for i := range inputs {
		inputAmount += inputs[i].Value
	}

	params := &dlc.PartyParams{
		FundPubKey:   fundPubKey,
		ChangeScript: changeScript,
		PayoutScript: payoutScript,
		Inputs:       inputs,
		InputAmount:  inputAmount,
		Collateral:   collateral,
	}

	if params.ChangeSerialID, err = randSerialID(); err != nil {
		return nil, err
	}
	if params.PayoutSerialID, err = randSerialID(); err != nil {
		return nil, err
	}

	return params, nil
}

// feeReserveVBytes is the vbyte cushion reserved on top of the collateral
// to cover the party's transaction fee shares.
const feeReserveVBytes = 1000

// releaseReservation returns a contract's reserved inputs to the wallet,
// used when a contract lands in a terminal failure state.
func (m *Manager) releaseReservation(ctx context.Context,
	contract *dlc.Contract) {

	params := contract.OfferParams
	if !contract.IsOfferParty {
		if contract.AcceptParams == nil {
			return
		}
		params = *contract.AcceptParams
	}

	if err := m.cfg.Wallet.ReleaseUtxos(ctx, params.Inputs); err != nil {
		log.Warnf("Unable to release reservation of contract %v: %v",
			contract.StorageID(), err)
	}
}

// SendOffer builds, persists and sends a contract offer to the given
// counterparty. The returned id is the temporary contract id the offer is
// stored under until the funding transaction is fixed.
func (m *Manager) SendOffer(ctx context.Context, input *dlc.ContractInput,
	counterparty *btcec.PublicKey) (*dlcmsg.Offer, dlc.ContractID,
	error) {

	var zeroID dlc.ContractID

	offer, tempID, err := m.buildOfferLocked(ctx, input, counterparty)
	if err != nil {
		return nil, zeroID, err
	}

	err = m.cfg.Transport.SendMessage(ctx, counterparty, offer)
	if err != nil {
		// The contract stays Offered; the caller can retry the send
		// or reject the offer explicitly.
		return offer, tempID, dlc.NewError(
			dlc.KindTransportError, err,
		)
	}

	log.Infof("Sent offer %v to %v", tempID,
		dlc.PubKeyString(counterparty))

	return offer, tempID, nil
}

// fetchAnnouncements resolves all announcement ids of an oracle selection.
func (m *Manager) fetchAnnouncements(ctx context.Context,
	selection *dlc.OracleSelection) ([]dlc.Announcement, error) {

	announcements := make(
		[]dlc.Announcement, 0, len(selection.AnnouncementIDs),
	)
	for _, id := range selection.AnnouncementIDs {
		ann, err := m.cfg.Oracle.GetAnnouncement(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := ann.Validate(); err != nil {
			return nil, err
		}
		announcements = append(announcements, *ann)
	}

	return announcements, nil
}

// RejectOffer declines a received offer: the contract is removed from
// storage and a reject message is sent. This is the only path that ever
// deletes a contract.
func (m *Manager) RejectOffer(ctx context.Context,
	id dlc.ContractID) error {

	unlock := m.locks.acquire(id)
	defer unlock()

	contract, err := m.cfg.Store.GetContract(ctx, id)
	if err != nil {
		return err
	}
	if contract.State != dlc.StateOffered {
		return dlc.Errorf(dlc.KindBadStateTransition, "can't "+
			"reject contract in state %v", contract.State)
	}

	if contract.IsOfferParty {
		m.releaseReservation(ctx, contract)
	}

	if err := m.cfg.Store.DeleteContract(ctx, id); err != nil {
		return err
	}

	reject := &dlcmsg.Reject{TemporaryID: contract.TemporaryID}
	err = m.cfg.Transport.SendMessage(ctx, contract.CounterParty, reject)
	if err != nil {
		return dlc.NewError(dlc.KindTransportError, err)
	}

	log.Infof("Rejected offer %v", id)

	return nil
}

// OnMessage processes one inbound wire message from the given peer and
// returns the outbound reply, if the protocol calls for one. Unknown or
// malformed messages are logged and dropped without mutating state.
func (m *Manager) OnMessage(ctx context.Context, msg dlcmsg.Message,
	from *btcec.PublicKey) (dlcmsg.Message, error) {

	switch msg := msg.(type) {
	case *dlcmsg.Offer:
		return nil, m.onOffer(ctx, msg, from)

	case *dlcmsg.Accept:
		return m.onAccept(ctx, msg, from)

	case *dlcmsg.Sign:
		return nil, m.onSign(ctx, msg, from)

	case *dlcmsg.Reject:
		return nil, m.onReject(ctx, msg, from)

	case *dlcmsg.OfferChannel:
		return nil, m.onOfferChannel(ctx, msg, from)

	case *dlcmsg.AcceptChannel:
		return m.onAcceptChannel(ctx, msg, from)

	case *dlcmsg.SignChannel:
		return nil, m.onSignChannel(ctx, msg, from)

	case *dlcmsg.SettleOffer:
		return nil, m.onSettleOffer(ctx, msg, from)

	case *dlcmsg.SettleAccept:
		return m.onSettleAccept(ctx, msg, from)

	case *dlcmsg.SettleConfirm:
		return m.onSettleConfirm(ctx, msg, from)

	case *dlcmsg.SettleFinalize:
		return nil, m.onSettleFinalize(ctx, msg, from)

	case *dlcmsg.RenewOffer:
		return nil, m.onRenewOffer(ctx, msg, from)

	case *dlcmsg.RenewAccept:
		return m.onRenewAccept(ctx, msg, from)

	case *dlcmsg.RenewConfirm:
		return m.onRenewConfirm(ctx, msg, from)

	case *dlcmsg.RenewFinalize:
		return m.onRenewFinalize(ctx, msg, from)

	case *dlcmsg.RenewRevoke:
		return nil, m.onRenewRevoke(ctx, msg, from)

	case *dlcmsg.CollaborativeCloseOffer:
		return nil, m.onCollaborativeCloseOffer(ctx, msg, from)

	default:
		log.Warnf("Dropping unknown message type %d from %v",
			msg.MsgType(), dlc.PubKeyString(from))

		return nil, nil
	}
}

// onReject handles an inbound offer rejection.
func (m *Manager) onReject(ctx context.Context, msg *dlcmsg.Reject,
	from *btcec.PublicKey) error {

	unlock := m.locks.acquire(msg.TemporaryID)
	defer unlock()

	contract, err := m.cfg.Store.GetContract(ctx, msg.TemporaryID)
	if err != nil {
		return err
	}
	if !contract.CounterParty.IsEqual(from) {
		return dlc.Errorf(dlc.KindInvalidParameter, "reject from "+
			"wrong peer")
	}
	if contract.State != dlc.StateOffered {
		return dlc.Errorf(dlc.KindBadStateTransition, "reject for "+
			"contract in state %v", contract.State)
	}

	if contract.IsOfferParty {
		m.releaseReservation(ctx, contract)
	}

	contract.State = dlc.StateRejected

	return m.cfg.Store.PutContract(ctx, contract)
}
