package chainwatch

import (
	"context"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// ChainView is the read-only view of the chain the watcher polls. It is a
// subset of the manager's blockchain collaborator.
type ChainView interface {
	// GetBestHeight returns the current chain tip height.
	GetBestHeight(ctx context.Context) (int32, error)

	// GetConfirmations returns the confirmation count of the given
	// transaction. ok is false if the transaction is unknown; zero
	// confirmations with ok true means it sits in the mempool.
	GetConfirmations(ctx context.Context,
		txid chainhash.Hash) (int32, bool, error)

	// GetSpendingTx returns the transaction spending the given
	// outpoint, or nil if it is unspent.
	GetSpendingTx(ctx context.Context,
		outpoint wire.OutPoint) (*wire.MsgTx, error)
}

// ReportKind classifies one poll observation.
type ReportKind uint8

const (
	// NotSeen means the transaction is unknown to the chain backend.
	NotSeen ReportKind = iota

	// Mempool means the transaction is unconfirmed.
	Mempool

	// Confirmed means the transaction has at least one confirmation.
	Confirmed

	// ReorgedOut means a transaction that previously had confirmations
	// is no longer confirmed.
	ReorgedOut

	// SpentBy means the watched funding outpoint is spent by the
	// reported transaction.
	SpentBy
)

// String returns the kind's name.
func (k ReportKind) String() string {
	switch k {
	case NotSeen:
		return "not-seen"
	case Mempool:
		return "mempool"
	case Confirmed:
		return "confirmed"
	case ReorgedOut:
		return "reorged-out"
	case SpentBy:
		return "spent-by"
	default:
		return "unknown"
	}
}

// Report is one observation about a watched item. The watcher itself keeps
// no authoritative state; the manager translates reports into contract
// transitions.
type Report struct {
	// Txid is the watched transaction the report is about.
	Txid chainhash.Hash

	// OutPoint is the watched funding outpoint for SpentBy reports.
	OutPoint wire.OutPoint

	// Kind classifies the observation.
	Kind ReportKind

	// Confirmations is the current depth for Confirmed reports.
	Confirmations int32

	// SpendTx is the spending transaction for SpentBy reports.
	SpendTx *wire.MsgTx
}

// fundingInterest tracks a funding outpoint for first-spend detection
// alongside its transaction for depth tracking.
type fundingInterest struct {
	outpoint wire.OutPoint
	txid     chainhash.Hash
}

// Watcher polls the chain view for a registered set of interests: funding
// outpoints (spend detection plus confirmation depth) and standalone
// transactions (depth only, used for CETs and refunds).
type Watcher struct {
	mu sync.Mutex

	chain ChainView

	fundings map[wire.OutPoint]fundingInterest
	txs      map[chainhash.Hash]struct{}

	// lastConfirmed remembers the highest confirmation count seen per
	// transaction, to tell a fresh transaction apart from one that was
	// reorged out.
	lastConfirmed map[chainhash.Hash]int32
}

// NewWatcher creates a watcher over the given chain view.
func NewWatcher(chain ChainView) *Watcher {
	return &Watcher{
		chain:         chain,
		fundings:      make(map[wire.OutPoint]fundingInterest),
		txs:           make(map[chainhash.Hash]struct{}),
		lastConfirmed: make(map[chainhash.Hash]int32),
	}
}

// WatchFunding registers a funding outpoint and its transaction.
func (w *Watcher) WatchFunding(outpoint wire.OutPoint,
	txid chainhash.Hash) {

	w.mu.Lock()
	defer w.mu.Unlock()

	w.fundings[outpoint] = fundingInterest{
		outpoint: outpoint,
		txid:     txid,
	}

	log.Debugf("Watching funding outpoint %v (tx %v)", outpoint, txid)
}

// WatchTx registers a standalone transaction for depth tracking.
func (w *Watcher) WatchTx(txid chainhash.Hash) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.txs[txid] = struct{}{}

	log.Debugf("Watching tx %v", txid)
}

// UnwatchFunding removes a funding interest.
func (w *Watcher) UnwatchFunding(outpoint wire.OutPoint) {
	w.mu.Lock()
	defer w.mu.Unlock()

	delete(w.fundings, outpoint)
}

// UnwatchTx removes a transaction interest.
func (w *Watcher) UnwatchTx(txid chainhash.Hash) {
	w.mu.Lock()
	defer w.mu.Unlock()

	delete(w.txs, txid)
	delete(w.lastConfirmed, txid)
}

// Check polls the chain once for every registered interest and returns the
// observations. Polling the same unchanged chain twice yields the same
// reports.
func (w *Watcher) Check(ctx context.Context) ([]Report, error) {
	w.mu.Lock()
	fundings := make([]fundingInterest, 0, len(w.fundings))
	for _, f := range w.fundings {
		fundings = append(fundings, f)
	}
	txids := make([]chainhash.Hash, 0, len(w.txs))
	for txid := range w.txs {
		txids = append(txids, txid)
	}
	w.mu.Unlock()

	var reports []Report

	for _, f := range fundings {
		report, err := w.checkTx(ctx, f.txid)
		if err != nil {
			return nil, err
		}
		reports = append(reports, *report)

		// Spend detection only makes sense once the funding tx
		// itself is known.
		if report.Kind == NotSeen {
			continue
		}

		spendTx, err := w.chain.GetSpendingTx(ctx, f.outpoint)
		if err != nil {
			return nil, err
		}
		if spendTx != nil {
			reports = append(reports, Report{
				Txid:     f.txid,
				OutPoint: f.outpoint,
				Kind:     SpentBy,
				SpendTx:  spendTx,
			})
		}
	}

	for _, txid := range txids {
		report, err := w.checkTx(ctx, txid)
		if err != nil {
			return nil, err
		}
		reports = append(reports, *report)
	}

	return reports, nil
}

// checkTx produces the depth report of a single transaction.
func (w *Watcher) checkTx(ctx context.Context,
	txid chainhash.Hash) (*Report, error) {

	confs, ok, err := w.chain.GetConfirmations(ctx, txid)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	last := w.lastConfirmed[txid]
	if ok && confs > last {
		w.lastConfirmed[txid] = confs
	}
	w.mu.Unlock()

	switch {
	case !ok && last > 0:
		log.Warnf("Tx %v dropped out of chain and mempool after "+
			"%d confirmations", txid, last)

		return &Report{Txid: txid, Kind: ReorgedOut}, nil

	case !ok:
		return &Report{Txid: txid, Kind: NotSeen}, nil

	case confs == 0 && last > 0:
		log.Warnf("Tx %v fell back to the mempool after %d "+
			"confirmations", txid, last)

		return &Report{Txid: txid, Kind: ReorgedOut}, nil

	case confs == 0:
		return &Report{Txid: txid, Kind: Mempool}, nil

	default:
		return &Report{
			Txid:          txid,
			Kind:          Confirmed,
			Confirmations: confs,
		}, nil
	}
}
