package chainwatch

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// mockChain is a scriptable chain view.
type mockChain struct {
	height   int32
	confs    map[chainhash.Hash]int32
	spenders map[wire.OutPoint]*wire.MsgTx
}

func newMockChain() *mockChain {
	return &mockChain{
		height:   100,
		confs:    make(map[chainhash.Hash]int32),
		spenders: make(map[wire.OutPoint]*wire.MsgTx),
	}
}

func (m *mockChain) GetBestHeight(context.Context) (int32, error) {
	return m.height, nil
}

func (m *mockChain) GetConfirmations(_ context.Context,
	txid chainhash.Hash) (int32, bool, error) {

	confs, ok := m.confs[txid]
	return confs, ok, nil
}

func (m *mockChain) GetSpendingTx(_ context.Context,
	outpoint wire.OutPoint) (*wire.MsgTx, error) {

	return m.spenders[outpoint], nil
}

func TestWatcherLifecycle(t *testing.T) {
	t.Parallel()

	chain := newMockChain()
	watcher := NewWatcher(chain)

	fundTxid := chainhash.Hash{1}
	outpoint := wire.OutPoint{Hash: fundTxid, Index: 0}
	watcher.WatchFunding(outpoint, fundTxid)

	ctx := context.Background()

	// Unknown funding tx.
	reports, err := watcher.Check(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	require.Equal(t, NotSeen, reports[0].Kind)

	// Mempool.
	chain.confs[fundTxid] = 0
	reports, err = watcher.Check(ctx)
	require.NoError(t, err)
	require.Equal(t, Mempool, reports[0].Kind)

	// Confirmed at depth six.
	chain.confs[fundTxid] = 6
	reports, err = watcher.Check(ctx)
	require.NoError(t, err)
	require.Equal(t, Confirmed, reports[0].Kind)
	require.Equal(t, int32(6), reports[0].Confirmations)

	// Checking an unchanged chain yields the same report.
	again, err := watcher.Check(ctx)
	require.NoError(t, err)
	require.Equal(t, reports, again)

	// A spend shows up as an extra report.
	spendTx := wire.NewMsgTx(2)
	spendTx.AddTxIn(wire.NewTxIn(&outpoint, nil, nil))
	chain.spenders[outpoint] = spendTx

	reports, err = watcher.Check(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	require.Equal(t, SpentBy, reports[1].Kind)
	require.Equal(t, spendTx, reports[1].SpendTx)
}

func TestWatcherReorg(t *testing.T) {
	t.Parallel()

	chain := newMockChain()
	watcher := NewWatcher(chain)

	txid := chainhash.Hash{2}
	watcher.WatchTx(txid)

	ctx := context.Background()

	chain.confs[txid] = 6
	reports, err := watcher.Check(ctx)
	require.NoError(t, err)
	require.Equal(t, Confirmed, reports[0].Kind)

	// The tx drops out of the chain entirely: reorged out, not a fresh
	// not-seen.
	delete(chain.confs, txid)
	reports, err = watcher.Check(ctx)
	require.NoError(t, err)
	require.Equal(t, ReorgedOut, reports[0].Kind)

	// Back to the mempool still reads as reorged out.
	chain.confs[txid] = 0
	reports, err = watcher.Check(ctx)
	require.NoError(t, err)
	require.Equal(t, ReorgedOut, reports[0].Kind)

	// Re-confirmation reads as confirmed again.
	chain.confs[txid] = 1
	reports, err = watcher.Check(ctx)
	require.NoError(t, err)
	require.Equal(t, Confirmed, reports[0].Kind)
	require.Equal(t, int32(1), reports[0].Confirmations)

	// Unwatching clears the memory.
	watcher.UnwatchTx(txid)
	reports, err = watcher.Check(ctx)
	require.NoError(t, err)
	require.Empty(t, reports)
}
