package dlcd

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/dlcsuite/dlcd/dlc"
	"github.com/dlcsuite/dlcd/dlccfg"
	"github.com/dlcsuite/dlcd/internal/test"
	"github.com/dlcsuite/dlcd/payout"
	"github.com/stretchr/testify/require"
)

// loopbackNetwork routes raw payloads between in-process endpoints.
type loopbackNetwork struct {
	mu       sync.Mutex
	handlers map[string]func(from *btcec.PublicKey, payload []byte)
}

func newLoopbackNetwork() *loopbackNetwork {
	return &loopbackNetwork{
		handlers: make(
			map[string]func(*btcec.PublicKey, []byte),
		),
	}
}

// endpoint is one peer's view of the network.
type endpoint struct {
	net  *loopbackNetwork
	self *btcec.PublicKey
}

func (n *loopbackNetwork) endpoint(self *btcec.PublicKey) *endpoint {
	return &endpoint{net: n, self: self}
}

// SendRaw delivers the payload synchronously to the peer's handler.
func (e *endpoint) SendRaw(_ context.Context, peer *btcec.PublicKey,
	payload []byte) error {

	e.net.mu.Lock()
	handler := e.net.handlers[string(peer.SerializeCompressed())]
	e.net.mu.Unlock()

	if handler != nil {
		handler(e.self, payload)
	}

	return nil
}

// Subscribe registers the endpoint's inbound handler.
func (e *endpoint) Subscribe(
	handler func(from *btcec.PublicKey, payload []byte)) {

	e.net.mu.Lock()
	defer e.net.mu.Unlock()

	e.net.handlers[string(e.self.SerializeCompressed())] = handler
}

// newTestServer assembles a full server over the shared chain, network
// and oracle.
func newTestServer(t *testing.T, seed byte, chain *test.Chain,
	network *loopbackNetwork,
	oracleClient *test.Oracle) (*Server, *btcec.PublicKey) {

	t.Helper()

	var idBytes [32]byte
	idBytes[0] = seed
	idBytes[31] = 0x55
	_, pub := btcec.PrivKeyFromBytes(idBytes[:])

	cfg := dlccfg.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Network = "regtest"
	cfg.CheckInterval = time.Hour

	// A tiny fragment size forces the offer through the segmentation
	// path.
	cfg.FragmentSizeBytes = 256

	srv, err := NewServer(&ServerConfig{
		Cfg:        &cfg,
		Wallet:     test.NewWallet(seed),
		Blockchain: chain,
		Transport:  network.endpoint(pub),
		Oracle:     oracleClient,
	})
	require.NoError(t, err)

	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		require.NoError(t, srv.Stop())
	})

	return srv, pub
}

// TestServerEndToEnd runs a full enumeration contract through two
// servers talking encoded wire messages over a loopback transport,
// including fragmentation of the oversized offer.
func TestServerEndToEnd(t *testing.T) {
	chain := test.NewChain(50)
	oracle := test.NewOracle()
	oracle.AnnounceEnum("evt-1", []string{"win", "lose"})

	network := newLoopbackNetwork()

	aliceSrv, _ := newTestServer(t, 0x11, chain, network, oracle)
	bobSrv, bobPub := newTestServer(t, 0x44, chain, network, oracle)

	ctx := context.Background()

	input := &dlc.ContractInput{
		OfferCollateral:  50_000,
		AcceptCollateral: 50_000,
		FeeRate:          2,
		CetLockTime:      100,
		RefundLockTime:   1000,
		Descriptor: dlc.Descriptor{
			Enum: &payout.Enumeration{
				Payouts: []payout.EnumerationPayout{
					{Outcome: "win", Offer: 100_000},
					{Outcome: "lose", Accept: 100_000},
				},
			},
		},
		Oracles: dlc.OracleSelection{
			AnnouncementIDs: []string{"evt-1"},
			Threshold:       1,
		},
	}

	// The offer travels through the loopback network in fragments and
	// lands in bob's store.
	_, tempID, err := aliceSrv.Manager().SendOffer(ctx, input, bobPub)
	require.NoError(t, err)

	// Bob accepts; the accept and the resulting sign message flow back
	// and forth through the transport automatically.
	_, err = bobSrv.Manager().AcceptOffer(ctx, tempID)
	require.NoError(t, err)

	// Both sides hold a fully signed contract in their databases.
	signedAlice, err := aliceSrv.db.ListByState(ctx, dlc.StateSigned)
	require.NoError(t, err)
	require.Len(t, signedAlice, 1)

	signedBob, err := bobSrv.db.ListByState(ctx, dlc.StateSigned)
	require.NoError(t, err)
	require.Len(t, signedBob, 1)
	require.Equal(t, signedAlice[0].ID, signedBob[0].ID)

	id := signedAlice[0].ID

	// Confirm the funding, attest, and drive both servers to a close.
	chain.Confirm(signedBob[0].FundingTx, 6)
	require.Empty(t, aliceSrv.Manager().PeriodicCheck(ctx, false))
	require.Empty(t, bobSrv.Manager().PeriodicCheck(ctx, false))

	oracle.AttestEnum("evt-1", "win")
	require.Empty(t, aliceSrv.Manager().PeriodicCheck(ctx, false))

	contract, err := aliceSrv.db.GetContract(ctx, id)
	require.NoError(t, err)
	require.Equal(t, dlc.StatePreClosed, contract.State)
	require.Equal(t, "win", contract.OutcomeLabel)
	require.Equal(t, int64(50_000), contract.PnL)
}
