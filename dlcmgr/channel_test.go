package dlcmgr

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/dlcsuite/dlcd/dlc"
	"github.com/dlcsuite/dlcd/dlcmsg"
	"github.com/dlcsuite/dlcd/internal/test"
	"github.com/stretchr/testify/require"
)

// openChannel drives the full channel handshake and establishes the
// channel on chain, returning its id.
func openChannel(t *testing.T, chain *test.Chain, alice,
	bob *testParty) dlc.ChannelID {

	t.Helper()
	ctx := context.Background()

	offerMsg, provisionalID, err := alice.mgr.OfferChannel(
		ctx, enumInput("evt-1"), bob.pub,
	)
	require.NoError(t, err)

	_, err = bob.mgr.OnMessage(ctx, offerMsg, alice.pub)
	require.NoError(t, err)

	acceptMsg, err := bob.mgr.AcceptChannelOffer(ctx, provisionalID)
	require.NoError(t, err)

	reply, err := alice.mgr.OnMessage(ctx, acceptMsg, bob.pub)
	require.NoError(t, err)

	signMsg, ok := reply.(*dlcmsg.SignChannel)
	require.True(t, ok)

	_, err = bob.mgr.OnMessage(ctx, signMsg, alice.pub)
	require.NoError(t, err)

	chanID := signMsg.ChannelID

	// Both sides agree on the channel id and hold the same buffer.
	aliceChan, err := alice.store.GetChannel(ctx, chanID)
	require.NoError(t, err)
	bobChan, err := bob.store.GetChannel(ctx, chanID)
	require.NoError(t, err)
	require.Equal(t, dlc.ChanSigned, aliceChan.State)
	require.Equal(t, dlc.ChanSigned, bobChan.State)
	require.Equal(
		t, aliceChan.BufferTx.TxHash(), bobChan.BufferTx.TxHash(),
	)

	// Funding confirms: the channel is established.
	contract, err := bob.store.GetContract(ctx, bobChan.ContractID)
	require.NoError(t, err)
	chain.Confirm(contract.FundingTx, 6)

	for _, p := range []*testParty{alice, bob} {
		require.Empty(t, p.mgr.PeriodicCheck(ctx, false))

		ch, err := p.store.GetChannel(ctx, chanID)
		require.NoError(t, err)
		require.Equal(t, dlc.ChanEstablished, ch.State)
	}

	return chanID
}

// settleChannel drives the settle handshake from alice's side.
func settleChannel(t *testing.T, alice, bob *testParty,
	chanID dlc.ChannelID, counterPayout int64) {

	t.Helper()
	ctx := context.Background()

	settleOffer, err := alice.mgr.SettleChannel(
		ctx, chanID, btcutil.Amount(counterPayout),
	)
	require.NoError(t, err)

	_, err = bob.mgr.OnMessage(ctx, settleOffer, alice.pub)
	require.NoError(t, err)

	settleAccept, err := bob.mgr.AcceptSettleOffer(ctx, chanID)
	require.NoError(t, err)

	reply, err := alice.mgr.OnMessage(ctx, settleAccept, bob.pub)
	require.NoError(t, err)
	settleConfirm, ok := reply.(*dlcmsg.SettleConfirm)
	require.True(t, ok)

	reply, err = bob.mgr.OnMessage(ctx, settleConfirm, alice.pub)
	require.NoError(t, err)
	settleFinalize, ok := reply.(*dlcmsg.SettleFinalize)
	require.True(t, ok)

	_, err = alice.mgr.OnMessage(ctx, settleFinalize, bob.pub)
	require.NoError(t, err)
}

func TestChannelSettleAndRenew(t *testing.T) {
	t.Parallel()

	chain := test.NewChain(50)
	oracle := test.NewOracle()
	oracle.AnnounceEnum("evt-1", []string{"A", "B", "C"})
	oracle.AnnounceEnum("evt-2", []string{"A", "B", "C"})

	alice := newTestParty(t, 0x10, chain, oracle)
	bob := newTestParty(t, 0x40, chain, oracle)

	ctx := context.Background()

	chanID := openChannel(t, chain, alice, bob)

	// Settle the initial contract: bob is paid 30k of the 100k
	// collateral.
	settleChannel(t, alice, bob, chanID, 30_000)

	for _, p := range []*testParty{alice, bob} {
		ch, err := p.store.GetChannel(ctx, chanID)
		require.NoError(t, err)
		require.Equal(t, dlc.ChanSettled, ch.State)
		require.Equal(t, uint64(1), ch.UpdateIdx)
		require.NotNil(t, ch.SettleTx)
		require.Len(t, ch.CounterRevocations, 1)
		require.Len(t, ch.OwnRevocations, 1)

		// The settle transaction pays 70/30 from the buffer.
		values := []int64{
			ch.SettleTx.TxOut[0].Value,
			ch.SettleTx.TxOut[1].Value,
		}
		require.ElementsMatch(t, []int64{70_000, 30_000}, values)
	}

	// Renew into a fresh contract over the second event.
	renewOffer, err := alice.mgr.RenewChannel(
		ctx, chanID, enumInput("evt-2"),
	)
	require.NoError(t, err)

	_, err = bob.mgr.OnMessage(ctx, renewOffer, alice.pub)
	require.NoError(t, err)

	renewAccept, err := bob.mgr.AcceptRenewOffer(ctx, chanID)
	require.NoError(t, err)

	reply, err := alice.mgr.OnMessage(ctx, renewAccept, bob.pub)
	require.NoError(t, err)
	renewConfirm, ok := reply.(*dlcmsg.RenewConfirm)
	require.True(t, ok)

	reply, err = bob.mgr.OnMessage(ctx, renewConfirm, alice.pub)
	require.NoError(t, err)
	renewFinalize, ok := reply.(*dlcmsg.RenewFinalize)
	require.True(t, ok)

	reply, err = alice.mgr.OnMessage(ctx, renewFinalize, bob.pub)
	require.NoError(t, err)
	renewRevoke, ok := reply.(*dlcmsg.RenewRevoke)
	require.True(t, ok)

	_, err = bob.mgr.OnMessage(ctx, renewRevoke, alice.pub)
	require.NoError(t, err)

	for _, p := range []*testParty{alice, bob} {
		ch, err := p.store.GetChannel(ctx, chanID)
		require.NoError(t, err)
		require.Equal(t, dlc.ChanEstablished, ch.State)
		require.Equal(t, uint64(2), ch.UpdateIdx)
		require.False(t, ch.ContractID.IsZero())
		require.Len(t, ch.CounterRevocations, 2)

		// The renewed sub-contract is fully signed on both sides.
		contract, err := p.store.GetContract(ctx, ch.ContractID)
		require.NoError(t, err)
		require.Equal(t, dlc.StateSigned, contract.State)
		require.NotEmpty(t, contract.CounterAdaptorSigs)
	}

	// Both sides agree on the renewed contract id.
	aliceChan, err := alice.store.GetChannel(ctx, chanID)
	require.NoError(t, err)
	bobChan, err := bob.store.GetChannel(ctx, chanID)
	require.NoError(t, err)
	require.Equal(t, aliceChan.ContractID, bobChan.ContractID)
}

func TestChannelCollaborativeClose(t *testing.T) {
	t.Parallel()

	chain := test.NewChain(50)
	oracle := test.NewOracle()
	oracle.AnnounceEnum("evt-1", []string{"A", "B", "C"})

	alice := newTestParty(t, 0x10, chain, oracle)
	bob := newTestParty(t, 0x40, chain, oracle)

	ctx := context.Background()

	chanID := openChannel(t, chain, alice, bob)

	closeOffer, err := alice.mgr.CollaborativeClose(
		ctx, chanID, 45_000,
	)
	require.NoError(t, err)

	aliceChan, err := alice.store.GetChannel(ctx, chanID)
	require.NoError(t, err)
	require.Equal(t, dlc.ChanClosing, aliceChan.State)

	_, err = bob.mgr.OnMessage(ctx, closeOffer, alice.pub)
	require.NoError(t, err)

	bobChan, err := bob.store.GetChannel(ctx, chanID)
	require.NoError(t, err)
	require.Equal(t, dlc.ChanCollaborativelyClosed, bobChan.State)
}

func TestChannelRevokedStateDetection(t *testing.T) {
	t.Parallel()

	chain := test.NewChain(50)
	oracle := test.NewOracle()
	oracle.AnnounceEnum("evt-1", []string{"A", "B", "C"})

	alice := newTestParty(t, 0x10, chain, oracle)
	bob := newTestParty(t, 0x40, chain, oracle)

	ctx := context.Background()

	chanID := openChannel(t, chain, alice, bob)

	// Remember the original buffer, then settle to supersede it.
	bobChan, err := bob.store.GetChannel(ctx, chanID)
	require.NoError(t, err)
	oldBuffer := bobChan.BufferTx

	settleChannel(t, alice, bob, chanID, 30_000)

	// Bob broadcasts... a transaction that is NOT the current state:
	// alice holds his revocation secret and detects the punishment
	// case. The settle superseded the only contract, so any funding
	// spend that isn't the settle path is a revoked state.
	fakeOldState := oldBuffer.Copy()
	fakeOldState.LockTime++
	chain.Confirm(fakeOldState, 1)

	require.Empty(t, alice.mgr.PeriodicCheck(ctx, false))

	aliceChan, err := alice.store.GetChannel(ctx, chanID)
	require.NoError(t, err)
	require.Equal(t, dlc.ChanClosedPunished, aliceChan.State)
}
