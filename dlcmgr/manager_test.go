package dlcmgr

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/dlcsuite/dlcd/digittrie"
	"github.com/dlcsuite/dlcd/dlc"
	"github.com/dlcsuite/dlcd/dlcmsg"
	"github.com/dlcsuite/dlcd/internal/test"
	"github.com/dlcsuite/dlcd/payout"
	"github.com/stretchr/testify/require"
)

// testParty is one side of a contract under test.
type testParty struct {
	wallet    *test.Wallet
	store     *test.Store
	transport *test.Transport
	mgr       *Manager
	pub       *btcec.PublicKey
}

// newTestParty assembles a manager over the shared chain and oracle.
func newTestParty(t *testing.T, seed byte, chain *test.Chain,
	oracleClient Oracle) *testParty {

	t.Helper()

	var idBytes [32]byte
	idBytes[0] = seed
	idBytes[31] = 0x7f
	_, pub := btcec.PrivKeyFromBytes(idBytes[:])

	party := &testParty{
		wallet:    test.NewWallet(seed),
		store:     test.NewStore(),
		transport: &test.Transport{},
		pub:       pub,
	}

	mgr, err := NewManager(&Config{
		Wallet:     party.wallet,
		Blockchain: chain,
		Store:      party.store,
		Oracle:     oracleClient,
		Transport:  party.transport,
	})
	require.NoError(t, err)
	party.mgr = mgr

	return party
}

// silentOracle hides attestations, simulating a party that never hears
// from the oracle.
type silentOracle struct {
	Oracle
}

func (s *silentOracle) GetAttestation(_ context.Context,
	id string) (*dlc.Attestation, error) {

	return nil, dlc.Errorf(dlc.KindNotFound, "no attestation %q", id)
}

// enumInput is the §8 scenario 1 contract: 50k vs 50k over three
// outcomes.
func enumInput(announcementID string) *dlc.ContractInput {
	return &dlc.ContractInput{
		OfferCollateral:  50_000,
		AcceptCollateral: 50_000,
		FeeRate:          2,
		CetLockTime:      100,
		RefundLockTime:   1000,
		Descriptor: dlc.Descriptor{
			Enum: &payout.Enumeration{
				Payouts: []payout.EnumerationPayout{
					{Outcome: "A", Offer: 100_000},
					{Outcome: "B", Accept: 100_000},
					{
						Outcome: "C", Offer: 50_000,
						Accept: 50_000,
					},
				},
			},
		},
		Oracles: dlc.OracleSelection{
			AnnouncementIDs: []string{announcementID},
			Threshold:       1,
		},
	}
}

// exchange drives a full offer/accept/sign handshake between the two
// parties and returns the final contract id.
func exchange(t *testing.T, offerer, acceptor *testParty,
	input *dlc.ContractInput) dlc.ContractID {

	t.Helper()
	ctx := context.Background()

	offerMsg, tempID, err := offerer.mgr.SendOffer(
		ctx, input, acceptor.pub,
	)
	require.NoError(t, err)

	_, err = acceptor.mgr.OnMessage(ctx, offerMsg, offerer.pub)
	require.NoError(t, err)

	acceptMsg, err := acceptor.mgr.AcceptOffer(ctx, tempID)
	require.NoError(t, err)

	reply, err := offerer.mgr.OnMessage(ctx, acceptMsg, acceptor.pub)
	require.NoError(t, err)

	signMsg, ok := reply.(*dlcmsg.Sign)
	require.True(t, ok)

	_, err = acceptor.mgr.OnMessage(ctx, signMsg, offerer.pub)
	require.NoError(t, err)

	return signMsg.ContractID
}

// confirmFunding buries the funding transaction and runs both parties'
// checks until Confirmed.
func confirmFunding(t *testing.T, chain *test.Chain, parties []*testParty,
	id dlc.ContractID, depth int32) {

	t.Helper()
	ctx := context.Background()

	contract, err := parties[0].store.GetContract(ctx, id)
	require.NoError(t, err)
	chain.Confirm(contract.FundingTx, depth)

	for _, p := range parties {
		require.Empty(t, p.mgr.PeriodicCheck(ctx, false))

		got, err := p.store.GetContract(ctx, id)
		require.NoError(t, err)
		require.Equal(t, dlc.StateConfirmed, got.State)
	}
}

// TestEnumerationHappyPath is the full §8 scenario 1: offer, accept,
// sign, confirm, attest "B", close.
func TestEnumerationHappyPath(t *testing.T) {
	t.Parallel()

	chain := test.NewChain(50)
	oracle := test.NewOracle()
	oracle.AnnounceEnum("evt-1", []string{"A", "B", "C"})

	alice := newTestParty(t, 0x10, chain, oracle)
	bob := newTestParty(t, 0x40, chain, oracle)

	ctx := context.Background()

	id := exchange(t, alice, bob, enumInput("evt-1"))

	// Both sides hold a Signed contract with identical funding txids.
	aliceContract, err := alice.store.GetContract(ctx, id)
	require.NoError(t, err)
	bobContract, err := bob.store.GetContract(ctx, id)
	require.NoError(t, err)
	require.Equal(t, dlc.StateSigned, aliceContract.State)
	require.Equal(t, dlc.StateSigned, bobContract.State)
	require.Equal(
		t, aliceContract.FundingTx.TxHash(),
		bobContract.FundingTx.TxHash(),
	)

	// The accept party broadcast the funding.
	fundTxid := bobContract.FundingTx.TxHash()
	require.GreaterOrEqual(t, chain.NumBroadcasts(fundTxid), 1)

	confirmFunding(t, chain, []*testParty{alice, bob}, id, 6)

	// The oracle attests "B": bob executes the matching CET.
	oracle.AttestEnum("evt-1", "B")
	require.Empty(t, bob.mgr.PeriodicCheck(ctx, false))

	bobContract, err = bob.store.GetContract(ctx, id)
	require.NoError(t, err)
	require.Equal(t, dlc.StatePreClosed, bobContract.State)
	require.Equal(t, "B", bobContract.OutcomeLabel)

	// The offer payout is zero and below dust, so the CET carries a
	// single output paying the accept party the full collateral.
	cet := bobContract.BroadcastCET
	require.Len(t, cet.TxOut, 1)
	require.Equal(t, int64(100_000), cet.TxOut[0].Value)
	require.Equal(
		t, bobContract.AcceptParams.PayoutScript,
		cet.TxOut[0].PkScript,
	)

	// Realised profit: bob paid 50k collateral and receives 100k.
	require.Equal(t, int64(50_000), bobContract.PnL)

	// Re-running the check against the unchanged chain is idempotent.
	cetTxid := cet.TxHash()
	broadcastsBefore := chain.NumBroadcasts(cetTxid)
	require.Empty(t, bob.mgr.PeriodicCheck(ctx, false))
	again, err := bob.store.GetContract(ctx, id)
	require.NoError(t, err)
	require.Equal(t, dlc.StatePreClosed, again.State)

	// Bury the CET: the contract closes.
	chain.Confirm(cet, 6)
	require.Empty(t, bob.mgr.PeriodicCheck(ctx, false))

	closed, err := bob.store.GetContract(ctx, id)
	require.NoError(t, err)
	require.Equal(t, dlc.StateClosed, closed.State)
	require.Equal(t, broadcastsBefore, chain.NumBroadcasts(cetTxid))
}

// TestNumericCallOption is §8 scenario 2: a call option over 2^20
// outcomes, attested at 75000.
func TestNumericCallOption(t *testing.T) {
	t.Parallel()

	const (
		nbDigits = uint16(20)
		strike   = uint64(50_000)
		total    = btcutil.Amount(1_000_000)
	)

	chain := test.NewChain(50)
	oracle := test.NewOracle()
	oracle.AnnounceNumeric("btc-price", 2, nbDigits)

	alice := newTestParty(t, 0x10, chain, oracle)
	bob := newTestParty(t, 0x40, chain, oracle)

	ctx := context.Background()

	// 20 sats per point above the strike, rounded to 50k buckets to
	// bound the signature count.
	fun, err := payout.BuildCallOption(
		total, strike, 20, 1<<nbDigits, payout.Long,
	)
	require.NoError(t, err)

	rounding := payout.RoundingIntervals{
		Intervals: []payout.RoundingInterval{
			{BeginInterval: 0, RoundingMod: 50_000},
		},
	}

	input := &dlc.ContractInput{
		OfferCollateral:  500_000,
		AcceptCollateral: 500_000,
		FeeRate:          2,
		CetLockTime:      100,
		RefundLockTime:   1000,
		Descriptor: dlc.Descriptor{
			Numeric: &dlc.NumericDescriptor{
				Function: *fun,
				Rounding: rounding,
				Base:     2,
				NbDigits: nbDigits,
			},
		},
		Oracles: dlc.OracleSelection{
			AnnouncementIDs: []string{"btc-price"},
			Threshold:       1,
		},
	}

	// Every constant-payout range is covered by at most 2*d-1 digit
	// prefixes.
	ranges, err := fun.ToRangePayouts(
		1<<nbDigits, &rounding, total,
	)
	require.NoError(t, err)
	for _, r := range ranges {
		groups, err := groupCount(r.Start, r.End()-1, nbDigits)
		require.NoError(t, err)
		require.LessOrEqual(t, groups, int(2*nbDigits-1))
	}

	id := exchange(t, alice, bob, input)
	confirmFunding(t, chain, []*testParty{alice, bob}, id, 6)

	// Attest 75000: the offer party is 25000 points in the money at 20
	// sats each.
	oracle.AttestNumeric("btc-price", 75_000)
	require.Empty(t, alice.mgr.PeriodicCheck(ctx, false))

	contract, err := alice.store.GetContract(ctx, id)
	require.NoError(t, err)
	require.Equal(t, dlc.StatePreClosed, contract.State)
	require.Equal(t, "75000", contract.OutcomeLabel)

	// (75000-50000)*20 = 500000, already a multiple of the rounding
	// bucket.
	cet := contract.BroadcastCET
	offerScript := contract.OfferParams.PayoutScript

	var offerPayout int64
	for _, out := range cet.TxOut {
		if string(out.PkScript) == string(offerScript) {
			offerPayout = out.Value
		}
	}
	require.Equal(t, int64(500_000), offerPayout)
	require.Equal(t, int64(0), contract.PnL)
}

// groupCount exposes the digit cover size for the leaf bound check.
func groupCount(start, end uint64, nbDigits uint16) (int, error) {
	groups, err := digittrie.Group(start, end, 2, nbDigits)
	if err != nil {
		return 0, err
	}

	return len(groups), nil
}

// TestCounterpartyFrontRuns is §8 scenario 3: the peer broadcasts a CET,
// we learn the outcome from the witness without contacting the oracle.
func TestCounterpartyFrontRuns(t *testing.T) {
	t.Parallel()

	chain := test.NewChain(50)
	oracle := test.NewOracle()
	oracle.AnnounceEnum("evt-1", []string{"A", "B", "C"})

	// Alice never hears from the oracle directly.
	alice := newTestParty(t, 0x10, chain, &silentOracle{Oracle: oracle})
	bob := newTestParty(t, 0x40, chain, oracle)

	ctx := context.Background()

	id := exchange(t, alice, bob, enumInput("evt-1"))
	confirmFunding(t, chain, []*testParty{alice, bob}, id, 6)

	// Bob learns the outcome and broadcasts his CET.
	oracle.AttestEnum("evt-1", "C")
	require.Empty(t, bob.mgr.PeriodicCheck(ctx, false))

	bobContract, err := bob.store.GetContract(ctx, id)
	require.NoError(t, err)
	require.Equal(t, dlc.StatePreClosed, bobContract.State)

	// The CET lands on chain, spending the funding output.
	chain.Confirm(bobContract.BroadcastCET, 1)

	// Alice's check detects the spend and extracts the attestation from
	// the witness.
	require.Empty(t, alice.mgr.PeriodicCheck(ctx, false))

	aliceContract, err := alice.store.GetContract(ctx, id)
	require.NoError(t, err)
	require.Equal(t, dlc.StatePreClosed, aliceContract.State)
	require.Equal(t, "C", aliceContract.OutcomeLabel)
	require.Equal(
		t, bobContract.BroadcastCET.TxHash(),
		aliceContract.BroadcastCET.TxHash(),
	)

	// The 50/50 outcome leaves alice flat.
	require.Equal(t, int64(0), aliceContract.PnL)
}

// TestRefundPath is §8 scenario 4: the oracle never attests and both
// parties fall through to the refund at the locktime.
func TestRefundPath(t *testing.T) {
	t.Parallel()

	chain := test.NewChain(50)
	oracle := test.NewOracle()
	oracle.AnnounceEnum("evt-1", []string{"A", "B", "C"})

	alice := newTestParty(t, 0x10, chain, &silentOracle{Oracle: oracle})
	bob := newTestParty(t, 0x40, chain, &silentOracle{Oracle: oracle})

	ctx := context.Background()

	id := exchange(t, alice, bob, enumInput("evt-1"))
	confirmFunding(t, chain, []*testParty{alice, bob}, id, 6)

	// Nothing happens before the locktime.
	require.Empty(t, alice.mgr.PeriodicCheck(ctx, false))
	contract, err := alice.store.GetContract(ctx, id)
	require.NoError(t, err)
	require.Equal(t, dlc.StateConfirmed, contract.State)

	// At the refund locktime alice broadcasts the refund.
	chain.SetHeight(1000)
	require.Empty(t, alice.mgr.PeriodicCheck(ctx, false))

	contract, err = alice.store.GetContract(ctx, id)
	require.NoError(t, err)
	require.Equal(t, dlc.StateRefunded, contract.State)
	require.Equal(t, int64(0), contract.PnL)

	// Each party gets its collateral back.
	refund := contract.RefundTx
	require.Len(t, refund.TxOut, 2)
	values := []int64{refund.TxOut[0].Value, refund.TxOut[1].Value}
	require.ElementsMatch(t, []int64{50_000, 50_000}, values)

	// Bob sees the refund spend the funding output and follows.
	chain.Confirm(refund, 1)
	require.Empty(t, bob.mgr.PeriodicCheck(ctx, false))

	bobContract, err := bob.store.GetContract(ctx, id)
	require.NoError(t, err)
	require.Equal(t, dlc.StateRefunded, bobContract.State)
}

// TestFundingReorg is §8 scenario 5: a reorg removes the funding
// confirmation, the contract rolls back to Signed and recovers.
func TestFundingReorg(t *testing.T) {
	t.Parallel()

	chain := test.NewChain(50)
	oracle := test.NewOracle()
	oracle.AnnounceEnum("evt-1", []string{"A", "B", "C"})

	alice := newTestParty(t, 0x10, chain, &silentOracle{Oracle: oracle})
	bob := newTestParty(t, 0x40, chain, &silentOracle{Oracle: oracle})

	ctx := context.Background()

	id := exchange(t, alice, bob, enumInput("evt-1"))
	confirmFunding(t, chain, []*testParty{alice, bob}, id, 6)

	contract, err := alice.store.GetContract(ctx, id)
	require.NoError(t, err)
	fundingTx := contract.FundingTx

	// The funding block is reorged out entirely.
	chain.Reorg(fundingTx)
	require.Empty(t, alice.mgr.PeriodicCheck(ctx, false))

	contract, err = alice.store.GetContract(ctx, id)
	require.NoError(t, err)
	require.Equal(t, dlc.StateSigned, contract.State)

	// Re-confirmation moves it forward again, with no CET or refund
	// broadcast in between.
	chain.Confirm(fundingTx, 6)
	require.Empty(t, alice.mgr.PeriodicCheck(ctx, false))

	contract, err = alice.store.GetContract(ctx, id)
	require.NoError(t, err)
	require.Equal(t, dlc.StateConfirmed, contract.State)
	require.Nil(t, contract.BroadcastCET)
	require.Equal(
		t, 0, chain.NumBroadcasts(contract.RefundTx.TxHash()),
	)
}

// TestMultiOracleBoundedDiff is §8 scenario 6: three oracles, threshold
// two, allowed difference two.
func TestMultiOracleBoundedDiff(t *testing.T) {
	t.Parallel()

	const nbDigits = uint16(8)

	run := func(t *testing.T, values [3]uint64, wantMatch bool) {
		chain := test.NewChain(50)

		oracles := []*test.Oracle{
			test.NewOracle(), test.NewOracle(), test.NewOracle(),
		}
		ids := []string{"evt-1", "evt-2", "evt-3"}
		for i, o := range oracles {
			o.AnnounceNumeric(ids[i], 2, nbDigits)
		}
		multi := &test.MultiOracle{Oracles: oracles}

		alice := newTestParty(t, 0x10, chain, multi)
		bob := newTestParty(t, 0x40, chain, multi)

		ctx := context.Background()

		input := &dlc.ContractInput{
			OfferCollateral:  50_000,
			AcceptCollateral: 50_000,
			FeeRate:          2,
			CetLockTime:      100,
			RefundLockTime:   1000,
			Descriptor: dlc.Descriptor{
				Numeric: &dlc.NumericDescriptor{
					Function: payout.Function{
						Pieces: []payout.Piece{{
							LeftX: 0, LeftY: 0,
							RightX: 128, RightY: 0,
						}, {
							LeftX: 128,
							LeftY: 100_000,
							RightX: 256,
							RightY: 100_000,
						}},
					},
					Rounding: *payout.DefaultRounding(),
					Base:     2,
					NbDigits: nbDigits,
				},
			},
			Oracles: dlc.OracleSelection{
				AnnouncementIDs: ids,
				Threshold:       2,
				AllowedDiff:     2,
			},
		}

		id := exchange(t, alice, bob, input)
		confirmFunding(
			t, chain, []*testParty{alice, bob}, id, 6,
		)

		for i, o := range oracles {
			o.AttestNumeric(ids[i], values[i])
		}

		require.Empty(t, alice.mgr.PeriodicCheck(ctx, false))

		contract, err := alice.store.GetContract(ctx, id)
		require.NoError(t, err)

		if wantMatch {
			require.Equal(
				t, dlc.StatePreClosed, contract.State,
			)
			require.Equal(t, "100", contract.OutcomeLabel)

			return
		}

		// No agreeing pair: the contract stays open and falls
		// through to the refund at the locktime.
		require.Equal(t, dlc.StateConfirmed, contract.State)

		chain.SetHeight(1000)
		require.Empty(t, alice.mgr.PeriodicCheck(ctx, false))

		contract, err = alice.store.GetContract(ctx, id)
		require.NoError(t, err)
		require.Equal(t, dlc.StateRefunded, contract.State)
	}

	t.Run("oracles agree within diff", func(t *testing.T) {
		t.Parallel()
		run(t, [3]uint64{100, 101, 200}, true)
	})

	t.Run("no pair within diff", func(t *testing.T) {
		t.Parallel()
		run(t, [3]uint64{100, 105, 200}, false)
	})
}

// TestRejectOffer checks offer rejection releases the reservation and
// deletes the contract.
func TestRejectOffer(t *testing.T) {
	t.Parallel()

	chain := test.NewChain(50)
	oracle := test.NewOracle()
	oracle.AnnounceEnum("evt-1", []string{"A", "B", "C"})

	alice := newTestParty(t, 0x10, chain, oracle)
	bob := newTestParty(t, 0x40, chain, oracle)

	ctx := context.Background()

	offerMsg, tempID, err := alice.mgr.SendOffer(
		ctx, enumInput("evt-1"), bob.pub,
	)
	require.NoError(t, err)

	_, err = bob.mgr.OnMessage(ctx, offerMsg, alice.pub)
	require.NoError(t, err)

	// Bob declines.
	require.NoError(t, bob.mgr.RejectOffer(ctx, tempID))
	_, err = bob.store.GetContract(ctx, tempID)
	require.Equal(t, dlc.KindNotFound, dlc.KindOf(err))

	// Alice processes the rejection and releases her inputs.
	reject := bob.transport.Pop()
	require.NotNil(t, reject)

	_, err = alice.mgr.OnMessage(
		ctx, reject.Msg.(*dlcmsg.Reject), bob.pub,
	)
	require.NoError(t, err)

	contract, err := alice.store.GetContract(ctx, tempID)
	require.NoError(t, err)
	require.Equal(t, dlc.StateRejected, contract.State)
	require.Equal(t, 1, alice.wallet.NumReleased())
}

// TestInvalidAdaptorSigsFailAccept checks that a tampered accept parks
// the contract in FailedAccept and frees the reservation.
func TestInvalidAdaptorSigsFailAccept(t *testing.T) {
	t.Parallel()

	chain := test.NewChain(50)
	oracle := test.NewOracle()
	oracle.AnnounceEnum("evt-1", []string{"A", "B", "C"})

	alice := newTestParty(t, 0x10, chain, oracle)
	bob := newTestParty(t, 0x40, chain, oracle)

	ctx := context.Background()

	offerMsg, tempID, err := alice.mgr.SendOffer(
		ctx, enumInput("evt-1"), bob.pub,
	)
	require.NoError(t, err)

	_, err = bob.mgr.OnMessage(ctx, offerMsg, alice.pub)
	require.NoError(t, err)

	acceptMsg, err := bob.mgr.AcceptOffer(ctx, tempID)
	require.NoError(t, err)

	// Swap two adaptor signatures: every slot signs a different CET, so
	// verification must fail.
	acceptMsg.CetAdaptorSigs[0], acceptMsg.CetAdaptorSigs[1] =
		acceptMsg.CetAdaptorSigs[1], acceptMsg.CetAdaptorSigs[0]

	_, err = alice.mgr.OnMessage(ctx, acceptMsg, bob.pub)
	require.Error(t, err)
	require.Equal(
		t, dlc.KindInvalidAdaptorSignature, dlc.KindOf(err),
	)

	contract, err := alice.store.GetContract(ctx, tempID)
	require.NoError(t, err)
	require.Equal(t, dlc.StateFailedAccept, contract.State)
	require.Equal(
		t, dlc.KindInvalidAdaptorSignature, contract.FailureKind,
	)
	require.Equal(t, 1, alice.wallet.NumReleased())
}
