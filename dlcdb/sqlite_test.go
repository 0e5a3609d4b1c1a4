package dlcdb

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/dlcsuite/dlcd/dlc"
	"github.com/dlcsuite/dlcd/payout"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SqliteStore {
	t.Helper()

	store, err := NewSqliteStore(
		filepath.Join(t.TempDir(), "dlcd.db"),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	return store
}

func testContract(t *testing.T, state dlc.State) *dlc.Contract {
	t.Helper()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	tempID, err := dlc.NewTemporaryContractID()
	require.NoError(t, err)

	return &dlc.Contract{
		TemporaryID:  tempID,
		CounterParty: priv.PubKey(),
		IsOfferParty: true,
		State:        state,
		Input: dlc.ContractInput{
			OfferCollateral:  50_000,
			AcceptCollateral: 50_000,
			FeeRate:          2,
			CetLockTime:      100,
			RefundLockTime:   200,
			Descriptor: dlc.Descriptor{
				Enum: &payout.Enumeration{
					Payouts: []payout.EnumerationPayout{
						{Outcome: "A", Offer: 100_000},
					},
				},
			},
			Oracles: dlc.OracleSelection{
				AnnouncementIDs: []string{"evt"},
				Threshold:       1,
			},
		},
		OfferParams: dlc.PartyParams{
			FundPubKey:   priv.PubKey(),
			PayoutScript: []byte{0x00, 0x14, 0x01},
			Collateral:   50_000,
		},
	}
}

func TestContractCRUD(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	contract := testContract(t, dlc.StateOffered)
	require.NoError(t, store.PutContract(ctx, contract))

	loaded, err := store.GetContract(ctx, contract.StorageID())
	require.NoError(t, err)
	require.Equal(t, contract.TemporaryID, loaded.TemporaryID)
	require.Equal(t, dlc.StateOffered, loaded.State)

	// State updates replace the row in place.
	contract.State = dlc.StateAccepted
	require.NoError(t, store.PutContract(ctx, contract))

	loaded, err = store.GetContract(ctx, contract.StorageID())
	require.NoError(t, err)
	require.Equal(t, dlc.StateAccepted, loaded.State)

	require.NoError(t, store.DeleteContract(ctx, contract.StorageID()))

	_, err = store.GetContract(ctx, contract.StorageID())
	require.Equal(t, dlc.KindNotFound, dlc.KindOf(err))
}

func TestListByState(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	offered := testContract(t, dlc.StateOffered)
	signedOne := testContract(t, dlc.StateSigned)
	signedTwo := testContract(t, dlc.StateSigned)

	for _, c := range []*dlc.Contract{offered, signedOne, signedTwo} {
		require.NoError(t, store.PutContract(ctx, c))
	}

	signed, err := store.ListByState(ctx, dlc.StateSigned)
	require.NoError(t, err)
	require.Len(t, signed, 2)

	confirmed, err := store.ListByState(ctx, dlc.StateConfirmed)
	require.NoError(t, err)
	require.Empty(t, confirmed)
}

func TestListByCounterparty(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	one := testContract(t, dlc.StateOffered)
	two := testContract(t, dlc.StateOffered)
	require.NoError(t, store.PutContract(ctx, one))
	require.NoError(t, store.PutContract(ctx, two))

	found, err := store.ListByCounterparty(ctx, one.CounterParty)
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, one.TemporaryID, found[0].TemporaryID)
}

func TestUpdateContractID(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	contract := testContract(t, dlc.StateAccepted)
	require.NoError(t, store.PutContract(ctx, contract))

	oldID := contract.StorageID()
	contract.ID = dlc.ContractID{0xaa, 0xbb}
	contract.State = dlc.StateSigned
	require.NoError(t, store.UpdateContractID(ctx, oldID, contract))

	// The old key is gone, the new one resolves.
	_, err := store.GetContract(ctx, oldID)
	require.Equal(t, dlc.KindNotFound, dlc.KindOf(err))

	loaded, err := store.GetContract(ctx, contract.ID)
	require.NoError(t, err)
	require.Equal(t, dlc.StateSigned, loaded.State)
}

func TestChannelCRUD(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	channel := &dlc.Channel{
		ID:           dlc.ChannelID{1, 2, 3},
		CounterParty: priv.PubKey(),
		IsOfferParty: true,
		State:        dlc.ChanEstablished,
		UpdateIdx:    3,
		OwnRevocations: []dlc.RevocationEntry{
			{UpdateIdx: 1, Secret: [32]byte{9}},
		},
	}
	require.NoError(t, store.PutChannel(ctx, channel))

	loaded, err := store.GetChannel(ctx, channel.ID)
	require.NoError(t, err)
	require.Equal(t, dlc.ChanEstablished, loaded.State)
	require.Equal(t, uint64(3), loaded.UpdateIdx)
	require.Len(t, loaded.OwnRevocations, 1)

	all, err := store.ListChannels(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)

	_, err = store.GetChannel(ctx, dlc.ChannelID{0xff})
	require.Equal(t, dlc.KindNotFound, dlc.KindOf(err))
}
