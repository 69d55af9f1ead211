package eventsourcing_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	es "github.com/openledger/eventsourcing"
	"github.com/openledger/eventsourcing/bankaccount"
	"github.com/openledger/eventsourcing/eventstore/memory"
	"github.com/openledger/eventsourcing/fixtures"
)

func newAccountRepository(store es.EventStore, options ...es.RepositoryOption) *es.Repository[*bankaccount.BankAccount] {
	return es.NewRepository(store, bankaccount.New, options...)
}

func TestGetByID_UnknownAggregate(t *testing.T) {
	store := memory.NewStore()
	defer store.Close()
	repo := newAccountRepository(store)

	_, err := repo.GetByID(context.Background(), "missing")
	var notFound *es.NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "aggregate", notFound.Kind)
}

func TestSaveAndReload(t *testing.T) {
	store := memory.NewStore()
	defer store.Close()
	repo := newAccountRepository(store)
	ctx := context.Background()

	acc := bankaccount.New("acc-1")
	require.NoError(t, acc.Open("Alice", decimal.NewFromInt(1000)))
	require.NoError(t, acc.Deposit(decimal.NewFromInt(500)))
	require.NoError(t, repo.Save(ctx, acc))

	assert.Empty(t, acc.UncommittedEvents())

	loaded, err := repo.GetByID(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, "Alice", loaded.Owner())
	assert.True(t, loaded.Balance().Equal(decimal.NewFromInt(1500)))
	assert.Equal(t, uint64(2), loaded.AggregateVersion())
	assert.Empty(t, loaded.UncommittedEvents())
}

func TestSave_NothingToSave(t *testing.T) {
	spy := fixtures.NewStoreSpy()
	repo := newAccountRepository(spy)

	require.NoError(t, repo.Save(context.Background(), bankaccount.New("acc-1")))
	assert.Zero(t, spy.AppendBatchCalls)
}

func TestSave_StaleAggregateConflicts(t *testing.T) {
	store := memory.NewStore()
	defer store.Close()
	repo := newAccountRepository(store)
	ctx := context.Background()

	acc := bankaccount.New("acc-1")
	require.NoError(t, acc.Open("Alice", decimal.NewFromInt(100)))
	require.NoError(t, repo.Save(ctx, acc))

	// Two copies of the same aggregate write concurrently; the second
	// save is stale and must be rejected.
	first, err := repo.GetByID(ctx, "acc-1")
	require.NoError(t, err)
	second, err := repo.GetByID(ctx, "acc-1")
	require.NoError(t, err)

	require.NoError(t, first.Deposit(decimal.NewFromInt(10)))
	require.NoError(t, repo.Save(ctx, first))

	require.NoError(t, second.Deposit(decimal.NewFromInt(20)))
	err = repo.Save(ctx, second)
	require.True(t, es.IsVersionConflict(err))

	// The losing writer reloads and retries.
	retry, err := repo.GetByID(ctx, "acc-1")
	require.NoError(t, err)
	require.NoError(t, retry.Deposit(decimal.NewFromInt(20)))
	require.NoError(t, repo.Save(ctx, retry))

	final, err := repo.GetByID(ctx, "acc-1")
	require.NoError(t, err)
	assert.True(t, final.Balance().Equal(decimal.NewFromInt(130)))
}

func TestSave_SnapshotAtFrequency(t *testing.T) {
	store := memory.NewStore()
	defer store.Close()
	repo := newAccountRepository(store, es.WithSnapshotFrequency(2))
	ctx := context.Background()

	acc := bankaccount.New("acc-1")
	require.NoError(t, acc.Open("Alice", decimal.NewFromInt(1000)))
	require.NoError(t, acc.Deposit(decimal.NewFromInt(500)))
	require.NoError(t, repo.Save(ctx, acc))

	snap, err := store.LoadSnapshot(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), snap.Version)

	// Version 3 is not a boundary; the old snapshot stays.
	require.NoError(t, acc.Withdraw(decimal.NewFromInt(200)))
	require.NoError(t, repo.Save(ctx, acc))

	snap, err = store.LoadSnapshot(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), snap.Version)

	require.NoError(t, acc.Deposit(decimal.NewFromInt(300)))
	require.NoError(t, repo.Save(ctx, acc))

	snap, err = store.LoadSnapshot(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), snap.Version)
}

func TestGetByID_SnapshotEqualsFullReplay(t *testing.T) {
	store := memory.NewStore()
	defer store.Close()
	ctx := context.Background()

	snapshotting := newAccountRepository(store, es.WithSnapshotFrequency(2))
	replaying := newAccountRepository(store)

	acc := bankaccount.New("acc-1")
	require.NoError(t, acc.Open("Alice", decimal.NewFromInt(1000)))
	require.NoError(t, acc.Deposit(decimal.NewFromInt(500)))
	require.NoError(t, acc.Withdraw(decimal.NewFromInt(200)))
	require.NoError(t, snapshotting.Save(ctx, acc))

	fromSnapshot, err := snapshotting.GetByID(ctx, "acc-1")
	require.NoError(t, err)
	fromReplay, err := replaying.GetByID(ctx, "acc-1")
	require.NoError(t, err)

	assert.Equal(t, fromReplay.AggregateVersion(), fromSnapshot.AggregateVersion())
	assert.True(t, fromReplay.Balance().Equal(fromSnapshot.Balance()))
	assert.Equal(t, fromReplay.Owner(), fromSnapshot.Owner())
	assert.Equal(t, fromReplay.IsOpen(), fromSnapshot.IsOpen())
}

func TestGetByID_LoadsFromSnapshotVersion(t *testing.T) {
	acc := bankaccount.New("acc-1")
	require.NoError(t, acc.Open("Alice", decimal.NewFromInt(100)))
	require.NoError(t, acc.Deposit(decimal.NewFromInt(50)))
	state, err := acc.SnapshotState()
	require.NoError(t, err)

	events := acc.UncommittedEvents()
	spy := fixtures.NewStoreSpy().WithEvents("acc-1", events...)
	spy.LoadSnapshotFn = func(ctx context.Context, id string) (*es.Snapshot, error) {
		return &es.Snapshot{AggregateID: id, State: state, Version: 2}, nil
	}

	repo := newAccountRepository(spy)
	loaded, err := repo.GetByID(context.Background(), "acc-1")
	require.NoError(t, err)

	// Replay starts where the snapshot ends.
	assert.Equal(t, uint64(2), spy.LastLoadFrom)
	assert.Equal(t, uint64(2), loaded.AggregateVersion())
	assert.True(t, loaded.Balance().Equal(decimal.NewFromInt(150)))
}

func TestSave_SnapshotFailureDoesNotFailSave(t *testing.T) {
	spy := fixtures.NewStoreSpy()
	spy.SaveSnapshotFn = func(ctx context.Context, snap es.Snapshot) error {
		return assert.AnError
	}
	repo := newAccountRepository(spy, es.WithSnapshotFrequency(2))
	ctx := context.Background()

	acc := bankaccount.New("acc-1")
	require.NoError(t, acc.Open("Alice", decimal.NewFromInt(100)))
	require.NoError(t, acc.Deposit(decimal.NewFromInt(1)))

	// The event history remains authoritative; a lost snapshot is
	// only a replay-cost regression.
	require.NoError(t, repo.Save(ctx, acc))
	assert.Equal(t, 1, spy.SaveSnapshotCalls)
}
