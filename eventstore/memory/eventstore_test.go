package memory_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	es "github.com/openledger/eventsourcing"
	"github.com/openledger/eventsourcing/eventstore/memory"
	"github.com/openledger/eventsourcing/fixtures"
)

type dispatcherFunc func(ctx context.Context, env *es.Envelope)

func (f dispatcherFunc) Dispatch(ctx context.Context, env *es.Envelope) { f(ctx, env) }

func envelope(id string, typ string, version uint64) es.Envelope {
	return fixtures.NewTestEvent().WithID(id).WithType(typ).Envelope(version)
}

func collectAll(t *testing.T, iter *es.Iterator[*es.Envelope]) []*es.Envelope {
	t.Helper()
	envs, err := iter.All(context.Background())
	require.NoError(t, err)
	return envs
}

func TestAppendBatch_Empty(t *testing.T) {
	store := memory.NewStore()
	defer store.Close()

	result, err := store.AppendBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, result.Successful)
}

func TestAppend_AssignsGlobalSeq(t *testing.T) {
	store := memory.NewStore()
	defer store.Close()

	first, err := store.Append(context.Background(), envelope("acc-1", "Created", 1))
	require.NoError(t, err)
	second, err := store.Append(context.Background(), envelope("acc-2", "Created", 1))
	require.NoError(t, err)

	assert.Equal(t, uint64(1), first.GlobalSeq)
	assert.Equal(t, uint64(2), second.GlobalSeq)
}

func TestAppend_VersionConflict(t *testing.T) {
	store := memory.NewStore()
	defer store.Close()

	ctx := context.Background()
	_, err := store.Append(ctx, envelope("acc-1", "Created", 1))
	require.NoError(t, err)

	// Gap and duplicate both conflict.
	_, err = store.Append(ctx, envelope("acc-1", "Updated", 3))
	var conflict *es.VersionConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "acc-1", conflict.AggregateID)

	_, err = store.Append(ctx, envelope("acc-1", "Updated", 1))
	require.ErrorAs(t, err, &conflict)

	// Store state unchanged.
	last, err := store.LastVersion(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), last)
}

func TestAppendBatch_Atomicity(t *testing.T) {
	store := memory.NewStore()
	defer store.Close()

	ctx := context.Background()
	_, err := store.Append(ctx, envelope("acc-1", "Created", 1))
	require.NoError(t, err)

	// Batch starts contiguously but breaks mid-way; nothing may commit.
	batch := []es.Envelope{
		envelope("acc-1", "Updated", 2),
		envelope("acc-1", "Updated", 4),
	}
	_, err = store.AppendBatch(ctx, batch)
	var conflict *es.VersionConflictError
	require.ErrorAs(t, err, &conflict)

	last, err := store.LastVersion(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), last)
}

func TestAppendBatch_RejectsMixedAggregates(t *testing.T) {
	store := memory.NewStore()
	defer store.Close()

	batch := []es.Envelope{
		envelope("acc-1", "Created", 1),
		envelope("acc-2", "Created", 1),
	}
	_, err := store.AppendBatch(context.Background(), batch)
	require.ErrorIs(t, err, es.ErrInvalidEventBatch)

	last, err := store.LastVersion(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.Zero(t, last)
}

func TestAppend_NoDispatchOnConflict(t *testing.T) {
	var dispatched []*es.Envelope
	store := memory.NewStore(memory.WithDispatcher(dispatcherFunc(func(ctx context.Context, env *es.Envelope) {
		dispatched = append(dispatched, env)
	})))
	defer store.Close()

	ctx := context.Background()
	_, err := store.Append(ctx, envelope("acc-1", "Created", 1))
	require.NoError(t, err)
	_, err = store.Append(ctx, envelope("acc-1", "Updated", 5))
	require.Error(t, err)

	require.Len(t, dispatched, 1)
	assert.Equal(t, uint64(1), dispatched[0].Version)
}

func TestAppendBatch_DispatchesInOrder(t *testing.T) {
	var order []uint64
	store := memory.NewStore(memory.WithDispatcher(dispatcherFunc(func(ctx context.Context, env *es.Envelope) {
		order = append(order, env.GlobalSeq)
	})))
	defer store.Close()

	ctx := context.Background()
	batch := []es.Envelope{
		envelope("acc-1", "Created", 1),
		envelope("acc-1", "Updated", 2),
		envelope("acc-1", "Updated", 3),
	}
	_, err := store.AppendBatch(ctx, batch)
	require.NoError(t, err)

	assert.Equal(t, []uint64{1, 2, 3}, order)
}

func TestDispatch_HandlerReadsAndAppendsDuringFanOut(t *testing.T) {
	var store *memory.Store
	var order []string
	dispatcher := dispatcherFunc(func(ctx context.Context, env *es.Envelope) {
		order = append(order, env.AggregateID)
		if env.AggregateID != "acc-1" {
			return
		}
		// Mid fan-out the store must stay usable: an unrelated append
		// and a read of the stream being dispatched both proceed.
		_, err := store.Append(ctx, envelope("acc-2", "Created", 1))
		require.NoError(t, err)
		iter, err := store.Load(ctx, "acc-1", 0)
		require.NoError(t, err)
		require.Len(t, collectAll(t, iter), 1)
	})
	store = memory.NewStore(memory.WithDispatcher(dispatcher))
	defer store.Close()

	_, err := store.Append(context.Background(), envelope("acc-1", "Created", 1))
	require.NoError(t, err)

	// The nested commit is fanned out after the one already in flight.
	assert.Equal(t, []string{"acc-1", "acc-2"}, order)
}

func TestDispatch_SlowHandlerDoesNotBlockUnrelatedAppend(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	dispatcher := dispatcherFunc(func(ctx context.Context, env *es.Envelope) {
		if env.AggregateID == "acc-1" {
			close(entered)
			<-release
		}
	})
	store := memory.NewStore(memory.WithDispatcher(dispatcher))
	defer store.Close()

	done := make(chan error, 1)
	go func() {
		_, err := store.Append(context.Background(), envelope("acc-1", "Created", 1))
		done <- err
	}()
	<-entered

	// acc-1's fan-out is stalled inside its handler; unrelated writes
	// and reads must not queue up behind it.
	_, err := store.Append(context.Background(), envelope("acc-2", "Created", 1))
	require.NoError(t, err)
	last, err := store.LastVersion(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), last)

	close(release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("append never finished fan-out")
	}
}

func TestLoad_FromVersion(t *testing.T) {
	store := memory.NewStore()
	defer store.Close()

	ctx := context.Background()
	for v := uint64(1); v <= 4; v++ {
		_, err := store.Append(ctx, envelope("acc-1", "Updated", v))
		require.NoError(t, err)
	}

	iter, err := store.Load(ctx, "acc-1", 2)
	require.NoError(t, err)
	envs := collectAll(t, iter)
	require.Len(t, envs, 2)
	assert.Equal(t, uint64(3), envs[0].Version)
	assert.Equal(t, uint64(4), envs[1].Version)
}

func TestLoad_UnknownAggregateIsEmpty(t *testing.T) {
	store := memory.NewStore()
	defer store.Close()

	iter, err := store.Load(context.Background(), "missing", 0)
	require.NoError(t, err)
	assert.Empty(t, collectAll(t, iter))
}

func TestLoadAll_GlobalOrderAndFilter(t *testing.T) {
	store := memory.NewStore()
	defer store.Close()

	ctx := context.Background()
	_, err := store.Append(ctx, envelope("acc-1", "Created", 1))
	require.NoError(t, err)
	_, err = store.Append(ctx, envelope("acc-2", "Created", 1))
	require.NoError(t, err)
	_, err = store.Append(ctx, envelope("acc-1", "Updated", 2))
	require.NoError(t, err)

	iter, err := store.LoadAll(ctx, es.Filter{})
	require.NoError(t, err)
	all := collectAll(t, iter)
	require.Len(t, all, 3)
	for i, env := range all {
		assert.Equal(t, uint64(i+1), env.GlobalSeq)
	}

	iter, err = store.LoadAll(ctx, es.Filter{AggregateID: "acc-1"})
	require.NoError(t, err)
	assert.Len(t, collectAll(t, iter), 2)

	iter, err = store.LoadAll(ctx, es.Filter{EventTypes: []string{"Created"}})
	require.NoError(t, err)
	assert.Len(t, collectAll(t, iter), 2)
}

func TestLastVersion_UnknownIsZero(t *testing.T) {
	store := memory.NewStore()
	defer store.Close()

	last, err := store.LastVersion(context.Background(), "missing")
	require.NoError(t, err)
	assert.Zero(t, last)
}

func TestSnapshots_LatestWins(t *testing.T) {
	store := memory.NewStore()
	defer store.Close()

	ctx := context.Background()
	_, err := store.LoadSnapshot(ctx, "acc-1")
	var notFound *es.NotFoundError
	require.ErrorAs(t, err, &notFound)

	require.NoError(t, store.SaveSnapshot(ctx, es.Snapshot{AggregateID: "acc-1", State: []byte("v2"), Version: 2}))
	require.NoError(t, store.SaveSnapshot(ctx, es.Snapshot{AggregateID: "acc-1", State: []byte("v4"), Version: 4}))

	snap, err := store.LoadSnapshot(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), snap.Version)
	assert.Equal(t, []byte("v4"), snap.State)
}

func TestAppend_ConcurrentSameVersion(t *testing.T) {
	store := memory.NewStore()
	defer store.Close()

	ctx := context.Background()
	for v := uint64(1); v <= 4; v++ {
		_, err := store.Append(ctx, envelope("acc-1", "Updated", v))
		require.NoError(t, err)
	}

	// Two writers race on version 5: exactly one must win.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = store.Append(ctx, envelope("acc-1", "Updated", 5))
		}(i)
	}
	wg.Wait()

	var conflicts int
	for _, err := range errs {
		if err != nil {
			require.True(t, es.IsVersionConflict(err))
			conflicts++
		}
	}
	assert.Equal(t, 1, conflicts)

	last, err := store.LastVersion(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), last)
}
