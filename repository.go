package eventsourcing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/metric"
)

// RepositoryOption configures a Repository.
type RepositoryOption func(*repositoryOptions)

type repositoryOptions struct {
	snapshotFrequency uint64
	logger            *slog.Logger
}

// WithSnapshotFrequency persists a snapshot whenever the aggregate
// version after a save is a multiple of n. Zero disables snapshotting.
func WithSnapshotFrequency(n uint64) RepositoryOption {
	return func(o *repositoryOptions) { o.snapshotFrequency = n }
}

// WithLogger sets the logger used for snapshot warnings.
func WithLogger(logger *slog.Logger) RepositoryOption {
	return func(o *repositoryOptions) { o.logger = logger }
}

// Repository hides snapshot and replay mechanics from command callers.
// It loads aggregates from the latest snapshot plus any newer events,
// and saves uncommitted events with an optimistic version check.
type Repository[T Aggregate] struct {
	store   EventStore
	factory func(id string) T
	opts    repositoryOptions
}

// NewRepository creates a repository for a concrete aggregate type. The
// factory produces a blank aggregate for the given id.
func NewRepository[T Aggregate](store EventStore, factory func(id string) T, options ...RepositoryOption) *Repository[T] {
	opts := repositoryOptions{logger: slog.Default()}
	for _, o := range options {
		o(&opts)
	}
	_ = Init()
	return &Repository[T]{
		store:   store,
		factory: factory,
		opts:    opts,
	}
}

// GetByID rehydrates the aggregate: restore the latest snapshot when the
// aggregate supports one, then replay events newer than the snapshot
// version. Returns *NotFoundError when no history exists at all.
func (r *Repository[T]) GetByID(ctx context.Context, id string) (T, error) {
	agg := r.factory(id)

	var fromVersion uint64
	if snapshotter, ok := any(agg).(Snapshotter); ok {
		snap, err := r.store.LoadSnapshot(ctx, id)
		switch {
		case err == nil:
			if err := snapshotter.RestoreSnapshot(snap.State); err != nil {
				var zero T
				return zero, fmt.Errorf("restore snapshot for aggregate %q at version %d: %w", id, snap.Version, err)
			}
			agg.SetAggregateVersion(snap.Version)
			fromVersion = snap.Version
			SnapshotsRestored.Add(ctx, 1, metric.WithAttributes(AttrAggregateID.String(id)))
		case errors.As(err, new(*NotFoundError)):
			// No snapshot yet, full replay.
		default:
			var zero T
			return zero, fmt.Errorf("load snapshot for aggregate %q: %w", id, err)
		}
	}

	iter, err := r.store.Load(ctx, id, fromVersion)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("load aggregate %q from version %d: %w", id, fromVersion, err)
	}

	if err := LoadFromHistory(ctx, agg, iter); err != nil {
		var zero T
		return zero, err
	}

	if agg.AggregateVersion() == 0 {
		var zero T
		return zero, &NotFoundError{Kind: "aggregate", Key: id}
	}
	return agg, nil
}

// Save appends the aggregate's uncommitted events as one atomic batch
// and clears the buffer. A *VersionConflictError from the store means a
// concurrent writer won; the caller reloads and retries.
//
// When the resulting version crosses a snapshot boundary the
// already-applied in-memory state is persisted as the new snapshot.
// Snapshot failures are logged, not returned: the event history remains
// authoritative and a lost snapshot only increases replay cost.
func (r *Repository[T]) Save(ctx context.Context, agg T) error {
	events := agg.UncommittedEvents()
	if len(events) == 0 {
		return nil
	}

	if _, err := r.store.AppendBatch(ctx, events); err != nil {
		return err
	}
	agg.ClearUncommittedEvents()

	if r.opts.snapshotFrequency > 0 && agg.AggregateVersion()%r.opts.snapshotFrequency == 0 {
		r.takeSnapshot(ctx, agg)
	}
	return nil
}

func (r *Repository[T]) takeSnapshot(ctx context.Context, agg T) {
	snapshotter, ok := any(agg).(Snapshotter)
	if !ok {
		return
	}

	state, err := snapshotter.SnapshotState()
	if err != nil {
		r.opts.logger.WarnContext(ctx, "snapshot state failed",
			"aggregate_id", agg.EntityID(), "version", agg.AggregateVersion(), "error", err)
		return
	}

	snap := Snapshot{
		AggregateID: agg.EntityID(),
		State:       state,
		Version:     agg.AggregateVersion(),
		TakenAt:     now(),
	}
	if err := r.store.SaveSnapshot(ctx, snap); err != nil {
		r.opts.logger.WarnContext(ctx, "snapshot save failed",
			"aggregate_id", agg.EntityID(), "version", agg.AggregateVersion(), "error", err)
		return
	}
	SnapshotsTaken.Add(ctx, 1, metric.WithAttributes(AttrAggregateID.String(agg.EntityID())))
}
