package eventsourcing

import (
	"context"
	"time"
)

// Snapshot is a cached materialization of aggregate state at a version.
// At most one snapshot exists per aggregate; the latest overwrites.
type Snapshot struct {
	AggregateID string
	State       []byte
	Version     uint64
	TakenAt     time.Time
}

// Filter narrows LoadAll. Zero values match everything.
type Filter struct {
	AggregateID string
	EventTypes  []string
	From        time.Time
	To          time.Time
}

// Matches reports whether the envelope passes the filter.
func (f Filter) Matches(env *Envelope) bool {
	if f.AggregateID != "" && env.AggregateID != f.AggregateID {
		return false
	}
	if len(f.EventTypes) > 0 {
		found := false
		for _, t := range f.EventTypes {
			if env.EventType == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.From.IsZero() && env.OccurredAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && env.OccurredAt.After(f.To) {
		return false
	}
	return true
}

// AppendResult describes the outcome of an append operation.
type AppendResult struct {
	Successful          bool
	NextExpectedVersion uint64
}

// EventDispatcher receives committed envelopes for fan-out to
// subscribers. The store invokes it after the commit is durable; a
// dispatcher failure never rolls back the append.
type EventDispatcher interface {
	Dispatch(ctx context.Context, env *Envelope)
}

// EventStore defines the contract for an append-only event store. It is
// the single source of truth: snapshots and projections are derived
// caches that may be discarded and rebuilt from the log.
//
// Implementations must guarantee:
//   - Versions within one aggregate form a contiguous 1..N sequence;
//     appends violating that fail with *VersionConflictError and have no
//     observable effect.
//   - AppendBatch is all-or-nothing: the whole batch is validated before
//     any event is written.
//   - Check-and-append is atomic per aggregate, so two concurrent
//     appenders racing on the same expected version cannot both win.
//   - Load iteration order is deterministic, oldest to newest; LoadAll
//     yields a single global append-order sequence.
type EventStore interface {
	// Append commits a single event. The envelope version must equal
	// LastVersion(aggregate)+1. Returns the stored envelope with its
	// global sequence assigned.
	Append(ctx context.Context, env Envelope) (*Envelope, error)

	// AppendBatch atomically commits an ordered batch for one aggregate.
	// Contiguity of the full batch is validated before any write; a
	// mid-batch conflict commits nothing.
	AppendBatch(ctx context.Context, envs []Envelope) (AppendResult, error)

	// Load returns the aggregate's events with version strictly greater
	// than fromVersion, ascending. Unknown aggregates yield an empty
	// iterator.
	Load(ctx context.Context, id string, fromVersion uint64) (*Iterator[*Envelope], error)

	// LoadAll returns all events in global append order, optionally
	// narrowed by the filter. Used for projection rebuilds.
	LoadAll(ctx context.Context, filter Filter) (*Iterator[*Envelope], error)

	// LastVersion returns the max committed version for the aggregate,
	// or 0 when unknown.
	LastVersion(ctx context.Context, id string) (uint64, error)

	// SaveSnapshot stores the snapshot, overwriting any previous one for
	// the same aggregate.
	SaveSnapshot(ctx context.Context, snap Snapshot) error

	// LoadSnapshot returns the current snapshot for the aggregate, or a
	// *NotFoundError when none exists.
	LoadSnapshot(ctx context.Context, id string) (*Snapshot, error)

	// Close releases any resources held by the store. Implementations
	// should make Close idempotent.
	Close() error
}
