package eventsourcing

import (
	"context"
	"fmt"
)

// Aggregate is the interface that all event-sourced aggregates implement.
// State is derived entirely from the aggregate's own ordered event
// history; commands validate invariants and raise events, never mutate
// state directly.
type Aggregate interface {

	// EntityID returns the unique identifier of the aggregate.
	EntityID() string

	// AggregateVersion returns the version of the last applied event.
	AggregateVersion() uint64

	// SetAggregateVersion sets the version, used when restoring snapshots.
	SetAggregateVersion(version uint64)

	// UncommittedEvents returns the events raised since the last save.
	UncommittedEvents() []Envelope

	// ClearUncommittedEvents clears the pending buffer. Only the
	// repository calls this, after a successful append.
	ClearUncommittedEvents()

	// ApplyEvent advances the version and folds the event into state via
	// the aggregate's transition function. The same path serves live
	// raises and replay; it must stay pure.
	ApplyEvent(env *Envelope)
}

// Snapshotter is implemented by aggregates that can materialize their
// state as an opaque blob. Snapshots only bound replay cost; losing one
// never loses data.
type Snapshotter interface {
	SnapshotState() ([]byte, error)
	RestoreSnapshot(state []byte) error
}

// Transition is the pure state-transition function of a concrete
// aggregate. It must have no side effects beyond mutating the
// aggregate's own fields.
type Transition func(env *Envelope)

type AggregateBase struct {
	id     string
	v      uint64
	apply  Transition
	events []Envelope
}

// NewAggregateBase creates the embedded base for a concrete aggregate.
// The transition function is the single reducer used for both live
// raises and history replay.
func NewAggregateBase(id string, apply Transition) *AggregateBase {
	return &AggregateBase{
		id:     id,
		apply:  apply,
		events: make([]Envelope, 0),
	}
}

// EntityID implements the Aggregate interface.
func (a *AggregateBase) EntityID() string {
	return a.id
}

// AggregateVersion implements the Aggregate interface.
func (a *AggregateBase) AggregateVersion() uint64 {
	return a.v
}

// SetAggregateVersion implements the Aggregate interface.
func (a *AggregateBase) SetAggregateVersion(v uint64) {
	a.v = v
}

// UncommittedEvents implements the Aggregate interface.
func (a *AggregateBase) UncommittedEvents() []Envelope {
	return a.events
}

// ClearUncommittedEvents implements the Aggregate interface.
func (a *AggregateBase) ClearUncommittedEvents() {
	a.events = nil
}

// ApplyEvent folds one event into state and advances the version.
func (a *AggregateBase) ApplyEvent(env *Envelope) {
	if a.apply != nil {
		a.apply(env)
	}
	a.v = env.Version
}

// Raise wraps the event in an envelope at the next version, buffers it
// as uncommitted and applies it immediately, so later commands in the
// same unit of work observe up-to-date state before persistence.
func (a *AggregateBase) Raise(event Event, options ...EventOption) {
	env := NewEnvelope(event, a.v+1, options...)
	a.events = append(a.events, env)
	a.ApplyEvent(&env)
}

// LoadFromHistory replays an ordered event sequence through ApplyEvent.
// Used for cold loads and post-snapshot catch-up. History must continue
// the aggregate's current version without gaps.
func LoadFromHistory(ctx context.Context, agg Aggregate, iter *Iterator[*Envelope]) error {
	for iter.Next(ctx) {
		env := iter.Value()
		if env.Version != agg.AggregateVersion()+1 {
			return fmt.Errorf("replay aggregate %q: %w: got version %d after %d",
				agg.EntityID(), ErrInvalidEventBatch, env.Version, agg.AggregateVersion())
		}
		agg.ApplyEvent(env)
	}
	return iter.Err()
}
