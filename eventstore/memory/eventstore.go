// Package memory provides the in-memory reference implementation of the
// event store contract. It is the backend most tests run against and the
// template for durable implementations.
package memory

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	es "github.com/openledger/eventsourcing"
)

var _ es.EventStore = (*Store)(nil)

// Store is an in-memory append-only event store with optimistic
// concurrency, a single-slot snapshot cache per aggregate, and
// post-commit dispatch into an EventDispatcher.
type Store struct {
	tracer     trace.Tracer
	dispatcher es.EventDispatcher

	// mu guards the log. dispatchMu serializes post-commit fan-out so
	// subscribers observe events in global append order: committed
	// envelopes are enqueued on pending while mu is still held, then
	// drained under dispatchMu after mu is released. mu is never held
	// across a dispatch, so handlers can read the store re-entrantly and
	// a slow subscriber cannot stall unrelated loads or appends.
	mu         sync.RWMutex
	dispatchMu sync.Mutex
	pending    []*es.Envelope

	globalSeq uint64
	global    []*es.Envelope
	events    map[string][]*es.Envelope
	snapshots map[string]*es.Snapshot
}

// Option configures a Store.
type Option func(*Store)

// WithDispatcher sets the dispatcher notified after each commit.
// Without one, appends are silent.
func WithDispatcher(d es.EventDispatcher) Option {
	return func(s *Store) { s.dispatcher = d }
}

// NewStore creates an empty in-memory store.
func NewStore(options ...Option) *Store {
	_ = es.Init()
	s := &Store{
		tracer:    otel.Tracer("eventstore/memory"),
		events:    make(map[string][]*es.Envelope),
		snapshots: make(map[string]*es.Snapshot),
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// Append commits a single event. The envelope version must equal the
// stream's last version plus one, otherwise nothing is written and
// nothing is dispatched.
func (s *Store) Append(ctx context.Context, env es.Envelope) (*es.Envelope, error) {
	committed, _, err := s.commit(ctx, []es.Envelope{env})
	if err != nil {
		return nil, err
	}
	return committed[0], nil
}

// AppendBatch atomically commits an ordered batch for one aggregate.
// The whole batch is validated against the current stream before any
// event is written; a mid-batch conflict therefore commits nothing.
func (s *Store) AppendBatch(ctx context.Context, envs []es.Envelope) (es.AppendResult, error) {
	_, result, err := s.commit(ctx, envs)
	return result, err
}

func (s *Store) commit(ctx context.Context, envs []es.Envelope) ([]*es.Envelope, es.AppendResult, error) {
	if len(envs) == 0 {
		return nil, es.AppendResult{Successful: true}, nil
	}

	id := envs[0].AggregateID
	ctx, span := s.tracer.Start(ctx, "EventStore.Append",
		trace.WithAttributes(
			attribute.String("aggregate_id", id),
			attribute.Int("event.count", len(envs)),
		),
	)
	defer span.End()

	s.mu.Lock()

	// Validate the full batch before touching the log.
	lastVersion := uint64(len(s.events[id]))
	for i := range envs {
		if envs[i].AggregateID != id {
			s.mu.Unlock()
			err := fmt.Errorf("append batch to aggregate %q: %w: event %d targets aggregate %q",
				id, es.ErrInvalidEventBatch, i, envs[i].AggregateID)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, es.AppendResult{}, err
		}
		if envs[i].Version != lastVersion+uint64(i)+1 {
			conflict := &es.VersionConflictError{
				AggregateID: id,
				Expected:    envs[i].Version,
				Actual:      lastVersion + uint64(i),
			}
			s.mu.Unlock()
			es.ConcurrencyConflicts.Add(ctx, 1, metric.WithAttributes(es.AttrAggregateID.String(id)))
			span.RecordError(conflict)
			span.SetStatus(codes.Error, conflict.Error())
			return nil, es.AppendResult{}, conflict
		}
	}

	committed := make([]*es.Envelope, len(envs))
	for i := range envs {
		env := envs[i]
		s.globalSeq++
		env.GlobalSeq = s.globalSeq
		stored := &env
		s.events[id] = append(s.events[id], stored)
		s.global = append(s.global, stored)
		committed[i] = stored

		span.AddEvent("stored event", trace.WithAttributes(
			attribute.String("event.type", env.EventType),
			attribute.Int64("version", int64(env.Version)),
		))
	}
	next := uint64(len(s.events[id]))

	es.EventsAppended.Add(ctx, int64(len(envs)), metric.WithAttributes(es.AttrAggregateID.String(id)))

	// Enqueue for fan-out while the log lock is still held so dispatch
	// order matches commit order across aggregates, then drain without
	// holding mu.
	if s.dispatcher != nil {
		s.pending = append(s.pending, committed...)
	}
	s.mu.Unlock()

	s.drainPending(ctx)

	return committed, es.AppendResult{Successful: true, NextExpectedVersion: next}, nil
}

// drainPending dispatches queued envelopes in commit order. Whoever
// holds dispatchMu delivers everything queued so far, possibly including
// other committers' envelopes; a committer that loses the TryLock leaves
// its envelopes to the active drainer instead of stalling behind it.
// After releasing the lock the drainer re-checks the queue, covering an
// enqueue that raced its last empty swap.
func (s *Store) drainPending(ctx context.Context) {
	if s.dispatcher == nil {
		return
	}

	for {
		if !s.dispatchMu.TryLock() {
			return
		}
		for {
			s.mu.Lock()
			batch := s.pending
			s.pending = nil
			s.mu.Unlock()

			if len(batch) == 0 {
				break
			}
			for _, env := range batch {
				s.dispatcher.Dispatch(ctx, env)
			}
		}
		s.dispatchMu.Unlock()

		s.mu.RLock()
		again := len(s.pending) > 0
		s.mu.RUnlock()
		if !again {
			return
		}
	}
}

// Load returns the aggregate's events with version greater than
// fromVersion, oldest first. Unknown aggregates yield an empty iterator.
func (s *Store) Load(ctx context.Context, id string, fromVersion uint64) (*es.Iterator[*es.Envelope], error) {
	ctx, span := s.tracer.Start(ctx, "EventStore.Load",
		trace.WithAttributes(
			attribute.String("aggregate_id", id),
			attribute.Int64("from_version", int64(fromVersion)),
		),
	)
	defer span.End()

	s.mu.RLock()
	stream := s.events[id]
	var tail []*es.Envelope
	if fromVersion < uint64(len(stream)) {
		tail = stream[fromVersion:]
	}
	s.mu.RUnlock()

	es.EventsLoaded.Add(ctx, int64(len(tail)), metric.WithAttributes(es.AttrAggregateID.String(id)))
	return es.NewSliceIterator(tail), nil
}

// LoadAll returns all events in global append order, optionally
// narrowed by the filter.
func (s *Store) LoadAll(ctx context.Context, filter es.Filter) (*es.Iterator[*es.Envelope], error) {
	ctx, span := s.tracer.Start(ctx, "EventStore.LoadAll")
	defer span.End()

	s.mu.RLock()
	matched := make([]*es.Envelope, 0, len(s.global))
	for _, env := range s.global {
		if filter.Matches(env) {
			matched = append(matched, env)
		}
	}
	s.mu.RUnlock()

	es.EventsLoaded.Add(ctx, int64(len(matched)))
	return es.NewSliceIterator(matched), nil
}

// LastVersion returns the max committed version for the aggregate, or 0.
func (s *Store) LastVersion(ctx context.Context, id string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.events[id])), nil
}

// SaveSnapshot stores the snapshot, latest wins.
func (s *Store) SaveSnapshot(ctx context.Context, snap es.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := snap
	s.snapshots[snap.AggregateID] = &stored
	return nil
}

// LoadSnapshot returns the current snapshot for the aggregate.
func (s *Store) LoadSnapshot(ctx context.Context, id string) (*es.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[id]
	if !ok {
		return nil, &es.NotFoundError{Kind: "snapshot", Key: id}
	}
	copied := *snap
	return &copied, nil
}

// Close drops the log. Idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = make(map[string][]*es.Envelope)
	s.snapshots = make(map[string]*es.Snapshot)
	s.global = nil
	return nil
}
