package eventsourcing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/metric"
)

// ViewFunc folds one event into a projection's view data. The data map
// is keyed by aggregate id. ViewFuncs must be pure with respect to their
// inputs: a full rebuild through the same functions must reproduce the
// cumulative effect of every prior live update.
type ViewFunc func(data map[string]any, env *Envelope) error

// ViewFuncs maps an event type to its reducer.
type ViewFuncs map[string]ViewFunc

// Projection is a named read model: per-aggregate view data plus the
// last-processed version per aggregate, for resumability and
// observability. It is a derived cache; it can always be discarded and
// rebuilt from the log.
type Projection struct {
	name string

	mu       sync.RWMutex
	data     map[string]any
	versions map[string]uint64

	// While a rebuild replays the log, live envelopes are buffered on
	// pending instead of being folded into the half-built view; they are
	// folded after replay, deduplicated by global sequence.
	rebuilding bool
	pending    []*Envelope
}

// Name returns the projection name.
func (p *Projection) Name() string {
	return p.name
}

// View returns the view data for one aggregate.
func (p *Projection) View(aggregateID string) (any, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.data[aggregateID]
	return v, ok
}

// Data returns a copy of the full view map.
func (p *Projection) Data() map[string]any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]any, len(p.data))
	for k, v := range p.data {
		out[k] = v
	}
	return out
}

// LastVersion returns the last-processed version for one aggregate, or 0.
func (p *Projection) LastVersion(aggregateID string) uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.versions[aggregateID]
}

// apply folds one live envelope under the projection lock. During a
// rebuild the envelope is buffered instead and folded once replay is done.
func (p *Projection) apply(handlers ViewFuncs, env *Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.rebuilding {
		p.pending = append(p.pending, env)
		return nil
	}
	return p.foldLocked(handlers, env)
}

// foldLocked runs the matching reducer if present; the last-processed
// version advances either way. Callers hold p.mu.
func (p *Projection) foldLocked(handlers ViewFuncs, env *Envelope) error {
	var err error
	if fn, ok := handlers[env.EventType]; ok {
		err = fn(p.data, env)
	}
	p.versions[env.AggregateID] = env.Version
	return err
}

// replay folds one envelope from the global log while the live gate is up.
func (p *Projection) replay(handlers ViewFuncs, env *Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.foldLocked(handlers, env)
}

// beginRebuild clears view data and version tracking and raises the gate
// that diverts live applies into the pending buffer.
func (p *Projection) beginRebuild() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data = make(map[string]any)
	p.versions = make(map[string]uint64)
	p.pending = nil
	p.rebuilding = true
}

// finishRebuild folds the envelopes buffered during the rebuild, skipping
// those the replay already covered, and lowers the gate. Folding and
// unsetting the gate happen under one lock acquisition so no live apply
// can slip in between.
func (p *Projection) finishRebuild(handlers ViewFuncs, replayedSeq uint64, onError func(env *Envelope, err error)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, env := range p.pending {
		if env.GlobalSeq <= replayedSeq {
			continue
		}
		if err := p.foldLocked(handlers, env); err != nil && onError != nil {
			onError(env, err)
		}
	}
	p.pending = nil
	p.rebuilding = false
}

// ProjectionBuilder maintains read models derived from the event stream:
// live incremental updates through a wildcard bus subscription, and full
// deterministic rebuilds from the global log.
type ProjectionBuilder struct {
	store  EventStore
	bus    EventBus
	logger *slog.Logger

	mu          sync.RWMutex
	projections map[string]*Projection
}

// NewProjectionBuilder creates a builder on top of a store and the bus
// the store dispatches into.
func NewProjectionBuilder(store EventStore, bus EventBus, logger *slog.Logger) *ProjectionBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	_ = Init()
	return &ProjectionBuilder{
		store:       store,
		bus:         bus,
		logger:      logger,
		projections: make(map[string]*Projection),
	}
}

// Build registers a projection and subscribes it to every committed
// event. Events are dispatched to the reducer registered for their type;
// unmatched events still advance the last-processed version. A reducer
// failure is wrapped as *HandlerError and surfaced on the bus error
// channel, never to the appender.
func (b *ProjectionBuilder) Build(ctx context.Context, name string, handlers ViewFuncs) (*Projection, error) {
	b.mu.Lock()
	if _, exists := b.projections[name]; exists {
		b.mu.Unlock()
		return nil, fmt.Errorf("projection %q: %w", name, ErrDuplicateHandler)
	}
	p := &Projection{
		name:     name,
		data:     make(map[string]any),
		versions: make(map[string]uint64),
	}
	b.projections[name] = p
	b.mu.Unlock()

	handler := NewEventHandlerFunc(func(ctx context.Context, env *Envelope) error {
		if err := p.apply(handlers, env); err != nil {
			return &HandlerError{Subscriber: "projection:" + name, Err: err}
		}
		ProjectionApplies.Add(ctx, 1, metric.WithAttributes(
			AttrProjection.String(name),
			AttrEventType.String(env.EventType),
		))
		return nil
	})

	if err := b.bus.Subscribe(ctx, "projection:"+name, MatchAll(), handler); err != nil {
		b.mu.Lock()
		delete(b.projections, name)
		b.mu.Unlock()
		return nil, fmt.Errorf("subscribe projection %q: %w", name, err)
	}
	return p, nil
}

// Rebuild clears the projection and replays the entire global log in
// append order through the same reducers. Safe to run at any time: live
// events committed while the replay runs are buffered and folded on top
// once it finishes, so none are lost or applied out of order. With pure
// reducers two consecutive rebuilds produce identical data.
func (b *ProjectionBuilder) Rebuild(ctx context.Context, name string, handlers ViewFuncs) (*Projection, error) {
	b.mu.RLock()
	p, ok := b.projections[name]
	b.mu.RUnlock()
	if !ok {
		return nil, &NotFoundError{Kind: "projection", Key: name}
	}

	logError := func(env *Envelope, err error) {
		// Isolated like a live handler failure: log and keep folding.
		b.logger.ErrorContext(ctx, "projection rebuild handler failed",
			"projection", name, "event_type", env.EventType,
			"aggregate_id", env.AggregateID, "error", err)
	}

	p.beginRebuild()

	var replayedSeq uint64
	iter, err := b.store.LoadAll(ctx, Filter{})
	if err != nil {
		p.finishRebuild(handlers, replayedSeq, logError)
		return nil, fmt.Errorf("rebuild projection %q: %w", name, err)
	}
	for iter.Next(ctx) {
		env := iter.Value()
		replayedSeq = env.GlobalSeq
		if err := p.replay(handlers, env); err != nil {
			logError(env, err)
		}
	}
	replayErr := iter.Err()

	p.finishRebuild(handlers, replayedSeq, logError)

	if replayErr != nil {
		return nil, fmt.Errorf("rebuild projection %q: %w", name, replayErr)
	}
	ProjectionRebuilds.Add(ctx, 1, metric.WithAttributes(AttrProjection.String(name)))
	return p, nil
}

// Get returns the current materialized view by name.
func (b *ProjectionBuilder) Get(name string) (*Projection, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.projections[name]
	if !ok {
		return nil, &NotFoundError{Kind: "projection", Key: name}
	}
	return p, nil
}
