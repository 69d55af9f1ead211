// Package memory provides the in-process event bus. Dispatch is
// synchronous and ordered, but isolated: a failing or panicking handler
// is logged and surfaced on the error channel without affecting the
// appender or other subscribers.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/metric"

	es "github.com/openledger/eventsourcing"
)

var _ es.EventBus = (*EventBus)(nil)
var _ es.EventDispatcher = (*EventBus)(nil)

type subscriber struct {
	name    string
	filter  es.EventFilter
	handler es.EventHandler
}

// EventBus fans committed envelopes out to registered subscribers in
// registration order. The store invokes Dispatch after each commit is
// durable, so handler health never affects log durability.
type EventBus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	subs   []*subscriber
	byName map[string]*subscriber
	closed bool
	errs   chan error
}

// NewEventBus constructs a bus. errBuffer bounds the error channel;
// errors beyond the buffer are dropped (they are still logged).
func NewEventBus(errBuffer int, logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	_ = es.Init()
	return &EventBus{
		logger: logger,
		byName: make(map[string]*subscriber),
		errs:   make(chan error, errBuffer),
	}
}

// Subscribe registers a named handler behind a filter. The subscription
// is removed when ctx ends.
func (b *EventBus) Subscribe(ctx context.Context, name string, filter es.EventFilter, handler es.EventHandler, options ...es.SubscriberOption) error {
	if filter == nil || handler == nil {
		return errors.New("filter and handler cannot be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return es.ErrBusClosed
	}
	if _, exists := b.byName[name]; exists {
		return fmt.Errorf("subscriber %q: %w", name, es.ErrDuplicateHandler)
	}

	s := &subscriber{name: name, filter: filter, handler: handler}
	b.subs = append(b.subs, s)
	b.byName[name] = s
	es.EventBusSubscribers.Add(ctx, 1, metric.WithAttributes(es.AttrSubscriber.String(name)))

	go func() {
		<-ctx.Done()
		b.remove(name)
	}()

	return nil
}

// Errors returns the channel where isolated handler errors surface.
func (b *EventBus) Errors() <-chan error {
	return b.errs
}

// Close shuts the bus down. Idempotent.
func (b *EventBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.subs = nil
	b.byName = make(map[string]*subscriber)
	close(b.errs)
	return nil
}

// Dispatch delivers one committed envelope to every matching subscriber,
// in registration order. Implements the store's EventDispatcher.
func (b *EventBus) Dispatch(ctx context.Context, env *es.Envelope) {
	b.mu.RLock()
	subs := make([]*subscriber, len(b.subs))
	copy(subs, b.subs)
	closed := b.closed
	b.mu.RUnlock()

	if closed {
		return
	}

	ctx = es.WithEnvelope(ctx, env)
	for _, s := range subs {
		if !s.filter(env) {
			continue
		}
		b.deliver(ctx, s, env)
		es.EventBusPublished.Add(ctx, 1, metric.WithAttributes(
			es.AttrSubscriber.String(s.name),
			es.AttrEventType.String(env.EventType),
		))
	}
}

// deliver runs one handler inside its own error boundary.
func (b *EventBus) deliver(ctx context.Context, s *subscriber, env *es.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.isolate(ctx, s, env, fmt.Errorf("panic: %v", r))
		}
	}()

	if err := s.handler.Handle(ctx, env); err != nil {
		var skipped *es.ErrSkippedEvent
		if errors.As(err, &skipped) {
			return
		}
		b.isolate(ctx, s, env, err)
	}
}

func (b *EventBus) isolate(ctx context.Context, s *subscriber, env *es.Envelope, err error) {
	var herr *es.HandlerError
	if !errors.As(err, &herr) {
		herr = &es.HandlerError{Subscriber: s.name, Err: err}
	}

	b.logger.ErrorContext(ctx, "event handler failed",
		"subscriber", s.name,
		"event_type", env.EventType,
		"aggregate_id", env.AggregateID,
		"version", env.Version,
		"error", herr.Err,
	)
	es.EventBusErrors.Add(ctx, 1, metric.WithAttributes(es.AttrSubscriber.String(s.name)))

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	select {
	case b.errs <- herr:
	default:
		// Drop when the channel is full; the log line remains.
	}
}

func (b *EventBus) remove(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.byName[name]
	if !ok {
		return
	}
	delete(b.byName, name)
	for i, sub := range b.subs {
		if sub == s {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	es.EventBusSubscribers.Add(context.Background(), -1, metric.WithAttributes(es.AttrSubscriber.String(name)))
}
