package eventsourcing

import (
	"context"
	"fmt"
	"sort"
)

// EventHandler processes a committed event envelope.
type EventHandler interface {
	Handle(ctx context.Context, env *Envelope) error
}

// NewEventHandlerFunc creates an EventHandler from a plain function,
// without type filtering. Use OnEvent for typed handlers.
func NewEventHandlerFunc(fn func(ctx context.Context, env *Envelope) error) EventHandler {
	return eventHandlerFunc(fn)
}

type eventHandlerFunc func(ctx context.Context, env *Envelope) error

func (h eventHandlerFunc) Handle(ctx context.Context, env *Envelope) error {
	return h(ctx, env)
}

// typedEventHandler is a strongly typed handler for a specific Event type T.
type typedEventHandler[T Event] func(ctx context.Context, ev T, env *Envelope) error

// EventName returns the name of the event type T, used for routing.
func (h typedEventHandler[T]) EventName() string {
	var zero T
	return TypeName(zero)
}

// Handle processes the event if it matches T, else returns ErrSkippedEvent.
func (h typedEventHandler[T]) Handle(ctx context.Context, env *Envelope) error {
	ev, ok := env.Event.(T)
	if !ok {
		return &ErrSkippedEvent{Event: env.Event}
	}
	return h(ctx, ev, env)
}

// OnEvent creates a strongly-typed EventHandler for a specific event
// type. When routed through an EventGroupProcessor the handler only ever
// sees events of type T; called directly with another type it returns
// ErrSkippedEvent.
//
// Example:
//
//	handler := OnEvent(func(ctx context.Context, ev MoneyDeposited, env *Envelope) error {
//	    fmt.Println("deposit on", env.AggregateID)
//	    return nil
//	})
func OnEvent[T Event](fn func(ctx context.Context, ev T, env *Envelope) error) EventHandler {
	return typedEventHandler[T](fn)
}

// EventGroupProcessor routes events to typed handlers registered at
// construction time. It is the explicit dispatch table that replaces
// per-event-type dynamic lookups.
type EventGroupProcessor struct {
	handlers map[string]EventHandler
}

// NewEventGroupProcessor builds the routing table from typed handlers
// (created via OnEvent). It panics on handlers without an EventName or
// on duplicate registrations; both are programming errors.
func NewEventGroupProcessor(handlers ...EventHandler) *EventGroupProcessor {
	m := make(map[string]EventHandler, len(handlers))
	for _, h := range handlers {
		u, ok := h.(interface{ EventName() string })
		if !ok {
			panic(fmt.Errorf("handler %T does not have a function `EventName()`", h))
		}
		name := u.EventName()
		if _, exists := m[name]; exists {
			panic(fmt.Errorf("handler for event %s: %w", name, ErrDuplicateHandler))
		}
		m[name] = h
	}
	return &EventGroupProcessor{handlers: m}
}

// Handle routes the envelope to the handler registered for its payload
// type. Returns ErrSkippedEvent when no handler matches.
func (p *EventGroupProcessor) Handle(ctx context.Context, env *Envelope) error {
	h, ok := p.handlers[TypeName(env.Event)]
	if !ok {
		return &ErrSkippedEvent{Event: env.Event}
	}
	return h.Handle(ctx, env)
}

// EventNames returns the sorted list of event names handled by the group.
func (p *EventGroupProcessor) EventNames() []string {
	out := make([]string, 0, len(p.handlers))
	for name := range p.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
