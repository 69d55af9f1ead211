package eventsourcing

import "context"

// EventFilter selects which committed envelopes a subscriber receives.
type EventFilter func(env *Envelope) bool

// MatchAll subscribes to every event (wildcard).
func MatchAll() EventFilter {
	return func(*Envelope) bool { return true }
}

// MatchEventTypes subscribes to the named event types only.
func MatchEventTypes(types ...string) EventFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(env *Envelope) bool {
		_, ok := set[env.EventType]
		return ok
	}
}

// MatchAggregate subscribes to a single aggregate's events.
func MatchAggregate(id string) EventFilter {
	return func(env *Envelope) bool { return env.AggregateID == id }
}

type SubscriberOption func(cfg any)

// EventBus fans committed events out to registered subscribers.
// Subscribers are established at construction/subscription time as an
// explicit registry; matching is by filter, not by stringly-typed global
// maps. A handler failure is isolated at the dispatch boundary: it is
// logged, surfaced on Errors(), and never reaches the appender.
type EventBus interface {
	// Subscribe registers a named handler behind a filter. The name must
	// be unique on the bus. The subscription is removed when ctx ends.
	Subscribe(ctx context.Context, name string, filter EventFilter, handler EventHandler, options ...SubscriberOption) error

	// Errors returns the channel where isolated handler errors surface.
	Errors() <-chan error

	// Close shuts the bus down and waits for in-flight dispatches.
	Close() error
}
