package eventsourcing

import (
	"reflect"
	"time"

	"github.com/google/uuid"
)

var now = time.Now

// Event is a domain event describing a change that has happened to an aggregate.
type Event interface {
	AggregateID() string
	EventType() string
}

// Envelope wraps a domain event with the bookkeeping the store needs:
// identity, per-aggregate version, global append order and metadata.
//
// Version is 1-based and contiguous within an aggregate. GlobalSeq is
// assigned by the store on commit and orders events across aggregates.
type Envelope struct {
	EventID     uuid.UUID
	AggregateID string
	EventType   string
	Event       Event
	Metadata    map[string]any
	Version     uint64
	GlobalSeq   uint64
	OccurredAt  time.Time
}

// EventOption customizes an Envelope at construction time.
type EventOption func(*Envelope)

// WithMetadata merges the given keys into the envelope metadata.
func WithMetadata(md map[string]any) EventOption {
	return func(env *Envelope) {
		for k, v := range md {
			env.Metadata[k] = v
		}
	}
}

// WithOccurredAt overrides the envelope timestamp.
func WithOccurredAt(t time.Time) EventOption {
	return func(env *Envelope) { env.OccurredAt = t }
}

// WithEventID overrides the generated event id.
func WithEventID(id uuid.UUID) EventOption {
	return func(env *Envelope) { env.EventID = id }
}

// NewEnvelope wraps an event at the given version.
func NewEnvelope(event Event, version uint64, options ...EventOption) Envelope {
	env := Envelope{
		EventID:     uuid.New(),
		AggregateID: event.AggregateID(),
		EventType:   event.EventType(),
		Event:       event,
		Metadata:    make(map[string]any),
		Version:     version,
		OccurredAt:  now(),
	}
	for _, option := range options {
		option(&env)
	}
	return env
}

// TypeName returns the name of the dynamic type of v, pointer indirections
// stripped. Used to key handlers and registries by type.
func TypeName(v any) string {
	if v == nil {
		return ""
	}
	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}
