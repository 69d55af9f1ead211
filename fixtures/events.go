// Package fixtures provides reusable test doubles for the library's own
// tests and for consumers testing against the store contract.
package fixtures

import (
	es "github.com/openledger/eventsourcing"
)

// TestEvent is a configurable event implementing the Event interface.
type TestEvent struct {
	ID   string
	Type string
	Data string
}

func (e *TestEvent) AggregateID() string { return e.ID }
func (e *TestEvent) EventType() string   { return e.Type }

// TestEventBuilder provides a fluent API for constructing test events.
type TestEventBuilder struct {
	id   string
	typ  string
	data string
}

// NewTestEvent creates a builder with sensible defaults.
func NewTestEvent() *TestEventBuilder {
	return &TestEventBuilder{
		id:  "aggregate-1",
		typ: "TestEvent",
	}
}

// WithID sets the aggregate ID.
func (b *TestEventBuilder) WithID(id string) *TestEventBuilder {
	b.id = id
	return b
}

// WithType sets the event type.
func (b *TestEventBuilder) WithType(typ string) *TestEventBuilder {
	b.typ = typ
	return b
}

// WithData sets custom data on the event.
func (b *TestEventBuilder) WithData(data string) *TestEventBuilder {
	b.data = data
	return b
}

// Build constructs the TestEvent.
func (b *TestEventBuilder) Build() *TestEvent {
	return &TestEvent{
		ID:   b.id,
		Type: b.typ,
		Data: b.data,
	}
}

// Envelope wraps the built event at the given version.
func (b *TestEventBuilder) Envelope(version uint64) es.Envelope {
	return es.NewEnvelope(b.Build(), version)
}
