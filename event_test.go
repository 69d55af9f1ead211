package eventsourcing_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	es "github.com/openledger/eventsourcing"
)

func TestNewEnvelope(t *testing.T) {
	event := &counterIncremented{ID: "counter-1", By: 2}
	env := es.NewEnvelope(event, 3)

	assert.NotEqual(t, uuid.Nil, env.EventID)
	assert.Equal(t, "counter-1", env.AggregateID)
	assert.Equal(t, "CounterIncremented", env.EventType)
	assert.Same(t, event, env.Event)
	assert.Equal(t, uint64(3), env.Version)
	assert.Zero(t, env.GlobalSeq)
	assert.False(t, env.OccurredAt.IsZero())
	assert.NotNil(t, env.Metadata)
}

func TestNewEnvelope_Options(t *testing.T) {
	id := uuid.New()
	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	env := es.NewEnvelope(&counterIncremented{ID: "counter-1", By: 1}, 1,
		es.WithEventID(id),
		es.WithOccurredAt(at),
		es.WithMetadata(map[string]any{"actor": "tester"}),
		es.WithMetadata(map[string]any{"trace": "abc"}),
	)

	assert.Equal(t, id, env.EventID)
	assert.Equal(t, at, env.OccurredAt)
	assert.Equal(t, "tester", env.Metadata["actor"])
	assert.Equal(t, "abc", env.Metadata["trace"])
}

func TestTypeName(t *testing.T) {
	assert.Equal(t, "counterIncremented", es.TypeName(counterIncremented{}))
	assert.Equal(t, "counterIncremented", es.TypeName(&counterIncremented{}))
	assert.Equal(t, "counterIncremented", es.TypeName((*counterIncremented)(nil)))
	assert.Equal(t, "", es.TypeName(nil))
}

type registeredEvent struct {
	ID string
}

func (e *registeredEvent) AggregateID() string { return e.ID }
func (e *registeredEvent) EventType() string   { return "RegisteredEvent" }

func TestEventRegistry(t *testing.T) {
	es.RegisterEventByType(func() es.Event { return &registeredEvent{} })

	first, err := es.NewEventByName("RegisteredEvent")
	require.NoError(t, err)
	second, err := es.NewEventByName("RegisteredEvent")
	require.NoError(t, err)

	// Fresh instance per call.
	assert.NotSame(t, first, second)
	assert.IsType(t, &registeredEvent{}, first)

	_, err = es.NewEventByName("NeverRegistered")
	require.Error(t, err)

	require.Panics(t, func() {
		es.RegisterEventByType(func() es.Event { return &registeredEvent{} })
	})
	require.Panics(t, func() {
		es.RegisterEventByName("Nil", nil)
	})
}
