package eventsourcing

import (
	"fmt"
	"sync"
)

var (
	// registry maps event type names to factory functions. Serializing
	// backends use it to rehydrate typed payloads from stored bytes.
	registry = map[string]func() Event{}

	registryMu sync.RWMutex
)

// RegisterEventByType registers an Event under the name its EventType()
// reports. The factory must return a fresh instance on every call.
//
// Panics on a nil factory, a factory returning nil, or a name collision;
// registration happens at init time and those are wiring errors.
func RegisterEventByType(fn func() Event) {
	RegisterEventByName(fn().EventType(), fn)
}

// RegisterEventByName registers an Event factory under an explicit name,
// independent of EventType(). Same panic rules as RegisterEventByType.
func RegisterEventByName(name string, fn func() Event) {
	if fn == nil {
		panic("cannot register nil factory")
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("event already registered: %s", name))
	}

	ev := fn()
	if ev == nil {
		panic(fmt.Sprintf("factory returned nil for event: %s", name))
	}

	registry[name] = fn
}

// NewEventByName creates a fresh instance of a registered event.
func NewEventByName(name string) (Event, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("event not registered: %s", name)
	}
	ev := factory()
	if ev == nil {
		return nil, fmt.Errorf("factory returned nil for event: %s", name)
	}
	return ev, nil
}
