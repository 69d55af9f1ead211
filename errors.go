package eventsourcing

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidEventBatch is returned when a batch mixes aggregates or
	// its versions are not contiguous.
	ErrInvalidEventBatch = errors.New("invalid event batch")

	// ErrBusClosed is returned when subscribing to or dispatching on a
	// closed event bus.
	ErrBusClosed = errors.New("event bus is closed")

	// ErrDuplicateHandler is returned when two handlers are registered
	// under the same key.
	ErrDuplicateHandler = errors.New("duplicate handler")

	// ErrHandlerNotFound is returned when no handler is registered for a
	// query or event type.
	ErrHandlerNotFound = errors.New("handler not found")
)

// VersionConflictError reports an optimistic-concurrency violation: the
// append expected the stream to be at Expected but it was at Actual.
// The caller should reload the aggregate, reapply its intent and retry.
type VersionConflictError struct {
	AggregateID string
	Expected    uint64
	Actual      uint64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on aggregate %q: expected %d, stream at %d",
		e.AggregateID, e.Expected, e.Actual)
}

// DomainValidationError reports a command precondition failure. No event
// is produced and no state is mutated.
type DomainValidationError struct {
	Rule string
	Msg  string
}

func (e *DomainValidationError) Error() string {
	return fmt.Sprintf("domain validation failed (%s): %s", e.Rule, e.Msg)
}

// NotFoundError reports an unknown aggregate, snapshot or projection.
type NotFoundError struct {
	Kind string
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Key)
}

// HandlerError wraps a failure inside a subscriber or projection handler.
// It is isolated at the dispatch boundary: logged and surfaced on the bus
// error channel, never re-raised into the appender.
type HandlerError struct {
	Subscriber string
	Err        error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %q: %v", e.Subscriber, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// ErrSkippedEvent is returned when a typed handler cannot handle the
// event type it received.
type ErrSkippedEvent struct {
	Event Event
}

func (e *ErrSkippedEvent) Error() string {
	return fmt.Sprintf("skipped event of type %T", e.Event)
}

// EventStoreError wraps a store-specific persistence failure.
type EventStoreError struct {
	Err error
}

func (e *EventStoreError) Error() string {
	return fmt.Sprintf("eventstore error: %v", e.Err)
}

func (e *EventStoreError) Unwrap() error {
	return e.Err
}

// WrapEventStoreError wraps err as an EventStoreError, passing nil through.
func WrapEventStoreError(err error) error {
	if err == nil {
		return nil
	}
	return &EventStoreError{Err: err}
}

// IsVersionConflict reports whether err is (or wraps) a version conflict.
func IsVersionConflict(err error) bool {
	var conflict *VersionConflictError
	return errors.As(err, &conflict)
}
