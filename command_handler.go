package eventsourcing

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
)

// CommandHandler handles commands of a specific type against the event
// store and reports the append outcome.
type CommandHandler[C Command] func(ctx context.Context, command C) (AppendResult, error)

// Evolver folds one historical envelope into the aggregate state.
type Evolver[T any] func(currentState T, env *Envelope) T

// Decider produces the events a command should cause given the current
// state, or a domain error when a business rule rejects it. Deciders
// must not mutate the state they receive.
type Decider[T any, C Command] func(state T, cmd C) ([]Event, error)

// CommandHandlerOption configures NewCommandHandler.
type CommandHandlerOption func(*handlerOptions)

type handlerOptions struct {
	// RetryStrategy controls retries on version conflicts. Defaults to
	// no retries; domain errors are never retried.
	RetryStrategy func() backoff.BackOff

	// MetadataFuncs enrich every persisted event with metadata derived
	// from the context.
	MetadataFuncs []func(ctx context.Context) map[string]any
}

// WithConflictRetry retries the load-decide-append cycle on version
// conflicts using the given strategy factory. A fresh BackOff is created
// per command so handlers stay safe for concurrent use.
func WithConflictRetry(strategy func() backoff.BackOff) CommandHandlerOption {
	return func(cfg *handlerOptions) { cfg.RetryStrategy = strategy }
}

// WithCommandMetadata adds a metadata enricher applied to every event
// the handler persists.
func WithCommandMetadata(fn func(ctx context.Context) map[string]any) CommandHandlerOption {
	return func(cfg *handlerOptions) { cfg.MetadataFuncs = append(cfg.MetadataFuncs, fn) }
}

// NewCommandHandler builds a functional command handler around the
// load/decide/append cycle:
//
//  1. Load the aggregate's history and fold it with evolve.
//  2. Let decide produce new events (or reject with a domain error).
//  3. Wrap the events in envelopes at the next contiguous versions.
//  4. Append the batch atomically; on *VersionConflictError the whole
//     cycle is retried per the configured strategy, reloading state so
//     the intent is reapplied on top of the winner's events.
//
// This is the read-modify-write retry loop callers of Repository.Save
// would otherwise write by hand.
func NewCommandHandler[T any, C Command](
	store EventStore,
	initialState T,
	evolve Evolver[T],
	decide Decider[T, C],
	options ...CommandHandlerOption,
) CommandHandler[C] {
	cfg := &handlerOptions{
		RetryStrategy: func() backoff.BackOff { return &backoff.StopBackOff{} },
	}
	for _, o := range options {
		o(cfg)
	}

	return func(ctx context.Context, command C) (AppendResult, error) {
		id := command.AggregateID()

		return backoff.RetryWithData(func() (AppendResult, error) {
			state := initialState
			var version uint64

			iter, err := store.Load(ctx, id, 0)
			if err != nil {
				return AppendResult{}, backoff.Permanent(
					fmt.Errorf("handle command %T for aggregate %q: load failed: %w", command, id, err))
			}
			for iter.Next(ctx) {
				env := iter.Value()
				version = env.Version
				state = evolve(state, env)
			}
			if err := iter.Err(); err != nil {
				return AppendResult{}, backoff.Permanent(
					fmt.Errorf("handle command %T for aggregate %q: replay failed: %w", command, id, err))
			}

			events, err := decide(state, command)
			if err != nil {
				return AppendResult{}, backoff.Permanent(
					fmt.Errorf("handle command %T for aggregate %q: %w", command, id, err))
			}
			if len(events) == 0 {
				return AppendResult{Successful: true, NextExpectedVersion: version}, nil
			}

			metadata := make(map[string]any)
			for _, fn := range cfg.MetadataFuncs {
				for k, v := range fn(ctx) {
					metadata[k] = v
				}
			}

			envelopes := make([]Envelope, len(events))
			for i, event := range events {
				version++
				envelopes[i] = NewEnvelope(event, version, WithMetadata(metadata))
			}

			result, err := store.AppendBatch(ctx, envelopes)
			if err != nil {
				var conflict *VersionConflictError
				if errors.As(err, &conflict) {
					return AppendResult{}, conflict // retriable
				}
				return result, backoff.Permanent(
					fmt.Errorf("handle command %T for aggregate %q: append failed: %w", command, id, err))
			}
			return result, nil
		}, cfg.RetryStrategy())
	}
}
