// Package logging provides slog middleware for event handlers.
package logging

import (
	"context"
	"log/slog"

	es "github.com/openledger/eventsourcing"
)

// WithLoggingMiddleware wraps an EventHandler with structured logging of
// each delivery, keyed by the envelope context.
func WithLoggingMiddleware(logger *slog.Logger, next es.EventHandler) es.EventHandler {
	return es.NewEventHandlerFunc(func(ctx context.Context, env *es.Envelope) error {
		l := logger.With(
			"aggregate_id", env.AggregateID,
			"event_type", env.EventType,
			"event_id", env.EventID,
			"version", env.Version,
			"global_seq", env.GlobalSeq,
		)

		l.DebugContext(ctx, "event processing started")

		err := next.Handle(ctx, env)
		if err != nil {
			l.ErrorContext(ctx, "error processing event", "error", err)
		} else {
			l.DebugContext(ctx, "event processed successfully")
		}

		return err
	})
}
