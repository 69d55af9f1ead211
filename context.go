package eventsourcing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type ctxKey string

const (
	aggregateIDKey ctxKey = "aggregateID"
	eventIDKey     ctxKey = "eventID"
	versionKey     ctxKey = "version"
	globalSeqKey   ctxKey = "globalSeq"
	occurredAtKey  ctxKey = "occurredAt"
	metadataKey    ctxKey = "metadata"
)

// WithEnvelope annotates the context with the envelope being dispatched,
// so handlers and middleware can log and correlate without threading the
// envelope through every layer.
func WithEnvelope(ctx context.Context, env *Envelope) context.Context {
	ctx = context.WithValue(ctx, aggregateIDKey, env.AggregateID)
	ctx = context.WithValue(ctx, eventIDKey, env.EventID)
	ctx = context.WithValue(ctx, versionKey, env.Version)
	ctx = context.WithValue(ctx, globalSeqKey, env.GlobalSeq)
	ctx = context.WithValue(ctx, occurredAtKey, env.OccurredAt)
	ctx = context.WithValue(ctx, metadataKey, env.Metadata)
	return ctx
}

// AggregateIDFromContext returns the aggregate id or "" if not present.
func AggregateIDFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(aggregateIDKey).(string); ok {
		return s
	}
	return ""
}

// EventIDFromContext returns the event id or uuid.Nil if not present.
func EventIDFromContext(ctx context.Context) uuid.UUID {
	if id, ok := ctx.Value(eventIDKey).(uuid.UUID); ok {
		return id
	}
	return uuid.Nil
}

// VersionFromContext returns the per-aggregate version or 0 if not present.
func VersionFromContext(ctx context.Context) uint64 {
	if v, ok := ctx.Value(versionKey).(uint64); ok {
		return v
	}
	return 0
}

// GlobalSeqFromContext returns the global sequence or 0 if not present.
func GlobalSeqFromContext(ctx context.Context) uint64 {
	if v, ok := ctx.Value(globalSeqKey).(uint64); ok {
		return v
	}
	return 0
}

// OccurredAtFromContext returns the event timestamp or the zero time.
func OccurredAtFromContext(ctx context.Context) time.Time {
	if t, ok := ctx.Value(occurredAtKey).(time.Time); ok {
		return t
	}
	return time.Time{}
}

// MetadataFromContext returns the event metadata or nil.
func MetadataFromContext(ctx context.Context) map[string]any {
	if md, ok := ctx.Value(metadataKey).(map[string]any); ok {
		return md
	}
	return nil
}
