package eventsourcing

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/openledger/eventsourcing"

// Shared attribute keys used on spans and metrics.
var (
	AttrAggregateID = attribute.Key("eventsourcing.aggregate.id")
	AttrEventType   = attribute.Key("eventsourcing.event.type")
	AttrProjection  = attribute.Key("eventsourcing.projection.name")
	AttrSubscriber  = attribute.Key("eventsourcing.subscriber.name")
)

var (
	meter metric.Meter

	// Event log metrics
	EventsAppended metric.Int64Counter
	EventsLoaded   metric.Int64Counter

	// Concurrency metrics
	ConcurrencyConflicts metric.Int64Counter

	// Snapshot metrics
	SnapshotsTaken    metric.Int64Counter
	SnapshotsRestored metric.Int64Counter

	// EventBus metrics
	EventBusPublished   metric.Int64Counter
	EventBusErrors      metric.Int64Counter
	EventBusSubscribers metric.Int64UpDownCounter

	// Projection metrics
	ProjectionApplies  metric.Int64Counter
	ProjectionRebuilds metric.Int64Counter

	once        sync.Once
	initErr     error
	initialized bool
)

// Init initializes the global instruments. Call once at startup; all
// instruments are no-ops until then.
func Init() error {
	once.Do(func() {
		meter = otel.Meter(instrumentationName)
		initErr = initializeMetrics()
		if initErr == nil {
			initialized = true
		}
	})
	return initErr
}

func initializeMetrics() error {
	var err error

	EventsAppended, err = meter.Int64Counter(
		"eventsourcing.events.appended",
		metric.WithDescription("Number of events appended to the log"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return err
	}

	EventsLoaded, err = meter.Int64Counter(
		"eventsourcing.events.loaded",
		metric.WithDescription("Number of events loaded from the log"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return err
	}

	ConcurrencyConflicts, err = meter.Int64Counter(
		"eventsourcing.concurrency.conflicts",
		metric.WithDescription("Number of optimistic concurrency conflicts"),
		metric.WithUnit("{conflict}"),
	)
	if err != nil {
		return err
	}

	SnapshotsTaken, err = meter.Int64Counter(
		"eventsourcing.snapshots.taken",
		metric.WithDescription("Number of snapshots persisted"),
		metric.WithUnit("{snapshot}"),
	)
	if err != nil {
		return err
	}

	SnapshotsRestored, err = meter.Int64Counter(
		"eventsourcing.snapshots.restored",
		metric.WithDescription("Number of aggregate loads served from a snapshot"),
		metric.WithUnit("{snapshot}"),
	)
	if err != nil {
		return err
	}

	EventBusPublished, err = meter.Int64Counter(
		"eventsourcing.eventbus.published",
		metric.WithDescription("Number of events dispatched to subscribers"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return err
	}

	EventBusErrors, err = meter.Int64Counter(
		"eventsourcing.eventbus.errors",
		metric.WithDescription("Number of isolated subscriber handler errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return err
	}

	EventBusSubscribers, err = meter.Int64UpDownCounter(
		"eventsourcing.eventbus.subscribers",
		metric.WithDescription("Number of active subscribers"),
		metric.WithUnit("{subscriber}"),
	)
	if err != nil {
		return err
	}

	ProjectionApplies, err = meter.Int64Counter(
		"eventsourcing.projection.applies",
		metric.WithDescription("Number of events folded into projections"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return err
	}

	ProjectionRebuilds, err = meter.Int64Counter(
		"eventsourcing.projection.rebuilds",
		metric.WithDescription("Number of full projection rebuilds"),
		metric.WithUnit("{rebuild}"),
	)
	return err
}

// IsInitialized returns whether the instruments have been initialized.
func IsInitialized() bool {
	return initialized
}

// MustInit initializes the instruments and panics on error.
func MustInit() {
	if err := Init(); err != nil {
		panic("failed to initialize metrics: " + err.Error())
	}
}
