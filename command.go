package eventsourcing

// Command expresses the intent to change one aggregate.
type Command interface {
	AggregateID() string
}
