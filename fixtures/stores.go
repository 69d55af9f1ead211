package fixtures

import (
	"context"
	"sync"

	es "github.com/openledger/eventsourcing"
)

// StoreSpy is a configurable mock EventStore. It tracks calls and allows
// injecting custom behavior or failures.
type StoreSpy struct {
	mu sync.Mutex

	// Function overrides for custom behavior
	AppendFn       func(ctx context.Context, env es.Envelope) (*es.Envelope, error)
	AppendBatchFn  func(ctx context.Context, envs []es.Envelope) (es.AppendResult, error)
	LoadFn         func(ctx context.Context, id string, fromVersion uint64) (*es.Iterator[*es.Envelope], error)
	LoadAllFn      func(ctx context.Context, filter es.Filter) (*es.Iterator[*es.Envelope], error)
	LastVersionFn  func(ctx context.Context, id string) (uint64, error)
	SaveSnapshotFn func(ctx context.Context, snap es.Snapshot) error
	LoadSnapshotFn func(ctx context.Context, id string) (*es.Snapshot, error)

	// Call tracking
	AppendCalls       int
	AppendBatchCalls  int
	LoadCalls         int
	LoadAllCalls      int
	SaveSnapshotCalls int
	LoadSnapshotCalls int
	CloseCalls        int

	// Captured arguments from the last call
	LastBatch    []es.Envelope
	LastLoadID   string
	LastLoadFrom uint64
	LastSnapshot es.Snapshot

	// Pre-configured data
	events map[string][]*es.Envelope
}

var _ es.EventStore = (*StoreSpy)(nil)

// NewStoreSpy creates a spy with default pass-through behavior over the
// pre-configured events.
func NewStoreSpy() *StoreSpy {
	return &StoreSpy{
		events: make(map[string][]*es.Envelope),
	}
}

// WithEvents pre-populates the spy with events for an aggregate.
func (s *StoreSpy) WithEvents(id string, envs ...es.Envelope) *StoreSpy {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range envs {
		env := envs[i]
		s.events[id] = append(s.events[id], &env)
	}
	return s
}

func (s *StoreSpy) Append(ctx context.Context, env es.Envelope) (*es.Envelope, error) {
	s.mu.Lock()
	s.AppendCalls++
	fn := s.AppendFn
	s.mu.Unlock()
	if fn != nil {
		return fn(ctx, env)
	}
	s.WithEvents(env.AggregateID, env)
	return &env, nil
}

func (s *StoreSpy) AppendBatch(ctx context.Context, envs []es.Envelope) (es.AppendResult, error) {
	s.mu.Lock()
	s.AppendBatchCalls++
	s.LastBatch = envs
	fn := s.AppendBatchFn
	s.mu.Unlock()
	if fn != nil {
		return fn(ctx, envs)
	}
	if len(envs) > 0 {
		s.WithEvents(envs[0].AggregateID, envs...)
	}
	var next uint64
	if len(envs) > 0 {
		next = envs[len(envs)-1].Version
	}
	return es.AppendResult{Successful: true, NextExpectedVersion: next}, nil
}

func (s *StoreSpy) Load(ctx context.Context, id string, fromVersion uint64) (*es.Iterator[*es.Envelope], error) {
	s.mu.Lock()
	s.LoadCalls++
	s.LastLoadID = id
	s.LastLoadFrom = fromVersion
	fn := s.LoadFn
	var tail []*es.Envelope
	for _, env := range s.events[id] {
		if env.Version > fromVersion {
			tail = append(tail, env)
		}
	}
	s.mu.Unlock()
	if fn != nil {
		return fn(ctx, id, fromVersion)
	}
	return es.NewSliceIterator(tail), nil
}

func (s *StoreSpy) LoadAll(ctx context.Context, filter es.Filter) (*es.Iterator[*es.Envelope], error) {
	s.mu.Lock()
	s.LoadAllCalls++
	fn := s.LoadAllFn
	var all []*es.Envelope
	for _, stream := range s.events {
		for _, env := range stream {
			if filter.Matches(env) {
				all = append(all, env)
			}
		}
	}
	s.mu.Unlock()
	if fn != nil {
		return fn(ctx, filter)
	}
	return es.NewSliceIterator(all), nil
}

func (s *StoreSpy) LastVersion(ctx context.Context, id string) (uint64, error) {
	if s.LastVersionFn != nil {
		return s.LastVersionFn(ctx, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(len(s.events[id])), nil
}

func (s *StoreSpy) SaveSnapshot(ctx context.Context, snap es.Snapshot) error {
	s.mu.Lock()
	s.SaveSnapshotCalls++
	s.LastSnapshot = snap
	fn := s.SaveSnapshotFn
	s.mu.Unlock()
	if fn != nil {
		return fn(ctx, snap)
	}
	return nil
}

func (s *StoreSpy) LoadSnapshot(ctx context.Context, id string) (*es.Snapshot, error) {
	s.mu.Lock()
	s.LoadSnapshotCalls++
	fn := s.LoadSnapshotFn
	s.mu.Unlock()
	if fn != nil {
		return fn(ctx, id)
	}
	return nil, &es.NotFoundError{Kind: "snapshot", Key: id}
}

func (s *StoreSpy) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCalls++
	return nil
}
