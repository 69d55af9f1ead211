// Package disk provides a file-backed event store. Each committed
// envelope is one JSON document under the aggregate's directory, with a
// mirror under all/ preserving global append order. Typed payloads are
// rehydrated through the event registry, so factories must be registered
// (with pointer events) before loading.
package disk

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	es "github.com/openledger/eventsourcing"
)

var _ es.EventStore = (*Store)(nil)

const (
	streamsDir   = "streams"
	globalDir    = "all"
	snapshotFile = "snapshot.json"
)

// record is the persisted form of an envelope.
type record struct {
	EventID     uuid.UUID       `json:"event_id"`
	AggregateID string          `json:"aggregate_id"`
	EventType   string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload"`
	Metadata    map[string]any  `json:"metadata"`
	Version     uint64          `json:"version"`
	GlobalSeq   uint64          `json:"global_seq"`
	OccurredAt  time.Time       `json:"occurred_at"`
}

// Store is a file-backed append-only event store.
type Store struct {
	baseDir    string
	dispatcher es.EventDispatcher

	// mu guards the files and globalSeq. Committed envelopes are
	// enqueued on pending while mu is held and drained under dispatchMu
	// after release, so fan-out follows commit order without mu being
	// held across a dispatch.
	mu         sync.Mutex
	dispatchMu sync.Mutex
	pending    []*es.Envelope
	globalSeq  uint64
}

// Option configures a Store.
type Option func(*Store)

// WithDispatcher sets the dispatcher notified after each commit.
func WithDispatcher(d es.EventDispatcher) Option {
	return func(s *Store) { s.dispatcher = d }
}

// NewStore opens (or creates) a store rooted at dir. The global
// sequence resumes from the existing log.
func NewStore(dir string, options ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, streamsDir), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, globalDir), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	_ = es.Init()
	s := &Store{baseDir: dir}
	for _, o := range options {
		o(s)
	}

	seq, err := s.scanGlobalSeq()
	if err != nil {
		return nil, err
	}
	s.globalSeq = seq
	return s, nil
}

func (s *Store) streamDir(id string) string {
	return filepath.Join(s.baseDir, streamsDir, id)
}

// Append commits a single event; see AppendBatch for the semantics.
func (s *Store) Append(ctx context.Context, env es.Envelope) (*es.Envelope, error) {
	committed, _, err := s.commit(ctx, []es.Envelope{env})
	if err != nil {
		return nil, err
	}
	return committed[0], nil
}

// AppendBatch atomically commits an ordered batch for one aggregate.
// Version contiguity for the whole batch is validated before the first
// byte is written; on a mid-batch write failure already-written files
// are removed so no partial batch becomes visible.
func (s *Store) AppendBatch(ctx context.Context, envs []es.Envelope) (es.AppendResult, error) {
	_, result, err := s.commit(ctx, envs)
	return result, err
}

func (s *Store) commit(ctx context.Context, envs []es.Envelope) ([]*es.Envelope, es.AppendResult, error) {
	if len(envs) == 0 {
		return nil, es.AppendResult{Successful: true}, nil
	}

	id := envs[0].AggregateID

	s.mu.Lock()

	lastVersion, err := s.lastVersionLocked(id)
	if err != nil {
		s.mu.Unlock()
		return nil, es.AppendResult{}, err
	}
	for i := range envs {
		if envs[i].AggregateID != id {
			s.mu.Unlock()
			return nil, es.AppendResult{}, fmt.Errorf("append batch to aggregate %q: %w: event %d targets aggregate %q",
				id, es.ErrInvalidEventBatch, i, envs[i].AggregateID)
		}
		if envs[i].Version != lastVersion+uint64(i)+1 {
			s.mu.Unlock()
			return nil, es.AppendResult{}, &es.VersionConflictError{
				AggregateID: id,
				Expected:    envs[i].Version,
				Actual:      lastVersion + uint64(i),
			}
		}
	}

	if err := os.MkdirAll(s.streamDir(id), 0o755); err != nil {
		s.mu.Unlock()
		return nil, es.AppendResult{}, es.WrapEventStoreError(err)
	}

	committed := make([]*es.Envelope, 0, len(envs))
	var written []string
	for i := range envs {
		env := envs[i]
		env.GlobalSeq = s.globalSeq + uint64(i) + 1

		rec, err := encodeRecord(&env)
		if err != nil {
			s.rollback(written)
			s.mu.Unlock()
			return nil, es.AppendResult{}, err
		}

		streamPath := filepath.Join(s.streamDir(id), versionFileName(env.Version))
		globalPath := filepath.Join(s.baseDir, globalDir, seqFileName(env.GlobalSeq))
		for _, path := range []string{streamPath, globalPath} {
			if err := writeFileAtomic(path, rec); err != nil {
				s.rollback(written)
				s.mu.Unlock()
				return nil, es.AppendResult{}, es.WrapEventStoreError(err)
			}
			written = append(written, path)
		}
		committed = append(committed, &env)
	}
	s.globalSeq += uint64(len(envs))
	next := lastVersion + uint64(len(envs))

	if s.dispatcher != nil {
		s.pending = append(s.pending, committed...)
	}
	s.mu.Unlock()

	s.drainPending(ctx)

	return committed, es.AppendResult{Successful: true, NextExpectedVersion: next}, nil
}

// drainPending dispatches queued envelopes in commit order; see the
// memory store for the TryLock handoff rationale.
func (s *Store) drainPending(ctx context.Context) {
	if s.dispatcher == nil {
		return
	}

	for {
		if !s.dispatchMu.TryLock() {
			return
		}
		for {
			s.mu.Lock()
			batch := s.pending
			s.pending = nil
			s.mu.Unlock()

			if len(batch) == 0 {
				break
			}
			for _, env := range batch {
				s.dispatcher.Dispatch(ctx, env)
			}
		}
		s.dispatchMu.Unlock()

		s.mu.Lock()
		again := len(s.pending) > 0
		s.mu.Unlock()
		if !again {
			return
		}
	}
}

func (s *Store) rollback(paths []string) {
	for _, p := range paths {
		os.Remove(p)
	}
}

// Load returns the aggregate's events with version greater than
// fromVersion. Unknown aggregates yield an empty iterator.
func (s *Store) Load(ctx context.Context, id string, fromVersion uint64) (*es.Iterator[*es.Envelope], error) {
	s.mu.Lock()
	lastVersion, err := s.lastVersionLocked(id)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var envs []*es.Envelope
	for v := fromVersion + 1; v <= lastVersion; v++ {
		env, err := s.readRecord(filepath.Join(s.streamDir(id), versionFileName(v)))
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	return es.NewSliceIterator(envs), nil
}

// LoadAll returns all events in global append order, optionally
// narrowed by the filter.
func (s *Store) LoadAll(ctx context.Context, filter es.Filter) (*es.Iterator[*es.Envelope], error) {
	s.mu.Lock()
	seq := s.globalSeq
	s.mu.Unlock()

	var envs []*es.Envelope
	for g := uint64(1); g <= seq; g++ {
		env, err := s.readRecord(filepath.Join(s.baseDir, globalDir, seqFileName(g)))
		if err != nil {
			return nil, err
		}
		if filter.Matches(env) {
			envs = append(envs, env)
		}
	}
	return es.NewSliceIterator(envs), nil
}

// LastVersion returns the max committed version for the aggregate, or 0.
func (s *Store) LastVersion(ctx context.Context, id string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastVersionLocked(id)
}

// SaveSnapshot stores the snapshot, latest wins.
func (s *Store) SaveSnapshot(ctx context.Context, snap es.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.streamDir(snap.AggregateID), 0o755); err != nil {
		return es.WrapEventStoreError(err)
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot for aggregate %q: %w", snap.AggregateID, err)
	}
	path := filepath.Join(s.streamDir(snap.AggregateID), snapshotFile)
	return es.WrapEventStoreError(writeFileAtomic(path, data))
}

// LoadSnapshot returns the current snapshot for the aggregate.
func (s *Store) LoadSnapshot(ctx context.Context, id string) (*es.Snapshot, error) {
	data, err := os.ReadFile(filepath.Join(s.streamDir(id), snapshotFile))
	if os.IsNotExist(err) {
		return nil, &es.NotFoundError{Kind: "snapshot", Key: id}
	}
	if err != nil {
		return nil, es.WrapEventStoreError(err)
	}
	var snap es.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot for aggregate %q: %w", id, err)
	}
	return &snap, nil
}

// Close is a no-op for the disk store; files are written through.
func (s *Store) Close() error {
	return nil
}

func (s *Store) lastVersionLocked(id string) (uint64, error) {
	entries, err := os.ReadDir(s.streamDir(id))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, es.WrapEventStoreError(err)
	}

	var last uint64
	for _, entry := range entries {
		v, ok := parseVersionFileName(entry.Name())
		if ok && v > last {
			last = v
		}
	}
	return last, nil
}

func (s *Store) scanGlobalSeq() (uint64, error) {
	entries, err := os.ReadDir(filepath.Join(s.baseDir, globalDir))
	if err != nil {
		return 0, es.WrapEventStoreError(err)
	}
	var last uint64
	for _, entry := range entries {
		v, ok := parseVersionFileName(entry.Name())
		if ok && v > last {
			last = v
		}
	}
	return last, nil
}

func (s *Store) readRecord(path string) (*es.Envelope, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, es.WrapEventStoreError(err)
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode event record %s: %w", filepath.Base(path), err)
	}

	event, err := es.NewEventByName(rec.EventType)
	if err != nil {
		return nil, fmt.Errorf("rehydrate event %s v%d: %w", rec.AggregateID, rec.Version, err)
	}
	if err := json.Unmarshal(rec.Payload, event); err != nil {
		return nil, fmt.Errorf("decode event payload %s v%d: %w", rec.AggregateID, rec.Version, err)
	}

	return &es.Envelope{
		EventID:     rec.EventID,
		AggregateID: rec.AggregateID,
		EventType:   rec.EventType,
		Event:       event,
		Metadata:    rec.Metadata,
		Version:     rec.Version,
		GlobalSeq:   rec.GlobalSeq,
		OccurredAt:  rec.OccurredAt,
	}, nil
}

func encodeRecord(env *es.Envelope) ([]byte, error) {
	payload, err := json.Marshal(env.Event)
	if err != nil {
		return nil, fmt.Errorf("encode event payload %s v%d: %w", env.AggregateID, env.Version, err)
	}
	rec := record{
		EventID:     env.EventID,
		AggregateID: env.AggregateID,
		EventType:   env.EventType,
		Payload:     payload,
		Metadata:    env.Metadata,
		Version:     env.Version,
		GlobalSeq:   env.GlobalSeq,
		OccurredAt:  env.OccurredAt,
	}
	return json.Marshal(rec)
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func versionFileName(v uint64) string {
	return fmt.Sprintf("%010d.json", v)
}

func seqFileName(g uint64) string {
	return fmt.Sprintf("%020d.json", g)
}

func parseVersionFileName(name string) (uint64, bool) {
	if !strings.HasSuffix(name, ".json") || name == snapshotFile {
		return 0, false
	}
	v, err := strconv.ParseUint(strings.TrimSuffix(name, ".json"), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
