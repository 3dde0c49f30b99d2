package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/drblury/vehiclerelay/internal/runtime/clock"
	errspkg "github.com/drblury/vehiclerelay/internal/runtime/errors"
	"github.com/drblury/vehiclerelay/internal/runtime/events"
)

// MemoryEventStore keeps events in a map. It is used by the in-memory demo
// and by tests; it does not survive a restart.
type MemoryEventStore struct {
	mu     sync.RWMutex
	clock  clock.Clock
	events map[string]*StoredEvent

	failMu   sync.RWMutex
	failWith func(op string) error
}

// NewMemoryEventStore returns an empty store. A nil clock uses real time.
func NewMemoryEventStore(c clock.Clock) *MemoryEventStore {
	if c == nil {
		c = clock.Real()
	}
	return &MemoryEventStore{clock: c, events: make(map[string]*StoredEvent)}
}

// FailWith makes every call fail with the error fn returns for the
// operation name. A nil fn, or fn returning nil, restores normal behaviour.
func (m *MemoryEventStore) FailWith(fn func(op string) error) {
	m.failMu.Lock()
	defer m.failMu.Unlock()
	m.failWith = fn
}

func (m *MemoryEventStore) fail(op string) error {
	m.failMu.RLock()
	fn := m.failWith
	m.failMu.RUnlock()
	if fn == nil {
		return nil
	}
	return fn(op)
}

func (m *MemoryEventStore) Persist(ctx context.Context, ev *events.VehicleEvent) (PersistResult, error) {
	if ev == nil {
		return PersistResult{}, errspkg.ErrEventRequired
	}
	if err := m.fail("persist"); err != nil {
		return PersistResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return PersistResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.events[ev.ID]; ok {
		return PersistResult{StoredEvent: *existing}, nil
	}
	stored := &StoredEvent{
		Event:     *ev,
		State:     events.RelayStored,
		UpdatedAt: m.clock.Now(),
	}
	m.events[ev.ID] = stored
	return PersistResult{StoredEvent: *stored, Inserted: true}, nil
}

func (m *MemoryEventStore) Get(_ context.Context, id string) (StoredEvent, error) {
	if err := m.fail("get"); err != nil {
		return StoredEvent{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	stored, ok := m.events[id]
	if !ok {
		return StoredEvent{}, errspkg.ErrEventNotFound
	}
	return *stored, nil
}

func (m *MemoryEventStore) MarkPublished(_ context.Context, id string) error {
	if err := m.fail("mark_published"); err != nil {
		return err
	}
	return m.update(id, func(s *StoredEvent) {
		s.State = events.RelayPublished
		s.LastError = ""
		s.PublishedAt = m.clock.Now()
	})
}

func (m *MemoryEventStore) MarkPublishFailed(_ context.Context, id string, cause error) (int, error) {
	if err := m.fail("mark_publish_failed"); err != nil {
		return 0, err
	}
	var attempts int
	err := m.update(id, func(s *StoredEvent) {
		if s.State == events.RelayPublished || s.State == events.RelayParked {
			attempts = s.Attempts
			return
		}
		s.State = events.RelayPublishFailed
		s.Attempts++
		s.LastError = errorText(cause)
		attempts = s.Attempts
	})
	return attempts, err
}

func (m *MemoryEventStore) MarkParked(_ context.Context, id string, cause error) error {
	if err := m.fail("mark_parked"); err != nil {
		return err
	}
	return m.update(id, func(s *StoredEvent) {
		if s.State == events.RelayPublished {
			return
		}
		s.State = events.RelayParked
		s.LastError = errorText(cause)
	})
}

func (m *MemoryEventStore) update(id string, fn func(*StoredEvent)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.events[id]
	if !ok {
		return errspkg.ErrEventNotFound
	}
	fn(stored)
	stored.UpdatedAt = m.clock.Now()
	return nil
}

func (m *MemoryEventStore) ListUnpublished(_ context.Context, olderThan time.Time, limit int) ([]StoredEvent, error) {
	if err := m.fail("list_unpublished"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []StoredEvent
	for _, s := range m.events {
		if (s.State == events.RelayStored || s.State == events.RelayPublishFailed) && s.UpdatedAt.Before(olderThan) {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryEventStore) CountEvents(context.Context) (int64, error) {
	if err := m.fail("count"); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.events)), nil
}

func (m *MemoryEventStore) Ping(context.Context) error {
	return m.fail("ping")
}

func (m *MemoryEventStore) PurgeExpired(_ context.Context, before time.Time) (int64, error) {
	if err := m.fail("purge"); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var purged int64
	for id, s := range m.events {
		if s.Event.ReceivedAt.Before(before) {
			delete(m.events, id)
			purged++
		}
	}
	return purged, nil
}

func (m *MemoryEventStore) Close() error { return nil }

// MemoryProcessedStore is the in-memory processing record store.
type MemoryProcessedStore struct {
	pipeline string

	mu      sync.Mutex
	records map[string]events.ProcessingRecord
}

func NewMemoryProcessedStore(pipeline string) *MemoryProcessedStore {
	return &MemoryProcessedStore{pipeline: pipeline, records: make(map[string]events.ProcessingRecord)}
}

func (m *MemoryProcessedStore) Insert(ctx context.Context, rec *events.ProcessingRecord) error {
	if rec == nil {
		return errspkg.ErrEventRequired
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.SourceEventID]; ok {
		return &errspkg.DuplicateEventError{EventID: rec.SourceEventID, Pipeline: m.pipeline}
	}
	m.records[rec.SourceEventID] = *rec
	return nil
}

// Records returns a copy of every stored record.
func (m *MemoryProcessedStore) Records() []events.ProcessingRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]events.ProcessingRecord, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceEventID < out[j].SourceEventID })
	return out
}

func (m *MemoryProcessedStore) Count(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.records)), nil
}

func (m *MemoryProcessedStore) Ping(context.Context) error { return nil }

func (m *MemoryProcessedStore) PurgeExpired(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var purged int64
	for id, r := range m.records {
		if r.ProcessedAt.Before(before) {
			delete(m.records, id)
			purged++
		}
	}
	return purged, nil
}

func (m *MemoryProcessedStore) Close() error { return nil }
