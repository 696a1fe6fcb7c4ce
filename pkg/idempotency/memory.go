package idempotency

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryBackend is an in-process DurableBackend for tests and single-node runs.
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[string]*Record
	now     func() time.Time
	name    string
}

// NewMemoryBackend creates an empty MemoryBackend. A nil clock uses time.Now.
func NewMemoryBackend(now func() time.Time) *MemoryBackend {
	if now == nil {
		now = time.Now
	}
	return &MemoryBackend{records: make(map[string]*Record), now: now, name: "memory"}
}

func (m *MemoryBackend) Name() string { return m.name }

func (m *MemoryBackend) Get(_ context.Context, key string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.records[key]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return cloneRecord(record), nil
}

func (m *MemoryBackend) Put(_ context.Context, record *Record) error {
	if err := record.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	existing := m.records[record.Key]
	if keepsExisting(existing, now) {
		return nil
	}
	stored := cloneRecord(record)
	if existing != nil && !existing.Expired(now) && !existing.CreatedAt.IsZero() {
		stored.CreatedAt = existing.CreatedAt
	}
	m.records[record.Key] = stored
	return nil
}

func (m *MemoryBackend) ListStalePending(_ context.Context, olderThan time.Time, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Record, 0)
	for _, record := range m.records {
		if record.Status == StatusPending && record.UpdatedAt.Before(olderThan) {
			out = append(out, cloneRecord(record))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryBackend) PurgeExpired(_ context.Context, before time.Time, limit int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for key, record := range m.records {
		if limit > 0 && deleted >= int64(limit) {
			break
		}
		if record.Status != StatusPending && !record.ExpiresAt.After(before) {
			delete(m.records, key)
			deleted++
		}
	}
	return deleted, nil
}

func (m *MemoryBackend) HealthCheck(context.Context) error { return nil }

func (m *MemoryBackend) Close() error { return nil }

func cloneRecord(record *Record) *Record {
	if record == nil {
		return nil
	}
	clone := *record
	if record.Result != nil {
		clone.Result = append([]byte(nil), record.Result...)
	}
	if record.Payload != nil {
		clone.Payload = append([]byte(nil), record.Payload...)
	}
	return &clone
}
