package deadletter

import (
	"context"
	"sort"
	"sync"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Store persists entries together with their audit trail. Every mutation and
// its audit event are written atomically.
type Store interface {
	Insert(ctx context.Context, entry *Entry, event AuditEvent) error
	// Get returns ErrEntryNotFound for unknown ids.
	Get(ctx context.Context, id string) (*Entry, error)
	// List returns matching entries, newest first.
	List(ctx context.Context, filter Filter) ([]*Entry, error)
	// Update replaces the entry when its stored status still equals expected,
	// otherwise it returns ErrConcurrentModification.
	Update(ctx context.Context, entry *Entry, expected Status, event AuditEvent) error
	Audit(ctx context.Context, id string) ([]AuditEvent, error)
	CountByStatus(ctx context.Context, status Status) (int, error)
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	audit   map[string][]AuditEvent
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: map[string]*Entry{}, audit: map[string][]AuditEvent{}}
}

func (s *MemoryStore) Insert(_ context.Context, entry *Entry, event AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[entry.ID]; exists {
		return validationError("duplicate entry id " + entry.ID)
	}
	s.entries[entry.ID] = entry.clone()
	s.audit[entry.ID] = append(s.audit[entry.ID], event)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[id]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return entry.clone(), nil
}

func (s *MemoryStore) List(_ context.Context, filter Filter) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*Entry{}
	for _, entry := range s.entries {
		if filter.matches(entry) {
			out = append(out, entry.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit := normalizeLimit(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Update(_ context.Context, entry *Entry, expected Status, event AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.entries[entry.ID]
	if !ok {
		return ErrEntryNotFound
	}
	if current.Status != expected {
		return ErrConcurrentModification
	}
	s.entries[entry.ID] = entry.clone()
	s.audit[entry.ID] = append(s.audit[entry.ID], event)
	return nil
}

func (s *MemoryStore) Audit(_ context.Context, id string) ([]AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.entries[id]; !ok {
		return nil, ErrEntryNotFound
	}
	return append([]AuditEvent(nil), s.audit[id]...), nil
}

func (s *MemoryStore) CountByStatus(_ context.Context, status Status) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, entry := range s.entries {
		if entry.Status == status {
			count++
		}
	}
	return count, nil
}
