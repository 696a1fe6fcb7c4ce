package lock

import (
	"context"
	"strings"
	"sync"
	"time"
)

type memoryLease struct {
	holderID  string
	expiresAt time.Time
}

// MemoryProvider is an in-process Provider for tests and single-node runs.
type MemoryProvider struct {
	mu     sync.Mutex
	leases map[string]memoryLease
	now    func() time.Time
}

// NewMemoryProvider creates a MemoryProvider. A nil clock uses time.Now.
func NewMemoryProvider(now func() time.Time) *MemoryProvider {
	if now == nil {
		now = time.Now
	}
	return &MemoryProvider{leases: make(map[string]memoryLease), now: now}
}

func (p *MemoryProvider) Name() string { return "memory" }

func (p *MemoryProvider) Acquire(_ context.Context, key string, ttl time.Duration, holderID string) (bool, error) {
	key, holderID = strings.TrimSpace(key), strings.TrimSpace(holderID)
	if err := validateRequest(key, holderID); err != nil {
		return false, err
	}
	if ttl <= 0 {
		return false, lockError(ErrValidation, "ttl must be > 0")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	if lease, ok := p.leases[key]; ok && now.Before(lease.expiresAt) && lease.holderID != holderID {
		return false, nil
	}
	p.leases[key] = memoryLease{holderID: holderID, expiresAt: now.Add(ttl)}
	return true, nil
}

func (p *MemoryProvider) Release(_ context.Context, key, holderID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	lease, ok := p.leases[key]
	if !ok || lease.holderID != holderID {
		return false, nil
	}
	delete(p.leases, key)
	return true, nil
}

func (p *MemoryProvider) Renew(_ context.Context, key string, ttl time.Duration, holderID string) (bool, error) {
	if ttl <= 0 {
		return false, lockError(ErrValidation, "ttl must be > 0")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	lease, ok := p.leases[key]
	if !ok || lease.holderID != holderID || !now.Before(lease.expiresAt) {
		return false, nil
	}
	lease.expiresAt = now.Add(ttl)
	p.leases[key] = lease
	return true, nil
}

// Holder returns the live holder of key, if any.
func (p *MemoryProvider) Holder(key string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	lease, ok := p.leases[key]
	if !ok || !p.now().Before(lease.expiresAt) {
		return "", false
	}
	return lease.holderID, true
}

func (p *MemoryProvider) HealthCheck(context.Context) error { return nil }

func (p *MemoryProvider) Close() error { return nil }
