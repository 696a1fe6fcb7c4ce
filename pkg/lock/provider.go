package lock

import (
	"context"
	"time"
)

// Provider is a lock backend. Locks are exclusive per key, carry a TTL so a
// crashed holder never blocks others for longer than the TTL. A second Acquire
// by the current holder succeeds and extends the lease, so a retried acquire
// whose first reply was lost still reports the lock as held.
type Provider interface {
	Name() string
	// Acquire takes the lock if no live holder other than holderID exists.
	// It never blocks.
	Acquire(ctx context.Context, key string, ttl time.Duration, holderID string) (bool, error)
	// Release deletes the lock if holderID still holds it. The bool reports
	// whether a lock was deleted; releasing someone else's lock is a no-op.
	Release(ctx context.Context, key, holderID string) (bool, error)
	// Renew extends the TTL if holderID still holds the lock.
	Renew(ctx context.Context, key string, ttl time.Duration, holderID string) (bool, error)
	HealthCheck(ctx context.Context) error
	Close() error
}
