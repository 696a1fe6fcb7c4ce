package jobs

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// DefaultLeaseTTL is the default lease duration when reserve does not provide one.
const DefaultLeaseTTL = 30 * time.Second

// Lease tracks temporary ownership over a reserved job.
type Lease struct {
	JobID    string
	Token    string
	Queue    string
	ExpireAt time.Time
	Attempt  int
}

// Backend is a queue with delayed delivery and reserve/ack/nack semantics.
// A job enqueued with a future RunAt is invisible to Reserve until it is due.
type Backend interface {
	Enqueue(ctx context.Context, job *Job) error
	Reserve(ctx context.Context, queue string, leaseFor time.Duration) (*Job, *Lease, error)
	Ack(ctx context.Context, lease *Lease) error
	// Nack returns the leased job to its queue, due at nextRunAt.
	Nack(ctx context.Context, lease *Lease, nextRunAt time.Time, reason error) error
	Renew(ctx context.Context, lease *Lease, leaseFor time.Duration) error
	// Depth counts ready and delayed jobs of a queue.
	Depth(ctx context.Context, queue string) (int64, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// DepthProbe reports the depth of one queue as a load signal.
type DepthProbe struct {
	backend Backend
	queue   string
}

// NewDepthProbe creates a probe over queue.
func NewDepthProbe(backend Backend, queue string) *DepthProbe {
	return &DepthProbe{backend: backend, queue: strings.TrimSpace(queue)}
}

// QueueDepth returns the number of jobs waiting in the queue.
func (p *DepthProbe) QueueDepth(ctx context.Context) (int64, error) {
	if p == nil || p.backend == nil {
		return 0, jobsError(ErrNotInitialized, "depth probe backend is nil")
	}
	return p.backend.Depth(ctx, p.queue)
}

func randomToken() string {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(raw)
}
