package jobs

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

const defaultMemoryPollInterval = 20 * time.Millisecond

// MemoryBackendConfig configures MemoryBackend.
type MemoryBackendConfig struct {
	PollInterval time.Duration
	Now          func() time.Time
}

func (c *MemoryBackendConfig) normalize() {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultMemoryPollInterval
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

type memoryLease struct {
	job   *Job
	lease *Lease
}

// MemoryBackend is an in-process Backend for tests and single-process runs.
// Expired leases return their job to the queue on the next Reserve.
type MemoryBackend struct {
	config MemoryBackendConfig

	mu     sync.Mutex
	queues map[string][]*Job
	leases map[string]*memoryLease
	closed bool
}

// NewMemoryBackend creates an empty backend.
func NewMemoryBackend(cfg MemoryBackendConfig) *MemoryBackend {
	cfg.normalize()
	return &MemoryBackend{
		config: cfg,
		queues: map[string][]*Job{},
		leases: map[string]*memoryLease{},
	}
}

// Enqueue stores a copy of job.
func (b *MemoryBackend) Enqueue(_ context.Context, job *Job) error {
	if job == nil {
		return jobsError(ErrInvalidArgument, "job is required")
	}
	jobCopy := cloneJob(job)
	if err := jobCopy.Validate(); err != nil {
		return err
	}
	now := b.config.Now().UTC()
	if jobCopy.CreatedAt.IsZero() {
		jobCopy.CreatedAt = now
	}
	if jobCopy.RunAt.IsZero() {
		jobCopy.RunAt = jobCopy.CreatedAt
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return jobsError(ErrClosed, "memory backend")
	}
	b.push(jobCopy)
	recordJobEnqueued("memory", jobCopy)
	return nil
}

// Reserve blocks until a job of queue is due or ctx is done.
func (b *MemoryBackend) Reserve(ctx context.Context, queue string, leaseFor time.Duration) (*Job, *Lease, error) {
	queue = strings.TrimSpace(queue)
	if queue == "" {
		return nil, nil, jobsError(ErrInvalidArgument, "queue is required")
	}
	if leaseFor <= 0 {
		leaseFor = DefaultLeaseTTL
	}
	for {
		job, lease, err := b.tryReserve(queue, leaseFor)
		if err != nil || job != nil {
			return job, lease, err
		}
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(b.config.PollInterval):
		}
	}
}

func (b *MemoryBackend) tryReserve(queue string, leaseFor time.Duration) (*Job, *Lease, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, nil, jobsError(ErrClosed, "memory backend")
	}
	now := b.config.Now().UTC()
	b.expireLeases(now)

	jobs := b.queues[queue]
	if len(jobs) == 0 || jobs[0].RunAt.After(now) {
		return nil, nil, nil
	}
	job := jobs[0]
	b.queues[queue] = jobs[1:]

	lease := &Lease{
		JobID:    job.ID,
		Token:    randomToken(),
		Queue:    queue,
		ExpireAt: now.Add(leaseFor),
		Attempt:  job.Attempt,
	}
	b.leases[lease.Token] = &memoryLease{job: job, lease: lease}
	return cloneJob(job), cloneLease(lease), nil
}

// Ack drops the leased job.
func (b *MemoryBackend) Ack(_ context.Context, lease *Lease) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.leased(lease); err != nil {
		return err
	}
	delete(b.leases, lease.Token)
	recordJobAcked("memory", lease.Queue)
	return nil
}

// Nack returns the leased job to its queue due at nextRunAt.
func (b *MemoryBackend) Nack(_ context.Context, lease *Lease, nextRunAt time.Time, reason error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	held, err := b.leased(lease)
	if err != nil {
		return err
	}
	delete(b.leases, lease.Token)

	job := held.job
	job.Attempt++
	if reason != nil {
		job.Headers[HeaderRequeueReason] = reason.Error()
	}
	job.RunAt = nextRunAt.UTC()
	if job.RunAt.IsZero() {
		job.RunAt = b.config.Now().UTC()
	}
	b.push(job)
	recordJobNacked("memory", job)
	return nil
}

// Renew extends a live lease.
func (b *MemoryBackend) Renew(_ context.Context, lease *Lease, leaseFor time.Duration) error {
	if leaseFor <= 0 {
		leaseFor = DefaultLeaseTTL
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	held, err := b.leased(lease)
	if err != nil {
		return err
	}
	held.lease.ExpireAt = b.config.Now().UTC().Add(leaseFor)
	return nil
}

// Depth counts waiting jobs of queue, due or not.
func (b *MemoryBackend) Depth(_ context.Context, queue string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.queues[strings.TrimSpace(queue)])), nil
}

// Jobs returns copies of the waiting jobs of queue in due order.
func (b *MemoryBackend) Jobs(queue string) []*Job {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Job, 0, len(b.queues[queue]))
	for _, job := range b.queues[queue] {
		out = append(out, cloneJob(job))
	}
	return out
}

// HealthCheck fails once the backend is closed.
func (b *MemoryBackend) HealthCheck(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return jobsError(ErrClosed, "memory backend")
	}
	return nil
}

// Close rejects further operations.
func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

func (b *MemoryBackend) push(job *Job) {
	if job.Headers == nil {
		job.Headers = map[string]string{}
	}
	jobs := append(b.queues[job.Queue], job)
	sort.SliceStable(jobs, func(i, j int) bool { return jobs[i].RunAt.Before(jobs[j].RunAt) })
	b.queues[job.Queue] = jobs
}

func (b *MemoryBackend) leased(lease *Lease) (*memoryLease, error) {
	if b.closed {
		return nil, jobsError(ErrClosed, "memory backend")
	}
	if lease == nil || strings.TrimSpace(lease.Token) == "" {
		return nil, jobsError(ErrInvalidArgument, "lease token is required")
	}
	held, ok := b.leases[lease.Token]
	if !ok {
		return nil, jobsError(ErrNotFound, "lease not found")
	}
	return held, nil
}

func (b *MemoryBackend) expireLeases(now time.Time) {
	for token, held := range b.leases {
		if now.Before(held.lease.ExpireAt) {
			continue
		}
		delete(b.leases, token)
		b.push(held.job)
	}
}
