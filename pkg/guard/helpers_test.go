package guard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nimburion/taskguard/pkg/classify"
	"github.com/nimburion/taskguard/pkg/deadletter"
	"github.com/nimburion/taskguard/pkg/idempotency"
	"github.com/nimburion/taskguard/pkg/lock"
	"github.com/nimburion/taskguard/pkg/observability/logger"
	"github.com/nimburion/taskguard/pkg/resilience"
	"github.com/nimburion/taskguard/pkg/retry"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingRequeuer keeps every request and fails on demand.
type recordingRequeuer struct {
	mu       sync.Mutex
	requests []RequeueRequest
	err      error
}

func (r *recordingRequeuer) Requeue(_ context.Context, req RequeueRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.requests = append(r.requests, req)
	return nil
}

func (r *recordingRequeuer) Requests() []RequeueRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RequeueRequest(nil), r.requests...)
}

var errStorageDown = errors.New("connection refused")

// flakyDurable wraps a MemoryBackend and fails reads or writes on demand.
// With failPutAfter set, that many writes succeed before every later one fails.
type flakyDurable struct {
	*idempotency.MemoryBackend
	failGet      bool
	failPut      bool
	failPutAfter int

	mu   sync.Mutex
	puts int
}

// heal makes every later call succeed.
func (f *flakyDurable) heal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failGet, f.failPut, f.failPutAfter = false, false, 0
}

func (f *flakyDurable) Get(ctx context.Context, key string) (*idempotency.Record, error) {
	f.mu.Lock()
	fail := f.failGet
	f.mu.Unlock()
	if fail {
		return nil, errStorageDown
	}
	return f.MemoryBackend.Get(ctx, key)
}

func (f *flakyDurable) Put(ctx context.Context, record *idempotency.Record) error {
	f.mu.Lock()
	f.puts++
	fail := f.failPut || (f.failPutAfter > 0 && f.puts > f.failPutAfter)
	f.mu.Unlock()
	if fail {
		return errStorageDown
	}
	return f.MemoryBackend.Put(ctx, record)
}

// downLockProvider fails every call.
type downLockProvider struct{}

func (downLockProvider) Name() string { return "down" }

func (downLockProvider) Acquire(context.Context, string, time.Duration, string) (bool, error) {
	return false, errStorageDown
}

func (downLockProvider) Release(context.Context, string, string) (bool, error) {
	return false, errStorageDown
}

func (downLockProvider) Renew(context.Context, string, time.Duration, string) (bool, error) {
	return false, errStorageDown
}

func (downLockProvider) HealthCheck(context.Context) error { return errStorageDown }

func (downLockProvider) Close() error { return nil }

// rejectingDeadLetterStore refuses new entries.
type rejectingDeadLetterStore struct {
	*deadletter.MemoryStore
}

func (rejectingDeadLetterStore) Insert(context.Context, *deadletter.Entry, deadletter.AuditEvent) error {
	return errStorageDown
}

type harnessOptions struct {
	durable       idempotency.DurableBackend
	lockProvider  lock.Provider
	deadLetters   deadletter.Store
	classifierCfg classify.Config
}

type harness struct {
	clock      *testClock
	durable    idempotency.DurableBackend
	locks      *lock.Manager
	provider   lock.Provider
	engine     *retry.Engine
	sink       *deadletter.Sink
	deadStore  deadletter.Store
	requeuer   *recordingRequeuer
	keys       *idempotency.KeyDeriver
	duplicates *idempotency.DuplicateStore
	wrapper    *Wrapper
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	h := &harness{clock: newTestClock(), requeuer: &recordingRequeuer{}}
	log := logger.NewNop()
	fastRetry := resilience.RetryConfig{Attempts: 2, Backoff: time.Millisecond}

	h.durable = opts.durable
	if h.durable == nil {
		h.durable = idempotency.NewMemoryBackend(h.clock.Now)
	}
	duplicates, err := idempotency.NewDuplicateStore(nil, h.durable, log, idempotency.DuplicateStoreConfig{
		Now:   h.clock.Now,
		Retry: fastRetry,
	})
	if err != nil {
		t.Fatalf("new duplicate store: %v", err)
	}
	h.duplicates = duplicates

	h.provider = opts.lockProvider
	if h.provider == nil {
		h.provider = lock.NewMemoryProvider(h.clock.Now)
	}
	h.locks, err = lock.NewManager(h.provider, nil, log, lock.ManagerConfig{Retry: fastRetry})
	if err != nil {
		t.Fatalf("new lock manager: %v", err)
	}

	classifier, err := classify.NewClassifier(log, opts.classifierCfg)
	if err != nil {
		t.Fatalf("new classifier: %v", err)
	}
	h.engine, err = retry.NewEngine(retry.NewMemoryStateStore(), nil, log, retry.Config{
		Now:  h.clock.Now,
		Rand: func() float64 { return 0.5 },
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	h.deadStore = opts.deadLetters
	if h.deadStore == nil {
		h.deadStore = deadletter.NewMemoryStore()
	}
	seq := 0
	h.sink, err = deadletter.NewSink(h.deadStore, nil, log, deadletter.SinkConfig{
		BulkRetryRate: 1000,
		Now:           h.clock.Now,
		NewID: func() string {
			seq++
			return fmt.Sprintf("dl-%d", seq)
		},
	})
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}

	h.keys = idempotency.NewKeyDeriver(idempotency.KeyDeriverConfig{})
	h.wrapper, err = NewWrapper(Dependencies{
		Keys:        h.keys,
		Duplicates:  duplicates,
		Locks:       h.locks,
		Classifier:  classifier,
		Policies:    h.engine,
		DeadLetters: h.sink,
		Requeuer:    h.requeuer,
	}, log, WrapperConfig{WorkerID: "worker-1", Now: h.clock.Now})
	if err != nil {
		t.Fatalf("new wrapper: %v", err)
	}
	return h
}

func (h *harness) register(t *testing.T, name string, cfg TaskConfig) {
	t.Helper()
	if err := h.wrapper.Tasks().Register(name, cfg); err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
}

func (h *harness) run(t *testing.T, task Task, exec Executor) *Result {
	t.Helper()
	result, err := h.wrapper.Run(context.Background(), task, exec)
	if err != nil {
		t.Fatalf("run %s: %v", task.Name, err)
	}
	return result
}

// countingExecutor counts calls and returns the configured outcome.
type countingExecutor struct {
	mu    sync.Mutex
	calls int
	value []byte
	err   error
}

func (c *countingExecutor) Execute(context.Context, Task) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.value, c.err
}

func (c *countingExecutor) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func intPtr(v int) *int { return &v }
