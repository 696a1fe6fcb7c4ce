package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nimburion/taskguard/pkg/classify"
	"github.com/nimburion/taskguard/pkg/guard"
	"github.com/nimburion/taskguard/pkg/jobs"
	"github.com/nimburion/taskguard/pkg/testutil"
)

type fakeDelivery struct {
	job   *jobs.Job
	lease *jobs.Lease
}

type fakeNack struct {
	lease     *jobs.Lease
	nextRunAt time.Time
	reason    error
}

type fakeBackend struct {
	deliveries chan fakeDelivery

	mu         sync.Mutex
	acks       []*jobs.Lease
	nacks      []fakeNack
	renewCalls int
}

func newFakeBackend(buffer int) *fakeBackend {
	return &fakeBackend{deliveries: make(chan fakeDelivery, buffer)}
}

func (b *fakeBackend) Enqueue(context.Context, *jobs.Job) error { return nil }

func (b *fakeBackend) Reserve(ctx context.Context, _ string, _ time.Duration) (*jobs.Job, *jobs.Lease, error) {
	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case delivery := <-b.deliveries:
		return delivery.job, delivery.lease, nil
	}
}

func (b *fakeBackend) Ack(_ context.Context, lease *jobs.Lease) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acks = append(b.acks, lease)
	return nil
}

func (b *fakeBackend) Nack(_ context.Context, lease *jobs.Lease, nextRunAt time.Time, reason error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nacks = append(b.nacks, fakeNack{lease: lease, nextRunAt: nextRunAt, reason: reason})
	return nil
}

func (b *fakeBackend) Renew(context.Context, *jobs.Lease, time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.renewCalls++
	return nil
}

func (b *fakeBackend) Depth(context.Context, string) (int64, error) {
	return int64(len(b.deliveries)), nil
}

func (b *fakeBackend) HealthCheck(context.Context) error { return nil }

func (b *fakeBackend) Close() error { return nil }

func (b *fakeBackend) push(t *testing.T, task guard.Task) {
	t.Helper()
	payload, err := guard.EncodeTask(task)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	b.pushRaw(task.Name, payload)
}

func (b *fakeBackend) pushRaw(name string, payload []byte) {
	id := name + "-" + time.Now().Format("150405.000000000")
	b.deliveries <- fakeDelivery{
		job:   &jobs.Job{ID: id, Name: name, Queue: "tasks", Payload: payload},
		lease: &jobs.Lease{JobID: id, Token: id + "-lease", Queue: "tasks", ExpireAt: time.Now().Add(time.Minute)},
	}
}

func (b *fakeBackend) snapshot() (acks []*jobs.Lease, nacks []fakeNack, renews int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*jobs.Lease(nil), b.acks...), append([]fakeNack(nil), b.nacks...), b.renewCalls
}

// fakeRunner executes the task body and reports a fixed outcome.
type fakeRunner struct {
	mu      sync.Mutex
	outcome guard.Outcome
	runErr  error
	tasks   []guard.Task
	errs    []error
}

func (r *fakeRunner) Run(ctx context.Context, task guard.Task, exec guard.Executor) (*guard.Result, error) {
	_, execErr := exec.Execute(ctx, task)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, task)
	r.errs = append(r.errs, execErr)
	if r.runErr != nil {
		return nil, r.runErr
	}
	outcome := r.outcome
	if outcome == "" {
		outcome = guard.OutcomeSucceeded
	}
	result := &guard.Result{Outcome: outcome}
	if outcome == guard.OutcomeInProgress {
		result.Err = guard.ErrLockContention
	}
	return result, nil
}

func (r *fakeRunner) calls() ([]guard.Task, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]guard.Task(nil), r.tasks...), append([]error(nil), r.errs...)
}

func startWorker(t *testing.T, w *Worker) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- w.Start(ctx)
	}()
	return func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("worker start returned error: %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("worker did not stop")
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func newTestWorker(t *testing.T, backend jobs.Backend, runner Runner, cfg Config) *Worker {
	t.Helper()
	if cfg.Queue == "" {
		cfg.Queue = "tasks"
	}
	w, err := New(backend, runner, testutil.NewTestLogger(), cfg)
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	return w
}

func TestWorker_AcksCompletedTask(t *testing.T) {
	backend := newFakeBackend(4)
	runner := &fakeRunner{}
	w := newTestWorker(t, backend, runner, Config{})
	executed := make(chan guard.Task, 1)
	if err := w.Register("invoice.generate", guard.ExecutorFunc(func(_ context.Context, task guard.Task) ([]byte, error) {
		executed <- task
		return nil, nil
	})); err != nil {
		t.Fatalf("register: %v", err)
	}
	stop := startWorker(t, w)

	backend.push(t, guard.Task{Name: "invoice.generate", Args: map[string]any{"id": 1}, Attempt: 2})
	select {
	case task := <-executed:
		if task.Attempt != 2 {
			t.Fatalf("expected attempt carried from the envelope, got %d", task.Attempt)
		}
	case <-time.After(time.Second):
		t.Fatal("expected job to be processed")
	}
	waitFor(t, "ack", func() bool {
		acks, _, _ := backend.snapshot()
		return len(acks) == 1
	})
	stop()

	if _, nacks, _ := backend.snapshot(); len(nacks) != 0 {
		t.Fatalf("expected no nacks, got %d", len(nacks))
	}
}

func TestWorker_AcksTerminalFailures(t *testing.T) {
	for _, outcome := range []guard.Outcome{guard.OutcomeDeadLettered, guard.OutcomeRetryScheduled, guard.OutcomeCircuitOpen, guard.OutcomeDuplicate} {
		t.Run(string(outcome), func(t *testing.T) {
			backend := newFakeBackend(1)
			w := newTestWorker(t, backend, &fakeRunner{outcome: outcome}, Config{})
			if err := w.Register("t", NoopExecutor); err != nil {
				t.Fatalf("register: %v", err)
			}
			stop := startWorker(t, w)
			backend.push(t, guard.Task{Name: "t"})
			waitFor(t, "ack", func() bool {
				acks, _, _ := backend.snapshot()
				return len(acks) == 1
			})
			stop()
		})
	}
}

func TestWorker_NacksContendedTask(t *testing.T) {
	backend := newFakeBackend(1)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w := newTestWorker(t, backend, &fakeRunner{outcome: guard.OutcomeInProgress}, Config{
		ContentionRequeueDelay: 3 * time.Second,
		Now:                    func() time.Time { return now },
	})
	stop := startWorker(t, w)

	backend.push(t, guard.Task{Name: "sync"})
	waitFor(t, "nack", func() bool {
		_, nacks, _ := backend.snapshot()
		return len(nacks) == 1
	})
	stop()

	acks, nacks, _ := backend.snapshot()
	if len(acks) != 0 {
		t.Fatalf("contended job must not be acked, got %d acks", len(acks))
	}
	if !nacks[0].nextRunAt.Equal(now.Add(3 * time.Second)) {
		t.Fatalf("unexpected next run %s", nacks[0].nextRunAt)
	}
	if !errors.Is(nacks[0].reason, guard.ErrLockContention) {
		t.Fatalf("expected lock contention reason, got %v", nacks[0].reason)
	}
}

func TestWorker_DropsUndecodablePayload(t *testing.T) {
	backend := newFakeBackend(1)
	runner := &fakeRunner{}
	w := newTestWorker(t, backend, runner, Config{})
	stop := startWorker(t, w)

	backend.pushRaw("broken", []byte("not json"))
	waitFor(t, "ack", func() bool {
		acks, _, _ := backend.snapshot()
		return len(acks) == 1
	})
	stop()

	if tasks, _ := runner.calls(); len(tasks) != 0 {
		t.Fatal("undecodable payload must not reach the runner")
	}
}

func TestWorker_UnknownTaskFailsWithConfigError(t *testing.T) {
	backend := newFakeBackend(1)
	runner := &fakeRunner{outcome: guard.OutcomeDeadLettered}
	w := newTestWorker(t, backend, runner, Config{})
	stop := startWorker(t, w)

	backend.push(t, guard.Task{Name: "not_registered"})
	waitFor(t, "run", func() bool {
		tasks, _ := runner.calls()
		return len(tasks) == 1
	})
	stop()

	_, errs := runner.calls()
	var typer classify.FailureTyper
	if !errors.As(errs[0], &typer) || typer.FailureType() != classify.ConfigError {
		t.Fatalf("expected CONFIG_ERROR, got %v", errs[0])
	}
}

func TestWorker_DropsInvalidTask(t *testing.T) {
	backend := newFakeBackend(1)
	w := newTestWorker(t, backend, &fakeRunner{runErr: guard.ErrValidation}, Config{})
	if err := w.Register("t", NoopExecutor); err != nil {
		t.Fatalf("register: %v", err)
	}
	stop := startWorker(t, w)

	backend.push(t, guard.Task{Name: "t"})
	waitFor(t, "ack", func() bool {
		acks, _, _ := backend.snapshot()
		return len(acks) == 1
	})
	stop()
}

func TestWorker_Concurrency(t *testing.T) {
	backend := newFakeBackend(16)
	w := newTestWorker(t, backend, &fakeRunner{}, Config{Concurrency: 3})

	var current, maxConcurrent, processed int32
	if err := w.Register("invoice.generate", guard.ExecutorFunc(func(context.Context, guard.Task) ([]byte, error) {
		active := atomic.AddInt32(&current, 1)
		for {
			existing := atomic.LoadInt32(&maxConcurrent)
			if active <= existing || atomic.CompareAndSwapInt32(&maxConcurrent, existing, active) {
				break
			}
		}
		time.Sleep(40 * time.Millisecond)
		atomic.AddInt32(&processed, 1)
		atomic.AddInt32(&current, -1)
		return nil, nil
	})); err != nil {
		t.Fatalf("register: %v", err)
	}
	stop := startWorker(t, w)

	for idx := 0; idx < 6; idx++ {
		backend.push(t, guard.Task{Name: "invoice.generate", Args: idx})
	}
	waitFor(t, "six processed jobs", func() bool { return atomic.LoadInt32(&processed) == 6 })
	stop()

	if atomic.LoadInt32(&maxConcurrent) < 2 {
		t.Fatalf("expected concurrent processing >=2, got %d", atomic.LoadInt32(&maxConcurrent))
	}
}

func TestWorker_RenewsLeaseDuringLongTask(t *testing.T) {
	backend := newFakeBackend(1)
	w := newTestWorker(t, backend, &fakeRunner{}, Config{LeaseTTL: 80 * time.Millisecond})
	processed := make(chan struct{}, 1)
	if err := w.Register("slow", guard.ExecutorFunc(func(context.Context, guard.Task) ([]byte, error) {
		time.Sleep(250 * time.Millisecond)
		processed <- struct{}{}
		return nil, nil
	})); err != nil {
		t.Fatalf("register: %v", err)
	}
	stop := startWorker(t, w)

	backend.push(t, guard.Task{Name: "slow"})
	select {
	case <-processed:
	case <-time.After(2 * time.Second):
		t.Fatal("expected job to be processed")
	}
	stop()

	if _, _, renews := backend.snapshot(); renews == 0 {
		t.Fatal("expected at least one lease renewal during long processing")
	}
}

func TestWorker_ConsumesMemoryBackend(t *testing.T) {
	backend := jobs.NewMemoryBackend(jobs.MemoryBackendConfig{PollInterval: time.Millisecond})
	runner := &fakeRunner{}
	w := newTestWorker(t, backend, runner, Config{})
	for name, exec := range Builtins() {
		if err := w.Register(name, exec); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	requeuer, err := guard.NewJobsRequeuer(backend, testutil.NewTestLogger(), guard.JobsRequeuerConfig{Queue: "tasks"})
	if err != nil {
		t.Fatalf("new requeuer: %v", err)
	}
	stop := startWorker(t, w)

	if err := requeuer.Submit(context.Background(), guard.Task{Name: "echo", Args: map[string]any{"hello": "world"}}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, "echo run", func() bool {
		tasks, _ := runner.calls()
		return len(tasks) == 1
	})
	waitFor(t, "empty queue", func() bool {
		depth, err := backend.Depth(context.Background(), "tasks")
		return err == nil && depth == 0 && len(backend.Jobs("tasks")) == 0
	})
	stop()

	if _, errs := runner.calls(); errs[0] != nil {
		t.Fatalf("echo executor failed: %v", errs[0])
	}
}

func TestEchoExecutor(t *testing.T) {
	value, err := EchoExecutor.Execute(context.Background(), guard.Task{Name: "echo", Args: []int{1, 2}})
	if err != nil || string(value) != "[1,2]" {
		t.Fatalf("unexpected echo: %s %v", value, err)
	}
	value, err = EchoExecutor.Execute(context.Background(), guard.Task{Name: "echo"})
	if err != nil || string(value) != "null" {
		t.Fatalf("unexpected echo of nil args: %s %v", value, err)
	}
}

func TestNew_Validation(t *testing.T) {
	backend := newFakeBackend(1)
	runner := &fakeRunner{}
	log := testutil.NewTestLogger()
	if _, err := New(nil, runner, log, Config{}); err == nil {
		t.Fatal("expected error for missing backend")
	}
	if _, err := New(backend, nil, log, Config{}); err == nil {
		t.Fatal("expected error for missing runner")
	}
	if _, err := New(backend, runner, nil, Config{}); err == nil {
		t.Fatal("expected error for missing logger")
	}
	w := newTestWorker(t, backend, runner, Config{})
	if err := w.Register(" ", NoopExecutor); err == nil {
		t.Fatal("expected error for blank task name")
	}
	if err := w.Register("t", nil); err == nil {
		t.Fatal("expected error for nil executor")
	}
}
