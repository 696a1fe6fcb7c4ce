// Package worker consumes task jobs from a queue and runs each one through the
// execution wrapper.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/nimburion/taskguard/pkg/classify"
	"github.com/nimburion/taskguard/pkg/guard"
	"github.com/nimburion/taskguard/pkg/jobs"
	"github.com/nimburion/taskguard/pkg/observability/logger"
	"github.com/nimburion/taskguard/pkg/observability/tracing"
)

const (
	DefaultQueue                  = "taskguard"
	DefaultReserveTimeout         = time.Second
	DefaultStopTimeout            = 10 * time.Second
	DefaultContentionRequeueDelay = 5 * time.Second

	minLeaseRenewInterval = 100 * time.Millisecond
	reserveErrorPause     = 100 * time.Millisecond
)

// Runner executes one task. *guard.Wrapper implements it.
type Runner interface {
	Run(ctx context.Context, task guard.Task, exec guard.Executor) (*guard.Result, error)
}

// Config configures worker lifecycle and concurrency.
type Config struct {
	ID             string
	Queue          string
	Concurrency    int
	LeaseTTL       time.Duration
	ReserveTimeout time.Duration
	StopTimeout    time.Duration
	// ContentionRequeueDelay delays redelivery of a job whose task is running
	// elsewhere or whose storage was unavailable.
	ContentionRequeueDelay time.Duration
	Now                    func() time.Time
}

func (c *Config) normalize() {
	c.ID = strings.TrimSpace(c.ID)
	c.Queue = strings.TrimSpace(c.Queue)
	if c.Queue == "" {
		c.Queue = DefaultQueue
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = jobs.DefaultLeaseTTL
	}
	if c.ReserveTimeout <= 0 {
		c.ReserveTimeout = DefaultReserveTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.ContentionRequeueDelay <= 0 {
		c.ContentionRequeueDelay = DefaultContentionRequeueDelay
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Worker reserves jobs from one queue, decodes their task envelope and runs
// the task with its registered executor.
type Worker struct {
	backend jobs.Backend
	runner  Runner
	log     logger.Logger
	config  Config

	mu        sync.RWMutex
	executors map[string]guard.Executor

	lifecycleMu sync.Mutex
	running     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// New creates a worker.
func New(backend jobs.Backend, runner Runner, log logger.Logger, cfg Config) (*Worker, error) {
	if backend == nil {
		return nil, errors.New("backend is required")
	}
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()
	return &Worker{
		backend:   backend,
		runner:    runner,
		log:       log,
		config:    cfg,
		executors: map[string]guard.Executor{},
	}, nil
}

// Register binds an executor to a task name.
func (w *Worker) Register(taskName string, exec guard.Executor) error {
	taskName = strings.TrimSpace(taskName)
	if taskName == "" {
		return errors.New("task name is required")
	}
	if exec == nil {
		return errors.New("executor is required")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.executors[taskName] = exec
	return nil
}

// Start launches the consumer loops and blocks until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}

	w.lifecycleMu.Lock()
	if w.running {
		w.lifecycleMu.Unlock()
		return errors.New("worker already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.running = true
	w.lifecycleMu.Unlock()

	if w.config.ID != "" {
		runCtx = logger.ContextWithWorkerID(runCtx, w.config.ID)
	}
	w.log.Info("worker started", "queue", w.config.Queue, "concurrency", w.config.Concurrency, "worker_id", w.config.ID)
	for idx := 0; idx < w.config.Concurrency; idx++ {
		w.wg.Add(1)
		go w.runQueueLoop(runCtx)
	}

	<-runCtx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), w.config.StopTimeout)
	defer stopCancel()
	return w.Stop(stopCtx)
}

// Stop requests graceful shutdown and waits for in-flight jobs to finish.
func (w *Worker) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	w.lifecycleMu.Lock()
	if !w.running {
		w.lifecycleMu.Unlock()
		return nil
	}
	cancel := w.cancel
	w.cancel = nil
	w.running = false
	w.lifecycleMu.Unlock()

	if cancel != nil {
		cancel()
	}

	waitCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(waitCh)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-waitCh:
		w.log.Info("worker stopped", "queue", w.config.Queue)
		return nil
	}
}

func (w *Worker) runQueueLoop(ctx context.Context) {
	defer w.wg.Done()
	queue := w.config.Queue

	for {
		if ctx.Err() != nil {
			return
		}

		reserveCtx, cancel := context.WithTimeout(ctx, w.config.ReserveTimeout)
		job, lease, err := w.backend.Reserve(reserveCtx, queue, w.config.LeaseTTL)
		cancel()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			w.log.Warn("jobs reserve failed", "queue", queue, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(reserveErrorPause):
				continue
			}
		}
		if job == nil || lease == nil {
			continue
		}

		jobsInFlight.WithLabelValues(queue).Inc()
		if err := w.process(ctx, job, lease); err != nil {
			w.log.Warn("job processing failed", "queue", queue, "job_id", job.ID, "job_name", job.Name, "error", err)
			recordProcessed(queue, job.Name, "error")
		}
		jobsInFlight.WithLabelValues(queue).Dec()
	}
}

func (w *Worker) process(ctx context.Context, job *jobs.Job, lease *jobs.Lease) error {
	traceCtx, span := tracing.StartMessagingSpan(
		ctx,
		tracing.SpanOperationMsgProcess,
		tracing.WithMessagingSystem("jobs"),
		tracing.WithMessagingDestination(job.Queue),
		tracing.WithMessagingMessageID(job.ID),
	)
	span.SetAttributes(
		attribute.String("jobs.job_name", strings.TrimSpace(job.Name)),
		attribute.Int("jobs.attempt", job.Attempt),
	)
	defer span.End()

	task, err := guard.DecodeTask(job.Payload)
	if err != nil {
		// A payload that cannot be decoded never will be; drop it.
		tracing.RecordError(span, err)
		w.log.Error("dropping undecodable job", "job_id", job.ID, "job_name", job.Name, "error", err)
		if ackErr := w.backend.Ack(traceCtx, lease); ackErr != nil {
			return fmt.Errorf("ack failed: %w", ackErr)
		}
		recordProcessed(job.Queue, job.Name, "dropped")
		return nil
	}

	stopRenew, renewDone := w.startLeaseRenewal(traceCtx, lease)
	result, runErr := w.runner.Run(traceCtx, task, w.lookupExecutor(task.Name))
	stopRenew()
	if renewErr := <-renewDone; renewErr != nil {
		w.log.Warn("job lease renewal failed; the job may be delivered again", "job_id", job.ID, "error", renewErr)
	}

	if runErr != nil {
		tracing.RecordError(span, runErr)
		w.log.Error("dropping invalid task", "job_id", job.ID, "task", task.Name, "error", runErr)
		if ackErr := w.backend.Ack(traceCtx, lease); ackErr != nil {
			return fmt.Errorf("ack failed: %w", ackErr)
		}
		recordProcessed(job.Queue, job.Name, "dropped")
		return nil
	}

	outcome := string(result.Outcome)
	switch result.Outcome {
	case guard.OutcomeInProgress, guard.OutcomeStorageUnavailable:
		tracing.RecordError(span, result.Err)
		nextRun := w.config.Now().UTC().Add(w.config.ContentionRequeueDelay)
		if err := w.backend.Nack(traceCtx, lease, nextRun, result.Err); err != nil {
			return fmt.Errorf("nack failed: %w", err)
		}
		recordProcessed(job.Queue, job.Name, outcome)
		return nil
	}

	if result.OK() {
		tracing.RecordSuccess(span)
	} else {
		tracing.RecordError(span, result.Err)
	}
	if err := w.backend.Ack(traceCtx, lease); err != nil {
		return fmt.Errorf("ack failed: %w", err)
	}
	recordProcessed(job.Queue, job.Name, outcome)
	return nil
}

// lookupExecutor returns the executor of a task. Unknown tasks get one that
// fails with a configuration error, so the job is dead-lettered for an
// operator instead of being lost.
func (w *Worker) lookupExecutor(taskName string) guard.Executor {
	w.mu.RLock()
	exec, ok := w.executors[strings.TrimSpace(taskName)]
	w.mu.RUnlock()
	if ok {
		return exec
	}
	return guard.ExecutorFunc(func(context.Context, guard.Task) ([]byte, error) {
		return nil, classify.Errorf(classify.ConfigError, "no executor registered for task %q", taskName)
	})
}

func (w *Worker) startLeaseRenewal(ctx context.Context, lease *jobs.Lease) (func(), <-chan error) {
	done := make(chan error, 1)
	renewCtx, cancel := context.WithCancel(ctx)
	interval := w.config.LeaseTTL / 2
	if interval < minLeaseRenewInterval {
		interval = minLeaseRenewInterval
	}

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-renewCtx.Done():
				done <- nil
				return
			case <-ticker.C:
				if err := w.backend.Renew(renewCtx, lease, w.config.LeaseTTL); err != nil {
					if renewCtx.Err() != nil {
						done <- nil
						return
					}
					done <- fmt.Errorf("renew lease failed: %w", err)
					return
				}
			}
		}
	}()

	return cancel, done
}
