package guard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/nimburion/taskguard/pkg/classify"
	"github.com/nimburion/taskguard/pkg/deadletter"
	"github.com/nimburion/taskguard/pkg/idempotency"
	"github.com/nimburion/taskguard/pkg/lock"
	"github.com/nimburion/taskguard/pkg/observability/logger"
	"github.com/nimburion/taskguard/pkg/observability/metrics"
	"github.com/nimburion/taskguard/pkg/observability/tracing"
	"github.com/nimburion/taskguard/pkg/resilience"
	"github.com/nimburion/taskguard/pkg/retry"
)

const (
	defaultReleaseTimeout      = 2 * time.Second
	defaultCircuitRequeueDelay = time.Second
	minLockKeepAliveInterval   = 50 * time.Millisecond
	duplicateCheckHit          = "hit"
	duplicateCheckMiss         = "miss"
	duplicateCheckUnavailable  = "unavailable"
	circuitOpenReason          = "circuit open"
)

// Dependencies are the components a Wrapper orchestrates.
type Dependencies struct {
	Keys        *idempotency.KeyDeriver
	Duplicates  *idempotency.DuplicateStore
	Locks       *lock.Manager
	Classifier  *classify.Classifier
	Policies    *retry.Engine
	DeadLetters *deadletter.Sink
	Requeuer    Requeuer
	// Tasks may be nil, in which case every task runs with default configuration.
	Tasks *TaskRegistry
}

func (d Dependencies) validate() error {
	switch {
	case d.Keys == nil:
		return errors.New("key deriver is required")
	case d.Duplicates == nil:
		return errors.New("duplicate store is required")
	case d.Locks == nil:
		return errors.New("lock manager is required")
	case d.Classifier == nil:
		return errors.New("classifier is required")
	case d.Policies == nil:
		return errors.New("retry engine is required")
	case d.DeadLetters == nil:
		return errors.New("dead letter sink is required")
	case d.Requeuer == nil:
		return errors.New("requeuer is required")
	}
	return nil
}

// WrapperConfig configures a Wrapper.
type WrapperConfig struct {
	// WorkerID prefixes lock holder identities.
	WorkerID string
	// ReleaseTimeout bounds the lock release, which runs even when the run's
	// context is cancelled.
	ReleaseTimeout time.Duration
	// CircuitRequeueDelay is used when an open circuit reports no reopen time.
	CircuitRequeueDelay time.Duration
	Now                 func() time.Time
	Metrics             *metrics.GuardMetrics
}

func (c *WrapperConfig) normalize() {
	if c.ReleaseTimeout <= 0 {
		c.ReleaseTimeout = defaultReleaseTimeout
	}
	if c.CircuitRequeueDelay <= 0 {
		c.CircuitRequeueDelay = defaultCircuitRequeueDelay
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Wrapper runs tasks at most once per idempotency key, classifies their
// failures and routes them to a delayed retry or the dead letter sink.
type Wrapper struct {
	deps Dependencies
	log  logger.Logger
	cfg  WrapperConfig
}

// NewWrapper creates a Wrapper.
func NewWrapper(deps Dependencies, log logger.Logger, cfg WrapperConfig) (*Wrapper, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if deps.Tasks == nil {
		deps.Tasks = NewTaskRegistry(deps.Policies)
	}
	cfg.normalize()
	return &Wrapper{deps: deps, log: log, cfg: cfg}, nil
}

// Tasks returns the task registry.
func (w *Wrapper) Tasks() *TaskRegistry { return w.deps.Tasks }

type execution struct {
	task    Task
	cfg     TaskConfig
	key     string
	holder  string
	lockTTL time.Duration
	tracked bool
	log     logger.Logger
}

func (e *execution) entry(result []byte) idempotency.Entry {
	return idempotency.Entry{
		Key:      e.key,
		TaskName: e.task.Name,
		Scope:    e.task.Scope.Kind,
		HolderID: e.holder,
		Result:   result,
		TTL:      e.cfg.TTL,
	}
}

// pendingEntry carries the encoded invocation, so the reconciler can hand an
// unrecorded execution to the dead letter sink with its arguments.
func (e *execution) pendingEntry() idempotency.Entry {
	entry := e.entry(nil)
	payload, err := EncodeTask(e.task)
	if err != nil {
		e.log.Warn("task could not be encoded for its pending record", "error", err)
		return entry
	}
	entry.Payload = payload
	return entry
}

// Run executes task through exec unless an earlier run already completed it.
// Every task-level failure is reported in the Result; the error return is
// reserved for invalid input.
func (w *Wrapper) Run(ctx context.Context, task Task, exec Executor) (*Result, error) {
	if exec == nil {
		return nil, validationError("executor is required")
	}
	if strings.TrimSpace(task.Name) == "" {
		return nil, validationError("task name is required")
	}
	if task.Attempt < 0 {
		return nil, validationError("attempt must be >= 0")
	}

	cfg := w.deps.Tasks.Lookup(task.Name)
	if task.Scope.Kind == "" {
		task.Scope.Kind = cfg.Scope
	}
	if task.Priority == "" {
		task.Priority = cfg.Priority
	}
	key, err := w.deps.Keys.Derive(task.Name, task.Args, task.Scope)
	if err != nil {
		return nil, err
	}

	lockTTL := cfg.LockTTL
	if lockTTL <= 0 {
		lockTTL = w.deps.Locks.DefaultTTL()
	}

	ctx = logger.ContextWithTaskKey(ctx, key)
	ctx, span := tracing.StartTaskSpan(ctx, task.Name, key, task.Attempt)
	defer span.End()

	e := &execution{
		task:    task,
		cfg:     cfg,
		key:     key,
		holder:  lock.NewHolderID(w.cfg.WorkerID),
		lockTTL: lockTTL,
		tracked: true,
		log:     w.log.WithContext(ctx).With("task", task.Name, "attempt", task.Attempt),
	}
	result := w.run(ctx, e, exec)
	result.Key = key

	w.cfg.Metrics.ObserveRunOutcome(task.Name, string(result.Outcome))
	if result.OK() {
		tracing.RecordSuccess(span)
	} else {
		tracing.RecordError(span, result.Err)
	}
	return result, nil
}

func (w *Wrapper) run(ctx context.Context, e *execution, exec Executor) *Result {
	if result := w.checkDuplicate(ctx, e); result != nil {
		return result
	}

	if !w.deps.Policies.ShouldExecute(ctx, e.task.Name, e.task.LastFailureType) {
		return w.circuitOpen(ctx, e)
	}

	acquired, err := w.deps.Locks.Acquire(ctx, e.key, e.lockTTL, e.holder)
	switch {
	case err != nil && !e.cfg.FailOpenOnStorageUnavailable:
		e.log.Error("task lock unavailable; task not run", "error", err)
		return &Result{Outcome: OutcomeStorageUnavailable, Err: errors.Join(ErrStorageUnavailable, err)}
	case err != nil:
		e.log.Warn("task lock unavailable; running without mutual exclusion", "error", err)
	case !acquired:
		e.log.Info("task is in progress on another worker")
		return &Result{Outcome: OutcomeInProgress, Err: ErrLockContention}
	}

	attemptCtx, cancelAttempt := context.WithCancel(ctx)
	defer cancelAttempt()
	if acquired {
		defer w.release(ctx, e)
		stopKeepAlive := w.keepAlive(attemptCtx, e, cancelAttempt)
		defer stopKeepAlive()

		if result := w.recheck(ctx, e); result != nil {
			return result
		}
	}

	if result := w.markPending(ctx, e); result != nil {
		return result
	}

	value, execErr := w.execute(attemptCtx, e, exec)
	bookkeeping := context.WithoutCancel(ctx)
	if execErr == nil {
		return w.succeeded(bookkeeping, e, value)
	}
	return w.failed(bookkeeping, e, execErr)
}

func (w *Wrapper) checkDuplicate(ctx context.Context, e *execution) *Result {
	record, err := w.deps.Duplicates.Check(ctx, e.key)
	if err != nil {
		w.cfg.Metrics.ObserveDuplicateCheck(e.task.Name, duplicateCheckUnavailable)
		if !e.cfg.FailOpenOnStorageUnavailable {
			e.log.Error("idempotency storage unavailable; task not run", "error", err)
			return &Result{Outcome: OutcomeStorageUnavailable, Err: err}
		}
		e.log.Warn("idempotency storage unavailable; running untracked", "error", err)
		e.tracked = false
		return nil
	}
	if record.Completed(w.cfg.Now()) {
		w.cfg.Metrics.ObserveDuplicateCheck(e.task.Name, duplicateCheckHit)
		return w.duplicate(e, record)
	}
	w.cfg.Metrics.ObserveDuplicateCheck(e.task.Name, duplicateCheckMiss)
	return nil
}

// recheck closes the window between the first check and the lock: a worker
// that completed the key in between has released its lock by now.
func (w *Wrapper) recheck(ctx context.Context, e *execution) *Result {
	if !e.tracked {
		return nil
	}
	record, err := w.deps.Duplicates.Check(ctx, e.key)
	if err != nil {
		e.log.Warn("idempotency re-check failed; continuing under lock", "error", err)
		return nil
	}
	if record.Completed(w.cfg.Now()) {
		w.cfg.Metrics.ObserveDuplicateCheck(e.task.Name, duplicateCheckHit)
		return w.duplicate(e, record)
	}
	return nil
}

// markPending writes the PENDING record before the body runs. A task that must
// not run untracked stops here when the write fails.
func (w *Wrapper) markPending(ctx context.Context, e *execution) *Result {
	if !e.tracked {
		return nil
	}
	err := w.deps.Duplicates.MarkPending(ctx, e.pendingEntry())
	if err == nil {
		return nil
	}
	if !e.cfg.FailOpenOnStorageUnavailable {
		e.log.Error("pending execution could not be recorded; task not run", "error", err)
		return &Result{Outcome: OutcomeStorageUnavailable, Err: errors.Join(ErrStorageUnavailable, err)}
	}
	e.log.Warn("pending execution could not be recorded; running untracked", "error", err)
	e.tracked = false
	return nil
}

func (w *Wrapper) duplicate(e *execution, record *idempotency.Record) *Result {
	e.log.Info("duplicate task skipped", "completed_at", record.UpdatedAt)
	return &Result{Outcome: OutcomeDuplicate, Value: record.Result, Err: ErrDuplicateDetected}
}

func (w *Wrapper) execute(ctx context.Context, e *execution, exec Executor) ([]byte, error) {
	return resilience.CallWithTimeout(ctx, e.cfg.AttemptTimeout, func(ctx context.Context) (value []byte, err error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				value, err = nil, &PanicError{Value: recovered, Stack: debug.Stack()}
			}
		}()
		return exec.Execute(ctx, e.task)
	})
}

func (w *Wrapper) succeeded(ctx context.Context, e *execution, value []byte) *Result {
	_, storeErr := w.deps.Duplicates.Store(ctx, e.entry(value))
	if storeErr != nil {
		e.log.Error("task succeeded but its result was not recorded", "error", storeErr)
	}
	w.deps.Policies.RecordOutcome(ctx, e.task.Name, e.task.LastFailureType, true)

	if id := e.task.DeadLetterID; id != "" {
		if _, err := w.deps.DeadLetters.Resolve(ctx, id, deadletter.SystemActor); err != nil {
			e.log.Warn("replayed task succeeded but its dead letter entry was not resolved", "dead_letter_id", id, "error", err)
		}
	}
	if storeErr != nil && e.tracked && !e.cfg.FailOpenOnStorageUnavailable {
		return &Result{Outcome: OutcomeResultUnrecorded, Value: value, Err: errors.Join(ErrStorageUnavailable, storeErr)}
	}
	e.log.Info("task succeeded")
	return &Result{Outcome: OutcomeSucceeded, Value: value}
}

func (w *Wrapper) failed(ctx context.Context, e *execution, execErr error) *Result {
	classification := w.deps.Classifier.Classify(execErr, classify.Context{
		TaskName:     e.task.Name,
		RetryCount:   e.task.Attempt,
		ExternalCall: e.cfg.ExternalCall,
	})
	classification.At = w.cfg.Now().UTC()
	ft := classification.FailureType

	w.deps.Policies.RecordOutcome(ctx, e.task.Name, ft, false)
	if e.tracked {
		if err := w.deps.Duplicates.MarkFailed(ctx, e.entry(nil)); err != nil {
			e.log.Warn("could not record failed execution", "error", err)
		}
	}

	history := make([]classify.Classification, 0, len(e.task.History)+1)
	history = append(history, e.task.History...)
	history = append(history, classification)

	decision := w.deps.Policies.Decide(ctx, retry.DecisionInput{
		TaskName:       e.task.Name,
		Classification: classification,
		Attempt:        e.task.Attempt,
		Priority:       e.task.Priority,
	})
	result := &Result{Classification: &classification, Decision: &decision}

	if decision.Action == retry.ActionRetry {
		next := e.task
		next.Attempt++
		next.LastFailureType = ft
		next.History = history
		err := w.deps.Requeuer.Requeue(ctx, RequeueRequest{Task: next, RunAt: decision.RunAt, Reason: decision.Reason})
		if err == nil {
			e.log.Warn("task failed; retry scheduled",
				"failure_type", string(ft), "run_at", decision.RunAt, "delay", decision.Delay, "error", execErr)
			result.Outcome = OutcomeRetryScheduled
			result.Err = execErr
			result.RunAt = decision.RunAt
			return result
		}
		e.log.Error("retry could not be scheduled; dead-lettering task", "error", err)
		decision.Action = retry.ActionDeadLetter
		decision.Reason = fmt.Sprintf("requeue failed: %v", err)
	}

	sentinel := ErrRetriesExhausted
	if classification.Ambiguous {
		sentinel = ErrClassificationAmbiguous
	}
	id, err := w.deadLetter(ctx, e, history, decision.Reason)
	if err != nil {
		e.log.Error("dead letter write failed", "failure_type", string(ft), "error", err)
		result.Outcome = OutcomeStorageUnavailable
		result.Err = errors.Join(ErrStorageUnavailable, err, execErr)
		return result
	}
	e.log.Warn("task dead-lettered",
		"failure_type", string(ft), "remediation", string(classification.Remediation),
		"dead_letter_id", id, "reason", decision.Reason, "error", execErr)
	result.Outcome = OutcomeDeadLettered
	result.DeadLetterID = id
	result.Err = errors.Join(sentinel, execErr)
	return result
}

func (w *Wrapper) circuitOpen(ctx context.Context, e *execution) *Result {
	now := w.cfg.Now()
	runAt := w.deps.Policies.ReopensAt(ctx, e.task.Name, e.task.LastFailureType)
	if !runAt.After(now) {
		runAt = now.Add(w.cfg.CircuitRequeueDelay)
	}

	if e.cfg.OnCircuitOpen == CircuitOpenDeadLetter {
		id, err := w.deadLetter(ctx, e, e.task.History, circuitOpenReason)
		if err != nil {
			e.log.Error("dead letter write failed for circuit-blocked task", "error", err)
			return &Result{Outcome: OutcomeStorageUnavailable, Err: errors.Join(ErrStorageUnavailable, err)}
		}
		e.log.Warn("circuit open; task dead-lettered", "dead_letter_id", id)
		return &Result{Outcome: OutcomeDeadLettered, Err: ErrCircuitOpen, DeadLetterID: id}
	}

	if err := w.deps.Requeuer.Requeue(ctx, RequeueRequest{Task: e.task, RunAt: runAt, Reason: circuitOpenReason}); err != nil {
		e.log.Error("circuit-blocked task could not be requeued", "error", err)
		return &Result{Outcome: OutcomeStorageUnavailable, Err: errors.Join(ErrStorageUnavailable, err)}
	}
	e.log.Warn("circuit open; task requeued", "run_at", runAt)
	return &Result{Outcome: OutcomeCircuitOpen, Err: ErrCircuitOpen, RunAt: runAt}
}

// deadLetter reopens the entry a replay came from, falling back to a new entry.
func (w *Wrapper) deadLetter(ctx context.Context, e *execution, history []classify.Classification, reason string) (string, error) {
	attempts := e.task.Attempt + 1
	if id := e.task.DeadLetterID; id != "" {
		entry, err := w.deps.DeadLetters.Reopen(ctx, id, deadletter.SystemActor, history, attempts, reason)
		if err == nil {
			return entry.ID, nil
		}
		e.log.Warn("dead letter entry could not be reopened; recording a new entry", "dead_letter_id", id, "error", err)
	}

	var args json.RawMessage
	if e.task.Args != nil {
		raw, err := json.Marshal(e.task.Args)
		if err != nil {
			return "", err
		}
		args = raw
	}
	entry, err := w.deps.DeadLetters.Enqueue(ctx, deadletter.EnqueueRequest{
		TaskName:       e.task.Name,
		Args:           args,
		Scope:          e.task.Scope.WithSalt(""),
		IdempotencyKey: e.key,
		Priority:       e.task.Priority,
		FailureHistory: history,
		Attempts:       attempts,
		Reason:         reason,
		Actor:          deadletter.SystemActor,
	})
	if err != nil {
		return "", err
	}
	return entry.ID, nil
}

func (w *Wrapper) release(ctx context.Context, e *execution) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.ReleaseTimeout)
	defer cancel()
	if err := w.deps.Locks.Release(releaseCtx, e.key, e.holder); err != nil {
		e.log.Warn("task lock release failed; it expires with its ttl", "error", err)
	}
}

// keepAlive renews the task lock every third of its TTL. Losing the lock
// cancels the attempt.
func (w *Wrapper) keepAlive(ctx context.Context, e *execution, lost context.CancelFunc) func() {
	interval := e.lockTTL / 3
	if interval < minLockKeepAliveInterval {
		interval = minLockKeepAliveInterval
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := w.deps.Locks.Renew(ctx, e.key, e.lockTTL, e.holder)
				switch {
				case err == nil:
				case errors.Is(err, lock.ErrLockNotHeld):
					e.log.Error("task lock lost; cancelling attempt")
					lost()
					return
				default:
					e.log.Warn("task lock renewal failed", "error", err)
				}
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
	}
}
