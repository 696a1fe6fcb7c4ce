package guard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nimburion/taskguard/pkg/classify"
	"github.com/nimburion/taskguard/pkg/deadletter"
	"github.com/nimburion/taskguard/pkg/idempotency"
	"github.com/nimburion/taskguard/pkg/lock"
	"github.com/nimburion/taskguard/pkg/observability/logger"
)

const (
	DefaultReconcileEvery     = time.Minute
	DefaultReconcileBatchSize = 100

	reconcilerRule   = "reconciler"
	outcomeUnknown   = "execution outcome unknown"
	reconcileTimeout = 5 * time.Second
)

// ReconcilerConfig configures a Reconciler.
type ReconcilerConfig struct {
	Interval time.Duration
	// StaleAfter is how long a PENDING record may go without an update before
	// its holder is presumed dead. Defaults to the lock manager's TTL.
	StaleAfter time.Duration
	BatchSize  int
	WorkerID   string
	Now        func() time.Time
}

// ReconcileReport summarises one reconciliation pass.
type ReconcileReport struct {
	Scanned    int `json:"scanned"`
	Reconciled int `json:"reconciled"`
	Skipped    int `json:"skipped"`
	Errors     int `json:"errors"`
}

// Reconciler finds executions whose worker died between starting a task and
// recording its outcome. Such a task may or may not have taken effect, so it
// is dead-lettered for a human to verify instead of being retried blindly.
type Reconciler struct {
	durable idempotency.DurableBackend
	locks   *lock.Manager
	sink    *deadletter.Sink
	log     logger.Logger
	cfg     ReconcilerConfig
}

// NewReconciler creates a Reconciler.
func NewReconciler(durable idempotency.DurableBackend, locks *lock.Manager, sink *deadletter.Sink, log logger.Logger, cfg ReconcilerConfig) (*Reconciler, error) {
	switch {
	case durable == nil:
		return nil, errors.New("durable backend is required")
	case locks == nil:
		return nil, errors.New("lock manager is required")
	case sink == nil:
		return nil, errors.New("dead letter sink is required")
	case log == nil:
		return nil, errors.New("logger is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultReconcileEvery
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = locks.DefaultTTL()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultReconcileBatchSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Reconciler{durable: durable, locks: locks, sink: sink, log: log, cfg: cfg}, nil
}

// Run makes one pass over stale PENDING records.
func (r *Reconciler) Run(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	olderThan := r.cfg.Now().UTC().Add(-r.cfg.StaleAfter)
	records, err := r.durable.ListStalePending(ctx, olderThan, r.cfg.BatchSize)
	if err != nil {
		return report, fmt.Errorf("list stale pending records: %w", err)
	}

	for _, record := range records {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Scanned++
		reconciled, err := r.reconcile(ctx, record)
		switch {
		case err != nil:
			report.Errors++
			r.log.Warn("reconciliation of pending record failed", "key", record.Key, "task", record.TaskName, "error", err)
		case reconciled:
			report.Reconciled++
		default:
			report.Skipped++
		}
	}
	return report, nil
}

// reconcile dead-letters record if no live holder owns its lock and nobody
// touched it since it was listed.
func (r *Reconciler) reconcile(ctx context.Context, record *idempotency.Record) (bool, error) {
	holder := lock.NewHolderID(r.cfg.WorkerID)
	acquired, err := r.locks.Acquire(ctx, record.Key, 0, holder)
	if err != nil {
		return false, err
	}
	if !acquired {
		return false, nil
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reconcileTimeout)
		defer cancel()
		if err := r.locks.Release(releaseCtx, record.Key, holder); err != nil {
			r.log.Warn("reconciler lock release failed", "key", record.Key, "error", err)
		}
	}()

	current, err := r.durable.Get(ctx, record.Key)
	if errors.Is(err, idempotency.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if current.Status != idempotency.StatusPending || !current.UpdatedAt.Equal(record.UpdatedAt) {
		return false, nil
	}

	now := r.cfg.Now().UTC()
	message := fmt.Sprintf("%s: holder %s stopped reporting at %s", outcomeUnknown, current.HolderID, current.UpdatedAt.UTC().Format(time.RFC3339))
	req := deadletter.EnqueueRequest{
		TaskName:       current.TaskName,
		Scope:          idempotency.Scope{Kind: current.Scope},
		IdempotencyKey: current.Key,
		Attempts:       1,
		Reason:         outcomeUnknown,
		Actor:          deadletter.SystemActor,
	}
	if task, ok := r.pendingTask(current); ok {
		req.Args, _ = task.Args.(json.RawMessage)
		req.Scope = task.Scope
		req.Priority = task.Priority
		req.Attempts = task.Attempt + 1
		req.FailureHistory = append(req.FailureHistory, task.History...)
	}
	req.FailureHistory = append(req.FailureHistory, classify.Classification{
		FailureType: classify.Unknown,
		Remediation: classify.Investigate,
		Rule:        reconcilerRule,
		Message:     message,
		At:          now,
	})
	entry, err := r.sink.Enqueue(ctx, req)
	if err != nil {
		return false, fmt.Errorf("dead-letter unknown outcome: %w", err)
	}

	failed := *current
	failed.Status = idempotency.StatusFailed
	failed.UpdatedAt = now
	failed.HolderID = holder
	failed.Payload = nil
	if err := r.durable.Put(ctx, &failed); err != nil {
		return false, fmt.Errorf("mark record failed: %w", err)
	}
	r.log.Warn("stale pending execution dead-lettered",
		"key", current.Key, "task", current.TaskName, "holder_id", current.HolderID, "dead_letter_id", entry.ID)
	return true, nil
}

// pendingTask decodes the invocation stored with a PENDING record.
func (r *Reconciler) pendingTask(record *idempotency.Record) (Task, bool) {
	if len(record.Payload) == 0 {
		r.log.Warn("pending record carries no invocation; dead letter entry has no arguments", "key", record.Key, "task", record.TaskName)
		return Task{}, false
	}
	task, err := DecodeTask(record.Payload)
	if err != nil {
		r.log.Warn("pending record invocation could not be decoded", "key", record.Key, "task", record.TaskName, "error", err)
		return Task{}, false
	}
	return task, true
}

// Start runs a pass every Interval until ctx is done.
func (r *Reconciler) Start(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			report, err := r.Run(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				r.log.Warn("reconciliation pass failed", "error", err)
				continue
			}
			if report.Reconciled > 0 || report.Errors > 0 {
				r.log.Info("reconciliation pass finished",
					"scanned", report.Scanned, "reconciled", report.Reconciled, "skipped", report.Skipped, "errors", report.Errors)
			}
		}
	}
}
