package guard

import (
	"context"
	"testing"
	"time"

	"github.com/nimburion/taskguard/pkg/classify"
	"github.com/nimburion/taskguard/pkg/deadletter"
	"github.com/nimburion/taskguard/pkg/idempotency"
	"github.com/nimburion/taskguard/pkg/observability/logger"
	"github.com/nimburion/taskguard/pkg/retry"
)

func putPending(t *testing.T, h *harness, key string, updatedAt time.Time) {
	t.Helper()
	err := h.durable.Put(context.Background(), &idempotency.Record{
		Key:       key,
		TaskName:  "charge_card",
		Scope:     idempotency.ScopeGlobal,
		Status:    idempotency.StatusPending,
		HolderID:  "dead-worker:1",
		CreatedAt: updatedAt,
		UpdatedAt: updatedAt,
		ExpiresAt: updatedAt.Add(24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("put %s: %v", key, err)
	}
}

func newTestReconciler(t *testing.T, h *harness) *Reconciler {
	t.Helper()
	r, err := NewReconciler(h.durable, h.locks, h.sink, logger.NewNop(), ReconcilerConfig{
		StaleAfter: 5 * time.Minute,
		WorkerID:   "reconciler",
		Now:        h.clock.Now,
	})
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	return r
}

func TestReconciler_DeadLettersStalePending(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	now := h.clock.Now()
	putPending(t, h, "stale", now.Add(-time.Hour))
	putPending(t, h, "fresh", now.Add(-time.Minute))

	report, err := newTestReconciler(t, h).Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Scanned != 1 || report.Reconciled != 1 || report.Errors != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}

	record, err := h.durable.Get(ctx, "stale")
	if err != nil {
		t.Fatalf("get stale: %v", err)
	}
	if record.Status != idempotency.StatusFailed {
		t.Fatalf("expected FAILED, got %s", record.Status)
	}
	if fresh, _ := h.durable.Get(ctx, "fresh"); fresh.Status != idempotency.StatusPending {
		t.Fatalf("fresh record must be left alone, got %s", fresh.Status)
	}

	entries, err := h.sink.List(ctx, deadletter.Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.IdempotencyKey != "stale" || entry.Reason != outcomeUnknown || entry.TaskName != "charge_card" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	last, ok := entry.LastFailure()
	if !ok || last.FailureType != classify.Unknown || last.Remediation != classify.Investigate {
		t.Fatalf("unexpected failure: %+v", last)
	}
	audit, err := h.sink.Audit(ctx, entry.ID)
	if err != nil || len(audit) != 1 || audit[0].Actor != deadletter.SystemActor {
		t.Fatalf("unexpected audit: %+v %v", audit, err)
	}
}

type capturingReplayer struct {
	entries []*deadletter.Entry
}

func (r *capturingReplayer) Replay(_ context.Context, entry *deadletter.Entry, _ string) error {
	r.entries = append(r.entries, entry)
	return nil
}

func TestReconciler_EntryCarriesOriginalInvocation(t *testing.T) {
	durable := &flakyDurable{MemoryBackend: idempotency.NewMemoryBackend(nil), failPutAfter: 1}
	h := newHarness(t, harnessOptions{durable: durable})
	ctx := context.Background()
	task := Task{
		Name:     "charge_card",
		Args:     map[string]any{"order_id": 7},
		Scope:    idempotency.Scope{Kind: idempotency.ScopePerUser, Subject: "user-9"},
		Priority: retry.PriorityHigh,
	}

	result := h.run(t, task, &countingExecutor{value: []byte("ok")})
	if result.Outcome != OutcomeResultUnrecorded {
		t.Fatalf("expected result_unrecorded, got %s %v", result.Outcome, result.Err)
	}
	durable.heal()
	h.clock.Advance(time.Hour)

	report, err := newTestReconciler(t, h).Run(ctx)
	if err != nil || report.Reconciled != 1 {
		t.Fatalf("unexpected report %+v %v", report, err)
	}
	entries, err := h.sink.List(ctx, deadletter.Filter{})
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one entry, got %d %v", len(entries), err)
	}
	entry := entries[0]
	if string(entry.Args) != `{"order_id":7}` {
		t.Fatalf("expected original arguments, got %s", entry.Args)
	}
	if entry.Scope.Subject != "user-9" || entry.Scope.Kind != idempotency.ScopePerUser || entry.Priority != retry.PriorityHigh {
		t.Fatalf("unexpected scope or priority %+v %s", entry.Scope, entry.Priority)
	}
	if entry.IdempotencyKey != result.Key {
		t.Fatalf("expected key %s, got %s", result.Key, entry.IdempotencyKey)
	}

	replayer := &capturingReplayer{}
	h.sink.SetReplayer(replayer)
	if _, err := h.sink.Retry(ctx, entry.ID, "ops"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(replayer.entries) != 1 || string(replayer.entries[0].Args) != `{"order_id":7}` {
		t.Fatalf("replay must carry the original arguments, got %+v", replayer.entries)
	}
}

func TestReconciler_SkipsLockedRecords(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	putPending(t, h, "busy", h.clock.Now().Add(-time.Hour))
	if acquired, err := h.locks.Acquire(ctx, "busy", time.Minute, "live-worker"); err != nil || !acquired {
		t.Fatalf("acquire: %v %v", acquired, err)
	}

	report, err := newTestReconciler(t, h).Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Skipped != 1 || report.Reconciled != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if record, _ := h.durable.Get(ctx, "busy"); record.Status != idempotency.StatusPending {
		t.Fatalf("locked record must stay PENDING, got %s", record.Status)
	}
}

func TestReconciler_IsIdempotent(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	putPending(t, h, "stale", h.clock.Now().Add(-time.Hour))
	r := newTestReconciler(t, h)

	if _, err := r.Run(ctx); err != nil {
		t.Fatalf("first run: %v", err)
	}
	report, err := r.Run(ctx)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if report.Scanned != 0 {
		t.Fatalf("reconciled records must not be scanned again, got %+v", report)
	}
}

func TestReconciler_StartStopsWithContext(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	r, err := NewReconciler(h.durable, h.locks, h.sink, logger.NewNop(), ReconcilerConfig{Interval: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := r.Start(ctx); err != context.DeadlineExceeded {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestNewReconciler_RequiresDependencies(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	if _, err := NewReconciler(nil, h.locks, h.sink, logger.NewNop(), ReconcilerConfig{}); err == nil {
		t.Fatal("expected error for missing durable backend")
	}
	if _, err := NewReconciler(h.durable, nil, h.sink, logger.NewNop(), ReconcilerConfig{}); err == nil {
		t.Fatal("expected error for missing lock manager")
	}
	if _, err := NewReconciler(h.durable, h.locks, nil, logger.NewNop(), ReconcilerConfig{}); err == nil {
		t.Fatal("expected error for missing sink")
	}
	if _, err := NewReconciler(h.durable, h.locks, h.sink, nil, ReconcilerConfig{}); err == nil {
		t.Fatal("expected error for missing logger")
	}
}
