package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nimburion/taskguard/pkg/classify"
	"github.com/nimburion/taskguard/pkg/idempotency"
	"github.com/nimburion/taskguard/pkg/observability/logger"
	"github.com/nimburion/taskguard/pkg/observability/metrics"
)

type recordingReplayer struct {
	mu    sync.Mutex
	salts map[string]string
	err   error
}

func (r *recordingReplayer) Replay(_ context.Context, entry *Entry, salt string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if r.salts == nil {
		r.salts = map[string]string{}
	}
	r.salts[entry.ID] = salt
	return nil
}

func newTestSink(t *testing.T, replayer Replayer) (*Sink, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seq := 0
	sink, err := NewSink(store, replayer, logger.NewNop(), SinkConfig{
		BulkRetryRate: 1000,
		Now: func() time.Time {
			now = now.Add(time.Second)
			return now
		},
		NewID: func() string {
			seq++
			return fmt.Sprintf("dl-%d", seq)
		},
	})
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	return sink, store
}

func validationFailure() classify.Classification {
	return classify.Classification{
		FailureType:      classify.PermanentValidation,
		Confidence:       1,
		Remediation:      classify.FixData,
		RetryRecommended: false,
		Rule:             "explicit",
		Message:          "amount must be positive",
	}
}

func enqueue(t *testing.T, sink *Sink, task string) *Entry {
	t.Helper()
	entry, err := sink.Enqueue(context.Background(), EnqueueRequest{
		TaskName:       task,
		Args:           json.RawMessage(`{"id":42}`),
		Scope:          idempotency.TenantScope("acme"),
		FailureHistory: []classify.Classification{validationFailure()},
		Attempts:       1,
		Reason:         "not retryable",
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return entry
}

func TestSink_EnqueueAndList(t *testing.T) {
	sink, _ := newTestSink(t, nil)
	ctx := context.Background()

	first := enqueue(t, sink, "charge")
	enqueue(t, sink, "send_report")

	if first.Status != StatusPending || first.Scope.Subject != "acme" {
		t.Fatalf("unexpected entry: %+v", first)
	}

	all, err := sink.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 || all[0].TaskName != "send_report" {
		t.Fatalf("expected newest first, got %+v", all)
	}

	byTask, err := sink.List(ctx, Filter{TaskName: "charge", FailureType: classify.PermanentValidation})
	if err != nil || len(byTask) != 1 || byTask[0].ID != first.ID {
		t.Fatalf("filter by task: %v %+v", err, byTask)
	}
	none, err := sink.List(ctx, Filter{FailureType: classify.TransientNetwork})
	if err != nil || len(none) != 0 {
		t.Fatalf("filter by failure type: %v %+v", err, none)
	}
	window, err := sink.List(ctx, Filter{Since: first.CreatedAt.Add(time.Nanosecond)})
	if err != nil || len(window) != 1 || window[0].TaskName != "send_report" {
		t.Fatalf("filter by time: %v %+v", err, window)
	}

	if _, err := sink.Enqueue(ctx, EnqueueRequest{}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSink_RetryUsesFreshScope(t *testing.T) {
	replayer := &recordingReplayer{}
	sink, _ := newTestSink(t, replayer)
	ctx := context.Background()
	entry := enqueue(t, sink, "charge")

	retried, err := sink.Retry(ctx, entry.ID, "alice")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried.Status != StatusRetrying || retried.ReplayCount != 1 {
		t.Fatalf("unexpected entry: %+v", retried)
	}
	if got := replayer.salts[entry.ID]; got != "replay:dl-1:1" {
		t.Fatalf("unexpected salt %q", got)
	}

	if _, err := sink.Retry(ctx, entry.ID, "alice"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition for a retrying entry, got %v", err)
	}

	audit, err := sink.Audit(ctx, entry.ID)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(audit) != 2 || audit[0].Action != ActionEnqueue || audit[0].Actor != SystemActor || audit[1].Action != ActionRetry || audit[1].Actor != "alice" {
		t.Fatalf("unexpected audit trail: %+v", audit)
	}
}

func TestSink_RetryFailureRevertsToPending(t *testing.T) {
	replayer := &recordingReplayer{err: errors.New("redis down")}
	sink, _ := newTestSink(t, replayer)
	ctx := context.Background()
	entry := enqueue(t, sink, "charge")

	if _, err := sink.Retry(ctx, entry.ID, "bob"); err == nil {
		t.Fatal("expected replay error")
	}
	got, err := sink.Get(ctx, entry.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusPending {
		t.Fatalf("expected entry back in PENDING, got %s", got.Status)
	}
	audit, _ := sink.Audit(ctx, entry.ID)
	if last := audit[len(audit)-1]; last.Action != ActionRetryFailed || !strings.Contains(last.Detail, "redis down") {
		t.Fatalf("unexpected last audit event: %+v", last)
	}
}

func TestSink_RetryWithoutReplayer(t *testing.T) {
	sink, _ := newTestSink(t, nil)
	entry := enqueue(t, sink, "charge")
	if _, err := sink.Retry(context.Background(), entry.ID, "alice"); !errors.Is(err, ErrReplayUnavailable) {
		t.Fatalf("expected replay unavailable, got %v", err)
	}
}

func TestSink_AbandonIsTerminal(t *testing.T) {
	sink, _ := newTestSink(t, &recordingReplayer{})
	ctx := context.Background()
	entry := enqueue(t, sink, "charge")

	if _, err := sink.Abandon(ctx, entry.ID, "alice", " "); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected reason required, got %v", err)
	}
	abandoned, err := sink.Abandon(ctx, entry.ID, "alice", "customer closed account")
	if err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if abandoned.Status != StatusAbandoned || abandoned.Resolution != "customer closed account" || abandoned.ResolvedAt.IsZero() {
		t.Fatalf("unexpected entry: %+v", abandoned)
	}
	if _, err := sink.Retry(ctx, entry.ID, "alice"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected abandoned entry to reject retry, got %v", err)
	}
	if _, err := sink.Abandon(ctx, entry.ID, "alice", "again"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected abandoned entry to reject abandon, got %v", err)
	}
}

func TestSink_ResolveAndReopen(t *testing.T) {
	sink, _ := newTestSink(t, &recordingReplayer{})
	ctx := context.Background()

	resolved := enqueue(t, sink, "charge")
	if _, err := sink.Resolve(ctx, resolved.ID, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected pending entry to reject resolve, got %v", err)
	}
	if _, err := sink.Retry(ctx, resolved.ID, ""); err != nil {
		t.Fatalf("retry: %v", err)
	}
	got, err := sink.Resolve(ctx, resolved.ID, "")
	if err != nil || got.Status != StatusResolved {
		t.Fatalf("resolve: %v %+v", err, got)
	}

	reopened := enqueue(t, sink, "charge")
	if _, err := sink.Retry(ctx, reopened.ID, ""); err != nil {
		t.Fatalf("retry: %v", err)
	}
	again := validationFailure()
	again.Message = "amount still negative"
	got, err = sink.Reopen(ctx, reopened.ID, "", []classify.Classification{again}, 1, "not retryable")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got.Status != StatusPending || len(got.FailureHistory) != 2 || got.Attempts != 2 {
		t.Fatalf("unexpected reopened entry: %+v", got)
	}
	if _, err := sink.Retry(ctx, reopened.ID, ""); err != nil {
		t.Fatalf("second retry: %v", err)
	}
	if got, _ := sink.Get(ctx, reopened.ID); got.ReplayCount != 2 {
		t.Fatalf("expected replay count 2, got %d", got.ReplayCount)
	}
}

func TestSink_BulkRetry(t *testing.T) {
	replayer := &recordingReplayer{}
	sink, _ := newTestSink(t, replayer)
	ctx := context.Background()

	a := enqueue(t, sink, "charge")
	b := enqueue(t, sink, "charge")
	other := enqueue(t, sink, "send_report")
	if _, err := sink.Abandon(ctx, b.ID, "", "duplicate"); err != nil {
		t.Fatalf("abandon: %v", err)
	}

	result, err := sink.BulkRetry(ctx, Filter{TaskName: "charge"}, "ops")
	if err != nil {
		t.Fatalf("bulk retry: %v", err)
	}
	if len(result.Retried) != 1 || result.Retried[0] != a.ID || len(result.Failed) != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if _, ok := replayer.salts[other.ID]; ok {
		t.Fatal("entries outside the filter must not be replayed")
	}
}

func TestSink_BulkRetryHonoursCancellation(t *testing.T) {
	sink, _ := newTestSink(t, &recordingReplayer{})
	enqueue(t, sink, "charge")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := sink.BulkRetry(ctx, Filter{}, "ops"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestSink_DepthGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.NewGuardMetrics(reg, "")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	sink, err := NewSink(NewMemoryStore(), nil, logger.NewNop(), SinkConfig{Metrics: m})
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	enqueue(t, sink, "a")
	second := enqueue(t, sink, "b")
	if _, err := sink.Abandon(context.Background(), second.ID, "", "noise"); err != nil {
		t.Fatalf("abandon: %v", err)
	}

	expected := `
# HELP taskguard_dead_letter_pending Dead-letter entries waiting for operator action.
# TYPE taskguard_dead_letter_pending gauge
taskguard_dead_letter_pending 1
`
	if err := promtestutil.GatherAndCompare(reg, strings.NewReader(expected), "taskguard_dead_letter_pending"); err != nil {
		t.Fatalf("depth gauge: %v", err)
	}
}

func TestEntry_Explain(t *testing.T) {
	entry := &Entry{
		TaskName:       "charge",
		Attempts:       1,
		Reason:         "not retryable",
		FailureHistory: []classify.Classification{validationFailure()},
	}
	explanation := entry.Explain()
	for _, want := range []string{"charge", "1 attempt", "PERMANENT_VALIDATION"} {
		if !strings.Contains(explanation, want) {
			t.Fatalf("expected %q in %q", want, explanation)
		}
	}
	empty := &Entry{TaskName: "sync", Attempts: 0, Reason: "execution outcome unknown"}
	if got := empty.Explain(); !strings.Contains(got, "0 attempts") || !strings.Contains(got, "execution outcome unknown") {
		t.Fatalf("unexpected explanation %q", got)
	}
}
