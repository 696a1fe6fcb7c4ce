package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegistry_HandlerExposesCustomCollectors(t *testing.T) {
	registry := NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "custom_total", Help: "custom"})
	if err := registry.Register(counter); err != nil {
		t.Fatalf("register: %v", err)
	}
	counter.Inc()

	rec := httptest.NewRecorder()
	registry.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "custom_total") {
		t.Fatalf("expected custom_total in output")
	}
	if !strings.Contains(string(body), "go_goroutines") {
		t.Fatalf("expected go runtime metrics in output")
	}
}

func TestNewGuardMetrics_RecordsObservations(t *testing.T) {
	registry := NewRegistry()
	m, err := NewGuardMetrics(registry.Registerer(), "")
	if err != nil {
		t.Fatalf("NewGuardMetrics: %v", err)
	}

	m.ObserveDuplicateCheck("send_report", "hit")
	m.ObserveDuplicateCheck("send_report", "hit")
	m.ObserveClassification("TRANSIENT_NETWORK", "AUTO_RETRY")
	m.ObserveCircuitTransition("sync_data", "TRANSIENT_NETWORK", "open")
	m.ObserveLockAcquire("redis", true, 2*time.Millisecond)
	m.SetDeadLetterDepth(7)
	m.ObserveRunOutcome("", "succeeded")

	if got := testutil.ToFloat64(m.duplicateChecks.WithLabelValues("send_report", "hit")); got != 2 {
		t.Fatalf("expected 2 duplicate hits, got %v", got)
	}
	if got := testutil.ToFloat64(m.classifications.WithLabelValues("TRANSIENT_NETWORK", "AUTO_RETRY")); got != 1 {
		t.Fatalf("expected 1 classification, got %v", got)
	}
	if got := testutil.ToFloat64(m.circuitTransitions.WithLabelValues("sync_data", "TRANSIENT_NETWORK", "open")); got != 1 {
		t.Fatalf("expected 1 transition, got %v", got)
	}
	if got := testutil.ToFloat64(m.lockAcquisitions.WithLabelValues("redis", "acquired")); got != 1 {
		t.Fatalf("expected 1 acquisition, got %v", got)
	}
	if got := testutil.ToFloat64(m.deadLetterDepth); got != 7 {
		t.Fatalf("expected depth 7, got %v", got)
	}
	if got := testutil.ToFloat64(m.runOutcomes.WithLabelValues("unknown", "succeeded")); got != 1 {
		t.Fatalf("expected empty task label normalized to unknown, got %v", got)
	}
}

func TestNewGuardMetrics_DuplicateRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewGuardMetrics(reg, "tg"); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	if _, err := NewGuardMetrics(reg, "tg"); err == nil {
		t.Fatal("expected duplicate registration error")
	}
}

func TestGuardMetrics_NilIsNoop(t *testing.T) {
	var m *GuardMetrics
	m.ObserveDuplicateCheck("a", "hit")
	m.ObserveLockAcquire("redis", false, time.Millisecond)
	m.ObserveLockError("redis")
	m.ObserveClassification("UNKNOWN", "INVESTIGATE")
	m.ObserveCircuitTransition("a", "b", "open")
	m.SetDeadLetterDepth(1)
	m.ObserveDeadLetterOperation("enqueue")
	m.ObserveRetryScheduled("a", "b")
	m.ObserveRunOutcome("a", "b")
	m.ObserveStorageDegraded("dupstore", "cache")
}
