package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const defaultNamespace = "taskguard"

// GuardMetrics holds the collectors fed by the execution safety net.
// A nil *GuardMetrics is valid and records nothing.
type GuardMetrics struct {
	duplicateChecks      *prometheus.CounterVec
	lockAcquireLatency   *prometheus.HistogramVec
	lockAcquisitions     *prometheus.CounterVec
	classifications      *prometheus.CounterVec
	circuitTransitions   *prometheus.CounterVec
	deadLetterDepth      prometheus.Gauge
	deadLetterOperations *prometheus.CounterVec
	retriesScheduled     *prometheus.CounterVec
	runOutcomes          *prometheus.CounterVec
	storageDegraded      *prometheus.CounterVec
}

// NewGuardMetrics creates the collectors and registers them on reg.
// An empty namespace defaults to "taskguard".
func NewGuardMetrics(reg prometheus.Registerer, namespace string) (*GuardMetrics, error) {
	if strings.TrimSpace(namespace) == "" {
		namespace = defaultNamespace
	}
	m := &GuardMetrics{
		duplicateChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_checks_total",
			Help:      "Idempotency checks by task and result (hit, miss, unavailable).",
		}, []string{"task", "result"}),
		lockAcquireLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lock_acquire_duration_seconds",
			Help:      "Latency of distributed lock acquisition attempts.",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1},
		}, []string{"backend"}),
		lockAcquisitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_acquisitions_total",
			Help:      "Lock acquisition attempts by backend and result.",
		}, []string{"backend", "result"}),
		classifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failure_classifications_total",
			Help:      "Classified task failures by failure type and remediation.",
		}, []string{"failure_type", "remediation"}),
		circuitTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_transitions_total",
			Help:      "Circuit breaker state transitions per task and failure type.",
		}, []string{"task", "failure_type", "to"}),
		deadLetterDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dead_letter_pending",
			Help:      "Dead-letter entries waiting for operator action.",
		}),
		deadLetterOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letter_operations_total",
			Help:      "Dead-letter mutations by operation.",
		}, []string{"operation"}),
		retriesScheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_scheduled_total",
			Help:      "Deferred re-enqueues scheduled by task and failure type.",
		}, []string{"task", "failure_type"}),
		runOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_outcomes_total",
			Help:      "Execution wrapper outcomes by task.",
		}, []string{"task", "outcome"}),
		storageDegraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_degraded_total",
			Help:      "Operations that fell back from an unavailable backend.",
		}, []string{"component", "backend"}),
	}

	for _, collector := range []prometheus.Collector{
		m.duplicateChecks,
		m.lockAcquireLatency,
		m.lockAcquisitions,
		m.classifications,
		m.circuitTransitions,
		m.deadLetterDepth,
		m.deadLetterOperations,
		m.retriesScheduled,
		m.runOutcomes,
		m.storageDegraded,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveDuplicateCheck records the result of an idempotency check.
func (m *GuardMetrics) ObserveDuplicateCheck(task, result string) {
	if m == nil {
		return
	}
	m.duplicateChecks.WithLabelValues(normalizeLabel(task), normalizeLabel(result)).Inc()
}

// ObserveLockAcquire records latency and result of a lock attempt.
func (m *GuardMetrics) ObserveLockAcquire(backend string, acquired bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "contended"
	if acquired {
		result = "acquired"
	}
	m.lockAcquireLatency.WithLabelValues(normalizeLabel(backend)).Observe(elapsed.Seconds())
	m.lockAcquisitions.WithLabelValues(normalizeLabel(backend), result).Inc()
}

// ObserveLockError records a failed lock attempt on a backend.
func (m *GuardMetrics) ObserveLockError(backend string) {
	if m == nil {
		return
	}
	m.lockAcquisitions.WithLabelValues(normalizeLabel(backend), "error").Inc()
}

// ObserveClassification records one classified failure.
func (m *GuardMetrics) ObserveClassification(failureType, remediation string) {
	if m == nil {
		return
	}
	m.classifications.WithLabelValues(normalizeLabel(failureType), normalizeLabel(remediation)).Inc()
}

// ObserveCircuitTransition records a breaker entering state to.
func (m *GuardMetrics) ObserveCircuitTransition(task, failureType, to string) {
	if m == nil {
		return
	}
	m.circuitTransitions.WithLabelValues(normalizeLabel(task), normalizeLabel(failureType), normalizeLabel(to)).Inc()
}

// SetDeadLetterDepth sets the number of pending dead-letter entries.
func (m *GuardMetrics) SetDeadLetterDepth(depth int) {
	if m == nil {
		return
	}
	m.deadLetterDepth.Set(float64(depth))
}

// ObserveDeadLetterOperation counts one dead-letter mutation.
func (m *GuardMetrics) ObserveDeadLetterOperation(operation string) {
	if m == nil {
		return
	}
	m.deadLetterOperations.WithLabelValues(normalizeLabel(operation)).Inc()
}

// ObserveRetryScheduled counts one deferred re-enqueue.
func (m *GuardMetrics) ObserveRetryScheduled(task, failureType string) {
	if m == nil {
		return
	}
	m.retriesScheduled.WithLabelValues(normalizeLabel(task), normalizeLabel(failureType)).Inc()
}

// ObserveRunOutcome counts one execution wrapper outcome.
func (m *GuardMetrics) ObserveRunOutcome(task, outcome string) {
	if m == nil {
		return
	}
	m.runOutcomes.WithLabelValues(normalizeLabel(task), normalizeLabel(outcome)).Inc()
}

// ObserveStorageDegraded counts one fallback away from an unavailable backend.
func (m *GuardMetrics) ObserveStorageDegraded(component, backend string) {
	if m == nil {
		return
	}
	m.storageDegraded.WithLabelValues(normalizeLabel(component), normalizeLabel(backend)).Inc()
}

func normalizeLabel(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "unknown"
	}
	return value
}
