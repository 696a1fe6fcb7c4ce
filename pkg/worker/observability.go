package worker

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskguard_worker_jobs_processed_total",
			Help: "Total number of jobs processed by workers, by outcome",
		},
		[]string{"queue", "job_name", "outcome"},
	)

	jobsInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskguard_worker_jobs_in_flight",
			Help: "Number of jobs currently being processed",
		},
		[]string{"queue"},
	)
)

func recordProcessed(queue, jobName, outcome string) {
	jobsProcessedTotal.WithLabelValues(
		normalizeMetricLabel(queue, "unknown"),
		normalizeMetricLabel(jobName, "unknown"),
		normalizeMetricLabel(outcome, "unknown"),
	).Inc()
}

func normalizeMetricLabel(value, fallback string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}
