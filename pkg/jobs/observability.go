package jobs

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskguard_jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"backend", "queue", "job_name"},
	)

	jobsAckedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskguard_jobs_acked_total",
			Help: "Total number of job leases acknowledged",
		},
		[]string{"backend", "queue"},
	)

	jobsNackedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskguard_jobs_nacked_total",
			Help: "Total number of jobs returned to their queue for a later delivery",
		},
		[]string{"backend", "queue", "job_name"},
	)
)

func recordJobEnqueued(backend string, job *Job) {
	if job == nil {
		return
	}
	jobsEnqueuedTotal.WithLabelValues(
		normalizeMetricLabel(backend, "unknown"),
		normalizeMetricLabel(job.Queue, "unknown"),
		normalizeMetricLabel(job.Name, "unknown"),
	).Inc()
}

func recordJobAcked(backend, queue string) {
	jobsAckedTotal.WithLabelValues(
		normalizeMetricLabel(backend, "unknown"),
		normalizeMetricLabel(queue, "unknown"),
	).Inc()
}

func recordJobNacked(backend string, job *Job) {
	if job == nil {
		return
	}
	jobsNackedTotal.WithLabelValues(
		normalizeMetricLabel(backend, "unknown"),
		normalizeMetricLabel(job.Queue, "unknown"),
		normalizeMetricLabel(job.Name, "unknown"),
	).Inc()
}

func normalizeMetricLabel(value, fallback string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}
