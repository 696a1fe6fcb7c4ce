package jobs

import (
	"strings"
	"time"
)

// DefaultContentType is the content type of task envelopes.
const DefaultContentType = "application/json"

// Job header keys.
const (
	// HeaderRequeueReason explains why a job was scheduled again.
	HeaderRequeueReason = "requeue_reason"
	// HeaderDeadLetterID links a replay to its dead-letter entry.
	HeaderDeadLetterID = "dead_letter_id"
	// HeaderTaskAttempt is the task-level retry count carried by the job.
	HeaderTaskAttempt = "task_attempt"
)

// Job is one delivery of a task to a queue.
type Job struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Queue          string            `json:"queue"`
	Payload        []byte            `json:"payload"`
	Headers        map[string]string `json:"headers,omitempty"`
	ContentType    string            `json:"content_type,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	RunAt          time.Time         `json:"run_at"`
	// Attempt counts deliveries that were nacked back to the queue.
	Attempt   int       `json:"attempt"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks the required fields used by runtime behavior.
func (j *Job) Validate() error {
	if j == nil {
		return jobsError(ErrValidation, "job is nil")
	}
	if strings.TrimSpace(j.ID) == "" {
		return jobsError(ErrValidation, "job id is required")
	}
	if strings.TrimSpace(j.Name) == "" {
		return jobsError(ErrValidation, "job name is required")
	}
	if strings.TrimSpace(j.Queue) == "" {
		return jobsError(ErrValidation, "job queue is required")
	}
	if len(j.Payload) == 0 {
		return jobsError(ErrValidation, "job payload is required")
	}
	if j.Attempt < 0 {
		return jobsError(ErrValidation, "job attempt must be >= 0")
	}
	return nil
}

func cloneJob(job *Job) *Job {
	if job == nil {
		return nil
	}
	out := *job
	out.Payload = cloneBytes(job.Payload)
	out.Headers = cloneHeaders(job.Headers)
	return &out
}

func cloneLease(lease *Lease) *Lease {
	if lease == nil {
		return nil
	}
	out := *lease
	return &out
}

func cloneHeaders(input map[string]string) map[string]string {
	if len(input) == 0 {
		return map[string]string{}
	}
	out := make(map[string]string, len(input))
	for k, v := range input {
		out[k] = v
	}
	return out
}

func cloneBytes(input []byte) []byte {
	if len(input) == 0 {
		return nil
	}
	out := make([]byte, len(input))
	copy(out, input)
	return out
}
