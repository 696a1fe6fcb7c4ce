package guard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nimburion/taskguard/pkg/classify"
	"github.com/nimburion/taskguard/pkg/deadletter"
	"github.com/nimburion/taskguard/pkg/idempotency"
	"github.com/nimburion/taskguard/pkg/jobs"
	"github.com/nimburion/taskguard/pkg/observability/logger"
	"github.com/nimburion/taskguard/pkg/retry"
)

// RequeueRequest asks for a task to run again later.
type RequeueRequest struct {
	Task   Task
	RunAt  time.Time
	Reason string
}

// Requeuer schedules a task for a later run without blocking the caller.
type Requeuer interface {
	Requeue(ctx context.Context, req RequeueRequest) error
}

// Envelope is the serialized form of a Task carried by a job payload.
type Envelope struct {
	Task            string                    `json:"task"`
	Args            json.RawMessage           `json:"args,omitempty"`
	Scope           idempotency.Scope         `json:"scope"`
	Priority        retry.Priority            `json:"priority,omitempty"`
	Attempt         int                       `json:"attempt"`
	LastFailureType classify.FailureType      `json:"last_failure_type,omitempty"`
	History         []classify.Classification `json:"history,omitempty"`
	DeadLetterID    string                    `json:"dead_letter_id,omitempty"`
}

// EncodeTask serializes a task into a job payload.
func EncodeTask(task Task) ([]byte, error) {
	if strings.TrimSpace(task.Name) == "" {
		return nil, validationError("task name is required")
	}
	var args json.RawMessage
	if task.Args != nil {
		raw, err := json.Marshal(task.Args)
		if err != nil {
			return nil, validationError(fmt.Sprintf("task arguments are not serializable: %v", err))
		}
		args = raw
	}
	return json.Marshal(Envelope{
		Task:            task.Name,
		Args:            args,
		Scope:           task.Scope,
		Priority:        task.Priority,
		Attempt:         task.Attempt,
		LastFailureType: task.LastFailureType,
		History:         task.History,
		DeadLetterID:    task.DeadLetterID,
	})
}

// DecodeTask parses a job payload. Args are left as raw JSON, which derives the
// same idempotency key as the value they were encoded from.
func DecodeTask(payload []byte) (Task, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return Task{}, validationError(fmt.Sprintf("decode task envelope: %v", err))
	}
	if strings.TrimSpace(envelope.Task) == "" {
		return Task{}, validationError("task envelope has no task name")
	}
	task := Task{
		Name:            envelope.Task,
		Scope:           envelope.Scope,
		Priority:        envelope.Priority,
		Attempt:         envelope.Attempt,
		LastFailureType: envelope.LastFailureType,
		History:         envelope.History,
		DeadLetterID:    envelope.DeadLetterID,
	}
	if len(envelope.Args) > 0 {
		task.Args = envelope.Args
	}
	return task, nil
}

// JobsRequeuerConfig configures a JobsRequeuer.
type JobsRequeuerConfig struct {
	Queue string
	NewID func() string
	Now   func() time.Time
}

func (c *JobsRequeuerConfig) normalize() {
	c.Queue = strings.TrimSpace(c.Queue)
	if c.NewID == nil {
		c.NewID = func() string { return uuid.NewString() }
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// JobsRequeuer submits tasks as delayed jobs. It also replays dead-letter
// entries, which makes it the sink's Replayer.
type JobsRequeuer struct {
	backend jobs.Backend
	log     logger.Logger
	cfg     JobsRequeuerConfig
}

// NewJobsRequeuer creates a requeuer writing to cfg.Queue.
func NewJobsRequeuer(backend jobs.Backend, log logger.Logger, cfg JobsRequeuerConfig) (*JobsRequeuer, error) {
	if backend == nil {
		return nil, errors.New("jobs backend is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()
	if cfg.Queue == "" {
		return nil, errors.New("queue is required")
	}
	return &JobsRequeuer{backend: backend, log: log, cfg: cfg}, nil
}

// Submit enqueues a task for immediate execution.
func (r *JobsRequeuer) Submit(ctx context.Context, task Task) error {
	return r.enqueue(ctx, task, time.Time{}, "")
}

// Requeue enqueues the task due at req.RunAt.
func (r *JobsRequeuer) Requeue(ctx context.Context, req RequeueRequest) error {
	return r.enqueue(ctx, req.Task, req.RunAt, req.Reason)
}

// Replay submits a dead-letter entry under a salted scope, so the replay does
// not collide with the key of the failed invocation.
func (r *JobsRequeuer) Replay(ctx context.Context, entry *deadletter.Entry, salt string) error {
	if entry == nil {
		return validationError("dead letter entry is required")
	}
	task := Task{
		Name:         entry.TaskName,
		Scope:        entry.Scope.WithSalt(salt),
		Priority:     entry.Priority,
		DeadLetterID: entry.ID,
	}
	if len(entry.Args) > 0 {
		task.Args = entry.Args
	}
	return r.enqueue(ctx, task, time.Time{}, "dead letter replay")
}

func (r *JobsRequeuer) enqueue(ctx context.Context, task Task, runAt time.Time, reason string) error {
	payload, err := EncodeTask(task)
	if err != nil {
		return err
	}
	now := r.cfg.Now().UTC()
	if runAt.IsZero() || runAt.Before(now) {
		runAt = now
	}
	job := &jobs.Job{
		ID:          r.cfg.NewID(),
		Name:        task.Name,
		Queue:       r.cfg.Queue,
		Payload:     payload,
		ContentType: jobs.DefaultContentType,
		Headers: map[string]string{
			jobs.HeaderTaskAttempt: strconv.Itoa(task.Attempt),
		},
		RunAt:     runAt.UTC(),
		CreatedAt: now,
	}
	if reason != "" {
		job.Headers[jobs.HeaderRequeueReason] = reason
	}
	if task.DeadLetterID != "" {
		job.Headers[jobs.HeaderDeadLetterID] = task.DeadLetterID
	}
	if err := r.backend.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("enqueue task %s: %w", task.Name, err)
	}
	r.log.Debug("task enqueued", "task", task.Name, "job_id", job.ID, "run_at", job.RunAt, "attempt", task.Attempt)
	return nil
}
