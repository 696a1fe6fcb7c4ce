package guard

import (
	"time"

	"github.com/nimburion/taskguard/pkg/classify"
	"github.com/nimburion/taskguard/pkg/retry"
)

// Outcome is the terminal state of one Run.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	// OutcomeDuplicate returns the result of an earlier completed run.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeInProgress means another worker holds the task lock.
	OutcomeInProgress         Outcome = "in_progress"
	OutcomeRetryScheduled     Outcome = "retry_scheduled"
	OutcomeDeadLettered       Outcome = "dead_lettered"
	OutcomeCircuitOpen        Outcome = "circuit_open"
	OutcomeStorageUnavailable Outcome = "storage_unavailable"
	// OutcomeResultUnrecorded means the body ran but its result could not be
	// stored. The PENDING record stays behind for the reconciler, and the task
	// must not be run again blindly.
	OutcomeResultUnrecorded Outcome = "result_unrecorded"
)

// Result describes what Run did with a task.
type Result struct {
	Outcome Outcome
	Key     string
	// Value is the task result for succeeded, duplicate and result_unrecorded
	// outcomes.
	Value []byte
	// Err is nil on success and wraps a guard sentinel otherwise. A scheduled
	// retry carries the task error.
	Err            error
	Classification *classify.Classification
	Decision       *retry.Decision
	DeadLetterID   string
	// RunAt is when a requeued task becomes due.
	RunAt time.Time
}

// OK reports whether the task's work is done, by this run or an earlier one.
func (r *Result) OK() bool {
	return r != nil && (r.Outcome == OutcomeSucceeded || r.Outcome == OutcomeDuplicate)
}
