package deadletter

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nimburion/taskguard/pkg/classify"
	"github.com/nimburion/taskguard/pkg/idempotency"
	"github.com/nimburion/taskguard/pkg/retry"
)

// Status is the lifecycle state of a dead letter entry.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRetrying  Status = "RETRYING"
	StatusResolved  Status = "RESOLVED"
	StatusAbandoned Status = "ABANDONED"
)

// ParseStatus parses a status name. Empty input is rejected.
func ParseStatus(value string) (Status, error) {
	switch Status(strings.ToUpper(strings.TrimSpace(value))) {
	case StatusPending:
		return StatusPending, nil
	case StatusRetrying:
		return StatusRetrying, nil
	case StatusResolved:
		return StatusResolved, nil
	case StatusAbandoned:
		return StatusAbandoned, nil
	default:
		return "", validationError(fmt.Sprintf("unknown status %q", value))
	}
}

// Terminal reports whether no further operation applies.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusAbandoned
}

// Action names an audited operation.
type Action string

const (
	ActionEnqueue     Action = "enqueue"
	ActionRetry       Action = "retry"
	ActionRetryFailed Action = "retry_failed"
	ActionAbandon     Action = "abandon"
	ActionResolve     Action = "resolve"
	ActionReopen      Action = "reopen"
)

// Entry is a task that will not be retried automatically.
type Entry struct {
	ID             string                    `json:"id"`
	TaskName       string                    `json:"task_name"`
	Args           json.RawMessage           `json:"args,omitempty"`
	Scope          idempotency.Scope         `json:"scope"`
	IdempotencyKey string                    `json:"idempotency_key,omitempty"`
	Priority       retry.Priority            `json:"priority"`
	FailureHistory []classify.Classification `json:"failure_history"`
	Attempts       int                       `json:"attempts"`
	Reason         string                    `json:"reason"`
	Status         Status                    `json:"status"`
	ReplayCount    int                       `json:"replay_count"`
	Resolution     string                    `json:"resolution,omitempty"`
	CreatedAt      time.Time                 `json:"created_at"`
	UpdatedAt      time.Time                 `json:"updated_at"`
	ResolvedAt     time.Time                 `json:"resolved_at,omitzero"`
}

// LastFailure returns the most recent classification, if any.
func (e *Entry) LastFailure() (classify.Classification, bool) {
	if e == nil || len(e.FailureHistory) == 0 {
		return classify.Classification{}, false
	}
	return e.FailureHistory[len(e.FailureHistory)-1], true
}

// LastFailureType returns the failure type of the most recent classification.
func (e *Entry) LastFailureType() classify.FailureType {
	if last, ok := e.LastFailure(); ok {
		return last.FailureType
	}
	return ""
}

// Explain summarises why retries stopped.
func (e *Entry) Explain() string {
	if e == nil {
		return ""
	}
	attempts := "attempt"
	if e.Attempts != 1 {
		attempts = "attempts"
	}
	last, ok := e.LastFailure()
	if !ok {
		return fmt.Sprintf("Task %s stopped after %d %s: %s.", e.TaskName, e.Attempts, attempts, e.Reason)
	}
	return fmt.Sprintf("Task %s stopped after %d %s (%s). %s", e.TaskName, e.Attempts, attempts, e.Reason, last.Explain())
}

func (e *Entry) clone() *Entry {
	if e == nil {
		return nil
	}
	out := *e
	out.Args = append(json.RawMessage(nil), e.Args...)
	out.FailureHistory = append([]classify.Classification(nil), e.FailureHistory...)
	return &out
}

// Filter selects entries. Zero fields match everything.
type Filter struct {
	TaskName    string
	FailureType classify.FailureType
	Status      Status
	Since       time.Time
	Until       time.Time
	Limit       int
}

func (f Filter) matches(e *Entry) bool {
	if f.TaskName != "" && e.TaskName != f.TaskName {
		return false
	}
	if f.FailureType != "" && e.LastFailureType() != f.FailureType {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !e.CreatedAt.Before(f.Until) {
		return false
	}
	return true
}

// AuditEvent records one mutating operation.
type AuditEvent struct {
	EntryID string    `json:"entry_id"`
	Action  Action    `json:"action"`
	Actor   string    `json:"actor"`
	Detail  string    `json:"detail,omitempty"`
	At      time.Time `json:"at"`
}
