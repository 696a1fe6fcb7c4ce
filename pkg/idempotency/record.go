package idempotency

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of an idempotency record.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// ParseStatus parses a persisted status value.
func ParseStatus(value string) (Status, error) {
	switch Status(strings.ToUpper(strings.TrimSpace(value))) {
	case StatusPending:
		return StatusPending, nil
	case StatusCompleted:
		return StatusCompleted, nil
	case StatusFailed:
		return StatusFailed, nil
	default:
		return "", validationError(fmt.Sprintf("unknown record status %q", value))
	}
}

// Record is the stored outcome of one logical task invocation. Payload holds
// the serialized invocation while the record is PENDING, so an execution whose
// outcome was never recorded can be replayed with its original arguments.
type Record struct {
	Key       string    `json:"key"`
	TaskName  string    `json:"task_name"`
	Scope     ScopeKind `json:"scope"`
	Status    Status    `json:"status"`
	Result    []byte    `json:"result,omitempty"`
	Payload   []byte    `json:"payload,omitempty"`
	HolderID  string    `json:"holder_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the record is logically absent at now.
func (r *Record) Expired(now time.Time) bool {
	return r != nil && !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Completed reports whether the record holds a live completed result.
func (r *Record) Completed(now time.Time) bool {
	return r != nil && r.Status == StatusCompleted && !r.Expired(now)
}

// Validate checks the fields every backend relies on.
func (r *Record) Validate() error {
	if r == nil {
		return validationError("record is nil")
	}
	if strings.TrimSpace(r.Key) == "" {
		return validationError("record key is required")
	}
	if _, err := ParseStatus(string(r.Status)); err != nil {
		return err
	}
	if r.ExpiresAt.IsZero() {
		return validationError("record expires_at is required")
	}
	return nil
}

// keepsExisting reports whether a write of next must leave existing untouched:
// a live completed record is never replaced within its TTL.
func keepsExisting(existing *Record, now time.Time) bool {
	return existing != nil && existing.Completed(now)
}

// Backend is a key-value store for idempotency records.
type Backend interface {
	Name() string
	// Get returns ErrRecordNotFound when no record exists. Expired records may be returned.
	Get(ctx context.Context, key string) (*Record, error)
	// Put upserts the record atomically unless a live COMPLETED record already
	// exists, in which case it is a no-op.
	Put(ctx context.Context, record *Record) error
	HealthCheck(ctx context.Context) error
	Close() error
}

// DurableBackend is the authoritative store with maintenance queries.
type DurableBackend interface {
	Backend
	// ListStalePending returns PENDING records last updated before olderThan.
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]*Record, error)
	// PurgeExpired deletes non-pending records that expired before the given time.
	PurgeExpired(ctx context.Context, before time.Time, limit int) (int64, error)
}
