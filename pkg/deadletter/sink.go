package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/nimburion/taskguard/pkg/classify"
	"github.com/nimburion/taskguard/pkg/idempotency"
	"github.com/nimburion/taskguard/pkg/observability/logger"
	"github.com/nimburion/taskguard/pkg/observability/metrics"
	"github.com/nimburion/taskguard/pkg/retry"
)

const (
	defaultBulkRetryRate  = 10
	defaultBulkRetryBurst = 1
	// SystemActor is recorded for operations not triggered by an operator.
	SystemActor = "system"
)

// Replayer re-submits a dead-lettered task for execution. salt must be used
// as the idempotency scope salt so the replay gets a fresh key.
type Replayer interface {
	Replay(ctx context.Context, entry *Entry, salt string) error
}

// SinkConfig configures a Sink.
type SinkConfig struct {
	// BulkRetryRate bounds replays per second during BulkRetry.
	BulkRetryRate  float64
	BulkRetryBurst int
	Now            func() time.Time
	NewID          func() string
	Metrics        *metrics.GuardMetrics
}

func (c *SinkConfig) normalize() {
	if c.BulkRetryRate <= 0 {
		c.BulkRetryRate = defaultBulkRetryRate
	}
	if c.BulkRetryBurst <= 0 {
		c.BulkRetryBurst = defaultBulkRetryBurst
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.NewID == nil {
		c.NewID = func() string { return uuid.NewString() }
	}
}

// EnqueueRequest describes a task whose retries stopped.
type EnqueueRequest struct {
	TaskName       string
	Args           json.RawMessage
	Scope          idempotency.Scope
	IdempotencyKey string
	Priority       retry.Priority
	FailureHistory []classify.Classification
	Attempts       int
	Reason         string
	Actor          string
}

// BulkResult reports the outcome of BulkRetry.
type BulkResult struct {
	Retried []string          `json:"retried"`
	Failed  map[string]string `json:"failed,omitempty"`
}

// Sink is the terminal holding area for tasks that cannot be retried
// automatically. Every mutation is audited with its actor and time.
type Sink struct {
	store    Store
	replayer Replayer
	log      logger.Logger
	cfg      SinkConfig
}

// NewSink creates a sink. replayer may be nil, in which case Retry and
// BulkRetry return ErrReplayUnavailable.
func NewSink(store Store, replayer Replayer, log logger.Logger, cfg SinkConfig) (*Sink, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()
	return &Sink{store: store, replayer: replayer, log: log, cfg: cfg}, nil
}

// SetReplayer installs the replayer once the component that can re-execute
// tasks exists.
func (s *Sink) SetReplayer(replayer Replayer) {
	s.replayer = replayer
}

// Enqueue records a new PENDING entry.
func (s *Sink) Enqueue(ctx context.Context, req EnqueueRequest) (*Entry, error) {
	if strings.TrimSpace(req.TaskName) == "" {
		return nil, validationError("task name is required")
	}
	if req.Scope.Kind == "" {
		req.Scope.Kind = idempotency.ScopeGlobal
	}
	if req.Priority == "" {
		req.Priority = retry.PriorityNormal
	}
	now := s.cfg.Now()
	entry := &Entry{
		ID:             s.cfg.NewID(),
		TaskName:       req.TaskName,
		Args:           req.Args,
		Scope:          req.Scope,
		IdempotencyKey: req.IdempotencyKey,
		Priority:       req.Priority,
		FailureHistory: append([]classify.Classification(nil), req.FailureHistory...),
		Attempts:       req.Attempts,
		Reason:         req.Reason,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if entry.FailureHistory == nil {
		entry.FailureHistory = []classify.Classification{}
	}
	event := s.event(entry.ID, ActionEnqueue, req.Actor, entry.Reason, now)
	if err := s.store.Insert(ctx, entry, event); err != nil {
		return nil, err
	}

	s.log.Warn("task dead-lettered",
		"entry_id", entry.ID,
		"task", entry.TaskName,
		"failure_type", string(entry.LastFailureType()),
		"attempts", entry.Attempts,
		"reason", entry.Reason,
	)
	s.observe(ctx, ActionEnqueue)
	return entry, nil
}

// List returns matching entries, newest first.
func (s *Sink) List(ctx context.Context, filter Filter) ([]*Entry, error) {
	return s.store.List(ctx, filter)
}

// Get returns one entry.
func (s *Sink) Get(ctx context.Context, id string) (*Entry, error) {
	return s.store.Get(ctx, id)
}

// Audit returns the audit trail of an entry, oldest first.
func (s *Sink) Audit(ctx context.Context, id string) ([]AuditEvent, error) {
	return s.store.Audit(ctx, id)
}

// Retry marks a PENDING entry RETRYING and replays it under a fresh
// idempotency scope. A failed replay returns the entry to PENDING.
func (s *Sink) Retry(ctx context.Context, id, actor string) (*Entry, error) {
	if s.replayer == nil {
		return nil, ErrReplayUnavailable
	}
	entry, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry.Status != StatusPending {
		return nil, transitionError(id, entry.Status, ActionRetry)
	}

	now := s.cfg.Now()
	next := entry.clone()
	next.Status = StatusRetrying
	next.ReplayCount++
	next.UpdatedAt = now
	salt := ReplaySalt(next.ID, next.ReplayCount)
	if err := s.store.Update(ctx, next, StatusPending, s.event(id, ActionRetry, actor, salt, now)); err != nil {
		return nil, err
	}

	if err := s.replayer.Replay(ctx, next.clone(), salt); err != nil {
		reverted := next.clone()
		reverted.Status = StatusPending
		reverted.UpdatedAt = s.cfg.Now()
		event := s.event(id, ActionRetryFailed, actor, err.Error(), reverted.UpdatedAt)
		if revertErr := s.store.Update(ctx, reverted, StatusRetrying, event); revertErr != nil {
			s.log.Error("failed to revert dead letter entry after replay error",
				"entry_id", id,
				"error", err,
				"revert_error", revertErr,
			)
		}
		return nil, fmt.Errorf("replay entry %s: %w", id, err)
	}

	s.log.Info("dead letter entry replayed", "entry_id", id, "task", next.TaskName, "actor", actorOrSystem(actor), "salt", salt)
	s.observe(ctx, ActionRetry)
	return next, nil
}

// ReplaySalt returns the idempotency scope salt of the n-th replay of an entry.
func ReplaySalt(entryID string, n int) string {
	return fmt.Sprintf("replay:%s:%d", entryID, n)
}

// Abandon terminally gives up on an entry.
func (s *Sink) Abandon(ctx context.Context, id, actor, reason string) (*Entry, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, validationError("abandon reason is required")
	}
	return s.transition(ctx, id, actor, ActionAbandon, reason, func(e *Entry) bool {
		return e.Status == StatusPending || e.Status == StatusRetrying
	}, func(e *Entry, now time.Time) {
		e.Status = StatusAbandoned
		e.Resolution = reason
		e.ResolvedAt = now
	})
}

// Resolve marks a RETRYING entry as successfully re-executed.
func (s *Sink) Resolve(ctx context.Context, id, actor string) (*Entry, error) {
	return s.transition(ctx, id, actor, ActionResolve, "", func(e *Entry) bool {
		return e.Status == StatusRetrying
	}, func(e *Entry, now time.Time) {
		e.Status = StatusResolved
		e.Resolution = "replay succeeded"
		e.ResolvedAt = now
	})
}

// Reopen returns a RETRYING entry whose replay failed again to PENDING, with
// the new failures appended to its history.
func (s *Sink) Reopen(ctx context.Context, id, actor string, failures []classify.Classification, attempts int, reason string) (*Entry, error) {
	return s.transition(ctx, id, actor, ActionReopen, reason, func(e *Entry) bool {
		return e.Status == StatusRetrying
	}, func(e *Entry, _ time.Time) {
		e.Status = StatusPending
		e.FailureHistory = append(e.FailureHistory, failures...)
		e.Attempts += attempts
		if reason != "" {
			e.Reason = reason
		}
	})
}

func (s *Sink) transition(ctx context.Context, id, actor string, action Action, detail string, allowed func(*Entry) bool, apply func(*Entry, time.Time)) (*Entry, error) {
	entry, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !allowed(entry) {
		return nil, transitionError(id, entry.Status, action)
	}

	now := s.cfg.Now()
	next := entry.clone()
	apply(next, now)
	next.UpdatedAt = now
	if err := s.store.Update(ctx, next, entry.Status, s.event(id, action, actor, detail, now)); err != nil {
		return nil, err
	}
	s.log.Info("dead letter entry updated",
		"entry_id", id,
		"action", string(action),
		"status", string(next.Status),
		"actor", actorOrSystem(actor),
	)
	s.observe(ctx, action)
	return next, nil
}

// BulkRetry retries every PENDING entry matching filter, paced by the
// configured rate. Individual failures are collected, not fatal.
func (s *Sink) BulkRetry(ctx context.Context, filter Filter, actor string) (BulkResult, error) {
	result := BulkResult{Retried: []string{}, Failed: map[string]string{}}
	if s.replayer == nil {
		return result, ErrReplayUnavailable
	}
	filter.Status = StatusPending
	entries, err := s.store.List(ctx, filter)
	if err != nil {
		return result, err
	}

	limiter := rate.NewLimiter(rate.Limit(s.cfg.BulkRetryRate), s.cfg.BulkRetryBurst)
	for _, entry := range entries {
		if err := limiter.Wait(ctx); err != nil {
			return result, err
		}
		if _, err := s.Retry(ctx, entry.ID, actor); err != nil {
			result.Failed[entry.ID] = err.Error()
			continue
		}
		result.Retried = append(result.Retried, entry.ID)
	}
	s.log.Info("bulk retry finished",
		"actor", actorOrSystem(actor),
		"retried", len(result.Retried),
		"failed", len(result.Failed),
	)
	return result, nil
}

func (s *Sink) event(id string, action Action, actor, detail string, at time.Time) AuditEvent {
	return AuditEvent{EntryID: id, Action: action, Actor: actorOrSystem(actor), Detail: detail, At: at}
}

// observe records the operation and refreshes the pending depth gauge.
func (s *Sink) observe(ctx context.Context, action Action) {
	if s.cfg.Metrics == nil {
		return
	}
	s.cfg.Metrics.ObserveDeadLetterOperation(string(action))
	depth, err := s.store.CountByStatus(ctx, StatusPending)
	if err != nil {
		s.log.Debug("dead letter depth refresh failed", "error", err)
		return
	}
	s.cfg.Metrics.SetDeadLetterDepth(depth)
}

func actorOrSystem(actor string) string {
	if strings.TrimSpace(actor) == "" {
		return SystemActor
	}
	return strings.TrimSpace(actor)
}
