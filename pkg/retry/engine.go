package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/nimburion/taskguard/pkg/classify"
	"github.com/nimburion/taskguard/pkg/observability/logger"
	"github.com/nimburion/taskguard/pkg/observability/metrics"
	"github.com/nimburion/taskguard/pkg/resilience"
)

// Config configures an Engine. Policies resolve as: default table, then the
// failure type override, then the task's category override, then the task override.
type Config struct {
	FailureTypes map[classify.FailureType]Override
	Categories   map[string]Override
	Tasks        map[string]TaskPolicy

	Adaptive AdaptiveConfig
	Load     LoadConfig
	Cost     CostConfig

	// CircuitCacheTTL bounds how long a breaker is served from memory before
	// the state store is consulted again.
	CircuitCacheTTL time.Duration
	HalfOpenProbes  int

	Now     func() time.Time
	Rand    func() float64
	Metrics *metrics.GuardMetrics
}

func (c *Config) normalize() {
	if c.CircuitCacheTTL <= 0 {
		c.CircuitCacheTTL = defaultCircuitCacheTTL
	}
	if c.HalfOpenProbes <= 0 {
		c.HalfOpenProbes = defaultHalfOpenProbes
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Rand == nil {
		c.Rand = rand.Float64
	}
	c.Cost.normalize()
}

// Engine decides whether and when failed tasks are retried, and guards each
// (task, failure type) with a circuit breaker.
type Engine struct {
	log      logger.Logger
	cfg      Config
	defaults map[classify.FailureType]Policy
	adaptive *adaptiveTracker
	load     *loadMonitor
	breakers *breakerRegistry

	mu    sync.RWMutex
	tasks map[string]TaskPolicy
}

// NewEngine creates an engine. probe may be nil to disable load shedding.
func NewEngine(store StateStore, probe LoadProbe, log logger.Logger, cfg Config) (*Engine, error) {
	if store == nil {
		return nil, errors.New("state store is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()

	e := &Engine{
		log:      log,
		cfg:      cfg,
		defaults: DefaultPolicies(),
		adaptive: newAdaptiveTracker(cfg.Adaptive),
		load:     newLoadMonitor(probe, cfg.Load, log, cfg.Now),
		tasks:    map[string]TaskPolicy{},
	}
	for name, tp := range cfg.Tasks {
		e.tasks[name] = tp
	}
	for ft := range cfg.FailureTypes {
		if _, ok := e.defaults[ft]; !ok {
			return nil, validationError(fmt.Sprintf("override for unknown failure type %q", ft))
		}
	}
	names := []string{""}
	for name := range e.tasks {
		names = append(names, name)
	}
	for _, name := range names {
		if err := e.validateTask(name); err != nil {
			return nil, err
		}
	}
	e.breakers = newBreakerRegistry(store, log, cfg.Metrics, cfg.Now, cfg.CircuitCacheTTL, cfg.HalfOpenProbes, e.staticPolicy)
	return e, nil
}

// SetTaskPolicy registers or replaces the category and override of a task.
func (e *Engine) SetTaskPolicy(taskName string, tp TaskPolicy) error {
	e.mu.Lock()
	previous, existed := e.tasks[taskName]
	e.tasks[taskName] = tp
	e.mu.Unlock()

	if err := e.validateTask(taskName); err != nil {
		e.mu.Lock()
		if existed {
			e.tasks[taskName] = previous
		} else {
			delete(e.tasks, taskName)
		}
		e.mu.Unlock()
		return err
	}
	return nil
}

func (e *Engine) validateTask(taskName string) error {
	for _, ft := range classify.FailureTypes() {
		if err := e.staticPolicy(CircuitKey{TaskName: taskName, FailureType: ft}).Validate(); err != nil {
			if taskName == "" {
				return validationError(fmt.Sprintf("policy for %s: %v", ft, err))
			}
			return validationError(fmt.Sprintf("policy for task %s and %s: %v", taskName, ft, err))
		}
	}
	return nil
}

func (e *Engine) staticPolicy(key CircuitKey) Policy {
	policy, ok := e.defaults[key.FailureType]
	if !ok {
		policy = e.defaults[classify.Unknown]
	}
	if override, ok := e.cfg.FailureTypes[key.FailureType]; ok {
		policy = override.Apply(policy)
	}

	e.mu.RLock()
	tp, ok := e.tasks[key.TaskName]
	e.mu.RUnlock()
	if !ok {
		return policy
	}
	if override, ok := e.cfg.Categories[tp.Category]; ok && tp.Category != "" {
		policy = override.Apply(policy)
	}
	return tp.Override.Apply(policy)
}

// GetPolicy returns the effective policy: the configured policy adjusted by
// the rolling success rate and by the current queue depth.
func (e *Engine) GetPolicy(ctx context.Context, taskName string, failureType classify.FailureType) Policy {
	key := CircuitKey{TaskName: taskName, FailureType: normalizeFailureType(failureType)}
	policy := e.staticPolicy(key)
	policy = e.adaptive.adjust(key, policy)
	return e.load.adjust(ctx, policy)
}

// NextDelay returns the jittered delay before retry number attempt (0-based).
// Low-priority tasks may be pushed into the off-peak window.
func (e *Engine) NextDelay(policy Policy, attempt int, priority Priority) time.Duration {
	delay := Jittered(BaseDelay(policy, attempt), policy.JitterFraction, e.cfg.Rand(), policy.MaxDelay)
	if !e.cfg.Cost.Enabled {
		return delay
	}
	now := e.cfg.Now()
	return e.cfg.Cost.deferRun(now.Add(delay), priority).Sub(now)
}

// RecordOutcome feeds the rolling success rate and the breakers. A success
// closes or resets every breaker of the task; a failure counts against the
// breaker of its failure type.
func (e *Engine) RecordOutcome(ctx context.Context, taskName string, failureType classify.FailureType, success bool) {
	ft := normalizeFailureType(failureType)
	key := CircuitKey{TaskName: taskName, FailureType: ft}
	if failureType != "" {
		e.adaptive.record(key, success)
	}

	if !success {
		e.breakers.apply(ctx, key, func(cb *resilience.CircuitBreaker) bool {
			cb.RecordFailure()
			return true
		})
		return
	}

	keys := map[CircuitKey]struct{}{}
	for k := range e.breakers.forTask(ctx, taskName) {
		keys[k] = struct{}{}
	}
	if failureType != "" {
		keys[key] = struct{}{}
	}
	for k := range keys {
		e.breakers.apply(ctx, k, func(cb *resilience.CircuitBreaker) bool {
			cb.RecordSuccess()
			return true
		})
	}
}

// ShouldExecute reports whether the breaker for (task, failure type) admits an
// execution. A half-open admission consumes a probe. With no failure type
// every breaker of the task must admit the execution: an open breaker within
// its window blocks it, and one past its window admits it as a bounded probe.
func (e *Engine) ShouldExecute(ctx context.Context, taskName string, failureType classify.FailureType) bool {
	if failureType != "" {
		key := CircuitKey{TaskName: taskName, FailureType: normalizeFailureType(failureType)}
		allowed, _ := e.breakers.apply(ctx, key, allow)
		return allowed
	}

	now := e.cfg.Now()
	breakers := e.breakers.forTask(ctx, taskName)
	probing := make([]CircuitKey, 0, len(breakers))
	for key, cb := range breakers {
		switch cb.State() {
		case resilience.StateClosed:
		case resilience.StateOpen:
			if now.Before(cb.ReopensAt()) {
				return false
			}
			probing = append(probing, key)
		default:
			probing = append(probing, key)
		}
	}
	sort.Slice(probing, func(i, j int) bool { return probing[i].FailureType < probing[j].FailureType })
	for _, key := range probing {
		if allowed, _ := e.breakers.apply(ctx, key, allow); !allowed {
			return false
		}
	}
	return true
}

func allow(cb *resilience.CircuitBreaker) bool { return cb.Allow() }

// ReopensAt returns when the task's open breaker becomes eligible for probing,
// or the zero time when no matching breaker is open. With no failure type the
// latest instant among the task's open breakers is returned.
func (e *Engine) ReopensAt(ctx context.Context, taskName string, failureType classify.FailureType) time.Time {
	if failureType != "" {
		key := CircuitKey{TaskName: taskName, FailureType: normalizeFailureType(failureType)}
		return e.breakers.get(ctx, key).ReopensAt()
	}
	var latest time.Time
	for _, cb := range e.breakers.forTask(ctx, taskName) {
		if at := cb.ReopensAt(); at.After(latest) {
			latest = at
		}
	}
	return latest
}

// Action is the outcome of a retry decision.
type Action string

const (
	ActionRetry      Action = "RETRY"
	ActionDeadLetter Action = "DEAD_LETTER"
)

// DecisionInput describes a failed attempt.
type DecisionInput struct {
	TaskName       string
	Classification classify.Classification
	// Attempt is the number of retries already made for this invocation.
	Attempt  int
	Priority Priority
}

// Decision says whether to requeue the task and when.
type Decision struct {
	Action Action
	Delay  time.Duration
	RunAt  time.Time
	Policy Policy
	Reason string
}

// Decide routes a failed attempt to a delayed retry or to the dead letter sink.
func (e *Engine) Decide(ctx context.Context, in DecisionInput) Decision {
	ft := normalizeFailureType(in.Classification.FailureType)
	policy := e.GetPolicy(ctx, in.TaskName, ft)
	decision := Decision{Action: ActionDeadLetter, Policy: policy}

	switch {
	case !in.Classification.RetryRecommended:
		decision.Reason = fmt.Sprintf("%s is not retryable", ft)
		return decision
	case in.Attempt >= policy.MaxRetries:
		decision.Reason = fmt.Sprintf("retries exhausted after %d of %d", in.Attempt, policy.MaxRetries)
		return decision
	}

	delay := e.NextDelay(policy, in.Attempt, in.Priority)
	if hint := in.Classification.RetryAfter; hint > 0 {
		delay = hint
		if policy.MaxDelay > 0 && delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}
	now := e.cfg.Now()
	runAt := now.Add(delay)
	if reopens := e.ReopensAt(ctx, in.TaskName, ft); reopens.After(runAt) {
		runAt = reopens
		delay = reopens.Sub(now)
	}

	decision.Action = ActionRetry
	decision.Delay = delay
	decision.RunAt = runAt
	decision.Reason = fmt.Sprintf("retry %d of %d scheduled", in.Attempt+1, policy.MaxRetries)
	e.cfg.Metrics.ObserveRetryScheduled(in.TaskName, string(ft))
	return decision
}

// Circuits lists every persisted breaker.
func (e *Engine) Circuits(ctx context.Context) ([]CircuitState, error) {
	return e.breakers.store.List(ctx)
}

// ResetCircuit closes a breaker and persists the closed state.
func (e *Engine) ResetCircuit(ctx context.Context, taskName string, failureType classify.FailureType) error {
	key := CircuitKey{TaskName: taskName, FailureType: failureType}
	if err := key.validate(); err != nil {
		return err
	}
	_, err := e.breakers.apply(ctx, key, func(cb *resilience.CircuitBreaker) bool {
		cb.Reset()
		return true
	})
	if err != nil {
		return err
	}
	e.log.Info("circuit reset", "task", taskName, "failure_type", string(failureType))
	return nil
}

// SuccessRate exposes the rolling success rate for (task, failure type).
func (e *Engine) SuccessRate(taskName string, failureType classify.FailureType) (float64, int) {
	return e.adaptive.successRate(CircuitKey{TaskName: taskName, FailureType: normalizeFailureType(failureType)})
}

func normalizeFailureType(ft classify.FailureType) classify.FailureType {
	if ft == "" {
		return classify.Unknown
	}
	return ft
}
