package guard

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nimburion/taskguard/pkg/classify"
	"github.com/nimburion/taskguard/pkg/idempotency"
	"github.com/nimburion/taskguard/pkg/retry"
)

// Task is one invocation of a named task.
type Task struct {
	Name string
	// Args must be JSON serializable. They are part of the idempotency key.
	Args any
	// Scope defaults to the registered scope kind of the task.
	Scope    idempotency.Scope
	Priority retry.Priority
	// Attempt counts the retries already made for this invocation.
	Attempt         int
	LastFailureType classify.FailureType
	History         []classify.Classification
	// DeadLetterID is set when the run replays a dead-lettered entry.
	DeadLetterID string
}

// Executor runs the body of a task and returns its serialized result.
type Executor interface {
	Execute(ctx context.Context, task Task) ([]byte, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, task Task) ([]byte, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, task Task) ([]byte, error) {
	return f(ctx, task)
}

// CircuitOpenAction selects what happens to a task blocked by an open circuit.
type CircuitOpenAction string

const (
	CircuitOpenRequeue    CircuitOpenAction = "requeue"
	CircuitOpenDeadLetter CircuitOpenAction = "dead_letter"
)

// ParseCircuitOpenAction parses an action name. Empty input means requeue.
func ParseCircuitOpenAction(value string) (CircuitOpenAction, error) {
	switch CircuitOpenAction(strings.ToLower(strings.TrimSpace(value))) {
	case "", CircuitOpenRequeue:
		return CircuitOpenRequeue, nil
	case CircuitOpenDeadLetter:
		return CircuitOpenDeadLetter, nil
	default:
		return "", validationError(fmt.Sprintf("unknown on_circuit_open action %q", value))
	}
}

// TaskConfig is the per-task configuration surface.
type TaskConfig struct {
	Category string                `mapstructure:"category" yaml:"category,omitempty"`
	Scope    idempotency.ScopeKind `mapstructure:"idempotency_scope" yaml:"idempotency_scope,omitempty"`
	// TTL bounds how long a completed result suppresses duplicates.
	TTL     time.Duration `mapstructure:"ttl" yaml:"ttl,omitempty"`
	LockTTL time.Duration `mapstructure:"lock_ttl" yaml:"lock_ttl,omitempty"`

	MaxRetries              *int           `mapstructure:"max_retries" yaml:"max_retries,omitempty"`
	BackoffStrategy         retry.Strategy `mapstructure:"backoff_strategy" yaml:"backoff_strategy,omitempty"`
	CircuitFailureThreshold *int           `mapstructure:"circuit_failure_threshold" yaml:"circuit_failure_threshold,omitempty"`
	// Policy carries further overrides. The shortcut fields above win.
	Policy retry.Override `mapstructure:"policy" yaml:"policy,omitempty"`

	FailOpenOnStorageUnavailable bool `mapstructure:"fail_open_on_storage_unavailable" yaml:"fail_open_on_storage_unavailable,omitempty"`
	// ExternalCall tells the classifier the task talks to a remote service.
	ExternalCall   bool              `mapstructure:"external_call" yaml:"external_call,omitempty"`
	Priority       retry.Priority    `mapstructure:"priority" yaml:"priority,omitempty"`
	AttemptTimeout time.Duration     `mapstructure:"attempt_timeout" yaml:"attempt_timeout,omitempty"`
	OnCircuitOpen  CircuitOpenAction `mapstructure:"on_circuit_open" yaml:"on_circuit_open,omitempty"`
}

// normalize canonicalizes enum fields. It expects a validated config.
func (c *TaskConfig) normalize() {
	c.Scope, _ = idempotency.ParseScopeKind(string(c.Scope))
	c.Priority, _ = retry.ParsePriority(string(c.Priority))
	c.OnCircuitOpen, _ = ParseCircuitOpenAction(string(c.OnCircuitOpen))
	if c.BackoffStrategy != "" {
		c.BackoffStrategy, _ = retry.ParseStrategy(string(c.BackoffStrategy))
	}
}

// Validate reports the first invalid field.
func (c TaskConfig) Validate() error {
	if _, err := idempotency.ParseScopeKind(string(c.Scope)); err != nil {
		return err
	}
	if _, err := retry.ParsePriority(string(c.Priority)); err != nil {
		return validationError(err.Error())
	}
	if _, err := ParseCircuitOpenAction(string(c.OnCircuitOpen)); err != nil {
		return err
	}
	if _, err := retry.ParseStrategy(string(c.BackoffStrategy)); err != nil {
		return validationError(err.Error())
	}
	switch {
	case c.TTL < 0:
		return validationError("ttl must be >= 0")
	case c.LockTTL < 0:
		return validationError("lock_ttl must be >= 0")
	case c.AttemptTimeout < 0:
		return validationError("attempt_timeout must be >= 0")
	case c.MaxRetries != nil && *c.MaxRetries < 0:
		return validationError("max_retries must be >= 0")
	case c.CircuitFailureThreshold != nil && *c.CircuitFailureThreshold <= 0:
		return validationError("circuit_failure_threshold must be > 0")
	}
	return nil
}

// Override merges the shortcut fields into Policy.
func (c TaskConfig) Override() retry.Override {
	override := c.Policy
	if c.MaxRetries != nil {
		override.MaxRetries = c.MaxRetries
	}
	if c.BackoffStrategy != "" {
		strategy := c.BackoffStrategy
		override.Strategy = &strategy
	}
	if c.CircuitFailureThreshold != nil {
		override.CircuitFailureThreshold = c.CircuitFailureThreshold
	}
	return override
}

// TaskRegistry holds task configurations and keeps the retry engine's task
// policies in sync with them.
type TaskRegistry struct {
	policies *retry.Engine

	mu    sync.RWMutex
	tasks map[string]TaskConfig
}

// NewTaskRegistry creates an empty registry. policies may be nil.
func NewTaskRegistry(policies *retry.Engine) *TaskRegistry {
	return &TaskRegistry{policies: policies, tasks: map[string]TaskConfig{}}
}

// Register adds or replaces the configuration of a task.
func (r *TaskRegistry) Register(name string, cfg TaskConfig) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return validationError("task name is required")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("task %s: %w", name, err)
	}
	cfg.normalize()
	if r.policies != nil {
		if err := r.policies.SetTaskPolicy(name, retry.TaskPolicy{Category: cfg.Category, Override: cfg.Override()}); err != nil {
			return fmt.Errorf("task %s: %w", name, err)
		}
	}

	r.mu.Lock()
	r.tasks[name] = cfg
	r.mu.Unlock()
	return nil
}

// Lookup returns the configuration of a task, or the defaults when the task is
// not registered.
func (r *TaskRegistry) Lookup(name string) TaskConfig {
	r.mu.RLock()
	cfg, ok := r.tasks[name]
	r.mu.RUnlock()
	if !ok {
		cfg.normalize()
	}
	return cfg
}

// Names lists the registered tasks in order.
func (r *TaskRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
