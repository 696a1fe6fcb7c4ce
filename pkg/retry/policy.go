package retry

import (
	"fmt"
	"strings"
	"time"

	"github.com/nimburion/taskguard/pkg/classify"
)

// Strategy selects how delays grow between attempts.
type Strategy string

const (
	Exponential Strategy = "EXPONENTIAL"
	Linear      Strategy = "LINEAR"
	Fibonacci   Strategy = "FIBONACCI"
)

// ParseStrategy parses a strategy name. Empty input means EXPONENTIAL.
func ParseStrategy(value string) (Strategy, error) {
	switch Strategy(strings.ToUpper(strings.TrimSpace(value))) {
	case "", Exponential:
		return Exponential, nil
	case Linear:
		return Linear, nil
	case Fibonacci:
		return Fibonacci, nil
	default:
		return "", fmt.Errorf("unknown backoff strategy %q", value)
	}
}

// Policy governs retries and the circuit breaker for one task and failure type.
type Policy struct {
	MaxRetries              int           `json:"max_retries" mapstructure:"max_retries"`
	InitialDelay            time.Duration `json:"initial_delay" mapstructure:"initial_delay"`
	BackoffMultiplier       float64       `json:"backoff_multiplier" mapstructure:"backoff_multiplier"`
	Strategy                Strategy      `json:"backoff_strategy" mapstructure:"backoff_strategy"`
	MaxDelay                time.Duration `json:"max_delay" mapstructure:"max_delay"`
	JitterFraction          float64       `json:"jitter_fraction" mapstructure:"jitter_fraction"`
	CircuitFailureThreshold int           `json:"circuit_failure_threshold" mapstructure:"circuit_failure_threshold"`
	CircuitOpenDuration     time.Duration `json:"circuit_open_duration" mapstructure:"circuit_open_duration"`
}

// Validate reports the first invalid field.
func (p Policy) Validate() error {
	switch {
	case p.MaxRetries < 0:
		return fmt.Errorf("max_retries must be >= 0")
	case p.InitialDelay < 0:
		return fmt.Errorf("initial_delay must be >= 0")
	case p.BackoffMultiplier < 0:
		return fmt.Errorf("backoff_multiplier must be >= 0")
	case p.MaxDelay < p.InitialDelay:
		return fmt.Errorf("max_delay must be >= initial_delay")
	case p.JitterFraction < 0 || p.JitterFraction > 1:
		return fmt.Errorf("jitter_fraction must be within [0,1]")
	case p.CircuitFailureThreshold <= 0:
		return fmt.Errorf("circuit_failure_threshold must be > 0")
	case p.CircuitOpenDuration <= 0:
		return fmt.Errorf("circuit_open_duration must be > 0")
	}
	if _, err := ParseStrategy(string(p.Strategy)); err != nil {
		return err
	}
	return nil
}

// Override replaces selected policy fields. Nil fields keep the base value.
type Override struct {
	MaxRetries              *int           `mapstructure:"max_retries" yaml:"max_retries,omitempty"`
	InitialDelay            *time.Duration `mapstructure:"initial_delay" yaml:"initial_delay,omitempty"`
	BackoffMultiplier       *float64       `mapstructure:"backoff_multiplier" yaml:"backoff_multiplier,omitempty"`
	Strategy                *Strategy      `mapstructure:"backoff_strategy" yaml:"backoff_strategy,omitempty"`
	MaxDelay                *time.Duration `mapstructure:"max_delay" yaml:"max_delay,omitempty"`
	JitterFraction          *float64       `mapstructure:"jitter_fraction" yaml:"jitter_fraction,omitempty"`
	CircuitFailureThreshold *int           `mapstructure:"circuit_failure_threshold" yaml:"circuit_failure_threshold,omitempty"`
	CircuitOpenDuration     *time.Duration `mapstructure:"circuit_open_duration" yaml:"circuit_open_duration,omitempty"`
}

// Apply returns base with the override's fields set.
func (o Override) Apply(base Policy) Policy {
	if o.MaxRetries != nil {
		base.MaxRetries = *o.MaxRetries
	}
	if o.InitialDelay != nil {
		base.InitialDelay = *o.InitialDelay
	}
	if o.BackoffMultiplier != nil {
		base.BackoffMultiplier = *o.BackoffMultiplier
	}
	if o.Strategy != nil {
		base.Strategy = *o.Strategy
	}
	if o.MaxDelay != nil {
		base.MaxDelay = *o.MaxDelay
	}
	if o.JitterFraction != nil {
		base.JitterFraction = *o.JitterFraction
	}
	if o.CircuitFailureThreshold != nil {
		base.CircuitFailureThreshold = *o.CircuitFailureThreshold
	}
	if o.CircuitOpenDuration != nil {
		base.CircuitOpenDuration = *o.CircuitOpenDuration
	}
	if base.MaxDelay < base.InitialDelay {
		base.MaxDelay = base.InitialDelay
	}
	return base
}

// TaskPolicy ties a task to its category and task-level override.
type TaskPolicy struct {
	Category string
	Override Override
}

const defaultJitter = 0.1

// DefaultPolicies returns the static policy table keyed by failure type.
func DefaultPolicies() map[classify.FailureType]Policy {
	transient := func(retries int, initial time.Duration, multiplier float64, strategy Strategy, maxDelay time.Duration, threshold int, open time.Duration) Policy {
		return Policy{
			MaxRetries:              retries,
			InitialDelay:            initial,
			BackoffMultiplier:       multiplier,
			Strategy:                strategy,
			MaxDelay:                maxDelay,
			JitterFraction:          defaultJitter,
			CircuitFailureThreshold: threshold,
			CircuitOpenDuration:     open,
		}
	}
	permanent := Policy{
		MaxRetries:              0,
		InitialDelay:            0,
		BackoffMultiplier:       1,
		Strategy:                Exponential,
		MaxDelay:                0,
		JitterFraction:          0,
		CircuitFailureThreshold: 5,
		CircuitOpenDuration:     5 * time.Minute,
	}

	return map[classify.FailureType]Policy{
		classify.TransientDatabase:        transient(5, 5*time.Second, 2, Exponential, 5*time.Minute, 5, time.Minute),
		classify.TransientNetwork:         transient(5, 2*time.Second, 2, Exponential, 2*time.Minute, 5, time.Minute),
		classify.TransientRateLimit:       transient(6, 30*time.Second, 1, Linear, 10*time.Minute, 10, 5*time.Minute),
		classify.TransientConcurrency:     transient(5, time.Second, 1, Fibonacci, 30*time.Second, 10, 30*time.Second),
		classify.TransientInterrupted:     transient(3, time.Second, 2, Exponential, time.Minute, 5, time.Minute),
		classify.ExternalDependencyDown:   transient(8, time.Minute, 2, Exponential, 30*time.Minute, 3, 5*time.Minute),
		classify.SystemResourceExhaustion: transient(4, 2*time.Minute, 1, Linear, 30*time.Minute, 3, 10*time.Minute),
		classify.PermanentValidation:      permanent,
		classify.PermanentNotFound:        permanent,
		classify.PermanentAuthorization:   permanent,
		classify.PermanentIntegrity:       permanent,
		classify.ConfigError:              permanent,
		classify.ProgrammingError:         permanent,
		classify.DataCorruption:           permanent,
		classify.Unknown:                  permanent,
	}
}
