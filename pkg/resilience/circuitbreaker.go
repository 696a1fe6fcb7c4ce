package resilience

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed allows all executions through
	StateClosed State = iota
	// StateOpen blocks executions until the open duration elapses
	StateOpen
	// StateHalfOpen lets a bounded number of probes through
	StateHalfOpen
)

// String returns the persisted representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ParseState converts a persisted state name back into a State.
func ParseState(value string) (State, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "CLOSED":
		return StateClosed, nil
	case "OPEN":
		return StateOpen, nil
	case "HALF_OPEN", "HALF-OPEN":
		return StateHalfOpen, nil
	default:
		return StateClosed, fmt.Errorf("unknown circuit state %q", value)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	parsed, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ErrCircuitBreakerOpen is returned when the circuit breaker rejects an execution.
var ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

const (
	defaultFailureThreshold  = 5
	defaultOpenDuration      = 60 * time.Second
	defaultHalfOpenMaxProbes = 1
)

// CircuitBreakerConfig configures a CircuitBreaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int
	// OpenDuration is how long the circuit stays open before probing.
	OpenDuration time.Duration
	// HalfOpenMaxProbes bounds the executions admitted while half-open.
	HalfOpenMaxProbes int
	// Now overrides the clock.
	Now func() time.Time
	// OnStateChange is invoked, outside the breaker lock, after every transition.
	OnStateChange func(from, to State)
}

func (c *CircuitBreakerConfig) normalize() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = defaultFailureThreshold
	}
	if c.OpenDuration <= 0 {
		c.OpenDuration = defaultOpenDuration
	}
	if c.HalfOpenMaxProbes <= 0 {
		c.HalfOpenMaxProbes = defaultHalfOpenMaxProbes
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Snapshot is the persistable state of a breaker. For a half-open breaker
// OpenedAt marks the start of the current probe round.
type Snapshot struct {
	State               State
	ConsecutiveFailures int
	OpenedAt            time.Time
	HalfOpenProbes      int
}

// CircuitBreaker is a CLOSED/OPEN/HALF_OPEN state machine counting consecutive failures.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probes   int
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	cfg.normalize()
	return &CircuitBreaker{cfg: cfg, state: StateClosed}
}

// Allow reports whether an execution may proceed. While half-open every admitted
// execution consumes one probe slot.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	allowed, from, to := cb.allowLocked()
	cb.mu.Unlock()

	cb.notify(from, to)
	return allowed
}

func (cb *CircuitBreaker) allowLocked() (bool, State, State) {
	from := cb.state
	switch cb.state {
	case StateClosed:
		return true, from, from
	case StateOpen:
		if cb.cfg.Now().Before(cb.openedAt.Add(cb.cfg.OpenDuration)) {
			return false, from, from
		}
		cb.state = StateHalfOpen
		cb.openedAt = cb.cfg.Now()
		cb.probes = 1
		return true, from, StateHalfOpen
	case StateHalfOpen:
		if cb.probes < cb.cfg.HalfOpenMaxProbes {
			cb.probes++
			return true, from, from
		}
		// Probes that never reported an outcome are written off after another
		// open duration so the circuit cannot stay half-open forever.
		if now := cb.cfg.Now(); !now.Before(cb.openedAt.Add(cb.cfg.OpenDuration)) {
			cb.openedAt = now
			cb.probes = 1
			return true, from, from
		}
		return false, from, from
	default:
		return false, from, from
	}
}

// Execute runs fn if the breaker allows it and records the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.Allow() {
		return ErrCircuitBreakerOpen
	}
	if err := fn(); err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

// RecordSuccess resets the consecutive failure count and closes a half-open circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	from := cb.state
	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.state = StateClosed
		cb.probes = 0
		cb.openedAt = time.Time{}
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
}

// RecordFailure counts a failure. Reaching the threshold, or failing a half-open
// probe, opens the circuit. A failure reported after the open window elapsed
// starts a new window.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	from := cb.state
	cb.failures++
	switch cb.state {
	case StateHalfOpen:
		cb.open()
	case StateOpen:
		if !cb.cfg.Now().Before(cb.openedAt.Add(cb.cfg.OpenDuration)) {
			cb.open()
		}
	case StateClosed:
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.open()
		}
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
}

func (cb *CircuitBreaker) open() {
	cb.state = StateOpen
	cb.openedAt = cb.cfg.Now()
	cb.probes = 0
}

// State returns the current state without admitting a probe.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// ReopensAt returns when an open circuit becomes eligible for probing.
// The zero time is returned for a circuit that is not open.
func (cb *CircuitBreaker) ReopensAt() time.Time {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateOpen {
		return time.Time{}
	}
	return cb.openedAt.Add(cb.cfg.OpenDuration)
}

// Snapshot captures the breaker state for persistence.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Snapshot{
		State:               cb.state,
		ConsecutiveFailures: cb.failures,
		OpenedAt:            cb.openedAt,
		HalfOpenProbes:      cb.probes,
	}
}

// Restore replaces the breaker state with a persisted snapshot.
func (cb *CircuitBreaker) Restore(s Snapshot) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = s.State
	cb.failures = s.ConsecutiveFailures
	cb.openedAt = s.OpenedAt
	cb.probes = s.HalfOpenProbes
}

// Reset closes the circuit and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.failures = 0
	cb.probes = 0
	cb.openedAt = time.Time{}
	cb.mu.Unlock()

	cb.notify(from, StateClosed)
}

func (cb *CircuitBreaker) notify(from, to State) {
	if from != to && cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(from, to)
	}
}
