package health

import (
	"context"
	"fmt"
	"time"
)

const DefaultCheckTimeout = 5 * time.Second

// Checkable is implemented by every backend with a health probe.
type Checkable interface {
	HealthCheck(ctx context.Context) error
}

// CheckFunc adapts a probe function to Checkable.
type CheckFunc func(ctx context.Context) error

// HealthCheck calls f.
func (f CheckFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// AdapterChecker checks one backend under a timeout.
type AdapterChecker struct {
	name    string
	adapter Checkable
	timeout time.Duration
	onError Status
}

// NewAdapterChecker creates a checker for adapter. A zero timeout uses DefaultCheckTimeout.
func NewAdapterChecker(name string, adapter Checkable, timeout time.Duration) *AdapterChecker {
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}
	return &AdapterChecker{name: name, adapter: adapter, timeout: timeout, onError: StatusUnhealthy}
}

// NewOptionalChecker checks a backend the system can run without, such as
// the idempotency cache. A failure reports degraded.
func NewOptionalChecker(name string, adapter Checkable, timeout time.Duration) *AdapterChecker {
	checker := NewAdapterChecker(name, adapter, timeout)
	checker.onError = StatusDegraded
	return checker
}

// Check runs the backend's probe.
func (c *AdapterChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	err := probe(ctx, c.adapter, c.timeout)
	result := CheckResult{Name: c.name, Timestamp: time.Now(), Duration: time.Since(start)}
	if err != nil {
		result.Status = c.onError
		result.Error = err.Error()
		return result
	}
	result.Status = StatusHealthy
	result.Message = "OK"
	return result
}

// Name returns the check name.
func (c *AdapterChecker) Name() string { return c.name }

// TieredChecker checks a primary backend and the fallback that takes over
// when it is down, such as the Redis lock provider and its PostgreSQL
// fallback. A healthy fallback behind a failed primary reports degraded.
type TieredChecker struct {
	name     string
	primary  Checkable
	fallback Checkable
	timeout  time.Duration
}

// NewTieredChecker creates a TieredChecker. fallback may be nil.
func NewTieredChecker(name string, primary, fallback Checkable, timeout time.Duration) *TieredChecker {
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}
	return &TieredChecker{name: name, primary: primary, fallback: fallback, timeout: timeout}
}

// Check probes the primary, then the fallback if the primary failed.
func (c *TieredChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.name}
	primaryErr := probe(ctx, c.primary, c.timeout)
	switch {
	case primaryErr == nil:
		result.Status = StatusHealthy
		result.Message = "OK"
	case c.fallback == nil:
		result.Status = StatusUnhealthy
		result.Error = primaryErr.Error()
	default:
		if fallbackErr := probe(ctx, c.fallback, c.timeout); fallbackErr != nil {
			result.Status = StatusUnhealthy
			result.Error = fmt.Sprintf("primary: %v; fallback: %v", primaryErr, fallbackErr)
		} else {
			result.Status = StatusDegraded
			result.Message = "serving from fallback"
			result.Error = primaryErr.Error()
		}
	}
	result.Timestamp = time.Now()
	result.Duration = time.Since(start)
	return result
}

// Name returns the check name.
func (c *TieredChecker) Name() string { return c.name }

func probe(ctx context.Context, adapter Checkable, timeout time.Duration) error {
	if adapter == nil {
		return fmt.Errorf("no backend configured")
	}
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return adapter.HealthCheck(checkCtx)
}
