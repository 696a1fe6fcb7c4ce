package lock

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nimburion/taskguard/pkg/observability/logger"
	"github.com/nimburion/taskguard/pkg/observability/metrics"
	"github.com/nimburion/taskguard/pkg/observability/tracing"
	"github.com/nimburion/taskguard/pkg/resilience"
)

const (
	defaultLockTTL        = 30 * time.Second
	defaultAcquireTimeout = 5 * time.Second
	defaultPollInterval   = 50 * time.Millisecond
)

// ManagerConfig configures the lock façade.
type ManagerConfig struct {
	DefaultTTL     time.Duration
	AcquireTimeout time.Duration
	PollInterval   time.Duration
	// Retry bounds immediate retries against a backend before falling back.
	Retry   resilience.RetryConfig
	Metrics *metrics.GuardMetrics
}

func (c *ManagerConfig) normalize() {
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = defaultLockTTL
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = defaultAcquireTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.Retry.RetryIf == nil {
		c.Retry.RetryIf = func(err error) bool { return !errors.Is(err, ErrValidation) }
	}
}

// Manager acquires locks from a primary provider and falls back to a secondary
// one while the primary is unreachable. Release goes to whichever provider
// granted the lock.
type Manager struct {
	primary  Provider
	fallback Provider
	log      logger.Logger
	config   ManagerConfig

	mu     sync.Mutex
	grants map[grantKey]Provider
}

type grantKey struct {
	key      string
	holderID string
}

// NewManager creates a Manager. The fallback may be nil.
func NewManager(primary, fallback Provider, log logger.Logger, cfg ManagerConfig) (*Manager, error) {
	if primary == nil {
		return nil, errors.New("primary lock provider is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()
	return &Manager{
		primary:  primary,
		fallback: fallback,
		log:      log,
		config:   cfg,
		grants:   make(map[grantKey]Provider),
	}, nil
}

// NewHolderID returns a holder identity unique to one run on a worker.
func NewHolderID(workerID string) string {
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		workerID = "worker"
	}
	return workerID + "/" + uuid.NewString()
}

// DefaultTTL returns the configured lock TTL.
func (m *Manager) DefaultTTL() time.Duration { return m.config.DefaultTTL }

// Acquire tries once to take the lock. It reports false when another holder has
// it and ErrUnavailable when no provider could answer. A ttl <= 0 uses the default.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration, holderID string) (bool, error) {
	key, holderID = strings.TrimSpace(key), strings.TrimSpace(holderID)
	if err := validateRequest(key, holderID); err != nil {
		return false, err
	}
	if ttl <= 0 {
		ttl = m.config.DefaultTTL
	}

	acquired, primaryErr := m.acquireFrom(ctx, m.primary, key, ttl, holderID)
	if primaryErr == nil {
		if acquired {
			m.remember(key, holderID, m.primary)
		}
		return acquired, nil
	}
	if errors.Is(primaryErr, ErrValidation) {
		return false, primaryErr
	}
	if m.fallback == nil {
		return false, errors.Join(lockError(ErrUnavailable, "acquire "+key), primaryErr)
	}

	m.config.Metrics.ObserveStorageDegraded("lock", m.primary.Name())
	m.log.Warn("primary lock backend unavailable; using fallback",
		"key", key, "primary", m.primary.Name(), "fallback", m.fallback.Name(), "error", primaryErr)

	acquired, fallbackErr := m.acquireFrom(ctx, m.fallback, key, ttl, holderID)
	if fallbackErr != nil {
		return false, errors.Join(lockError(ErrUnavailable, "acquire "+key), primaryErr, fallbackErr)
	}
	if acquired {
		m.remember(key, holderID, m.fallback)
	}
	return acquired, nil
}

// AcquireBlocking polls Acquire until the lock is taken, the timeout elapses or
// ctx is done. A timeout <= 0 uses the configured acquire timeout.
func (m *Manager) AcquireBlocking(ctx context.Context, key string, ttl time.Duration, holderID string, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		timeout = m.config.AcquireTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	for {
		acquired, err := m.Acquire(waitCtx, key, ttl, holderID)
		if err != nil && waitCtx.Err() != nil && ctx.Err() == nil {
			return false, nil
		}
		if err != nil || acquired {
			return acquired, err
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-waitCtx.Done():
			return false, nil
		case <-ticker.C:
		}
	}
}

// Release frees the lock if holderID still holds it. Releasing a lock that has
// expired or passed to another holder is a no-op.
func (m *Manager) Release(ctx context.Context, key, holderID string) error {
	key, holderID = strings.TrimSpace(key), strings.TrimSpace(holderID)
	provider := m.forget(key, holderID)
	if provider == nil {
		provider = m.primary
	}

	ctx, span := tracing.StartLockSpan(ctx, tracing.SpanOperationLockRelease, provider.Name(), key)
	defer span.End()

	var released bool
	err := resilience.Retry(ctx, m.config.Retry, func(ctx context.Context) error {
		var releaseErr error
		released, releaseErr = provider.Release(ctx, key, holderID)
		return releaseErr
	})
	if err != nil {
		tracing.RecordError(span, err)
		m.config.Metrics.ObserveLockError(provider.Name())
		return errors.Join(lockError(ErrUnavailable, "release "+key), err)
	}
	if !released {
		m.log.Debug("lock no longer held at release", "key", key, "holder_id", holderID, "backend", provider.Name())
	}
	tracing.RecordSuccess(span)
	return nil
}

// Renew extends a held lock. It returns ErrLockNotHeld when the lease lapsed.
func (m *Manager) Renew(ctx context.Context, key string, ttl time.Duration, holderID string) error {
	if ttl <= 0 {
		ttl = m.config.DefaultTTL
	}
	provider := m.granting(key, holderID)
	if provider == nil {
		provider = m.primary
	}
	renewed, err := provider.Renew(ctx, key, ttl, holderID)
	if err != nil {
		return errors.Join(lockError(ErrUnavailable, "renew "+key), err)
	}
	if !renewed {
		return lockError(ErrLockNotHeld, key)
	}
	return nil
}

// HealthCheck reports an error only when neither provider is healthy.
func (m *Manager) HealthCheck(ctx context.Context) error {
	primaryErr := m.primary.HealthCheck(ctx)
	if primaryErr == nil {
		return nil
	}
	if m.fallback == nil {
		return primaryErr
	}
	m.log.Warn("primary lock backend unhealthy", "backend", m.primary.Name(), "error", primaryErr)
	if err := m.fallback.HealthCheck(ctx); err != nil {
		return errors.Join(primaryErr, err)
	}
	return nil
}

// Close closes both providers.
func (m *Manager) Close() error {
	errs := []error{m.primary.Close()}
	if m.fallback != nil {
		errs = append(errs, m.fallback.Close())
	}
	return errors.Join(errs...)
}

func (m *Manager) acquireFrom(ctx context.Context, provider Provider, key string, ttl time.Duration, holderID string) (bool, error) {
	ctx, span := tracing.StartLockSpan(ctx, tracing.SpanOperationLockAcquire, provider.Name(), key)
	defer span.End()

	started := time.Now()
	var acquired bool
	err := resilience.Retry(ctx, m.config.Retry, func(ctx context.Context) error {
		var acquireErr error
		acquired, acquireErr = provider.Acquire(ctx, key, ttl, holderID)
		return acquireErr
	})
	if err != nil {
		tracing.RecordError(span, err)
		m.config.Metrics.ObserveLockError(provider.Name())
		return false, err
	}
	m.config.Metrics.ObserveLockAcquire(provider.Name(), acquired, time.Since(started))
	tracing.RecordSuccess(span)
	return acquired, nil
}

func (m *Manager) remember(key, holderID string, provider Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grants[grantKey{key: key, holderID: holderID}] = provider
}

func (m *Manager) forget(key, holderID string) Provider {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := grantKey{key: key, holderID: holderID}
	provider := m.grants[id]
	delete(m.grants, id)
	return provider
}

func (m *Manager) granting(key, holderID string) Provider {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.grants[grantKey{key: key, holderID: holderID}]
}
