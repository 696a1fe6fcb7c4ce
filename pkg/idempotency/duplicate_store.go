package idempotency

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/nimburion/taskguard/pkg/observability/logger"
	"github.com/nimburion/taskguard/pkg/observability/metrics"
	"github.com/nimburion/taskguard/pkg/resilience"
)

const (
	defaultCacheTimeout   = 250 * time.Millisecond
	defaultDurableTimeout = 2 * time.Second
	defaultRecordTTL      = 24 * time.Hour
)

// DuplicateStoreConfig configures the two-tier duplicate store.
type DuplicateStoreConfig struct {
	CacheTimeout   time.Duration
	DurableTimeout time.Duration
	// DefaultTTL applies when an Entry carries no TTL.
	DefaultTTL time.Duration
	// Retry bounds immediate retries against the durable store.
	Retry   resilience.RetryConfig
	Now     func() time.Time
	Metrics *metrics.GuardMetrics
}

func (c *DuplicateStoreConfig) normalize() {
	if c.CacheTimeout <= 0 {
		c.CacheTimeout = defaultCacheTimeout
	}
	if c.DurableTimeout <= 0 {
		c.DurableTimeout = defaultDurableTimeout
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = defaultRecordTTL
	}
	if c.Retry.RetryIf == nil {
		c.Retry.RetryIf = isRetryableStorageError
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Entry describes a record write.
type Entry struct {
	Key      string
	TaskName string
	Scope    ScopeKind
	HolderID string
	Result   []byte
	Payload  []byte
	TTL      time.Duration
}

// DuplicateStore answers "has this logical task already completed?" from a fast
// cache backed by an authoritative durable store.
type DuplicateStore struct {
	cache   Backend
	durable DurableBackend
	log     logger.Logger
	config  DuplicateStoreConfig
}

// NewDuplicateStore builds a DuplicateStore. The cache may be nil.
func NewDuplicateStore(cache Backend, durable DurableBackend, log logger.Logger, config DuplicateStoreConfig) (*DuplicateStore, error) {
	if durable == nil {
		return nil, errors.New("durable backend is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	config.normalize()
	return &DuplicateStore{cache: cache, durable: durable, log: log, config: config}, nil
}

// Durable returns the authoritative backend.
func (s *DuplicateStore) Durable() DurableBackend { return s.durable }

// Check returns the live record for key, or nil when the key is unseen or expired.
// Any live status is returned so callers can distinguish PENDING from COMPLETED.
func (s *DuplicateStore) Check(ctx context.Context, key string) (*Record, error) {
	if strings.TrimSpace(key) == "" {
		return nil, validationError("key is required")
	}
	now := s.config.Now()

	if record := s.cacheGet(ctx, key); record != nil && record.Completed(now) {
		return record, nil
	}

	var record *Record
	err := resilience.Retry(ctx, s.config.Retry, func(ctx context.Context) error {
		opCtx, cancel := context.WithTimeout(ctx, s.config.DurableTimeout)
		defer cancel()
		var getErr error
		record, getErr = s.durable.Get(opCtx, key)
		return getErr
	})
	if errors.Is(err, ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.config.Metrics.ObserveStorageDegraded("idempotency", s.durable.Name())
		return nil, storageUnavailableError("check "+s.durable.Name(), err)
	}
	if record.Expired(now) {
		return nil, nil
	}
	if record.Status == StatusCompleted {
		s.cachePut(ctx, record)
	}
	return record, nil
}

// Store records a COMPLETED result. A live COMPLETED record is never overwritten,
// so repeating the call with the same key is harmless. The bool reports whether
// at least one tier accepted the write.
func (s *DuplicateStore) Store(ctx context.Context, entry Entry) (bool, error) {
	record, err := s.recordFor(entry, StatusCompleted)
	if err != nil {
		return false, err
	}

	durableErr := s.durablePut(ctx, record)
	cacheErr := s.cacheWrite(ctx, record)

	switch {
	case durableErr != nil && (cacheErr != nil || s.cache == nil):
		s.config.Metrics.ObserveStorageDegraded("idempotency", s.durable.Name())
		return false, storageUnavailableError("store "+entry.Key, errors.Join(durableErr, cacheErr))
	case durableErr != nil:
		s.config.Metrics.ObserveStorageDegraded("idempotency", s.durable.Name())
		s.log.Warn("durable idempotency write failed; result kept in cache only",
			"key", entry.Key, "backend", s.durable.Name(), "error", durableErr)
	case cacheErr != nil:
		s.config.Metrics.ObserveStorageDegraded("idempotency", s.cache.Name())
		s.log.Warn("idempotency cache write failed", "key", entry.Key, "error", cacheErr)
	}
	return true, nil
}

// MarkPending records that a holder started executing the key.
func (s *DuplicateStore) MarkPending(ctx context.Context, entry Entry) error {
	record, err := s.recordFor(entry, StatusPending)
	if err != nil {
		return err
	}
	if err := s.durablePut(ctx, record); err != nil {
		return storageUnavailableError("mark pending "+entry.Key, err)
	}
	return nil
}

// MarkFailed records that the last execution of the key failed.
func (s *DuplicateStore) MarkFailed(ctx context.Context, entry Entry) error {
	record, err := s.recordFor(entry, StatusFailed)
	if err != nil {
		return err
	}
	if err := s.durablePut(ctx, record); err != nil {
		return storageUnavailableError("mark failed "+entry.Key, err)
	}
	return nil
}

// HealthCheck reports the durable store's health. Cache failures only degrade.
func (s *DuplicateStore) HealthCheck(ctx context.Context) error {
	if s.cache != nil {
		if err := s.cache.HealthCheck(ctx); err != nil {
			s.log.Warn("idempotency cache unhealthy", "backend", s.cache.Name(), "error", err)
		}
	}
	if err := s.durable.HealthCheck(ctx); err != nil {
		return storageUnavailableError("health check "+s.durable.Name(), err)
	}
	return nil
}

// Close closes both tiers.
func (s *DuplicateStore) Close() error {
	var errs []error
	if s.cache != nil {
		errs = append(errs, s.cache.Close())
	}
	errs = append(errs, s.durable.Close())
	return errors.Join(errs...)
}

func (s *DuplicateStore) recordFor(entry Entry, status Status) (*Record, error) {
	if strings.TrimSpace(entry.Key) == "" {
		return nil, validationError("entry key is required")
	}
	ttl := entry.TTL
	if ttl <= 0 {
		ttl = s.config.DefaultTTL
	}
	scope := entry.Scope
	if scope == "" {
		scope = ScopeGlobal
	}
	now := s.config.Now().UTC()
	return &Record{
		Key:       entry.Key,
		TaskName:  entry.TaskName,
		Scope:     scope,
		Status:    status,
		Result:    entry.Result,
		Payload:   entry.Payload,
		HolderID:  entry.HolderID,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(ttl),
	}, nil
}

func (s *DuplicateStore) durablePut(ctx context.Context, record *Record) error {
	return resilience.Retry(ctx, s.config.Retry, func(ctx context.Context) error {
		opCtx, cancel := context.WithTimeout(ctx, s.config.DurableTimeout)
		defer cancel()
		return s.durable.Put(opCtx, record)
	})
}

func (s *DuplicateStore) cacheGet(ctx context.Context, key string) *Record {
	if s.cache == nil {
		return nil
	}
	opCtx, cancel := context.WithTimeout(ctx, s.config.CacheTimeout)
	defer cancel()
	record, err := s.cache.Get(opCtx, key)
	if err == nil {
		return record
	}
	if !errors.Is(err, ErrRecordNotFound) {
		s.config.Metrics.ObserveStorageDegraded("idempotency", s.cache.Name())
		s.log.Warn("idempotency cache read failed; falling back to durable store", "key", key, "error", err)
	}
	return nil
}

func (s *DuplicateStore) cacheWrite(ctx context.Context, record *Record) error {
	if s.cache == nil {
		return nil
	}
	opCtx, cancel := context.WithTimeout(ctx, s.config.CacheTimeout)
	defer cancel()
	return s.cache.Put(opCtx, record)
}

func (s *DuplicateStore) cachePut(ctx context.Context, record *Record) {
	if err := s.cacheWrite(ctx, record); err != nil {
		s.log.Debug("idempotency cache repopulation failed", "key", record.Key, "error", err)
	}
}
