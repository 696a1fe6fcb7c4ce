package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nimburion/taskguard/pkg/observability/logger"
)

const (
	DefaultExpiredCleanupEvery = time.Hour
	DefaultExpiredGracePeriod  = time.Hour
	DefaultExpiredBatchSize    = 500
)

// ExpiredRecordsCleanerConfig configures periodic removal of expired records.
type ExpiredRecordsCleanerConfig struct {
	CleanupEvery time.Duration
	// GracePeriod keeps expired records around for a while for inspection.
	GracePeriod time.Duration
	BatchSize   int
	Now         func() time.Time
}

func (c *ExpiredRecordsCleanerConfig) normalize() {
	if c.CleanupEvery <= 0 {
		c.CleanupEvery = DefaultExpiredCleanupEvery
	}
	if c.GracePeriod < 0 {
		c.GracePeriod = 0
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultExpiredBatchSize
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// ExpiredRecordsCleaner periodically purges expired records from a durable backend.
type ExpiredRecordsCleaner struct {
	store  DurableBackend
	log    logger.Logger
	config ExpiredRecordsCleanerConfig
}

// NewExpiredRecordsCleaner creates a cleanup service for idempotency records.
func NewExpiredRecordsCleaner(store DurableBackend, log logger.Logger, config ExpiredRecordsCleanerConfig) (*ExpiredRecordsCleaner, error) {
	if store == nil {
		return nil, errors.New("durable backend is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	config.normalize()
	return &ExpiredRecordsCleaner{store: store, log: log, config: config}, nil
}

// Sweep deletes batches of expired records until a batch comes back short.
func (c *ExpiredRecordsCleaner) Sweep(ctx context.Context) (int64, error) {
	before := c.config.Now().UTC().Add(-c.config.GracePeriod)
	var total int64
	for {
		deleted, err := c.store.PurgeExpired(ctx, before, c.config.BatchSize)
		total += deleted
		if err != nil {
			return total, fmt.Errorf("purge expired idempotency records failed: %w", err)
		}
		if deleted < int64(c.config.BatchSize) {
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}

// Run starts a periodic cleanup loop until context cancellation. Failed sweeps
// are logged and retried on the next tick.
func (c *ExpiredRecordsCleaner) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is nil")
	}

	ticker := time.NewTicker(c.config.CleanupEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			deleted, err := c.Sweep(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.log.Warn("idempotency cleanup failed", "backend", c.store.Name(), "error", err)
				continue
			}
			if deleted > 0 {
				c.log.Info("purged expired idempotency records", "backend", c.store.Name(), "deleted", deleted)
			}
		}
	}
}
