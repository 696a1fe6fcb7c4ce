package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nimburion/taskguard/pkg/observability/logger"
	"github.com/nimburion/taskguard/pkg/observability/tracing"
)

const (
	defaultRedisCachePrefix  = "taskguard:idem:"
	defaultRedisCacheTimeout = 250 * time.Millisecond
)

// RedisCacheConfig configures the Redis fast-path cache.
type RedisCacheConfig struct {
	Prefix           string
	OperationTimeout time.Duration
	Now              func() time.Time
}

func (c *RedisCacheConfig) normalize() {
	if strings.TrimSpace(c.Prefix) == "" {
		c.Prefix = defaultRedisCachePrefix
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultRedisCacheTimeout
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// RedisCache is the TTL-based fast path of the DuplicateStore. It only holds
// COMPLETED records; the durable store remains the authority for every status.
type RedisCache struct {
	client redis.UniversalClient
	config RedisCacheConfig
	log    logger.Logger
}

// NewRedisCache wraps an existing Redis client. The client is owned by the caller.
func NewRedisCache(client redis.UniversalClient, config RedisCacheConfig, log logger.Logger) (*RedisCache, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	config.normalize()
	return &RedisCache{client: client, config: config, log: log}, nil
}

func (c *RedisCache) Name() string { return "redis" }

func (c *RedisCache) Get(ctx context.Context, key string) (*Record, error) {
	opCtx, cancel := context.WithTimeout(ctx, c.config.OperationTimeout)
	defer cancel()
	opCtx, span := tracing.StartCacheSpan(opCtx, tracing.SpanOperationCacheGet, tracing.WithCacheSystem("redis"), tracing.WithCacheKey(key))
	defer span.End()

	payload, err := c.client.Get(opCtx, c.config.Prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}

	var record Record
	if err := json.Unmarshal(payload, &record); err != nil {
		c.log.Warn("dropping undecodable cached idempotency record", "key", key, "error", err)
		_ = c.client.Del(opCtx, c.config.Prefix+key).Err()
		return nil, ErrRecordNotFound
	}
	tracing.RecordSuccess(span)
	return &record, nil
}

// Put caches a live COMPLETED record with a TTL matching its expiry. The write
// is SET NX, so the first cached result within a TTL window wins.
func (c *RedisCache) Put(ctx context.Context, record *Record) error {
	if err := record.Validate(); err != nil {
		return err
	}
	if record.Status != StatusCompleted {
		return nil
	}
	ttl := record.ExpiresAt.Sub(c.config.Now())
	if ttl <= 0 {
		return nil
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return validationError(fmt.Sprintf("encode record: %v", err))
	}

	opCtx, cancel := context.WithTimeout(ctx, c.config.OperationTimeout)
	defer cancel()
	opCtx, span := tracing.StartCacheSpan(opCtx, tracing.SpanOperationCacheSet, tracing.WithCacheSystem("redis"), tracing.WithCacheKey(record.Key))
	defer span.End()

	if err := c.client.SetNX(opCtx, c.config.Prefix+record.Key, payload, ttl).Err(); err != nil {
		tracing.RecordError(span, err)
		return fmt.Errorf("redis set %s: %w", record.Key, err)
	}
	tracing.RecordSuccess(span)
	return nil
}

func (c *RedisCache) HealthCheck(ctx context.Context) error {
	opCtx, cancel := context.WithTimeout(ctx, c.config.OperationTimeout)
	defer cancel()
	if err := c.client.Ping(opCtx).Err(); err != nil {
		return fmt.Errorf("redis cache health check failed: %w", err)
	}
	return nil
}

// Close is a no-op; the shared client is closed by its owner.
func (c *RedisCache) Close() error { return nil }
