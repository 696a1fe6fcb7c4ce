package lock

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nimburion/taskguard/pkg/observability/logger"
)

const (
	defaultRedisPrefix           = "taskguard:lock"
	defaultRedisOperationTimeout = 250 * time.Millisecond
)

var (
	// acquireScript is SET NX that also succeeds for the current holder, so a
	// retried acquire whose first reply was lost still reports the lock held.
	acquireScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if not current then
  redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
  return 1
end
if current == ARGV[1] then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
  return 1
end
return 0
`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
)

// RedisProviderConfig configures locks backed by Redis.
type RedisProviderConfig struct {
	Prefix           string
	OperationTimeout time.Duration
}

func (c *RedisProviderConfig) normalize() {
	if strings.TrimSpace(c.Prefix) == "" {
		c.Prefix = defaultRedisPrefix
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultRedisOperationTimeout
	}
}

// RedisProvider implements locks with SET NX PX. The value is the holder id, and
// release and renew compare it atomically in a Lua script.
type RedisProvider struct {
	client redis.UniversalClient
	log    logger.Logger
	config RedisProviderConfig
}

// NewRedisProvider creates a Redis lock provider on a client owned by the caller.
func NewRedisProvider(client redis.UniversalClient, cfg RedisProviderConfig, log logger.Logger) (*RedisProvider, error) {
	if client == nil {
		return nil, lockError(ErrValidation, "redis client is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()
	return &RedisProvider{client: client, log: log, config: cfg}, nil
}

func (p *RedisProvider) Name() string { return "redis" }

func (p *RedisProvider) Acquire(ctx context.Context, key string, ttl time.Duration, holderID string) (bool, error) {
	if p == nil || p.client == nil {
		return false, lockError(ErrNotInitialized, "redis lock provider is not initialized")
	}
	key, holderID = strings.TrimSpace(key), strings.TrimSpace(holderID)
	if err := validateRequest(key, holderID); err != nil {
		return false, err
	}
	if ttl <= 0 {
		return false, lockError(ErrValidation, "ttl must be > 0")
	}

	opCtx, cancel := context.WithTimeout(ctx, p.config.OperationTimeout)
	defer cancel()
	result, err := acquireScript.Run(opCtx, p.client, []string{p.fullKey(key)}, holderID, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, errors.Join(lockError(ErrUnavailable, "redis acquire failed"), err)
	}
	return result == 1, nil
}

func (p *RedisProvider) Release(ctx context.Context, key, holderID string) (bool, error) {
	if p == nil || p.client == nil {
		return false, lockError(ErrNotInitialized, "redis lock provider is not initialized")
	}
	opCtx, cancel := context.WithTimeout(ctx, p.config.OperationTimeout)
	defer cancel()
	result, err := releaseScript.Run(opCtx, p.client, []string{p.fullKey(key)}, holderID).Int64()
	if err != nil {
		return false, errors.Join(lockError(ErrUnavailable, "redis release failed"), err)
	}
	return result == 1, nil
}

func (p *RedisProvider) Renew(ctx context.Context, key string, ttl time.Duration, holderID string) (bool, error) {
	if p == nil || p.client == nil {
		return false, lockError(ErrNotInitialized, "redis lock provider is not initialized")
	}
	if ttl <= 0 {
		return false, lockError(ErrValidation, "ttl must be > 0")
	}
	opCtx, cancel := context.WithTimeout(ctx, p.config.OperationTimeout)
	defer cancel()
	result, err := renewScript.Run(opCtx, p.client, []string{p.fullKey(key)}, holderID, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, errors.Join(lockError(ErrUnavailable, "redis renew failed"), err)
	}
	return result == 1, nil
}

func (p *RedisProvider) HealthCheck(ctx context.Context) error {
	if p == nil || p.client == nil {
		return lockError(ErrNotInitialized, "redis lock provider is not initialized")
	}
	opCtx, cancel := context.WithTimeout(ctx, p.config.OperationTimeout)
	defer cancel()
	if err := p.client.Ping(opCtx).Err(); err != nil {
		return errors.Join(lockError(ErrUnavailable, "redis healthcheck failed"), err)
	}
	return nil
}

// Close is a no-op; the shared client is closed by its owner.
func (p *RedisProvider) Close() error { return nil }

func (p *RedisProvider) fullKey(key string) string {
	return strings.TrimRight(p.config.Prefix, ":") + ":" + strings.TrimSpace(key)
}
