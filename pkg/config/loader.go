package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/nimburion/taskguard/pkg/classify"
	"github.com/nimburion/taskguard/pkg/observability/logger"
	"github.com/nimburion/taskguard/pkg/retry"
)

// Loader defines the interface for loading configuration
type Loader interface {
	Load() (*Config, error)
	Validate(*Config) error
}

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"log-level":   "observability.log_level",
	"log-format":  "observability.log_format",
	"worker-id":   "worker.id",
	"concurrency": "worker.concurrency",
	"queue":       "jobs.queue",
}

// ViperLoader implements Loader using Viper for configuration management
type ViperLoader struct {
	configFile string
	envPrefix  string
	flags      *pflag.FlagSet
}

// NewViperLoader creates a new ViperLoader
// configFile: path to a YAML configuration file (optional, can be empty)
// envPrefix: prefix for environment variables, TASKGUARD when empty
func NewViperLoader(configFile, envPrefix string) *ViperLoader {
	return &ViperLoader{
		configFile: strings.TrimSpace(configFile),
		envPrefix:  envPrefix,
	}
}

// WithFlags lets changed command line flags override every other source.
func (l *ViperLoader) WithFlags(flags *pflag.FlagSet) *ViperLoader {
	l.flags = flags
	return l
}

// Load loads configuration with precedence: flags > ENV > file > defaults
func (l *ViperLoader) Load() (*Config, error) {
	v := viper.New()

	l.setDefaults(v, DefaultConfig())

	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", l.configFile, err)
		}
	}

	// Every defaulted key has an environment variable, e.g. cache.url is
	// TASKGUARD_CACHE_URL. Maps such as tasks are file only.
	for _, key := range v.AllKeys() {
		if err := v.BindEnv(key, l.envName(key)); err != nil {
			return nil, fmt.Errorf("bind env for %s: %w", key, err)
		}
	}

	if l.flags != nil {
		for name, key := range flagKeys {
			if flag := l.flags.Lookup(name); flag != nil {
				if err := v.BindPFlag(key, flag); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := l.Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func (l *ViperLoader) envName(key string) string {
	prefix := strings.TrimSpace(l.envPrefix)
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	return strings.ToUpper(prefix + "_" + strings.ReplaceAll(key, ".", "_"))
}

// setDefaults sets default values in Viper from the default config
func (l *ViperLoader) setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("service.name", cfg.Service.Name)
	v.SetDefault("service.environment", cfg.Service.Environment)

	v.SetDefault("observability.log_level", cfg.Observability.LogLevel)
	v.SetDefault("observability.log_format", cfg.Observability.LogFormat)
	v.SetDefault("observability.tracing_enabled", cfg.Observability.TracingEnabled)
	v.SetDefault("observability.tracing_endpoint", cfg.Observability.TracingEndpoint)
	v.SetDefault("observability.tracing_sample_rate", cfg.Observability.TracingSampleRate)
	v.SetDefault("observability.tracing_insecure", cfg.Observability.TracingInsecure)
	v.SetDefault("observability.metrics_namespace", cfg.Observability.MetricsNamespace)
	v.SetDefault("observability.metrics_addr", cfg.Observability.MetricsAddr)

	v.SetDefault("cache.url", cfg.Cache.URL)
	v.SetDefault("cache.pool_size", cfg.Cache.PoolSize)
	v.SetDefault("cache.operation_timeout", cfg.Cache.OperationTimeout)
	v.SetDefault("cache.prefix", cfg.Cache.Prefix)

	v.SetDefault("database.type", cfg.Database.Type)
	v.SetDefault("database.url", cfg.Database.URL)
	v.SetDefault("database.max_open_conns", cfg.Database.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", cfg.Database.MaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", cfg.Database.ConnMaxLifetime)
	v.SetDefault("database.conn_max_idle_time", cfg.Database.ConnMaxIdleTime)
	v.SetDefault("database.query_timeout", cfg.Database.QueryTimeout)
	v.SetDefault("database.region", cfg.Database.Region)
	v.SetDefault("database.endpoint", cfg.Database.Endpoint)
	v.SetDefault("database.access_key_id", cfg.Database.AccessKeyID)
	v.SetDefault("database.secret_access_key", cfg.Database.SecretAccessKey)
	v.SetDefault("database.session_token", cfg.Database.SessionToken)
	v.SetDefault("database.table", cfg.Database.Table)

	v.SetDefault("idempotency.key_prefix", cfg.Idempotency.KeyPrefix)
	v.SetDefault("idempotency.default_ttl", cfg.Idempotency.DefaultTTL)
	v.SetDefault("idempotency.large_value_threshold", cfg.Idempotency.LargeValueThreshold)
	v.SetDefault("idempotency.cache_timeout", cfg.Idempotency.CacheTimeout)
	v.SetDefault("idempotency.durable_timeout", cfg.Idempotency.DurableTimeout)
	v.SetDefault("idempotency.retry_attempts", cfg.Idempotency.RetryAttempts)
	v.SetDefault("idempotency.retry_backoff", cfg.Idempotency.RetryBackoff)
	v.SetDefault("idempotency.cleanup_interval", cfg.Idempotency.CleanupInterval)
	v.SetDefault("idempotency.cleanup_grace_period", cfg.Idempotency.CleanupGracePeriod)
	v.SetDefault("idempotency.cleanup_batch_size", cfg.Idempotency.CleanupBatchSize)

	v.SetDefault("lock.default_ttl", cfg.Lock.DefaultTTL)
	v.SetDefault("lock.acquire_timeout", cfg.Lock.AcquireTimeout)
	v.SetDefault("lock.poll_interval", cfg.Lock.PollInterval)
	v.SetDefault("lock.redis_prefix", cfg.Lock.RedisPrefix)
	v.SetDefault("lock.postgres_table", cfg.Lock.PostgresTable)
	v.SetDefault("lock.fallback_enabled", cfg.Lock.FallbackEnabled)
	v.SetDefault("lock.retry_attempts", cfg.Lock.RetryAttempts)
	v.SetDefault("lock.retry_backoff", cfg.Lock.RetryBackoff)

	v.SetDefault("classifier.ambiguity_threshold", cfg.Classifier.AmbiguityThreshold)
	v.SetDefault("classifier.high_retry_count", cfg.Classifier.HighRetryCount)
	v.SetDefault("classifier.context_adjustment", cfg.Classifier.ContextAdjustment)

	v.SetDefault("retry.adaptive.enabled", cfg.Retry.Adaptive.Enabled)
	v.SetDefault("retry.adaptive.window", cfg.Retry.Adaptive.Window)
	v.SetDefault("retry.adaptive.min_samples", cfg.Retry.Adaptive.MinSamples)
	v.SetDefault("retry.adaptive.high_success_rate", cfg.Retry.Adaptive.HighSuccessRate)
	v.SetDefault("retry.adaptive.low_success_rate", cfg.Retry.Adaptive.LowSuccessRate)
	v.SetDefault("retry.adaptive.fast_delay_factor", cfg.Retry.Adaptive.FastDelayFactor)
	v.SetDefault("retry.adaptive.slow_delay_factor", cfg.Retry.Adaptive.SlowDelayFactor)
	v.SetDefault("retry.adaptive.retry_shrink_factor", cfg.Retry.Adaptive.RetryShrinkFactor)
	v.SetDefault("retry.load_threshold", cfg.Retry.LoadThreshold)
	v.SetDefault("retry.load_delay_factor", cfg.Retry.LoadDelayFactor)
	v.SetDefault("retry.circuit_cache_ttl", cfg.Retry.CircuitCacheTTL)
	v.SetDefault("retry.half_open_probes", cfg.Retry.HalfOpenProbes)
	v.SetDefault("retry.off_peak.enabled", cfg.Retry.OffPeak.Enabled)
	v.SetDefault("retry.off_peak.start", cfg.Retry.OffPeak.Start)
	v.SetDefault("retry.off_peak.end", cfg.Retry.OffPeak.End)
	v.SetDefault("retry.off_peak.timezone", cfg.Retry.OffPeak.Timezone)

	v.SetDefault("dead_letter.bulk_retry_rate", cfg.DeadLetter.BulkRetryRate)
	v.SetDefault("dead_letter.bulk_retry_burst", cfg.DeadLetter.BulkRetryBurst)

	v.SetDefault("jobs.backend", cfg.Jobs.Backend)
	v.SetDefault("jobs.url", cfg.Jobs.URL)
	v.SetDefault("jobs.prefix", cfg.Jobs.Prefix)
	v.SetDefault("jobs.queue", cfg.Jobs.Queue)
	v.SetDefault("jobs.lease_ttl", cfg.Jobs.LeaseTTL)
	v.SetDefault("jobs.operation_timeout", cfg.Jobs.OperationTimeout)
	v.SetDefault("jobs.poll_interval", cfg.Jobs.PollInterval)

	v.SetDefault("worker.id", cfg.Worker.ID)
	v.SetDefault("worker.concurrency", cfg.Worker.Concurrency)
	v.SetDefault("worker.reserve_timeout", cfg.Worker.ReserveTimeout)
	v.SetDefault("worker.stop_timeout", cfg.Worker.StopTimeout)
	v.SetDefault("worker.contention_requeue_delay", cfg.Worker.ContentionRequeueDelay)

	v.SetDefault("reconciler.enabled", cfg.Reconciler.Enabled)
	v.SetDefault("reconciler.interval", cfg.Reconciler.Interval)
	v.SetDefault("reconciler.stale_after", cfg.Reconciler.StaleAfter)
	v.SetDefault("reconciler.batch_size", cfg.Reconciler.BatchSize)
}

// Validate checks the configuration and returns every violation joined.
func (l *ViperLoader) Validate(cfg *Config) error {
	var errs []error

	if _, err := logger.ParseLogLevel(cfg.Observability.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("observability.log_level: %w", err))
	}
	if _, err := logger.ParseLogFormat(cfg.Observability.LogFormat); err != nil {
		errs = append(errs, fmt.Errorf("observability.log_format: %w", err))
	}
	if cfg.Observability.TracingEnabled && strings.TrimSpace(cfg.Observability.TracingEndpoint) == "" {
		errs = append(errs, errors.New("observability.tracing_endpoint is required when tracing is enabled"))
	}
	if rate := cfg.Observability.TracingSampleRate; rate < 0 || rate > 1 {
		errs = append(errs, fmt.Errorf("observability.tracing_sample_rate must be between 0 and 1, got %v", rate))
	}

	cfg.Database.Type = strings.ToLower(strings.TrimSpace(cfg.Database.Type))
	switch cfg.Database.Type {
	case DatabaseTypePostgres:
		if strings.TrimSpace(cfg.Database.URL) == "" {
			errs = append(errs, errors.New("database.url is required when database.type is postgres"))
		}
	case DatabaseTypeDynamoDB:
		if strings.TrimSpace(cfg.Database.Region) == "" {
			errs = append(errs, errors.New("database.region is required when database.type is dynamodb"))
		}
		if strings.TrimSpace(cfg.Database.Table) == "" {
			errs = append(errs, errors.New("database.table is required when database.type is dynamodb"))
		}
	case DatabaseTypeMemory:
	default:
		errs = append(errs, fmt.Errorf("invalid database.type: %s (must be one of: %v)", cfg.Database.Type,
			[]string{DatabaseTypePostgres, DatabaseTypeDynamoDB, DatabaseTypeMemory}))
	}

	if cfg.Idempotency.DefaultTTL <= 0 {
		errs = append(errs, errors.New("idempotency.default_ttl must be > 0"))
	}
	if cfg.Idempotency.LargeValueThreshold <= 0 {
		errs = append(errs, errors.New("idempotency.large_value_threshold must be > 0"))
	}
	if cfg.Idempotency.RetryAttempts < 1 {
		errs = append(errs, errors.New("idempotency.retry_attempts must be >= 1"))
	}

	if cfg.Lock.DefaultTTL <= 0 {
		errs = append(errs, errors.New("lock.default_ttl must be > 0"))
	}
	if cfg.Lock.AcquireTimeout <= 0 {
		errs = append(errs, errors.New("lock.acquire_timeout must be > 0"))
	}
	if cfg.Lock.PollInterval <= 0 || cfg.Lock.PollInterval >= cfg.Lock.AcquireTimeout {
		errs = append(errs, errors.New("lock.poll_interval must be > 0 and shorter than lock.acquire_timeout"))
	}

	if threshold := cfg.Classifier.AmbiguityThreshold; threshold <= 0 || threshold >= 1 {
		errs = append(errs, fmt.Errorf("classifier.ambiguity_threshold must be between 0 and 1, got %v", threshold))
	}
	if cfg.Classifier.HighRetryCount <= 0 {
		errs = append(errs, errors.New("classifier.high_retry_count must be > 0"))
	}

	adaptive := cfg.Retry.Adaptive
	if adaptive.Enabled && adaptive.LowSuccessRate >= adaptive.HighSuccessRate {
		errs = append(errs, errors.New("retry.adaptive.low_success_rate must be below retry.adaptive.high_success_rate"))
	}
	if cfg.Retry.LoadThreshold < 0 {
		errs = append(errs, errors.New("retry.load_threshold must be >= 0"))
	}
	if cfg.Retry.OffPeak.Enabled {
		if _, err := retry.ParseClock(cfg.Retry.OffPeak.Start); err != nil {
			errs = append(errs, fmt.Errorf("retry.off_peak.start: %w", err))
		}
		if _, err := retry.ParseClock(cfg.Retry.OffPeak.End); err != nil {
			errs = append(errs, fmt.Errorf("retry.off_peak.end: %w", err))
		}
		if _, err := time.LoadLocation(cfg.Retry.OffPeak.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("retry.off_peak.timezone: %w", err))
		}
	}
	for _, name := range sortedKeys(cfg.Retry.FailureTypes) {
		if _, err := classify.ParseFailureType(name); err != nil {
			errs = append(errs, fmt.Errorf("retry.failure_types: %w", err))
		}
	}

	if cfg.DeadLetter.BulkRetryRate <= 0 {
		errs = append(errs, errors.New("dead_letter.bulk_retry_rate must be > 0"))
	}
	if cfg.DeadLetter.BulkRetryBurst < 1 {
		errs = append(errs, errors.New("dead_letter.bulk_retry_burst must be >= 1"))
	}

	cfg.Jobs.Backend = strings.ToLower(strings.TrimSpace(cfg.Jobs.Backend))
	switch cfg.Jobs.Backend {
	case JobsBackendRedis:
		if strings.TrimSpace(cfg.Jobs.URL) == "" && strings.TrimSpace(cfg.Cache.URL) == "" {
			errs = append(errs, errors.New("jobs.url or cache.url is required when jobs.backend is redis"))
		}
	case JobsBackendMemory:
	default:
		errs = append(errs, fmt.Errorf("invalid jobs.backend: %s (must be one of: %v)", cfg.Jobs.Backend,
			[]string{JobsBackendRedis, JobsBackendMemory}))
	}
	if strings.TrimSpace(cfg.Jobs.Queue) == "" {
		errs = append(errs, errors.New("jobs.queue is required"))
	}
	if cfg.Jobs.LeaseTTL <= 0 {
		errs = append(errs, errors.New("jobs.lease_ttl must be > 0"))
	}

	if cfg.Worker.Concurrency < 1 {
		errs = append(errs, errors.New("worker.concurrency must be >= 1"))
	}
	if cfg.Reconciler.Enabled && cfg.Reconciler.StaleAfter <= 0 {
		errs = append(errs, errors.New("reconciler.stale_after must be > 0"))
	}

	for _, name := range sortedKeys(cfg.Tasks) {
		if err := cfg.Tasks[name].Validate(); err != nil {
			errs = append(errs, fmt.Errorf("tasks.%s: %w", name, err))
		}
	}

	return errors.Join(errs...)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
