// Package config loads the taskguard configuration from defaults, an optional
// YAML file and TASKGUARD_ environment variables.
package config

import (
	"time"

	"github.com/nimburion/taskguard/pkg/guard"
	"github.com/nimburion/taskguard/pkg/retry"
)

// Durable store types
const (
	DatabaseTypePostgres = "postgres"
	DatabaseTypeDynamoDB = "dynamodb"
	DatabaseTypeMemory   = "memory"
)

// Jobs backend types
const (
	JobsBackendRedis  = "redis"
	JobsBackendMemory = "memory"
)

// DefaultEnvPrefix prefixes every environment variable.
const DefaultEnvPrefix = "TASKGUARD"

// Config is the root configuration.
type Config struct {
	Service       ServiceConfig       `mapstructure:"service" yaml:"service"`
	Observability ObservabilityConfig `mapstructure:"observability" yaml:"observability"`
	Cache         CacheConfig         `mapstructure:"cache" yaml:"cache"`
	Database      DatabaseConfig      `mapstructure:"database" yaml:"database"`
	Idempotency   IdempotencyConfig   `mapstructure:"idempotency" yaml:"idempotency"`
	Lock          LockConfig          `mapstructure:"lock" yaml:"lock"`
	Classifier    ClassifierConfig    `mapstructure:"classifier" yaml:"classifier"`
	Retry         RetryConfig         `mapstructure:"retry" yaml:"retry"`
	DeadLetter    DeadLetterConfig    `mapstructure:"dead_letter" yaml:"dead_letter"`
	Jobs          JobsConfig          `mapstructure:"jobs" yaml:"jobs"`
	Worker        WorkerConfig        `mapstructure:"worker" yaml:"worker"`
	Reconciler    ReconcilerConfig    `mapstructure:"reconciler" yaml:"reconciler"`
	// Tasks is keyed by task name. Viper lowercases map keys.
	Tasks map[string]guard.TaskConfig `mapstructure:"tasks" yaml:"tasks,omitempty"`
}

// ServiceConfig configures service identity metadata.
type ServiceConfig struct {
	Name        string `mapstructure:"name" yaml:"name"`
	Environment string `mapstructure:"environment" yaml:"environment"`
}

// ObservabilityConfig configures logging, tracing and metrics.
type ObservabilityConfig struct {
	LogLevel          string  `mapstructure:"log_level" yaml:"log_level"`
	LogFormat         string  `mapstructure:"log_format" yaml:"log_format"`
	TracingEnabled    bool    `mapstructure:"tracing_enabled" yaml:"tracing_enabled"`
	TracingEndpoint   string  `mapstructure:"tracing_endpoint" yaml:"tracing_endpoint"`
	TracingSampleRate float64 `mapstructure:"tracing_sample_rate" yaml:"tracing_sample_rate"`
	TracingInsecure   bool    `mapstructure:"tracing_insecure" yaml:"tracing_insecure"`
	MetricsNamespace  string  `mapstructure:"metrics_namespace" yaml:"metrics_namespace"`
	// MetricsAddr serves the management routes from the worker when set, e.g. ":9090".
	MetricsAddr string `mapstructure:"metrics_addr" yaml:"metrics_addr"`
}

// CacheConfig configures the Redis fast path shared by the idempotency cache
// and the primary lock provider. An empty URL disables both.
type CacheConfig struct {
	URL              string        `mapstructure:"url" yaml:"url"`
	PoolSize         int           `mapstructure:"pool_size" yaml:"pool_size"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout" yaml:"operation_timeout"`
	Prefix           string        `mapstructure:"prefix" yaml:"prefix"`
}

// DatabaseConfig selects the durable idempotency store. The PostgreSQL URL also
// backs the lock fallback, circuit state and dead letters whatever the type.
type DatabaseConfig struct {
	Type            string        `mapstructure:"type" yaml:"type"`
	URL             string        `mapstructure:"url" yaml:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time" yaml:"conn_max_idle_time"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout" yaml:"query_timeout"`
	Region          string        `mapstructure:"region" yaml:"region"`
	Endpoint        string        `mapstructure:"endpoint" yaml:"endpoint"`
	AccessKeyID     string        `mapstructure:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string        `mapstructure:"secret_access_key" yaml:"secret_access_key"`
	SessionToken    string        `mapstructure:"session_token" yaml:"session_token"`
	Table           string        `mapstructure:"table" yaml:"table"`
}

// IdempotencyConfig configures key derivation and the duplicate store.
type IdempotencyConfig struct {
	KeyPrefix           string        `mapstructure:"key_prefix" yaml:"key_prefix"`
	DefaultTTL          time.Duration `mapstructure:"default_ttl" yaml:"default_ttl"`
	LargeValueThreshold int           `mapstructure:"large_value_threshold" yaml:"large_value_threshold"`
	CacheTimeout        time.Duration `mapstructure:"cache_timeout" yaml:"cache_timeout"`
	DurableTimeout      time.Duration `mapstructure:"durable_timeout" yaml:"durable_timeout"`
	RetryAttempts       int           `mapstructure:"retry_attempts" yaml:"retry_attempts"`
	RetryBackoff        time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"`
	CleanupInterval     time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval"`
	CleanupGracePeriod  time.Duration `mapstructure:"cleanup_grace_period" yaml:"cleanup_grace_period"`
	CleanupBatchSize    int           `mapstructure:"cleanup_batch_size" yaml:"cleanup_batch_size"`
}

// LockConfig configures the distributed lock manager.
type LockConfig struct {
	DefaultTTL      time.Duration `mapstructure:"default_ttl" yaml:"default_ttl"`
	AcquireTimeout  time.Duration `mapstructure:"acquire_timeout" yaml:"acquire_timeout"`
	PollInterval    time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	RedisPrefix     string        `mapstructure:"redis_prefix" yaml:"redis_prefix"`
	PostgresTable   string        `mapstructure:"postgres_table" yaml:"postgres_table"`
	FallbackEnabled bool          `mapstructure:"fallback_enabled" yaml:"fallback_enabled"`
	RetryAttempts   int           `mapstructure:"retry_attempts" yaml:"retry_attempts"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"`
}

// ClassifierConfig tunes failure classification.
type ClassifierConfig struct {
	AmbiguityThreshold float64 `mapstructure:"ambiguity_threshold" yaml:"ambiguity_threshold"`
	HighRetryCount     int     `mapstructure:"high_retry_count" yaml:"high_retry_count"`
	ContextAdjustment  float64 `mapstructure:"context_adjustment" yaml:"context_adjustment"`
}

// RetryConfig configures the retry policy engine.
type RetryConfig struct {
	Adaptive        AdaptiveRetryConfig `mapstructure:"adaptive" yaml:"adaptive"`
	LoadThreshold   int64               `mapstructure:"load_threshold" yaml:"load_threshold"`
	LoadDelayFactor float64             `mapstructure:"load_delay_factor" yaml:"load_delay_factor"`
	CircuitCacheTTL time.Duration       `mapstructure:"circuit_cache_ttl" yaml:"circuit_cache_ttl"`
	HalfOpenProbes  int                 `mapstructure:"half_open_probes" yaml:"half_open_probes"`
	OffPeak         OffPeakConfig       `mapstructure:"off_peak" yaml:"off_peak"`
	// FailureTypes overrides the default policy of a failure type, keyed by
	// its name in any case.
	FailureTypes map[string]retry.Override `mapstructure:"failure_types" yaml:"failure_types,omitempty"`
	Categories   map[string]retry.Override `mapstructure:"categories" yaml:"categories,omitempty"`
}

// AdaptiveRetryConfig tunes success-rate driven adjustments.
type AdaptiveRetryConfig struct {
	Enabled           bool    `mapstructure:"enabled" yaml:"enabled"`
	Window            int     `mapstructure:"window" yaml:"window"`
	MinSamples        int     `mapstructure:"min_samples" yaml:"min_samples"`
	HighSuccessRate   float64 `mapstructure:"high_success_rate" yaml:"high_success_rate"`
	LowSuccessRate    float64 `mapstructure:"low_success_rate" yaml:"low_success_rate"`
	FastDelayFactor   float64 `mapstructure:"fast_delay_factor" yaml:"fast_delay_factor"`
	SlowDelayFactor   float64 `mapstructure:"slow_delay_factor" yaml:"slow_delay_factor"`
	RetryShrinkFactor float64 `mapstructure:"retry_shrink_factor" yaml:"retry_shrink_factor"`
}

// OffPeakConfig defers low-priority retries into a daily window given as "HH:MM".
type OffPeakConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Start    string `mapstructure:"start" yaml:"start"`
	End      string `mapstructure:"end" yaml:"end"`
	Timezone string `mapstructure:"timezone" yaml:"timezone"`
}

// DeadLetterConfig configures the dead letter sink.
type DeadLetterConfig struct {
	BulkRetryRate  float64 `mapstructure:"bulk_retry_rate" yaml:"bulk_retry_rate"`
	BulkRetryBurst int     `mapstructure:"bulk_retry_burst" yaml:"bulk_retry_burst"`
}

// JobsConfig configures the queue that carries task invocations and retries.
type JobsConfig struct {
	Backend          string        `mapstructure:"backend" yaml:"backend"`
	URL              string        `mapstructure:"url" yaml:"url"`
	Prefix           string        `mapstructure:"prefix" yaml:"prefix"`
	Queue            string        `mapstructure:"queue" yaml:"queue"`
	LeaseTTL         time.Duration `mapstructure:"lease_ttl" yaml:"lease_ttl"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout" yaml:"operation_timeout"`
	PollInterval     time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
}

// WorkerConfig configures the queue consumer.
type WorkerConfig struct {
	ID                     string        `mapstructure:"id" yaml:"id"`
	Concurrency            int           `mapstructure:"concurrency" yaml:"concurrency"`
	ReserveTimeout         time.Duration `mapstructure:"reserve_timeout" yaml:"reserve_timeout"`
	StopTimeout            time.Duration `mapstructure:"stop_timeout" yaml:"stop_timeout"`
	ContentionRequeueDelay time.Duration `mapstructure:"contention_requeue_delay" yaml:"contention_requeue_delay"`
}

// ReconcilerConfig configures the sweep over abandoned PENDING records.
type ReconcilerConfig struct {
	Enabled    bool          `mapstructure:"enabled" yaml:"enabled"`
	Interval   time.Duration `mapstructure:"interval" yaml:"interval"`
	StaleAfter time.Duration `mapstructure:"stale_after" yaml:"stale_after"`
	BatchSize  int           `mapstructure:"batch_size" yaml:"batch_size"`
}

// DefaultConfig returns the configuration used when nothing overrides it.
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "taskguard",
			Environment: "production",
		},
		Observability: ObservabilityConfig{
			LogLevel:          "info",
			LogFormat:         "json",
			TracingSampleRate: 0.1,
			MetricsNamespace:  "taskguard",
		},
		Cache: CacheConfig{
			PoolSize:         10,
			OperationTimeout: 250 * time.Millisecond,
			Prefix:           "taskguard:idem:",
		},
		Database: DatabaseConfig{
			Type:            DatabaseTypeMemory,
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
			QueryTimeout:    2 * time.Second,
			Table:           "taskguard_idempotency_records",
		},
		Idempotency: IdempotencyConfig{
			KeyPrefix:           "tg",
			DefaultTTL:          24 * time.Hour,
			LargeValueThreshold: 1024,
			CacheTimeout:        250 * time.Millisecond,
			DurableTimeout:      2 * time.Second,
			RetryAttempts:       3,
			RetryBackoff:        50 * time.Millisecond,
			CleanupInterval:     time.Hour,
			CleanupBatchSize:    500,
		},
		Lock: LockConfig{
			DefaultTTL:      30 * time.Second,
			AcquireTimeout:  5 * time.Second,
			PollInterval:    50 * time.Millisecond,
			RedisPrefix:     "taskguard:lock",
			PostgresTable:   "taskguard_locks",
			FallbackEnabled: true,
			RetryAttempts:   2,
			RetryBackoff:    25 * time.Millisecond,
		},
		Classifier: ClassifierConfig{
			AmbiguityThreshold: 0.5,
			HighRetryCount:     3,
			ContextAdjustment:  0.2,
		},
		Retry: RetryConfig{
			Adaptive: AdaptiveRetryConfig{
				Enabled:           true,
				Window:            20,
				MinSamples:        5,
				HighSuccessRate:   0.8,
				LowSuccessRate:    0.3,
				FastDelayFactor:   0.7,
				SlowDelayFactor:   1.5,
				RetryShrinkFactor: 0.5,
			},
			LoadThreshold:   1000,
			LoadDelayFactor: 1.3,
			CircuitCacheTTL: 5 * time.Second,
			HalfOpenProbes:  1,
			OffPeak: OffPeakConfig{
				Start:    "22:00",
				End:      "06:00",
				Timezone: "UTC",
			},
		},
		DeadLetter: DeadLetterConfig{
			BulkRetryRate:  10,
			BulkRetryBurst: 1,
		},
		Jobs: JobsConfig{
			Backend:          JobsBackendMemory,
			Prefix:           "taskguard:jobs",
			Queue:            "taskguard",
			LeaseTTL:         30 * time.Second,
			OperationTimeout: 5 * time.Second,
			PollInterval:     100 * time.Millisecond,
		},
		Worker: WorkerConfig{
			Concurrency:            4,
			ReserveTimeout:         time.Second,
			StopTimeout:            10 * time.Second,
			ContentionRequeueDelay: 5 * time.Second,
		},
		Reconciler: ReconcilerConfig{
			Enabled:    true,
			Interval:   time.Minute,
			StaleAfter: 5 * time.Minute,
			BatchSize:  100,
		},
	}
}
