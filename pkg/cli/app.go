package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/nimburion/taskguard/pkg/classify"
	"github.com/nimburion/taskguard/pkg/config"
	"github.com/nimburion/taskguard/pkg/deadletter"
	"github.com/nimburion/taskguard/pkg/guard"
	"github.com/nimburion/taskguard/pkg/health"
	"github.com/nimburion/taskguard/pkg/idempotency"
	"github.com/nimburion/taskguard/pkg/jobs"
	"github.com/nimburion/taskguard/pkg/lock"
	"github.com/nimburion/taskguard/pkg/observability/logger"
	"github.com/nimburion/taskguard/pkg/observability/metrics"
	"github.com/nimburion/taskguard/pkg/observability/tracing"
	"github.com/nimburion/taskguard/pkg/resilience"
	"github.com/nimburion/taskguard/pkg/retry"
	"github.com/nimburion/taskguard/pkg/version"
)

// App holds every component built from one configuration.
type App struct {
	Config  *config.Config
	Log     logger.Logger
	Metrics *metrics.Registry
	Tracer  *tracing.TracerProvider

	// DB is nil unless database.url is set.
	DB *sql.DB
	// Redis is nil unless cache.url is set.
	Redis redis.UniversalClient

	Jobs        jobs.Backend
	Duplicates  *idempotency.DuplicateStore
	Locks       *lock.Manager
	Classifier  *classify.Classifier
	Engine      *retry.Engine
	DeadLetters *deadletter.Sink
	Requeuer    *guard.JobsRequeuer
	Tasks       *guard.TaskRegistry
	Wrapper     *guard.Wrapper
	Health      *health.Registry

	WorkerID string

	closers []func() error
}

// NewApp connects to the configured backends and assembles the execution
// wrapper. Whatever was opened is closed again when assembly fails.
func NewApp(ctx context.Context, cfg *config.Config, log logger.Logger) (app *App, err error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}

	app = &App{
		Config:   cfg,
		Log:      log,
		Metrics:  metrics.NewRegistry(),
		Health:   health.NewRegistry(),
		WorkerID: resolveWorkerID(cfg.Worker.ID),
	}
	defer func() {
		if err != nil {
			_ = app.Close(context.Background())
			app = nil
		}
	}()

	guardMetrics, err := metrics.NewGuardMetrics(app.Metrics.Registerer(), cfg.Observability.MetricsNamespace)
	if err != nil {
		return nil, fmt.Errorf("create metrics: %w", err)
	}

	app.Tracer, err = tracing.NewTracerProvider(ctx, cfg.TracerConfig(version.Current(cfg.Service.Name).Version))
	if err != nil {
		return nil, fmt.Errorf("create tracer: %w", err)
	}
	app.onClose(func() error { return app.Tracer.Shutdown(context.Background()) })

	if strings.TrimSpace(cfg.Database.URL) != "" {
		if app.DB, err = openPostgres(ctx, cfg.Database); err != nil {
			return nil, err
		}
		app.onClose(app.DB.Close)
		app.Health.Register(health.NewAdapterChecker("postgres", health.CheckFunc(app.DB.PingContext), cfg.Database.QueryTimeout))
	}
	if strings.TrimSpace(cfg.Cache.URL) != "" {
		if app.Redis, err = openRedis(ctx, cfg.Cache, log); err != nil {
			return nil, err
		}
		app.onClose(app.Redis.Close)
	}
	if app.DB == nil {
		log.Warn("no database.url configured; locks, circuit state and dead letters are kept in memory")
	}

	if err = app.buildDuplicateStore(ctx, guardMetrics); err != nil {
		return nil, err
	}
	if err = app.buildLocks(guardMetrics); err != nil {
		return nil, err
	}
	if err = app.buildJobs(); err != nil {
		return nil, err
	}

	classifierCfg := cfg.ClassifierConfig()
	classifierCfg.Metrics = guardMetrics
	if app.Classifier, err = classify.NewClassifier(log, classifierCfg); err != nil {
		return nil, fmt.Errorf("create classifier: %w", err)
	}

	if err = app.buildEngine(guardMetrics); err != nil {
		return nil, err
	}
	if err = app.buildDeadLetters(guardMetrics); err != nil {
		return nil, err
	}

	app.Tasks = guard.NewTaskRegistry(app.Engine)
	for name, taskCfg := range cfg.TaskConfigs() {
		if err = app.Tasks.Register(name, taskCfg); err != nil {
			return nil, fmt.Errorf("register task %s: %w", name, err)
		}
	}

	app.Wrapper, err = guard.NewWrapper(guard.Dependencies{
		Keys: idempotency.NewKeyDeriver(idempotency.KeyDeriverConfig{
			Prefix:              cfg.Idempotency.KeyPrefix,
			LargeValueThreshold: cfg.Idempotency.LargeValueThreshold,
		}),
		Duplicates:  app.Duplicates,
		Locks:       app.Locks,
		Classifier:  app.Classifier,
		Policies:    app.Engine,
		DeadLetters: app.DeadLetters,
		Requeuer:    app.Requeuer,
		Tasks:       app.Tasks,
	}, log, guard.WrapperConfig{
		WorkerID: app.WorkerID,
		Metrics:  guardMetrics,
	})
	if err != nil {
		return nil, fmt.Errorf("create wrapper: %w", err)
	}
	return app, nil
}

func (a *App) buildDuplicateStore(ctx context.Context, guardMetrics *metrics.GuardMetrics) error {
	cfg := a.Config
	var durable idempotency.DurableBackend
	switch cfg.Database.Type {
	case config.DatabaseTypePostgres:
		store, err := idempotency.NewPostgresStore(a.DB, idempotency.PostgresStoreConfig{
			Table:            cfg.Database.Table,
			OperationTimeout: cfg.Database.QueryTimeout,
		}, a.Log)
		if err != nil {
			return fmt.Errorf("create postgres idempotency store: %w", err)
		}
		durable = store
	case config.DatabaseTypeDynamoDB:
		client, err := newDynamoDBClient(ctx, cfg.Database)
		if err != nil {
			return err
		}
		store, err := idempotency.NewDynamoDBStore(client, idempotency.DynamoDBStoreConfig{
			Table:            cfg.Database.Table,
			OperationTimeout: cfg.Database.QueryTimeout,
		}, a.Log)
		if err != nil {
			return fmt.Errorf("create dynamodb idempotency store: %w", err)
		}
		durable = store
	default:
		a.Log.Warn("idempotency records are kept in memory and are lost on restart")
		durable = idempotency.NewMemoryBackend(nil)
	}
	a.Health.Register(health.NewAdapterChecker("idempotency-durable", durable, cfg.Idempotency.DurableTimeout))

	var cache idempotency.Backend
	if a.Redis != nil {
		redisCache, err := idempotency.NewRedisCache(a.Redis, idempotency.RedisCacheConfig{
			Prefix:           cfg.Cache.Prefix,
			OperationTimeout: cfg.Cache.OperationTimeout,
		}, a.Log)
		if err != nil {
			return fmt.Errorf("create idempotency cache: %w", err)
		}
		cache = redisCache
		a.Health.Register(health.NewOptionalChecker("idempotency-cache", redisCache, cfg.Idempotency.CacheTimeout))
	}

	store, err := idempotency.NewDuplicateStore(cache, durable, a.Log, idempotency.DuplicateStoreConfig{
		CacheTimeout:   cfg.Idempotency.CacheTimeout,
		DurableTimeout: cfg.Idempotency.DurableTimeout,
		DefaultTTL:     cfg.Idempotency.DefaultTTL,
		Retry: resilience.RetryConfig{
			Attempts: cfg.Idempotency.RetryAttempts,
			Backoff:  cfg.Idempotency.RetryBackoff,
		},
		Metrics: guardMetrics,
	})
	if err != nil {
		return fmt.Errorf("create duplicate store: %w", err)
	}
	a.Duplicates = store
	a.onClose(store.Close)
	return nil
}

// buildLocks uses Redis as primary provider and PostgreSQL as its fallback.
// Without Redis PostgreSQL becomes the primary; without either, locks only
// exclude runs inside this process.
func (a *App) buildLocks(guardMetrics *metrics.GuardMetrics) error {
	cfg := a.Config
	var primary, fallback lock.Provider
	if a.Redis != nil {
		provider, err := lock.NewRedisProvider(a.Redis, lock.RedisProviderConfig{
			Prefix:           cfg.Lock.RedisPrefix,
			OperationTimeout: cfg.Cache.OperationTimeout,
		}, a.Log)
		if err != nil {
			return fmt.Errorf("create redis lock provider: %w", err)
		}
		primary = provider
	}
	if a.DB != nil && (primary == nil || cfg.Lock.FallbackEnabled) {
		provider, err := lock.NewPostgresProvider(a.DB, lock.PostgresProviderConfig{
			Table:            cfg.Lock.PostgresTable,
			OperationTimeout: cfg.Database.QueryTimeout,
		}, a.Log)
		if err != nil {
			return fmt.Errorf("create postgres lock provider: %w", err)
		}
		if primary == nil {
			primary = provider
		} else {
			fallback = provider
		}
	}
	if primary == nil {
		a.Log.Warn("no lock backend configured; locks are local to this process")
		primary = lock.NewMemoryProvider(nil)
	}

	manager, err := lock.NewManager(primary, fallback, a.Log, lock.ManagerConfig{
		DefaultTTL:     cfg.Lock.DefaultTTL,
		AcquireTimeout: cfg.Lock.AcquireTimeout,
		PollInterval:   cfg.Lock.PollInterval,
		Retry: resilience.RetryConfig{
			Attempts: cfg.Lock.RetryAttempts,
			Backoff:  cfg.Lock.RetryBackoff,
		},
		Metrics: guardMetrics,
	})
	if err != nil {
		return fmt.Errorf("create lock manager: %w", err)
	}
	a.Locks = manager
	a.onClose(manager.Close)

	a.Health.Register(health.NewTieredChecker("locks", primary, fallback, cfg.Lock.AcquireTimeout))
	return nil
}

func (a *App) buildJobs() error {
	cfg := a.Config
	switch cfg.Jobs.Backend {
	case config.JobsBackendRedis:
		url := strings.TrimSpace(cfg.Jobs.URL)
		if url == "" {
			url = strings.TrimSpace(cfg.Cache.URL)
		}
		backend, err := jobs.NewRedisBackend(jobs.RedisBackendConfig{
			URL:              url,
			Prefix:           cfg.Jobs.Prefix,
			OperationTimeout: cfg.Jobs.OperationTimeout,
			PollInterval:     cfg.Jobs.PollInterval,
		}, a.Log)
		if err != nil {
			return fmt.Errorf("create redis jobs backend: %w", err)
		}
		a.Jobs = backend
	default:
		a.Jobs = jobs.NewMemoryBackend(jobs.MemoryBackendConfig{PollInterval: cfg.Jobs.PollInterval})
	}
	a.onClose(a.Jobs.Close)
	a.Health.Register(jobs.NewBackendHealthChecker("jobs", a.Jobs, cfg.Jobs.OperationTimeout))

	requeuer, err := guard.NewJobsRequeuer(a.Jobs, a.Log, guard.JobsRequeuerConfig{Queue: cfg.Jobs.Queue})
	if err != nil {
		return fmt.Errorf("create requeuer: %w", err)
	}
	a.Requeuer = requeuer
	return nil
}

func (a *App) buildEngine(guardMetrics *metrics.GuardMetrics) error {
	cfg := a.Config
	var store retry.StateStore = retry.NewMemoryStateStore()
	if a.DB != nil {
		pgStore, err := retry.NewPostgresStateStore(a.DB, retry.PostgresStateStoreConfig{
			OperationTimeout: cfg.Database.QueryTimeout,
		}, a.Log)
		if err != nil {
			return fmt.Errorf("create circuit state store: %w", err)
		}
		store = pgStore
	}

	engineCfg, err := cfg.RetryEngineConfig()
	if err != nil {
		return err
	}
	engineCfg.Metrics = guardMetrics
	engine, err := retry.NewEngine(store, jobs.NewDepthProbe(a.Jobs, cfg.Jobs.Queue), a.Log, engineCfg)
	if err != nil {
		return fmt.Errorf("create retry engine: %w", err)
	}
	a.Engine = engine
	return nil
}

func (a *App) buildDeadLetters(guardMetrics *metrics.GuardMetrics) error {
	cfg := a.Config
	var store deadletter.Store = deadletter.NewMemoryStore()
	if a.DB != nil {
		pgStore, err := deadletter.NewPostgresStore(a.DB, deadletter.PostgresStoreConfig{
			OperationTimeout: cfg.Database.QueryTimeout,
		}, a.Log)
		if err != nil {
			return fmt.Errorf("create dead letter store: %w", err)
		}
		store = pgStore
	}

	sink, err := deadletter.NewSink(store, a.Requeuer, a.Log, deadletter.SinkConfig{
		BulkRetryRate:  cfg.DeadLetter.BulkRetryRate,
		BulkRetryBurst: cfg.DeadLetter.BulkRetryBurst,
		Metrics:        guardMetrics,
	})
	if err != nil {
		return fmt.Errorf("create dead letter sink: %w", err)
	}
	a.DeadLetters = sink
	return nil
}

func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Close releases every backend in reverse order of creation.
func (a *App) Close(ctx context.Context) error {
	if a == nil {
		return nil
	}
	var errs []error
	for idx := len(a.closers) - 1; idx >= 0; idx-- {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := a.closers[idx](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func openPostgres(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open postgres failed: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.QueryTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres failed: %w", err)
	}
	return db, nil
}

// openRedis returns the client even when the first ping fails: the cache is
// optional and the lock manager falls back while Redis is down.
func openRedis(ctx context.Context, cfg config.CacheConfig, log logger.Logger) (redis.UniversalClient, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.OperationTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn("redis is unreachable at startup", "error", err)
	}
	return client, nil
}

func newDynamoDBClient(ctx context.Context, cfg config.DatabaseConfig) (*dynamodb.Client, error) {
	loadOptions := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		loadOptions = append(loadOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	var opts []func(*dynamodb.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	return dynamodb.NewFromConfig(awsCfg, opts...), nil
}

func resolveWorkerID(configured string) string {
	if id := strings.TrimSpace(configured); id != "" {
		return id
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "taskguard"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
