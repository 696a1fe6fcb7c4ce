package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/nimburion/taskguard/pkg/observability/logger"
)

const (
	defaultPostgresLockTable     = "taskguard_locks"
	defaultPostgresLockOperation = time.Second
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresProviderConfig configures the lock table provider.
type PostgresProviderConfig struct {
	Table            string
	OperationTimeout time.Duration
}

func (c *PostgresProviderConfig) normalize() {
	if strings.TrimSpace(c.Table) == "" {
		c.Table = defaultPostgresLockTable
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultPostgresLockOperation
	}
}

// PostgresProvider stores lock leases as rows. All expiry arithmetic uses the
// database clock so hosts with skewed clocks agree on when a lease lapses.
type PostgresProvider struct {
	db     *sql.DB
	log    logger.Logger
	config PostgresProviderConfig
}

// NewPostgresProvider creates a provider on a database handle owned by the caller.
// The table is created by the migrations.
func NewPostgresProvider(db *sql.DB, cfg PostgresProviderConfig, log logger.Logger) (*PostgresProvider, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()
	if !validTableName.MatchString(cfg.Table) {
		return nil, lockError(ErrValidation, fmt.Sprintf("invalid lock table name %q", cfg.Table))
	}
	return &PostgresProvider{db: db, log: log, config: cfg}, nil
}

func (p *PostgresProvider) Name() string { return "postgres" }

// Acquire inserts the lease row, or takes over a row whose lease has lapsed.
// The current holder acquiring again extends its lease.
func (p *PostgresProvider) Acquire(ctx context.Context, key string, ttl time.Duration, holderID string) (bool, error) {
	if p == nil || p.db == nil {
		return false, lockError(ErrNotInitialized, "postgres lock provider is not initialized")
	}
	key, holderID = strings.TrimSpace(key), strings.TrimSpace(holderID)
	if err := validateRequest(key, holderID); err != nil {
		return false, err
	}
	if ttl <= 0 {
		return false, lockError(ErrValidation, "ttl must be > 0")
	}

	opCtx, cancel := p.operationContext(ctx)
	defer cancel()

	query := fmt.Sprintf(`
WITH upsert AS (
	INSERT INTO %[1]s(lock_key, holder_id, acquired_at, expires_at)
	VALUES ($1, $2, NOW(), NOW() + ($3 * INTERVAL '1 millisecond'))
	ON CONFLICT(lock_key) DO UPDATE
	SET holder_id = EXCLUDED.holder_id,
	    acquired_at = EXCLUDED.acquired_at,
	    expires_at = EXCLUDED.expires_at
	WHERE %[1]s.expires_at <= NOW() OR %[1]s.holder_id = EXCLUDED.holder_id
	RETURNING 1
)
SELECT EXISTS(SELECT 1 FROM upsert)
`, p.config.Table)

	var acquired bool
	if err := p.db.QueryRowContext(opCtx, query, key, holderID, ttl.Milliseconds()).Scan(&acquired); err != nil {
		return false, errors.Join(lockError(ErrUnavailable, "postgres acquire failed"), err)
	}
	return acquired, nil
}

func (p *PostgresProvider) Release(ctx context.Context, key, holderID string) (bool, error) {
	if p == nil || p.db == nil {
		return false, lockError(ErrNotInitialized, "postgres lock provider is not initialized")
	}
	opCtx, cancel := p.operationContext(ctx)
	defer cancel()

	query := fmt.Sprintf(`DELETE FROM %s WHERE lock_key=$1 AND holder_id=$2`, p.config.Table)
	result, err := p.db.ExecContext(opCtx, query, key, holderID)
	if err != nil {
		return false, errors.Join(lockError(ErrUnavailable, "postgres release failed"), err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, errors.Join(lockError(ErrUnavailable, "postgres release failed"), err)
	}
	return affected > 0, nil
}

func (p *PostgresProvider) Renew(ctx context.Context, key string, ttl time.Duration, holderID string) (bool, error) {
	if p == nil || p.db == nil {
		return false, lockError(ErrNotInitialized, "postgres lock provider is not initialized")
	}
	if ttl <= 0 {
		return false, lockError(ErrValidation, "ttl must be > 0")
	}
	opCtx, cancel := p.operationContext(ctx)
	defer cancel()

	query := fmt.Sprintf(`UPDATE %s SET expires_at = NOW() + ($3 * INTERVAL '1 millisecond') WHERE lock_key=$1 AND holder_id=$2 AND expires_at > NOW()`, p.config.Table)
	result, err := p.db.ExecContext(opCtx, query, key, holderID, ttl.Milliseconds())
	if err != nil {
		return false, errors.Join(lockError(ErrUnavailable, "postgres renew failed"), err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, errors.Join(lockError(ErrUnavailable, "postgres renew failed"), err)
	}
	return affected > 0, nil
}

func (p *PostgresProvider) HealthCheck(ctx context.Context) error {
	if p == nil || p.db == nil {
		return lockError(ErrNotInitialized, "postgres lock provider is not initialized")
	}
	opCtx, cancel := p.operationContext(ctx)
	defer cancel()
	if err := p.db.PingContext(opCtx); err != nil {
		return errors.Join(lockError(ErrUnavailable, "postgres healthcheck failed"), err)
	}
	return nil
}

// Close is a no-op; the database handle is closed by its owner.
func (p *PostgresProvider) Close() error { return nil }

func (p *PostgresProvider) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, p.config.OperationTimeout)
}
