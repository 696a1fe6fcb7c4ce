package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/nimburion/taskguard/pkg/observability/logger"
	"github.com/nimburion/taskguard/pkg/observability/tracing"
)

const (
	defaultPostgresRecordTable     = "taskguard_idempotency_records"
	defaultPostgresRecordOperation = 2 * time.Second
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresStoreConfig configures the durable PostgreSQL record store.
type PostgresStoreConfig struct {
	Table            string
	OperationTimeout time.Duration
	Now              func() time.Time
}

func (c *PostgresStoreConfig) normalize() {
	if strings.TrimSpace(c.Table) == "" {
		c.Table = defaultPostgresRecordTable
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultPostgresRecordOperation
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// PostgresStore keeps idempotency records in a table keyed by idempotency_key.
// Every write is a single upsert statement, so readers never see a partial record.
type PostgresStore struct {
	db     *sql.DB
	log    logger.Logger
	config PostgresStoreConfig
}

// NewPostgresStore creates a store on an open database handle owned by the caller.
func NewPostgresStore(db *sql.DB, config PostgresStoreConfig, log logger.Logger) (*PostgresStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	config.normalize()
	if !validTableName.MatchString(config.Table) {
		return nil, validationError(fmt.Sprintf("invalid idempotency table name %q", config.Table))
	}
	return &PostgresStore{db: db, log: log, config: config}, nil
}

func (s *PostgresStore) Name() string { return "postgres" }

func (s *PostgresStore) Get(ctx context.Context, key string) (*Record, error) {
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	opCtx, span := tracing.StartDatabaseSpan(opCtx, tracing.SpanOperationDBQuery, tracing.WithDBTable(s.config.Table), tracing.WithDBSystem("postgresql"))
	defer span.End()

	query := fmt.Sprintf(`SELECT idempotency_key, task_name, scope, status, result, payload, holder_id, created_at, updated_at, expires_at FROM %s WHERE idempotency_key = $1`, s.config.Table)
	record, err := scanRecord(s.db.QueryRowContext(opCtx, query, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("select idempotency record: %w", err)
	}
	tracing.RecordSuccess(span)
	return record, nil
}

// Put upserts the record. A live COMPLETED row is left untouched, which makes
// repeated stores of the same completion idempotent.
func (s *PostgresStore) Put(ctx context.Context, record *Record) error {
	if err := record.Validate(); err != nil {
		return err
	}
	now := s.config.Now().UTC()
	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	opCtx, span := tracing.StartDatabaseSpan(opCtx, tracing.SpanOperationDBInsert, tracing.WithDBTable(s.config.Table), tracing.WithDBSystem("postgresql"))
	defer span.End()

	query := fmt.Sprintf(`
INSERT INTO %[1]s (idempotency_key, task_name, scope, status, result, payload, holder_id, created_at, updated_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (idempotency_key) DO UPDATE
SET task_name = EXCLUDED.task_name,
    scope = EXCLUDED.scope,
    status = EXCLUDED.status,
    result = EXCLUDED.result,
    payload = EXCLUDED.payload,
    holder_id = EXCLUDED.holder_id,
    created_at = CASE WHEN %[1]s.expires_at <= EXCLUDED.updated_at THEN EXCLUDED.created_at ELSE %[1]s.created_at END,
    updated_at = EXCLUDED.updated_at,
    expires_at = EXCLUDED.expires_at
WHERE NOT (%[1]s.status = 'COMPLETED' AND %[1]s.expires_at > EXCLUDED.updated_at)`, s.config.Table)

	_, err := s.db.ExecContext(opCtx, query,
		record.Key,
		record.TaskName,
		string(record.Scope),
		string(record.Status),
		record.Result,
		record.Payload,
		record.HolderID,
		createdAt.UTC(),
		now,
		record.ExpiresAt.UTC(),
	)
	if err != nil {
		tracing.RecordError(span, err)
		return fmt.Errorf("upsert idempotency record: %w", err)
	}
	tracing.RecordSuccess(span)
	return nil
}

func (s *PostgresStore) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	query := fmt.Sprintf(`SELECT idempotency_key, task_name, scope, status, result, payload, holder_id, created_at, updated_at, expires_at FROM %s WHERE status = 'PENDING' AND updated_at < $1 ORDER BY updated_at ASC LIMIT $2`, s.config.Table)
	rows, err := s.db.QueryContext(opCtx, query, olderThan.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list stale pending records: %w", err)
	}
	defer rows.Close()

	records := make([]*Record, 0)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale pending record: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale pending records: %w", err)
	}
	return records, nil
}

func (s *PostgresStore) PurgeExpired(ctx context.Context, before time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 500
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	query := fmt.Sprintf(`DELETE FROM %[1]s WHERE idempotency_key IN (SELECT idempotency_key FROM %[1]s WHERE status <> 'PENDING' AND expires_at <= $1 LIMIT $2)`, s.config.Table)
	result, err := s.db.ExecContext(opCtx, query, before.UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("purge expired records: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge expired records: %w", err)
	}
	return deleted, nil
}

func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	if err := s.db.PingContext(opCtx); err != nil {
		return fmt.Errorf("postgres idempotency store health check failed: %w", err)
	}
	return nil
}

// Close is a no-op; the database handle is closed by its owner.
func (s *PostgresStore) Close() error { return nil }

func (s *PostgresStore) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.config.OperationTimeout)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		record    Record
		scope     string
		status    string
		result    []byte
		payload   []byte
		createdAt time.Time
		updatedAt time.Time
		expiresAt time.Time
		holderID  sql.NullString
	)
	if err := row.Scan(&record.Key, &record.TaskName, &scope, &status, &result, &payload, &holderID, &createdAt, &updatedAt, &expiresAt); err != nil {
		return nil, err
	}
	parsed, err := ParseStatus(status)
	if err != nil {
		return nil, err
	}
	record.Scope = ScopeKind(scope)
	record.Status = parsed
	record.Result = result
	record.Payload = payload
	record.HolderID = holderID.String
	record.CreatedAt = createdAt.UTC()
	record.UpdatedAt = updatedAt.UTC()
	record.ExpiresAt = expiresAt.UTC()
	return &record, nil
}
