package deadletter

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/nimburion/taskguard/pkg/classify"
	"github.com/nimburion/taskguard/pkg/idempotency"
	"github.com/nimburion/taskguard/pkg/observability/logger"
	"github.com/nimburion/taskguard/pkg/observability/tracing"
	"github.com/nimburion/taskguard/pkg/retry"
)

const (
	defaultEntryTable   = "taskguard_dead_letters"
	defaultAuditTable   = "taskguard_dead_letter_audit"
	defaultStoreTimeout = 2 * time.Second
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresStoreConfig configures the dead letter tables.
type PostgresStoreConfig struct {
	Table            string
	AuditTable       string
	OperationTimeout time.Duration
}

func (c *PostgresStoreConfig) normalize() {
	if strings.TrimSpace(c.Table) == "" {
		c.Table = defaultEntryTable
	}
	if strings.TrimSpace(c.AuditTable) == "" {
		c.AuditTable = defaultAuditTable
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultStoreTimeout
	}
}

// PostgresStore keeps entries in one table and their audit trail in another.
type PostgresStore struct {
	db     *sql.DB
	log    logger.Logger
	config PostgresStoreConfig
}

// NewPostgresStore creates a store on a database handle owned by the caller.
func NewPostgresStore(db *sql.DB, cfg PostgresStoreConfig, log logger.Logger) (*PostgresStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()
	for _, table := range []string{cfg.Table, cfg.AuditTable} {
		if !validTableName.MatchString(table) {
			return nil, validationError(fmt.Sprintf("invalid table name %q", table))
		}
	}
	return &PostgresStore{db: db, log: log, config: cfg}, nil
}

const entryColumns = "id, task_name, args, scope_kind, scope_subject, idempotency_key, priority, failure_history, last_failure_type, attempts, reason, status, replay_count, resolution, created_at, updated_at, resolved_at"

func (s *PostgresStore) Insert(ctx context.Context, entry *Entry, event AuditEvent) error {
	history, err := json.Marshal(entry.FailureHistory)
	if err != nil {
		return validationError(fmt.Sprintf("encode failure history: %v", err))
	}
	return s.withTransaction(ctx, tracing.SpanOperationDBInsert, func(ctx context.Context, tx *sql.Tx) error {
		query := fmt.Sprintf(`INSERT INTO %s(%s) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`, s.config.Table, entryColumns)
		if _, err := tx.ExecContext(ctx, query,
			entry.ID,
			entry.TaskName,
			nullableJSON(entry.Args),
			string(entry.Scope.Kind),
			entry.Scope.Subject,
			entry.IdempotencyKey,
			string(entry.Priority),
			history,
			string(entry.LastFailureType()),
			entry.Attempts,
			entry.Reason,
			string(entry.Status),
			entry.ReplayCount,
			entry.Resolution,
			entry.CreatedAt.UTC(),
			entry.UpdatedAt.UTC(),
			nullableTime(entry.ResolvedAt),
		); err != nil {
			return err
		}
		return s.insertAudit(ctx, tx, event)
	})
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Entry, error) {
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	opCtx, span := tracing.StartDatabaseSpan(opCtx, tracing.SpanOperationDBQuery,
		tracing.WithDBSystem("postgresql"), tracing.WithDBTable(s.config.Table))
	defer span.End()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id=$1`, entryColumns, s.config.Table)
	entry, err := scanEntry(s.db.QueryRowContext(opCtx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		tracing.RecordSuccess(span)
		return nil, ErrEntryNotFound
	}
	if err != nil {
		tracing.RecordError(span, err)
		return nil, storeError("get entry", err)
	}
	tracing.RecordSuccess(span)
	return entry, nil
}

func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]*Entry, error) {
	conditions := []string{}
	args := []any{}
	add := func(condition string, value any) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf(condition, len(args)))
	}
	if filter.TaskName != "" {
		add("task_name=$%d", filter.TaskName)
	}
	if filter.FailureType != "" {
		add("last_failure_type=$%d", string(filter.FailureType))
	}
	if filter.Status != "" {
		add("status=$%d", string(filter.Status))
	}
	if !filter.Since.IsZero() {
		add("created_at >= $%d", filter.Since.UTC())
	}
	if !filter.Until.IsZero() {
		add("created_at < $%d", filter.Until.UTC())
	}

	query := fmt.Sprintf(`SELECT %s FROM %s`, entryColumns, s.config.Table)
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	args = append(args, normalizeLimit(filter.Limit))
	query += fmt.Sprintf(" ORDER BY created_at DESC, id LIMIT $%d", len(args))

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	opCtx, span := tracing.StartDatabaseSpan(opCtx, tracing.SpanOperationDBQuery,
		tracing.WithDBSystem("postgresql"), tracing.WithDBTable(s.config.Table))
	defer span.End()

	rows, err := s.db.QueryContext(opCtx, query, args...)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, storeError("list entries", err)
	}
	defer rows.Close()

	out := []*Entry{}
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			tracing.RecordError(span, err)
			return nil, storeError("scan entry", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		tracing.RecordError(span, err)
		return nil, storeError("list entries", err)
	}
	tracing.RecordSuccess(span)
	return out, nil
}

func (s *PostgresStore) Update(ctx context.Context, entry *Entry, expected Status, event AuditEvent) error {
	history, err := json.Marshal(entry.FailureHistory)
	if err != nil {
		return validationError(fmt.Sprintf("encode failure history: %v", err))
	}
	return s.withTransaction(ctx, tracing.SpanOperationDBUpdate, func(ctx context.Context, tx *sql.Tx) error {
		query := fmt.Sprintf(`
UPDATE %s
SET failure_history=$2, last_failure_type=$3, attempts=$4, reason=$5, status=$6,
    replay_count=$7, resolution=$8, updated_at=$9, resolved_at=$10
WHERE id=$1 AND status=$11
`, s.config.Table)
		result, err := tx.ExecContext(ctx, query,
			entry.ID,
			history,
			string(entry.LastFailureType()),
			entry.Attempts,
			entry.Reason,
			string(entry.Status),
			entry.ReplayCount,
			entry.Resolution,
			entry.UpdatedAt.UTC(),
			nullableTime(entry.ResolvedAt),
			string(expected),
		)
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return ErrConcurrentModification
		}
		return s.insertAudit(ctx, tx, event)
	})
}

func (s *PostgresStore) Audit(ctx context.Context, id string) ([]AuditEvent, error) {
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	opCtx, span := tracing.StartDatabaseSpan(opCtx, tracing.SpanOperationDBQuery,
		tracing.WithDBSystem("postgresql"), tracing.WithDBTable(s.config.AuditTable))
	defer span.End()

	query := fmt.Sprintf(`SELECT entry_id, action, actor, detail, created_at FROM %s WHERE entry_id=$1 ORDER BY created_at, id`, s.config.AuditTable)
	rows, err := s.db.QueryContext(opCtx, query, id)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, storeError("list audit", err)
	}
	defer rows.Close()

	out := []AuditEvent{}
	for rows.Next() {
		var (
			event  AuditEvent
			action string
		)
		if err := rows.Scan(&event.EntryID, &action, &event.Actor, &event.Detail, &event.At); err != nil {
			tracing.RecordError(span, err)
			return nil, storeError("scan audit", err)
		}
		event.Action = Action(action)
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		tracing.RecordError(span, err)
		return nil, storeError("list audit", err)
	}
	tracing.RecordSuccess(span)
	return out, nil
}

func (s *PostgresStore) CountByStatus(ctx context.Context, status Status) (int, error) {
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	var count int
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE status=$1`, s.config.Table)
	if err := s.db.QueryRowContext(opCtx, query, string(status)).Scan(&count); err != nil {
		return 0, storeError("count entries", err)
	}
	return count, nil
}

func (s *PostgresStore) insertAudit(ctx context.Context, tx *sql.Tx, event AuditEvent) error {
	query := fmt.Sprintf(`INSERT INTO %s(entry_id, action, actor, detail, created_at) VALUES ($1, $2, $3, $4, $5)`, s.config.AuditTable)
	_, err := tx.ExecContext(ctx, query, event.EntryID, string(event.Action), event.Actor, event.Detail, event.At.UTC())
	return err
}

// withTransaction runs fn in a transaction, rolling back on error or panic.
func (s *PostgresStore) withTransaction(ctx context.Context, op tracing.SpanOperation, fn func(ctx context.Context, tx *sql.Tx) error) (err error) {
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	opCtx, span := tracing.StartDatabaseSpan(opCtx, op,
		tracing.WithDBSystem("postgresql"), tracing.WithDBTable(s.config.Table))
	defer span.End()

	tx, err := s.db.BeginTx(opCtx, nil)
	if err != nil {
		tracing.RecordError(span, err)
		return storeError("begin transaction", err)
	}
	defer func() {
		if p := recover(); p != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				s.log.Error("failed to rollback transaction after panic", "panic", p, "rollback_error", rbErr)
			}
			panic(p)
		}
	}()

	if err := fn(opCtx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.log.Error("failed to rollback transaction", "original_error", err, "rollback_error", rbErr)
		}
		tracing.RecordError(span, err)
		if errors.Is(err, ErrConcurrentModification) {
			return err
		}
		return storeError("write entry", err)
	}
	if err := tx.Commit(); err != nil {
		tracing.RecordError(span, err)
		return storeError("commit transaction", err)
	}
	tracing.RecordSuccess(span)
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		entry       Entry
		args        []byte
		scopeKind   string
		priority    string
		history     []byte
		lastFailure string
		status      string
		resolvedAt  sql.NullTime
	)
	if err := row.Scan(
		&entry.ID,
		&entry.TaskName,
		&args,
		&scopeKind,
		&entry.Scope.Subject,
		&entry.IdempotencyKey,
		&priority,
		&history,
		&lastFailure,
		&entry.Attempts,
		&entry.Reason,
		&status,
		&entry.ReplayCount,
		&entry.Resolution,
		&entry.CreatedAt,
		&entry.UpdatedAt,
		&resolvedAt,
	); err != nil {
		return nil, err
	}

	kind, err := idempotency.ParseScopeKind(scopeKind)
	if err != nil {
		return nil, err
	}
	parsedStatus, err := ParseStatus(status)
	if err != nil {
		return nil, err
	}
	entry.Scope.Kind = kind
	entry.Status = parsedStatus
	entry.Priority = retry.Priority(priority)
	if len(args) > 0 {
		entry.Args = json.RawMessage(args)
	}
	entry.FailureHistory = []classify.Classification{}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &entry.FailureHistory); err != nil {
			return nil, fmt.Errorf("decode failure history: %w", err)
		}
	}
	if resolvedAt.Valid {
		entry.ResolvedAt = resolvedAt.Time
	}
	return &entry, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func (s *PostgresStore) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.config.OperationTimeout)
}
