package retry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/nimburion/taskguard/pkg/classify"
	"github.com/nimburion/taskguard/pkg/observability/logger"
	"github.com/nimburion/taskguard/pkg/observability/tracing"
	"github.com/nimburion/taskguard/pkg/resilience"
)

const (
	defaultCircuitTable     = "taskguard_circuit_states"
	defaultCircuitOperation = time.Second
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresStateStoreConfig configures the circuit state table.
type PostgresStateStoreConfig struct {
	Table            string
	OperationTimeout time.Duration
}

func (c *PostgresStateStoreConfig) normalize() {
	if strings.TrimSpace(c.Table) == "" {
		c.Table = defaultCircuitTable
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultCircuitOperation
	}
}

// PostgresStateStore keeps one row per (task, failure type).
type PostgresStateStore struct {
	db     *sql.DB
	log    logger.Logger
	config PostgresStateStoreConfig
}

// NewPostgresStateStore creates a store on a database handle owned by the caller.
func NewPostgresStateStore(db *sql.DB, cfg PostgresStateStoreConfig, log logger.Logger) (*PostgresStateStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()
	if !validTableName.MatchString(cfg.Table) {
		return nil, validationError(fmt.Sprintf("invalid circuit table name %q", cfg.Table))
	}
	return &PostgresStateStore{db: db, log: log, config: cfg}, nil
}

const circuitColumns = "task_name, failure_type, state, consecutive_failures, opened_at, half_open_probes, updated_at, version"

func (s *PostgresStateStore) Load(ctx context.Context, key CircuitKey) (*CircuitState, error) {
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	opCtx, span := tracing.StartDatabaseSpan(opCtx, tracing.SpanOperationDBQuery,
		tracing.WithDBSystem("postgresql"), tracing.WithDBTable(s.config.Table))
	defer span.End()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE task_name=$1 AND failure_type=$2`, circuitColumns, s.config.Table)
	state, err := scanCircuitState(s.db.QueryRowContext(opCtx, query, key.TaskName, string(key.FailureType)))
	if errors.Is(err, sql.ErrNoRows) {
		tracing.RecordSuccess(span)
		return nil, ErrCircuitNotFound
	}
	if err != nil {
		tracing.RecordError(span, err)
		return nil, storeError("load circuit state", err)
	}
	tracing.RecordSuccess(span)
	return state, nil
}

func (s *PostgresStateStore) Save(ctx context.Context, state CircuitState) error {
	if err := state.Key().validate(); err != nil {
		return err
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	opCtx, span := tracing.StartDatabaseSpan(opCtx, tracing.SpanOperationDBUpdate,
		tracing.WithDBSystem("postgresql"), tracing.WithDBTable(s.config.Table))
	defer span.End()

	query := fmt.Sprintf(`
INSERT INTO %[1]s(%[2]s)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8::bigint + 1)
ON CONFLICT(task_name, failure_type) DO UPDATE
SET state = EXCLUDED.state,
    consecutive_failures = EXCLUDED.consecutive_failures,
    opened_at = EXCLUDED.opened_at,
    half_open_probes = EXCLUDED.half_open_probes,
    updated_at = EXCLUDED.updated_at,
    version = EXCLUDED.version
WHERE %[1]s.version = $8::bigint
`, s.config.Table, circuitColumns)

	var openedAt sql.NullTime
	if !state.OpenedAt.IsZero() {
		openedAt = sql.NullTime{Time: state.OpenedAt.UTC(), Valid: true}
	}
	result, err := s.db.ExecContext(opCtx, query,
		state.TaskName,
		string(state.FailureType),
		state.State.String(),
		state.ConsecutiveFailures,
		openedAt,
		state.HalfOpenProbes,
		state.UpdatedAt.UTC(),
		state.Version,
	)
	if err != nil {
		tracing.RecordError(span, err)
		return storeError("save circuit state", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		tracing.RecordError(span, err)
		return storeError("save circuit state", err)
	}
	if affected == 0 {
		err := conflictError(state.Key(), state.Version)
		tracing.RecordError(span, err)
		return err
	}
	tracing.RecordSuccess(span)
	return nil
}

func (s *PostgresStateStore) List(ctx context.Context) ([]CircuitState, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY task_name, failure_type`, circuitColumns, s.config.Table)
	return s.list(ctx, query)
}

func (s *PostgresStateStore) ListTask(ctx context.Context, taskName string) ([]CircuitState, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE task_name=$1 ORDER BY failure_type`, circuitColumns, s.config.Table)
	return s.list(ctx, query, taskName)
}

func (s *PostgresStateStore) list(ctx context.Context, query string, args ...any) ([]CircuitState, error) {
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	opCtx, span := tracing.StartDatabaseSpan(opCtx, tracing.SpanOperationDBQuery,
		tracing.WithDBSystem("postgresql"), tracing.WithDBTable(s.config.Table))
	defer span.End()

	rows, err := s.db.QueryContext(opCtx, query, args...)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, storeError("list circuit states", err)
	}
	defer rows.Close()

	out := []CircuitState{}
	for rows.Next() {
		state, err := scanCircuitState(rows)
		if err != nil {
			tracing.RecordError(span, err)
			return nil, storeError("scan circuit state", err)
		}
		out = append(out, *state)
	}
	if err := rows.Err(); err != nil {
		tracing.RecordError(span, err)
		return nil, storeError("list circuit states", err)
	}
	tracing.RecordSuccess(span)
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCircuitState(row rowScanner) (*CircuitState, error) {
	var (
		state       CircuitState
		failureType string
		stateName   string
		openedAt    sql.NullTime
	)
	if err := row.Scan(
		&state.TaskName,
		&failureType,
		&stateName,
		&state.ConsecutiveFailures,
		&openedAt,
		&state.HalfOpenProbes,
		&state.UpdatedAt,
		&state.Version,
	); err != nil {
		return nil, err
	}
	ft, err := classify.ParseFailureType(failureType)
	if err != nil {
		return nil, err
	}
	parsed, err := resilience.ParseState(stateName)
	if err != nil {
		return nil, err
	}
	state.FailureType = ft
	state.State = parsed
	if openedAt.Valid {
		state.OpenedAt = openedAt.Time
	}
	return &state, nil
}

func (s *PostgresStateStore) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.config.OperationTimeout)
}
