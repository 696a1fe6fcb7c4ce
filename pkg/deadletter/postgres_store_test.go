package deadletter

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/nimburion/taskguard/pkg/classify"
	"github.com/nimburion/taskguard/pkg/idempotency"
	"github.com/nimburion/taskguard/pkg/observability/logger"
	"github.com/nimburion/taskguard/pkg/retry"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	store, err := NewPostgresStore(db, PostgresStoreConfig{}, logger.NewNop())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store, mock, db
}

var entryRowColumns = []string{
	"id", "task_name", "args", "scope_kind", "scope_subject", "idempotency_key", "priority",
	"failure_history", "last_failure_type", "attempts", "reason", "status", "replay_count",
	"resolution", "created_at", "updated_at", "resolved_at",
}

func testEntry(now time.Time) *Entry {
	return &Entry{
		ID:             "dl-1",
		TaskName:       "charge",
		Args:           json.RawMessage(`{"id":42}`),
		Scope:          idempotency.GlobalScope(),
		IdempotencyKey: "taskguard:charge:abc",
		Priority:       retry.PriorityNormal,
		FailureHistory: []classify.Classification{validationFailure()},
		Attempts:       1,
		Reason:         "not retryable",
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestPostgresStore_InsertWritesEntryAndAudit(t *testing.T) {
	store, mock, db := newMockStore(t)
	defer db.Close()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	entry := testEntry(now)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO taskguard_dead_letters").
		WithArgs("dl-1", "charge", sqlmock.AnyArg(), "GLOBAL", "", "taskguard:charge:abc", "NORMAL",
			sqlmock.AnyArg(), "PERMANENT_VALIDATION", 1, "not retryable", "PENDING", 0, "", now, now, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO taskguard_dead_letter_audit").
		WithArgs("dl-1", "enqueue", "system", "not retryable", now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := store.Insert(context.Background(), entry, AuditEvent{EntryID: "dl-1", Action: ActionEnqueue, Actor: "system", Detail: "not retryable", At: now})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresStore_InsertRollsBackOnAuditFailure(t *testing.T) {
	store, mock, db := newMockStore(t)
	defer db.Close()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO taskguard_dead_letters").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO taskguard_dead_letter_audit").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := store.Insert(context.Background(), testEntry(now), AuditEvent{EntryID: "dl-1", Action: ActionEnqueue, At: now})
	if !errors.Is(err, ErrStore) {
		t.Fatalf("expected store error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresStore_UpdateDetectsConcurrentModification(t *testing.T) {
	store, mock, db := newMockStore(t)
	defer db.Close()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	entry := testEntry(now)
	entry.Status = StatusRetrying

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE taskguard_dead_letters").
		WithArgs("dl-1", sqlmock.AnyArg(), "PERMANENT_VALIDATION", 1, "not retryable", "RETRYING", 0, "", now, nil, "PENDING").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.Update(context.Background(), entry, StatusPending, AuditEvent{EntryID: "dl-1", Action: ActionRetry, At: now})
	if !errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("expected concurrent modification, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresStore_Get(t *testing.T) {
	store, mock, db := newMockStore(t)
	defer db.Close()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	history, _ := json.Marshal([]classify.Classification{validationFailure()})
	mock.ExpectQuery("SELECT (.+) FROM taskguard_dead_letters WHERE id=\\$1").
		WithArgs("dl-1").
		WillReturnRows(sqlmock.NewRows(entryRowColumns).AddRow(
			"dl-1", "charge", []byte(`{"id":42}`), "PER_TENANT", "acme", "k", "LOW",
			history, "PERMANENT_VALIDATION", 1, "not retryable", "ABANDONED", 0,
			"duplicate", now, now, now,
		))

	entry, err := store.Get(context.Background(), "dl-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if entry.Scope.Kind != idempotency.ScopePerTenant || entry.Status != StatusAbandoned || entry.Priority != retry.PriorityLow {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if len(entry.FailureHistory) != 1 || entry.LastFailureType() != classify.PermanentValidation || !entry.ResolvedAt.Equal(now) {
		t.Fatalf("unexpected history: %+v", entry)
	}
}

func TestPostgresStore_GetNotFound(t *testing.T) {
	store, mock, db := newMockStore(t)
	defer db.Close()

	mock.ExpectQuery("FROM taskguard_dead_letters WHERE id=\\$1").WillReturnRows(sqlmock.NewRows(entryRowColumns))
	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPostgresStore_ListBuildsFilter(t *testing.T) {
	store, mock, db := newMockStore(t)
	defer db.Close()

	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("WHERE task_name=\\$1 AND last_failure_type=\\$2 AND status=\\$3 AND created_at >= \\$4 ORDER BY created_at DESC, id LIMIT \\$5").
		WithArgs("charge", "TRANSIENT_NETWORK", "PENDING", since, 10).
		WillReturnRows(sqlmock.NewRows(entryRowColumns))

	entries, err := store.List(context.Background(), Filter{
		TaskName:    "charge",
		FailureType: classify.TransientNetwork,
		Status:      StatusPending,
		Since:       since,
		Limit:       10,
	})
	if err != nil || len(entries) != 0 {
		t.Fatalf("list: %v %+v", err, entries)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresStore_ListDefaultLimit(t *testing.T) {
	store, mock, db := newMockStore(t)
	defer db.Close()

	mock.ExpectQuery("FROM taskguard_dead_letters ORDER BY created_at DESC, id LIMIT \\$1").
		WithArgs(100).
		WillReturnRows(sqlmock.NewRows(entryRowColumns))
	if _, err := store.List(context.Background(), Filter{}); err != nil {
		t.Fatalf("list: %v", err)
	}
}

func TestPostgresStore_Audit(t *testing.T) {
	store, mock, db := newMockStore(t)
	defer db.Close()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT entry_id, action, actor, detail, created_at FROM taskguard_dead_letter_audit").
		WithArgs("dl-1").
		WillReturnRows(sqlmock.NewRows([]string{"entry_id", "action", "actor", "detail", "created_at"}).
			AddRow("dl-1", "enqueue", "system", "not retryable", now).
			AddRow("dl-1", "abandon", "alice", "duplicate", now.Add(time.Minute)))

	events, err := store.Audit(context.Background(), "dl-1")
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(events) != 2 || events[1].Action != ActionAbandon || events[1].Actor != "alice" {
		t.Fatalf("unexpected events: %+v", events)
	}
}
