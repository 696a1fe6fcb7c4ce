package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/nimburion/taskguard/pkg/observability/logger"
)

var recordColumns = []string{"idempotency_key", "task_name", "scope", "status", "result", "payload", "holder_id", "created_at", "updated_at", "expires_at"}

func newTestPostgresStore(t *testing.T, clock *testClock) (*PostgresStore, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	store, err := NewPostgresStore(db, PostgresStoreConfig{OperationTimeout: time.Second, Now: clock.Now}, logger.NewNop())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store, mock, db
}

func TestPostgresStore_Get(t *testing.T) {
	clock := newTestClock()
	store, mock, db := newTestPostgresStore(t, clock)
	defer db.Close()

	now := clock.Now()
	mock.ExpectQuery("SELECT idempotency_key, task_name, scope, status, result, payload, holder_id, created_at, updated_at, expires_at FROM taskguard_idempotency_records WHERE idempotency_key = \\$1").
		WithArgs("k1").
		WillReturnRows(sqlmock.NewRows(recordColumns).
			AddRow("k1", "send_email", "GLOBAL", "COMPLETED", []byte(`{"ok":true}`), nil, "w1/abc", now, now, now.Add(time.Hour)))

	record, err := store.Get(context.Background(), "k1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if record.Status != StatusCompleted || record.TaskName != "send_email" || string(record.Result) != `{"ok":true}` {
		t.Fatalf("unexpected record %+v", record)
	}
	if !record.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("unexpected expiry %v", record.ExpiresAt)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresStore_GetNotFound(t *testing.T) {
	clock := newTestClock()
	store, mock, db := newTestPostgresStore(t, clock)
	defer db.Close()

	mock.ExpectQuery("SELECT .* FROM taskguard_idempotency_records").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPostgresStore_PutUpsertsUnlessCompleted(t *testing.T) {
	clock := newTestClock()
	store, mock, db := newTestPostgresStore(t, clock)
	defer db.Close()

	now := clock.Now()
	mock.ExpectExec("INSERT INTO taskguard_idempotency_records .* ON CONFLICT \\(idempotency_key\\) DO UPDATE .* WHERE NOT \\(taskguard_idempotency_records.status = 'COMPLETED'").
		WithArgs("k1", "send_email", "PER_USER", "PENDING", sqlmock.AnyArg(), []byte(`{"task":"send_email"}`), "w1/abc", now, now, now.Add(time.Hour)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Put(context.Background(), &Record{
		Key:       "k1",
		TaskName:  "send_email",
		Scope:     ScopePerUser,
		Status:    StatusPending,
		Payload:   []byte(`{"task":"send_email"}`),
		HolderID:  "w1/abc",
		ExpiresAt: now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresStore_PutRejectsInvalidRecord(t *testing.T) {
	clock := newTestClock()
	store, _, db := newTestPostgresStore(t, clock)
	defer db.Close()

	if err := store.Put(context.Background(), &Record{Key: "k1", Status: StatusCompleted}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestPostgresStore_ListStalePending(t *testing.T) {
	clock := newTestClock()
	store, mock, db := newTestPostgresStore(t, clock)
	defer db.Close()

	now := clock.Now()
	olderThan := now.Add(-10 * time.Minute)
	mock.ExpectQuery("SELECT .* FROM taskguard_idempotency_records WHERE status = 'PENDING' AND updated_at < \\$1 ORDER BY updated_at ASC LIMIT \\$2").
		WithArgs(olderThan, 100).
		WillReturnRows(sqlmock.NewRows(recordColumns).
			AddRow("k1", "a", "GLOBAL", "PENDING", nil, []byte(`{"task":"a"}`), "w1/x", now.Add(-time.Hour), now.Add(-time.Hour), now.Add(time.Hour)).
			AddRow("k2", "b", "GLOBAL", "PENDING", nil, nil, nil, now.Add(-time.Hour), now.Add(-30*time.Minute), now.Add(time.Hour)))

	records, err := store.ListStalePending(context.Background(), olderThan, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 2 || records[0].Key != "k1" || records[1].HolderID != "" || string(records[0].Payload) != `{"task":"a"}` {
		t.Fatalf("unexpected records %+v", records)
	}
}

func TestPostgresStore_PurgeExpired(t *testing.T) {
	clock := newTestClock()
	store, mock, db := newTestPostgresStore(t, clock)
	defer db.Close()

	before := clock.Now()
	mock.ExpectExec("DELETE FROM taskguard_idempotency_records WHERE idempotency_key IN \\(SELECT idempotency_key FROM taskguard_idempotency_records WHERE status <> 'PENDING' AND expires_at <= \\$1 LIMIT \\$2\\)").
		WithArgs(before, 50).
		WillReturnResult(sqlmock.NewResult(0, 7))

	deleted, err := store.PurgeExpired(context.Background(), before, 50)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if deleted != 7 {
		t.Fatalf("expected 7 deleted, got %d", deleted)
	}
}

func TestNewPostgresStore_RejectsInvalidTable(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	if _, err := NewPostgresStore(db, PostgresStoreConfig{Table: "records; DROP TABLE x"}, logger.NewNop()); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
