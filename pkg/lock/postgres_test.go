package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/nimburion/taskguard/pkg/observability/logger"
)

func TestPostgresProvider_Acquire(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	provider, err := NewPostgresProvider(db, PostgresProviderConfig{OperationTimeout: time.Second}, logger.NewNop())
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	mock.ExpectQuery("(?s)WHERE taskguard_locks.expires_at <= NOW\\(\\) OR taskguard_locks.holder_id = EXCLUDED.holder_id.*SELECT EXISTS\\(SELECT 1 FROM upsert\\)").
		WithArgs("K", "worker-a", int64(30000)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("SELECT EXISTS\\(SELECT 1 FROM upsert\\)").
		WithArgs("K", "worker-b", int64(30000)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	acquired, err := provider.Acquire(context.Background(), "K", 30*time.Second, "worker-a")
	if err != nil || !acquired {
		t.Fatalf("acquire: %v %v", acquired, err)
	}
	acquired, err = provider.Acquire(context.Background(), "K", 30*time.Second, "worker-b")
	if err != nil || acquired {
		t.Fatalf("second acquire: %v %v", acquired, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresProvider_RenewAndRelease(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	provider, err := NewPostgresProvider(db, PostgresProviderConfig{}, logger.NewNop())
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	mock.ExpectExec("UPDATE taskguard_locks SET expires_at = NOW\\(\\) \\+ \\(\\$3 \\* INTERVAL '1 millisecond'\\) WHERE lock_key=\\$1 AND holder_id=\\$2 AND expires_at > NOW\\(\\)").
		WithArgs("K", "worker-a", int64(1000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if renewed, err := provider.Renew(context.Background(), "K", time.Second, "worker-a"); err != nil || !renewed {
		t.Fatalf("renew: %v %v", renewed, err)
	}

	mock.ExpectExec("DELETE FROM taskguard_locks WHERE lock_key=\\$1 AND holder_id=\\$2").
		WithArgs("K", "worker-b").
		WillReturnResult(sqlmock.NewResult(0, 0))
	if released, err := provider.Release(context.Background(), "K", "worker-b"); err != nil || released {
		t.Fatalf("release by non-holder: %v %v", released, err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresProvider_AcquireErrorIsUnavailable(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	provider, _ := NewPostgresProvider(db, PostgresProviderConfig{}, logger.NewNop())
	mock.ExpectQuery("SELECT EXISTS").WillReturnError(errors.New("connection reset"))

	if _, err := provider.Acquire(context.Background(), "K", time.Second, "a"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestNewPostgresProvider_RejectsInvalidTable(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()
	if _, err := NewPostgresProvider(db, PostgresProviderConfig{Table: "bad-name"}, logger.NewNop()); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
