package migrate

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/nimburion/taskguard/pkg/lock"
	"github.com/nimburion/taskguard/pkg/observability/logger"
	"github.com/nimburion/taskguard/pkg/testutil"
)

// TestManager_Integration applies the embedded schema to a real database and
// checks the lock table it creates is usable.
func TestManager_Integration(t *testing.T) {
	testutil.SkipIfShort(t)

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx,
		"postgres:17-alpine",
		tcpostgres.WithDatabase("taskguard"),
		tcpostgres.WithUsername("taskguard"),
		tcpostgres.WithPassword("taskguard"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	defer func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("terminate container: %v", err)
		}
	}()

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	manager, err := NewManager(db, logger.NewNop())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	total := len(manager.Migrations())

	applied, err := manager.Up(ctx)
	if err != nil {
		t.Fatalf("up: %v", err)
	}
	if applied != total {
		t.Fatalf("expected %d applied migrations, got %d", total, applied)
	}
	if again, err := manager.Up(ctx); err != nil || again != 0 {
		t.Fatalf("second up must be a no-op, got %d %v", again, err)
	}

	status, err := manager.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(status.Applied) != total || len(status.Pending) != 0 {
		t.Fatalf("unexpected status %+v", status)
	}

	t.Run("LockTableIsUsable", func(t *testing.T) {
		provider, err := lock.NewPostgresProvider(db, lock.PostgresProviderConfig{}, logger.NewNop())
		if err != nil {
			t.Fatalf("new provider: %v", err)
		}
		if acquired, err := provider.Acquire(ctx, "integration", time.Minute, "a"); err != nil || !acquired {
			t.Fatalf("acquire: %v %v", acquired, err)
		}
		if acquired, _ := provider.Acquire(ctx, "integration", time.Minute, "b"); acquired {
			t.Fatal("second holder must not acquire")
		}
		if released, err := provider.Release(ctx, "integration", "a"); err != nil || !released {
			t.Fatalf("release: %v %v", released, err)
		}
	})

	rolledBack, err := manager.Down(ctx, total)
	if err != nil {
		t.Fatalf("down: %v", err)
	}
	if rolledBack != total {
		t.Fatalf("expected %d rolled back migrations, got %d", total, rolledBack)
	}
	status, err = manager.Status(ctx)
	if err != nil {
		t.Fatalf("status after down: %v", err)
	}
	if len(status.Applied) != 0 || len(status.Pending) != total {
		t.Fatalf("unexpected status after down %+v", status)
	}
}
