package lock

import (
	"context"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/nimburion/taskguard/pkg/observability/logger"
	"github.com/nimburion/taskguard/pkg/testutil"
)

func TestRedisProvider_Integration(t *testing.T) {
	testutil.SkipIfShort(t)

	ctx := context.Background()
	container, err := tcredis.Run(ctx,
		"redis:7-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start redis container: %v", err)
	}
	defer func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("terminate container: %v", err)
		}
	}()

	connStr, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	opts, err := goredis.ParseURL(connStr)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	client := goredis.NewClient(opts)
	defer client.Close()

	provider, err := NewRedisProvider(client, RedisProviderConfig{}, logger.NewNop())
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	t.Run("ExclusiveUntilRelease", func(t *testing.T) {
		if acquired, err := provider.Acquire(ctx, "exclusive", time.Minute, "a"); err != nil || !acquired {
			t.Fatalf("acquire: %v %v", acquired, err)
		}
		if acquired, _ := provider.Acquire(ctx, "exclusive", time.Minute, "b"); acquired {
			t.Fatal("second holder must not acquire")
		}
		if released, _ := provider.Release(ctx, "exclusive", "b"); released {
			t.Fatal("non-holder must not release")
		}
		if released, err := provider.Release(ctx, "exclusive", "a"); err != nil || !released {
			t.Fatalf("release: %v %v", released, err)
		}
		if acquired, _ := provider.Acquire(ctx, "exclusive", time.Minute, "b"); !acquired {
			t.Fatal("lock should be free after release")
		}
	})

	t.Run("SameHolderReacquires", func(t *testing.T) {
		if acquired, _ := provider.Acquire(ctx, "reentrant", time.Second, "a"); !acquired {
			t.Fatal("acquire")
		}
		if acquired, err := provider.Acquire(ctx, "reentrant", time.Minute, "a"); err != nil || !acquired {
			t.Fatalf("holder reacquire: %v %v", acquired, err)
		}
		if ttl := client.PTTL(ctx, "taskguard:lock:reentrant").Val(); ttl <= time.Second {
			t.Fatalf("expected the lease to be extended, got %v", ttl)
		}
		if acquired, _ := provider.Acquire(ctx, "reentrant", time.Minute, "b"); acquired {
			t.Fatal("another holder must not acquire")
		}
	})

	t.Run("ExpiresWithoutRelease", func(t *testing.T) {
		if acquired, _ := provider.Acquire(ctx, "crashed", 200*time.Millisecond, "a"); !acquired {
			t.Fatal("acquire")
		}
		time.Sleep(300 * time.Millisecond)
		if acquired, err := provider.Acquire(ctx, "crashed", time.Minute, "b"); err != nil || !acquired {
			t.Fatalf("acquire after expiry: %v %v", acquired, err)
		}
	})

	t.Run("Renew", func(t *testing.T) {
		if acquired, _ := provider.Acquire(ctx, "renew", time.Second, "a"); !acquired {
			t.Fatal("acquire")
		}
		if renewed, err := provider.Renew(ctx, "renew", time.Minute, "a"); err != nil || !renewed {
			t.Fatalf("renew: %v %v", renewed, err)
		}
		if renewed, _ := provider.Renew(ctx, "renew", time.Minute, "b"); renewed {
			t.Fatal("non-holder must not renew")
		}
	})
}
