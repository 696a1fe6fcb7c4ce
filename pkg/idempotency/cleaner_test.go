package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/nimburion/taskguard/pkg/observability/logger"
)

func TestExpiredRecordsCleaner_SweepPurgesInBatches(t *testing.T) {
	clock := newTestClock()
	backend := NewMemoryBackend(clock.Now)
	ctx := context.Background()
	now := clock.Now()

	for _, key := range []string{"a", "b", "c"} {
		if err := backend.Put(ctx, &Record{Key: key, Status: StatusCompleted, ExpiresAt: now.Add(time.Minute)}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	if err := backend.Put(ctx, &Record{Key: "live", Status: StatusCompleted, ExpiresAt: now.Add(48 * time.Hour)}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := backend.Put(ctx, &Record{Key: "pending", Status: StatusPending, ExpiresAt: now.Add(time.Minute)}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	clock.Advance(2 * time.Hour)
	cleaner, err := NewExpiredRecordsCleaner(backend, logger.NewNop(), ExpiredRecordsCleanerConfig{
		GracePeriod: time.Hour,
		BatchSize:   2,
		Now:         clock.Now,
	})
	if err != nil {
		t.Fatalf("new cleaner: %v", err)
	}

	deleted, err := cleaner.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if deleted != 3 {
		t.Fatalf("expected 3 deleted, got %d", deleted)
	}
	if _, err := backend.Get(ctx, "live"); err != nil {
		t.Fatalf("live record should remain: %v", err)
	}
	if _, err := backend.Get(ctx, "pending"); err != nil {
		t.Fatalf("pending record is left for reconciliation: %v", err)
	}
}

func TestExpiredRecordsCleaner_GracePeriodDelaysPurge(t *testing.T) {
	clock := newTestClock()
	backend := NewMemoryBackend(clock.Now)
	ctx := context.Background()
	if err := backend.Put(ctx, &Record{Key: "a", Status: StatusFailed, ExpiresAt: clock.Now()}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	cleaner, _ := NewExpiredRecordsCleaner(backend, logger.NewNop(), ExpiredRecordsCleanerConfig{GracePeriod: time.Hour, Now: clock.Now})
	if deleted, _ := cleaner.Sweep(ctx); deleted != 0 {
		t.Fatalf("expected grace period to keep the record, deleted %d", deleted)
	}
	clock.Advance(time.Hour)
	if deleted, _ := cleaner.Sweep(ctx); deleted != 1 {
		t.Fatalf("expected record purged after grace period, deleted %d", deleted)
	}
}

func TestExpiredRecordsCleaner_RunStopsOnCancel(t *testing.T) {
	cleaner, err := NewExpiredRecordsCleaner(NewMemoryBackend(nil), logger.NewNop(), ExpiredRecordsCleanerConfig{CleanupEvery: time.Millisecond})
	if err != nil {
		t.Fatalf("new cleaner: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := cleaner.Run(ctx); err != context.DeadlineExceeded {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestNewExpiredRecordsCleaner_RequiresStore(t *testing.T) {
	if _, err := NewExpiredRecordsCleaner(nil, logger.NewNop(), ExpiredRecordsCleanerConfig{}); err == nil {
		t.Fatal("expected error")
	}
}
