package idempotency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nimburion/taskguard/pkg/observability/logger"
	"github.com/nimburion/taskguard/pkg/resilience"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// failingBackend wraps a MemoryBackend and fails on demand.
type failingBackend struct {
	*MemoryBackend
	name    string
	failGet bool
	failPut bool
	gets    int
	puts    int
}

var errBackendDown = errors.New("backend down")

func newFailingBackend(name string, clock *testClock) *failingBackend {
	return &failingBackend{MemoryBackend: NewMemoryBackend(clock.Now), name: name}
}

func (f *failingBackend) Name() string { return f.name }

func (f *failingBackend) Get(ctx context.Context, key string) (*Record, error) {
	f.gets++
	if f.failGet {
		return nil, errBackendDown
	}
	return f.MemoryBackend.Get(ctx, key)
}

func (f *failingBackend) Put(ctx context.Context, record *Record) error {
	f.puts++
	if f.failPut {
		return errBackendDown
	}
	return f.MemoryBackend.Put(ctx, record)
}

func newTestDuplicateStore(t *testing.T, cache Backend, durable DurableBackend, clock *testClock) *DuplicateStore {
	t.Helper()
	store, err := NewDuplicateStore(cache, durable, logger.NewNop(), DuplicateStoreConfig{
		Now:   clock.Now,
		Retry: resilience.RetryConfig{Attempts: 2, Backoff: time.Millisecond},
	})
	if err != nil {
		t.Fatalf("new duplicate store: %v", err)
	}
	return store
}

func TestDuplicateStore_CheckUnseenKey(t *testing.T) {
	clock := newTestClock()
	store := newTestDuplicateStore(t, NewMemoryBackend(clock.Now), NewMemoryBackend(clock.Now), clock)

	record, err := store.Check(context.Background(), "tg:v1:x:abc")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if record != nil {
		t.Fatalf("expected no record, got %+v", record)
	}
}

func TestDuplicateStore_StoreThenCheckReturnsResult(t *testing.T) {
	clock := newTestClock()
	store := newTestDuplicateStore(t, NewMemoryBackend(clock.Now), NewMemoryBackend(clock.Now), clock)
	ctx := context.Background()

	ok, err := store.Store(ctx, Entry{Key: "k1", TaskName: "send_email", Result: []byte(`{"sent":true}`), TTL: time.Hour})
	if err != nil || !ok {
		t.Fatalf("store: ok=%v err=%v", ok, err)
	}

	record, err := store.Check(ctx, "k1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if record == nil || record.Status != StatusCompleted || string(record.Result) != `{"sent":true}` {
		t.Fatalf("unexpected record %+v", record)
	}
}

func TestDuplicateStore_StoreIsIdempotent(t *testing.T) {
	clock := newTestClock()
	durable := NewMemoryBackend(clock.Now)
	store := newTestDuplicateStore(t, nil, durable, clock)
	ctx := context.Background()

	if _, err := store.Store(ctx, Entry{Key: "k1", Result: []byte("first"), TTL: time.Hour}); err != nil {
		t.Fatalf("store: %v", err)
	}
	clock.Advance(time.Minute)
	if _, err := store.Store(ctx, Entry{Key: "k1", Result: []byte("second"), TTL: time.Hour}); err != nil {
		t.Fatalf("second store: %v", err)
	}

	record, err := store.Check(ctx, "k1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if string(record.Result) != "first" {
		t.Fatalf("expected first result to win, got %q", record.Result)
	}
}

func TestDuplicateStore_RecordExpiresAfterTTL(t *testing.T) {
	clock := newTestClock()
	store := newTestDuplicateStore(t, NewMemoryBackend(clock.Now), NewMemoryBackend(clock.Now), clock)
	ctx := context.Background()

	if _, err := store.Store(ctx, Entry{Key: "k1", TTL: time.Hour}); err != nil {
		t.Fatalf("store: %v", err)
	}
	clock.Advance(time.Hour)

	record, err := store.Check(ctx, "k1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if record != nil {
		t.Fatalf("expected expired record to be absent, got %+v", record)
	}

	if _, err := store.Store(ctx, Entry{Key: "k1", Result: []byte("again"), TTL: time.Hour}); err != nil {
		t.Fatalf("store after expiry: %v", err)
	}
	record, _ = store.Check(ctx, "k1")
	if record == nil || string(record.Result) != "again" {
		t.Fatalf("expected new result after expiry, got %+v", record)
	}
}

func TestDuplicateStore_CheckFallsBackWhenCacheFails(t *testing.T) {
	clock := newTestClock()
	cache := newFailingBackend("redis", clock)
	durable := NewMemoryBackend(clock.Now)
	store := newTestDuplicateStore(t, cache, durable, clock)
	ctx := context.Background()

	if _, err := store.Store(ctx, Entry{Key: "k1", TTL: time.Hour}); err != nil {
		t.Fatalf("store: %v", err)
	}
	cache.failGet = true

	record, err := store.Check(ctx, "k1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if record == nil || record.Status != StatusCompleted {
		t.Fatalf("expected durable record, got %+v", record)
	}
}

func TestDuplicateStore_CheckRepopulatesCache(t *testing.T) {
	clock := newTestClock()
	cache := NewMemoryBackend(clock.Now)
	durable := NewMemoryBackend(clock.Now)
	store := newTestDuplicateStore(t, cache, durable, clock)
	ctx := context.Background()

	now := clock.Now()
	if err := durable.Put(ctx, &Record{Key: "k1", Status: StatusCompleted, CreatedAt: now, UpdatedAt: now, ExpiresAt: now.Add(time.Hour)}); err != nil {
		t.Fatalf("seed durable: %v", err)
	}
	if _, err := store.Check(ctx, "k1"); err != nil {
		t.Fatalf("check: %v", err)
	}
	if _, err := cache.Get(ctx, "k1"); err != nil {
		t.Fatalf("expected cache to be repopulated, got %v", err)
	}
}

func TestDuplicateStore_CheckReturnsPendingRecord(t *testing.T) {
	clock := newTestClock()
	store := newTestDuplicateStore(t, nil, NewMemoryBackend(clock.Now), clock)
	ctx := context.Background()

	payload := []byte(`{"task":"charge","args":{"amount":10}}`)
	if err := store.MarkPending(ctx, Entry{Key: "k1", HolderID: "w1/run", Payload: payload, TTL: time.Hour}); err != nil {
		t.Fatalf("mark pending: %v", err)
	}
	record, err := store.Check(ctx, "k1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if record == nil || record.Status != StatusPending || record.HolderID != "w1/run" {
		t.Fatalf("unexpected record %+v", record)
	}
	if string(record.Payload) != string(payload) {
		t.Fatalf("expected pending payload to be kept, got %s", record.Payload)
	}

	if err := store.MarkFailed(ctx, Entry{Key: "k1", TTL: time.Hour}); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	record, _ = store.Check(ctx, "k1")
	if record.Status != StatusFailed {
		t.Fatalf("expected FAILED, got %s", record.Status)
	}
}

func TestDuplicateStore_CheckDurableFailureIsStorageUnavailable(t *testing.T) {
	clock := newTestClock()
	durable := newFailingBackend("postgres", clock)
	durable.failGet = true
	store := newTestDuplicateStore(t, nil, durable, clock)

	_, err := store.Check(context.Background(), "k1")
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("expected storage unavailable, got %v", err)
	}
	if !errors.Is(err, errBackendDown) {
		t.Fatalf("expected cause to be preserved, got %v", err)
	}
	if durable.gets != 2 {
		t.Fatalf("expected 2 attempts, got %d", durable.gets)
	}
}

func TestDuplicateStore_StoreSucceedsWhenOneTierAccepts(t *testing.T) {
	clock := newTestClock()
	cache := newFailingBackend("redis", clock)
	durable := newFailingBackend("postgres", clock)
	store := newTestDuplicateStore(t, cache, durable, clock)
	ctx := context.Background()

	cache.failPut = true
	if ok, err := store.Store(ctx, Entry{Key: "k1", TTL: time.Hour}); err != nil || !ok {
		t.Fatalf("expected durable-only write to succeed: ok=%v err=%v", ok, err)
	}

	cache.failPut = false
	durable.failPut = true
	if ok, err := store.Store(ctx, Entry{Key: "k2", TTL: time.Hour}); err != nil || !ok {
		t.Fatalf("expected cache-only write to succeed: ok=%v err=%v", ok, err)
	}

	cache.failPut = true
	ok, err := store.Store(ctx, Entry{Key: "k3", TTL: time.Hour})
	if ok || !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("expected storage unavailable when both tiers fail: ok=%v err=%v", ok, err)
	}
}

func TestDuplicateStore_RequiresKey(t *testing.T) {
	clock := newTestClock()
	store := newTestDuplicateStore(t, nil, NewMemoryBackend(clock.Now), clock)
	if _, err := store.Check(context.Background(), ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := store.Store(context.Background(), Entry{}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestNewDuplicateStore_RequiresDependencies(t *testing.T) {
	if _, err := NewDuplicateStore(nil, nil, logger.NewNop(), DuplicateStoreConfig{}); err == nil {
		t.Fatal("expected error for missing durable backend")
	}
	if _, err := NewDuplicateStore(nil, NewMemoryBackend(nil), nil, DuplicateStoreConfig{}); err == nil {
		t.Fatal("expected error for missing logger")
	}
}
