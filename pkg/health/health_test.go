package health

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

type fakeBackend struct {
	err   error
	delay time.Duration
}

func (f fakeBackend) HealthCheck(ctx context.Context) error {
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.delay):
		}
	}
	return f.err
}

func TestAdapterChecker(t *testing.T) {
	healthy := NewAdapterChecker("cache", fakeBackend{}, time.Second).Check(context.Background())
	if healthy.Status != StatusHealthy || healthy.Name != "cache" {
		t.Fatalf("unexpected result: %+v", healthy)
	}

	failing := NewAdapterChecker("cache", fakeBackend{err: errors.New("connection refused")}, time.Second).Check(context.Background())
	if failing.Status != StatusUnhealthy || failing.Error != "connection refused" {
		t.Fatalf("unexpected result: %+v", failing)
	}

	slow := NewAdapterChecker("cache", fakeBackend{delay: time.Second}, 10*time.Millisecond).Check(context.Background())
	if slow.Status != StatusUnhealthy {
		t.Fatalf("expected timeout to be unhealthy, got %+v", slow)
	}

	missing := NewAdapterChecker("cache", nil, time.Second).Check(context.Background())
	if missing.Status != StatusUnhealthy {
		t.Fatalf("expected missing backend to be unhealthy, got %+v", missing)
	}
}

func TestOptionalChecker(t *testing.T) {
	result := NewOptionalChecker("cache", CheckFunc(func(context.Context) error {
		return errors.New("down")
	}), time.Second).Check(context.Background())
	if result.Status != StatusDegraded || result.Error != "down" {
		t.Fatalf("expected degraded, got %+v", result)
	}
}

func TestTieredChecker(t *testing.T) {
	down := fakeBackend{err: errors.New("down")}
	cases := []struct {
		name     string
		primary  Checkable
		fallback Checkable
		want     Status
	}{
		{name: "primary healthy", primary: fakeBackend{}, fallback: down, want: StatusHealthy},
		{name: "fallback serving", primary: down, fallback: fakeBackend{}, want: StatusDegraded},
		{name: "both down", primary: down, fallback: down, want: StatusUnhealthy},
		{name: "no fallback", primary: down, want: StatusUnhealthy},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := NewTieredChecker("locks", tc.primary, tc.fallback, time.Second).Check(context.Background())
			if result.Status != tc.want {
				t.Fatalf("expected %s, got %+v", tc.want, result)
			}
		})
	}
}

func TestRegistry_AggregatesWorstStatus(t *testing.T) {
	registry := NewRegistry()
	registry.Register(NewAdapterChecker("durable", fakeBackend{}, time.Second))
	registry.Register(NewTieredChecker("locks", fakeBackend{err: errors.New("down")}, fakeBackend{}, time.Second))
	registry.Register(nil)

	result := registry.Check(context.Background())
	if result.Status != StatusDegraded || result.IsHealthy() || !result.IsServing() {
		t.Fatalf("expected degraded, got %s", result.Status)
	}
	if len(result.Checks) != 2 || result.Checks[0].Name != "durable" || result.Checks[1].Name != "locks" {
		t.Fatalf("expected checks ordered by name, got %+v", result.Checks)
	}

	registry.Register(NewAdapterChecker("jobs", fakeBackend{err: errors.New("down")}, time.Second))
	if result := registry.Check(context.Background()); result.Status != StatusUnhealthy || result.IsServing() {
		t.Fatalf("expected unhealthy, got %s", result.Status)
	}
	if names := registry.List(); !reflect.DeepEqual(names, []string{"durable", "jobs", "locks"}) {
		t.Fatalf("unexpected names %v", names)
	}
}
