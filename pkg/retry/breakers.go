package retry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nimburion/taskguard/pkg/observability/logger"
	"github.com/nimburion/taskguard/pkg/observability/metrics"
	"github.com/nimburion/taskguard/pkg/resilience"
)

const maxStateWriteAttempts = 3

type breakerEntry struct {
	cb        *resilience.CircuitBreaker
	threshold int
	openFor   time.Duration
	loadedAt  time.Time
	// version is the store version the breaker state was loaded at.
	version int64
}

// breakerRegistry caches breakers in process. The state store is the authority;
// entries are reloaded after cacheTTL and every transition is written through.
type breakerRegistry struct {
	store    StateStore
	log      logger.Logger
	metrics  *metrics.GuardMetrics
	now      func() time.Time
	cacheTTL time.Duration
	probes   int
	policy   func(CircuitKey) Policy

	mu       sync.Mutex
	breakers map[CircuitKey]*breakerEntry
	tasks    map[string]time.Time
	writes   map[CircuitKey]*sync.Mutex
}

func newBreakerRegistry(store StateStore, log logger.Logger, m *metrics.GuardMetrics, now func() time.Time, cacheTTL time.Duration, probes int, policy func(CircuitKey) Policy) *breakerRegistry {
	return &breakerRegistry{
		store:    store,
		log:      log,
		metrics:  m,
		now:      now,
		cacheTTL: cacheTTL,
		probes:   probes,
		policy:   policy,
		breakers: map[CircuitKey]*breakerEntry{},
		tasks:    map[string]time.Time{},
		writes:   map[CircuitKey]*sync.Mutex{},
	}
}

// get returns the breaker for key, reloading it from the store when the cached
// entry is stale or its policy changed.
func (r *breakerRegistry) get(ctx context.Context, key CircuitKey) *resilience.CircuitBreaker {
	return r.entry(ctx, key, false).cb
}

func (r *breakerRegistry) entry(ctx context.Context, key CircuitKey, reload bool) *breakerEntry {
	policy := r.policy(key)
	now := r.now()

	r.mu.Lock()
	entry := r.breakers[key]
	if !reload && entry != nil && entry.matches(policy) && now.Sub(entry.loadedAt) < r.cacheTTL {
		r.mu.Unlock()
		return entry
	}
	r.mu.Unlock()

	persisted, err := r.store.Load(ctx, key)
	switch {
	case err == nil:
		return r.install(key, policy, persisted.Snapshot(), persisted.Version, now)
	case errors.Is(err, ErrCircuitNotFound):
		if entry != nil {
			return r.install(key, policy, entry.cb.Snapshot(), 0, now)
		}
		return r.install(key, policy, resilience.Snapshot{State: resilience.StateClosed}, 0, now)
	default:
		r.log.Warn("circuit state load failed, using cached state", "circuit", key.String(), "error", err)
		if entry != nil {
			return r.install(key, policy, entry.cb.Snapshot(), entry.version, now)
		}
		return r.install(key, policy, resilience.Snapshot{State: resilience.StateClosed}, 0, now)
	}
}

func (e *breakerEntry) matches(p Policy) bool {
	return e.threshold == p.CircuitFailureThreshold && e.openFor == p.CircuitOpenDuration
}

func (r *breakerRegistry) install(key CircuitKey, policy Policy, snap resilience.Snapshot, version int64, now time.Time) *breakerEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry := r.breakers[key]; entry != nil && entry.matches(policy) {
		entry.cb.Restore(snap)
		entry.loadedAt = now
		entry.version = version
		return entry
	}
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		FailureThreshold:  policy.CircuitFailureThreshold,
		OpenDuration:      policy.CircuitOpenDuration,
		HalfOpenMaxProbes: r.probes,
		Now:               r.now,
		OnStateChange: func(from, to resilience.State) {
			r.metrics.ObserveCircuitTransition(key.TaskName, string(key.FailureType), to.String())
			r.log.Info("circuit state changed",
				"task", key.TaskName,
				"failure_type", string(key.FailureType),
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	cb.Restore(snap)
	entry := &breakerEntry{
		cb:        cb,
		threshold: policy.CircuitFailureThreshold,
		openFor:   policy.CircuitOpenDuration,
		loadedAt:  now,
		version:   version,
	}
	r.breakers[key] = entry
	return entry
}

// forTask returns every breaker known for a task, refreshing the task listing
// from the store once per cacheTTL.
func (r *breakerRegistry) forTask(ctx context.Context, taskName string) map[CircuitKey]*resilience.CircuitBreaker {
	now := r.now()

	r.mu.Lock()
	loadedAt, listed := r.tasks[taskName]
	r.mu.Unlock()

	if !listed || now.Sub(loadedAt) >= r.cacheTTL {
		states, err := r.store.ListTask(ctx, taskName)
		if err != nil {
			r.log.Warn("circuit state listing failed, using cached state", "task", taskName, "error", err)
		} else {
			for _, state := range states {
				key := state.Key()
				r.install(key, r.policy(key), state.Snapshot(), state.Version, now)
			}
		}
		r.mu.Lock()
		r.tasks[taskName] = now
		r.mu.Unlock()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[CircuitKey]*resilience.CircuitBreaker{}
	for key, entry := range r.breakers {
		if key.TaskName == taskName {
			out[key] = entry.cb
		}
	}
	return out
}

// apply runs op on the breaker of key and writes a changed state through with
// the version it was loaded at. When another process wrote the breaker in the
// meantime the write is refused, so the state is reloaded and op runs again on
// the fresh state. Store failures only degrade cross-process visibility and
// are logged.
func (r *breakerRegistry) apply(ctx context.Context, key CircuitKey, op func(*resilience.CircuitBreaker) bool) (bool, error) {
	write := r.writeLock(key)
	write.Lock()
	defer write.Unlock()

	entry := r.entry(ctx, key, false)
	for attempt := 1; ; attempt++ {
		before := entry.cb.Snapshot()
		result := op(entry.cb)
		after := entry.cb.Snapshot()
		if after == before {
			return result, nil
		}
		r.mu.Lock()
		loaded := entry.version
		r.mu.Unlock()
		version, err := r.save(ctx, key, after, loaded)
		switch {
		case err == nil:
			r.mu.Lock()
			entry.version = version
			r.mu.Unlock()
			return result, nil
		case errors.Is(err, ErrCircuitConflict) && attempt < maxStateWriteAttempts:
			r.log.Debug("circuit state changed concurrently, reloading", "circuit", key.String())
			entry = r.entry(ctx, key, true)
		default:
			r.log.Warn("circuit state save failed", "circuit", key.String(), "error", err)
			r.metrics.ObserveStorageDegraded("circuit", "state_store")
			return result, err
		}
	}
}

func (r *breakerRegistry) writeLock(key CircuitKey) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	write, ok := r.writes[key]
	if !ok {
		write = &sync.Mutex{}
		r.writes[key] = write
	}
	return write
}

func (r *breakerRegistry) save(ctx context.Context, key CircuitKey, snap resilience.Snapshot, version int64) (int64, error) {
	state := stateFromSnapshot(key, snap, r.now())
	state.Version = version
	if err := r.store.Save(ctx, state); err != nil {
		return version, err
	}
	return version + 1, nil
}
