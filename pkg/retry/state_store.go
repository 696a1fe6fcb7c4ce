package retry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nimburion/taskguard/pkg/classify"
	"github.com/nimburion/taskguard/pkg/resilience"
)

// CircuitKey identifies one breaker.
type CircuitKey struct {
	TaskName    string
	FailureType classify.FailureType
}

func (k CircuitKey) String() string {
	return k.TaskName + "/" + string(k.FailureType)
}

func (k CircuitKey) validate() error {
	if strings.TrimSpace(k.TaskName) == "" {
		return validationError("task name is required")
	}
	if _, err := classify.ParseFailureType(string(k.FailureType)); err != nil {
		return validationError(err.Error())
	}
	return nil
}

// CircuitState is the persisted state of one breaker.
type CircuitState struct {
	TaskName            string               `json:"task_name"`
	FailureType         classify.FailureType `json:"failure_type"`
	State               resilience.State     `json:"state"`
	ConsecutiveFailures int                  `json:"consecutive_failures"`
	OpenedAt            time.Time            `json:"opened_at,omitzero"`
	HalfOpenProbes      int                  `json:"half_open_probes"`
	UpdatedAt           time.Time            `json:"updated_at"`
	// Version counts saves. Save only succeeds when it matches the stored
	// version, and a new state starts at zero.
	Version int64 `json:"version"`
}

// Key returns the breaker key of the state.
func (s CircuitState) Key() CircuitKey {
	return CircuitKey{TaskName: s.TaskName, FailureType: s.FailureType}
}

// Snapshot converts the state into a breaker snapshot.
func (s CircuitState) Snapshot() resilience.Snapshot {
	return resilience.Snapshot{
		State:               s.State,
		ConsecutiveFailures: s.ConsecutiveFailures,
		OpenedAt:            s.OpenedAt,
		HalfOpenProbes:      s.HalfOpenProbes,
	}
}

func stateFromSnapshot(key CircuitKey, snap resilience.Snapshot, now time.Time) CircuitState {
	return CircuitState{
		TaskName:            key.TaskName,
		FailureType:         key.FailureType,
		State:               snap.State,
		ConsecutiveFailures: snap.ConsecutiveFailures,
		OpenedAt:            snap.OpenedAt,
		HalfOpenProbes:      snap.HalfOpenProbes,
		UpdatedAt:           now,
	}
}

// StateStore persists breaker state across processes and restarts.
type StateStore interface {
	// Load returns ErrCircuitNotFound when no state was persisted for key.
	Load(ctx context.Context, key CircuitKey) (*CircuitState, error)
	// Save writes state when state.Version equals the stored version and bumps
	// it. Otherwise it returns ErrCircuitConflict and leaves the store as is.
	Save(ctx context.Context, state CircuitState) error
	List(ctx context.Context) ([]CircuitState, error)
	ListTask(ctx context.Context, taskName string) ([]CircuitState, error)
}

// MemoryStateStore is a process-local StateStore.
type MemoryStateStore struct {
	mu     sync.RWMutex
	states map[CircuitKey]CircuitState
}

// NewMemoryStateStore creates an empty store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: map[CircuitKey]CircuitState{}}
}

func (s *MemoryStateStore) Load(_ context.Context, key CircuitKey) (*CircuitState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[key]
	if !ok {
		return nil, ErrCircuitNotFound
	}
	return &state, nil
}

func (s *MemoryStateStore) Save(_ context.Context, state CircuitState) error {
	if err := state.Key().validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if current := s.states[state.Key()]; current.Version != state.Version {
		return conflictError(state.Key(), state.Version)
	}
	state.Version++
	s.states[state.Key()] = state
	return nil
}

func (s *MemoryStateStore) List(_ context.Context) ([]CircuitState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]CircuitState, 0, len(s.states))
	for _, state := range s.states {
		out = append(out, state)
	}
	sortStates(out)
	return out, nil
}

func (s *MemoryStateStore) ListTask(_ context.Context, taskName string) ([]CircuitState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []CircuitState{}
	for key, state := range s.states {
		if key.TaskName == taskName {
			out = append(out, state)
		}
	}
	sortStates(out)
	return out, nil
}

func sortStates(states []CircuitState) {
	sort.Slice(states, func(i, j int) bool {
		if states[i].TaskName != states[j].TaskName {
			return states[i].TaskName < states[j].TaskName
		}
		return states[i].FailureType < states[j].FailureType
	})
}
