package retry

import (
	"errors"
	"fmt"
)

var (
	// ErrCircuitNotFound is returned by a StateStore with no persisted state for a key.
	ErrCircuitNotFound = errors.New("circuit state not found")
	// ErrValidation is returned for invalid policies and keys.
	ErrValidation = errors.New("retry validation error")
	// ErrStateStore wraps state store failures.
	ErrStateStore = errors.New("circuit state store error")
	// ErrCircuitConflict is returned by a StateStore when a save is based on
	// an outdated version of the state.
	ErrCircuitConflict = errors.New("circuit state changed concurrently")
)

func validationError(message string) error {
	return fmt.Errorf("%w: %s", ErrValidation, message)
}

func storeError(operation string, cause error) error {
	return errors.Join(fmt.Errorf("%w: %s", ErrStateStore, operation), cause)
}

func conflictError(key CircuitKey, version int64) error {
	return fmt.Errorf("%w: %s is no longer at version %d", ErrCircuitConflict, key, version)
}
