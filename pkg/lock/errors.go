package lock

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation classifies invalid caller arguments.
	ErrValidation = errors.New("lock validation error")
	// ErrLockNotHeld is returned when renewing a lock the caller does not hold.
	ErrLockNotHeld = errors.New("lock not held")
	// ErrUnavailable is returned when no lock backend could serve a request.
	ErrUnavailable = errors.New("lock backend unavailable")
	// ErrNotInitialized classifies calls on a provider that was never constructed.
	ErrNotInitialized = errors.New("lock provider not initialized")
)

func lockError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}

func validateRequest(key, holderID string) error {
	if key == "" {
		return lockError(ErrValidation, "lock key is required")
	}
	if holderID == "" {
		return lockError(ErrValidation, "holder id is required")
	}
	return nil
}
