package deadletter

import (
	"errors"
	"fmt"
)

var (
	// ErrEntryNotFound is returned when no entry exists for an id.
	ErrEntryNotFound = errors.New("dead letter entry not found")
	// ErrInvalidTransition is returned when an operation does not apply to the entry's status.
	ErrInvalidTransition = errors.New("invalid dead letter transition")
	// ErrConcurrentModification is returned when the entry changed status during an update.
	ErrConcurrentModification = errors.New("dead letter entry modified concurrently")
	// ErrValidation is returned for invalid input.
	ErrValidation = errors.New("dead letter validation error")
	// ErrReplayUnavailable is returned by Retry when no replayer is configured.
	ErrReplayUnavailable = errors.New("dead letter replay unavailable")
	// ErrStore wraps store failures.
	ErrStore = errors.New("dead letter store error")
)

func validationError(message string) error {
	return fmt.Errorf("%w: %s", ErrValidation, message)
}

func transitionError(id string, from Status, action Action) error {
	return fmt.Errorf("%w: cannot %s entry %s in status %s", ErrInvalidTransition, action, id, from)
}

func storeError(operation string, cause error) error {
	return errors.Join(fmt.Errorf("%w: %s", ErrStore, operation), cause)
}
