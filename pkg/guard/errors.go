package guard

import (
	"errors"
	"fmt"

	"github.com/nimburion/taskguard/pkg/classify"
	"github.com/nimburion/taskguard/pkg/idempotency"
)

var (
	// ErrDuplicateDetected marks a run short-circuited by a completed record.
	// It is not a failure: the cached result is returned.
	ErrDuplicateDetected = errors.New("duplicate task detected")
	// ErrLockContention means another worker is executing the same key.
	ErrLockContention = errors.New("task lock held by another worker")
	// ErrStorageUnavailable means duplicate detection or locking could not be
	// consulted and the task fails closed.
	ErrStorageUnavailable = idempotency.ErrStorageUnavailable
	// ErrClassificationAmbiguous marks a failure that was dead-lettered because
	// its classification confidence was too low to retry automatically.
	ErrClassificationAmbiguous = errors.New("failure classification ambiguous")
	// ErrRetriesExhausted marks a failure routed to the dead letter sink.
	ErrRetriesExhausted = errors.New("task retries exhausted")
	// ErrCircuitOpen means execution was skipped by an open circuit breaker.
	ErrCircuitOpen = errors.New("task circuit open")
	// ErrValidation is returned by Run for malformed input.
	ErrValidation = errors.New("guard validation error")
)

func validationError(message string) error {
	return fmt.Errorf("%w: %s", ErrValidation, message)
}

// PanicError carries a panic recovered from a task body.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}

// FailureType classifies every panic as a programming error.
func (e *PanicError) FailureType() classify.FailureType {
	return classify.ProgrammingError
}
