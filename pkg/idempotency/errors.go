package idempotency

import (
	"errors"
	"fmt"
)

var (
	// ErrRecordNotFound is returned by backends when no record exists for a key.
	ErrRecordNotFound = errors.New("idempotency record not found")
	// ErrStorageUnavailable is returned when no backend could serve an operation.
	ErrStorageUnavailable = errors.New("idempotency storage unavailable")
	// ErrValidation is returned for invalid input.
	ErrValidation = errors.New("idempotency validation error")
)

func validationError(message string) error {
	return fmt.Errorf("%w: %s", ErrValidation, message)
}

func storageUnavailableError(operation string, cause error) error {
	kindErr := fmt.Errorf("%w: %s", ErrStorageUnavailable, operation)
	if cause == nil {
		return kindErr
	}
	return errors.Join(kindErr, cause)
}

func isRetryableStorageError(err error) bool {
	return !errors.Is(err, ErrRecordNotFound) && !errors.Is(err, ErrValidation)
}
