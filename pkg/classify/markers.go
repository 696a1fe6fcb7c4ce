package classify

import (
	"errors"
	"fmt"
	"time"
)

// FailureTyper is implemented by errors that know their own failure type.
// Such errors classify with full confidence.
type FailureTyper interface {
	FailureType() FailureType
}

// RetryAfterer is implemented by errors that carry a server-provided retry hint,
// such as an HTTP 429 response with a Retry-After header.
type RetryAfterer interface {
	RetryAfter() time.Duration
}

// StatusCoder is implemented by errors that carry an HTTP-style status code.
type StatusCoder interface {
	StatusCode() int
}

type markedError struct {
	failureType FailureType
	err         error
}

func (e *markedError) Error() string { return e.err.Error() }
func (e *markedError) Unwrap() error { return e.err }
func (e *markedError) FailureType() FailureType { return e.failureType }

// Mark attaches an explicit failure type to err. A nil err stays nil.
func Mark(err error, ft FailureType) error {
	if err == nil {
		return nil
	}
	return &markedError{failureType: ft, err: err}
}

// New returns an error with message msg marked as ft.
func New(ft FailureType, msg string) error {
	return Mark(errors.New(msg), ft)
}

// Errorf formats an error marked as ft. %w verbs keep their wrapped errors.
func Errorf(ft FailureType, format string, args ...any) error {
	return Mark(fmt.Errorf(format, args...), ft)
}

type retryAfterError struct {
	after time.Duration
	err   error
}

func (e *retryAfterError) Error() string { return e.err.Error() }
func (e *retryAfterError) Unwrap() error { return e.err }
func (e *retryAfterError) RetryAfter() time.Duration { return e.after }

// WithRetryAfter attaches a retry hint to err.
func WithRetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return &retryAfterError{after: after, err: err}
}
