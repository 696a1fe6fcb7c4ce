package jobs

import (
	"context"
	"errors"
	"testing"
)

func TestJobValidate_ReturnsTypedValidationError(t *testing.T) {
	job := &Job{}
	err := job.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestRetryableError_WrapsTransportFailures(t *testing.T) {
	cause := errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")
	err := retryableError("reserve", cause)
	if !errors.Is(err, ErrRetryable) || !errors.Is(err, cause) {
		t.Fatalf("expected retryable error wrapping the cause, got %v", err)
	}
	if err := retryableError("reserve", context.DeadlineExceeded); errors.Is(err, ErrRetryable) {
		t.Fatalf("context errors must pass through, got %v", err)
	}
	if retryableError("ack", nil) != nil {
		t.Fatal("nil must stay nil")
	}
}
