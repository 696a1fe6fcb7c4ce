package resilience

import (
	"context"
	"fmt"
	"time"
)

// ErrTimeout is returned when an operation exceeds its timeout.
// It matches context.DeadlineExceeded under errors.Is.
var ErrTimeout = fmt.Errorf("operation timed out: %w", context.DeadlineExceeded)

// WithTimeout executes fn with a deadline and returns ErrTimeout when it is exceeded.
func WithTimeout(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	_, err := CallWithTimeout(ctx, timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// CallWithTimeout executes fn with a deadline and returns its value.
// fn keeps running in the background after a timeout; it must honour ctx to stop early.
// A non-positive timeout only applies the parent context.
func CallWithTimeout[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	callCtx := ctx
	cancel := func() {}
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		value, err := fn(callCtx)
		done <- result{value: value, err: err}
	}()

	select {
	case res := <-done:
		return res.value, res.err
	case <-callCtx.Done():
		var zero T
		if ctx.Err() == nil && timeout > 0 {
			return zero, ErrTimeout
		}
		return zero, callCtx.Err()
	}
}
