package resilience

import (
	"context"
	"errors"
	"time"
)

const (
	defaultRetryAttempts = 3
	defaultRetryBackoff  = 25 * time.Millisecond
)

// RetryConfig bounds the immediate retries applied to storage operations.
type RetryConfig struct {
	// Attempts is the total number of tries including the first one.
	Attempts int
	// Backoff is the pause between tries; it doubles after each failure.
	Backoff time.Duration
	// RetryIf decides whether an error is worth another try. Nil retries
	// everything except context cancellation.
	RetryIf func(error) bool
}

func (c *RetryConfig) normalize() {
	if c.Attempts <= 0 {
		c.Attempts = defaultRetryAttempts
	}
	if c.Backoff < 0 {
		c.Backoff = 0
	}
	if c.Backoff == 0 && c.Attempts > 1 {
		c.Backoff = defaultRetryBackoff
	}
}

// Retry runs fn until it succeeds, returns a non-retryable error, or the attempts
// are used up. The last error is returned.
func Retry(ctx context.Context, cfg RetryConfig, fn func(context.Context) error) error {
	cfg.normalize()
	backoff := cfg.Backoff

	var err error
	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if !shouldRetry(cfg, err) || attempt == cfg.Attempts {
			return err
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
		backoff *= 2
	}
	return err
}

func shouldRetry(cfg RetryConfig, err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if cfg.RetryIf != nil {
		return cfg.RetryIf(err)
	}
	return true
}
