package gobilling

import (
	"context"
	"time"
)

// RetryConfig holds retry configuration for remote calls and webhook handlers
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first (default: 3)
	MaxAttempts int

	// Delay is the base backoff; attempt n waits Delay*n before the next try (default: 1 second).
	// A negative Delay retries immediately.
	Delay time.Duration

	// ShouldRetry decides whether an error is transient. Nil retries every error.
	ShouldRetry func(err error) bool
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Delay < 0 {
		c.Delay = 0
	} else if c.Delay == 0 {
		c.Delay = time.Second
	}
	return c
}

// Retry calls fn until it succeeds or MaxAttempts is reached, sleeping
// Delay*attempt between attempts. It returns the last error.
// Cancellation of ctx aborts the sleep and returns ctx.Err().
func Retry(ctx context.Context, fn func(ctx context.Context) error, cfg RetryConfig) error {
	cfg = cfg.withDefaults()

	var err error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if cfg.ShouldRetry != nil && !cfg.ShouldRetry(err) {
			return err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		timer := time.NewTimer(cfg.Delay * time.Duration(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

// RetryRemote retries only ErrRemoteFailure errors; not-found and invalid input fail fast
func RetryRemote(err error) bool {
	return !IsNotFound(err) && !IsInvalidInput(err)
}
