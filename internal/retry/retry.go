// Package retry implements bounded exponential backoff for transport-level
// failures. Only errors explicitly marked with Retryable are attempted
// again; everything else is terminal on the spot.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Config shapes the backoff schedule.
type Config struct {
	// MaxAttempts caps the number of calls. Zero retries until the
	// context is cancelled.
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration
	Multiplier  float64
	// Jitter spreads each wait by up to ±(wait*Jitter) so callers that
	// failed together do not retry together.
	Jitter float64
}

// DefaultConfig is tuned for HTTP backends: three attempts, waits growing
// from 100ms toward a 10s ceiling.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		InitialWait: 100 * time.Millisecond,
		MaxWait:     10 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.1,
	}
}

// wait returns the pause before the attempt after this one.
func (c Config) wait(attempt int) time.Duration {
	d := float64(c.InitialWait) * math.Pow(c.Multiplier, float64(attempt-1))
	if ceil := float64(c.MaxWait); d > ceil {
		d = ceil
	}
	if c.Jitter > 0 {
		d += d * c.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(d)
}

// RetryableError marks its cause as worth another attempt.
type RetryableError struct {
	Err error
}

func (e RetryableError) Error() string { return e.Err.Error() }
func (e RetryableError) Unwrap() error { return e.Err }

// Retryable marks err as retryable. Nil stays nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return RetryableError{Err: err}
}

// IsRetryable reports whether the marker appears anywhere in err's chain.
func IsRetryable(err error) bool {
	var marked RetryableError
	return errors.As(err, &marked)
}

// Do runs fn until it succeeds, fails terminally, or the attempt budget
// is spent. The last error is returned in the exhausted case.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	_, err := DoWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult is Do for functions that produce a value.
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var zero T
	for attempt := 1; ; attempt++ {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		if !IsRetryable(err) {
			return zero, err
		}
		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			return zero, err
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(cfg.wait(attempt)):
		}
	}
}
