// Package retry provides bounded retry with exponential backoff. The engine
// uses it for write-collision handling on the conflict store and for
// notification delivery.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts     int              // Maximum number of attempts (must be > 0)
	InitialDelay    time.Duration    // Delay before the second attempt
	MaxDelay        time.Duration    // Cap on the backoff delay
	Multiplier      float64          // Backoff multiplier
	RandomizeFactor float64          // Jitter factor (0-1)
	RetryIf         func(error) bool // Predicate deciding whether to retry
}

// DefaultConfig returns the engine's default retry configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:     3,
		InitialDelay:    50 * time.Millisecond,
		MaxDelay:        5 * time.Second,
		Multiplier:      2.0,
		RandomizeFactor: 0.1,
		RetryIf:         DefaultRetryIf,
	}
}

// Operation is a retryable unit of work.
type Operation func(ctx context.Context) error

// Result reports what a retry run did.
type Result struct {
	Attempts int
	Duration time.Duration
	Err      error // Final error, nil on success
}

// Retrier executes operations under a retry policy.
type Retrier struct {
	config *Config
}

// New creates a retrier, normalizing the configuration.
func New(config *Config) *Retrier {
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	if config.Multiplier < 1 {
		config.Multiplier = 1
	}
	if config.RandomizeFactor < 0 {
		config.RandomizeFactor = 0
	} else if config.RandomizeFactor > 1 {
		config.RandomizeFactor = 1
	}
	if config.RetryIf == nil {
		config.RetryIf = DefaultRetryIf
	}
	return &Retrier{config: config}
}

// Do executes op until it succeeds, the policy is exhausted, or ctx ends.
func (r *Retrier) Do(ctx context.Context, op Operation) *Result {
	start := time.Now()
	result := &Result{}

	var lastErr error
	delay := r.config.InitialDelay

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		result.Attempts = attempt

		if err := ctx.Err(); err != nil {
			lastErr = fmt.Errorf("context cancelled: %w", err)
			break
		}

		err := op(ctx)
		if err == nil {
			result.Duration = time.Since(start)
			return result
		}
		lastErr = err

		if !r.config.RetryIf(err) || attempt >= r.config.MaxAttempts {
			break
		}

		select {
		case <-time.After(r.jitter(delay)):
			delay = r.next(delay)
		case <-ctx.Done():
			lastErr = fmt.Errorf("context cancelled during retry delay: %w", ctx.Err())
			result.Duration = time.Since(start)
			result.Err = lastErr
			return result
		}
	}

	result.Duration = time.Since(start)
	result.Err = lastErr
	return result
}

func (r *Retrier) jitter(delay time.Duration) time.Duration {
	if r.config.RandomizeFactor == 0 {
		return delay
	}
	delta := float64(delay) * r.config.RandomizeFactor
	return time.Duration(float64(delay) - delta + rand.Float64()*2*delta)
}

func (r *Retrier) next(current time.Duration) time.Duration {
	n := time.Duration(float64(current) * r.config.Multiplier)
	if n > r.config.MaxDelay {
		return r.config.MaxDelay
	}
	return n
}

// TemporaryError marks an error as retryable.
type TemporaryError struct {
	Err error
}

func (e *TemporaryError) Error() string {
	return fmt.Sprintf("temporary error: %v", e.Err)
}

func (e *TemporaryError) Unwrap() error { return e.Err }

// PermanentError marks an error as not worth retrying.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// DefaultRetryIf retries everything except PermanentError.
func DefaultRetryIf(err error) bool {
	if err == nil {
		return false
	}
	var permErr *PermanentError
	return !errors.As(err, &permErr)
}

// Retry executes op with the default configuration.
func Retry(ctx context.Context, op Operation) error {
	return New(DefaultConfig()).Do(ctx, op).Err
}
