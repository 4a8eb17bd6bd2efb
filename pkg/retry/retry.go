package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config holds retry configuration
type Config struct {
	Enabled            bool          `yaml:"enabled"`
	MaxAttempts        int           `yaml:"max_attempts"`  // retries after the first attempt
	InitialDelay       time.Duration `yaml:"initial_delay"` // delay before the first retry
	MaxDelay           time.Duration `yaml:"max_delay"`
	Multiplier         float64       `yaml:"multiplier"`
	Jitter             bool          `yaml:"jitter"`
	RetryableErrors    []error       `yaml:"-"` // nil means every error is retried
	NonRetryableErrors []error       `yaml:"-"`
}

// DefaultConfig returns a default retry configuration
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// NewBackOff builds the exponential policy described by cfg, bounded by
// MaxAttempts and cancelled with ctx.
func NewBackOff(ctx context.Context, cfg Config) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if cfg.InitialDelay > 0 {
		eb.InitialInterval = cfg.InitialDelay
	}
	if cfg.MaxDelay > 0 {
		eb.MaxInterval = cfg.MaxDelay
	}
	if cfg.Multiplier >= 1 {
		eb.Multiplier = cfg.Multiplier
	}
	if !cfg.Jitter {
		eb.RandomizationFactor = 0
	}
	eb.MaxElapsedTime = 0
	eb.Reset()

	if cfg.MaxAttempts <= 0 {
		// WithMaxRetries treats zero as unbounded.
		return backoff.WithContext(&backoff.StopBackOff{}, ctx)
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(cfg.MaxAttempts)), ctx)
}

// Retry executes a function with exponential backoff retry logic
func Retry(ctx context.Context, cfg Config, fn func() error) error {
	_, err := RetryWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// RetryWithResult executes a function that returns a result with exponential backoff retry logic
func RetryWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var zero T

	if !cfg.Enabled {
		return fn()
	}
	if err := ctx.Err(); err != nil {
		return zero, fmt.Errorf("retry cancelled: %w", err)
	}

	var (
		lastErr   error
		permanent bool
	)
	op := func() (T, error) {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if matches(err, cfg.NonRetryableErrors) {
			permanent = true
			return zero, backoff.Permanent(fmt.Errorf("non-retryable error: %w", err))
		}
		if len(cfg.RetryableErrors) > 0 && !matches(err, cfg.RetryableErrors) {
			permanent = true
			return zero, backoff.Permanent(fmt.Errorf("error not in retryable list: %w", err))
		}
		return zero, err
	}

	result, err := backoff.RetryWithData(op, NewBackOff(ctx, cfg))
	switch {
	case err == nil:
		return result, nil
	case permanent:
		return zero, err
	case ctx.Err() != nil:
		return zero, fmt.Errorf("retry cancelled: %w", ctx.Err())
	default:
		return zero, fmt.Errorf("max attempts (%d) exceeded: %w", cfg.MaxAttempts, lastErr)
	}
}

func matches(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
