package errors

import (
	"context"
	"fmt"
	"math"
	"time"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	MaxAttempts int           // total attempts including the first (default: 3)
	BaseDelay   time.Duration // base delay for exponential backoff (default: 1s)
	MaxDelay    time.Duration // cap on the delay between attempts (default: 30s)
}

// DefaultRetryConfig returns sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
	}
}

func (c RetryConfig) normalized() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	return c
}

// Retry executes fn with exponential backoff between attempts and returns the
// last error when every attempt fails.
func Retry(ctx context.Context, config RetryConfig, fn func(ctx context.Context) error) error {
	_, err := RetryWithResult(ctx, config, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// RetryWithResult is Retry for functions that return a value.
func RetryWithResult[T any](ctx context.Context, config RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	config = config.normalized()

	var zero T
	var lastErr error

	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("retry cancelled: %w", ctx.Err())
		default:
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt == config.MaxAttempts-1 {
			break
		}

		delay := backoff(attempt, config)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, fmt.Errorf("retry cancelled during backoff: %w", ctx.Err())
		}
	}

	return zero, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// backoff returns baseDelay * 2^attempt, capped at MaxDelay.
func backoff(attempt int, config RetryConfig) time.Duration {
	delay := time.Duration(float64(config.BaseDelay) * math.Pow(2, float64(attempt)))
	if delay > config.MaxDelay {
		delay = config.MaxDelay
	}
	return delay
}

// Fallback returns primary's result unless it fails, in which case it returns
// backup's result. When both fail, backup's error wins.
func Fallback[T any](primary, backup func() (T, error)) (T, error) {
	result, err := primary()
	if err == nil {
		return result, nil
	}
	return backup()
}

// GracefulDegrade returns fn's result, or fallback when fn fails. It never
// returns an error.
func GracefulDegrade[T any](fn func() (T, error), fallback T) T {
	result, err := fn()
	if err != nil {
		return fallback
	}
	return result
}
