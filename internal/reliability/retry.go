// Package reliability provides retry with jittered exponential backoff and
// per-dependency circuit breakers.
//
// The retry wrapper retries only errors the taxonomy classifies retryable;
// the breaker wraps the retry so a tripped circuit fails fast without
// touching the dependency.
package reliability

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/tidemarklabs/recalld/internal/errs"
)

// RetryConfig holds retry configuration.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// BaseDelay is the delay before the second attempt; it doubles per attempt.
	BaseDelay time.Duration
	// MaxDelay caps the backoff.
	MaxDelay time.Duration
	// Timeout bounds each individual attempt. Zero disables the bound.
	Timeout time.Duration
	// JitterFactor randomizes each delay by ±factor. Default 0.1.
	JitterFactor float64
}

// DefaultRetryConfig returns the defaults used by all dependencies.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		BaseDelay:    200 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Timeout:      30 * time.Second,
		JitterFactor: 0.1,
	}
}

func (c *RetryConfig) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 200 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 10 * time.Second
	}
	if c.JitterFactor <= 0 {
		c.JitterFactor = 0.1
	} else if c.JitterFactor > 1 {
		c.JitterFactor = 1
	}
}

// WithRetry executes op, retrying retryable failures with exponential backoff
// and jitter. Each attempt runs under cfg.Timeout; a timed-out attempt fails
// with a TIMEOUT error, which is itself retryable.
func WithRetry(ctx context.Context, name string, cfg RetryConfig, op func(ctx context.Context) error) error {
	cfg.applyDefaults()

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return errs.Timeout(name, err)
		}

		err := runAttempt(ctx, name, cfg.Timeout, op)
		if err == nil {
			return nil
		}
		lastErr = err

		if !errs.IsRetryable(err) {
			return err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		select {
		case <-time.After(backoffDelay(cfg, attempt)):
		case <-ctx.Done():
			return errs.Timeout(name, ctx.Err())
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", name, cfg.MaxAttempts, lastErr)
}

// runAttempt executes one attempt under the per-attempt timeout.
func runAttempt(ctx context.Context, name string, timeout time.Duration, op func(ctx context.Context) error) error {
	if timeout <= 0 {
		return op(ctx)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := op(attemptCtx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return errs.Timeout(name, err)
	}
	return err
}

// backoffDelay computes min(base * 2^(attempt-1), max) with ±jitter.
func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	delay := cfg.BaseDelay << (attempt - 1)
	if delay > cfg.MaxDelay || delay <= 0 {
		delay = cfg.MaxDelay
	}

	delta := float64(delay) * cfg.JitterFactor
	jittered := float64(delay) - delta + rand.Float64()*2*delta
	return time.Duration(jittered)
}
