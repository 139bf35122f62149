// Package retry runs bounded attempt loops with pluggable delays.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted is wrapped into the error returned once every attempt failed.
var ErrExhausted = errors.New("retry: attempts exhausted")

// Sleeper pauses between attempts. Implementations must return early when
// ctx is done.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// Policy bounds an attempt loop.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// Backoff is the delay after the first failed attempt.
	Backoff time.Duration
	// Multiplier grows the delay between successive attempts. Values <= 1
	// keep the delay fixed.
	Multiplier float64
	// MaxBackoff caps the delay when positive.
	MaxBackoff time.Duration
	// Retryable reports whether err should be retried. Nil retries everything.
	Retryable func(err error) bool
}

// Delay returns the wait after the given failed attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 || p.Backoff <= 0 {
		return 0
	}
	delay := float64(p.Backoff)
	if p.Multiplier > 1 {
		for i := 1; i < attempt; i++ {
			delay *= p.Multiplier
			if p.MaxBackoff > 0 && delay >= float64(p.MaxBackoff) {
				break
			}
		}
	}
	if p.MaxBackoff > 0 && delay > float64(p.MaxBackoff) {
		delay = float64(p.MaxBackoff)
	}
	return time.Duration(delay)
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// attempt budget is spent. It returns the number of attempts made. Context
// cancellation is never retried.
func (p Policy) Do(ctx context.Context, sleeper Sleeper, fn func(ctx context.Context, attempt int) error) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}
		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return attempt, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return attempt, lastErr
		}
		if p.Retryable != nil && !p.Retryable(lastErr) {
			return attempt, lastErr
		}
		if attempt == maxAttempts {
			break
		}
		if sleeper != nil {
			if err := sleeper.Sleep(ctx, p.Delay(attempt)); err != nil {
				return attempt, err
			}
		}
	}
	return maxAttempts, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, maxAttempts, lastErr)
}
