// Package retry holds the backoff policy and request throttle applied to
// every external call.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/xhad/dealctx/internal/types"
)

// ErrExhausted is returned when every attempt hit a retryable error.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy is exponential backoff with a hard cap.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration

	// Retryable decides whether an error is worth another attempt.
	// Defaults to IsRateLimited.
	Retryable func(error) bool
	// OnRetry is called before each wait.
	OnRetry func(attempt int, wait time.Duration, err error)
	// Sleep waits for d or until ctx is done. Defaults to a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Default is used by collaborators that are not configured explicitly.
var Default = Policy{
	MaxAttempts: 5,
	BaseDelay:   5 * time.Second,
	Multiplier:  2,
	MaxDelay:    5 * time.Minute,
}

// Backoff returns the wait after the given 1-based attempt. It never
// decreases as attempt grows and never exceeds MaxDelay.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && (d > float64(p.MaxDelay) || math.IsInf(d, 0)) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Do runs fn until it succeeds, returns a non-retryable error, or MaxAttempts
// is reached. A server-suggested RetryAfter longer than the computed backoff
// is honoured, still capped at MaxDelay.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsRateLimited
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var prev time.Duration
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		wait := p.Backoff(attempt)
		var rl *types.RateLimitError
		if errors.As(err, &rl) && rl.RetryAfter > wait {
			wait = rl.RetryAfter
			if p.MaxDelay > 0 && wait > p.MaxDelay {
				wait = p.MaxDelay
			}
		}
		if wait < prev {
			wait = prev
		}
		prev = wait

		if p.OnRetry != nil {
			p.OnRetry(attempt, wait, err)
		}
		if serr := sleep(ctx, wait); serr != nil {
			return serr
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, err)
}

// IsRateLimited reports whether err is a transient rate-limit response.
func IsRateLimited(err error) bool {
	return errors.Is(err, types.ErrRateLimited)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
