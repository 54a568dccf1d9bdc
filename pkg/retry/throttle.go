package retry

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle allows one outstanding request at a time and spaces requests so
// the platform's requests-per-minute ceiling is never exceeded.
type Throttle struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	timeout time.Duration
}

// NewThrottle creates a throttle. A non-positive requestsPerMinute disables
// spacing; a non-positive callTimeout leaves calls unbounded.
func NewThrottle(requestsPerMinute float64, callTimeout time.Duration) *Throttle {
	limit := rate.Inf
	if requestsPerMinute > 0 {
		limit = rate.Every(time.Duration(float64(time.Minute) / requestsPerMinute))
	}
	return &Throttle{
		limiter: rate.NewLimiter(limit, 1),
		timeout: callTimeout,
	}
}

// Do waits for its turn and runs fn under the call timeout.
func (t *Throttle) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	return fn(ctx)
}

// Caller combines a throttle with a retry policy.
type Caller struct {
	Throttle *Throttle
	Policy   Policy
}

// Call runs fn through the throttle, retrying per the policy. Every retry
// waits for the throttle again.
func (c Caller) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	return c.Policy.Do(ctx, func(ctx context.Context) error {
		if c.Throttle == nil {
			return fn(ctx)
		}
		return c.Throttle.Do(ctx, fn)
	})
}
