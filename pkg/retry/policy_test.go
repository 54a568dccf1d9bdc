package retry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/dealctx/internal/types"
)

type recordedSleeps struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *recordedSleeps) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waits = append(r.waits, d)
	return nil
}

func TestBackoffMonotonicAndBounded(t *testing.T) {
	p := Policy{MaxAttempts: 20, BaseDelay: time.Second, Multiplier: 2, MaxDelay: time.Minute}

	prev := time.Duration(0)
	for k := 1; k <= 40; k++ {
		d := p.Backoff(k)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", k)
		assert.LessOrEqual(t, d, time.Minute, "attempt %d", k)
		prev = d
	}
	assert.Equal(t, time.Second, p.Backoff(1))
	assert.Equal(t, 4*time.Second, p.Backoff(3))
	assert.Equal(t, time.Minute, p.Backoff(1000))
}

func TestDoAbandonsAfterMaxAttempts(t *testing.T) {
	rec := &recordedSleeps{}
	p := Policy{MaxAttempts: 4, BaseDelay: time.Second, Multiplier: 3, MaxDelay: 10 * time.Second, Sleep: rec.sleep}

	var calls int
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return &types.RateLimitError{}
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExhausted))
	assert.True(t, errors.Is(err, types.ErrRateLimited))
	assert.Equal(t, 4, calls)
	assert.Equal(t, []time.Duration{time.Second, 3 * time.Second, 9 * time.Second}, rec.waits)
}

func TestDoHonoursRetryAfterWithinCap(t *testing.T) {
	rec := &recordedSleeps{}
	p := Policy{MaxAttempts: 3, BaseDelay: time.Second, Multiplier: 2, MaxDelay: 20 * time.Second, Sleep: rec.sleep}

	responses := []error{
		&types.RateLimitError{RetryAfter: 30 * time.Second},
		&types.RateLimitError{RetryAfter: time.Second},
		nil,
	}
	var i int
	err := p.Do(context.Background(), func(context.Context) error {
		err := responses[i]
		i++
		return err
	})

	require.NoError(t, err)
	// Capped at MaxDelay, then held there rather than dropping back.
	assert.Equal(t, []time.Duration{20 * time.Second, 20 * time.Second}, rec.waits)
}

func TestDoReturnsNonRetryableImmediately(t *testing.T) {
	rec := &recordedSleeps{}
	p := Policy{MaxAttempts: 5, BaseDelay: time.Second, Multiplier: 2, MaxDelay: time.Minute, Sleep: rec.sleep}

	var calls int
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return types.ErrNoAccess
	})

	assert.ErrorIs(t, err, types.ErrNoAccess)
	assert.False(t, errors.Is(err, ErrExhausted))
	assert.Equal(t, 1, calls)
	assert.Empty(t, rec.waits)
}

func TestDoStopsWhenContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 5, BaseDelay: time.Hour, Multiplier: 2, MaxDelay: time.Hour}

	var calls int
	err := p.Do(ctx, func(context.Context) error {
		calls++
		cancel()
		return &types.RateLimitError{}
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestOnRetryReportsEachWait(t *testing.T) {
	rec := &recordedSleeps{}
	var attempts []int
	p := Policy{
		MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: time.Second,
		Sleep:   rec.sleep,
		OnRetry: func(attempt int, _ time.Duration, _ error) { attempts = append(attempts, attempt) },
	}

	_ = p.Do(context.Background(), func(context.Context) error { return types.ErrRateLimited })
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestThrottleOneOutstandingRequest(t *testing.T) {
	th := NewThrottle(0, 0)

	var inFlight, maxInFlight int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = th.Do(context.Background(), func(context.Context) error {
				n := atomic.AddInt32(&inFlight, 1)
				for {
					m := atomic.LoadInt32(&maxInFlight)
					if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInFlight)
}

func TestThrottleSpacesRequests(t *testing.T) {
	th := NewThrottle(1200, 0) // one every 50ms

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, th.Do(context.Background(), func(context.Context) error { return nil }))
	}
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestThrottleAppliesCallTimeout(t *testing.T) {
	th := NewThrottle(0, 10*time.Millisecond)
	err := th.Do(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCallerRetriesThroughThrottle(t *testing.T) {
	rec := &recordedSleeps{}
	c := Caller{
		Throttle: NewThrottle(0, 0),
		Policy:   Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: time.Second, Sleep: rec.sleep},
	}

	var calls int
	err := c.Call(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return types.ErrRateLimited
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, rec.waits, 2)
}
