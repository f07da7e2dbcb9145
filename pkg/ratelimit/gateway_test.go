package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mailsync/internal/mailbox/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock advances only when something sleeps on it.
type fakeClock struct {
	mu     sync.Mutex
	t      time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.t = c.t.Add(d)
	return ctx.Err()
}

func testConfig() Config {
	return Config{
		MaxConcurrent: 1,
		MaxPerWindow:  5,
		Window:        time.Minute,
		MaxAttempts:   4,
		BaseDelay:     time.Second,
		MaxDelay:      10 * time.Second,
		Multiplier:    2,
	}
}

func TestGateway_BurstStaysWithinWindowBudget(t *testing.T) {
	clock := newFakeClock()
	g := New(testConfig(), WithClock(clock.Now, clock.Sleep))

	var dispatched []time.Time
	for i := 0; i < 23; i++ {
		err := g.Execute(context.Background(), func(ctx context.Context) error {
			dispatched = append(dispatched, clock.Now())
			return nil
		})
		require.NoError(t, err)
	}

	require.Len(t, dispatched, 23)
	for i, at := range dispatched {
		inWindow := 0
		for _, other := range dispatched[:i+1] {
			if other.After(at.Add(-time.Minute)) {
				inWindow++
			}
		}
		assert.LessOrEqual(t, inWindow, 5, "call %d at %s", i, at)
	}

	// Each group of five waits exactly one window after the previous group
	start := dispatched[0]
	assert.Equal(t, start, dispatched[4])
	assert.Equal(t, start.Add(time.Minute), dispatched[5])
	assert.Equal(t, start.Add(4*time.Minute), dispatched[22])
}

func TestGateway_RetriesRetryableErrors(t *testing.T) {
	cases := map[string]error{
		"rate limited": &domain.RemoteAPIError{Status: http.StatusTooManyRequests},
		"server error": &domain.RemoteAPIError{Status: http.StatusBadGateway},
		"transient":    &domain.TransientError{Op: "list", Err: errors.New("reset")},
	}
	for name, failure := range cases {
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock()
			g := New(testConfig(), WithClock(clock.Now, clock.Sleep))

			calls := 0
			err := g.Execute(context.Background(), func(ctx context.Context) error {
				calls++
				if calls < 3 {
					return failure
				}
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, 3, calls)
			assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, clock.sleeps)
		})
	}
}

func TestGateway_DoesNotRetryClientErrors(t *testing.T) {
	clock := newFakeClock()
	g := New(testConfig(), WithClock(clock.Now, clock.Sleep))

	calls := 0
	failure := &domain.RemoteAPIError{Status: http.StatusBadRequest, Message: "bad filter"}
	err := g.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return failure
	})
	assert.Equal(t, 1, calls)
	assert.Same(t, failure, err)
}

func TestGateway_Exhausted(t *testing.T) {
	clock := newFakeClock()
	g := New(testConfig(), WithClock(clock.Now, clock.Sleep))

	calls := 0
	err := g.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return &domain.RemoteAPIError{Status: http.StatusServiceUnavailable}
	})

	var ex *domain.ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, 4, ex.Attempts)
	assert.Equal(t, 4, calls)
	assert.Equal(t, http.StatusServiceUnavailable, domain.StatusCode(err))
	// 1s, 2s, 4s; all below the 10s cap
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, clock.sleeps)
}

func TestGateway_BackoffHonoursRetryAfterAndCap(t *testing.T) {
	g := New(testConfig())

	assert.Equal(t, 8*time.Second, g.backoff(3, nil))
	assert.Equal(t, 10*time.Second, g.backoff(5, nil))
	assert.Equal(t, 7*time.Second, g.backoff(0, &domain.RemoteAPIError{Status: 429, RetryAfter: 7 * time.Second}))
	assert.Equal(t, 10*time.Second, g.backoff(0, &domain.RemoteAPIError{Status: 429, RetryAfter: time.Hour}))
}

func TestGateway_ConcurrencyCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 2
	cfg.MaxPerWindow = 100
	g := New(cfg)

	var inFlight, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = g.Execute(context.Background(), func(ctx context.Context) error {
				n := inFlight.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				inFlight.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int32(2), peak.Load())
}

func TestGateway_ContextCancelledWhileWaiting(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPerWindow = 1
	g := New(cfg)

	require.NoError(t, g.Execute(context.Background(), func(ctx context.Context) error { return nil }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	called := false
	err := g.Execute(ctx, func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, called)
}

func TestConfig_Budget(t *testing.T) {
	cfg := Config{MaxPerWindow: 30, Window: time.Minute}
	assert.Zero(t, cfg.Budget(0))
	assert.Equal(t, time.Minute, cfg.Budget(30))
	assert.Equal(t, 2*time.Minute, cfg.Budget(31))
	assert.Equal(t, 4*time.Minute, cfg.Budget(101))
	assert.Equal(t, time.Minute, Config{}.Budget(1), "defaults apply")
}

func TestPool_OneGatewayPerAccount(t *testing.T) {
	pool := NewPool(Config{MaxPerWindow: 3, Window: time.Minute})

	a := pool.For("a@example.com")
	assert.Same(t, a, pool.For("a@example.com"))
	assert.NotSame(t, a, pool.For("b@example.com"))
}
