package ratelimit

import (
	"context"
	"errors"
	"log"
	"math"
	"sync"
	"time"

	"mailsync/internal/mailbox/domain"
	"mailsync/pkg/metrics"

	"golang.org/x/sync/semaphore"
)

type Config struct {
	MaxConcurrent int
	MaxPerWindow  int
	Window        time.Duration
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	Multiplier    float64
}

// DefaultConfig matches the remote mail API's published limits.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 2,
		MaxPerWindow:  30,
		Window:        time.Minute,
		MaxAttempts:   4,
		BaseDelay:     time.Second,
		MaxDelay:      30 * time.Second,
		Multiplier:    2,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.MaxPerWindow <= 0 {
		c.MaxPerWindow = d.MaxPerWindow
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	return c
}

// Budget returns how long n calls can take when every one of them has to
// wait for the window budget. Retries are not included.
func (c Config) Budget(n int) time.Duration {
	c = c.withDefaults()
	if n <= 0 {
		return 0
	}
	windows := (n + c.MaxPerWindow - 1) / c.MaxPerWindow
	return time.Duration(windows) * c.Window
}

// Gateway serializes calls to the remote API: bounded concurrency, a rolling
// per-window budget and retry with exponential backoff. Calls are delayed,
// never rejected, when the budget is spent.
type Gateway struct {
	cfg     Config
	sem     *semaphore.Weighted
	metrics *metrics.Metrics

	mu     sync.Mutex
	window []time.Time // reserved dispatch times, ascending

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

type Option func(*Gateway)

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithClock replaces time.Now and the context-aware sleep, for tests.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(g *Gateway) {
		g.now = now
		g.sleep = sleep
	}
}

func New(cfg Config, opts ...Option) *Gateway {
	cfg = cfg.withDefaults()
	g := &Gateway{
		cfg:   cfg,
		sem:   semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		now:   time.Now,
		sleep: sleepCtx,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Execute runs fn through the gateway. Rate limited, server and timeout
// failures are retried; after the last attempt an *domain.ExhaustedError
// wrapping the final error is returned. Other errors are returned as is.
func (g *Gateway) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < g.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := g.backoff(attempt-1, lastErr)
			g.metrics.GatewayRetry()
			log.Printf("[Gateway] Attempt %d/%d failed (%v), retrying in %s", attempt, g.cfg.MaxAttempts, lastErr, delay)
			if err := g.sleep(ctx, delay); err != nil {
				return err
			}
		}

		lastErr = g.dispatch(ctx, fn)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !domain.IsRetryable(lastErr) {
			return lastErr
		}
	}

	g.metrics.GatewayExhausted()
	log.Printf("[Gateway] Giving up after %d attempts: %v", g.cfg.MaxAttempts, lastErr)
	return &domain.ExhaustedError{Attempts: g.cfg.MaxAttempts, Err: lastErr}
}

// dispatch runs a single attempt: take a concurrency slot, wait for the
// reserved window slot, call fn.
func (g *Gateway) dispatch(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer g.sem.Release(1)

	slot := g.reserve()
	if wait := slot.Sub(g.now()); wait > 0 {
		g.metrics.GatewayWait(wait)
		log.Printf("[Gateway] Window budget spent, delaying call by %s", wait.Round(time.Millisecond))
		if err := g.sleep(ctx, wait); err != nil {
			return err
		}
	} else {
		g.metrics.GatewayWait(0)
	}

	g.metrics.GatewayRequest()
	return fn(ctx)
}

// reserve books the earliest dispatch time that keeps every trailing window
// at or under MaxPerWindow calls.
func (g *Gateway) reserve() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	cutoff := now.Add(-g.cfg.Window)
	keep := 0
	for keep < len(g.window) && !g.window[keep].After(cutoff) {
		keep++
	}
	g.window = g.window[keep:]

	slot := now
	if n := len(g.window); n >= g.cfg.MaxPerWindow {
		if earliest := g.window[n-g.cfg.MaxPerWindow].Add(g.cfg.Window); earliest.After(slot) {
			slot = earliest
		}
	}
	g.window = append(g.window, slot)
	return slot
}

func (g *Gateway) backoff(retry int, err error) time.Duration {
	delay := time.Duration(float64(g.cfg.BaseDelay) * math.Pow(g.cfg.Multiplier, float64(retry)))
	if ra := retryAfter(err); ra > delay {
		delay = ra
	}
	if delay > g.cfg.MaxDelay {
		delay = g.cfg.MaxDelay
	}
	return delay
}

func retryAfter(err error) time.Duration {
	var re *domain.RemoteAPIError
	if errors.As(err, &re) {
		return re.RetryAfter
	}
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
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
