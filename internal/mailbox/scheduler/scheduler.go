package scheduler

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"mailsync/internal/mailbox/domain"
	"mailsync/internal/mailbox/repository"
	"mailsync/pkg/metrics"
)

// Batcher processes new mail for one account starting at a watermark.
type Batcher interface {
	ProcessNewEmails(ctx context.Context, watermark time.Time) (*domain.BatchResult, error)
}

type Config struct {
	BaseInterval   time.Duration
	MaxInterval    time.Duration
	Multiplier     float64
	EmptyThreshold int
	// ProcessTimeout bounds a single tick. Zero means no limit.
	ProcessTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		BaseInterval:   5 * time.Minute,
		MaxInterval:    15 * time.Minute,
		Multiplier:     1.5,
		EmptyThreshold: 10,
		ProcessTimeout: 2 * time.Minute,
	}
}

// Validate returns a *domain.ConfigError for unusable interval settings.
func (c Config) Validate() error {
	switch {
	case c.BaseInterval <= 0:
		return &domain.ConfigError{Field: "BaseInterval", Reason: "must be positive"}
	case c.MaxInterval < c.BaseInterval:
		return &domain.ConfigError{Field: "MaxInterval", Reason: "must not be below BaseInterval"}
	case c.Multiplier < 1:
		return &domain.ConfigError{Field: "Multiplier", Reason: "must be at least 1"}
	case c.EmptyThreshold < 1:
		return &domain.ConfigError{Field: "EmptyThreshold", Reason: "must be at least 1"}
	}
	return nil
}

// Status is a point-in-time view of a scheduler.
type Status struct {
	AccountID        string     `json:"accountId"`
	IsRunning        bool       `json:"isRunning"`
	LastCheckTime    *time.Time `json:"lastCheckTime"`
	ProcessedCount   int64      `json:"processedCount"`
	LastError        string     `json:"lastError,omitempty"`
	IntervalSeconds  float64    `json:"intervalSeconds"`
	ConsecutiveEmpty int        `json:"consecutiveEmpty"`
	Watermark        *time.Time `json:"watermark,omitempty"`
}

// Scheduler polls one account on an adaptive interval. Timer ticks and
// manual runs share a single guard, so at most one batch runs at a time.
type Scheduler struct {
	accountID string
	batcher   Batcher
	states    repository.PollStateRepository
	cfg       Config
	metrics   *metrics.Metrics
	now       func() time.Time

	// tick is held for the duration of a batch
	tick sync.Mutex

	mu        sync.Mutex
	running   bool
	loaded    bool
	gen       uint64
	timer     *time.Timer
	state     domain.PollState
	processed int64
	lastErr   error
}

type Option func(*Scheduler)

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a stopped scheduler. states may be nil, in which case the
// position is kept in memory only.
func New(accountID string, batcher Batcher, states repository.PollStateRepository, cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		accountID: accountID,
		batcher:   batcher,
		states:    states,
		cfg:       cfg,
		now:       time.Now,
		state:     domain.PollState{AccountID: accountID, Interval: cfg.BaseInterval},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs one tick immediately and then keeps polling until Stop. It is a
// no-op when the scheduler is already running. A revoked credential on the
// first tick is returned and the scheduler stays stopped; any other error of
// the first tick is only recorded.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	s.ensureLoaded(ctx)
	log.Printf("[Scheduler] Starting %s (interval: %s)", s.accountID, s.Status().interval())

	_, err := s.run(ctx, true)
	if errors.Is(err, domain.ErrReauthRequired) {
		s.mu.Lock()
		if s.gen == gen {
			s.running = false
		}
		s.mu.Unlock()
		log.Printf("[Scheduler] %s needs to be reconnected, not starting", s.accountID)
		return err
	}

	s.mu.Lock()
	if s.running && s.gen == gen {
		s.arm(gen)
	}
	s.mu.Unlock()
	return nil
}

// Stop cancels the pending tick. A batch already in flight runs to
// completion.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	log.Printf("[Scheduler] Scheduler stopped for %s", s.accountID)
}

// Shutdown stops the scheduler and waits for an in-flight batch, or for ctx.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.Stop()
	done := make(chan struct{})
	go func() {
		s.tick.Lock()
		s.tick.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ProcessNow runs a batch outside the timer. It advances the watermark and
// the counters but leaves the polling interval alone. It returns
// domain.ErrTickInProgress when another batch is running.
func (s *Scheduler) ProcessNow(ctx context.Context) ([]domain.ProcessedMessage, error) {
	s.ensureLoaded(ctx)
	return s.run(ctx, false)
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		AccountID:        s.accountID,
		IsRunning:        s.running,
		ProcessedCount:   s.processed,
		IntervalSeconds:  s.state.Interval.Seconds(),
		ConsecutiveEmpty: s.state.ConsecutiveEmpty,
	}
	if !s.state.LastCheckAt.IsZero() {
		t := s.state.LastCheckAt
		st.LastCheckTime = &t
	}
	if !s.state.Watermark.IsZero() {
		w := s.state.Watermark
		st.Watermark = &w
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

func (st Status) interval() time.Duration {
	return time.Duration(st.IntervalSeconds * float64(time.Second))
}

// arm schedules the next timer tick. Callers hold s.mu.
func (s *Scheduler) arm(gen uint64) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.state.Interval, func() { s.fire(gen) })
}

func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	live := s.running && s.gen == gen
	s.mu.Unlock()
	if !live {
		return
	}

	if _, err := s.run(context.Background(), true); err != nil && !errors.Is(err, domain.ErrTickInProgress) {
		log.Printf("[Scheduler] Tick failed for %s: %v", s.accountID, err)
	}

	s.mu.Lock()
	if s.running && s.gen == gen {
		s.arm(gen)
	}
	s.mu.Unlock()
}

// run executes one batch under the tick guard. scheduled ticks adapt the
// polling interval; manual runs do not.
func (s *Scheduler) run(ctx context.Context, scheduled bool) ([]domain.ProcessedMessage, error) {
	if !s.tick.TryLock() {
		log.Printf("[Scheduler] Skipping tick for %s, another run is in progress", s.accountID)
		return nil, domain.ErrTickInProgress
	}
	defer s.tick.Unlock()

	if s.cfg.ProcessTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ProcessTimeout)
		defer cancel()
	}

	s.mu.Lock()
	watermark := s.state.Watermark
	s.mu.Unlock()

	started := s.now()
	result, err := s.batcher.ProcessNewEmails(ctx, watermark)
	elapsed := s.now().Sub(started)

	var processed []domain.ProcessedMessage
	s.mu.Lock()
	s.state.LastCheckAt = started
	if result != nil {
		processed = result.Processed
		s.state.AdvanceWatermark(result.Watermark)
		s.processed += int64(len(result.Processed))
	}
	s.lastErr = err
	if scheduled {
		s.adapt(len(processed), err)
	}
	snapshot := s.state
	s.mu.Unlock()

	outcome := "ok"
	if err != nil {
		outcome = "error"
		log.Printf("[Scheduler] Batch for %s failed: %v", s.accountID, err)
	} else if len(processed) > 0 {
		log.Printf("[Scheduler] Processed %d messages for %s", len(processed), s.accountID)
	}
	s.metrics.Tick(outcome, elapsed)
	s.metrics.PollInterval(s.accountID, snapshot.Interval)

	s.save(context.WithoutCancel(ctx), &snapshot)
	return processed, err
}

// adapt moves the interval after a scheduled tick. Callers hold s.mu.
func (s *Scheduler) adapt(handled int, err error) {
	if handled > 0 {
		if s.state.Interval != s.cfg.BaseInterval {
			log.Printf("[Scheduler] New mail for %s, interval reset to %s", s.accountID, s.cfg.BaseInterval)
		}
		s.state.ConsecutiveEmpty = 0
		s.state.Interval = s.cfg.BaseInterval
		return
	}
	if err != nil {
		return
	}
	s.state.ConsecutiveEmpty++
	if s.state.ConsecutiveEmpty < s.cfg.EmptyThreshold || s.state.Interval >= s.cfg.MaxInterval {
		return
	}
	next := time.Duration(float64(s.state.Interval) * s.cfg.Multiplier)
	if next > s.cfg.MaxInterval {
		next = s.cfg.MaxInterval
	}
	log.Printf("[Scheduler] No new mail for %s in %d checks, interval %s -> %s",
		s.accountID, s.state.ConsecutiveEmpty, s.state.Interval, next)
	s.state.Interval = next
}

func (s *Scheduler) ensureLoaded(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return
	}
	s.loaded = true
	if s.states == nil {
		return
	}

	stored, err := s.states.Get(ctx, s.accountID)
	if err != nil {
		log.Printf("[Scheduler] Failed to load poll state for %s: %v", s.accountID, err)
		return
	}
	if stored == nil {
		return
	}
	s.state = *stored
	if s.state.Interval < s.cfg.BaseInterval || s.state.Interval > s.cfg.MaxInterval {
		s.state.Interval = s.cfg.BaseInterval
	}
}

func (s *Scheduler) save(ctx context.Context, state *domain.PollState) {
	if s.states == nil {
		return
	}
	if err := s.states.Save(ctx, state); err != nil {
		log.Printf("[Scheduler] Failed to save poll state for %s: %v", s.accountID, err)
	}
}
