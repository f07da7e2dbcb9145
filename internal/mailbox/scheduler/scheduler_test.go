package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"mailsync/internal/mailbox/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const account = "office@example.com"

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type stubBatcher struct {
	mu         sync.Mutex
	calls      int
	watermarks []time.Time
	next       func(call int, watermark time.Time) (*domain.BatchResult, error)
	entered    chan struct{}
	release    chan struct{}
}

func (b *stubBatcher) ProcessNewEmails(ctx context.Context, watermark time.Time) (*domain.BatchResult, error) {
	b.mu.Lock()
	b.calls++
	call := b.calls
	b.watermarks = append(b.watermarks, watermark)
	next := b.next
	b.mu.Unlock()

	if b.entered != nil {
		b.entered <- struct{}{}
	}
	if b.release != nil {
		<-b.release
	}
	if next == nil {
		return &domain.BatchResult{Watermark: watermark}, nil
	}
	return next(call, watermark)
}

func (b *stubBatcher) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func withMessages(n int, at time.Time) func(int, time.Time) (*domain.BatchResult, error) {
	return func(_ int, watermark time.Time) (*domain.BatchResult, error) {
		res := &domain.BatchResult{Listed: n, Watermark: watermark}
		for i := 0; i < n; i++ {
			res.Processed = append(res.Processed, domain.ProcessedMessage{MessageID: "m", Outcome: domain.OutcomeProcessed})
		}
		if at.After(res.Watermark) {
			res.Watermark = at
		}
		return res, nil
	}
}

type memStates struct {
	mu     sync.Mutex
	states map[string]domain.PollState
	saves  int
}

func newMemStates() *memStates {
	return &memStates{states: map[string]domain.PollState{}}
}

func (m *memStates) Get(ctx context.Context, accountID string) (*domain.PollState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[accountID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *memStates) Save(ctx context.Context, state *domain.PollState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state.AccountID] = *state
	m.saves++
	return nil
}

func minutes(st Status) float64 { return st.IntervalSeconds / 60 }

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.MaxInterval = time.Minute
	var ce *domain.ConfigError
	require.ErrorAs(t, cfg.Validate(), &ce)
	assert.Equal(t, "MaxInterval", ce.Field)

	cfg = DefaultConfig()
	cfg.BaseInterval = 0
	assert.Error(t, cfg.Validate())

	s := New(account, &stubBatcher{}, nil, cfg)
	require.ErrorAs(t, s.Start(context.Background()), &ce)
	assert.False(t, s.Status().IsRunning)
}

func TestAdaptiveInterval_GrowsToMaxAndResets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EmptyThreshold = 1
	b := &stubBatcher{}
	s := New(account, b, nil, cfg)
	ctx := context.Background()

	assert.Equal(t, 5.0, minutes(s.Status()))
	want := []float64{7.5, 11.25, 15, 15}
	for _, w := range want {
		_, err := s.run(ctx, true)
		require.NoError(t, err)
		assert.InDelta(t, w, minutes(s.Status()), 1e-9)
	}

	b.next = withMessages(1, t0)
	_, err := s.run(ctx, true)
	require.NoError(t, err)
	st := s.Status()
	assert.Equal(t, 5.0, minutes(st))
	assert.Zero(t, st.ConsecutiveEmpty)
}

func TestAdaptiveInterval_DefaultThreshold(t *testing.T) {
	s := New(account, &stubBatcher{}, nil, DefaultConfig())
	ctx := context.Background()

	for i := 0; i < 9; i++ {
		_, err := s.run(ctx, true)
		require.NoError(t, err)
		assert.Equal(t, 5.0, minutes(s.Status()))
	}
	_, err := s.run(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 7.5, minutes(s.Status()))

	for i := 0; i < 50; i++ {
		_, err := s.run(ctx, true)
		require.NoError(t, err)
		m := minutes(s.Status())
		assert.GreaterOrEqual(t, m, 5.0)
		assert.LessOrEqual(t, m, 15.0)
	}
	assert.Equal(t, 15.0, minutes(s.Status()))
}

func TestAdaptiveInterval_ErrorsLeaveIntervalAlone(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EmptyThreshold = 1
	b := &stubBatcher{next: func(int, time.Time) (*domain.BatchResult, error) {
		return nil, errors.New("list failed")
	}}
	s := New(account, b, nil, cfg)

	_, err := s.run(context.Background(), true)
	require.Error(t, err)
	st := s.Status()
	assert.Equal(t, 5.0, minutes(st))
	assert.Zero(t, st.ConsecutiveEmpty)
	assert.Equal(t, "list failed", st.LastError)
	require.NotNil(t, st.LastCheckTime)
}

func TestProcessNow_KeepsIntervalAndAdvancesWatermark(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EmptyThreshold = 1
	b := &stubBatcher{}
	s := New(account, b, nil, cfg)
	ctx := context.Background()

	_, err := s.run(ctx, true)
	require.NoError(t, err)
	require.Equal(t, 7.5, minutes(s.Status()))

	b.next = withMessages(2, t0)
	processed, err := s.ProcessNow(ctx)
	require.NoError(t, err)
	assert.Len(t, processed, 2)

	st := s.Status()
	assert.Equal(t, 7.5, minutes(st))
	assert.Equal(t, int64(2), st.ProcessedCount)
	require.NotNil(t, st.Watermark)
	assert.True(t, st.Watermark.Equal(t0))
}

func TestWatermarkNeverMovesBack(t *testing.T) {
	b := &stubBatcher{next: withMessages(1, t0)}
	s := New(account, b, nil, DefaultConfig())
	ctx := context.Background()

	_, err := s.ProcessNow(ctx)
	require.NoError(t, err)

	b.next = func(int, time.Time) (*domain.BatchResult, error) {
		return &domain.BatchResult{Watermark: t0.Add(-time.Hour)}, nil
	}
	_, err = s.ProcessNow(ctx)
	require.NoError(t, err)
	assert.True(t, s.Status().Watermark.Equal(t0))
	assert.Equal(t, []time.Time{{}, t0}, b.watermarks)
}

func TestOverlappingRunsAreSkipped(t *testing.T) {
	b := &stubBatcher{entered: make(chan struct{}, 1), release: make(chan struct{})}
	s := New(account, b, nil, DefaultConfig())
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := s.run(ctx, true)
		done <- err
	}()
	<-b.entered

	_, err := s.ProcessNow(ctx)
	assert.ErrorIs(t, err, domain.ErrTickInProgress)

	close(b.release)
	require.NoError(t, <-done)
	assert.Equal(t, 1, b.Calls())
}

func TestStart_ReauthKeepsSchedulerStopped(t *testing.T) {
	b := &stubBatcher{next: func(int, time.Time) (*domain.BatchResult, error) {
		return &domain.BatchResult{}, domain.ErrReauthRequired
	}}
	s := New(account, b, nil, DefaultConfig())

	err := s.Start(context.Background())
	require.ErrorIs(t, err, domain.ErrReauthRequired)
	st := s.Status()
	assert.False(t, st.IsRunning)
	assert.Contains(t, st.LastError, "reconnect account")
}

func TestStart_OtherErrorsKeepPolling(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseInterval = 10 * time.Millisecond
	cfg.MaxInterval = 10 * time.Millisecond
	b := &stubBatcher{next: func(int, time.Time) (*domain.BatchResult, error) {
		return nil, &domain.ExhaustedError{Attempts: 4, Err: errors.New("503")}
	}}
	s := New(account, b, nil, cfg)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Eventually(t, func() bool { return b.Calls() >= 3 }, time.Second, 5*time.Millisecond)
	st := s.Status()
	assert.True(t, st.IsRunning)
	assert.Contains(t, st.LastError, "after 4 attempts")
}

func TestStartStop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseInterval = 10 * time.Millisecond
	cfg.MaxInterval = 40 * time.Millisecond
	b := &stubBatcher{}
	s := New(account, b, nil, cfg)
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	assert.Equal(t, 1, b.Calls(), "first tick runs immediately")
	require.NoError(t, s.Start(ctx))
	assert.Equal(t, 1, b.Calls(), "second Start is a no-op")

	assert.Eventually(t, func() bool { return b.Calls() >= 3 }, time.Second, 5*time.Millisecond)

	s.Stop()
	assert.False(t, s.Status().IsRunning)
	stopped := b.Calls()
	time.Sleep(60 * time.Millisecond)
	assert.LessOrEqual(t, b.Calls(), stopped+1)
	s.Stop()
}

func TestShutdownWaitsForInFlightBatch(t *testing.T) {
	b := &stubBatcher{entered: make(chan struct{}, 1), release: make(chan struct{})}
	s := New(account, b, nil, DefaultConfig())

	go func() { _, _ = s.ProcessNow(context.Background()) }()
	<-b.entered

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Shutdown(short), context.DeadlineExceeded)

	close(b.release)
	require.NoError(t, s.Shutdown(context.Background()))
}

func TestPollStateIsLoadedAndSaved(t *testing.T) {
	states := newMemStates()
	states.states[account] = domain.PollState{
		AccountID:        account,
		Watermark:        t0,
		ConsecutiveEmpty: 3,
		Interval:         time.Hour,
	}
	b := &stubBatcher{next: withMessages(1, t0.Add(time.Minute))}
	clock := t0.Add(2 * time.Minute)
	s := New(account, b, states, DefaultConfig(), WithClock(func() time.Time { return clock }))

	_, err := s.ProcessNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []time.Time{t0}, b.watermarks)

	saved, err := states.Get(context.Background(), account)
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.True(t, saved.Watermark.Equal(t0.Add(time.Minute)))
	assert.True(t, saved.LastCheckAt.Equal(clock))
	assert.Equal(t, 5*time.Minute, saved.Interval, "out of range interval falls back to base")
	assert.Equal(t, 1, states.saves)
}
