package notification

import (
	"context"
	"errors"
	"testing"

	"mailsync/internal/mailbox/domain"
	"mailsync/pkg/mailclient"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingTrigger struct {
	calls []string
	err   error
}

func (r *recordingTrigger) ProcessNow(ctx context.Context, accountID string) ([]domain.ProcessedMessage, error) {
	r.calls = append(r.calls, accountID)
	return nil, r.err
}

func TestHandleNotification_TriggersProcessing(t *testing.T) {
	trigger := &recordingTrigger{}
	s := newService(trigger, "gmail-updates")
	ctx := context.Background()

	require.NoError(t, s.HandleNotification(ctx, []byte(`{"emailAddress":"Office@Example.com","historyId":100}`)))
	assert.Equal(t, []string{"office@example.com"}, trigger.calls)
	assert.Equal(t, "gmail-updates-sub", s.subName)
}

func TestHandleNotification_DropsStaleHistory(t *testing.T) {
	trigger := &recordingTrigger{}
	s := newService(trigger, "gmail-updates")
	ctx := context.Background()

	require.NoError(t, s.HandleNotification(ctx, []byte(`{"emailAddress":"a@example.com","historyId":100}`)))
	require.NoError(t, s.HandleNotification(ctx, []byte(`{"emailAddress":"a@example.com","historyId":100}`)))
	require.NoError(t, s.HandleNotification(ctx, []byte(`{"emailAddress":"a@example.com","historyId":99}`)))
	require.NoError(t, s.HandleNotification(ctx, []byte(`{"emailAddress":"b@example.com","historyId":50}`)))
	require.NoError(t, s.HandleNotification(ctx, []byte(`{"emailAddress":"a@example.com","historyId":101}`)))

	assert.Equal(t, []string{"a@example.com", "b@example.com", "a@example.com"}, trigger.calls)
}

func TestHandleNotification_Errors(t *testing.T) {
	ctx := context.Background()

	s := newService(&recordingTrigger{}, "t")
	assert.Error(t, s.HandleNotification(ctx, []byte(`not json`)))
	assert.Error(t, s.HandleNotification(ctx, []byte(`{"historyId":1}`)))

	s = newService(&recordingTrigger{err: domain.ErrTickInProgress}, "t")
	assert.NoError(t, s.HandleNotification(ctx, []byte(`{"emailAddress":"a@example.com","historyId":1}`)))

	s = newService(&recordingTrigger{err: domain.ErrCredentialNotFound}, "t")
	assert.NoError(t, s.HandleNotification(ctx, []byte(`{"emailAddress":"a@example.com","historyId":1}`)))

	s = newService(&recordingTrigger{err: domain.ErrReauthRequired}, "t")
	assert.ErrorIs(t, s.HandleNotification(ctx, []byte(`{"emailAddress":"a@example.com","historyId":1}`)), domain.ErrReauthRequired)
}

type stubTokens struct{ err error }

func (s stubTokens) GetValidToken(ctx context.Context, accountID string) (string, error) {
	return "tok", s.err
}

func (s stubTokens) ForceRenew(ctx context.Context, accountID, stale string) (string, error) {
	return "tok-2", s.err
}

type countingExecutor struct{ calls int }

func (e *countingExecutor) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	e.calls++
	return fn(ctx)
}

type stubClients struct {
	tokens stubTokens
	exec   *countingExecutor
}

func (c stubClients) Get(accountID string) *mailclient.Client {
	return mailclient.New(accountID, c.tokens, c.exec, nil)
}

type stubGmail struct {
	token, topic string
	stops        int
	stopErr      error
}

func (g *stubGmail) StopWatch(ctx context.Context, token string) error {
	g.stops++
	return g.stopErr
}

func (g *stubGmail) Watch(ctx context.Context, token, topicName string) error {
	g.token, g.topic = token, topicName
	return nil
}

func TestGmailWatcher(t *testing.T) {
	g := &stubGmail{stopErr: &domain.RemoteAPIError{Status: 404, Message: "no watch"}}
	exec := &countingExecutor{}
	w := NewGmailWatcher(stubClients{exec: exec}, g, "proj", "gmail-updates")

	require.NoError(t, w.Watch(context.Background(), "a@example.com"))
	assert.Equal(t, "tok", g.token)
	assert.Equal(t, "projects/proj/topics/gmail-updates", g.topic)
	assert.Equal(t, 1, g.stops, "previous watch is cleared first")
	assert.Equal(t, 2, exec.calls, "each request takes its own gateway slot")

	g.stopErr = nil
	require.NoError(t, w.Unwatch(context.Background(), "a@example.com"))
	assert.Equal(t, 2, g.stops)
	assert.Equal(t, 3, exec.calls)

	w = NewGmailWatcher(stubClients{tokens: stubTokens{err: errors.New("revoked")}, exec: exec}, g, "proj", "t")
	assert.Error(t, w.Watch(context.Background(), "a@example.com"))
}
