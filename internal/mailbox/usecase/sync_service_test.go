package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	"mailsync/internal/mailbox/domain"
	"mailsync/internal/mailbox/repository"
	"mailsync/internal/mailbox/scheduler"
	"mailsync/pkg/database"
	"mailsync/pkg/mailclient"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticTokens struct{}

func (staticTokens) GetValidToken(ctx context.Context, accountID string) (string, error) {
	return "token-" + accountID, nil
}

func (staticTokens) ForceRenew(ctx context.Context, accountID, stale string) (string, error) {
	return "renewed-" + accountID, nil
}

type directExecutor struct{}

func (directExecutor) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type inboxBackend struct {
	mu      sync.Mutex
	inbox   []*domain.Message
	replied []string
}

func (b *inboxBackend) ListMessages(ctx context.Context, token string, since time.Time, limit int) ([]*domain.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*domain.Message
	for _, m := range b.inbox {
		if !m.IsRead && !m.ReceivedAt.Before(since) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (b *inboxBackend) GetMessage(ctx context.Context, token, id string) (*domain.Message, error) {
	return nil, &domain.RemoteAPIError{Status: 404}
}

func (b *inboxBackend) MarkRead(ctx context.Context, token, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range b.inbox {
		if m.ID == id {
			m.IsRead = true
		}
	}
	return nil
}

func (b *inboxBackend) SendMessage(ctx context.Context, token string, msg *domain.OutgoingMessage) error {
	return nil
}

func (b *inboxBackend) ReplyTo(ctx context.Context, token, id string, msg *domain.OutgoingMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.replied = append(b.replied, id)
	return nil
}

type syncFixture struct {
	svc     *SyncService
	backend *inboxBackend
	creds   repository.CredentialRepository
	devices repository.DeviceTokenRepository
	clients *mailclient.Registry
}

func newSyncFixture(t *testing.T) *syncFixture {
	t.Helper()
	db, err := database.NewSQLiteConnection(":memory:")
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	backend := &inboxBackend{}
	clients := mailclient.NewRegistry(func(accountID string) *mailclient.Client {
		return mailclient.New(accountID, staticTokens{}, directExecutor{}, backend)
	}, time.Hour)

	creds := repository.NewCredentialRepository(db, "test-key")
	devices := repository.NewDeviceTokenRepository(db)
	cfg := scheduler.DefaultConfig()
	cfg.BaseInterval = time.Hour
	cfg.MaxInterval = time.Hour

	svc := NewSyncService(SyncServiceDeps{
		Clients:     clients,
		Credentials: creds,
		Ledger:      repository.NewLedgerRepository(db),
		PollStates:  repository.NewPollStateRepository(db),
		Devices:     devices,
		Classifier:  replyWith("Thanks, see the attached schedule."),
	}, ProcessorConfig{}, cfg)

	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })
	return &syncFixture{svc: svc, backend: backend, creds: creds, devices: devices, clients: clients}
}

func connect(t *testing.T, f *syncFixture, accountID string) {
	t.Helper()
	require.NoError(t, f.svc.UpdateCredentials(context.Background(), &domain.Credential{
		AccountID:    accountID,
		AccessToken:  "at",
		RefreshToken: "rt",
		ExpiresAt:    time.Now().Add(time.Hour),
	}))
}

func TestSyncService_UnknownAccount(t *testing.T) {
	f := newSyncFixture(t)

	assert.ErrorIs(t, f.svc.StartAccount(context.Background(), "nobody@example.com"), domain.ErrCredentialNotFound)
	_, err := f.svc.ProcessNow(context.Background(), "nobody@example.com")
	assert.ErrorIs(t, err, domain.ErrCredentialNotFound)
}

func TestSyncService_UpdateCredentialsValidates(t *testing.T) {
	f := newSyncFixture(t)
	var ce *domain.ConfigError

	err := f.svc.UpdateCredentials(context.Background(), &domain.Credential{AccountID: "a@example.com"})
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "refresh_token", ce.Field)

	err = f.svc.UpdateCredentials(context.Background(), &domain.Credential{RefreshToken: "rt"})
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "account_id", ce.Field)
}

func TestSyncService_UpdateCredentialsReactivatesAndEvicts(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	connect(t, f, "Office@Example.com")

	f.clients.Get("office@example.com")
	require.Equal(t, 1, f.clients.Len())

	revoked, err := f.creds.Get(ctx, "office@example.com")
	require.NoError(t, err)
	revoked.Revoke()
	require.NoError(t, f.creds.Save(ctx, revoked))

	connect(t, f, "office@example.com")
	cred, err := f.creds.Get(ctx, "office@example.com")
	require.NoError(t, err)
	assert.True(t, cred.IsActive)
	assert.Equal(t, "rt", cred.RefreshToken)
	assert.Zero(t, f.clients.Len())
}

func TestSyncService_StartProcessesAndReportsStatus(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	connect(t, f, "office@example.com")
	f.backend.inbox = []*domain.Message{
		{ID: "m1", From: "parent@example.com", Subject: "When is the open day?", ReceivedAt: base},
		{ID: "m2", From: "noreply@portal.example.com", Subject: "Receipt", ReceivedAt: base.Add(time.Minute)},
	}

	require.NoError(t, f.svc.StartAccount(ctx, "office@example.com"))

	st, err := f.svc.Status(ctx, "office@example.com")
	require.NoError(t, err)
	assert.True(t, st.IsRunning)
	assert.Equal(t, int64(2), st.ProcessedCount)
	assert.Equal(t, int64(1), st.Outcomes[domain.OutcomeProcessed])
	assert.Equal(t, int64(1), st.Outcomes[domain.OutcomeSkipped])
	assert.Equal(t, []string{"m1"}, f.backend.replied)
	require.Len(t, st.Recent, 2)
	recent := map[string]domain.Outcome{}
	for _, e := range st.Recent {
		recent[e.MessageID] = e.Outcome
	}
	assert.Equal(t, map[string]domain.Outcome{"m1": domain.OutcomeProcessed, "m2": domain.OutcomeSkipped}, recent)

	// A manual run after new mail arrives only handles the new message
	f.backend.inbox = append(f.backend.inbox,
		&domain.Message{ID: "m3", From: "student@example.com", Subject: "Can I switch classes?", ReceivedAt: base.Add(2 * time.Minute)})
	processed, err := f.svc.ProcessNow(ctx, "office@example.com")
	require.NoError(t, err)
	require.Len(t, processed, 1)
	assert.Equal(t, "m3", processed[0].MessageID)
	assert.Equal(t, []string{"m1", "m3"}, f.backend.replied)

	f.svc.StopAccount(ctx, "office@example.com")
	st, err = f.svc.Status(ctx, "office@example.com")
	require.NoError(t, err)
	assert.False(t, st.IsRunning)
	assert.Equal(t, int64(3), st.ProcessedCount)
	require.Len(t, st.Recent, 3)
	assert.Equal(t, "m3", st.Recent[0].MessageID, "newest outcome first")
}

func TestSyncService_StartAll(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	connect(t, f, "a@example.com")
	connect(t, f, "b@example.com")

	f.svc.StartAll(ctx)

	for _, id := range []string{"a@example.com", "b@example.com"} {
		st, err := f.svc.Status(ctx, id)
		require.NoError(t, err)
		assert.True(t, st.IsRunning, id)
	}
}

func TestSyncService_RegisterDevice(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()

	var ce *domain.ConfigError
	require.ErrorAs(t, f.svc.RegisterDevice(ctx, "a@example.com", "", "web"), &ce)

	require.NoError(t, f.svc.RegisterDevice(ctx, "A@example.com", "device-1", "web"))
	tokens, err := f.devices.GetTokensByAccountID(ctx, "a@example.com")
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, "device-1", tokens[0].Token)
}
