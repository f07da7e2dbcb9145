package repository

import (
	"context"
	"testing"
	"time"

	"mailsync/internal/mailbox/domain"
	"mailsync/pkg/database"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.NewSQLiteConnection(":memory:")
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	return db
}

func TestCredentialRepository_SaveAndGet(t *testing.T) {
	ctx := context.Background()
	repo := NewCredentialRepository(newTestDB(t), "")

	_, err := repo.Get(ctx, "office@example.com")
	assert.ErrorIs(t, err, domain.ErrCredentialNotFound)

	exp := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	require.NoError(t, repo.Save(ctx, &domain.Credential{
		AccountID:    "office@example.com",
		AccessToken:  "at-1",
		RefreshToken: "rt-1",
		ExpiresAt:    exp,
		IsActive:     true,
	}))

	got, err := repo.Get(ctx, "office@example.com")
	require.NoError(t, err)
	assert.Equal(t, "at-1", got.AccessToken)
	assert.Equal(t, "rt-1", got.RefreshToken)
	assert.True(t, got.ExpiresAt.Equal(exp))
	assert.True(t, got.IsActive)
}

func TestCredentialRepository_RevokePersistsClearedFields(t *testing.T) {
	ctx := context.Background()
	repo := NewCredentialRepository(newTestDB(t), "")

	cred := &domain.Credential{AccountID: "a@example.com", AccessToken: "at", RefreshToken: "rt", IsActive: true, ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, repo.Save(ctx, cred))

	cred.Revoke()
	require.NoError(t, repo.Save(ctx, cred))

	got, err := repo.Get(ctx, "a@example.com")
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	assert.Empty(t, got.AccessToken)
	assert.Empty(t, got.RefreshToken)

	active, err := repo.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestCredentialRepository_EncryptsAtRest(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repo := NewCredentialRepository(db, "test-key")

	require.NoError(t, repo.Save(ctx, &domain.Credential{AccountID: "a@example.com", AccessToken: "plain-at", RefreshToken: "plain-rt", IsActive: true}))

	var raw domain.Credential
	require.NoError(t, db.Where("account_id = ?", "a@example.com").First(&raw).Error)
	assert.NotEqual(t, "plain-at", raw.AccessToken)
	assert.NotEqual(t, "plain-rt", raw.RefreshToken)

	got, err := repo.Get(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, "plain-at", got.AccessToken)
	assert.Equal(t, "plain-rt", got.RefreshToken)
}

func TestLedgerRepository_ClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	repo := NewLedgerRepository(newTestDB(t))

	first := &domain.LedgerEntry{AccountID: "a@example.com", MessageID: "m1"}
	ok, err := repo.Claim(ctx, first)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, domain.OutcomeProcessing, first.Outcome)

	ok, err = repo.Claim(ctx, &domain.LedgerEntry{AccountID: "a@example.com", MessageID: "m1"})
	require.NoError(t, err)
	assert.False(t, ok, "second claim of the same message must lose")

	// Same message id on another account is independent
	ok, err = repo.Claim(ctx, &domain.LedgerEntry{AccountID: "b@example.com", MessageID: "m1"})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLedgerRepository_CompleteAndQuery(t *testing.T) {
	ctx := context.Background()
	repo := NewLedgerRepository(newTestDB(t))

	for _, id := range []string{"m1", "m2", "m3"} {
		_, err := repo.Claim(ctx, &domain.LedgerEntry{AccountID: "a@example.com", MessageID: id})
		require.NoError(t, err)
	}
	require.NoError(t, repo.Complete(ctx, &domain.LedgerEntry{
		AccountID: "a@example.com", MessageID: "m1",
		Outcome: domain.OutcomeProcessed, ShouldReply: true, ReplySent: true, Confidence: 0.9, Source: string(domain.SourceClassifier),
	}))
	require.NoError(t, repo.Complete(ctx, &domain.LedgerEntry{
		AccountID: "a@example.com", MessageID: "m2",
		Outcome: domain.OutcomeError, Error: "boom",
	}))

	seen, err := repo.Seen(ctx, "a@example.com", []string{"m1", "m3", "m9"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"m1": true, "m3": true}, seen)

	counts, err := repo.CountByOutcome(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[domain.OutcomeProcessed])
	assert.Equal(t, int64(1), counts[domain.OutcomeError])
	assert.Equal(t, int64(1), counts[domain.OutcomeProcessing])

	recent, err := repo.ListRecent(ctx, "a@example.com", 10)
	require.NoError(t, err)
	assert.Len(t, recent, 3)
}

func TestPollStateRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewPollStateRepository(newTestDB(t))

	state, err := repo.Get(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Nil(t, state)

	wm := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, repo.Save(ctx, &domain.PollState{AccountID: "a@example.com", Watermark: wm, ConsecutiveEmpty: 3, Interval: 450 * time.Second}))
	require.NoError(t, repo.Save(ctx, &domain.PollState{AccountID: "a@example.com", Watermark: wm, ConsecutiveEmpty: 4, Interval: 675 * time.Second}))

	state, err = repo.Get(ctx, "a@example.com")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, 4, state.ConsecutiveEmpty)
	assert.Equal(t, 675*time.Second, state.Interval)
	assert.True(t, state.Watermark.Equal(wm))
}

func TestDeviceTokenRepository_Upsert(t *testing.T) {
	ctx := context.Background()
	repo := NewDeviceTokenRepository(newTestDB(t))

	require.NoError(t, repo.SaveToken(ctx, "a@example.com", "tok-1", "android"))
	require.NoError(t, repo.SaveToken(ctx, "b@example.com", "tok-1", "android"))

	tokens, err := repo.GetTokensByAccountID(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Empty(t, tokens)

	tokens, err = repo.GetTokensByAccountID(ctx, "b@example.com")
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, "tok-1", tokens[0].Token)

	require.NoError(t, repo.DeleteToken(ctx, "tok-1"))
	tokens, err = repo.GetTokensByAccountID(ctx, "b@example.com")
	require.NoError(t, err)
	assert.Empty(t, tokens)
}
