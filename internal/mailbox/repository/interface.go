package repository

import (
	"context"

	"mailsync/internal/mailbox/domain"
)

// CredentialRepository persists OAuth credentials per mailbox account.
type CredentialRepository interface {
	// Get returns domain.ErrCredentialNotFound for unknown accounts
	Get(ctx context.Context, accountID string) (*domain.Credential, error)
	Save(ctx context.Context, cred *domain.Credential) error
	ListActive(ctx context.Context) ([]*domain.Credential, error)
}

// LedgerRepository records every message the processor has attempted.
type LedgerRepository interface {
	// Claim inserts entry unless one already exists for the same account and
	// message id. It reports whether this caller now owns the message.
	Claim(ctx context.Context, entry *domain.LedgerEntry) (bool, error)

	// Complete stores the final outcome of a claimed entry
	Complete(ctx context.Context, entry *domain.LedgerEntry) error

	// Seen returns the subset of messageIDs that already have an entry
	Seen(ctx context.Context, accountID string, messageIDs []string) (map[string]bool, error)

	ListRecent(ctx context.Context, accountID string, limit int) ([]*domain.LedgerEntry, error)
	CountByOutcome(ctx context.Context, accountID string) (map[domain.Outcome]int64, error)
}

// PollStateRepository persists scheduler positions.
type PollStateRepository interface {
	// Get returns nil, nil when the account has never been polled
	Get(ctx context.Context, accountID string) (*domain.PollState, error)
	Save(ctx context.Context, state *domain.PollState) error
}

// DeviceTokenRepository stores push tokens per mailbox account.
type DeviceTokenRepository interface {
	SaveToken(ctx context.Context, accountID, token, deviceInfo string) error
	GetTokensByAccountID(ctx context.Context, accountID string) ([]domain.DeviceToken, error)
	DeleteToken(ctx context.Context, token string) error
}
