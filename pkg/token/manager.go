package token

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"mailsync/internal/mailbox/domain"
	"mailsync/pkg/metrics"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultThreshold = 10 * time.Minute
	MinThreshold     = 5 * time.Minute
	MaxThreshold     = 30 * time.Minute

	renewTimeout = 30 * time.Second
)

// CredentialStore is the persistence the manager needs.
type CredentialStore interface {
	Get(ctx context.Context, accountID string) (*domain.Credential, error)
	Save(ctx context.Context, cred *domain.Credential) error
}

// ReauthNotifier tells the account owner to reconnect a revoked mailbox.
type ReauthNotifier interface {
	NotifyReauthRequired(ctx context.Context, accountID string) error
}

// NotifierFunc adapts a function to ReauthNotifier.
type NotifierFunc func(ctx context.Context, accountID string) error

func (f NotifierFunc) NotifyReauthRequired(ctx context.Context, accountID string) error {
	return f(ctx, accountID)
}

type Config struct {
	// Threshold is the remaining lifetime below which a token is renewed.
	// Zero means DefaultThreshold; other values are clamped to [MinThreshold, MaxThreshold].
	Threshold time.Duration

	// Silent is optional. Without it every renewal uses the refresh grant.
	Silent SilentRenewer

	// Notifiers are called after a credential is revoked.
	Notifiers []ReauthNotifier

	Metrics *metrics.Metrics
	Clock   func() time.Time
}

// Manager hands out valid access tokens and renews them. Renewals for the
// same account are collapsed into one grant.
type Manager struct {
	store     CredentialStore
	refresher RefreshGranter
	silent    SilentRenewer
	notifiers []ReauthNotifier
	metrics   *metrics.Metrics
	threshold time.Duration
	now       func() time.Time

	group    singleflight.Group
	mu       sync.Mutex
	renewing map[string]bool
}

func NewManager(store CredentialStore, refresher RefreshGranter, cfg Config) *Manager {
	threshold := cfg.Threshold
	switch {
	case threshold == 0:
		threshold = DefaultThreshold
	case threshold < MinThreshold:
		threshold = MinThreshold
	case threshold > MaxThreshold:
		threshold = MaxThreshold
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Manager{
		store:     store,
		refresher: refresher,
		silent:    cfg.Silent,
		notifiers: cfg.Notifiers,
		metrics:   cfg.Metrics,
		threshold: threshold,
		now:       now,
		renewing:  make(map[string]bool),
	}
}

// GetValidToken returns an access token with more than the threshold of
// lifetime left, renewing it first when needed.
func (m *Manager) GetValidToken(ctx context.Context, accountID string) (string, error) {
	cred, err := m.load(ctx, accountID)
	if err != nil {
		return "", err
	}
	if cred.RemainingLifetime(m.now()) > m.threshold {
		return cred.AccessToken, nil
	}
	return m.renew(ctx, accountID, "")
}

// ForceRenew renews the token after the remote API rejected staleToken. If
// another caller already replaced staleToken, the current token is returned
// without a new grant.
func (m *Manager) ForceRenew(ctx context.Context, accountID, staleToken string) (string, error) {
	return m.renew(ctx, accountID, staleToken)
}

// State reports where the account's credential is in its lifecycle.
func (m *Manager) State(ctx context.Context, accountID string) (domain.CredentialState, error) {
	m.mu.Lock()
	renewing := m.renewing[accountID]
	m.mu.Unlock()
	if renewing {
		return domain.CredentialRenewing, nil
	}

	cred, err := m.load(ctx, accountID)
	if err != nil {
		if errors.Is(err, domain.ErrReauthRequired) {
			return domain.CredentialReauthRequired, nil
		}
		return "", err
	}
	if cred.RemainingLifetime(m.now()) > m.threshold {
		return domain.CredentialActive, nil
	}
	return domain.CredentialExpiring, nil
}

func (m *Manager) load(ctx context.Context, accountID string) (*domain.Credential, error) {
	cred, err := m.store.Get(ctx, accountID)
	if err != nil {
		if errors.Is(err, domain.ErrCredentialNotFound) {
			return nil, fmt.Errorf("%s: %w", accountID, domain.ErrReauthRequired)
		}
		return nil, err
	}
	if !cred.IsActive {
		return nil, fmt.Errorf("%s: %w", accountID, domain.ErrReauthRequired)
	}
	return cred, nil
}

func (m *Manager) renew(ctx context.Context, accountID, staleToken string) (string, error) {
	ch := m.group.DoChan(accountID, func() (interface{}, error) {
		// The flight outlives any single caller's cancellation
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), renewTimeout)
		defer cancel()
		return m.renewLocked(flightCtx, accountID, staleToken)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// renewLocked runs inside the single flight for accountID.
func (m *Manager) renewLocked(ctx context.Context, accountID, staleToken string) (string, error) {
	cred, err := m.load(ctx, accountID)
	if err != nil {
		return "", err
	}

	// Another flight finished between the caller's check and this one
	if staleToken != "" && cred.AccessToken != "" && cred.AccessToken != staleToken {
		return cred.AccessToken, nil
	}
	if staleToken == "" && cred.RemainingLifetime(m.now()) > m.threshold {
		return cred.AccessToken, nil
	}

	m.setRenewing(accountID, true)
	defer m.setRenewing(accountID, false)

	if m.silent != nil {
		tok, err := m.silent.RenewSilently(ctx, cred)
		if err == nil {
			m.metrics.TokenRenewal("silent", "ok")
			log.Printf("[TokenManager] Silently renewed token for %s", accountID)
			return m.persist(ctx, cred, tok), nil
		}
		if isTransient(err) {
			m.metrics.TokenRenewal("silent", "transient")
			log.Printf("[TokenManager] Silent renewal for %s failed transiently: %v", accountID, err)
			return "", err
		}
		m.metrics.TokenRenewal("silent", "fallback")
		log.Printf("[TokenManager] Silent renewal for %s not possible, using refresh token: %v", accountID, err)
	}

	if cred.RefreshToken == "" {
		return m.revoke(ctx, cred, errors.New("no refresh token stored"))
	}

	tok, err := m.refresher.Refresh(ctx, cred.RefreshToken)
	if err != nil {
		if isTransient(err) {
			m.metrics.TokenRenewal("refresh", "transient")
			log.Printf("[TokenManager] Refresh for %s failed transiently: %v", accountID, err)
			return "", err
		}
		m.metrics.TokenRenewal("refresh", "rejected")
		return m.revoke(ctx, cred, err)
	}

	m.metrics.TokenRenewal("refresh", "ok")
	log.Printf("[TokenManager] Refreshed token for %s", accountID)
	return m.persist(ctx, cred, tok), nil
}

// persist stores the renewed token. A storage failure is logged and the
// fresh token is still returned; the next call renews again.
func (m *Manager) persist(ctx context.Context, cred *domain.Credential, tok *oauth2.Token) string {
	cred.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		cred.RefreshToken = tok.RefreshToken
	}
	cred.ExpiresAt = expiry(tok, m.now())
	cred.IsActive = true
	if err := m.store.Save(ctx, cred); err != nil {
		log.Printf("[TokenManager] Failed to persist renewed token for %s: %v", cred.AccountID, err)
	}
	return tok.AccessToken
}

// revoke marks the credential as needing reconnection. The stored credential
// is read again first: one replaced by the owner while the grant was in
// flight is kept and its token returned.
func (m *Manager) revoke(ctx context.Context, cred *domain.Credential, cause error) (string, error) {
	current, err := m.store.Get(ctx, cred.AccountID)
	switch {
	case err == nil && replaced(cred, current):
		log.Printf("[TokenManager] Credential for %s was replaced during renewal, keeping it", cred.AccountID)
		return current.AccessToken, nil
	case err == nil:
		cred = current
	case !errors.Is(err, domain.ErrCredentialNotFound):
		log.Printf("[TokenManager] Failed to reload credential for %s before revoking: %v", cred.AccountID, err)
	}

	log.Printf("[TokenManager] Revoking credential for %s: %v", cred.AccountID, cause)
	cred.Revoke()
	if err := m.store.Save(ctx, cred); err != nil {
		log.Printf("[TokenManager] Failed to persist revoked credential for %s: %v", cred.AccountID, err)
	}
	for _, n := range m.notifiers {
		if err := n.NotifyReauthRequired(ctx, cred.AccountID); err != nil {
			log.Printf("[TokenManager] Reconnect notification for %s failed: %v", cred.AccountID, err)
		}
	}
	return "", fmt.Errorf("%s: %w", cred.AccountID, domain.ErrReauthRequired)
}

// replaced reports whether current is a newer, usable credential than the
// one a renewal started from.
func replaced(started, current *domain.Credential) bool {
	if !current.IsActive {
		return false
	}
	return current.RefreshToken != started.RefreshToken || current.AccessToken != started.AccessToken
}

func (m *Manager) setRenewing(accountID string, v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v {
		m.renewing[accountID] = true
	} else {
		delete(m.renewing, accountID)
	}
}
