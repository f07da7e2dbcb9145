package usecase

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"mailsync/internal/mailbox/domain"
	"mailsync/internal/mailbox/repository"
	"mailsync/internal/mailbox/scheduler"
	"mailsync/pkg/ai"
	"mailsync/pkg/mailclient"
	"mailsync/pkg/metrics"
)

// CredentialStates reports where an account's credential is in its lifecycle.
type CredentialStates interface {
	State(ctx context.Context, accountID string) (domain.CredentialState, error)
}

// Watcher subscribes an account to push notifications from the mail API.
type Watcher interface {
	Watch(ctx context.Context, accountID string) error
	Unwatch(ctx context.Context, accountID string) error
}

// recentOutcomes is how many ledger entries Status reports.
const recentOutcomes = 10

// AccountStatus combines scheduler, credential and ledger state of an account.
type AccountStatus struct {
	scheduler.Status
	Credential domain.CredentialState   `json:"credentialState"`
	Outcomes   map[domain.Outcome]int64 `json:"outcomes,omitempty"`
	Recent     []*domain.LedgerEntry    `json:"recent,omitempty"`
}

type SyncServiceDeps struct {
	Clients     *mailclient.Registry
	Credentials repository.CredentialRepository
	States      CredentialStates
	Ledger      repository.LedgerRepository
	PollStates  repository.PollStateRepository
	Devices     repository.DeviceTokenRepository
	Classifier  ai.Classifier
	Watcher     Watcher
	Metrics     *metrics.Metrics
}

// SyncService owns one scheduler per mailbox account.
type SyncService struct {
	deps         SyncServiceDeps
	processorCfg ProcessorConfig
	schedulerCfg scheduler.Config

	mu         sync.Mutex
	schedulers map[string]*scheduler.Scheduler
}

func NewSyncService(deps SyncServiceDeps, processorCfg ProcessorConfig, schedulerCfg scheduler.Config) *SyncService {
	return &SyncService{
		deps:         deps,
		processorCfg: processorCfg,
		schedulerCfg: schedulerCfg,
		schedulers:   make(map[string]*scheduler.Scheduler),
	}
}

// StartAccount starts polling accountID. The credential must exist.
func (s *SyncService) StartAccount(ctx context.Context, accountID string) error {
	accountID = normalizeAccount(accountID)
	if _, err := s.deps.Credentials.Get(ctx, accountID); err != nil {
		return err
	}

	if err := s.schedulerFor(accountID).Start(ctx); err != nil {
		return err
	}

	if s.deps.Watcher != nil {
		if err := s.deps.Watcher.Watch(ctx, accountID); err != nil {
			log.Printf("[SyncService] Push watch failed for %s, polling only: %v", accountID, err)
		}
	}
	return nil
}

// StopAccount stops polling accountID and cancels its push subscription.
func (s *SyncService) StopAccount(ctx context.Context, accountID string) {
	accountID = normalizeAccount(accountID)
	s.mu.Lock()
	sch, ok := s.schedulers[accountID]
	s.mu.Unlock()
	if !ok {
		return
	}
	sch.Stop()

	if s.deps.Watcher != nil {
		if err := s.deps.Watcher.Unwatch(ctx, accountID); err != nil {
			log.Printf("[SyncService] Failed to stop push watch for %s: %v", accountID, err)
		}
	}
}

// StartAll starts every active account. Failures are logged per account.
func (s *SyncService) StartAll(ctx context.Context) {
	creds, err := s.deps.Credentials.ListActive(ctx)
	if err != nil {
		log.Printf("[SyncService] Failed to list active accounts: %v", err)
		return
	}
	for _, cred := range creds {
		if err := s.StartAccount(ctx, cred.AccountID); err != nil {
			log.Printf("[SyncService] Failed to start %s: %v", cred.AccountID, err)
		}
	}
	log.Printf("[SyncService] Started %d accounts", len(creds))
}

// Status never fails for expected conditions: lookup failures leave the
// corresponding fields empty.
func (s *SyncService) Status(ctx context.Context, accountID string) (*AccountStatus, error) {
	accountID = normalizeAccount(accountID)
	st := &AccountStatus{Status: s.schedulerFor(accountID).Status()}

	if s.deps.States != nil {
		if state, err := s.deps.States.State(ctx, accountID); err == nil {
			st.Credential = state
		} else if !errors.Is(err, domain.ErrCredentialNotFound) {
			log.Printf("[SyncService] Failed to read credential state for %s: %v", accountID, err)
		}
	}
	if counts, err := s.deps.Ledger.CountByOutcome(ctx, accountID); err == nil {
		st.Outcomes = counts
	} else {
		log.Printf("[SyncService] Failed to count outcomes for %s: %v", accountID, err)
	}
	if recent, err := s.deps.Ledger.ListRecent(ctx, accountID, recentOutcomes); err == nil {
		st.Recent = recent
	} else {
		log.Printf("[SyncService] Failed to list recent outcomes for %s: %v", accountID, err)
	}
	return st, nil
}

// ProcessNow runs one batch for accountID right away, whether or not its
// scheduler is running.
func (s *SyncService) ProcessNow(ctx context.Context, accountID string) ([]domain.ProcessedMessage, error) {
	accountID = normalizeAccount(accountID)
	if _, err := s.deps.Credentials.Get(ctx, accountID); err != nil {
		return nil, err
	}
	return s.schedulerFor(accountID).ProcessNow(ctx)
}

// UpdateCredentials stores a credential obtained by an external
// authorization flow and drops the cached client for the account.
func (s *SyncService) UpdateCredentials(ctx context.Context, cred *domain.Credential) error {
	cred.AccountID = normalizeAccount(cred.AccountID)
	if cred.AccountID == "" {
		return &domain.ConfigError{Field: "account_id", Reason: "required"}
	}
	if cred.RefreshToken == "" {
		return &domain.ConfigError{Field: "refresh_token", Reason: "required"}
	}
	if cred.AccessToken != "" && cred.ExpiresAt.IsZero() {
		cred.ExpiresAt = time.Now().Add(time.Hour)
	}
	cred.IsActive = true

	if err := s.deps.Credentials.Save(ctx, cred); err != nil {
		return err
	}
	if s.deps.Clients != nil {
		s.deps.Clients.Evict(cred.AccountID)
	}
	log.Printf("[SyncService] Credentials updated for %s", cred.AccountID)
	return nil
}

func (s *SyncService) RegisterDevice(ctx context.Context, accountID, token, deviceInfo string) error {
	if token == "" {
		return &domain.ConfigError{Field: "token", Reason: "required"}
	}
	if s.deps.Devices == nil {
		return errors.New("push notifications are not configured")
	}
	return s.deps.Devices.SaveToken(ctx, normalizeAccount(accountID), token, deviceInfo)
}

// Shutdown stops every scheduler and waits for in-flight batches.
func (s *SyncService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	all := make([]*scheduler.Scheduler, 0, len(s.schedulers))
	for _, sch := range s.schedulers {
		all = append(all, sch)
	}
	s.mu.Unlock()

	var errs []error
	for _, sch := range all {
		if err := sch.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("shutdown: %w", errors.Join(errs...))
	}
	return nil
}

func (s *SyncService) schedulerFor(accountID string) *scheduler.Scheduler {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sch, ok := s.schedulers[accountID]; ok {
		return sch
	}
	processor := NewProcessor(
		accountID,
		registryClient{clients: s.deps.Clients, accountID: accountID},
		s.deps.Classifier,
		s.deps.Ledger,
		s.processorCfg,
		s.deps.Metrics,
	)
	sch := scheduler.New(accountID, processor, s.deps.PollStates, s.schedulerCfg, scheduler.WithMetrics(s.deps.Metrics))
	s.schedulers[accountID] = sch
	return sch
}

// registryClient resolves the account's client on every call, so evicted or
// replaced clients are picked up.
type registryClient struct {
	clients   *mailclient.Registry
	accountID string
}

func (r registryClient) ListMessages(ctx context.Context, since time.Time, limit int) ([]*domain.Message, error) {
	return r.clients.Get(r.accountID).ListMessages(ctx, since, limit)
}

func (r registryClient) ReplyTo(ctx context.Context, id string, msg *domain.OutgoingMessage) error {
	return r.clients.Get(r.accountID).ReplyTo(ctx, id, msg)
}

func (r registryClient) MarkRead(ctx context.Context, id string) error {
	return r.clients.Get(r.accountID).MarkRead(ctx, id)
}

func normalizeAccount(accountID string) string {
	return strings.ToLower(strings.TrimSpace(accountID))
}
