package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"mailsync/internal/mailbox/delivery"
	"mailsync/internal/mailbox/repository"
	"mailsync/internal/mailbox/scheduler"
	"mailsync/internal/mailbox/usecase"
	"mailsync/internal/notification"
	"mailsync/pkg/ai"
	"mailsync/pkg/config"
	"mailsync/pkg/database"
	"mailsync/pkg/fcm"
	"mailsync/pkg/gmail"
	"mailsync/pkg/mailclient"
	"mailsync/pkg/metrics"
	"mailsync/pkg/ratelimit"
	"mailsync/pkg/token"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gorm.io/gorm"
)

// App holds every long-lived component of the service.
type App struct {
	Config        *config.Config
	DB            *gorm.DB
	Registry      *prometheus.Registry
	Metrics       *metrics.Metrics
	Credentials   repository.CredentialRepository
	Tokens        *token.Manager
	Clients       *mailclient.Registry
	Sync          *usecase.SyncService
	Auth          *delivery.JWTAuth
	Notifications *notification.Service
}

// NewApp connects the database and wires the mailbox core from cfg.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := database.NewConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := database.Migrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	credRepo := repository.NewCredentialRepository(db, cfg.EncryptionKey)
	ledgerRepo := repository.NewLedgerRepository(db)
	pollRepo := repository.NewPollStateRepository(db)
	deviceRepo := repository.NewDeviceTokenRepository(db)

	tokenCfg := token.Config{
		Threshold: cfg.RenewalThreshold,
		Metrics:   m,
		Notifiers: []token.ReauthNotifier{token.NotifierFunc(func(ctx context.Context, accountID string) error {
			log.Printf("[TokenManager] %s must be reconnected by its owner", accountID)
			return nil
		})},
	}
	if cfg.FirebaseCredentials != "" {
		fcmClient, err := fcm.NewClient(ctx, cfg.FirebaseCredentials)
		if err != nil {
			log.Printf("[WARN] Failed to initialize FCM client (push notifications disabled): %v", err)
		} else {
			tokenCfg.Notifiers = append(tokenCfg.Notifiers, fcm.NewReauthNotifier(fcmClient, deviceRepo))
		}
	}

	var (
		refresher *token.OAuthRefresher
		backend   mailclient.Backend
		gmailSvc  *gmail.Service
		// requests per message: reply and mark read, plus the fetches a
		// paged backend needs
		callsPerMessage int
	)
	switch cfg.MailProvider {
	case "gmail":
		refresher = token.NewGoogleRefresher(cfg.OAuthClientID, cfg.OAuthClientSecret)
		gmailSvc = gmail.NewService("")
		backend = gmailSvc
		callsPerMessage = 4
	default:
		refresher = token.NewOAuthRefresher(cfg.OAuthClientID, cfg.OAuthClientSecret, cfg.OAuthTokenURL, cfg.OAuthScopes)
		if cfg.SilentRenewal {
			tokenCfg.Silent = token.NewClientCredentialsRenewer(cfg.OAuthClientID, cfg.OAuthClientSecret, cfg.OAuthTokenURL, cfg.OAuthScopes)
		}
		backend = mailclient.NewGraphBackend(cfg.GraphBaseURL, cfg.RequestTimeout)
		callsPerMessage = 2
	}

	gatewayCfg := ratelimit.Config{
		MaxConcurrent: cfg.GatewayMaxConcurrent,
		MaxPerWindow:  cfg.GatewayMaxPerWindow,
		Window:        cfg.GatewayWindow,
		MaxAttempts:   cfg.GatewayMaxAttempts,
		BaseDelay:     cfg.GatewayBaseDelay,
		MaxDelay:      cfg.GatewayMaxDelay,
		Multiplier:    cfg.GatewayMultiplier,
	}
	gateways := ratelimit.NewPool(gatewayCfg, ratelimit.WithMetrics(m))

	var tokens *token.Manager
	clients := newClientRegistry(func() mailclient.TokenProvider { return tokens }, gateways, backend, cfg.ClientIdleTTL)
	tokenCfg.Notifiers = append(tokenCfg.Notifiers, clients)
	tokens = token.NewManager(credRepo, refresher, tokenCfg)

	classifier, err := ai.NewClassifier(ai.Config{
		Provider:      ai.ProviderType(cfg.AIProvider),
		ClassifierURL: cfg.ClassifierURL,
		ClassifierKey: cfg.ClassifierKey,
		Timeout:       cfg.RequestTimeout,
		GeminiAPIKey:  cfg.GeminiApiKey,
		GeminiModel:   cfg.GeminiModel,
		OllamaBaseURL: cfg.OllamaBaseURL,
		OllamaModel:   cfg.OllamaModel,
	})
	if err != nil {
		log.Printf("[WARN] Classifier unavailable, falling back to heuristics: %v", err)
		classifier = nil
	}

	deps := usecase.SyncServiceDeps{
		Clients:     clients,
		Credentials: credRepo,
		States:      tokens,
		Ledger:      ledgerRepo,
		PollStates:  pollRepo,
		Devices:     deviceRepo,
		Classifier:  classifier,
		Metrics:     m,
	}
	if gmailSvc != nil && cfg.GoogleProjectID != "" {
		deps.Watcher = notification.NewGmailWatcher(clients, gmailSvc, cfg.GoogleProjectID, topicName(cfg.GooglePubSubTopic))
	}

	syncSvc := usecase.NewSyncService(deps, usecase.ProcessorConfig{
		BatchSize:     cfg.BatchSize,
		ReplyTemplate: cfg.ReplyTemplate,
		SkipSenders:   cfg.SkipSenders,
		SkipSubjects:  cfg.SkipSubjects,
	}, scheduler.Config{
		BaseInterval:   cfg.PollBaseInterval,
		MaxInterval:    cfg.PollMaxInterval,
		Multiplier:     cfg.PollMultiplier,
		EmptyThreshold: cfg.PollEmptyThreshold,
		ProcessTimeout: processTimeout(cfg.ProcessTimeout, gatewayCfg, cfg.BatchSize, callsPerMessage),
	})

	app := &App{
		Config:      cfg,
		DB:          db,
		Registry:    reg,
		Metrics:     m,
		Credentials: credRepo,
		Tokens:      tokens,
		Clients:     clients,
		Sync:        syncSvc,
		Auth:        delivery.NewJWTAuth(cfg.JWTSecret),
	}

	if gmailSvc != nil && cfg.GoogleProjectID != "" {
		notif, err := notification.NewService(ctx, cfg.GoogleProjectID, topicName(cfg.GooglePubSubTopic), cfg.GoogleCredentials, syncSvc)
		if err != nil {
			log.Printf("[ERROR] Failed to initialize notification service: %v", err)
		} else {
			app.Notifications = notif
		}
	}
	return app, nil
}

// Run starts background work: all active accounts, the client sweeper and
// the push listener. It returns immediately.
func (a *App) Run(ctx context.Context) {
	go a.Clients.Run(ctx)
	a.Sync.StartAll(ctx)
	if a.Notifications != nil {
		go a.Notifications.Start(ctx)
	}
}

// Close stops all schedulers, waiting for in-flight batches, and releases
// connections.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.Sync.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if a.Notifications != nil {
		if err := a.Notifications.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// newClientRegistry builds clients that share their account's gateway across
// evictions. tokens is resolved lazily because the token manager evicts
// through the registry.
func newClientRegistry(tokens func() mailclient.TokenProvider, gateways *ratelimit.Pool, backend mailclient.Backend, idleTTL time.Duration) *mailclient.Registry {
	return mailclient.NewRegistry(func(accountID string) *mailclient.Client {
		return mailclient.New(accountID, tokens(), gateways.For(accountID), backend)
	}, idleTTL)
}

// processTimeout raises configured so a full batch fits the gateway budget.
// Zero keeps ticks unbounded.
func processTimeout(configured time.Duration, gw ratelimit.Config, batchSize, callsPerMessage int) time.Duration {
	if configured <= 0 {
		return 0
	}
	if batchSize <= 0 {
		batchSize = usecase.DefaultBatchSize
	}
	// one window of slack covers request latency and a listing page
	need := gw.Budget(batchSize*callsPerMessage+1) + gw.Budget(1)
	if configured < need {
		log.Printf("[WARN] PROCESS_TIMEOUT %s cannot fit a batch of %d under the request budget, using %s", configured, batchSize, need)
		return need
	}
	return configured
}

// topicName extracts the short topic name from a full resource name.
func topicName(topic string) string {
	if parts := strings.Split(topic, "/"); len(parts) > 1 {
		topic = parts[len(parts)-1]
	}
	if topic == "" {
		topic = "gmail-updates"
	}
	return topic
}
