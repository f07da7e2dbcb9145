package config

import (
	"fmt"
	"strings"
	"time"

	"mailsync/internal/mailbox/domain"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Port      string
	JWTSecret string

	// Database
	DatabaseDriver string // "postgres" or "sqlite"
	DatabaseURL    string

	// Identity provider
	OAuthClientID     string
	OAuthClientSecret string
	OAuthTokenURL     string
	OAuthScopes       []string
	SilentRenewal     bool
	RenewalThreshold  time.Duration

	// Remote mail API
	MailProvider   string // "graph" or "gmail"
	GraphBaseURL   string
	ClientIdleTTL  time.Duration
	RequestTimeout time.Duration

	// Request gateway
	GatewayMaxConcurrent int
	GatewayMaxPerWindow  int
	GatewayWindow        time.Duration
	GatewayMaxAttempts   int
	GatewayBaseDelay     time.Duration
	GatewayMaxDelay      time.Duration
	GatewayMultiplier    float64

	// Polling scheduler
	PollBaseInterval   time.Duration
	PollMaxInterval    time.Duration
	PollMultiplier     float64
	PollEmptyThreshold int

	// Email processor
	BatchSize      int
	ReplyTemplate  string
	SkipSenders    []string
	SkipSubjects   []string
	ProcessTimeout time.Duration

	// Classifier
	AIProvider    string // "http", "ollama", "gemini" or "auto"
	ClassifierURL string
	ClassifierKey string
	OllamaBaseURL string
	OllamaModel   string
	GeminiApiKey  string
	GeminiModel   string

	// Notifications
	GoogleProjectID     string
	GooglePubSubTopic   string
	GoogleCredentials   string
	FirebaseCredentials string

	// Security
	EncryptionKey string
}

// Load reads configuration from the environment (and a .env file if present).
func Load() *Config {
	// Load .env file if it exists
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)

	return &Config{
		Port:      v.GetString("PORT"),
		JWTSecret: v.GetString("JWT_SECRET"),

		DatabaseDriver: v.GetString("DATABASE_DRIVER"),
		DatabaseURL:    v.GetString("DATABASE_URL"),

		OAuthClientID:     v.GetString("OAUTH_CLIENT_ID"),
		OAuthClientSecret: v.GetString("OAUTH_CLIENT_SECRET"),
		OAuthTokenURL:     v.GetString("OAUTH_TOKEN_URL"),
		OAuthScopes:       splitList(v.GetString("OAUTH_SCOPES")),
		SilentRenewal:     v.GetBool("OAUTH_SILENT_RENEWAL"),
		RenewalThreshold:  getDuration(v, "TOKEN_RENEWAL_THRESHOLD"),

		MailProvider:   strings.ToLower(v.GetString("MAIL_PROVIDER")),
		GraphBaseURL:   strings.TrimRight(v.GetString("GRAPH_BASE_URL"), "/"),
		ClientIdleTTL:  getDuration(v, "MAIL_CLIENT_IDLE_TTL"),
		RequestTimeout: getDuration(v, "MAIL_REQUEST_TIMEOUT"),

		GatewayMaxConcurrent: v.GetInt("GATEWAY_MAX_CONCURRENT"),
		GatewayMaxPerWindow:  v.GetInt("GATEWAY_MAX_PER_WINDOW"),
		GatewayWindow:        getDuration(v, "GATEWAY_WINDOW"),
		GatewayMaxAttempts:   v.GetInt("GATEWAY_MAX_ATTEMPTS"),
		GatewayBaseDelay:     getDuration(v, "GATEWAY_BASE_DELAY"),
		GatewayMaxDelay:      getDuration(v, "GATEWAY_MAX_DELAY"),
		GatewayMultiplier:    v.GetFloat64("GATEWAY_BACKOFF_MULTIPLIER"),

		PollBaseInterval:   getDuration(v, "POLL_BASE_INTERVAL"),
		PollMaxInterval:    getDuration(v, "POLL_MAX_INTERVAL"),
		PollMultiplier:     v.GetFloat64("POLL_MULTIPLIER"),
		PollEmptyThreshold: v.GetInt("POLL_EMPTY_THRESHOLD"),

		BatchSize:      v.GetInt("PROCESS_BATCH_SIZE"),
		ReplyTemplate:  v.GetString("REPLY_TEMPLATE"),
		SkipSenders:    splitList(v.GetString("SKIP_SENDER_PATTERNS")),
		SkipSubjects:   splitList(v.GetString("SKIP_SUBJECT_KEYWORDS")),
		ProcessTimeout: getDuration(v, "PROCESS_TIMEOUT"),

		AIProvider:    strings.ToLower(v.GetString("AI_PROVIDER")),
		ClassifierURL: v.GetString("CLASSIFIER_URL"),
		ClassifierKey: v.GetString("CLASSIFIER_API_KEY"),
		OllamaBaseURL: v.GetString("OLLAMA_BASE_URL"),
		OllamaModel:   v.GetString("OLLAMA_MODEL"),
		GeminiApiKey:  v.GetString("GEMINI_API_KEY"),
		GeminiModel:   v.GetString("GEMINI_MODEL"),

		GoogleProjectID:     v.GetString("GOOGLE_PROJECT_ID"),
		GooglePubSubTopic:   v.GetString("GOOGLE_PUBSUB_TOPIC"),
		GoogleCredentials:   v.GetString("GOOGLE_APPLICATION_CREDENTIALS"),
		FirebaseCredentials: v.GetString("FIREBASE_CREDENTIALS"),

		EncryptionKey: v.GetString("ENCRYPTION_KEY"),
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("DATABASE_DRIVER", "postgres")
	v.SetDefault("DATABASE_URL", "host=localhost user=postgres password=postgres dbname=mailsync port=5432 sslmode=disable")
	v.SetDefault("OAUTH_TOKEN_URL", "https://login.microsoftonline.com/common/oauth2/v2.0/token")
	v.SetDefault("OAUTH_SCOPES", "https://graph.microsoft.com/.default,offline_access")
	v.SetDefault("OAUTH_SILENT_RENEWAL", false)
	v.SetDefault("TOKEN_RENEWAL_THRESHOLD", "10m")
	v.SetDefault("MAIL_PROVIDER", "graph")
	v.SetDefault("GRAPH_BASE_URL", "https://graph.microsoft.com/v1.0")
	v.SetDefault("MAIL_CLIENT_IDLE_TTL", "1h")
	v.SetDefault("MAIL_REQUEST_TIMEOUT", "30s")
	v.SetDefault("GATEWAY_MAX_CONCURRENT", 2)
	v.SetDefault("GATEWAY_MAX_PER_WINDOW", 30)
	v.SetDefault("GATEWAY_WINDOW", "60s")
	v.SetDefault("GATEWAY_MAX_ATTEMPTS", 4)
	v.SetDefault("GATEWAY_BASE_DELAY", "1s")
	v.SetDefault("GATEWAY_MAX_DELAY", "30s")
	v.SetDefault("GATEWAY_BACKOFF_MULTIPLIER", 2.0)
	v.SetDefault("POLL_BASE_INTERVAL", "5m")
	v.SetDefault("POLL_MAX_INTERVAL", "15m")
	v.SetDefault("POLL_MULTIPLIER", 1.5)
	v.SetDefault("POLL_EMPTY_THRESHOLD", 10)
	v.SetDefault("PROCESS_BATCH_SIZE", 25)
	v.SetDefault("REPLY_TEMPLATE", "Thank you for your message. We have received it and will get back to you shortly.")
	v.SetDefault("PROCESS_TIMEOUT", "2m")
	v.SetDefault("AI_PROVIDER", "auto")
	v.SetDefault("OLLAMA_BASE_URL", "http://localhost:11434")
	v.SetDefault("OLLAMA_MODEL", "llama3")
	v.SetDefault("GEMINI_MODEL", "gemini-2.5-flash")
	v.SetDefault("GOOGLE_PUBSUB_TOPIC", "gmail-updates")
}

// Validate checks the values the mailbox core cannot run without. It
// returns a *domain.ConfigError naming the offending variable.
func (c *Config) Validate() error {
	switch c.MailProvider {
	case "graph", "gmail":
	default:
		return &domain.ConfigError{Field: "MAIL_PROVIDER", Reason: fmt.Sprintf("must be graph or gmail, got %q", c.MailProvider)}
	}
	switch c.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return &domain.ConfigError{Field: "DATABASE_DRIVER", Reason: fmt.Sprintf("must be postgres or sqlite, got %q", c.DatabaseDriver)}
	}
	if c.PollBaseInterval <= 0 {
		return &domain.ConfigError{Field: "POLL_BASE_INTERVAL", Reason: "must be positive"}
	}
	if c.PollMaxInterval < c.PollBaseInterval {
		return &domain.ConfigError{Field: "POLL_MAX_INTERVAL", Reason: fmt.Sprintf("%s is below POLL_BASE_INTERVAL (%s)", c.PollMaxInterval, c.PollBaseInterval)}
	}
	if c.PollMultiplier < 1 {
		return &domain.ConfigError{Field: "POLL_MULTIPLIER", Reason: "must be >= 1"}
	}
	if c.GatewayMaxConcurrent <= 0 {
		return &domain.ConfigError{Field: "GATEWAY_MAX_CONCURRENT", Reason: "must be positive"}
	}
	if c.GatewayMaxPerWindow <= 0 {
		return &domain.ConfigError{Field: "GATEWAY_MAX_PER_WINDOW", Reason: "must be positive"}
	}
	if c.RenewalThreshold < 0 {
		return &domain.ConfigError{Field: "TOKEN_RENEWAL_THRESHOLD", Reason: "must not be negative"}
	}
	if c.OAuthClientID == "" {
		return &domain.ConfigError{Field: "OAUTH_CLIENT_ID", Reason: "required"}
	}
	if c.EncryptionKey == "" {
		return &domain.ConfigError{Field: "ENCRYPTION_KEY", Reason: "required"}
	}
	return nil
}

func getDuration(v *viper.Viper, key string) time.Duration {
	if parsed, err := time.ParseDuration(v.GetString(key)); err == nil {
		return parsed
	}
	return 0
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
