package ai

import (
	"fmt"
	"time"

	"mailsync/pkg/gemini"
)

// Config holds classification provider configuration
type Config struct {
	Provider ProviderType

	// External classification service
	ClassifierURL string
	ClassifierKey string
	Timeout       time.Duration

	// Gemini config
	GeminiAPIKey string
	GeminiModel  string

	// Ollama config
	OllamaBaseURL string // e.g., "http://localhost:11434"
	OllamaModel   string // e.g., "llama3", "mistral"
}

// NewClassifier creates a Classifier based on the config. Switch provider by
// changing cfg.Provider; "auto" chains every configured provider.
func NewClassifier(cfg Config) (Classifier, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	switch cfg.Provider {
	case ProviderHTTP:
		if cfg.ClassifierURL == "" {
			return nil, fmt.Errorf("CLASSIFIER_URL is required for http provider")
		}
		return NewHTTPClassifier(cfg.ClassifierURL, cfg.ClassifierKey, cfg.Timeout), nil

	case ProviderGemini:
		if cfg.GeminiAPIKey == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY is required for Gemini provider")
		}
		return NewGeminiClassifier(gemini.NewGeminiService(cfg.GeminiAPIKey, cfg.GeminiModel)), nil

	case ProviderOllama:
		return NewOllamaService(cfg.OllamaBaseURL, cfg.OllamaModel), nil

	case ProviderAuto, "":
		chain := NewFallbackClassifier()
		if cfg.ClassifierURL != "" {
			chain.Add(string(ProviderHTTP), NewHTTPClassifier(cfg.ClassifierURL, cfg.ClassifierKey, cfg.Timeout))
		}
		if cfg.GeminiAPIKey != "" {
			chain.Add(string(ProviderGemini), NewGeminiClassifier(gemini.NewGeminiService(cfg.GeminiAPIKey, cfg.GeminiModel)))
		}
		chain.Add(string(ProviderOllama), NewOllamaService(cfg.OllamaBaseURL, cfg.OllamaModel))
		return chain, nil

	default:
		return nil, fmt.Errorf("unknown classifier provider %q", cfg.Provider)
	}
}
