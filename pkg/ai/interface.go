package ai

import (
	"context"

	"mailsync/internal/mailbox/domain"
)

// Classifier decides whether a message deserves a reply.
// Implement this interface to add new classification providers.
type Classifier interface {
	Classify(ctx context.Context, req domain.ClassificationRequest) (domain.Classification, error)
}

// ProviderType represents the classification provider type
type ProviderType string

const (
	ProviderHTTP   ProviderType = "http"
	ProviderGemini ProviderType = "gemini"
	ProviderOllama ProviderType = "ollama"
	ProviderAuto   ProviderType = "auto"
)
