package ai

import (
	"context"

	"mailsync/internal/mailbox/domain"
	"mailsync/pkg/gemini"
)

// GeminiClassifier classifies email with the Gemini API
type GeminiClassifier struct {
	service *gemini.GeminiService
}

func NewGeminiClassifier(service *gemini.GeminiService) *GeminiClassifier {
	return &GeminiClassifier{service: service}
}

func (g *GeminiClassifier) Classify(ctx context.Context, req domain.ClassificationRequest) (domain.Classification, error) {
	text, err := g.service.GenerateJSON(ctx, buildPrompt(req))
	if err != nil {
		return nil, &domain.ClassificationServiceError{Provider: string(ProviderGemini), Err: err}
	}
	parsed, err := parseModelOutput(text)
	if err != nil {
		return nil, &domain.ClassificationServiceError{Provider: string(ProviderGemini), Err: err}
	}
	return parsed.ToClassification(), nil
}
