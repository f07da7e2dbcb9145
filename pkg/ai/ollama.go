package ai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"mailsync/internal/mailbox/domain"

	"github.com/go-resty/resty/v2"
)

// OllamaService classifies email with a local Ollama model
type OllamaService struct {
	client  *resty.Client
	baseURL string
	model   string
}

// NewOllamaService creates a new Ollama service
func NewOllamaService(baseURL, model string) *OllamaService {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "llama3"
	}
	return &OllamaService{
		client:  resty.New().SetTimeout(60 * time.Second),
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
	}
}

// Classify implements Classifier
func (o *OllamaService) Classify(ctx context.Context, req domain.ClassificationRequest) (domain.Classification, error) {
	payload := map[string]interface{}{
		"model":  o.model,
		"prompt": buildPrompt(req),
		"stream": false,
		"format": "json",
		"options": map[string]interface{}{
			"temperature": 0.2,
		},
	}

	var result struct {
		Response string `json:"response"`
		Done     bool   `json:"done"`
	}
	resp, err := o.client.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&result).
		Post(o.baseURL + "/api/generate")
	if err != nil {
		return nil, &domain.ClassificationServiceError{Provider: string(ProviderOllama), Err: fmt.Errorf("ollama request failed: %w", err)}
	}
	if resp.IsError() {
		return nil, &domain.ClassificationServiceError{
			Provider: string(ProviderOllama),
			Err:      fmt.Errorf("ollama API error (%d): %s", resp.StatusCode(), resp.String()),
		}
	}

	parsed, err := parseModelOutput(result.Response)
	if err != nil {
		return nil, &domain.ClassificationServiceError{Provider: string(ProviderOllama), Err: err}
	}
	return parsed.ToClassification(), nil
}
