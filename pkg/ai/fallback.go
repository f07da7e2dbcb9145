package ai

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"

	"mailsync/internal/mailbox/domain"
)

// FallbackClassifier tries each provider in order and returns the first
// successful classification.
type FallbackClassifier struct {
	providers []namedClassifier
}

type namedClassifier struct {
	name string
	Classifier
}

// NewFallbackClassifier creates an empty fallback chain.
func NewFallbackClassifier() *FallbackClassifier {
	return &FallbackClassifier{}
}

// Add appends a provider to the chain. Nil providers are skipped.
func (f *FallbackClassifier) Add(name string, c Classifier) *FallbackClassifier {
	if c != nil {
		f.providers = append(f.providers, namedClassifier{name: name, Classifier: c})
	}
	return f
}

func (f *FallbackClassifier) Len() int { return len(f.providers) }

// isConnectionError checks if the error is a network/connection error
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	connectionIndicators := []string{
		"connection refused",
		"no such host",
		"network is unreachable",
		"connection reset",
		"timeout",
		"dial tcp",
		"eof",
	}
	for _, indicator := range connectionIndicators {
		if strings.Contains(errStr, indicator) {
			return true
		}
	}
	return false
}

// isQuotaError checks if the error indicates API quota exhaustion (429)
func isQuotaError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())
	quotaIndicators := []string{
		"429",
		"quota",
		"rate limit",
		"too many requests",
		"resource_exhausted",
		"resource exhausted",
	}
	for _, indicator := range quotaIndicators {
		if strings.Contains(errStr, indicator) {
			return true
		}
	}
	return false
}

func (f *FallbackClassifier) Classify(ctx context.Context, req domain.ClassificationRequest) (domain.Classification, error) {
	var lastErr error
	for _, p := range f.providers {
		result, err := p.Classify(ctx, req)
		if err == nil {
			return result, nil
		}
		lastErr = err

		switch {
		case ctx.Err() != nil:
			return nil, &domain.ClassificationServiceError{Provider: p.name, Err: ctx.Err()}
		case isConnectionError(err):
			log.Printf("[AI] %s connection failed: %v, trying next provider", p.name, err)
		case isQuotaError(err):
			log.Printf("[AI] %s quota exhausted: %v, trying next provider", p.name, err)
		default:
			log.Printf("[AI] %s error: %v, trying next provider", p.name, err)
		}
	}

	if lastErr == nil {
		return nil, &domain.ClassificationServiceError{Provider: "none", Err: fmt.Errorf("no classification provider configured")}
	}
	var cse *domain.ClassificationServiceError
	if errors.As(lastErr, &cse) {
		return nil, lastErr
	}
	return nil, &domain.ClassificationServiceError{Provider: "fallback", Err: lastErr}
}
