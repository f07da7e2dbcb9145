package ai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"mailsync/internal/mailbox/domain"

	"github.com/go-resty/resty/v2"
)

// HTTPClassifier calls an external classification service that accepts a
// ClassificationRequest and answers with a Response.
type HTTPClassifier struct {
	client *resty.Client
	url    string
}

func NewHTTPClassifier(url, apiKey string, timeout time.Duration) *HTTPClassifier {
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	if apiKey != "" {
		client.SetAuthToken(apiKey)
	}
	return &HTTPClassifier{client: client, url: url}
}

func (c *HTTPClassifier) Classify(ctx context.Context, req domain.ClassificationRequest) (domain.Classification, error) {
	var out Response
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post(c.url)
	if err != nil {
		return nil, &domain.ClassificationServiceError{Provider: string(ProviderHTTP), Err: err}
	}
	if resp.IsError() {
		return nil, &domain.ClassificationServiceError{
			Provider: string(ProviderHTTP),
			Err:      fmt.Errorf("status %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String())),
		}
	}
	return out.ToClassification(), nil
}
