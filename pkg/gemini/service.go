package gemini

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

type GeminiService struct {
	ApiKey  string
	Model   string
	client  *resty.Client
	baseURL string
}

func NewGeminiService(apiKey, model string) *GeminiService {
	if model == "" {
		model = "gemini-2.5-flash"
	}
	return &GeminiService{
		ApiKey:  apiKey,
		Model:   model,
		client:  resty.New().SetTimeout(30 * time.Second),
		baseURL: defaultBaseURL,
	}
}

// WithBaseURL points the service at another API root, for tests.
func (g *GeminiService) WithBaseURL(baseURL string) *GeminiService {
	g.baseURL = baseURL
	return g
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Parts []part `json:"parts"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

// GenerateJSON sends prompt and asks the model to answer with JSON. The
// returned text is the first candidate's first part.
func (g *GeminiService) GenerateJSON(ctx context.Context, prompt string) (string, error) {
	payload := map[string]interface{}{
		"contents": []content{{Parts: []part{{Text: prompt}}}},
		"generationConfig": map[string]interface{}{
			"responseMimeType": "application/json",
			"temperature":      0.2,
		},
	}

	var result generateResponse
	resp, err := g.client.R().
		SetContext(ctx).
		SetQueryParam("key", g.ApiKey).
		SetBody(payload).
		SetResult(&result).
		Post(fmt.Sprintf("%s/models/%s:generateContent", g.baseURL, g.Model))
	if err != nil {
		return "", err
	}
	if resp.StatusCode() != 200 {
		return "", fmt.Errorf("Gemini API error (%d): %s", resp.StatusCode(), resp.String())
	}

	if len(result.Candidates) > 0 && len(result.Candidates[0].Content.Parts) > 0 {
		return result.Candidates[0].Content.Parts[0].Text, nil
	}
	return "", fmt.Errorf("no content returned")
}
