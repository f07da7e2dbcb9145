package ai

import (
	"encoding/json"
	"fmt"
	"strings"

	"mailsync/internal/mailbox/domain"
)

// Analysis is the verdict part of a classifier response.
type Analysis struct {
	ShouldReply bool    `json:"shouldReply"`
	Priority    string  `json:"priority"`
	Category    string  `json:"category"`
	Confidence  float64 `json:"confidence"`
}

// Response is the wire shape every provider is asked to produce.
type Response struct {
	Analysis Analysis `json:"analysis"`
	Response *string  `json:"response,omitempty"`
}

// ToClassification converts a response into a Reply or NoReply.
func (r *Response) ToClassification() domain.Classification {
	meta := domain.ClassificationMeta{
		Priority:   r.Analysis.Priority,
		Category:   r.Analysis.Category,
		Confidence: clamp01(r.Analysis.Confidence),
		Source:     domain.SourceClassifier,
	}
	if meta.Priority == "" {
		meta.Priority = "medium"
	}
	if !r.Analysis.ShouldReply {
		return domain.NoReply{ClassificationMeta: meta, Reason: "classifier"}
	}
	reply := domain.Reply{ClassificationMeta: meta}
	if r.Response != nil {
		reply.Text = strings.TrimSpace(*r.Response)
	}
	return reply
}

// parseModelOutput extracts the JSON object from free-form model text.
func parseModelOutput(text string) (*Response, error) {
	text = strings.TrimSpace(text)
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end <= start {
		return nil, fmt.Errorf("no JSON object in model output")
	}

	var resp Response
	if err := json.Unmarshal([]byte(text[start:end+1]), &resp); err != nil {
		return nil, fmt.Errorf("failed to parse classification JSON: %w", err)
	}
	return &resp, nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func buildPrompt(req domain.ClassificationRequest) string {
	return fmt.Sprintf(`You triage the inbox of a school's enrollment office. Decide whether the email below needs a reply from staff.

RULES:
- shouldReply is true for questions, requests and anything a parent or student expects an answer to
- shouldReply is false for newsletters, receipts, notifications and messages that need no answer
- priority is one of high, medium, low
- category is a short lowercase label such as enrollment, payment, schedule, documents, general
- confidence is a number between 0 and 1
- response is a short, polite reply in the sender's language, or null when shouldReply is false

Return ONLY a JSON object of the form:
{"analysis":{"shouldReply":true,"priority":"medium","category":"enrollment","confidence":0.8},"response":"..."}

FROM: %s
SUBJECT: %s

EMAIL:
%s`, req.From, req.Subject, emailText(req))
}

func emailText(req domain.ClassificationRequest) string {
	if req.Body != "" {
		return req.Body
	}
	return req.BodyPreview
}
