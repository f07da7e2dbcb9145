package mailclient

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"mailsync/internal/mailbox/domain"

	"github.com/go-resty/resty/v2"
)

const graphMessageFields = "id,conversationId,subject,from,bodyPreview,body,isRead,receivedDateTime,internetMessageId"

// GraphBackend talks to a Graph style REST mail API.
type GraphBackend struct {
	client *resty.Client
}

var (
	_ MessageLister = (*GraphBackend)(nil)
	_ Replier       = (*GraphBackend)(nil)
)

func NewGraphBackend(baseURL string, timeout time.Duration) *GraphBackend {
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &GraphBackend{client: client}
}

type graphEmailAddress struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

type graphRecipient struct {
	EmailAddress graphEmailAddress `json:"emailAddress"`
}

type graphBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphMessage struct {
	ID                string         `json:"id"`
	ConversationID    string         `json:"conversationId"`
	Subject           string         `json:"subject"`
	From              graphRecipient `json:"from"`
	BodyPreview       string         `json:"bodyPreview"`
	Body              graphBody      `json:"body"`
	IsRead            bool           `json:"isRead"`
	ReceivedDateTime  time.Time      `json:"receivedDateTime"`
	InternetMessageID string         `json:"internetMessageId"`
}

type graphMessageList struct {
	Value []graphMessage `json:"value"`
}

type graphErrorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type graphOutgoing struct {
	Subject      string           `json:"subject,omitempty"`
	Body         graphBody        `json:"body"`
	ToRecipients []graphRecipient `json:"toRecipients"`
	CcRecipients []graphRecipient `json:"ccRecipients,omitempty"`
}

func (b *GraphBackend) ListMessages(ctx context.Context, token string, since time.Time, limit int) ([]*domain.Message, error) {
	filter := "isRead eq false"
	if !since.IsZero() {
		filter += " and receivedDateTime ge " + since.UTC().Format(time.RFC3339)
	}

	var out graphMessageList
	req := b.request(ctx, token).
		SetQueryParam("$filter", filter).
		SetQueryParam("$orderby", "receivedDateTime asc").
		SetQueryParam("$select", graphMessageFields).
		SetResult(&out)
	if limit > 0 {
		req.SetQueryParam("$top", strconv.Itoa(limit))
	}
	resp, err := req.Get("/me/mailFolders/inbox/messages")
	if err := checkResponse(ctx, "list messages", resp, err); err != nil {
		return nil, err
	}

	msgs := make([]*domain.Message, 0, len(out.Value))
	for i := range out.Value {
		msgs = append(msgs, out.Value[i].toDomain())
	}
	return msgs, nil
}

func (b *GraphBackend) GetMessage(ctx context.Context, token, id string) (*domain.Message, error) {
	var out graphMessage
	resp, err := b.request(ctx, token).
		SetPathParam("id", id).
		SetQueryParam("$select", graphMessageFields).
		SetResult(&out).
		Get("/me/messages/{id}")
	if err := checkResponse(ctx, "get message", resp, err); err != nil {
		return nil, err
	}
	return out.toDomain(), nil
}

func (b *GraphBackend) MarkRead(ctx context.Context, token, id string) error {
	resp, err := b.request(ctx, token).
		SetPathParam("id", id).
		SetBody(map[string]bool{"isRead": true}).
		Patch("/me/messages/{id}")
	return checkResponse(ctx, "mark read", resp, err)
}

func (b *GraphBackend) SendMessage(ctx context.Context, token string, msg *domain.OutgoingMessage) error {
	payload := map[string]interface{}{
		"message": graphOutgoing{
			Subject:      msg.Subject,
			Body:         toGraphBody(msg),
			ToRecipients: toRecipients(msg.To),
			CcRecipients: toRecipients(msg.Cc),
		},
		"saveToSentItems": true,
	}
	resp, err := b.request(ctx, token).SetBody(payload).Post("/me/sendMail")
	return checkResponse(ctx, "send message", resp, err)
}

func (b *GraphBackend) ReplyTo(ctx context.Context, token, id string, msg *domain.OutgoingMessage) error {
	resp, err := b.request(ctx, token).
		SetPathParam("id", id).
		SetBody(map[string]string{"comment": msg.Body}).
		Post("/me/messages/{id}/reply")
	return checkResponse(ctx, "reply", resp, err)
}

func (b *GraphBackend) request(ctx context.Context, token string) *resty.Request {
	return b.client.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetError(&graphErrorBody{})
}

// checkResponse maps transport failures to TransientError and non-2xx
// responses to RemoteAPIError.
func checkResponse(ctx context.Context, op string, resp *resty.Response, err error) error {
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &domain.TransientError{Op: op, Err: err}
	}
	if !resp.IsError() {
		return nil
	}

	apiErr := &domain.RemoteAPIError{
		Status:     resp.StatusCode(),
		RetryAfter: parseRetryAfter(resp.Header().Get("Retry-After")),
	}
	if body, ok := resp.Error().(*graphErrorBody); ok && body.Error.Message != "" {
		apiErr.Message = body.Error.Message
	} else {
		apiErr.Message = strings.TrimSpace(resp.String())
	}
	return fmt.Errorf("%s: %w", op, apiErr)
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		return time.Until(at)
	}
	return 0
}

func (m *graphMessage) toDomain() *domain.Message {
	return &domain.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Subject:        m.Subject,
		From:           strings.ToLower(m.From.EmailAddress.Address),
		FromName:       m.From.EmailAddress.Name,
		BodyPreview:    m.BodyPreview,
		Body:           m.Body.Content,
		IsHTML:         strings.EqualFold(m.Body.ContentType, "html"),
		IsRead:         m.IsRead,
		ReceivedAt:     m.ReceivedDateTime,
		MessageIDHdr:   m.InternetMessageID,
	}
}

func toGraphBody(msg *domain.OutgoingMessage) graphBody {
	if msg.IsHTML {
		return graphBody{ContentType: "HTML", Content: msg.Body}
	}
	return graphBody{ContentType: "Text", Content: msg.Body}
}

func toRecipients(addrs []string) []graphRecipient {
	out := make([]graphRecipient, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, graphRecipient{EmailAddress: graphEmailAddress{Address: a}})
	}
	return out
}
