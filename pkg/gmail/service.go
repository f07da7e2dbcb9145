package gmail

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"regexp"
	"strings"
	"time"

	"mailsync/internal/mailbox/domain"
	"mailsync/pkg/mailclient"

	"github.com/emersion/go-message/mail"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const user = "me"

var htmlTagRe = regexp.MustCompile(`<[^>]*>`)

// Service is a mail backend on top of the Gmail API.
type Service struct {
	endpoint string
}

var (
	_ mailclient.PageLister    = (*Service)(nil)
	_ mailclient.ThreadReplier = (*Service)(nil)
)

// NewService creates a Gmail backend. endpoint overrides the API base URL
// and is empty in production.
func NewService(endpoint string) *Service {
	return &Service{endpoint: endpoint}
}

// GetGmailService creates a Gmail client authorized with accessToken.
// Renewal is the token manager's job, so the token source is static.
func (s *Service) GetGmailService(ctx context.Context, accessToken string) (*gmail.Service, error) {
	token := &oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(token))

	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if s.endpoint != "" {
		opts = append(opts, option.WithEndpoint(s.endpoint))
	}
	srv, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to create Gmail service: %w", err)
	}
	return srv, nil
}

// pageSize is the Gmail API maximum for messages.list.
const pageSize = 500

// ListMessagePage returns one page of unread inbox message ids received at
// or after since, newest first.
func (s *Service) ListMessagePage(ctx context.Context, token string, since time.Time, pageToken string) (*mailclient.Page, error) {
	srv, err := s.GetGmailService(ctx, token)
	if err != nil {
		return nil, err
	}

	q := "is:unread in:inbox"
	if !since.IsZero() {
		// after: is exclusive; step back one second to keep since inclusive
		q += fmt.Sprintf(" after:%d", since.Unix()-1)
	}

	call := srv.Users.Messages.List(user).Q(q).MaxResults(pageSize).Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	resp, err := call.Do()
	if err != nil {
		return nil, mapError("list messages", err)
	}

	page := &mailclient.Page{IDs: make([]string, 0, len(resp.Messages)), Next: resp.NextPageToken}
	for _, ref := range resp.Messages {
		page.IDs = append(page.IDs, ref.Id)
	}
	return page, nil
}

func (s *Service) GetMessage(ctx context.Context, token, id string) (*domain.Message, error) {
	srv, err := s.GetGmailService(ctx, token)
	if err != nil {
		return nil, err
	}

	msg, err := srv.Users.Messages.Get(user, id).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, mapError("get message", err)
	}
	return convertMessage(msg), nil
}

func (s *Service) MarkRead(ctx context.Context, token, id string) error {
	srv, err := s.GetGmailService(ctx, token)
	if err != nil {
		return err
	}

	modifyReq := &gmail.ModifyMessageRequest{
		RemoveLabelIds: []string{"UNREAD"},
	}
	if _, err := srv.Users.Messages.Modify(user, id, modifyReq).Context(ctx).Do(); err != nil {
		return mapError("mark read", err)
	}
	return nil
}

func (s *Service) SendMessage(ctx context.Context, token string, msg *domain.OutgoingMessage) error {
	srv, err := s.GetGmailService(ctx, token)
	if err != nil {
		return err
	}

	h, err := newHeader(msg.To, msg.Cc, msg.Subject, msg.IsHTML)
	if err != nil {
		return err
	}
	raw, err := compose(h, msg.Body)
	if err != nil {
		return err
	}

	if _, err := srv.Users.Messages.Send(user, &gmail.Message{Raw: raw}).Context(ctx).Do(); err != nil {
		return mapError("send message", err)
	}
	return nil
}

// SendReply answers the sender of orig inside the same thread.
func (s *Service) SendReply(ctx context.Context, token string, orig *domain.Message, msg *domain.OutgoingMessage) error {
	srv, err := s.GetGmailService(ctx, token)
	if err != nil {
		return err
	}

	to := orig.ReplyTo
	if to == "" {
		to = orig.From
	}
	subject := orig.Subject
	if !strings.HasPrefix(strings.ToLower(subject), "re:") {
		subject = "Re: " + subject
	}

	h, err := newHeader([]string{to}, msg.Cc, subject, msg.IsHTML)
	if err != nil {
		return err
	}
	if orig.MessageIDHdr != "" {
		h.Set("In-Reply-To", orig.MessageIDHdr)
		h.Set("References", strings.TrimSpace(orig.References+" "+orig.MessageIDHdr))
	}
	raw, err := compose(h, msg.Body)
	if err != nil {
		return err
	}

	reply := &gmail.Message{Raw: raw, ThreadId: orig.ConversationID}
	if _, err := srv.Users.Messages.Send(user, reply).Context(ctx).Do(); err != nil {
		return mapError("reply", err)
	}
	return nil
}

// Watch sets up push notifications for the user's inbox on topicName. Gmail
// allows one watch per user, so callers stop any previous watch first.
func (s *Service) Watch(ctx context.Context, token, topicName string) error {
	srv, err := s.GetGmailService(ctx, token)
	if err != nil {
		return err
	}

	req := &gmail.WatchRequest{
		TopicName: topicName,
		LabelIds:  []string{"INBOX"},
	}
	resp, err := srv.Users.Watch(user, req).Context(ctx).Do()
	if err != nil {
		return mapError("watch mailbox", err)
	}
	log.Printf("[Gmail] Watch started on %s. Expiration: %d, HistoryId: %d", topicName, resp.Expiration, resp.HistoryId)
	return nil
}

// StopWatch stops push notifications for the user's mailbox.
func (s *Service) StopWatch(ctx context.Context, token string) error {
	srv, err := s.GetGmailService(ctx, token)
	if err != nil {
		return err
	}
	if err := srv.Users.Stop(user).Context(ctx).Do(); err != nil {
		return mapError("stop watch", err)
	}
	return nil
}

// mapError turns googleapi errors into RemoteAPIError and transport
// failures into TransientError.
func mapError(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		apiErr := &domain.RemoteAPIError{Status: gerr.Code, Message: gerr.Message}
		if ra := gerr.Header.Get("Retry-After"); ra != "" {
			if d, perr := time.ParseDuration(ra + "s"); perr == nil {
				apiErr.RetryAfter = d
			}
		}
		return fmt.Errorf("%s: %w", op, apiErr)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &domain.TransientError{Op: op, Err: err}
}

func newHeader(to, cc []string, subject string, isHTML bool) (mail.Header, error) {
	var h mail.Header
	h.SetDate(time.Now())
	h.Set("MIME-Version", "1.0")
	h.SetSubject(subject)

	toAddrs, err := parseAddresses(to)
	if err != nil {
		return h, err
	}
	h.SetAddressList("To", toAddrs)
	if len(cc) > 0 {
		ccAddrs, err := parseAddresses(cc)
		if err != nil {
			return h, err
		}
		h.SetAddressList("Cc", ccAddrs)
	}

	contentType := "text/plain"
	if isHTML {
		contentType = "text/html"
	}
	h.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	return h, nil
}

func parseAddresses(raw []string) ([]*mail.Address, error) {
	addrs := make([]*mail.Address, 0, len(raw))
	for _, r := range raw {
		a, err := mail.ParseAddress(r)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", r, err)
		}
		addrs = append(addrs, a)
	}
	return addrs, nil
}

// compose renders an RFC 5322 message and encodes it for the Raw field.
func compose(h mail.Header, body string) (string, error) {
	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return "", fmt.Errorf("unable to compose message: %w", err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return "", fmt.Errorf("unable to compose message: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("unable to compose message: %w", err)
	}
	return base64.URLEncoding.EncodeToString(buf.Bytes()), nil
}

func convertMessage(msg *gmail.Message) *domain.Message {
	from := getHeader(msg.Payload.Headers, "From")
	fromAddr, fromName := from, ""
	if a, err := mail.ParseAddress(from); err == nil {
		fromAddr, fromName = a.Address, a.Name
	}

	body, isHTML := getEmailBody(msg.Payload)
	preview := msg.Snippet
	if preview == "" {
		preview = makePreview(body, isHTML)
	}

	return &domain.Message{
		ID:             msg.Id,
		ConversationID: msg.ThreadId,
		Subject:        getHeader(msg.Payload.Headers, "Subject"),
		From:           strings.ToLower(fromAddr),
		FromName:       fromName,
		BodyPreview:    preview,
		Body:           body,
		IsHTML:         isHTML,
		IsRead:         !hasLabel(msg.LabelIds, "UNREAD"),
		ReceivedAt:     time.UnixMilli(msg.InternalDate).UTC(),
		MessageIDHdr:   getHeader(msg.Payload.Headers, "Message-ID"),
		ReplyTo:        getHeader(msg.Payload.Headers, "Reply-To"),
		References:     getHeader(msg.Payload.Headers, "References"),
	}
}

func makePreview(body string, isHTML bool) string {
	preview := body
	if isHTML {
		preview = htmlTagRe.ReplaceAllString(preview, " ")
		preview = strings.NewReplacer("&nbsp;", " ", "&lt;", "<", "&gt;", ">", "&amp;", "&", "&quot;", "\"").Replace(preview)
	}
	preview = strings.Join(strings.Fields(preview), " ")
	if len(preview) > 200 {
		preview = preview[:200] + "..."
	}
	return preview
}

func getHeader(headers []*gmail.MessagePartHeader, name string) string {
	for _, header := range headers {
		if strings.EqualFold(header.Name, name) {
			return header.Value
		}
	}
	return ""
}

func getEmailBody(payload *gmail.MessagePart) (string, bool) {
	if payload == nil {
		return "", false
	}
	// If the payload itself is the body
	if payload.Body != nil && payload.Body.Data != "" {
		data, err := base64.URLEncoding.DecodeString(payload.Body.Data)
		if err == nil {
			return string(data), payload.MimeType == "text/html"
		}
	}

	var htmlBody, plainBody string
	var findBody func(parts []*gmail.MessagePart)
	findBody = func(parts []*gmail.MessagePart) {
		for _, part := range parts {
			if part.Body != nil && part.Body.Data != "" {
				data, err := base64.URLEncoding.DecodeString(part.Body.Data)
				if err == nil {
					switch part.MimeType {
					case "text/html":
						htmlBody = string(data)
					case "text/plain":
						plainBody = string(data)
					}
				}
			}
			if len(part.Parts) > 0 {
				findBody(part.Parts)
			}
		}
	}
	findBody(payload.Parts)

	if htmlBody != "" {
		return htmlBody, true
	}
	return plainBody, false
}

func hasLabel(labels []string, labelID string) bool {
	for _, label := range labels {
		if label == labelID {
			return true
		}
	}
	return false
}
