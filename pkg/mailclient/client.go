package mailclient

import (
	"context"
	"errors"
	"log"
	"sort"
	"time"

	"mailsync/internal/mailbox/domain"
)

// TokenProvider supplies access tokens for an account.
type TokenProvider interface {
	GetValidToken(ctx context.Context, accountID string) (string, error)
	ForceRenew(ctx context.Context, accountID, staleToken string) (string, error)
}

// Executor runs a remote call under the request gateway's limits.
type Executor interface {
	Execute(ctx context.Context, fn func(ctx context.Context) error) error
}

// Backend performs raw remote API operations with a bearer token. Every
// method issues exactly one HTTP request, so the client can put each request
// through the gateway on its own. A backend also implements one of
// MessageLister or PageLister, and one of Replier or ThreadReplier.
type Backend interface {
	GetMessage(ctx context.Context, token, id string) (*domain.Message, error)
	MarkRead(ctx context.Context, token, id string) error
	SendMessage(ctx context.Context, token string, msg *domain.OutgoingMessage) error
}

// MessageLister returns up to limit full unread messages received at or
// after since, oldest first.
type MessageLister interface {
	ListMessages(ctx context.Context, token string, since time.Time, limit int) ([]*domain.Message, error)
}

// Page is one page of message ids, newest first.
type Page struct {
	IDs  []string
	Next string
}

// PageLister returns one page of unread message ids received at or after
// since. The client fetches every message separately.
type PageLister interface {
	ListMessagePage(ctx context.Context, token string, since time.Time, pageToken string) (*Page, error)
}

// Replier answers a message in a single request.
type Replier interface {
	ReplyTo(ctx context.Context, token, id string, msg *domain.OutgoingMessage) error
}

// ThreadReplier sends a reply built from the original message, which the
// client fetches first.
type ThreadReplier interface {
	SendReply(ctx context.Context, token string, orig *domain.Message, msg *domain.OutgoingMessage) error
}

var errUnsupported = errors.New("operation not supported by mail backend")

// Client is the mail API of a single account. Every call fetches a valid
// token, goes through the gateway and is retried exactly once with a forced
// renewal when the remote API answers 401.
type Client struct {
	accountID string
	tokens    TokenProvider
	gateway   Executor
	backend   Backend
}

func New(accountID string, tokens TokenProvider, gateway Executor, backend Backend) *Client {
	return &Client{
		accountID: accountID,
		tokens:    tokens,
		gateway:   gateway,
		backend:   backend,
	}
}

func (c *Client) AccountID() string { return c.accountID }

// ListMessages returns up to limit unread messages received at or after
// since, oldest first. A zero since lists all unread messages.
func (c *Client) ListMessages(ctx context.Context, since time.Time, limit int) ([]*domain.Message, error) {
	switch b := c.backend.(type) {
	case MessageLister:
		var out []*domain.Message
		err := c.Call(ctx, "list messages", func(ctx context.Context, token string) error {
			msgs, err := b.ListMessages(ctx, token, since, limit)
			if err != nil {
				return err
			}
			out = msgs
			return nil
		})
		return out, err
	case PageLister:
		return c.listPaged(ctx, b, since, limit)
	default:
		return nil, errUnsupported
	}
}

// listPaged collects every matching id first. Pages are newest first, so
// the oldest limit messages sit at the tail; fetching only those keeps the
// watermark from passing messages that were never listed.
func (c *Client) listPaged(ctx context.Context, lister PageLister, since time.Time, limit int) ([]*domain.Message, error) {
	var ids []string
	pageToken := ""
	for {
		var page *Page
		err := c.Call(ctx, "list messages", func(ctx context.Context, token string) error {
			p, err := lister.ListMessagePage(ctx, token, since, pageToken)
			if err != nil {
				return err
			}
			page = p
			return nil
		})
		if err != nil {
			return nil, err
		}
		ids = append(ids, page.IDs...)
		if page.Next == "" {
			break
		}
		pageToken = page.Next
	}
	if limit > 0 && len(ids) > limit {
		ids = ids[len(ids)-limit:]
	}

	msgs := make([]*domain.Message, 0, len(ids))
	for _, id := range ids {
		m, err := c.GetMessage(ctx, id)
		if err != nil {
			if domain.StatusCode(err) == 404 {
				log.Printf("[MailClient] Message %s of %s disappeared before fetch", id, c.accountID)
				continue
			}
			return nil, err
		}
		if m.IsRead || (!since.IsZero() && m.ReceivedAt.Before(since)) {
			continue
		}
		msgs = append(msgs, m)
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].ReceivedAt.Before(msgs[j].ReceivedAt)
	})
	return msgs, nil
}

func (c *Client) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	var out *domain.Message
	err := c.Call(ctx, "get message", func(ctx context.Context, token string) error {
		msg, err := c.backend.GetMessage(ctx, token, id)
		if err != nil {
			return err
		}
		out = msg
		return nil
	})
	return out, err
}

func (c *Client) MarkRead(ctx context.Context, id string) error {
	return c.Call(ctx, "mark read", func(ctx context.Context, token string) error {
		return c.backend.MarkRead(ctx, token, id)
	})
}

func (c *Client) SendMessage(ctx context.Context, msg *domain.OutgoingMessage) error {
	return c.Call(ctx, "send message", func(ctx context.Context, token string) error {
		return c.backend.SendMessage(ctx, token, msg)
	})
}

func (c *Client) ReplyTo(ctx context.Context, id string, msg *domain.OutgoingMessage) error {
	switch b := c.backend.(type) {
	case Replier:
		return c.Call(ctx, "reply", func(ctx context.Context, token string) error {
			return b.ReplyTo(ctx, token, id, msg)
		})
	case ThreadReplier:
		orig, err := c.GetMessage(ctx, id)
		if err != nil {
			return err
		}
		return c.Call(ctx, "reply", func(ctx context.Context, token string) error {
			return b.SendReply(ctx, token, orig, msg)
		})
	default:
		return errUnsupported
	}
}

// Call runs one backend specific request with the account's token, through
// the gateway, renewing the token once on 401. fn must issue a single
// remote request.
func (c *Client) Call(ctx context.Context, op string, fn func(ctx context.Context, token string) error) error {
	token, err := c.tokens.GetValidToken(ctx, c.accountID)
	if err != nil {
		return err
	}

	err = c.gateway.Execute(ctx, func(ctx context.Context) error { return fn(ctx, token) })
	if !domain.IsUnauthorized(err) {
		return err
	}

	log.Printf("[MailClient] %s for %s rejected with 401, renewing token", op, c.accountID)
	fresh, err := c.tokens.ForceRenew(ctx, c.accountID, token)
	if err != nil {
		return err
	}

	err = c.gateway.Execute(ctx, func(ctx context.Context) error { return fn(ctx, fresh) })
	if domain.IsUnauthorized(err) {
		return &domain.AuthExpiredError{AccountID: c.accountID, Err: err}
	}
	return err
}
