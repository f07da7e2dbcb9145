package notification

import (
	"context"
	"fmt"
	"log"

	"mailsync/pkg/mailclient"
)

// ClientSource returns the mail client of an account.
type ClientSource interface {
	Get(accountID string) *mailclient.Client
}

// MailboxWatcher registers a Gmail push subscription for a mailbox. Each
// method issues a single request.
type MailboxWatcher interface {
	Watch(ctx context.Context, token, topicName string) error
	StopWatch(ctx context.Context, token string) error
}

// GmailWatcher subscribes accounts to the Pub/Sub topic the Service listens on.
type GmailWatcher struct {
	clients ClientSource
	gmail   MailboxWatcher
	topic   string
}

// NewGmailWatcher builds a watcher publishing to projects/<projectID>/topics/<topicName>.
func NewGmailWatcher(clients ClientSource, gmail MailboxWatcher, projectID, topicName string) *GmailWatcher {
	return &GmailWatcher{
		clients: clients,
		gmail:   gmail,
		topic:   fmt.Sprintf("projects/%s/topics/%s", projectID, topicName),
	}
}

func (w *GmailWatcher) Watch(ctx context.Context, accountID string) error {
	client := w.clients.Get(accountID)

	// Only one push client is allowed per user
	if err := client.Call(ctx, "stop watch", func(ctx context.Context, token string) error {
		return w.gmail.StopWatch(ctx, token)
	}); err != nil {
		log.Printf("[PubSub] Clearing previous watch of %s failed: %v", accountID, err)
	}

	if err := client.Call(ctx, "watch", func(ctx context.Context, token string) error {
		return w.gmail.Watch(ctx, token, w.topic)
	}); err != nil {
		return fmt.Errorf("watch %s: %w", accountID, err)
	}
	log.Printf("[PubSub] Watching %s on %s", accountID, w.topic)
	return nil
}

func (w *GmailWatcher) Unwatch(ctx context.Context, accountID string) error {
	if err := w.clients.Get(accountID).Call(ctx, "stop watch", func(ctx context.Context, token string) error {
		return w.gmail.StopWatch(ctx, token)
	}); err != nil {
		return fmt.Errorf("stop watch %s: %w", accountID, err)
	}
	log.Printf("[PubSub] Stopped watching %s", accountID)
	return nil
}
