package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"mailsync/internal/mailbox/domain"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
)

// GmailNotification is the payload Gmail publishes on a mailbox change.
type GmailNotification struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

// Trigger runs an immediate processing batch for an account.
type Trigger interface {
	ProcessNow(ctx context.Context, accountID string) ([]domain.ProcessedMessage, error)
}

// Service listens for Gmail push notifications and processes the affected
// mailbox right away instead of waiting for its next poll.
type Service struct {
	pubsubClient *pubsub.Client
	trigger      Trigger
	topicName    string
	subName      string

	mu sync.Mutex
	// Deduplication: last historyId seen per account
	lastHistoryID map[string]uint64
}

func NewService(ctx context.Context, projectID, topicName, credentialsFile string, trigger Trigger) (*Service, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}

	s := newService(trigger, topicName)
	s.pubsubClient = client
	return s, nil
}

func newService(trigger Trigger, topicName string) *Service {
	return &Service{
		trigger:       trigger,
		topicName:     topicName,
		subName:       topicName + "-sub", // Convention: topic-sub
		lastHistoryID: make(map[string]uint64),
	}
}

// Start blocks receiving messages until ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	log.Printf("[PubSub] Starting notification service with topic: %s, subscription: %s", s.topicName, s.subName)

	sub, err := s.ensureSubscription(ctx)
	if err != nil {
		log.Printf("[PubSub] %v", err)
		return
	}

	log.Printf("[PubSub] Listening for messages on subscription: %s", s.subName)
	err = sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		if err := s.HandleNotification(ctx, msg.Data); err != nil {
			log.Printf("[PubSub] Failed to handle message %s: %v", msg.ID, err)
		}
		msg.Ack()
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("[PubSub] Error receiving messages: %v", err)
	}
}

func (s *Service) Close() error {
	if s.pubsubClient == nil {
		return nil
	}
	return s.pubsubClient.Close()
}

func (s *Service) ensureSubscription(ctx context.Context) (*pubsub.Subscription, error) {
	sub := s.pubsubClient.Subscription(s.subName)
	exists, err := sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check subscription %s: %w", s.subName, err)
	}
	if exists {
		return sub, nil
	}

	topic := s.pubsubClient.Topic(s.topicName)
	topicExists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check topic %s: %w", s.topicName, err)
	}
	if !topicExists {
		return nil, fmt.Errorf("topic %s does not exist, cannot create subscription", s.topicName)
	}

	sub, err = s.pubsubClient.CreateSubscription(ctx, s.subName, pubsub.SubscriptionConfig{
		Topic:       topic,
		AckDeadline: 10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("create subscription %s: %w", s.subName, err)
	}
	log.Printf("[PubSub] Created subscription: %s", s.subName)
	return sub, nil
}

// HandleNotification processes one raw Gmail notification. Notifications
// with a historyId at or below the last one seen for the account are dropped.
func (s *Service) HandleNotification(ctx context.Context, data []byte) error {
	var n GmailNotification
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("unmarshal notification: %w", err)
	}
	accountID := strings.ToLower(strings.TrimSpace(n.EmailAddress))
	if accountID == "" {
		return errors.New("notification without emailAddress")
	}

	s.mu.Lock()
	last, seen := s.lastHistoryID[accountID]
	if seen && n.HistoryID <= last {
		s.mu.Unlock()
		log.Printf("[PubSub] Skipping duplicate notification for %s (historyId %d <= last %d)", accountID, n.HistoryID, last)
		return nil
	}
	s.lastHistoryID[accountID] = n.HistoryID
	s.mu.Unlock()

	log.Printf("[PubSub] Mailbox change for %s (historyId: %d)", accountID, n.HistoryID)
	processed, err := s.trigger.ProcessNow(ctx, accountID)
	switch {
	case errors.Is(err, domain.ErrTickInProgress):
		log.Printf("[PubSub] %s is already being processed", accountID)
		return nil
	case errors.Is(err, domain.ErrCredentialNotFound):
		log.Printf("[PubSub] Ignoring notification for unknown mailbox %s", accountID)
		return nil
	case err != nil:
		return err
	}
	log.Printf("[PubSub] Processed %d messages for %s", len(processed), accountID)
	return nil
}
