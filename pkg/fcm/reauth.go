package fcm

import (
	"context"
	"fmt"
	"log"

	"mailsync/internal/mailbox/domain"
)

// TokenStore looks up and prunes device tokens.
type TokenStore interface {
	GetTokensByAccountID(ctx context.Context, accountID string) ([]domain.DeviceToken, error)
	DeleteToken(ctx context.Context, token string) error
}

// ReauthNotifier pushes a "reconnect account" notification to every device
// registered for a revoked mailbox.
type ReauthNotifier struct {
	client *Client
	tokens TokenStore
}

func NewReauthNotifier(client *Client, tokens TokenStore) *ReauthNotifier {
	return &ReauthNotifier{client: client, tokens: tokens}
}

func (n *ReauthNotifier) NotifyReauthRequired(ctx context.Context, accountID string) error {
	devices, err := n.tokens.GetTokensByAccountID(ctx, accountID)
	if err != nil {
		return fmt.Errorf("load device tokens: %w", err)
	}
	if len(devices) == 0 {
		log.Printf("[FCM] No devices registered for %s, skipping reconnect notice", accountID)
		return nil
	}

	tokens := make([]string, 0, len(devices))
	for _, d := range devices {
		tokens = append(tokens, d.Token)
	}

	failed, err := n.client.SendToDevices(ctx, tokens, NotificationData{
		Title: "Reconnect your mailbox",
		Body:  fmt.Sprintf("Automatic replies for %s are paused until you sign in again.", accountID),
		Data: map[string]string{
			"type":       "reauth_required",
			"account_id": accountID,
		},
	})
	if err != nil {
		return err
	}

	// Cleanup failed tokens
	for _, token := range failed {
		if err := n.tokens.DeleteToken(ctx, token); err != nil {
			log.Printf("[FCM] Failed to delete token %s: %v", shorten(token), err)
		}
	}
	return nil
}
