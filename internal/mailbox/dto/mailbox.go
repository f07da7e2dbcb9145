package dto

import (
	"time"

	"mailsync/internal/mailbox/domain"
)

type CredentialRequest struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token" binding:"required"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	ExpiresIn    int64      `json:"expires_in,omitempty"` // seconds, used when expires_at is absent
}

// ToCredential builds the credential for accountID.
func (r *CredentialRequest) ToCredential(accountID string, now time.Time) *domain.Credential {
	cred := &domain.Credential{
		AccountID:    accountID,
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
	}
	switch {
	case r.ExpiresAt != nil:
		cred.ExpiresAt = *r.ExpiresAt
	case r.ExpiresIn > 0:
		cred.ExpiresAt = now.Add(time.Duration(r.ExpiresIn) * time.Second)
	}
	return cred
}

type RegisterDeviceRequest struct {
	Token      string `json:"token" binding:"required"`
	DeviceInfo string `json:"device_info"`
}

type ProcessNowResponse struct {
	AccountID string                    `json:"account_id"`
	Count     int                       `json:"count"`
	Processed []domain.ProcessedMessage `json:"processed"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
