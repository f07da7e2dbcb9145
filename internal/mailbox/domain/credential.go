package domain

import "time"

// Credential is the persisted OAuth credential for a single mailbox account.
// AccountID is the mailbox address.
type Credential struct {
	AccountID    string    `json:"account_id" gorm:"primaryKey"`
	AccessToken  string    `json:"-" gorm:"type:text"`
	RefreshToken string    `json:"-" gorm:"type:text"` // empty means the grant was revoked
	ExpiresAt    time.Time `json:"expires_at"`
	IsActive     bool      `json:"is_active" gorm:"not null;default:true"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TableName specifies the table name for GORM
func (Credential) TableName() string {
	return "mailbox_credentials"
}

// RemainingLifetime returns how long the access token stays valid at now.
func (c *Credential) RemainingLifetime(now time.Time) time.Duration {
	if c.AccessToken == "" {
		return 0
	}
	return c.ExpiresAt.Sub(now)
}

// Revoke clears both tokens and deactivates the credential.
func (c *Credential) Revoke() {
	c.AccessToken = ""
	c.RefreshToken = ""
	c.ExpiresAt = time.Time{}
	c.IsActive = false
}

// CredentialState is the lifecycle position of a credential.
type CredentialState string

const (
	CredentialActive         CredentialState = "active"
	CredentialExpiring       CredentialState = "expiring"
	CredentialRenewing       CredentialState = "renewing"
	CredentialReauthRequired CredentialState = "reauth_required"
)
