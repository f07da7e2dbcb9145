package domain

import "time"

// DeviceToken is a push notification token registered for a mailbox account,
// used to tell the owner to reconnect a revoked mailbox.
type DeviceToken struct {
	ID         string    `json:"id" gorm:"primaryKey"`
	AccountID  string    `json:"account_id" gorm:"index;not null"`
	Token      string    `json:"-" gorm:"uniqueIndex;not null"` // Don't expose token in JSON
	DeviceInfo string    `json:"device_info"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
