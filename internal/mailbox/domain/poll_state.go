package domain

import "time"

// PollState is the persisted position of a scheduler for one account.
type PollState struct {
	AccountID        string        `json:"account_id" gorm:"primaryKey"`
	LastCheckAt      time.Time     `json:"last_check_at"`
	Watermark        time.Time     `json:"watermark"`
	ConsecutiveEmpty int           `json:"consecutive_empty"`
	Interval         time.Duration `json:"interval"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// TableName specifies the table name for GORM
func (PollState) TableName() string {
	return "mailbox_poll_states"
}

// AdvanceWatermark moves the watermark forward to t. It never moves it back.
func (p *PollState) AdvanceWatermark(t time.Time) {
	if t.After(p.Watermark) {
		p.Watermark = t
	}
}
