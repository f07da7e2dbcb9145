package domain

import "time"

// Outcome is the final state recorded for a message in the ledger.
type Outcome string

const (
	OutcomeProcessing Outcome = "processing" // claimed, side effects may be in flight
	OutcomeProcessed  Outcome = "processed"
	OutcomeError      Outcome = "error"
	OutcomeSkipped    Outcome = "skipped" // automated mail, never classified
)

// LedgerEntry records that a message has been attempted. The presence of an
// entry for a message id means the message must never be processed again.
type LedgerEntry struct {
	ID          string    `json:"id" gorm:"primaryKey"`
	AccountID   string    `json:"account_id" gorm:"not null;uniqueIndex:idx_ledger_account_message,priority:1"`
	MessageID   string    `json:"message_id" gorm:"not null;uniqueIndex:idx_ledger_account_message,priority:2"`
	ReceivedAt  time.Time `json:"received_at"`
	ProcessedAt time.Time `json:"processed_at" gorm:"index"`
	ShouldReply bool      `json:"should_reply"`
	Priority    string    `json:"priority"`
	Category    string    `json:"category"`
	Confidence  float64   `json:"confidence"`
	Source      string    `json:"source"` // classifier or heuristic
	ReplySent   bool      `json:"reply_sent"`
	Outcome     Outcome   `json:"outcome" gorm:"index;not null"`
	Error       string    `json:"error,omitempty" gorm:"type:text"`
}

// TableName specifies the table name for GORM
func (LedgerEntry) TableName() string {
	return "processed_messages"
}
