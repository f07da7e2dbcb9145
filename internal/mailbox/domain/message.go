package domain

import "time"

// Message is a mailbox message as returned by the remote mail API.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Subject        string    `json:"subject"`
	From           string    `json:"from"`
	FromName       string    `json:"from_name,omitempty"`
	BodyPreview    string    `json:"body_preview"`
	Body           string    `json:"body"`
	IsHTML         bool      `json:"is_html"`
	IsRead         bool      `json:"is_read"`
	ReceivedAt     time.Time `json:"received_at"`
	MessageIDHdr   string    `json:"-"` // RFC 5322 Message-ID, used for threading replies
	ReplyTo        string    `json:"-"`
	References     string    `json:"-"`
}

// OutgoingMessage is a message to send or a reply body.
type OutgoingMessage struct {
	To      []string `json:"to,omitempty"`
	Cc      []string `json:"cc,omitempty"`
	Subject string   `json:"subject,omitempty"`
	Body    string   `json:"body"`
	IsHTML  bool     `json:"is_html"`
}

// ProcessedMessage is the per-message result of a processing batch.
type ProcessedMessage struct {
	MessageID  string    `json:"message_id"`
	Subject    string    `json:"subject"`
	From       string    `json:"from"`
	ReceivedAt time.Time `json:"received_at"`
	ReplySent  bool      `json:"reply_sent"`
	Outcome    Outcome   `json:"outcome"`
	Category   string    `json:"category,omitempty"`
	Confidence float64   `json:"confidence"`
	Error      string    `json:"error,omitempty"`
}

// BatchResult is the outcome of one processing run over an account.
type BatchResult struct {
	Listed    int
	Processed []ProcessedMessage
	// Watermark is the input watermark advanced past every message that was
	// attempted, skipped or already in the ledger.
	Watermark time.Time
}
