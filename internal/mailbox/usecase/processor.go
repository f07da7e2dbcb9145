package usecase

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"mailsync/internal/mailbox/domain"
	"mailsync/internal/mailbox/repository"
	"mailsync/pkg/ai"
	"mailsync/pkg/metrics"
)

const (
	DefaultBatchSize     = 25
	DefaultReplyTemplate = "Thank you for your message. We have received it and will get back to you shortly."
)

// MailClient is the part of the mail client the processor uses.
type MailClient interface {
	ListMessages(ctx context.Context, since time.Time, limit int) ([]*domain.Message, error)
	ReplyTo(ctx context.Context, id string, msg *domain.OutgoingMessage) error
	MarkRead(ctx context.Context, id string) error
}

type ProcessorConfig struct {
	BatchSize     int
	ReplyTemplate string
	SkipSenders   []string
	SkipSubjects  []string
}

// Processor turns new unread messages of one account into replies.
type Processor struct {
	accountID  string
	client     MailClient
	classifier ai.Classifier
	ledger     repository.LedgerRepository
	filter     *AutomatedFilter
	cfg        ProcessorConfig
	metrics    *metrics.Metrics
}

func NewProcessor(accountID string, client MailClient, classifier ai.Classifier, ledger repository.LedgerRepository, cfg ProcessorConfig, m *metrics.Metrics) *Processor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.ReplyTemplate == "" {
		cfg.ReplyTemplate = DefaultReplyTemplate
	}
	return &Processor{
		accountID:  accountID,
		client:     client,
		classifier: classifier,
		ledger:     ledger,
		filter:     NewAutomatedFilter(cfg.SkipSenders, cfg.SkipSubjects),
		cfg:        cfg,
		metrics:    m,
	}
}

// ProcessNewEmails handles unread messages received at or after watermark
// (all unread messages when it is zero). Failures of a single message are
// recorded in the ledger and do not stop the batch. Listing and ledger
// failures abort the batch, as does a revoked credential; the returned
// result then covers the messages handled so far.
func (p *Processor) ProcessNewEmails(ctx context.Context, watermark time.Time) (*domain.BatchResult, error) {
	result := &domain.BatchResult{Watermark: watermark, Processed: []domain.ProcessedMessage{}}

	msgs, err := p.client.ListMessages(ctx, watermark, p.cfg.BatchSize)
	if err != nil {
		return result, fmt.Errorf("list messages: %w", err)
	}
	result.Listed = len(msgs)
	if len(msgs) == 0 {
		return result, nil
	}

	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	seen, err := p.ledger.Seen(ctx, p.accountID, ids)
	if err != nil {
		return result, err
	}

	for _, msg := range msgs {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if seen[msg.ID] {
			advance(result, msg.ReceivedAt)
			continue
		}

		pm, err := p.processOne(ctx, msg)
		if pm != nil {
			result.Processed = append(result.Processed, *pm)
			p.metrics.Message(string(pm.Outcome))
		}
		if err != nil {
			return result, err
		}
		advance(result, msg.ReceivedAt)
	}
	return result, nil
}

// processOne claims msg in the ledger, then classifies, replies and marks it
// read. It returns nil when another run already owns the message. A non-nil
// error means the whole batch must stop.
func (p *Processor) processOne(ctx context.Context, msg *domain.Message) (*domain.ProcessedMessage, error) {
	entry := &domain.LedgerEntry{
		AccountID:  p.accountID,
		MessageID:  msg.ID,
		ReceivedAt: msg.ReceivedAt,
		Outcome:    domain.OutcomeProcessing,
	}

	if automated, reason := p.filter.Match(msg); automated {
		entry.Outcome = domain.OutcomeSkipped
		entry.Error = reason
		claimed, err := p.ledger.Claim(ctx, entry)
		if err != nil {
			return nil, err
		}
		if !claimed {
			return nil, nil
		}
		log.Printf("[Processor] Skipping automated message %s from %s (%s)", msg.ID, msg.From, reason)
		return toProcessed(msg, entry), nil
	}

	claimed, err := p.ledger.Claim(ctx, entry)
	if err != nil {
		return nil, err
	}
	if !claimed {
		log.Printf("[Processor] Message %s already claimed by another run", msg.ID)
		return nil, nil
	}

	classification := p.classify(ctx, msg)
	meta := classification.Meta()
	entry.ShouldReply = classification.ShouldReply()
	entry.Priority = meta.Priority
	entry.Category = meta.Category
	entry.Confidence = meta.Confidence
	entry.Source = string(meta.Source)

	var fatal error
	actErr := p.act(ctx, msg, classification, entry)
	if actErr != nil {
		entry.Outcome = domain.OutcomeError
		entry.Error = actErr.Error()
		log.Printf("[Processor] Message %s failed: %v", msg.ID, actErr)
		if errors.Is(actErr, domain.ErrReauthRequired) {
			fatal = actErr
		}
	} else {
		entry.Outcome = domain.OutcomeProcessed
	}

	// The outcome is recorded even when the tick ran out of time mid-message
	if err := p.ledger.Complete(context.WithoutCancel(ctx), entry); err != nil {
		// The claim already blocks reprocessing; only the outcome detail is lost
		log.Printf("[Processor] Failed to record outcome of %s: %v", msg.ID, err)
	}
	return toProcessed(msg, entry), fatal
}

func (p *Processor) classify(ctx context.Context, msg *domain.Message) domain.Classification {
	if p.classifier != nil {
		c, err := p.classifier.Classify(ctx, domain.NewClassificationRequest(msg))
		if err == nil && c != nil {
			return c
		}
		log.Printf("[Processor] Classifier unavailable for %s, using heuristic: %v", msg.ID, err)
	}
	return HeuristicClassify(msg)
}

func (p *Processor) act(ctx context.Context, msg *domain.Message, c domain.Classification, entry *domain.LedgerEntry) error {
	if c.ShouldReply() {
		text := p.cfg.ReplyTemplate
		if r, ok := c.(domain.Reply); ok && r.Text != "" {
			text = r.Text
		}
		if err := p.client.ReplyTo(ctx, msg.ID, &domain.OutgoingMessage{Body: text}); err != nil {
			return fmt.Errorf("reply: %w", err)
		}
		entry.ReplySent = true
		log.Printf("[Processor] Replied to %s from %s", msg.ID, msg.From)
	}
	if err := p.client.MarkRead(ctx, msg.ID); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

func advance(result *domain.BatchResult, t time.Time) {
	if t.After(result.Watermark) {
		result.Watermark = t
	}
}

func toProcessed(msg *domain.Message, entry *domain.LedgerEntry) *domain.ProcessedMessage {
	return &domain.ProcessedMessage{
		MessageID:  msg.ID,
		Subject:    msg.Subject,
		From:       msg.From,
		ReceivedAt: msg.ReceivedAt,
		ReplySent:  entry.ReplySent,
		Outcome:    entry.Outcome,
		Category:   entry.Category,
		Confidence: entry.Confidence,
		Error:      entry.Error,
	}
}
