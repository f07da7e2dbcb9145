package repository

import (
	"context"
	"time"

	"mailsync/internal/mailbox/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ledgerRepository struct {
	db *gorm.DB
}

func NewLedgerRepository(db *gorm.DB) LedgerRepository {
	return &ledgerRepository{db: db}
}

func (r *ledgerRepository) Claim(ctx context.Context, entry *domain.LedgerEntry) (bool, error) {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.ProcessedAt.IsZero() {
		entry.ProcessedAt = time.Now()
	}
	if entry.Outcome == "" {
		entry.Outcome = domain.OutcomeProcessing
	}

	// INSERT ... ON CONFLICT (account_id, message_id) DO NOTHING
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}, {Name: "message_id"}},
		DoNothing: true,
	}).Create(entry)
	if res.Error != nil {
		return false, &domain.PersistenceError{Op: "claim ledger entry", Err: res.Error}
	}
	return res.RowsAffected == 1, nil
}

func (r *ledgerRepository) Complete(ctx context.Context, entry *domain.LedgerEntry) error {
	entry.ProcessedAt = time.Now()
	err := r.db.WithContext(ctx).Model(&domain.LedgerEntry{}).
		Where("account_id = ? AND message_id = ?", entry.AccountID, entry.MessageID).
		Updates(map[string]interface{}{
			"processed_at": entry.ProcessedAt,
			"should_reply": entry.ShouldReply,
			"priority":     entry.Priority,
			"category":     entry.Category,
			"confidence":   entry.Confidence,
			"source":       entry.Source,
			"reply_sent":   entry.ReplySent,
			"outcome":      entry.Outcome,
			"error":        entry.Error,
		}).Error
	if err != nil {
		return &domain.PersistenceError{Op: "complete ledger entry", Err: err}
	}
	return nil
}

func (r *ledgerRepository) Seen(ctx context.Context, accountID string, messageIDs []string) (map[string]bool, error) {
	seen := make(map[string]bool, len(messageIDs))
	if len(messageIDs) == 0 {
		return seen, nil
	}
	var ids []string
	err := r.db.WithContext(ctx).Model(&domain.LedgerEntry{}).
		Where("account_id = ? AND message_id IN ?", accountID, messageIDs).
		Pluck("message_id", &ids).Error
	if err != nil {
		return nil, &domain.PersistenceError{Op: "query ledger", Err: err}
	}
	for _, id := range ids {
		seen[id] = true
	}
	return seen, nil
}

func (r *ledgerRepository) ListRecent(ctx context.Context, accountID string, limit int) ([]*domain.LedgerEntry, error) {
	var entries []*domain.LedgerEntry
	err := r.db.WithContext(ctx).Where("account_id = ?", accountID).
		Order("processed_at DESC").Limit(limit).Find(&entries).Error
	if err != nil {
		return nil, &domain.PersistenceError{Op: "list ledger", Err: err}
	}
	return entries, nil
}

func (r *ledgerRepository) CountByOutcome(ctx context.Context, accountID string) (map[domain.Outcome]int64, error) {
	var rows []struct {
		Outcome domain.Outcome
		Count   int64
	}
	err := r.db.WithContext(ctx).Model(&domain.LedgerEntry{}).
		Select("outcome, count(*) as count").
		Where("account_id = ?", accountID).
		Group("outcome").Scan(&rows).Error
	if err != nil {
		return nil, &domain.PersistenceError{Op: "count ledger", Err: err}
	}
	counts := make(map[domain.Outcome]int64, len(rows))
	for _, row := range rows {
		counts[row.Outcome] = row.Count
	}
	return counts, nil
}
