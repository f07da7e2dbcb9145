package repository

import (
	"context"
	"errors"
	"time"

	"mailsync/internal/mailbox/domain"

	"gorm.io/gorm"
)

type pollStateRepository struct {
	db *gorm.DB
}

func NewPollStateRepository(db *gorm.DB) PollStateRepository {
	return &pollStateRepository{db: db}
}

func (r *pollStateRepository) Get(ctx context.Context, accountID string) (*domain.PollState, error) {
	var state domain.PollState
	err := r.db.WithContext(ctx).Where("account_id = ?", accountID).First(&state).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, &domain.PersistenceError{Op: "load poll state", Err: err}
	}
	return &state, nil
}

func (r *pollStateRepository) Save(ctx context.Context, state *domain.PollState) error {
	state.UpdatedAt = time.Now()
	if err := r.db.WithContext(ctx).Save(state).Error; err != nil {
		return &domain.PersistenceError{Op: "save poll state", Err: err}
	}
	return nil
}
