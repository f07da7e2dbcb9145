package repository

import (
	"context"
	"time"

	"mailsync/internal/mailbox/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type deviceTokenRepository struct {
	db *gorm.DB
}

func NewDeviceTokenRepository(db *gorm.DB) DeviceTokenRepository {
	return &deviceTokenRepository{db: db}
}

// SaveToken saves or moves a push token to an account (atomic upsert)
func (r *deviceTokenRepository) SaveToken(ctx context.Context, accountID, token, deviceInfo string) error {
	dt := &domain.DeviceToken{
		ID:         uuid.New().String(),
		AccountID:  accountID,
		Token:      token,
		DeviceInfo: deviceInfo,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}

	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "token"}},
		DoUpdates: clause.AssignmentColumns([]string{"account_id", "device_info", "updated_at"}),
	}).Create(dt).Error
}

func (r *deviceTokenRepository) GetTokensByAccountID(ctx context.Context, accountID string) ([]domain.DeviceToken, error) {
	var tokens []domain.DeviceToken
	if err := r.db.WithContext(ctx).Where("account_id = ?", accountID).Find(&tokens).Error; err != nil {
		return nil, err
	}
	return tokens, nil
}

func (r *deviceTokenRepository) DeleteToken(ctx context.Context, token string) error {
	return r.db.WithContext(ctx).Where("token = ?", token).Delete(&domain.DeviceToken{}).Error
}
