package repository

import (
	"context"
	"errors"
	"time"

	"mailsync/internal/mailbox/domain"
	"mailsync/pkg/utils/crypto"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type credentialRepository struct {
	db            *gorm.DB
	encryptionKey string
}

// NewCredentialRepository creates a gorm backed CredentialRepository. When
// encryptionKey is set, tokens are sealed before they reach the database.
func NewCredentialRepository(db *gorm.DB, encryptionKey string) CredentialRepository {
	return &credentialRepository{db: db, encryptionKey: encryptionKey}
}

func (r *credentialRepository) Get(ctx context.Context, accountID string) (*domain.Credential, error) {
	var cred domain.Credential
	err := r.db.WithContext(ctx).Where("account_id = ?", accountID).First(&cred).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrCredentialNotFound
		}
		return nil, &domain.PersistenceError{Op: "load credential", Err: err}
	}
	if err := r.open(&cred); err != nil {
		return nil, &domain.PersistenceError{Op: "decrypt credential", Err: err}
	}
	return &cred, nil
}

func (r *credentialRepository) Save(ctx context.Context, cred *domain.Credential) error {
	row := *cred
	if err := r.seal(&row); err != nil {
		return &domain.PersistenceError{Op: "encrypt credential", Err: err}
	}
	now := time.Now()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	row.UpdatedAt = now

	// Upsert keyed by account; Select("*") so a cleared token or false flag is written too
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"access_token", "refresh_token", "expires_at", "is_active", "updated_at"}),
	}).Select("*").Create(&row).Error
	if err != nil {
		return &domain.PersistenceError{Op: "save credential", Err: err}
	}
	cred.CreatedAt = row.CreatedAt
	cred.UpdatedAt = row.UpdatedAt
	return nil
}

func (r *credentialRepository) ListActive(ctx context.Context) ([]*domain.Credential, error) {
	var creds []*domain.Credential
	if err := r.db.WithContext(ctx).Where("is_active = ?", true).Order("account_id").Find(&creds).Error; err != nil {
		return nil, &domain.PersistenceError{Op: "list credentials", Err: err}
	}
	for _, c := range creds {
		if err := r.open(c); err != nil {
			return nil, &domain.PersistenceError{Op: "decrypt credential", Err: err}
		}
	}
	return creds, nil
}

func (r *credentialRepository) seal(c *domain.Credential) error {
	if r.encryptionKey == "" {
		return nil
	}
	var err error
	if c.AccessToken != "" {
		if c.AccessToken, err = crypto.Encrypt(c.AccessToken, r.encryptionKey); err != nil {
			return err
		}
	}
	if c.RefreshToken != "" {
		if c.RefreshToken, err = crypto.Encrypt(c.RefreshToken, r.encryptionKey); err != nil {
			return err
		}
	}
	return nil
}

func (r *credentialRepository) open(c *domain.Credential) error {
	if r.encryptionKey == "" {
		return nil
	}
	var err error
	if c.AccessToken != "" {
		if c.AccessToken, err = crypto.Decrypt(c.AccessToken, r.encryptionKey); err != nil {
			return err
		}
	}
	if c.RefreshToken != "" {
		if c.RefreshToken, err = crypto.Decrypt(c.RefreshToken, r.encryptionKey); err != nil {
			return err
		}
	}
	return nil
}
