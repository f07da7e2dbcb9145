package database

import (
	"fmt"
	"log"

	"mailsync/internal/mailbox/domain"
	"mailsync/pkg/config"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewConnection opens the database selected by DATABASE_DRIVER.
func NewConnection(cfg *config.Config) (*gorm.DB, error) {
	switch cfg.DatabaseDriver {
	case "postgres", "":
		return NewPostgresConnection(cfg.DatabaseURL)
	case "sqlite":
		return NewSQLiteConnection(cfg.DatabaseURL)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.DatabaseDriver)
	}
}

func NewPostgresConnection(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	log.Println("[Database] Connected to postgres")
	return db, nil
}

// NewSQLiteConnection opens a sqlite database. Use ":memory:" in tests.
func NewSQLiteConnection(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite %s: %w", path, err)
	}
	// A single connection keeps an in-memory database alive across calls.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// Migrate creates or updates the mailbox tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&domain.Credential{},
		&domain.LedgerEntry{},
		&domain.PollState{},
		&domain.DeviceToken{},
	)
}
