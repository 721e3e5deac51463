// Package db opens the sqlite store, migrates the schema and owns the
// route-layer API key setting.
package db

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/neverMEH/amazon-dsp-oauth-api/internal/db/models"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const apiKeySetting = "api_key"

// InitDB opens the sqlite database at dsn, runs migrations and makes sure an
// API key exists.
func InitDB(dsn string, log zerolog.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(withPragmas(dsn)), &gorm.Config{
		Logger:  NewGormLogger(log),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// sqlite serializes writers; a single connection avoids SQLITE_BUSY churn.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&models.Token{},
		&models.TokenRefreshHistory{},
		&models.AdsAccount{},
		&models.SyncHistory{},
		&models.APIUsage{},
		&models.Config{},
	); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	if err := ensureAPIKey(db, log); err != nil {
		return nil, err
	}
	return db, nil
}

func withPragmas(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	pragmas := "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	if !strings.Contains(dsn, "mode=memory") && dsn != ":memory:" {
		pragmas += "&_pragma=journal_mode(WAL)"
	}
	return dsn + sep + pragmas
}

// ensureAPIKey generates the API key on first run.
func ensureAPIKey(db *gorm.DB, log zerolog.Logger) error {
	if _, err := GetSetting(db, apiKeySetting); err == nil {
		return nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	apiKey, err := newAPIKey()
	if err != nil {
		return err
	}
	if err := SetSetting(db, apiKeySetting, apiKey); err != nil {
		return err
	}
	log.Info().Str("api_key", maskKey(apiKey)).Msg("🔑 Generated new API key")
	return nil
}

// GetAPIKey retrieves the API key from the database.
func GetAPIKey(db *gorm.DB) string {
	v, _ := GetSetting(db, apiKeySetting)
	return v
}

// RegenerateAPIKey replaces the API key and returns the new value.
func RegenerateAPIKey(db *gorm.DB, log zerolog.Logger) (string, error) {
	apiKey, err := newAPIKey()
	if err != nil {
		return "", err
	}
	if err := SetSetting(db, apiKeySetting, apiKey); err != nil {
		return "", err
	}
	log.Info().Str("api_key", maskKey(apiKey)).Msg("🔑 Regenerated API key")
	return apiKey, nil
}

// GetSetting returns the value stored under key, or gorm.ErrRecordNotFound.
func GetSetting(db *gorm.DB, key string) (string, error) {
	var cfg models.Config
	if err := db.Where("key = ?", key).First(&cfg).Error; err != nil {
		return "", err
	}
	return cfg.Value, nil
}

// SetSetting upserts key.
func SetSetting(db *gorm.DB, key, value string) error {
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&models.Config{Key: key, Value: value}).Error
}

// newAPIKey returns sk-<32 hex chars>.
func newAPIKey() (string, error) {
	keyBytes := make([]byte, 16)
	if _, err := rand.Read(keyBytes); err != nil {
		return "", err
	}
	return "sk-" + hex.EncodeToString(keyBytes), nil
}

func maskKey(key string) string {
	if len(key) <= 7 {
		return "***"
	}
	return key[:7] + "..."
}
