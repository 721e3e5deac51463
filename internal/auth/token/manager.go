// Package token stores encrypted Login with Amazon credentials and keeps them
// fresh in the background.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/neverMEH/amazon-dsp-oauth-api/internal/auth/amazon"
	"github.com/neverMEH/amazon-dsp-oauth-api/internal/crypto"
	"github.com/neverMEH/amazon-dsp-oauth-api/internal/db/models"
	"github.com/neverMEH/amazon-dsp-oauth-api/internal/util"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

var (
	// ErrNoActiveToken means the subject has no usable credential and must log in.
	ErrNoActiveToken = errors.New("no active token")
	// ErrTokenReplaced means the token was deactivated while being refreshed.
	ErrTokenReplaced = errors.New("token no longer active")
)

// Manager persists tokens. It enforces one active token per subject and
// repairs violations it finds on read.
type Manager struct {
	db     *gorm.DB
	cipher *crypto.Cipher
	log    zerolog.Logger
	now    func() time.Time
}

// NewManager creates a token manager.
func NewManager(db *gorm.DB, cipher *crypto.Cipher, log zerolog.Logger) *Manager {
	return &Manager{
		db:     db,
		cipher: cipher,
		log:    log.With().Str("component", "tokens").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SaveTokenSet stores a freshly exchanged token as the subject's only active one.
func (m *Manager) SaveTokenSet(ctx context.Context, subjectID string, ts *amazon.TokenSet) (*models.Token, error) {
	access, err := m.cipher.Encrypt(ts.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt access token: %w", err)
	}
	refresh, err := m.cipher.Encrypt(ts.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt refresh token: %w", err)
	}

	tok := &models.Token{
		ID:                      uuid.NewString(),
		SubjectID:               subjectID,
		EncryptedAccessToken:    access,
		EncryptedRefreshToken:   refresh,
		ExpiresAt:               ts.ExpiresAt.UTC(),
		Scope:                   ts.Scope,
		ProactiveRefreshEnabled: true,
		IsActive:                true,
	}
	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Token{}).
			Where("subject_id = ? AND is_active = ?", subjectID, true).
			Update("is_active", false)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			m.log.Info().Str("subject", subjectID).Int64("replaced", res.RowsAffected).Msg("🔁 Deactivated previous token on re-auth")
		}
		return tx.Create(tok).Error
	})
	if err != nil {
		return nil, fmt.Errorf("save token: %w", err)
	}
	m.log.Info().Str("subject", subjectID).Time("expires_at", tok.ExpiresAt).Msg("✅ Stored new token")
	return tok, nil
}

// ActiveToken returns the subject's active token. Extra active rows are
// deactivated, keeping the most recently created one.
func (m *Manager) ActiveToken(ctx context.Context, subjectID string) (*models.Token, error) {
	var toks []models.Token
	err := m.db.WithContext(ctx).
		Where("subject_id = ? AND is_active = ?", subjectID, true).
		Order("created_at DESC, id DESC").
		Find(&toks).Error
	if err != nil {
		return nil, err
	}
	if len(toks) == 0 {
		return nil, ErrNoActiveToken
	}
	if len(toks) > 1 {
		stale := make([]string, 0, len(toks)-1)
		for _, t := range toks[1:] {
			stale = append(stale, t.ID)
		}
		m.log.Warn().Str("subject", subjectID).Strs("token_ids", stale).Msg("⚠️ Multiple active tokens, keeping the newest")
		if err := m.db.WithContext(ctx).Model(&models.Token{}).Where("id IN ?", stale).Update("is_active", false).Error; err != nil {
			m.log.Warn().Err(err).Str("subject", subjectID).Msg("failed to deactivate duplicate tokens")
		}
	}
	return &toks[0], nil
}

// Token loads tok by id. Missing or deactivated tokens yield ErrTokenReplaced.
func (m *Manager) Token(ctx context.Context, id string) (*models.Token, error) {
	var tok models.Token
	err := m.db.WithContext(ctx).First(&tok, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTokenReplaced
	}
	if err != nil {
		return nil, err
	}
	if !tok.IsActive {
		return nil, ErrTokenReplaced
	}
	return &tok, nil
}

// Decrypt returns the plaintext access and refresh tokens of tok.
func (m *Manager) Decrypt(tok *models.Token) (access, refresh string, err error) {
	if access, err = m.cipher.Decrypt(tok.EncryptedAccessToken); err != nil {
		return "", "", fmt.Errorf("decrypt access token: %w", err)
	}
	if refresh, err = m.cipher.Decrypt(tok.EncryptedRefreshToken); err != nil {
		return "", "", fmt.Errorf("decrypt refresh token: %w", err)
	}
	return access, refresh, nil
}

// AccessToken returns the subject's plaintext access token and its expiry.
func (m *Manager) AccessToken(ctx context.Context, subjectID string) (string, time.Time, error) {
	tok, err := m.ActiveToken(ctx, subjectID)
	if err != nil {
		return "", time.Time{}, err
	}
	access, _, err := m.Decrypt(tok)
	if err != nil {
		return "", time.Time{}, err
	}
	return access, tok.ExpiresAt, nil
}

// ActiveTokens lists every active token.
func (m *Manager) ActiveTokens(ctx context.Context) ([]models.Token, error) {
	var toks []models.Token
	err := m.db.WithContext(ctx).Where("is_active = ?", true).Order("subject_id ASC").Find(&toks).Error
	return toks, err
}

// Revoke deactivates the subject's active tokens.
func (m *Manager) Revoke(ctx context.Context, subjectID string) error {
	res := m.db.WithContext(ctx).Model(&models.Token{}).
		Where("subject_id = ? AND is_active = ?", subjectID, true).
		Update("is_active", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNoActiveToken
	}
	m.log.Info().Str("subject", subjectID).Msg("🔒 Token revoked")
	return nil
}

// DueForRefresh lists active tokens expiring within threshold whose proactive
// refresh is still enabled and under maxFailures.
func (m *Manager) DueForRefresh(ctx context.Context, threshold time.Duration, maxFailures int) ([]models.Token, error) {
	var toks []models.Token
	err := m.db.WithContext(ctx).
		Where("is_active = ? AND proactive_refresh_enabled = ? AND consecutive_failure_count < ? AND expires_at <= ?",
			true, true, maxFailures, m.now().Add(threshold)).
		Order("expires_at ASC").
		Find(&toks).Error
	return toks, err
}

// ApplyRefresh stores a refreshed token set. The refresh token is replaced
// only when a new one was issued. A successful refresh clears the failure
// streak and re-enables proactive refresh.
func (m *Manager) ApplyRefresh(ctx context.Context, tok *models.Token, ts *amazon.TokenSet, kind string) (*models.Token, error) {
	access, err := m.cipher.Encrypt(ts.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt access token: %w", err)
	}
	now := m.now()
	updates := map[string]interface{}{
		"encrypted_access_token":    access,
		"expires_at":                ts.ExpiresAt.UTC(),
		"refresh_count":             gorm.Expr("refresh_count + 1"),
		"consecutive_failure_count": 0,
		"proactive_refresh_enabled": true,
		"last_refresh_error":        "",
		"last_refreshed_at":         now,
	}
	if ts.RefreshToken != "" {
		refresh, err := m.cipher.Encrypt(ts.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("encrypt refresh token: %w", err)
		}
		updates["encrypted_refresh_token"] = refresh
	}
	if ts.Scope != "" {
		updates["scope"] = ts.Scope
	}

	var updated models.Token
	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Token{}).Where("id = ? AND is_active = ?", tok.ID, true).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrTokenReplaced
		}
		if err := tx.Create(&models.TokenRefreshHistory{
			TokenID:   tok.ID,
			SubjectID: tok.SubjectID,
			Kind:      kind,
			Status:    models.RefreshStatusSuccess,
		}).Error; err != nil {
			return err
		}
		return tx.First(&updated, "id = ?", tok.ID).Error
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// RecordRefreshFailure bumps the failure streak and appends a failure entry.
// Reaching maxFailures disables proactive refresh.
func (m *Manager) RecordRefreshFailure(ctx context.Context, tok *models.Token, kind string, cause error, maxFailures int) (failures int, disabled bool, err error) {
	msg := util.ErrorMessage(cause)
	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current models.Token
		if err := tx.First(&current, "id = ?", tok.ID).Error; err != nil {
			return err
		}
		failures = current.ConsecutiveFailureCount + 1
		updates := map[string]interface{}{
			"consecutive_failure_count": failures,
			"last_refresh_error":        msg,
		}
		if failures >= maxFailures && current.ProactiveRefreshEnabled {
			updates["proactive_refresh_enabled"] = false
			disabled = true
		}
		if err := tx.Model(&models.Token{}).Where("id = ?", tok.ID).Updates(updates).Error; err != nil {
			return err
		}
		return tx.Create(&models.TokenRefreshHistory{
			TokenID:      tok.ID,
			SubjectID:    tok.SubjectID,
			Kind:         kind,
			Status:       models.RefreshStatusFailed,
			ErrorMessage: msg,
		}).Error
	})
	return failures, disabled, err
}

// RefreshHistory returns the subject's most recent refresh attempts.
func (m *Manager) RefreshHistory(ctx context.Context, subjectID string, limit int) ([]models.TokenRefreshHistory, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var rows []models.TokenRefreshHistory
	err := m.db.WithContext(ctx).
		Where("subject_id = ?", subjectID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// CleanupResult counts rows removed by Cleanup.
type CleanupResult struct {
	RefreshHistory int64 `json:"refresh_history"`
	SyncHistory    int64 `json:"sync_history"`
	InactiveTokens int64 `json:"inactive_tokens"`
}

// Cleanup prunes refresh and sync history older than historyRetention and
// inactive tokens untouched for tokenRetention.
func (m *Manager) Cleanup(ctx context.Context, historyRetention, tokenRetention time.Duration) (CleanupResult, error) {
	now := m.now()
	var out CleanupResult
	db := m.db.WithContext(ctx)

	res := db.Where("created_at < ?", now.Add(-historyRetention)).Delete(&models.TokenRefreshHistory{})
	if res.Error != nil {
		return out, fmt.Errorf("prune refresh history: %w", res.Error)
	}
	out.RefreshHistory = res.RowsAffected

	res = db.Where("completed_at < ?", now.Add(-historyRetention)).Delete(&models.SyncHistory{})
	if res.Error != nil {
		return out, fmt.Errorf("prune sync history: %w", res.Error)
	}
	out.SyncHistory = res.RowsAffected

	res = db.Where("is_active = ? AND updated_at < ?", false, now.Add(-tokenRetention)).Delete(&models.Token{})
	if res.Error != nil {
		return out, fmt.Errorf("prune inactive tokens: %w", res.Error)
	}
	out.InactiveTokens = res.RowsAffected
	return out, nil
}
