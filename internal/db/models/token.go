package models

import "time"

// Token stores an encrypted Login with Amazon credential pair for one subject.
// At most one row per subject is active.
type Token struct {
	ID                      string     `gorm:"primaryKey" json:"id"` // UUID
	SubjectID               string     `gorm:"index;not null" json:"subject_id"`
	EncryptedAccessToken    string     `gorm:"type:text;not null" json:"-"`
	EncryptedRefreshToken   string     `gorm:"type:text;not null" json:"-"`
	ExpiresAt               time.Time  `gorm:"index" json:"expires_at"`
	Scope                   string     `json:"scope"`
	RefreshCount            int        `gorm:"default:0" json:"refresh_count"`
	ConsecutiveFailureCount int        `gorm:"default:0" json:"consecutive_failure_count"`
	ProactiveRefreshEnabled bool       `json:"proactive_refresh_enabled"`
	LastRefreshError        string     `gorm:"type:text" json:"last_refresh_error,omitempty"`
	LastRefreshedAt         *time.Time `json:"last_refreshed_at,omitempty"`
	IsActive                bool       `gorm:"index" json:"is_active"`
	CreatedAt               time.Time  `json:"created_at"`
	UpdatedAt               time.Time  `json:"updated_at"`
}
