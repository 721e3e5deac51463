package models

import "time"

// Refresh kinds and outcomes.
const (
	RefreshKindScheduled = "scheduled"
	RefreshKindManual    = "manual"

	RefreshStatusSuccess = "success"
	RefreshStatusFailed  = "failed"
)

// TokenRefreshHistory is one append-only refresh attempt.
type TokenRefreshHistory struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	TokenID      string    `gorm:"index;not null" json:"token_id"`
	SubjectID    string    `gorm:"index;not null" json:"subject_id"`
	Kind         string    `gorm:"not null" json:"kind"`
	Status       string    `gorm:"not null" json:"status"`
	ErrorMessage string    `gorm:"size:500" json:"error_message,omitempty"` // truncated
	CreatedAt    time.Time `gorm:"index" json:"created_at"`
}

// TableName pins the table name.
func (TokenRefreshHistory) TableName() string { return "token_refresh_history" }
