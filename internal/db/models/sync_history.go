package models

import (
	"time"

	"gorm.io/datatypes"
)

// Sync kinds and outcomes.
const (
	SyncKindScheduled = "scheduled"
	SyncKindManual    = "manual"

	SyncStatusSuccess = "success"
	SyncStatusPartial = "partial"
	SyncStatusFailed  = "failed"
)

// SyncHistory records one account sync attempt. Rows are written once, after
// the attempt finishes.
type SyncHistory struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	SubjectRef     string         `gorm:"index;not null" json:"subject_ref"`
	Kind           string         `gorm:"not null" json:"kind"`
	Status         string         `gorm:"index;not null" json:"status"`
	AccountsSynced int            `json:"accounts_synced"`
	AccountsFailed int            `json:"accounts_failed"`
	ErrorDetails   datatypes.JSON `json:"error_details,omitempty"` // {"error": "...", "records": [...]}
	StartedAt      time.Time      `json:"started_at"`
	CompletedAt    time.Time      `gorm:"index" json:"completed_at"`
}

// TableName pins the table name.
func (SyncHistory) TableName() string { return "sync_history" }
