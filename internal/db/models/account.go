package models

import (
	"time"

	"gorm.io/datatypes"
)

// Local account statuses.
const (
	AccountStatusActive   = "active"
	AccountStatusPartial  = "partial"
	AccountStatusPending  = "pending"
	AccountStatusDisabled = "disabled"
)

// AdsAccount is the local copy of a remote advertising account.
// Metadata is shared with other writers; sync only replaces the keys it owns.
type AdsAccount struct {
	ID           string            `gorm:"primaryKey" json:"id"` // UUID
	SubjectID    string            `gorm:"uniqueIndex:idx_subject_external;not null" json:"subject_id"`
	ExternalID   string            `gorm:"uniqueIndex:idx_subject_external;not null" json:"external_id"` // adsAccountId
	DisplayName  string            `json:"display_name"`
	Status       string            `gorm:"index;not null" json:"status"`
	Metadata     datatypes.JSONMap `json:"metadata"` // alternate_identities, country_codes, remote_errors, ...
	ConnectedAt  time.Time         `json:"connected_at"`
	LastSyncedAt time.Time         `gorm:"index" json:"last_synced_at"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// TableName pins the table name.
func (AdsAccount) TableName() string { return "ads_accounts" }
