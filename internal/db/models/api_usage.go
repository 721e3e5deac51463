package models

import "time"

// APIUsage counts upstream requests per endpoint in hourly windows.
type APIUsage struct {
	Endpoint       string    `gorm:"primaryKey" json:"endpoint"`
	WindowStart    time.Time `gorm:"primaryKey" json:"window_start"` // truncated to the hour, UTC
	RequestCount   int64     `json:"request_count"`
	RateLimitCount int64     `json:"rate_limit_count"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TableName pins the table name.
func (APIUsage) TableName() string { return "api_usage" }
