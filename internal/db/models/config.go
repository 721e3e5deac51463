package models

import "time"

// Config stores service settings such as the route-layer API key.
type Config struct {
	Key       string    `gorm:"primaryKey"` // setting name
	Value     string
	CreatedAt time.Time
	UpdatedAt time.Time
}
