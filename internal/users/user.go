package users

import (
	"strings"
	"time"
)

// User maps an external identity to a local record carrying civic points.
type User struct {
	ID           uint      `gorm:"column:id;primaryKey;autoIncrement"`
	ExternalID   string    `gorm:"column:external_id;size:190;not null;uniqueIndex"`
	Email        string    `gorm:"column:email;size:320"`
	DisplayName  string    `gorm:"column:display_name;size:320"`
	Points       int64     `gorm:"column:points;not null;default:0"`
	AuthProvider string    `gorm:"column:auth_provider;size:32;not null;default:external"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user records.
func (User) TableName() string {
	return "users"
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
