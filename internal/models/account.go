package models

import (
	"time"

	"pixel-canvas/internal/permissions"
)

// Account is a row of the persisted user table
// The core never reads PasswordHash or Salt; it only receives the resolved
// Identity once authentication has succeeded.
type Account struct {
	Username     string    `json:"username" gorm:"type:varchar(64);primaryKey"`
	PasswordHash string    `json:"-" gorm:"type:text;not null"`
	Salt         string    `json:"-" gorm:"type:text;not null"`
	Permissions  uint16    `json:"permissions" gorm:"not null;default:0"`
	CreatedAt    time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// TableName override
func (Account) TableName() string {
	return "users"
}

// Identity is what the core knows about an authenticated connection
// Permissions are fixed for the lifetime of a session.
type Identity struct {
	Username    string            `json:"username"`
	Permissions permissions.Level `json:"permissions"`
}
