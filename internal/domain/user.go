// Package domain contains core domain types for the planning service.
package domain

import (
	"time"
)

// User represents a caller known to the service.
type User struct {
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
