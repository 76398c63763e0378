package domain

import "time"

// User represents an operator allowed to drive the engine's API.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
