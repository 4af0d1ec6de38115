package domain

import "time"

// User owns projects and authenticates against the API.
type User struct {
	ID           string
	Email        string
	PasswordHash []byte
	CreatedAt    time.Time
}
