package domain

import "time"

// Hostname is a custom DNS name attached to a project. It starts unverified
// and flips to verified only after the domain verifier observes the expected
// DNS record.
type Hostname struct {
	ID          string
	ProjectID   string
	Name        string
	VerifyToken string
	Verified    bool
	CreatedAt   time.Time
	VerifiedAt  *time.Time
}
