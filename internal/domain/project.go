package domain

import "time"

// Project binds a Git repository to build-and-publish settings.
type Project struct {
	ID           string
	OwnerID      string
	Name         string
	RepoURL      string
	Branch       string
	BuildCommand string
	OutputDir    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ProjectEnvVar stores one encrypted environment variable value.
type ProjectEnvVar struct {
	ProjectID string
	Key       string
	Value     []byte
	CreatedAt time.Time
}
