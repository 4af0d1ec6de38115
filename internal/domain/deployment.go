package domain

import "time"

// Deployment captures a single build-and-publish attempt for a project at a
// specific commit.
type Deployment struct {
	ID            string
	ProjectID     string
	Status        string
	CommitSHA     string
	CommitMessage string
	URL           string
	Error         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   *time.Time
}

// DeploymentStatusUpdate describes a guarded status transition. The update is
// applied only when the deployment's current status is one of FromStatuses,
// which is how the record store refuses skipped or reversed transitions.
type DeploymentStatusUpdate struct {
	DeploymentID string
	FromStatuses []string
	Status       string
	URL          string
	Error        string
	CompletedAt  *time.Time
}

// LogChunk is one append-only build log fragment. Seq orders chunks within a
// deployment; readers always observe a prefix of the appended sequence.
type LogChunk struct {
	DeploymentID string
	Seq          int
	Chunk        string
	CreatedAt    time.Time
}
