package repository

import (
	"context"
	"time"

	"github.com/skiffworks/skiff/internal/domain"
)

// UserRepository persists users.
type UserRepository interface {
	CreateUser(ctx context.Context, user *domain.User) error
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
}

// ProjectRepository persists project configuration.
type ProjectRepository interface {
	CreateProject(ctx context.Context, project *domain.Project) error
	GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error)
	ListProjectsByOwner(ctx context.Context, ownerID string) ([]domain.Project, error)
	ListProjectsByRepoURL(ctx context.Context, repoURL string) ([]domain.Project, error)
	UpdateProject(ctx context.Context, project *domain.Project) error
	DeleteProject(ctx context.Context, projectID string) error
	UpsertEnvVar(ctx context.Context, envVar *domain.ProjectEnvVar) error
	ListProjectEnvVars(ctx context.Context, projectID string) ([]domain.ProjectEnvVar, error)
}

// WebhookRepository stores per-project webhook secrets.
type WebhookRepository interface {
	UpsertWebhookSecret(ctx context.Context, projectID string, secret []byte) error
	// GetWebhookSecret returns ErrNotFound when the project never opted in.
	GetWebhookSecret(ctx context.Context, projectID string) ([]byte, error)
}

// DeploymentRepository is the authoritative deployment ledger.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error)
	ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error)
	// ListUnfinishedDeployments returns queued/building deployments last
	// touched before the cutoff; the scheduler reconciles them at startup.
	ListUnfinishedDeployments(ctx context.Context, updatedBefore time.Time) ([]domain.Deployment, error)
	// UpdateDeploymentStatus applies a guarded transition and reports whether
	// it took effect. A missing deployment yields ErrNotFound; a deployment
	// whose status is outside update.FromStatuses yields (false, nil).
	UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) (bool, error)
}

// LogRepository handles append-only build log chunks.
type LogRepository interface {
	// AppendLogChunk appends iff the deployment is still queued or building;
	// it reports false once the record is frozen.
	AppendLogChunk(ctx context.Context, deploymentID, chunk string, at time.Time) (bool, error)
	ListLogChunks(ctx context.Context, deploymentID string) ([]domain.LogChunk, error)
}

// HostnameRepository stores custom domains attached to projects.
type HostnameRepository interface {
	// CreateHostname returns ErrConflict when the name already exists for the
	// project.
	CreateHostname(ctx context.Context, hostname *domain.Hostname) error
	GetHostnameByID(ctx context.Context, hostnameID string) (*domain.Hostname, error)
	ListHostnamesByProject(ctx context.Context, projectID string) ([]domain.Hostname, error)
	MarkHostnameVerified(ctx context.Context, hostnameID string, at time.Time) error
	DeleteHostname(ctx context.Context, hostnameID string) error
}
