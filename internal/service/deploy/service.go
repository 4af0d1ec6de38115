package deploy

import (
	"context"
	"errors"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/skiffworks/skiff/internal/domain"
	"github.com/skiffworks/skiff/internal/repository"
	"github.com/skiffworks/skiff/internal/service/logs"
)

// Status constants for deployments.
const (
	StatusQueued   = "queued"
	StatusBuilding = "building"
	StatusReady    = "ready"
	StatusFailed   = "failed"
)

// ErrInvalidTransition is returned when a caller attempts a status change the
// state machine does not allow, such as starting an already finished
// deployment.
var ErrInvalidTransition = errors.New("invalid deployment status transition")

// Outcome carries the terminal result of a build.
type Outcome struct {
	Status string
	URL    string
	Error  string
}

// Snapshot is a deployment together with its accumulated build log.
type Snapshot struct {
	Deployment domain.Deployment
	BuildLogs  string
}

// HeadResolver looks up the commit a branch currently points at.
type HeadResolver interface {
	ResolveHead(ctx context.Context, repoURL, branch string) (string, error)
}

// Service owns the deployment lifecycle. Every status change funnels through
// it so the queued -> building -> ready/failed ordering holds no matter how
// many workers and pollers race.
type Service struct {
	projects    repository.ProjectRepository
	deployments repository.DeploymentRepository
	logRepo     repository.LogRepository
	logSvc      logs.Service
	resolver    HeadResolver
	logger      *slog.Logger
}

// New returns a deployment service. resolver may be nil, in which case
// deployments created without a commit SHA record an empty one.
func New(projects repository.ProjectRepository, deployments repository.DeploymentRepository, logRepo repository.LogRepository, logSvc logs.Service, resolver HeadResolver, logger *slog.Logger) Service {
	return Service{
		projects:    projects,
		deployments: deployments,
		logRepo:     logRepo,
		logSvc:      logSvc,
		resolver:    resolver,
		logger:      logger,
	}
}

// Create records a new queued deployment for the project. Webhook pushes
// carry the commit; manual deployments pass an empty SHA and the branch head
// is resolved from the remote so the record names a real commit.
func (s Service) Create(ctx context.Context, projectID, commitSHA, commitMessage string) (*domain.Deployment, error) {
	project, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if commitSHA == "" && s.resolver != nil {
		head, err := s.resolver.ResolveHead(ctx, project.RepoURL, project.Branch)
		if err != nil {
			// The build clones the branch tip either way; a failed lookup
			// only costs the record its pinned commit.
			s.logger.Warn("could not resolve branch head", "project_id", project.ID, "error", err)
		} else {
			commitSHA = head
		}
	}
	now := time.Now().UTC()
	deployment := &domain.Deployment{
		ID:            uuid.NewString(),
		ProjectID:     project.ID,
		Status:        StatusQueued,
		CommitSHA:     commitSHA,
		CommitMessage: commitMessage,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.deployments.CreateDeployment(ctx, deployment); err != nil {
		return nil, err
	}
	s.logger.Info("deployment created", "deployment_id", deployment.ID, "project_id", project.ID, "commit", commitSHA)
	return deployment, nil
}

// Start moves a queued deployment to building. Only one caller can win; a
// second Start on the same deployment reports ErrInvalidTransition.
func (s Service) Start(ctx context.Context, deploymentID string) error {
	ok, err := s.deployments.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{
		DeploymentID: deploymentID,
		FromStatuses: []string{StatusQueued},
		Status:       StatusBuilding,
	})
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidTransition
	}
	s.logger.Info("deployment building", "deployment_id", deploymentID)
	return nil
}

// AppendLog records a chunk of build output and streams it to followers.
// Chunks arriving after the deployment reached a terminal status are dropped
// without error, so a straggling worker cannot corrupt a frozen log.
func (s Service) AppendLog(ctx context.Context, deploymentID, chunk string) error {
	now := time.Now().UTC()
	ok, err := s.logRepo.AppendLogChunk(ctx, deploymentID, chunk, now)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	s.logSvc.Publish(domain.LogChunk{DeploymentID: deploymentID, Chunk: chunk, CreatedAt: now})
	return nil
}

// Complete finalizes a building deployment. Completing an already finished
// deployment is a no-op, so executor retries and the lost-worker sweeper can
// both call it without double-finalizing.
func (s Service) Complete(ctx context.Context, deploymentID string, outcome Outcome) error {
	if outcome.Status != StatusReady && outcome.Status != StatusFailed {
		return ErrInvalidTransition
	}
	if outcome.Status == StatusFailed && outcome.Error == "" {
		outcome.Error = "build failed"
	}
	now := time.Now().UTC()
	ok, err := s.deployments.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{
		DeploymentID: deploymentID,
		FromStatuses: []string{StatusBuilding},
		Status:       outcome.Status,
		URL:          outcome.URL,
		Error:        outcome.Error,
		CompletedAt:  &now,
	})
	if err != nil {
		return err
	}
	if !ok {
		current, err := s.deployments.GetDeploymentByID(ctx, deploymentID)
		if err != nil {
			return err
		}
		if current.Status == StatusQueued {
			return ErrInvalidTransition
		}
		s.logger.Debug("deployment already finalized", "deployment_id", deploymentID, "status", current.Status)
		return nil
	}
	s.logger.Info("deployment completed", "deployment_id", deploymentID, "status", outcome.Status, "url", outcome.URL)
	return nil
}

// Get returns a deployment snapshot including its concatenated build log.
func (s Service) Get(ctx context.Context, deploymentID string) (*Snapshot, error) {
	deployment, err := s.deployments.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	chunks, err := s.logRepo.ListLogChunks(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	for _, chunk := range chunks {
		b.WriteString(chunk.Chunk)
	}
	return &Snapshot{Deployment: *deployment, BuildLogs: b.String()}, nil
}

// ListByProject returns recent deployments for a project, newest first.
func (s Service) ListByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	if _, err := s.projects.GetProjectByID(ctx, projectID); err != nil {
		return nil, err
	}
	return s.deployments.ListDeploymentsByProject(ctx, projectID, limit)
}

// ListStale returns queued or building deployments untouched since the
// cutoff. The scheduler uses it to recover work after a restart.
func (s Service) ListStale(ctx context.Context, updatedBefore time.Time) ([]domain.Deployment, error) {
	return s.deployments.ListUnfinishedDeployments(ctx, updatedBefore)
}
