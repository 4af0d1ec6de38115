package project

import (
	"context"
	"errors"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/skiffworks/skiff/internal/domain"
	"github.com/skiffworks/skiff/internal/repository"
	"github.com/skiffworks/skiff/pkg/crypto"
)

// ErrNotOwner is returned when a caller touches a project they do not own.
var ErrNotOwner = errors.New("project belongs to another user")

// CreateInput carries new-project parameters.
type CreateInput struct {
	Name         string
	RepoURL      string
	Branch       string
	BuildCommand string
	OutputDir    string
}

// UpdateInput carries optional project changes. Nil fields are left as is.
type UpdateInput struct {
	Name         *string
	RepoURL      *string
	Branch       *string
	BuildCommand *string
	OutputDir    *string
}

// Service manages projects, their environment variables and webhook secrets.
type Service struct {
	repo          repository.ProjectRepository
	webhooks      repository.WebhookRepository
	logger        *slog.Logger
	encryptionKey string
}

// New constructs a project service.
func New(repo repository.ProjectRepository, webhooks repository.WebhookRepository, logger *slog.Logger, encryptionKey string) Service {
	return Service{repo: repo, webhooks: webhooks, logger: logger, encryptionKey: encryptionKey}
}

// Create registers a project and provisions its webhook secret. The plain
// secret is returned once and stored only encrypted.
func (s Service) Create(ctx context.Context, ownerID string, input CreateInput) (*domain.Project, string, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, "", domain.ValidationError("project name is required")
	}
	repoURL := strings.TrimSpace(input.RepoURL)
	if repoURL == "" {
		return nil, "", domain.ValidationError("repository URL is required")
	}
	branch := strings.TrimSpace(input.Branch)
	if branch == "" {
		branch = "main"
	}
	now := time.Now().UTC()
	p := &domain.Project{
		ID:           uuid.NewString(),
		OwnerID:      ownerID,
		Name:         name,
		RepoURL:      repoURL,
		Branch:       branch,
		BuildCommand: strings.TrimSpace(input.BuildCommand),
		OutputDir:    sanitizeOutputDir(input.OutputDir),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.CreateProject(ctx, p); err != nil {
		return nil, "", err
	}
	secret, err := s.rotateSecret(ctx, p.ID)
	if err != nil {
		return nil, "", err
	}
	s.logger.Info("project created", "project_id", p.ID, "name", p.Name)
	return p, secret, nil
}

// Get returns a project owned by the caller.
func (s Service) Get(ctx context.Context, ownerID, projectID string) (*domain.Project, error) {
	p, err := s.repo.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if p.OwnerID != ownerID {
		return nil, ErrNotOwner
	}
	return p, nil
}

// List returns the caller's projects.
func (s Service) List(ctx context.Context, ownerID string) ([]domain.Project, error) {
	return s.repo.ListProjectsByOwner(ctx, ownerID)
}

// Update applies partial changes to a project.
func (s Service) Update(ctx context.Context, ownerID, projectID string, input UpdateInput) (*domain.Project, error) {
	p, err := s.Get(ctx, ownerID, projectID)
	if err != nil {
		return nil, err
	}
	if input.Name != nil {
		p.Name = strings.TrimSpace(*input.Name)
	}
	if input.RepoURL != nil {
		p.RepoURL = strings.TrimSpace(*input.RepoURL)
	}
	if input.Branch != nil && strings.TrimSpace(*input.Branch) != "" {
		p.Branch = strings.TrimSpace(*input.Branch)
	}
	if input.BuildCommand != nil {
		p.BuildCommand = strings.TrimSpace(*input.BuildCommand)
	}
	if input.OutputDir != nil {
		p.OutputDir = sanitizeOutputDir(*input.OutputDir)
	}
	p.UpdatedAt = time.Now().UTC()
	if err := s.repo.UpdateProject(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Delete removes a project and everything hanging off it.
func (s Service) Delete(ctx context.Context, ownerID, projectID string) error {
	if _, err := s.Get(ctx, ownerID, projectID); err != nil {
		return err
	}
	return s.repo.DeleteProject(ctx, projectID)
}

// SetEnvVar stores an environment variable encrypted at rest.
func (s Service) SetEnvVar(ctx context.Context, ownerID, projectID, key, value string) error {
	if _, err := s.Get(ctx, ownerID, projectID); err != nil {
		return err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ValidationError("env var key is required")
	}
	encrypted, err := crypto.EncryptString(s.encryptionKey, value)
	if err != nil {
		return err
	}
	return s.repo.UpsertEnvVar(ctx, &domain.ProjectEnvVar{
		ProjectID: projectID,
		Key:       key,
		Value:     encrypted,
		CreatedAt: time.Now().UTC(),
	})
}

// ListEnvKeys returns the project's environment variable names. Values stay
// server-side.
func (s Service) ListEnvKeys(ctx context.Context, ownerID, projectID string) ([]string, error) {
	if _, err := s.Get(ctx, ownerID, projectID); err != nil {
		return nil, err
	}
	vars, err := s.repo.ListProjectEnvVars(ctx, projectID)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(vars))
	for _, v := range vars {
		keys = append(keys, v.Key)
	}
	return keys, nil
}

// RotateWebhookSecret replaces the project's webhook secret and returns the
// new plain value once.
func (s Service) RotateWebhookSecret(ctx context.Context, ownerID, projectID string) (string, error) {
	if _, err := s.Get(ctx, ownerID, projectID); err != nil {
		return "", err
	}
	return s.rotateSecret(ctx, projectID)
}

func (s Service) rotateSecret(ctx context.Context, projectID string) (string, error) {
	secret, err := crypto.GenerateSecret(32)
	if err != nil {
		return "", err
	}
	encrypted, err := crypto.EncryptString(s.encryptionKey, secret)
	if err != nil {
		return "", err
	}
	if err := s.webhooks.UpsertWebhookSecret(ctx, projectID, encrypted); err != nil {
		return "", err
	}
	return secret, nil
}

// sanitizeOutputDir confines the output directory to a relative path inside
// the checkout.
func sanitizeOutputDir(dir string) string {
	dir = strings.TrimSpace(dir)
	dir = strings.TrimPrefix(dir, "./")
	dir = strings.Trim(dir, "/")
	if dir == "" || strings.Contains(dir, "..") {
		return ""
	}
	return dir
}
