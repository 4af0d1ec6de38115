package domains

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

// ErrInvalidHostname is returned for names that cannot be custom domains.
var ErrInvalidHostname = errors.New("invalid hostname")

// Verifier decides whether a hostname proves ownership for a token.
type Verifier interface {
	Verify(ctx context.Context, hostname, token string) (bool, error)
}

// Service manages custom hostnames attached to projects.
type Service struct {
	repo     repository.HostnameRepository
	projects repository.ProjectRepository
	verifier Verifier
	logger   *slog.Logger
}

// New constructs a domains service.
func New(repo repository.HostnameRepository, projects repository.ProjectRepository, verifier Verifier, logger *slog.Logger) Service {
	return Service{repo: repo, projects: projects, verifier: verifier, logger: logger}
}

// Attach registers a hostname for a project and mints its verification
// token. The hostname starts unverified.
func (s Service) Attach(ctx context.Context, projectID, name string) (*domain.Hostname, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if !validHostname(name) {
		return nil, ErrInvalidHostname
	}
	if _, err := s.projects.GetProjectByID(ctx, projectID); err != nil {
		return nil, err
	}
	token, err := crypto.GenerateSecret(16)
	if err != nil {
		return nil, err
	}
	hostname := &domain.Hostname{
		ID:          uuid.NewString(),
		ProjectID:   projectID,
		Name:        name,
		VerifyToken: token,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.repo.CreateHostname(ctx, hostname); err != nil {
		return nil, err
	}
	s.logger.Info("hostname attached", "project_id", projectID, "hostname", name)
	return hostname, nil
}

// Verify runs the ownership check for a hostname and records success.
// Verifying an already verified hostname is a no-op.
func (s Service) Verify(ctx context.Context, hostnameID string) (*domain.Hostname, error) {
	hostname, err := s.repo.GetHostnameByID(ctx, hostnameID)
	if err != nil {
		return nil, err
	}
	if hostname.Verified {
		return hostname, nil
	}
	ok, err := s.verifier.Verify(ctx, hostname.Name, hostname.VerifyToken)
	if err != nil {
		return nil, err
	}
	if !ok {
		return hostname, nil
	}
	now := time.Now().UTC()
	if err := s.repo.MarkHostnameVerified(ctx, hostname.ID, now); err != nil {
		return nil, err
	}
	hostname.Verified = true
	hostname.VerifiedAt = &now
	s.logger.Info("hostname verified", "hostname", hostname.Name)
	return hostname, nil
}

// Get returns a hostname by identifier.
func (s Service) Get(ctx context.Context, hostnameID string) (*domain.Hostname, error) {
	return s.repo.GetHostnameByID(ctx, hostnameID)
}

// List returns a project's hostnames.
func (s Service) List(ctx context.Context, projectID string) ([]domain.Hostname, error) {
	if _, err := s.projects.GetProjectByID(ctx, projectID); err != nil {
		return nil, err
	}
	return s.repo.ListHostnamesByProject(ctx, projectID)
}

// Detach removes a hostname.
func (s Service) Detach(ctx context.Context, hostnameID string) error {
	return s.repo.DeleteHostname(ctx, hostnameID)
}

// validHostname accepts dotted lowercase DNS names without scheme or path.
func validHostname(name string) bool {
	if name == "" || len(name) > 253 || !strings.Contains(name, ".") {
		return false
	}
	for _, label := range strings.Split(name, ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		if strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return false
		}
		for _, r := range label {
			switch {
			case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			default:
				return false
			}
		}
	}
	return true
}
