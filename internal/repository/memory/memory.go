package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/skiffworks/skiff/internal/domain"
	"github.com/skiffworks/skiff/internal/repository"
)

// Store is an in-memory implementation of the persistence interfaces, used by
// tests and by single-node deployments that run without Postgres. All methods
// copy records in and out, so a reader polling mid-write never observes a
// partially written deployment or a torn log chunk.
type Store struct {
	mu        sync.RWMutex
	users     map[string]domain.User
	projects  map[string]domain.Project
	envVars   map[string]map[string]domain.ProjectEnvVar
	secrets   map[string][]byte
	deploys   map[string]domain.Deployment
	logs      map[string][]domain.LogChunk
	hostnames map[string]domain.Hostname
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		users:     make(map[string]domain.User),
		projects:  make(map[string]domain.Project),
		envVars:   make(map[string]map[string]domain.ProjectEnvVar),
		secrets:   make(map[string][]byte),
		deploys:   make(map[string]domain.Deployment),
		logs:      make(map[string][]domain.LogChunk),
		hostnames: make(map[string]domain.Hostname),
	}
}

var (
	_ repository.UserRepository       = (*Store)(nil)
	_ repository.ProjectRepository    = (*Store)(nil)
	_ repository.WebhookRepository    = (*Store)(nil)
	_ repository.DeploymentRepository = (*Store)(nil)
	_ repository.LogRepository        = (*Store)(nil)
	_ repository.HostnameRepository   = (*Store)(nil)
)

// CreateUser inserts a user, enforcing email uniqueness.
func (s *Store) CreateUser(_ context.Context, user *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if strings.EqualFold(existing.Email, user.Email) {
			return repository.ErrConflict
		}
	}
	s.users[user.ID] = *user
	return nil
}

// GetUserByEmail fetches a user by email.
func (s *Store) GetUserByEmail(_ context.Context, email string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, user := range s.users {
		if strings.EqualFold(user.Email, email) {
			copied := user
			return &copied, nil
		}
	}
	return nil, repository.ErrNotFound
}

// GetUserByID fetches a user by identifier.
func (s *Store) GetUserByID(_ context.Context, id string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := user
	return &copied, nil
}

// CreateProject inserts a project.
func (s *Store) CreateProject(_ context.Context, project *domain.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[project.ID] = *project
	return nil
}

// GetProjectByID fetches project details.
func (s *Store) GetProjectByID(_ context.Context, projectID string) (*domain.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	project, ok := s.projects[projectID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := project
	return &copied, nil
}

// ListProjectsByOwner returns the owner's projects, newest first.
func (s *Store) ListProjectsByOwner(_ context.Context, ownerID string) ([]domain.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	projects := make([]domain.Project, 0)
	for _, project := range s.projects {
		if project.OwnerID == ownerID {
			projects = append(projects, project)
		}
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].CreatedAt.After(projects[j].CreatedAt) })
	return projects, nil
}

// ListProjectsByRepoURL returns projects bound to the given repository URL.
func (s *Store) ListProjectsByRepoURL(_ context.Context, repoURL string) ([]domain.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	projects := make([]domain.Project, 0)
	for _, project := range s.projects {
		if normalizeRepoURL(project.RepoURL) == normalizeRepoURL(repoURL) {
			projects = append(projects, project)
		}
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].CreatedAt.Before(projects[j].CreatedAt) })
	return projects, nil
}

func normalizeRepoURL(raw string) string {
	raw = strings.TrimSpace(strings.ToLower(raw))
	raw = strings.TrimSuffix(raw, ".git")
	return strings.TrimSuffix(raw, "/")
}

// UpdateProject replaces a stored project.
func (s *Store) UpdateProject(_ context.Context, project *domain.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[project.ID]; !ok {
		return repository.ErrNotFound
	}
	s.projects[project.ID] = *project
	return nil
}

// DeleteProject removes a project and cascades to deployments, logs, env
// vars, secrets and hostnames.
func (s *Store) DeleteProject(_ context.Context, projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[projectID]; !ok {
		return repository.ErrNotFound
	}
	delete(s.projects, projectID)
	delete(s.envVars, projectID)
	delete(s.secrets, projectID)
	for id, dep := range s.deploys {
		if dep.ProjectID == projectID {
			delete(s.deploys, id)
			delete(s.logs, id)
		}
	}
	for id, hostname := range s.hostnames {
		if hostname.ProjectID == projectID {
			delete(s.hostnames, id)
		}
	}
	return nil
}

// UpsertEnvVar stores an environment variable for a project.
func (s *Store) UpsertEnvVar(_ context.Context, envVar *domain.ProjectEnvVar) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	vars, ok := s.envVars[envVar.ProjectID]
	if !ok {
		vars = make(map[string]domain.ProjectEnvVar)
		s.envVars[envVar.ProjectID] = vars
	}
	copied := *envVar
	copied.Value = append([]byte(nil), envVar.Value...)
	vars[envVar.Key] = copied
	return nil
}

// ListProjectEnvVars returns environment variables ordered by key.
func (s *Store) ListProjectEnvVars(_ context.Context, projectID string) ([]domain.ProjectEnvVar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vars := make([]domain.ProjectEnvVar, 0, len(s.envVars[projectID]))
	for _, envVar := range s.envVars[projectID] {
		copied := envVar
		copied.Value = append([]byte(nil), envVar.Value...)
		vars = append(vars, copied)
	}
	sort.Slice(vars, func(i, j int) bool { return vars[i].Key < vars[j].Key })
	return vars, nil
}

// UpsertWebhookSecret stores encrypted secret bytes for a project.
func (s *Store) UpsertWebhookSecret(_ context.Context, projectID string, secret []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[projectID] = append([]byte(nil), secret...)
	return nil
}

// GetWebhookSecret loads a project's webhook secret.
func (s *Store) GetWebhookSecret(_ context.Context, projectID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	secret, ok := s.secrets[projectID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return append([]byte(nil), secret...), nil
}

// CreateDeployment inserts a deployment.
func (s *Store) CreateDeployment(_ context.Context, deployment *domain.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deploys[deployment.ID] = *deployment
	return nil
}

// GetDeploymentByID returns a deployment snapshot.
func (s *Store) GetDeploymentByID(_ context.Context, deploymentID string) (*domain.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	deployment, ok := s.deploys[deploymentID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := deployment
	return &copied, nil
}

// ListDeploymentsByProject returns a project's deployments, newest first.
func (s *Store) ListDeploymentsByProject(_ context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	deployments := make([]domain.Deployment, 0)
	for _, deployment := range s.deploys {
		if deployment.ProjectID == projectID {
			deployments = append(deployments, deployment)
		}
	}
	sort.Slice(deployments, func(i, j int) bool {
		return deployments[i].CreatedAt.After(deployments[j].CreatedAt)
	})
	if limit > 0 && len(deployments) > limit {
		deployments = deployments[:limit]
	}
	return deployments, nil
}

// ListUnfinishedDeployments returns queued/building deployments last touched
// before the cutoff.
func (s *Store) ListUnfinishedDeployments(_ context.Context, updatedBefore time.Time) ([]domain.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	deployments := make([]domain.Deployment, 0)
	for _, deployment := range s.deploys {
		if deployment.Status != "queued" && deployment.Status != "building" {
			continue
		}
		if deployment.UpdatedAt.Before(updatedBefore) {
			deployments = append(deployments, deployment)
		}
	}
	sort.Slice(deployments, func(i, j int) bool {
		return deployments[i].CreatedAt.Before(deployments[j].CreatedAt)
	})
	return deployments, nil
}

// UpdateDeploymentStatus applies a guarded transition.
func (s *Store) UpdateDeploymentStatus(_ context.Context, update domain.DeploymentStatusUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deployment, ok := s.deploys[update.DeploymentID]
	if !ok {
		return false, repository.ErrNotFound
	}
	if len(update.FromStatuses) > 0 && !contains(update.FromStatuses, deployment.Status) {
		return false, nil
	}
	deployment.Status = update.Status
	deployment.URL = update.URL
	deployment.Error = update.Error
	deployment.UpdatedAt = time.Now().UTC()
	if update.CompletedAt != nil {
		completed := *update.CompletedAt
		deployment.CompletedAt = &completed
	}
	s.deploys[update.DeploymentID] = deployment
	return true, nil
}

func contains(haystack []string, needle string) bool {
	for _, candidate := range haystack {
		if candidate == needle {
			return true
		}
	}
	return false
}

// AppendLogChunk appends a chunk while the deployment is still mutable.
func (s *Store) AppendLogChunk(_ context.Context, deploymentID, chunk string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deployment, ok := s.deploys[deploymentID]
	if !ok {
		return false, repository.ErrNotFound
	}
	if deployment.Status != "queued" && deployment.Status != "building" {
		return false, nil
	}
	s.logs[deploymentID] = append(s.logs[deploymentID], domain.LogChunk{
		DeploymentID: deploymentID,
		Seq:          len(s.logs[deploymentID]) + 1,
		Chunk:        chunk,
		CreatedAt:    at,
	})
	return true, nil
}

// ListLogChunks returns log chunks in append order.
func (s *Store) ListLogChunks(_ context.Context, deploymentID string) ([]domain.LogChunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chunks := make([]domain.LogChunk, len(s.logs[deploymentID]))
	copy(chunks, s.logs[deploymentID])
	return chunks, nil
}

// CreateHostname inserts a hostname, enforcing per-project name uniqueness.
func (s *Store) CreateHostname(_ context.Context, hostname *domain.Hostname) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.hostnames {
		if existing.ProjectID == hostname.ProjectID && strings.EqualFold(existing.Name, hostname.Name) {
			return repository.ErrConflict
		}
	}
	s.hostnames[hostname.ID] = *hostname
	return nil
}

// GetHostnameByID fetches a hostname.
func (s *Store) GetHostnameByID(_ context.Context, hostnameID string) (*domain.Hostname, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hostname, ok := s.hostnames[hostnameID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := hostname
	return &copied, nil
}

// ListHostnamesByProject returns a project's hostnames, oldest first.
func (s *Store) ListHostnamesByProject(_ context.Context, projectID string) ([]domain.Hostname, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hostnames := make([]domain.Hostname, 0)
	for _, hostname := range s.hostnames {
		if hostname.ProjectID == projectID {
			hostnames = append(hostnames, hostname)
		}
	}
	sort.Slice(hostnames, func(i, j int) bool {
		return hostnames[i].CreatedAt.Before(hostnames[j].CreatedAt)
	})
	return hostnames, nil
}

// MarkHostnameVerified flips the verified flag.
func (s *Store) MarkHostnameVerified(_ context.Context, hostnameID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	hostname, ok := s.hostnames[hostnameID]
	if !ok {
		return repository.ErrNotFound
	}
	hostname.Verified = true
	verifiedAt := at
	hostname.VerifiedAt = &verifiedAt
	s.hostnames[hostnameID] = hostname
	return nil
}

// DeleteHostname removes a hostname.
func (s *Store) DeleteHostname(_ context.Context, hostnameID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.hostnames[hostnameID]; !ok {
		return repository.ErrNotFound
	}
	delete(s.hostnames, hostnameID)
	return nil
}
