package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/skiffworks/skiff/internal/domain"
	"github.com/skiffworks/skiff/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.UserRepository       = (*Repository)(nil)
	_ repository.ProjectRepository    = (*Repository)(nil)
	_ repository.WebhookRepository    = (*Repository)(nil)
	_ repository.DeploymentRepository = (*Repository)(nil)
	_ repository.LogRepository        = (*Repository)(nil)
	_ repository.HostnameRepository   = (*Repository)(nil)
)

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// CreateUser inserts a user.
func (r *Repository) CreateUser(ctx context.Context, user *domain.User) error {
	const query = `INSERT INTO users (id, email, password_hash, created_at)
		VALUES ($1, $2, $3, $4)`
	_, err := r.pool.Exec(ctx, query, user.ID, user.Email, user.PasswordHash, user.CreatedAt)
	if isUniqueViolation(err) {
		return repository.ErrConflict
	}
	return err
}

// GetUserByEmail fetches a user by email.
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	const query = `SELECT id, email, password_hash, created_at FROM users WHERE LOWER(email) = LOWER($1)`
	row := r.pool.QueryRow(ctx, query, email)
	var u domain.User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// GetUserByID retrieves a user by identifier.
func (r *Repository) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	const query = `SELECT id, email, password_hash, created_at FROM users WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)
	var u domain.User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// CreateProject inserts a project.
func (r *Repository) CreateProject(ctx context.Context, project *domain.Project) error {
	const query = `INSERT INTO projects (id, owner_id, name, repo_url, branch, build_command, output_dir, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.pool.Exec(ctx, query,
		project.ID,
		project.OwnerID,
		project.Name,
		project.RepoURL,
		project.Branch,
		project.BuildCommand,
		project.OutputDir,
		project.CreatedAt,
		project.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return repository.ErrConflict
	}
	return err
}

// GetProjectByID fetches project details.
func (r *Repository) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	const query = `SELECT id, owner_id, name, repo_url, branch, build_command, output_dir, created_at, updated_at
		FROM projects WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, projectID)
	var project domain.Project
	if err := row.Scan(&project.ID, &project.OwnerID, &project.Name, &project.RepoURL, &project.Branch, &project.BuildCommand, &project.OutputDir, &project.CreatedAt, &project.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &project, nil
}

// ListProjectsByOwner returns projects for the provided owner.
func (r *Repository) ListProjectsByOwner(ctx context.Context, ownerID string) ([]domain.Project, error) {
	const query = `SELECT id, owner_id, name, repo_url, branch, build_command, output_dir, created_at, updated_at
		FROM projects WHERE owner_id = $1 ORDER BY created_at DESC`
	return r.queryProjects(ctx, query, ownerID)
}

// ListProjectsByRepoURL returns projects bound to a repository URL. The URL
// is normalized on both sides so "https://x/y.git" and "https://x/y" match.
func (r *Repository) ListProjectsByRepoURL(ctx context.Context, repoURL string) ([]domain.Project, error) {
	const query = `SELECT id, owner_id, name, repo_url, branch, build_command, output_dir, created_at, updated_at
		FROM projects
		WHERE TRIM(TRAILING '/' FROM REGEXP_REPLACE(LOWER(repo_url), '\.git$', '')) =
		      TRIM(TRAILING '/' FROM REGEXP_REPLACE(LOWER($1), '\.git$', ''))
		ORDER BY created_at ASC`
	return r.queryProjects(ctx, query, repoURL)
}

func (r *Repository) queryProjects(ctx context.Context, query string, args ...any) ([]domain.Project, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	projects := make([]domain.Project, 0)
	for rows.Next() {
		var project domain.Project
		if err := rows.Scan(&project.ID, &project.OwnerID, &project.Name, &project.RepoURL, &project.Branch, &project.BuildCommand, &project.OutputDir, &project.CreatedAt, &project.UpdatedAt); err != nil {
			return nil, err
		}
		projects = append(projects, project)
	}
	return projects, rows.Err()
}

// UpdateProject replaces mutable project fields.
func (r *Repository) UpdateProject(ctx context.Context, project *domain.Project) error {
	const query = `UPDATE projects
		SET name = $2, repo_url = $3, branch = $4, build_command = $5, output_dir = $6, updated_at = $7
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query,
		project.ID,
		project.Name,
		project.RepoURL,
		project.Branch,
		project.BuildCommand,
		project.OutputDir,
		project.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteProject removes a project. Dependent rows cascade via foreign keys.
func (r *Repository) DeleteProject(ctx context.Context, projectID string) error {
	const query = `DELETE FROM projects WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, projectID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// UpsertEnvVar upserts an environment variable.
func (r *Repository) UpsertEnvVar(ctx context.Context, envVar *domain.ProjectEnvVar) error {
	const query = `INSERT INTO project_env_vars (project_id, key, value, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (project_id, key) DO UPDATE SET value = EXCLUDED.value`
	_, err := r.pool.Exec(ctx, query, envVar.ProjectID, envVar.Key, envVar.Value, envVar.CreatedAt)
	return err
}

// ListProjectEnvVars returns environment variables for a project.
func (r *Repository) ListProjectEnvVars(ctx context.Context, projectID string) ([]domain.ProjectEnvVar, error) {
	const query = `SELECT project_id, key, value, created_at FROM project_env_vars WHERE project_id = $1 ORDER BY key`
	rows, err := r.pool.Query(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	vars := make([]domain.ProjectEnvVar, 0)
	for rows.Next() {
		var envVar domain.ProjectEnvVar
		if err := rows.Scan(&envVar.ProjectID, &envVar.Key, &envVar.Value, &envVar.CreatedAt); err != nil {
			return nil, err
		}
		vars = append(vars, envVar)
	}
	return vars, rows.Err()
}

// UpsertWebhookSecret stores encrypted secret bytes for a project.
func (r *Repository) UpsertWebhookSecret(ctx context.Context, projectID string, secret []byte) error {
	const query = `INSERT INTO webhook_secrets (project_id, secret, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (project_id) DO UPDATE SET secret = EXCLUDED.secret`
	_, err := r.pool.Exec(ctx, query, projectID, secret)
	return err
}

// GetWebhookSecret loads a project's webhook secret.
func (r *Repository) GetWebhookSecret(ctx context.Context, projectID string) ([]byte, error) {
	const query = `SELECT secret FROM webhook_secrets WHERE project_id = $1`
	row := r.pool.QueryRow(ctx, query, projectID)
	var secret []byte
	if err := row.Scan(&secret); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return secret, nil
}

// CreateDeployment inserts a deployment.
func (r *Repository) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	const query = `INSERT INTO deployments (id, project_id, status, commit_sha, commit_message, url, error_message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.pool.Exec(ctx, query,
		deployment.ID,
		deployment.ProjectID,
		deployment.Status,
		deployment.CommitSHA,
		deployment.CommitMessage,
		deployment.URL,
		deployment.Error,
		deployment.CreatedAt,
		deployment.UpdatedAt,
	)
	return err
}

// GetDeploymentByID fetches a deployment.
func (r *Repository) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	const query = `SELECT id, project_id, status, commit_sha, commit_message, url, error_message, created_at, updated_at, completed_at
		FROM deployments WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, deploymentID)
	var deployment domain.Deployment
	if err := row.Scan(&deployment.ID, &deployment.ProjectID, &deployment.Status, &deployment.CommitSHA, &deployment.CommitMessage, &deployment.URL, &deployment.Error, &deployment.CreatedAt, &deployment.UpdatedAt, &deployment.CompletedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &deployment, nil
}

// ListDeploymentsByProject returns a project's deployments, newest first.
func (r *Repository) ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	query := `SELECT id, project_id, status, commit_sha, commit_message, url, error_message, created_at, updated_at, completed_at
		FROM deployments WHERE project_id = $1 ORDER BY created_at DESC`
	args := []any{projectID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	return r.queryDeployments(ctx, query, args...)
}

// ListUnfinishedDeployments returns queued or building deployments last
// touched before the cutoff, oldest first.
func (r *Repository) ListUnfinishedDeployments(ctx context.Context, updatedBefore time.Time) ([]domain.Deployment, error) {
	const query = `SELECT id, project_id, status, commit_sha, commit_message, url, error_message, created_at, updated_at, completed_at
		FROM deployments
		WHERE status IN ('queued', 'building') AND updated_at < $1
		ORDER BY created_at ASC`
	return r.queryDeployments(ctx, query, updatedBefore)
}

func (r *Repository) queryDeployments(ctx context.Context, query string, args ...any) ([]domain.Deployment, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	deployments := make([]domain.Deployment, 0)
	for rows.Next() {
		var deployment domain.Deployment
		if err := rows.Scan(&deployment.ID, &deployment.ProjectID, &deployment.Status, &deployment.CommitSHA, &deployment.CommitMessage, &deployment.URL, &deployment.Error, &deployment.CreatedAt, &deployment.UpdatedAt, &deployment.CompletedAt); err != nil {
			return nil, err
		}
		deployments = append(deployments, deployment)
	}
	return deployments, rows.Err()
}

// UpdateDeploymentStatus applies a guarded transition. The status predicate
// runs inside the UPDATE so two racing callers cannot both win.
func (r *Repository) UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) (bool, error) {
	const query = `UPDATE deployments
		SET status = $2, url = $3, error_message = $4, completed_at = $5, updated_at = NOW()
		WHERE id = $1 AND ($6::text[] IS NULL OR status = ANY($6))`
	var from []string
	if len(update.FromStatuses) > 0 {
		from = update.FromStatuses
	}
	tag, err := r.pool.Exec(ctx, query,
		update.DeploymentID,
		update.Status,
		update.URL,
		update.Error,
		update.CompletedAt,
		from,
	)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := r.GetDeploymentByID(ctx, update.DeploymentID); getErr != nil {
			return false, getErr
		}
		return false, nil
	}
	return true, nil
}

// AppendLogChunk appends a chunk while the deployment is still queued or
// building. The insert embeds the status check so a worker that lost its
// deployment cannot write into a frozen log.
func (r *Repository) AppendLogChunk(ctx context.Context, deploymentID, chunk string, at time.Time) (bool, error) {
	const query = `INSERT INTO deployment_logs (deployment_id, seq, chunk, created_at)
		SELECT d.id,
		       COALESCE((SELECT MAX(seq) FROM deployment_logs WHERE deployment_id = d.id), 0) + 1,
		       $2,
		       $3
		FROM deployments d
		WHERE d.id = $1 AND d.status IN ('queued', 'building')`
	tag, err := r.pool.Exec(ctx, query, deploymentID, chunk, at)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := r.GetDeploymentByID(ctx, deploymentID); getErr != nil {
			return false, getErr
		}
		return false, nil
	}
	return true, nil
}

// ListLogChunks returns log chunks in append order.
func (r *Repository) ListLogChunks(ctx context.Context, deploymentID string) ([]domain.LogChunk, error) {
	const query = `SELECT deployment_id, seq, chunk, created_at
		FROM deployment_logs WHERE deployment_id = $1 ORDER BY seq ASC`
	rows, err := r.pool.Query(ctx, query, deploymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	chunks := make([]domain.LogChunk, 0)
	for rows.Next() {
		var chunk domain.LogChunk
		if err := rows.Scan(&chunk.DeploymentID, &chunk.Seq, &chunk.Chunk, &chunk.CreatedAt); err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
	return chunks, rows.Err()
}

// CreateHostname inserts a hostname.
func (r *Repository) CreateHostname(ctx context.Context, hostname *domain.Hostname) error {
	const query = `INSERT INTO hostnames (id, project_id, name, verify_token, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.pool.Exec(ctx, query,
		hostname.ID,
		hostname.ProjectID,
		hostname.Name,
		hostname.VerifyToken,
		hostname.Verified,
		hostname.CreatedAt,
	)
	if isUniqueViolation(err) {
		return repository.ErrConflict
	}
	return err
}

// GetHostnameByID fetches a hostname.
func (r *Repository) GetHostnameByID(ctx context.Context, hostnameID string) (*domain.Hostname, error) {
	const query = `SELECT id, project_id, name, verify_token, verified, created_at, verified_at
		FROM hostnames WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, hostnameID)
	var hostname domain.Hostname
	if err := row.Scan(&hostname.ID, &hostname.ProjectID, &hostname.Name, &hostname.VerifyToken, &hostname.Verified, &hostname.CreatedAt, &hostname.VerifiedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &hostname, nil
}

// ListHostnamesByProject returns a project's hostnames, oldest first.
func (r *Repository) ListHostnamesByProject(ctx context.Context, projectID string) ([]domain.Hostname, error) {
	const query = `SELECT id, project_id, name, verify_token, verified, created_at, verified_at
		FROM hostnames WHERE project_id = $1 ORDER BY created_at ASC`
	rows, err := r.pool.Query(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	hostnames := make([]domain.Hostname, 0)
	for rows.Next() {
		var hostname domain.Hostname
		if err := rows.Scan(&hostname.ID, &hostname.ProjectID, &hostname.Name, &hostname.VerifyToken, &hostname.Verified, &hostname.CreatedAt, &hostname.VerifiedAt); err != nil {
			return nil, err
		}
		hostnames = append(hostnames, hostname)
	}
	return hostnames, rows.Err()
}

// MarkHostnameVerified flips the verified flag.
func (r *Repository) MarkHostnameVerified(ctx context.Context, hostnameID string, at time.Time) error {
	const query = `UPDATE hostnames SET verified = TRUE, verified_at = $2 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, hostnameID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteHostname removes a hostname.
func (r *Repository) DeleteHostname(ctx context.Context, hostnameID string) error {
	const query = `DELETE FROM hostnames WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, hostnameID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}
