package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"

	"log/slog"

	"github.com/skiffworks/skiff/internal/domain"
	"github.com/skiffworks/skiff/internal/repository"
	"github.com/skiffworks/skiff/pkg/crypto"
)

// Supported webhook providers.
const (
	ProviderGitHub = "github"
	ProviderGitLab = "gitlab"
)

var (
	// ErrSignatureMismatch is returned when the payload signature does not
	// match any candidate project's secret.
	ErrSignatureMismatch = errors.New("webhook signature mismatch")
	// ErrWebhooksDisabled is returned when a matched project has no webhook
	// secret configured.
	ErrWebhooksDisabled = errors.New("webhooks disabled for project")
	// ErrUnknownRepository is returned when no project is bound to the
	// pushed repository.
	ErrUnknownRepository = errors.New("no project for repository")
)

// PushEvent is the provider-independent view of a push.
type PushEvent struct {
	Provider      string
	RepoURL       string
	Branch        string
	CommitSHA     string
	CommitMessage string
}

// PushResult summarizes what a push did across matched projects.
type PushResult struct {
	Triggered []domain.Deployment
	Skipped   int
}

// Deployer is the deployment intake the webhook service drives.
type Deployer interface {
	Create(ctx context.Context, projectID, commitSHA, commitMessage string) (*domain.Deployment, error)
}

// Enqueuer hands a created deployment to the build queue.
type Enqueuer interface {
	Enqueue(deployment domain.Deployment)
}

// Service turns provider push payloads into deployments.
type Service struct {
	projects      repository.ProjectRepository
	secrets       repository.WebhookRepository
	deployer      Deployer
	enqueuer      Enqueuer
	logger        *slog.Logger
	encryptionKey string
}

// New constructs a webhook service.
func New(projects repository.ProjectRepository, secrets repository.WebhookRepository, deployer Deployer, enqueuer Enqueuer, logger *slog.Logger, encryptionKey string) Service {
	return Service{
		projects:      projects,
		secrets:       secrets,
		deployer:      deployer,
		enqueuer:      enqueuer,
		logger:        logger,
		encryptionKey: encryptionKey,
	}
}

// VerifySignature checks the HMAC-SHA256 hex signature for a payload. The
// optional "sha256=" prefix GitHub sends is accepted.
func VerifySignature(payload, secret []byte, provided string) bool {
	provided = strings.TrimPrefix(strings.TrimSpace(provided), "sha256=")
	if provided == "" {
		return false
	}
	hasher := hmac.New(sha256.New, secret)
	hasher.Write(payload)
	expected := hex.EncodeToString(hasher.Sum(nil))
	return hmac.Equal([]byte(strings.ToLower(provided)), []byte(expected))
}

// DecodePush extracts the provider-independent push fields from a raw
// payload.
func DecodePush(provider string, payload []byte) (PushEvent, error) {
	switch provider {
	case ProviderGitHub:
		return decodeGitHub(payload)
	case ProviderGitLab:
		return decodeGitLab(payload)
	default:
		return PushEvent{}, domain.Invalidf("unsupported provider %q", provider)
	}
}

type githubPush struct {
	Ref        string `json:"ref"`
	HeadCommit *struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	} `json:"head_commit"`
	Commits []struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	} `json:"commits"`
	Repository struct {
		CloneURL string `json:"clone_url"`
		HTMLURL  string `json:"html_url"`
	} `json:"repository"`
}

func decodeGitHub(payload []byte) (PushEvent, error) {
	var push githubPush
	if err := json.Unmarshal(payload, &push); err != nil {
		return PushEvent{}, domain.Invalidf("decode github payload: %v", err)
	}
	event := PushEvent{
		Provider: ProviderGitHub,
		Branch:   branchFromRef(push.Ref),
		RepoURL:  push.Repository.CloneURL,
	}
	if event.RepoURL == "" {
		event.RepoURL = push.Repository.HTMLURL
	}
	if push.HeadCommit != nil {
		event.CommitSHA = push.HeadCommit.ID
		event.CommitMessage = firstLine(push.HeadCommit.Message)
	} else if len(push.Commits) > 0 {
		last := push.Commits[len(push.Commits)-1]
		event.CommitSHA = last.ID
		event.CommitMessage = firstLine(last.Message)
	}
	return event, nil
}

type gitlabPush struct {
	Ref         string `json:"ref"`
	CheckoutSHA string `json:"checkout_sha"`
	Commits     []struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	} `json:"commits"`
	Project struct {
		GitHTTPURL string `json:"git_http_url"`
		WebURL     string `json:"web_url"`
	} `json:"project"`
}

func decodeGitLab(payload []byte) (PushEvent, error) {
	var push gitlabPush
	if err := json.Unmarshal(payload, &push); err != nil {
		return PushEvent{}, domain.Invalidf("decode gitlab payload: %v", err)
	}
	event := PushEvent{
		Provider:  ProviderGitLab,
		Branch:    branchFromRef(push.Ref),
		RepoURL:   push.Project.GitHTTPURL,
		CommitSHA: push.CheckoutSHA,
	}
	if event.RepoURL == "" {
		event.RepoURL = push.Project.WebURL
	}
	for _, commit := range push.Commits {
		if commit.ID == push.CheckoutSHA {
			event.CommitMessage = firstLine(commit.Message)
			break
		}
	}
	if event.CommitSHA == "" && len(push.Commits) > 0 {
		last := push.Commits[len(push.Commits)-1]
		event.CommitSHA = last.ID
		event.CommitMessage = firstLine(last.Message)
	}
	return event, nil
}

func branchFromRef(ref string) string {
	return strings.TrimPrefix(ref, "refs/heads/")
}

func firstLine(message string) string {
	if idx := strings.IndexByte(message, '\n'); idx >= 0 {
		message = message[:idx]
	}
	return strings.TrimSpace(message)
}

// HandlePush verifies and dispatches a raw push payload. Projects are
// matched by repository URL; each match verifies the signature against its
// own secret, and a branch mismatch skips the project without error. The
// whole push is rejected when no matched project accepts the signature.
func (s Service) HandlePush(ctx context.Context, provider string, payload []byte, signature string) (PushResult, error) {
	event, err := DecodePush(provider, payload)
	if err != nil {
		return PushResult{}, err
	}
	if event.RepoURL == "" {
		return PushResult{}, domain.ValidationError("payload carries no repository URL")
	}

	projects, err := s.projects.ListProjectsByRepoURL(ctx, event.RepoURL)
	if err != nil {
		return PushResult{}, err
	}
	if len(projects) == 0 {
		return PushResult{}, ErrUnknownRepository
	}

	var result PushResult
	verified := false
	for _, project := range projects {
		secret, err := s.projectSecret(ctx, project.ID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				s.logger.Warn("push for project without webhook secret", "project_id", project.ID)
				continue
			}
			return PushResult{}, err
		}
		if !VerifySignature(payload, secret, signature) {
			continue
		}
		verified = true
		if event.Branch != project.Branch {
			s.logger.Debug("push skipped, branch mismatch", "project_id", project.ID, "pushed", event.Branch, "tracked", project.Branch)
			result.Skipped++
			continue
		}
		deployment, err := s.deployer.Create(ctx, project.ID, event.CommitSHA, event.CommitMessage)
		if err != nil {
			return PushResult{}, err
		}
		s.enqueuer.Enqueue(*deployment)
		result.Triggered = append(result.Triggered, *deployment)
	}
	if !verified {
		if s.allMissingSecrets(ctx, projects) {
			return PushResult{}, ErrWebhooksDisabled
		}
		return PushResult{}, ErrSignatureMismatch
	}
	return result, nil
}

func (s Service) allMissingSecrets(ctx context.Context, projects []domain.Project) bool {
	for _, project := range projects {
		if _, err := s.secrets.GetWebhookSecret(ctx, project.ID); err == nil {
			return false
		}
	}
	return true
}

func (s Service) projectSecret(ctx context.Context, projectID string) ([]byte, error) {
	stored, err := s.secrets.GetWebhookSecret(ctx, projectID)
	if err != nil {
		return nil, err
	}
	raw, err := crypto.DecryptToString(s.encryptionKey, stored)
	if err != nil {
		return nil, err
	}
	return []byte(raw), nil
}
