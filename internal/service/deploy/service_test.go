package deploy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/skiffworks/skiff/internal/domain"
	"github.com/skiffworks/skiff/internal/repository"
	"github.com/skiffworks/skiff/internal/repository/memory"
	"github.com/skiffworks/skiff/internal/service/logs"
	"github.com/skiffworks/skiff/internal/ws"
)

func newTestService(t *testing.T) (Service, *memory.Store, string) {
	t.Helper()
	store := memory.New()
	discard := slog.New(slog.NewTextHandler(io.Discard, nil))
	logSvc := logs.New(ws.NewHub(), discard)
	svc := New(store, store, store, logSvc, nil, discard)

	projectID := uuid.NewString()
	err := store.CreateProject(context.Background(), &domain.Project{
		ID:        projectID,
		OwnerID:   uuid.NewString(),
		Name:      "docs",
		RepoURL:   "https://example.com/org/docs.git",
		Branch:    "main",
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed project: %v", err)
	}
	return svc, store, projectID
}

func TestCreateStartsQueued(t *testing.T) {
	svc, _, projectID := newTestService(t)

	deployment, err := svc.Create(context.Background(), projectID, "abc123", "initial commit")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if deployment.Status != StatusQueued {
		t.Fatalf("expected queued, got %q", deployment.Status)
	}
	if deployment.CommitSHA != "abc123" {
		t.Fatalf("unexpected commit sha %q", deployment.CommitSHA)
	}
}

type fakeHeadResolver struct {
	head string
	err  error

	gotRepoURL string
	gotBranch  string
}

func (r *fakeHeadResolver) ResolveHead(_ context.Context, repoURL, branch string) (string, error) {
	r.gotRepoURL = repoURL
	r.gotBranch = branch
	return r.head, r.err
}

func TestCreateResolvesBranchHead(t *testing.T) {
	svc, _, projectID := newTestService(t)
	resolver := &fakeHeadResolver{head: "feedface"}
	svc.resolver = resolver

	deployment, err := svc.Create(context.Background(), projectID, "", "manual deploy")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if deployment.CommitSHA != "feedface" {
		t.Fatalf("expected resolved head, got %q", deployment.CommitSHA)
	}
	if resolver.gotRepoURL != "https://example.com/org/docs.git" || resolver.gotBranch != "main" {
		t.Fatalf("resolver queried %q %q", resolver.gotRepoURL, resolver.gotBranch)
	}

	// An explicit SHA is never second-guessed.
	deployment, err = svc.Create(context.Background(), projectID, "abc123", "")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if deployment.CommitSHA != "abc123" {
		t.Fatalf("explicit sha overridden: %q", deployment.CommitSHA)
	}
}

func TestCreateSurvivesResolverFailure(t *testing.T) {
	svc, _, projectID := newTestService(t)
	svc.resolver = &fakeHeadResolver{err: errors.New("remote unreachable")}

	deployment, err := svc.Create(context.Background(), projectID, "", "")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if deployment.Status != StatusQueued || deployment.CommitSHA != "" {
		t.Fatalf("unexpected deployment %+v", deployment)
	}
}

func TestCreateUnknownProject(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Create(context.Background(), uuid.NewString(), "", "")
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStartOnlyOnceWins(t *testing.T) {
	svc, _, projectID := newTestService(t)
	deployment, err := svc.Create(context.Background(), projectID, "abc", "")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	if err := svc.Start(context.Background(), deployment.ID); err != nil {
		t.Fatalf("first Start returned error: %v", err)
	}
	if err := svc.Start(context.Background(), deployment.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on second Start, got %v", err)
	}
}

func TestCompleteRequiresBuilding(t *testing.T) {
	svc, _, projectID := newTestService(t)
	deployment, err := svc.Create(context.Background(), projectID, "abc", "")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	err = svc.Complete(context.Background(), deployment.ID, Outcome{Status: StatusReady, URL: "http://docs-abc.local"})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition completing a queued deployment, got %v", err)
	}
}

func TestCompleteIsIdempotent(t *testing.T) {
	svc, _, projectID := newTestService(t)
	deployment, err := svc.Create(context.Background(), projectID, "abc", "")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if err := svc.Start(context.Background(), deployment.ID); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := svc.Complete(context.Background(), deployment.ID, Outcome{Status: StatusReady, URL: "http://docs-abc.local"}); err != nil {
		t.Fatalf("first Complete returned error: %v", err)
	}
	// A late failure report must not overwrite the ready outcome.
	if err := svc.Complete(context.Background(), deployment.ID, Outcome{Status: StatusFailed, Error: "lost worker"}); err != nil {
		t.Fatalf("second Complete returned error: %v", err)
	}

	snapshot, err := svc.Get(context.Background(), deployment.ID)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if snapshot.Deployment.Status != StatusReady {
		t.Fatalf("expected ready after duplicate Complete, got %q", snapshot.Deployment.Status)
	}
	if snapshot.Deployment.URL != "http://docs-abc.local" {
		t.Fatalf("unexpected url %q", snapshot.Deployment.URL)
	}
	if snapshot.Deployment.CompletedAt == nil {
		t.Fatalf("expected completed_at to be set")
	}
}

func TestCompleteRejectsNonTerminalStatus(t *testing.T) {
	svc, _, projectID := newTestService(t)
	deployment, err := svc.Create(context.Background(), projectID, "abc", "")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if err := svc.Start(context.Background(), deployment.ID); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := svc.Complete(context.Background(), deployment.ID, Outcome{Status: StatusBuilding}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for non-terminal status, got %v", err)
	}
}

func TestFailedOutcomeGetsDefaultError(t *testing.T) {
	svc, _, projectID := newTestService(t)
	deployment, err := svc.Create(context.Background(), projectID, "abc", "")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if err := svc.Start(context.Background(), deployment.ID); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := svc.Complete(context.Background(), deployment.ID, Outcome{Status: StatusFailed}); err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}
	snapshot, err := svc.Get(context.Background(), deployment.ID)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if snapshot.Deployment.Error == "" {
		t.Fatalf("expected failed deployment to carry an error message")
	}
}

func TestAppendLogOrderAndFreeze(t *testing.T) {
	svc, _, projectID := newTestService(t)
	deployment, err := svc.Create(context.Background(), projectID, "abc", "")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if err := svc.Start(context.Background(), deployment.ID); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	for _, chunk := range []string{"step one\n", "step two\n", "step three\n"} {
		if err := svc.AppendLog(context.Background(), deployment.ID, chunk); err != nil {
			t.Fatalf("AppendLog returned error: %v", err)
		}
	}
	if err := svc.Complete(context.Background(), deployment.ID, Outcome{Status: StatusReady, URL: "http://x"}); err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}
	// Writes after the terminal status are silently dropped.
	if err := svc.AppendLog(context.Background(), deployment.ID, "late chunk\n"); err != nil {
		t.Fatalf("AppendLog after completion returned error: %v", err)
	}

	snapshot, err := svc.Get(context.Background(), deployment.ID)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	want := "step one\nstep two\nstep three\n"
	if snapshot.BuildLogs != want {
		t.Fatalf("unexpected build logs %q", snapshot.BuildLogs)
	}
	if strings.Contains(snapshot.BuildLogs, "late chunk") {
		t.Fatalf("log accepted a write after completion")
	}
}

func TestListByProjectNewestFirst(t *testing.T) {
	svc, store, projectID := newTestService(t)

	old := &domain.Deployment{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Status:    StatusReady,
		CreatedAt: time.Now().UTC().Add(-time.Hour),
		UpdatedAt: time.Now().UTC().Add(-time.Hour),
	}
	if err := store.CreateDeployment(context.Background(), old); err != nil {
		t.Fatalf("seed deployment: %v", err)
	}
	recent, err := svc.Create(context.Background(), projectID, "abc", "")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	deployments, err := svc.ListByProject(context.Background(), projectID, 10)
	if err != nil {
		t.Fatalf("ListByProject returned error: %v", err)
	}
	if len(deployments) != 2 {
		t.Fatalf("expected 2 deployments, got %d", len(deployments))
	}
	if deployments[0].ID != recent.ID {
		t.Fatalf("expected newest deployment first")
	}
}
