package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/skiffworks/skiff/internal/domain"
	"github.com/skiffworks/skiff/internal/repository/memory"
	"github.com/skiffworks/skiff/internal/service/deploy"
	"github.com/skiffworks/skiff/internal/service/logs"
	"github.com/skiffworks/skiff/internal/ws"
)

// blockingRunner records build starts and holds each build until released.
type blockingRunner struct {
	mu        sync.Mutex
	running   map[string]int
	maxByProj map[string]int
	started   chan string
	release   chan struct{}
	outcome   deploy.Outcome
	beat      bool
}

func newBlockingRunner(outcome deploy.Outcome) *blockingRunner {
	return &blockingRunner{
		running:   make(map[string]int),
		maxByProj: make(map[string]int),
		started:   make(chan string, 16),
		release:   make(chan struct{}),
		outcome:   outcome,
	}
}

func (r *blockingRunner) Run(ctx context.Context, deployment domain.Deployment, heartbeat func()) deploy.Outcome {
	r.mu.Lock()
	r.running[deployment.ProjectID]++
	if r.running[deployment.ProjectID] > r.maxByProj[deployment.ProjectID] {
		r.maxByProj[deployment.ProjectID] = r.running[deployment.ProjectID]
	}
	r.mu.Unlock()

	r.started <- deployment.ID
	if r.beat {
		heartbeat()
	}
	select {
	case <-r.release:
	case <-ctx.Done():
	}

	r.mu.Lock()
	r.running[deployment.ProjectID]--
	r.mu.Unlock()
	return r.outcome
}

func (r *blockingRunner) maxConcurrent(projectID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxByProj[projectID]
}

type testEnv struct {
	store     *memory.Store
	deploySvc deploy.Service
	projectID string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := memory.New()
	discard := slog.New(slog.NewTextHandler(io.Discard, nil))
	logSvc := logs.New(ws.NewHub(), discard)
	deploySvc := deploy.New(store, store, store, logSvc, nil, discard)

	env := &testEnv{store: store, deploySvc: deploySvc, projectID: uuid.NewString()}
	err := store.CreateProject(context.Background(), &domain.Project{
		ID:        env.projectID,
		OwnerID:   uuid.NewString(),
		Name:      "site",
		RepoURL:   "https://example.com/org/site.git",
		Branch:    "main",
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed project: %v", err)
	}
	return env
}

func (env *testEnv) newProject(t *testing.T) string {
	t.Helper()
	id := uuid.NewString()
	err := env.store.CreateProject(context.Background(), &domain.Project{
		ID:        id,
		OwnerID:   uuid.NewString(),
		Name:      "other",
		RepoURL:   "https://example.com/org/other.git",
		Branch:    "main",
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed project: %v", err)
	}
	return id
}

func (env *testEnv) createDeployment(t *testing.T, projectID string) domain.Deployment {
	t.Helper()
	deployment, err := env.deploySvc.Create(context.Background(), projectID, "abc", "")
	if err != nil {
		t.Fatalf("create deployment: %v", err)
	}
	return *deployment
}

func waitForStatus(t *testing.T, env *testEnv, deploymentID, want string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		deployment, err := env.store.GetDeploymentByID(context.Background(), deploymentID)
		if err != nil {
			t.Fatalf("get deployment: %v", err)
		}
		if deployment.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	deployment, _ := env.store.GetDeploymentByID(context.Background(), deploymentID)
	t.Fatalf("deployment %s never reached %q, stuck at %q", deploymentID, want, deployment.Status)
}

func waitStarted(t *testing.T, runner *blockingRunner) string {
	t.Helper()
	select {
	case id := <-runner.started:
		return id
	case <-time.After(3 * time.Second):
		t.Fatalf("no build started in time")
		return ""
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSchedulerRunsDeploymentToReady(t *testing.T) {
	env := newTestEnv(t)
	runner := newBlockingRunner(deploy.Outcome{Status: deploy.StatusReady, URL: "http://site-abc.local"})
	sched := New(env.deploySvc, runner, discardLogger(), Config{Workers: 2})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	deployment := env.createDeployment(t, env.projectID)
	sched.Enqueue(deployment)

	waitStarted(t, runner)
	waitForStatus(t, env, deployment.ID, deploy.StatusBuilding)
	close(runner.release)
	waitForStatus(t, env, deployment.ID, deploy.StatusReady)

	final, err := env.store.GetDeploymentByID(context.Background(), deployment.ID)
	if err != nil {
		t.Fatalf("get deployment: %v", err)
	}
	if final.URL != "http://site-abc.local" {
		t.Fatalf("unexpected url %q", final.URL)
	}
}

func TestSchedulerSerializesPerProject(t *testing.T) {
	env := newTestEnv(t)
	runner := newBlockingRunner(deploy.Outcome{Status: deploy.StatusReady})
	sched := New(env.deploySvc, runner, discardLogger(), Config{Workers: 4})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	first := env.createDeployment(t, env.projectID)
	second := env.createDeployment(t, env.projectID)
	sched.Enqueue(first)
	sched.Enqueue(second)

	startedID := waitStarted(t, runner)
	if startedID != first.ID {
		t.Fatalf("expected first deployment to start first, got %s", startedID)
	}

	// The second deployment must wait while the first holds the project.
	select {
	case id := <-runner.started:
		t.Fatalf("second build %s started while first still running", id)
	case <-time.After(100 * time.Millisecond):
	}

	close(runner.release)
	waitStarted(t, runner)
	waitForStatus(t, env, first.ID, deploy.StatusReady)
	waitForStatus(t, env, second.ID, deploy.StatusReady)

	if max := runner.maxConcurrent(env.projectID); max != 1 {
		t.Fatalf("expected at most 1 concurrent build per project, saw %d", max)
	}
}

func TestSchedulerDoesNotBlockOtherProjects(t *testing.T) {
	env := newTestEnv(t)
	otherProject := env.newProject(t)
	runner := newBlockingRunner(deploy.Outcome{Status: deploy.StatusReady})
	sched := New(env.deploySvc, runner, discardLogger(), Config{Workers: 4})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	blockedFirst := env.createDeployment(t, env.projectID)
	blockedSecond := env.createDeployment(t, env.projectID)
	independent := env.createDeployment(t, otherProject)
	sched.Enqueue(blockedFirst)
	sched.Enqueue(blockedSecond)
	sched.Enqueue(independent)

	started := map[string]bool{}
	started[waitStarted(t, runner)] = true
	started[waitStarted(t, runner)] = true
	if !started[blockedFirst.ID] || !started[independent.ID] {
		t.Fatalf("expected first and independent deployments to run, got %v", started)
	}

	close(runner.release)
	waitForStatus(t, env, blockedSecond.ID, deploy.StatusReady)
}

func TestSchedulerFailsLostWorker(t *testing.T) {
	env := newTestEnv(t)
	// The runner never heartbeats, so the lease expires.
	runner := newBlockingRunner(deploy.Outcome{Status: deploy.StatusReady})
	sched := New(env.deploySvc, runner, discardLogger(), Config{
		Workers:           1,
		LeaseTTL:          50 * time.Millisecond,
		HeartbeatInterval: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	deployment := env.createDeployment(t, env.projectID)
	sched.Enqueue(deployment)
	waitStarted(t, runner)

	waitForStatus(t, env, deployment.ID, deploy.StatusFailed)
	final, err := env.store.GetDeploymentByID(context.Background(), deployment.ID)
	if err != nil {
		t.Fatalf("get deployment: %v", err)
	}
	if final.Error != "lost worker" {
		t.Fatalf("unexpected error message %q", final.Error)
	}
}

func TestSchedulerReconcilesAbandonedWork(t *testing.T) {
	env := newTestEnv(t)

	abandonedQueued := env.createDeployment(t, env.projectID)
	abandonedBuilding := env.createDeployment(t, env.projectID)
	if err := env.deploySvc.Start(context.Background(), abandonedBuilding.ID); err != nil {
		t.Fatalf("start deployment: %v", err)
	}
	// Give the building row an older timestamp than the reconcile cutoff.
	time.Sleep(10 * time.Millisecond)

	runner := newBlockingRunner(deploy.Outcome{Status: deploy.StatusReady})
	close(runner.release)
	sched := New(env.deploySvc, runner, discardLogger(), Config{Workers: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	// The queued row is picked back up and finishes; the building row
	// belonged to a dead worker and fails.
	waitForStatus(t, env, abandonedQueued.ID, deploy.StatusReady)
	waitForStatus(t, env, abandonedBuilding.ID, deploy.StatusFailed)

	final, err := env.store.GetDeploymentByID(context.Background(), abandonedBuilding.ID)
	if err != nil {
		t.Fatalf("get deployment: %v", err)
	}
	if final.Error != "lost worker" {
		t.Fatalf("unexpected error message %q", final.Error)
	}
}
