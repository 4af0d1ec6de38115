package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"log/slog"

	"github.com/skiffworks/skiff/internal/domain"
	"github.com/skiffworks/skiff/internal/gitclient"
	"github.com/skiffworks/skiff/internal/publisher"
	"github.com/skiffworks/skiff/internal/repository"
	"github.com/skiffworks/skiff/internal/service/deploy"
	"github.com/skiffworks/skiff/pkg/crypto"
)

// Cloner checks a repository revision out into a directory.
type Cloner interface {
	Clone(ctx context.Context, spec gitclient.CloneSpec) error
}

// Config holds executor tunables.
type Config struct {
	GitTimeout        time.Duration
	BuildTimeout      time.Duration
	HeartbeatInterval time.Duration
	EnvEncryptionKey  string
}

// Executor runs one deployment end to end: checkout, build, publish. It
// reports progress through the deploy service and never touches deployment
// status itself; the scheduler owns transitions.
type Executor struct {
	cloner    Cloner
	workspace WorkspaceManager
	publisher *publisher.Publisher
	projects  repository.ProjectRepository
	deploySvc deploy.Service
	logger    *slog.Logger
	cfg       Config
}

// WorkspaceManager provisions and removes per-build directories.
type WorkspaceManager interface {
	Prepare(identifier string) (string, error)
	CleanupByID(identifier string) error
}

// New creates an executor.
func New(cloner Cloner, ws WorkspaceManager, pub *publisher.Publisher, projects repository.ProjectRepository, deploySvc deploy.Service, logger *slog.Logger, cfg Config) Executor {
	return Executor{
		cloner:    cloner,
		workspace: ws,
		publisher: pub,
		projects:  projects,
		deploySvc: deploySvc,
		logger:    logger,
		cfg:       cfg,
	}
}

// Run executes the build pipeline for a deployment and returns its terminal
// outcome. heartbeat is invoked on a fixed interval for as long as the worker
// is alive so the scheduler can tell a slow build from a dead worker.
func (e Executor) Run(ctx context.Context, deployment domain.Deployment, heartbeat func()) deploy.Outcome {
	// Beat on a clock, not on build output. A healthy build may be silent
	// for longer than the scheduler's lease TTL.
	stopBeats := make(chan struct{})
	defer close(stopBeats)
	go func() {
		interval := e.cfg.HeartbeatInterval
		if interval <= 0 {
			interval = 15 * time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopBeats:
				return
			case <-ticker.C:
				heartbeat()
			}
		}
	}()

	project, err := e.projects.GetProjectByID(ctx, deployment.ProjectID)
	if err != nil {
		return deploy.Outcome{Status: deploy.StatusFailed, Error: fmt.Sprintf("load project: %v", err)}
	}

	// The env snapshot is taken before the clone starts. Edits made while
	// the deployment is in flight apply to the next build, not this one.
	env, err := e.buildEnv(ctx, project.ID)
	if err != nil {
		return deploy.Outcome{Status: deploy.StatusFailed, Error: fmt.Sprintf("load environment: %v", err)}
	}

	dir, err := e.workspace.Prepare(deployment.ID)
	if err != nil {
		return deploy.Outcome{Status: deploy.StatusFailed, Error: fmt.Sprintf("prepare workspace: %v", err)}
	}
	defer func() {
		if cleanupErr := e.workspace.CleanupByID(deployment.ID); cleanupErr != nil {
			e.logger.Warn("workspace cleanup failed", "deployment_id", deployment.ID, "error", cleanupErr)
		}
	}()

	e.appendLog(ctx, deployment.ID, fmt.Sprintf("cloning %s (%s)\n", project.RepoURL, project.Branch))
	cloneCtx := ctx
	if e.cfg.GitTimeout > 0 {
		var cancel context.CancelFunc
		cloneCtx, cancel = context.WithTimeout(ctx, e.cfg.GitTimeout)
		defer cancel()
	}
	if err := e.cloner.Clone(cloneCtx, gitclient.CloneSpec{
		RepoURL:   project.RepoURL,
		Branch:    project.Branch,
		CommitSHA: deployment.CommitSHA,
		Dest:      dir,
	}); err != nil {
		e.appendLog(ctx, deployment.ID, err.Error()+"\n")
		return deploy.Outcome{Status: deploy.StatusFailed, Error: "git checkout failed"}
	}

	if project.BuildCommand != "" {
		if outcome, ok := e.build(ctx, deployment, project, dir, env); !ok {
			return outcome
		}
	}

	outputDir := filepath.Join(dir, project.OutputDir)
	url, err := e.publisher.Publish(project.Name, deployment.ID, outputDir)
	if err != nil {
		e.appendLog(ctx, deployment.ID, err.Error()+"\n")
		return deploy.Outcome{Status: deploy.StatusFailed, Error: "publish failed"}
	}
	e.appendLog(ctx, deployment.ID, "deployed to "+url+"\n")
	return deploy.Outcome{Status: deploy.StatusReady, URL: url}
}

// build runs the project's build command with combined output streamed into
// the deployment log line by line. Returns ok=false with a failure outcome
// when the build did not succeed.
func (e Executor) build(ctx context.Context, deployment domain.Deployment, project *domain.Project, dir string, env []string) (deploy.Outcome, bool) {
	buildCtx := ctx
	var cancel context.CancelFunc
	if e.cfg.BuildTimeout > 0 {
		buildCtx, cancel = context.WithTimeout(ctx, e.cfg.BuildTimeout)
		defer cancel()
	}

	e.appendLog(ctx, deployment.ID, "$ "+project.BuildCommand+"\n")
	cmd := exec.CommandContext(buildCtx, "sh", "-c", project.BuildCommand)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	// The shell's children inherit the output pipe. Cancellation must kill
	// the whole process group, and Wait must not hang on a descendant that
	// kept the pipe open.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		e.appendLog(ctx, deployment.ID, err.Error()+"\n")
		return deploy.Outcome{Status: deploy.StatusFailed, Error: "build command could not start"}, false
	}

	var lastLine string
	done := make(chan struct{})
	go func() {
		defer close(done)
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.TrimSpace(line) != "" {
				lastLine = line
			}
			e.appendLog(ctx, deployment.ID, line+"\n")
		}
	}()

	waitErr := cmd.Wait()
	pw.Close()
	<-done
	pr.Close()

	if waitErr != nil {
		if errors.Is(buildCtx.Err(), context.DeadlineExceeded) {
			e.appendLog(ctx, deployment.ID, "build timed out\n")
			return deploy.Outcome{Status: deploy.StatusFailed, Error: "build timed out"}, false
		}
		msg := strings.TrimSpace(lastLine)
		if msg == "" {
			msg = waitErr.Error()
		}
		return deploy.Outcome{Status: deploy.StatusFailed, Error: msg}, false
	}
	return deploy.Outcome{}, true
}

// buildEnv decrypts the project's environment variables into KEY=value form.
func (e Executor) buildEnv(ctx context.Context, projectID string) ([]string, error) {
	vars, err := e.projects.ListProjectEnvVars(ctx, projectID)
	if err != nil {
		return nil, err
	}
	env := make([]string, 0, len(vars))
	for _, v := range vars {
		value, err := crypto.DecryptToString(e.cfg.EnvEncryptionKey, v.Value)
		if err != nil {
			return nil, fmt.Errorf("decrypt %s: %w", v.Key, err)
		}
		env = append(env, v.Key+"="+value)
	}
	return env, nil
}

func (e Executor) appendLog(ctx context.Context, deploymentID, chunk string) {
	// Log writes ride on Background so a cancelled build can still record
	// its final lines before the status freezes.
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	if err := e.deploySvc.AppendLog(ctx, deploymentID, chunk); err != nil {
		e.logger.Warn("failed to append build log", "deployment_id", deploymentID, "error", err)
	}
}
