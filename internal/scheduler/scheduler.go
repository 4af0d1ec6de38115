package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"log/slog"

	"github.com/skiffworks/skiff/internal/domain"
	"github.com/skiffworks/skiff/internal/service/deploy"
)

// Runner executes a single deployment and returns its terminal outcome.
// heartbeat must be called periodically for as long as the worker is alive,
// independent of whether the build produces output.
type Runner interface {
	Run(ctx context.Context, deployment domain.Deployment, heartbeat func()) deploy.Outcome
}

// Config holds scheduler tunables.
type Config struct {
	Workers           int
	LeaseTTL          time.Duration
	HeartbeatInterval time.Duration
}

// lease tracks one in-flight build.
type lease struct {
	deploymentID string
	projectID    string
	cancel       context.CancelFunc
	lastBeat     time.Time
	expired      bool
}

// Scheduler dispatches queued deployments to a bounded worker pool. Two
// rules govern dispatch: at most Workers builds run at once, and at most one
// build per project runs at once. Queued work for a busy project waits while
// other projects' work proceeds.
type Scheduler struct {
	deploySvc deploy.Service
	runner    Runner
	logger    *slog.Logger
	cfg       Config

	mu      sync.Mutex
	queue   []domain.Deployment
	leases  map[string]*lease // keyed by project ID
	running int

	kick chan struct{}
	wg   sync.WaitGroup
}

// New constructs a scheduler.
func New(deploySvc deploy.Service, runner Runner, logger *slog.Logger, cfg Config) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 2 * time.Minute
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	return &Scheduler{
		deploySvc: deploySvc,
		runner:    runner,
		logger:    logger,
		cfg:       cfg,
		leases:    make(map[string]*lease),
		kick:      make(chan struct{}, 1),
	}
}

// Enqueue hands a queued deployment to the scheduler.
func (s *Scheduler) Enqueue(deployment domain.Deployment) {
	s.mu.Lock()
	s.queue = append(s.queue, deployment)
	depth := len(s.queue)
	s.mu.Unlock()
	queueDepth.Set(float64(depth))
	s.logger.Debug("deployment enqueued", "deployment_id", deployment.ID, "queue_depth", depth)
	s.poke()
}

func (s *Scheduler) poke() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run drives the dispatch loop until ctx is cancelled, then waits for
// in-flight builds to drain. It recovers abandoned work from a previous
// process before accepting new dispatches.
func (s *Scheduler) Run(ctx context.Context) {
	if err := s.reconcile(ctx); err != nil {
		s.logger.Error("startup reconcile failed", "error", err)
	}

	sweep := time.NewTicker(s.cfg.HeartbeatInterval)
	defer sweep.Stop()

	for {
		s.dispatch(ctx)
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case <-s.kick:
		case <-sweep.C:
			s.expireLeases(ctx)
		}
	}
}

// dispatch starts as many eligible builds as worker slots allow. Eligible
// means the deployment's project has no build in flight; ineligible entries
// stay queued in arrival order.
func (s *Scheduler) dispatch(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	s.mu.Lock()
	var started []domain.Deployment
	remaining := s.queue[:0]
	for _, deployment := range s.queue {
		if s.running >= s.cfg.Workers {
			remaining = append(remaining, deployment)
			continue
		}
		if _, busy := s.leases[deployment.ProjectID]; busy {
			remaining = append(remaining, deployment)
			continue
		}
		buildCtx, cancel := context.WithCancel(ctx)
		s.leases[deployment.ProjectID] = &lease{
			deploymentID: deployment.ID,
			projectID:    deployment.ProjectID,
			cancel:       cancel,
			lastBeat:     time.Now(),
		}
		s.running++
		started = append(started, deployment)
		s.startWorker(buildCtx, deployment)
	}
	s.queue = remaining
	depth := len(s.queue)
	running := s.running
	s.mu.Unlock()

	queueDepth.Set(float64(depth))
	buildsInFlight.Set(float64(running))
	for _, deployment := range started {
		s.logger.Info("deployment dispatched", "deployment_id", deployment.ID, "project_id", deployment.ProjectID)
	}
}

func (s *Scheduler) startWorker(ctx context.Context, deployment domain.Deployment) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(deployment.ProjectID)

		if err := s.deploySvc.Start(context.WithoutCancel(ctx), deployment.ID); err != nil {
			if !errors.Is(err, deploy.ErrInvalidTransition) {
				s.logger.Error("failed to start deployment", "deployment_id", deployment.ID, "error", err)
			}
			return
		}

		heartbeat := func() { s.beat(deployment.ProjectID) }
		outcome := s.runner.Run(ctx, deployment, heartbeat)
		buildsTotal.WithLabelValues(outcome.Status).Inc()

		// Completion must survive shutdown cancellation or the
		// deployment would stay building forever.
		if err := s.deploySvc.Complete(context.WithoutCancel(ctx), deployment.ID, outcome); err != nil {
			s.logger.Error("failed to complete deployment", "deployment_id", deployment.ID, "error", err)
		}
	}()
}

func (s *Scheduler) release(projectID string) {
	s.mu.Lock()
	if l, ok := s.leases[projectID]; ok {
		l.cancel()
		delete(s.leases, projectID)
	}
	s.running--
	running := s.running
	s.mu.Unlock()
	buildsInFlight.Set(float64(running))
	s.poke()
}

func (s *Scheduler) beat(projectID string) {
	s.mu.Lock()
	if l, ok := s.leases[projectID]; ok {
		l.lastBeat = time.Now()
	}
	s.mu.Unlock()
}

// expireLeases cancels builds whose worker stopped heartbeating and marks
// their deployments failed.
func (s *Scheduler) expireLeases(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.LeaseTTL)
	s.mu.Lock()
	var expired []*lease
	for _, l := range s.leases {
		if !l.expired && l.lastBeat.Before(cutoff) {
			l.expired = true
			expired = append(expired, l)
		}
	}
	s.mu.Unlock()

	for _, l := range expired {
		s.logger.Warn("build lease expired", "deployment_id", l.deploymentID, "project_id", l.projectID)
		leasesExpired.Inc()
		// Finalize before cancelling so the unblocked worker's own outcome
		// arrives second and becomes a no-op.
		err := s.deploySvc.Complete(context.WithoutCancel(ctx), l.deploymentID, deploy.Outcome{
			Status: deploy.StatusFailed,
			Error:  "lost worker",
		})
		if err != nil {
			s.logger.Error("failed to fail expired deployment", "deployment_id", l.deploymentID, "error", err)
		}
		l.cancel()
	}
}

// reconcile recovers deployments abandoned by a previous process. Queued
// rows go back on the queue; rows stuck in building belong to a worker that
// no longer exists and are failed.
func (s *Scheduler) reconcile(ctx context.Context) error {
	stale, err := s.deploySvc.ListStale(ctx, time.Now())
	if err != nil {
		return err
	}
	for _, deployment := range stale {
		switch deployment.Status {
		case deploy.StatusQueued:
			s.logger.Info("requeueing abandoned deployment", "deployment_id", deployment.ID)
			s.Enqueue(deployment)
		case deploy.StatusBuilding:
			s.logger.Warn("failing abandoned deployment", "deployment_id", deployment.ID)
			err := s.deploySvc.Complete(ctx, deployment.ID, deploy.Outcome{
				Status: deploy.StatusFailed,
				Error:  "lost worker",
			})
			if err != nil {
				s.logger.Error("failed to fail abandoned deployment", "deployment_id", deployment.ID, "error", err)
			}
		}
	}
	return nil
}
