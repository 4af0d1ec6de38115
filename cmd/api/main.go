package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/skiffworks/skiff/internal/app/migrate"
	"github.com/skiffworks/skiff/internal/executor"
	"github.com/skiffworks/skiff/internal/gitclient"
	httpx "github.com/skiffworks/skiff/internal/http"
	"github.com/skiffworks/skiff/internal/publisher"
	"github.com/skiffworks/skiff/internal/repository"
	"github.com/skiffworks/skiff/internal/repository/memory"
	"github.com/skiffworks/skiff/internal/repository/postgres"
	"github.com/skiffworks/skiff/internal/scheduler"
	"github.com/skiffworks/skiff/internal/service/auth"
	"github.com/skiffworks/skiff/internal/service/deploy"
	"github.com/skiffworks/skiff/internal/service/domains"
	"github.com/skiffworks/skiff/internal/service/logs"
	"github.com/skiffworks/skiff/internal/service/project"
	"github.com/skiffworks/skiff/internal/service/webhook"
	"github.com/skiffworks/skiff/internal/workspace"
	"github.com/skiffworks/skiff/internal/ws"
	"github.com/skiffworks/skiff/pkg/config"
	"github.com/skiffworks/skiff/pkg/logger"
)

// store groups the repository interfaces main wires together.
type store interface {
	repository.UserRepository
	repository.ProjectRepository
	repository.WebhookRepository
	repository.DeploymentRepository
	repository.LogRepository
	repository.HostnameRepository
}

func main() {
	cfg := config.LoadServerConfig()
	log := logger.New("api", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		repo     store
		dbHealth func(context.Context) error
	)
	if cfg.DatabaseURL == "memory" {
		repo = memory.New()
		log.Warn("using in-memory storage, state is lost on restart")
	} else {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
		if err != nil {
			log.Error("failed to configure migrations", "error", err)
			os.Exit(1)
		}
		defer runner.Close()
		if err := runner.Ping(ctx); err != nil {
			log.Error("database ping failed", "error", err)
			os.Exit(1)
		}
		if err := runner.Ensure(ctx); err != nil {
			log.Error("migrations failed", "error", err)
			os.Exit(1)
		}
		repo = postgres.New(pool)
		dbHealth = pool.Ping
	}

	logHub := ws.NewHub()
	logSvc := logs.New(logHub, log)
	deploySvc := deploy.New(repo, repo, repo, logSvc, gitclient.New(), log)
	authSvc := auth.New(repo, log, auth.Config{
		JWTSecret:      cfg.JWTSecret,
		AccessTokenTTL: cfg.AccessTokenTTL,
	})
	projectSvc := project.New(repo, repo, log, cfg.EnvEncryptionKey)

	wsManager, err := workspace.New(cfg.WorkspaceRoot)
	if err != nil {
		log.Error("failed to prepare workspace root", "error", err)
		os.Exit(1)
	}
	pub, err := publisher.New(cfg.PublishRoot, cfg.DeployDomainSuffix)
	if err != nil {
		log.Error("failed to prepare publish root", "error", err)
		os.Exit(1)
	}
	runner := executor.New(gitclient.New(), wsManager, pub, repo, deploySvc, log, executor.Config{
		GitTimeout:        cfg.GitTimeout,
		BuildTimeout:      cfg.BuildTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		EnvEncryptionKey:  cfg.EnvEncryptionKey,
	})
	sched := scheduler.New(deploySvc, runner, log, scheduler.Config{
		Workers:           cfg.Workers,
		LeaseTTL:          cfg.LeaseTTL,
		HeartbeatInterval: cfg.HeartbeatInterval,
	})
	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		sched.Run(ctx)
	}()

	webhookSvc := webhook.New(repo, repo, deploySvc, sched, log, cfg.EnvEncryptionKey)
	verifier := domains.NewDNSVerifier(nil, cfg.DomainChallengeLabel, cfg.DomainCNAMETarget)
	domainSvc := domains.New(repo, repo, verifier, log)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, authSvc, projectSvc, deploySvc, logSvc, webhookSvc, domainSvc, sched, limiter, dbHealth)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		<-schedulerDone
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
