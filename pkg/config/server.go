package config

import (
	"log/slog"
	"strings"
	"time"
)

// ServerConfig holds runtime configuration for the skiff server.
type ServerConfig struct {
	Environment      string
	Addr             string
	DatabaseURL      string
	MigrationsDir    string
	JWTSecret        string
	EnvEncryptionKey string
	AccessTokenTTL   time.Duration

	WorkspaceRoot      string
	PublishRoot        string
	DeployDomainSuffix string

	Workers           int
	GitTimeout        time.Duration
	BuildTimeout      time.Duration
	LeaseTTL          time.Duration
	HeartbeatInterval time.Duration

	DomainChallengeLabel string
	DomainCNAMETarget    string

	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int

	LogLevel slog.Level
}

// LoadServerConfig constructs a ServerConfig from environment variables.
func LoadServerConfig() ServerConfig {
	return ServerConfig{
		Environment:      GetString("APP_ENV", "development"),
		Addr:             GetString("SKIFF_ADDR", ":4000"),
		DatabaseURL:      GetString("DATABASE_URL", "postgres://skiff:skiff@db:5432/skiff?sslmode=disable"),
		MigrationsDir:    GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		JWTSecret:        GetString("JWT_SECRET", "supersecuresecret"),
		EnvEncryptionKey: GetString("ENV_ENCRYPTION_KEY", "supersecuresecret"),
		AccessTokenTTL:   time.Duration(GetInt("ACCESS_TOKEN_TTL_MIN", 60)) * time.Minute,

		WorkspaceRoot:      GetString("WORKSPACE_ROOT", "/var/lib/skiff/workspaces"),
		PublishRoot:        GetString("PUBLISH_ROOT", "/var/lib/skiff/sites"),
		DeployDomainSuffix: GetString("DEPLOY_DOMAIN_SUFFIX", ".local.skiff"),

		Workers:           GetInt("BUILD_WORKERS", 4),
		GitTimeout:        GetDuration("GIT_TIMEOUT", 2*time.Minute),
		BuildTimeout:      GetDuration("BUILD_TIMEOUT", 15*time.Minute),
		LeaseTTL:          GetDuration("EXECUTOR_LEASE_TTL", 2*time.Minute),
		HeartbeatInterval: GetDuration("EXECUTOR_HEARTBEAT", 15*time.Second),

		DomainChallengeLabel: GetString("DOMAIN_CHALLENGE_LABEL", "_skiff-challenge"),
		DomainCNAMETarget:    GetString("DOMAIN_CNAME_TARGET", "edge.skiff.sh"),

		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),

		LogLevel: parseLogLevel(GetString("LOG_LEVEL", "info")),
	}
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
