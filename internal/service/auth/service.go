package auth

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
	jwtpkg "github.com/skiffworks/skiff/pkg/jwt"
)

// ErrInvalidCredentials covers both unknown emails and wrong passwords so
// responses do not leak which one it was.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Config holds auth tunables.
type Config struct {
	JWTSecret      string
	AccessTokenTTL time.Duration
}

// Service handles authentication workflows.
type Service struct {
	users  repository.UserRepository
	logger *slog.Logger
	cfg    Config
}

// New constructs a Service.
func New(users repository.UserRepository, logger *slog.Logger, cfg Config) Service {
	return Service{users: users, logger: logger, cfg: cfg}
}

// Token is an issued access token.
type Token struct {
	AccessToken string
	ExpiresIn   time.Duration
}

// Signup registers a new user.
func (s Service) Signup(ctx context.Context, email, password string) (*domain.User, Token, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, Token{}, domain.ValidationError("valid email required")
	}
	if len(password) < 8 {
		return nil, Token{}, domain.ValidationError("password must be at least 8 characters")
	}
	hash, err := crypto.HashPassword(password)
	if err != nil {
		return nil, Token{}, err
	}
	user := &domain.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		return nil, Token{}, err
	}
	token, err := s.issueToken(user.ID)
	if err != nil {
		return nil, Token{}, err
	}
	s.logger.Info("user registered", "user_id", user.ID)
	return user, token, nil
}

// Login authenticates a user and returns a token.
func (s Service) Login(ctx context.Context, email, password string) (*domain.User, Token, error) {
	user, err := s.users.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, Token{}, ErrInvalidCredentials
		}
		return nil, Token{}, err
	}
	if err := crypto.ComparePassword(user.PasswordHash, password); err != nil {
		return nil, Token{}, ErrInvalidCredentials
	}
	token, err := s.issueToken(user.ID)
	if err != nil {
		return nil, Token{}, err
	}
	s.logger.Info("user logged in", "user_id", user.ID)
	return user, token, nil
}

// Authorize validates a bearer token and returns the associated user.
func (s Service) Authorize(ctx context.Context, token string) (*domain.User, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return nil, domain.ValidationError("token required")
	}
	claims, err := jwtpkg.Parse(trimmed, s.cfg.JWTSecret)
	if err != nil {
		return nil, err
	}
	user, err := s.users.GetUserByID(ctx, claims.UserID)
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (s Service) issueToken(userID string) (Token, error) {
	ttl := s.cfg.AccessTokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	access, err := jwtpkg.GenerateToken(userID, s.cfg.JWTSecret, ttl)
	if err != nil {
		return Token{}, err
	}
	return Token{AccessToken: access, ExpiresIn: ttl}, nil
}
