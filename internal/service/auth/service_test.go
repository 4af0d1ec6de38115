package auth

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"log/slog"

	"github.com/skiffworks/skiff/internal/repository"
	"github.com/skiffworks/skiff/internal/repository/memory"
)

func newTestService(t *testing.T) Service {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(memory.New(), logger, Config{JWTSecret: "auth-test-secret"})
}

func TestSignupAndLogin(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	user, token, err := svc.Signup(ctx, "Dev@Example.com", "hunter2hunter2")
	if err != nil {
		t.Fatalf("Signup: %v", err)
	}
	if user.Email != "dev@example.com" {
		t.Fatalf("email not normalized: %q", user.Email)
	}
	if token.AccessToken == "" {
		t.Fatal("expected an access token")
	}
	if token.ExpiresIn != time.Hour {
		t.Fatalf("expected default TTL of 1h, got %v", token.ExpiresIn)
	}

	loggedIn, _, err := svc.Login(ctx, "dev@example.com", "hunter2hunter2")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if loggedIn.ID != user.ID {
		t.Fatalf("login returned wrong user")
	}
}

func TestSignupRejectsBadInput(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, _, err := svc.Signup(ctx, "not-an-email", "hunter2hunter2"); err == nil {
		t.Fatal("expected error for invalid email")
	}
	if _, _, err := svc.Signup(ctx, "dev@example.com", "short"); err == nil {
		t.Fatal("expected error for short password")
	}
}

func TestSignupDuplicateEmailConflicts(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, _, err := svc.Signup(ctx, "dev@example.com", "hunter2hunter2"); err != nil {
		t.Fatalf("Signup: %v", err)
	}
	if _, _, err := svc.Signup(ctx, "dev@example.com", "another-pass"); !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestLoginBadCredentials(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, _, err := svc.Signup(ctx, "dev@example.com", "hunter2hunter2"); err != nil {
		t.Fatalf("Signup: %v", err)
	}

	if _, _, err := svc.Login(ctx, "dev@example.com", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for wrong password, got %v", err)
	}
	if _, _, err := svc.Login(ctx, "stranger@example.com", "hunter2hunter2"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown email, got %v", err)
	}
}

func TestAuthorizeRoundTrip(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	user, token, err := svc.Signup(ctx, "dev@example.com", "hunter2hunter2")
	if err != nil {
		t.Fatalf("Signup: %v", err)
	}

	authorized, err := svc.Authorize(ctx, token.AccessToken)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if authorized.ID != user.ID {
		t.Fatalf("authorized wrong user")
	}

	if _, err := svc.Authorize(ctx, ""); err == nil {
		t.Fatal("expected error for empty token")
	}
	if _, err := svc.Authorize(ctx, "not.a.jwt"); err == nil {
		t.Fatal("expected error for garbage token")
	}

	other := New(memory.New(), slog.New(slog.NewTextHandler(io.Discard, nil)), Config{JWTSecret: "different-secret"})
	if _, err := other.Authorize(ctx, token.AccessToken); err == nil {
		t.Fatal("expected error for token signed with another secret")
	}
}
