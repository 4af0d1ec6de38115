package project

import (
	"context"
	"errors"
	"io"
	"testing"

	"log/slog"

	"github.com/skiffworks/skiff/internal/repository"
	"github.com/skiffworks/skiff/internal/repository/memory"
	"github.com/skiffworks/skiff/pkg/crypto"
)

const testEncryptionKey = "project-test-encryption-key"

func newTestService(t *testing.T) (Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(store, store, logger, testEncryptionKey), store
}

func TestCreateMintsWebhookSecret(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	p, secret, err := svc.Create(ctx, "owner-1", CreateInput{
		Name:    "docs",
		RepoURL: "https://github.com/org/docs.git",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if p.Branch != "main" {
		t.Fatalf("expected default branch main, got %q", p.Branch)
	}
	if len(secret) != 64 {
		t.Fatalf("expected 64-char secret, got %d", len(secret))
	}

	encrypted, err := store.GetWebhookSecret(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetWebhookSecret: %v", err)
	}
	stored, err := crypto.DecryptToString(testEncryptionKey, encrypted)
	if err != nil {
		t.Fatalf("decrypt stored secret: %v", err)
	}
	if stored != secret {
		t.Fatalf("stored secret does not round-trip")
	}
}

func TestCreateValidatesInput(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, _, err := svc.Create(ctx, "owner-1", CreateInput{RepoURL: "https://github.com/org/docs"}); err == nil {
		t.Fatal("expected error for missing name")
	}
	if _, _, err := svc.Create(ctx, "owner-1", CreateInput{Name: "docs"}); err == nil {
		t.Fatal("expected error for missing repo URL")
	}
}

func TestGetEnforcesOwnership(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	p, _, err := svc.Create(ctx, "owner-1", CreateInput{Name: "docs", RepoURL: "https://github.com/org/docs"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := svc.Get(ctx, "owner-1", p.ID); err != nil {
		t.Fatalf("owner should read their project: %v", err)
	}
	if _, err := svc.Get(ctx, "owner-2", p.ID); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if _, err := svc.Get(ctx, "owner-1", "missing"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateAppliesPartialChanges(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	p, _, err := svc.Create(ctx, "owner-1", CreateInput{
		Name:         "docs",
		RepoURL:      "https://github.com/org/docs",
		BuildCommand: "make site",
		OutputDir:    "public",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	cmd := "npm run build"
	updated, err := svc.Update(ctx, "owner-1", p.ID, UpdateInput{BuildCommand: &cmd})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.BuildCommand != "npm run build" {
		t.Fatalf("build command not updated: %q", updated.BuildCommand)
	}
	if updated.Name != "docs" || updated.OutputDir != "public" {
		t.Fatalf("unset fields must stay: %+v", updated)
	}

	if _, err := svc.Update(ctx, "owner-2", p.ID, UpdateInput{BuildCommand: &cmd}); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
}

func TestEnvVarsStoredEncrypted(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	p, _, err := svc.Create(ctx, "owner-1", CreateInput{Name: "docs", RepoURL: "https://github.com/org/docs"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := svc.SetEnvVar(ctx, "owner-1", p.ID, "API_TOKEN", "s3cret"); err != nil {
		t.Fatalf("SetEnvVar: %v", err)
	}

	keys, err := svc.ListEnvKeys(ctx, "owner-1", p.ID)
	if err != nil {
		t.Fatalf("ListEnvKeys: %v", err)
	}
	if len(keys) != 1 || keys[0] != "API_TOKEN" {
		t.Fatalf("unexpected keys %v", keys)
	}

	vars, err := store.ListProjectEnvVars(ctx, p.ID)
	if err != nil {
		t.Fatalf("ListProjectEnvVars: %v", err)
	}
	if string(vars[0].Value) == "s3cret" {
		t.Fatal("env value stored in plaintext")
	}
	plain, err := crypto.DecryptToString(testEncryptionKey, vars[0].Value)
	if err != nil {
		t.Fatalf("decrypt env value: %v", err)
	}
	if plain != "s3cret" {
		t.Fatalf("decrypted %q", plain)
	}
}

func TestRotateWebhookSecretReplacesOld(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	p, first, err := svc.Create(ctx, "owner-1", CreateInput{Name: "docs", RepoURL: "https://github.com/org/docs"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	second, err := svc.RotateWebhookSecret(ctx, "owner-1", p.ID)
	if err != nil {
		t.Fatalf("RotateWebhookSecret: %v", err)
	}
	if first == second {
		t.Fatal("rotation must mint a new secret")
	}
	if _, err := svc.RotateWebhookSecret(ctx, "owner-2", p.ID); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
}

func TestDeleteRemovesProject(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	p, _, err := svc.Create(ctx, "owner-1", CreateInput{Name: "docs", RepoURL: "https://github.com/org/docs"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := svc.Delete(ctx, "owner-2", p.ID); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if err := svc.Delete(ctx, "owner-1", p.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := svc.Get(ctx, "owner-1", p.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestSanitizeOutputDir(t *testing.T) {
	cases := map[string]string{
		"dist":        "dist",
		"./dist":      "dist",
		"/dist/":      "dist",
		"build/out":   "build/out",
		"../escape":   "",
		"a/../../b":   "",
		"   public  ": "public",
		"":            "",
	}
	for input, want := range cases {
		if got := sanitizeOutputDir(input); got != want {
			t.Errorf("sanitizeOutputDir(%q) = %q, want %q", input, got, want)
		}
	}
}
