package publisher

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSlugify(t *testing.T) {
	cases := map[string]string{
		"My Site":          "my-site",
		"docs":             "docs",
		"API_v2.1":         "api-v2-1",
		"  Spaced Out  ":   "spaced-out",
		"---":              "site",
		"":                 "site",
		"Ünïcode Project!": "ncode-project",
	}
	for input, want := range cases {
		if got := Slugify(input); got != want {
			t.Errorf("Slugify(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestHostTruncatesDeploymentID(t *testing.T) {
	host := Host("My Site", "0123456789abcdef", ".local.skiff")
	if host != "my-site-01234567.local.skiff" {
		t.Fatalf("unexpected host %q", host)
	}
	host = Host("docs", "short", ".local.skiff")
	if host != "docs-short.local.skiff" {
		t.Fatalf("unexpected host %q", host)
	}
}

func TestPublishCopiesOutput(t *testing.T) {
	root := t.TempDir()
	pub, err := New(filepath.Join(root, "sites"), ".local.skiff")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	output := filepath.Join(root, "dist")
	if err := os.MkdirAll(filepath.Join(output, "assets"), 0o755); err != nil {
		t.Fatalf("mkdir output: %v", err)
	}
	if err := os.WriteFile(filepath.Join(output, "index.html"), []byte("<h1>hi</h1>"), 0o644); err != nil {
		t.Fatalf("write index: %v", err)
	}
	if err := os.WriteFile(filepath.Join(output, "assets", "app.js"), []byte("console.log(1)"), 0o644); err != nil {
		t.Fatalf("write asset: %v", err)
	}

	url, err := pub.Publish("docs", "0123456789abcdef", output)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if url != "http://docs-01234567.local.skiff" {
		t.Fatalf("unexpected url %q", url)
	}

	served := filepath.Join(root, "sites", "docs-01234567.local.skiff")
	content, err := os.ReadFile(filepath.Join(served, "index.html"))
	if err != nil {
		t.Fatalf("read published index: %v", err)
	}
	if string(content) != "<h1>hi</h1>" {
		t.Fatalf("unexpected published content %q", content)
	}
	if _, err := os.Stat(filepath.Join(served, "assets", "app.js")); err != nil {
		t.Fatalf("nested asset missing: %v", err)
	}
}

func TestPublishReplacesPreviousContent(t *testing.T) {
	root := t.TempDir()
	pub, err := New(filepath.Join(root, "sites"), ".local.skiff")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	output := filepath.Join(root, "dist")
	if err := os.MkdirAll(output, 0o755); err != nil {
		t.Fatalf("mkdir output: %v", err)
	}
	if err := os.WriteFile(filepath.Join(output, "stale.html"), []byte("old"), 0o644); err != nil {
		t.Fatalf("write stale: %v", err)
	}
	if _, err := pub.Publish("docs", "deadbeef", output); err != nil {
		t.Fatalf("first Publish: %v", err)
	}

	if err := os.Remove(filepath.Join(output, "stale.html")); err != nil {
		t.Fatalf("remove stale: %v", err)
	}
	if err := os.WriteFile(filepath.Join(output, "fresh.html"), []byte("new"), 0o644); err != nil {
		t.Fatalf("write fresh: %v", err)
	}
	if _, err := pub.Publish("docs", "deadbeef", output); err != nil {
		t.Fatalf("second Publish: %v", err)
	}

	served := filepath.Join(root, "sites", "docs-deadbeef.local.skiff")
	if _, err := os.Stat(filepath.Join(served, "stale.html")); !os.IsNotExist(err) {
		t.Fatal("stale file survived republish")
	}
	if _, err := os.Stat(filepath.Join(served, "fresh.html")); err != nil {
		t.Fatalf("fresh file missing: %v", err)
	}
}

func TestPublishRejectsMissingOutput(t *testing.T) {
	root := t.TempDir()
	pub, err := New(filepath.Join(root, "sites"), ".local.skiff")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := pub.Publish("docs", "deadbeef", filepath.Join(root, "nope")); err == nil {
		t.Fatal("expected error for missing output dir")
	}

	file := filepath.Join(root, "afile")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := pub.Publish("docs", "deadbeef", file); err == nil {
		t.Fatal("expected error when output is not a directory")
	}
}
