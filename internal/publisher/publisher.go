package publisher

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Publisher copies finished build output into the serving root and mints the
// public URL for a deployment.
type Publisher struct {
	root         string
	domainSuffix string
}

// New ensures the publish root exists.
func New(root, domainSuffix string) (*Publisher, error) {
	if root == "" {
		return nil, fmt.Errorf("publish root cannot be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create publish root: %w", err)
	}
	return &Publisher{root: root, domainSuffix: domainSuffix}, nil
}

// Publish copies the build output directory into the serving root keyed by
// deployment and returns the deployment URL.
func (p *Publisher) Publish(projectName, deploymentID, outputDir string) (string, error) {
	info, err := os.Stat(outputDir)
	if err != nil {
		return "", fmt.Errorf("locate build output: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("build output %q is not a directory", outputDir)
	}
	host := Host(projectName, deploymentID, p.domainSuffix)
	dest := filepath.Join(p.root, host)
	if err := os.RemoveAll(dest); err != nil {
		return "", fmt.Errorf("cleanup publish target: %w", err)
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", fmt.Errorf("create publish target: %w", err)
	}
	if err := os.CopyFS(dest, os.DirFS(outputDir)); err != nil {
		return "", fmt.Errorf("copy build output: %w", err)
	}
	return "http://" + host, nil
}

// Host derives the serving hostname for a deployment. Deployment IDs are
// truncated to keep the label readable.
func Host(projectName, deploymentID, domainSuffix string) string {
	short := deploymentID
	if len(short) > 8 {
		short = short[:8]
	}
	return Slugify(projectName) + "-" + short + domainSuffix
}

// Slugify lowercases a name and replaces anything outside [a-z0-9-] so the
// result is a valid DNS label.
func Slugify(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == ' ' || r == '_' || r == '.':
			b.WriteRune('-')
		}
	}
	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		slug = "site"
	}
	return slug
}
