package gitclient

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/storage/memory"
)

// CloneSpec describes a checkout request.
type CloneSpec struct {
	RepoURL   string
	Branch    string
	CommitSHA string
	Dest      string
}

// Client performs repository checkouts for builds.
type Client struct{}

// New returns a git client.
func New() Client {
	return Client{}
}

// Clone checks the repository out into spec.Dest. When a commit SHA is given
// the clone fetches and pins that exact commit; otherwise it takes the branch
// head with a shallow clone.
func (Client) Clone(ctx context.Context, spec CloneSpec) error {
	if spec.RepoURL == "" {
		return fmt.Errorf("repository URL cannot be empty")
	}
	if spec.Dest == "" {
		return fmt.Errorf("destination cannot be empty")
	}

	args := []string{"clone", "--depth", "1"}
	if spec.Branch != "" {
		args = append(args, "--branch", spec.Branch)
	}
	args = append(args, spec.RepoURL, ".")
	if err := run(ctx, spec.Dest, args...); err != nil {
		return err
	}
	if spec.CommitSHA == "" {
		return nil
	}
	// Shallow clones only carry the branch tip, so an explicit commit needs
	// its own fetch before checkout.
	if err := run(ctx, spec.Dest, "fetch", "--depth", "1", "origin", spec.CommitSHA); err != nil {
		return err
	}
	return run(ctx, spec.Dest, "checkout", spec.CommitSHA)
}

func run(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	// Prevent git from prompting for credentials interactively.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %s failed: %w: %s", args[0], err, string(output))
	}
	return nil
}

// ResolveHead returns the commit SHA a branch currently points at, queried
// over the wire without cloning.
func (Client) ResolveHead(ctx context.Context, repoURL, branch string) (string, error) {
	remote := git.NewRemote(memory.NewStorage(), &gitconfig.RemoteConfig{
		Name: "origin",
		URLs: []string{repoURL},
	})
	refs, err := remote.ListContext(ctx, &git.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("list remote refs: %w", err)
	}
	want := plumbing.NewBranchReferenceName(branch)
	for _, ref := range refs {
		if ref.Name() == want {
			return ref.Hash().String(), nil
		}
	}
	return "", fmt.Errorf("branch %q not found on remote", branch)
}
