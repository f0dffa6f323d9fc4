package git

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

var (
	// ErrBranchNotFound indicates the requested branch does not exist upstream.
	ErrBranchNotFound = errors.New("git: branch not found")
	// ErrRepoTooLarge indicates the cloned tree exceeds the configured ceiling.
	ErrRepoTooLarge = errors.New("git: repository too large")
)

// CloneRequest describes a shallow clone of one branch into a workspace.
type CloneRequest struct {
	RepoURL string
	Branch  string
	// Token, when set, is injected into the clone URL as userinfo. It must
	// never reach log output; errors carry a sanitized form.
	Token string
	Dest  string
	// SizeLimitBytes rejects trees larger than this after checkout. Zero
	// disables the check.
	SizeLimitBytes int64
}

// Clone performs a depth-1 single-branch clone into req.Dest.
func Clone(ctx context.Context, req CloneRequest) error {
	if req.RepoURL == "" {
		return fmt.Errorf("repository URL cannot be empty")
	}
	if req.Branch == "" {
		return fmt.Errorf("branch cannot be empty")
	}
	if req.Dest == "" {
		return fmt.Errorf("destination cannot be empty")
	}
	cloneURL, err := authenticatedURL(req.RepoURL, req.Token)
	if err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, "git", "clone", "--depth", "1", "--single-branch", "--branch", req.Branch, cloneURL, ".")
	cmd.Dir = req.Dest
	// Prevent git from prompting for credentials interactively.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return classifyCloneError(req.Branch, sanitizeOutput(string(output), req.Token), err)
	}
	if req.SizeLimitBytes > 0 {
		size, err := TreeSize(req.Dest)
		if err != nil {
			return fmt.Errorf("measure cloned tree: %w", err)
		}
		if size > req.SizeLimitBytes {
			return fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrRepoTooLarge, size, req.SizeLimitBytes)
		}
	}
	return nil
}

// HeadCommit returns the full commit hash checked out in dir.
func HeadCommit(ctx context.Context, dir string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "HEAD")
	cmd.Dir = dir
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git rev-parse failed: %w", err)
	}
	sha := strings.TrimSpace(string(output))
	if sha == "" {
		return "", fmt.Errorf("git rev-parse returned empty output")
	}
	return sha, nil
}

// RedactURL strips userinfo from a repository URL so it is safe to log.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<unparseable repository url>"
	}
	u.User = nil
	return u.String()
}

// TreeSize sums the regular file sizes under dir, including the .git objects.
func TreeSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

func authenticatedURL(repoURL, token string) (string, error) {
	if token == "" {
		return repoURL, nil
	}
	u, err := url.Parse(repoURL)
	if err != nil {
		return "", fmt.Errorf("parse repository URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("token auth requires an http(s) repository URL, got scheme %q", u.Scheme)
	}
	u.User = url.User(token)
	return u.String(), nil
}

// sanitizeOutput removes the token from command output before it can be
// wrapped into an error or logged.
func sanitizeOutput(output, token string) string {
	if token == "" {
		return strings.TrimSpace(output)
	}
	return strings.TrimSpace(strings.ReplaceAll(output, token, "***"))
}

func classifyCloneError(branch, output string, err error) error {
	if strings.Contains(output, "not found in upstream") || strings.Contains(output, "Could not find remote branch") {
		return fmt.Errorf("%w: %q does not exist in the repository", ErrBranchNotFound, branch)
	}
	return fmt.Errorf("git clone failed: %w: %s", err, output)
}
