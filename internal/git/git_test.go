package git

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAuthenticatedURL(t *testing.T) {
	t.Run("no token passes through", func(t *testing.T) {
		got, err := authenticatedURL("https://github.com/acme/blog.git", "")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != "https://github.com/acme/blog.git" {
			t.Fatalf("unexpected url %q", got)
		}
	})

	t.Run("token becomes userinfo", func(t *testing.T) {
		got, err := authenticatedURL("https://github.com/acme/blog.git", "ghp_secret")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != "https://ghp_secret@github.com/acme/blog.git" {
			t.Fatalf("unexpected url %q", got)
		}
	})

	t.Run("ssh urls reject tokens", func(t *testing.T) {
		if _, err := authenticatedURL("ssh://git@github.com/acme/blog.git", "token"); err == nil {
			t.Fatalf("expected error for non-http scheme")
		}
	})
}

func TestRedactURL(t *testing.T) {
	got := RedactURL("https://ghp_secret@github.com/acme/blog.git")
	if strings.Contains(got, "ghp_secret") {
		t.Fatalf("redacted url still carries credentials: %q", got)
	}
	if got != "https://github.com/acme/blog.git" {
		t.Fatalf("unexpected redacted url %q", got)
	}
}

func TestSanitizeOutput(t *testing.T) {
	out := sanitizeOutput("fatal: repository 'https://ghp_secret@github.com/acme/blog.git' not found\n", "ghp_secret")
	if strings.Contains(out, "ghp_secret") {
		t.Fatalf("sanitized output still carries the token: %q", out)
	}
	if !strings.Contains(out, "https://***@github.com") {
		t.Fatalf("expected masked userinfo in %q", out)
	}
}

func TestClassifyCloneError(t *testing.T) {
	base := fmt.Errorf("exit status 128")

	err := classifyCloneError("release", "warning: Could not find remote branch release to clone.", base)
	if !errors.Is(err, ErrBranchNotFound) {
		t.Fatalf("expected ErrBranchNotFound, got %v", err)
	}

	err = classifyCloneError("main", "fatal: Remote branch main not found in upstream origin", base)
	if !errors.Is(err, ErrBranchNotFound) {
		t.Fatalf("expected ErrBranchNotFound, got %v", err)
	}

	err = classifyCloneError("main", "fatal: unable to access host", base)
	if errors.Is(err, ErrBranchNotFound) {
		t.Fatalf("network failure misclassified as missing branch")
	}
	if !strings.Contains(err.Error(), "unable to access host") {
		t.Fatalf("expected git output in error, got %v", err)
	}
}

func TestTreeSize(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "nested"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), make([]byte, 100), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "nested", "b.txt"), make([]byte, 50), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	size, err := TreeSize(dir)
	if err != nil {
		t.Fatalf("TreeSize error: %v", err)
	}
	if size != 150 {
		t.Fatalf("expected 150 bytes, got %d", size)
	}
}
