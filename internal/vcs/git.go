package vcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/starford/trellis/internal/apperr"
)

// Git implements Repository by running the git binary in a working tree.
type Git struct {
	root    string
	timeout time.Duration
}

// NewGit returns a client for the repository at root.
func NewGit(root string, timeout time.Duration) (*Git, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("vcs: resolve root: %w", err)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Git{root: abs, timeout: timeout}, nil
}

// Root returns the absolute working-tree path.
func (g *Git) Root() string { return g.root }

// run executes git and returns raw stdout. Exit failures come back as
// *exec.ExitError wrapped with stderr; anything else is ErrUnavailable.
func (g *Git) run(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.root

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("git %s: timeout after %v: %w", args[0], g.timeout, apperr.ErrUnavailable)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
		}
		return nil, fmt.Errorf("git %s: %v: %w", args[0], err, apperr.ErrUnavailable)
	}
	return stdout.Bytes(), nil
}

// query is run for commands that must succeed on a healthy repository; a
// failure is reported as a retryable resource error.
func (g *Git) query(ctx context.Context, args ...string) ([]byte, error) {
	out, err := g.run(ctx, args...)
	if err != nil && !errors.Is(err, apperr.ErrUnavailable) {
		return nil, fmt.Errorf("%w: %v", apperr.ErrUnavailable, err)
	}
	return out, err
}

func (g *Git) ListTrackedPaths(ctx context.Context, pattern string) ([]string, error) {
	out, err := g.query(ctx, "ls-files", "-z", "--", pathspec(pattern))
	if err != nil {
		return nil, err
	}
	paths := splitNUL(out)
	sort.Strings(paths)
	return paths, nil
}

func (g *Git) ChangedPaths(ctx context.Context, fromRev, toRev, pattern string) ([]Change, error) {
	for _, rev := range []string{fromRev, toRev} {
		if err := g.hasCommit(ctx, rev); err != nil {
			return nil, err
		}
	}
	out, err := g.query(ctx, "diff", "--name-status", "-z", "--no-renames", fromRev, toRev, "--", pathspec(pattern))
	if err != nil {
		return nil, err
	}
	return parseNameStatus(splitNUL(out)), nil
}

func (g *Git) UncommittedChanges(ctx context.Context, pattern string) ([]Change, error) {
	out, err := g.query(ctx, "status", "--porcelain=v1", "-z", "--no-renames", "--untracked-files=all", "--", pathspec(pattern))
	if err != nil {
		return nil, err
	}
	return parsePorcelain(splitNUL(out)), nil
}

func (g *Git) CurrentRevision(ctx context.Context) (string, error) {
	out, err := g.run(ctx, "rev-parse", "--verify", "-q", "HEAD")
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Unborn branch: no commits yet.
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (g *Git) ReadFileAt(ctx context.Context, rev, path string) ([]byte, error) {
	out, err := g.run(ctx, "show", rev+":"+path)
	if err != nil {
		if errors.Is(err, apperr.ErrUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("vcs: %s at %s: %w", path, shortRev(rev), apperr.ErrNotFound)
	}
	return out, nil
}

func (g *Git) hasCommit(ctx context.Context, rev string) error {
	if rev == "" {
		return fmt.Errorf("vcs: empty revision: %w", ErrUnknownRevision)
	}
	if _, err := g.run(ctx, "cat-file", "-e", rev+"^{commit}"); err != nil {
		if errors.Is(err, apperr.ErrUnavailable) {
			return err
		}
		return fmt.Errorf("vcs: %s: %w", shortRev(rev), ErrUnknownRevision)
	}
	return nil
}

func pathspec(pattern string) string {
	if pattern == "" {
		return "."
	}
	return pattern
}

func splitNUL(out []byte) []string {
	var fields []string
	for _, f := range bytes.Split(out, []byte{0}) {
		if len(f) > 0 {
			fields = append(fields, string(f))
		}
	}
	return fields
}

// parseNameStatus reads `diff --name-status -z` output: status, path pairs.
func parseNameStatus(fields []string) []Change {
	var out []Change
	for i := 0; i+1 < len(fields); i += 2 {
		status, p := fields[i], fields[i+1]
		out = append(out, Change{Path: p, Deleted: strings.HasPrefix(status, "D")})
	}
	return out
}

// parsePorcelain reads `status --porcelain=v1 -z` entries ("XY path").
func parsePorcelain(fields []string) []Change {
	var out []Change
	for _, f := range fields {
		if len(f) < 4 {
			continue
		}
		xy, p := f[:2], f[3:]
		deleted := xy[0] == 'D' || xy[1] == 'D'
		out = append(out, Change{Path: p, Deleted: deleted})
	}
	return out
}

func shortRev(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}
