// Package vcs is the read-only view of version control the cache is derived
// from. Git shells out to the git binary; Fake is a deterministic in-memory
// model used by tests. Callers never branch on which one they hold.
package vcs

import (
	"context"
	"errors"
	"path"

	"github.com/bmatcuk/doublestar/v4"
)

// ErrUnknownRevision is returned when a revision is not present locally,
// e.g. beyond the boundary of a shallow clone.
var ErrUnknownRevision = errors.New("vcs: unknown revision")

// Change is one path that differs between two tree states.
type Change struct {
	Path    string
	Deleted bool
}

// Repository is the version-control capability. All methods are queries.
type Repository interface {
	// ListTrackedPaths returns every tracked path matching pattern.
	ListTrackedPaths(ctx context.Context, pattern string) ([]string, error)
	// ChangedPaths returns paths that differ between two revisions.
	ChangedPaths(ctx context.Context, fromRev, toRev, pattern string) ([]Change, error)
	// UncommittedChanges returns working-tree paths that differ from HEAD,
	// untracked files included.
	UncommittedChanges(ctx context.Context, pattern string) ([]Change, error)
	// CurrentRevision returns HEAD, or "" for a repository without commits.
	CurrentRevision(ctx context.Context) (string, error)
	// ReadFileAt returns the content of path at rev.
	ReadFileAt(ctx context.Context, rev, path string) ([]byte, error)
}

// Match reports whether p matches pattern the way a git pathspec does for
// the patterns the cache uses: a pattern without a slash matches the base
// name at any depth, otherwise the whole path is matched.
func Match(pattern, p string) bool {
	if pattern == "" {
		return true
	}
	target := p
	if !containsSlash(pattern) {
		target = path.Base(p)
	}
	ok, err := doublestar.Match(pattern, target)
	return err == nil && ok
}

// ValidPattern reports whether pattern is well formed.
func ValidPattern(pattern string) bool {
	return doublestar.ValidatePattern(pattern)
}

func containsSlash(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			return true
		}
	}
	return false
}
