package vcs

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/starford/trellis/internal/apperr"
)

// Fake is an in-memory repository that mirrors its working tree onto a
// directory so file reads see the same bytes. Revisions are sequential and
// deterministic.
type Fake struct {
	mu       sync.Mutex
	root     string
	seq      int
	commits  map[string]map[string][]byte
	pruned   map[string]bool
	head     string
	worktree map[string][]byte
	hidden   map[string]bool
	failures map[string]error
}

// NewFake returns an empty repository whose working tree lives in root.
func NewFake(root string) *Fake {
	return &Fake{
		root:     root,
		commits:  make(map[string]map[string][]byte),
		pruned:   make(map[string]bool),
		worktree: make(map[string][]byte),
		hidden:   make(map[string]bool),
		failures: make(map[string]error),
	}
}

// Root returns the working-tree directory.
func (f *Fake) Root() string { return f.root }

// WriteFile changes a working-tree file without committing it.
func (f *Fake) WriteFile(p string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.worktree[p] = append([]byte(nil), data...)
	delete(f.hidden, p)
	return f.syncFile(p)
}

// Remove deletes a working-tree file without committing the deletion.
func (f *Fake) Remove(p string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.worktree, p)
	return f.syncFile(p)
}

// Move renames a working-tree file.
func (f *Fake) Move(from, to string) error {
	f.mu.Lock()
	data, ok := f.worktree[from]
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("fake: move %s: %w", from, apperr.ErrNotFound)
	}
	if err := f.Remove(from); err != nil {
		return err
	}
	return f.WriteFile(to, data)
}

// Commit records the working tree as a new HEAD and returns its revision.
func (f *Fake) Commit() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap := make(map[string][]byte, len(f.worktree)+len(f.hidden))
	for p, data := range f.worktree {
		snap[p] = data
	}
	for p := range f.hidden {
		if data, ok := f.commits[f.head][p]; ok {
			snap[p] = data
		}
	}
	f.seq++
	rev := fmt.Sprintf("%040x", f.seq)
	f.commits[rev] = snap
	f.head = rev
	return rev
}

// Checkout moves HEAD to rev and resets the working tree to it, the way a
// branch switch or hard reset would.
func (f *Fake) Checkout(rev string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.commits[rev]
	if !ok {
		return fmt.Errorf("fake: checkout %s: %w", rev, ErrUnknownRevision)
	}
	touched := make(map[string]bool)
	for p := range f.worktree {
		touched[p] = true
	}
	f.worktree = make(map[string][]byte, len(snap))
	for p, data := range snap {
		touched[p] = true
		if !f.hidden[p] {
			f.worktree[p] = data
		}
	}
	f.head = rev
	for p := range touched {
		if err := f.syncFile(p); err != nil {
			return err
		}
	}
	return nil
}

// Hide removes a tracked path from the working tree without it counting as
// a deletion, as a sparse checkout does.
func (f *Fake) Hide(p string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.commits[f.head][p]; !ok {
		return fmt.Errorf("fake: hide %s: not tracked: %w", p, apperr.ErrNotFound)
	}
	f.hidden[p] = true
	delete(f.worktree, p)
	return f.syncFile(p)
}

// Prune forgets rev, as history truncated by a shallow clone would.
func (f *Fake) Prune(rev string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruned[rev] = true
}

// FailNext makes the next call of method return err.
func (f *Fake) FailNext(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[method] = err
}

func (f *Fake) injected(method string) error {
	err := f.failures[method]
	delete(f.failures, method)
	return err
}

func (f *Fake) ListTrackedPaths(_ context.Context, pattern string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected("ListTrackedPaths"); err != nil {
		return nil, err
	}
	var out []string
	for p := range f.commits[f.head] {
		if Match(pattern, p) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (f *Fake) ChangedPaths(_ context.Context, fromRev, toRev, pattern string) ([]Change, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected("ChangedPaths"); err != nil {
		return nil, err
	}
	from, err := f.snapshot(fromRev)
	if err != nil {
		return nil, err
	}
	to, err := f.snapshot(toRev)
	if err != nil {
		return nil, err
	}
	return diff(from, to, pattern, nil), nil
}

func (f *Fake) UncommittedChanges(_ context.Context, pattern string) ([]Change, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected("UncommittedChanges"); err != nil {
		return nil, err
	}
	return diff(f.commits[f.head], f.worktree, pattern, f.hidden), nil
}

func (f *Fake) CurrentRevision(_ context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected("CurrentRevision"); err != nil {
		return "", err
	}
	return f.head, nil
}

func (f *Fake) ReadFileAt(_ context.Context, rev, p string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected("ReadFileAt"); err != nil {
		return nil, err
	}
	snap, err := f.snapshot(rev)
	if err != nil {
		return nil, err
	}
	data, ok := snap[p]
	if !ok {
		return nil, fmt.Errorf("fake: %s at %s: %w", p, rev, apperr.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (f *Fake) snapshot(rev string) (map[string][]byte, error) {
	snap, ok := f.commits[rev]
	if !ok || f.pruned[rev] {
		return nil, fmt.Errorf("fake: %q: %w", rev, ErrUnknownRevision)
	}
	return snap, nil
}

// syncFile mirrors the in-memory working-tree state of p onto disk.
func (f *Fake) syncFile(p string) error {
	if f.root == "" {
		return nil
	}
	abs := filepath.Join(f.root, filepath.FromSlash(p))
	data, ok := f.worktree[p]
	if !ok {
		if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	return os.WriteFile(abs, data, 0o644)
}

// diff lists paths that differ between two states. Paths in skip are
// ignored on the "to" side.
func diff(from, to map[string][]byte, pattern string, skip map[string]bool) []Change {
	var out []Change
	for p, data := range to {
		if !Match(pattern, p) {
			continue
		}
		if old, ok := from[p]; !ok || !bytes.Equal(old, data) {
			out = append(out, Change{Path: p})
		}
	}
	for p := range from {
		if !Match(pattern, p) || skip[p] {
			continue
		}
		if _, ok := to[p]; !ok {
			out = append(out, Change{Path: p, Deleted: true})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}
