package reconcile

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/starford/trellis/internal/parser"
)

// eventually polls fn every tick until it returns true or timeout elapses.
func eventually(t *testing.T, timeout, tick time.Duration, fn func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(tick)
	}
	t.Error(msg)
}

// watch starts Watch on the working tree with a short debounce and stops it
// when the test ends.
func (e *env) watch(t *testing.T, cb ResultCallback) {
	t.Helper()
	e.eng = New(e.db, e.repo, e.store, WithLogger(quiet), WithDebounce(20*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.eng.Watch(ctx, e.repo.Root(), cb) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Watch: %v", err)
		}
	})
	time.Sleep(100 * time.Millisecond)
}

func (e *env) indexed(id string) func() bool {
	return func() bool {
		_, err := e.db.Document(context.Background(), id)
		return err == nil
	}
}

func TestWatch_NewDocumentIndexed(t *testing.T) {
	e := newEnv(t)
	e.write("a.md", parser.Frontmatter{ID: id(0)}, "")
	e.repo.Commit()
	e.reconcile(Options{})

	var mu sync.Mutex
	var passes []*Result
	e.watch(t, func(res *Result, err error) {
		if err != nil {
			return
		}
		mu.Lock()
		passes = append(passes, res)
		mu.Unlock()
	})

	e.write("b.md", parser.Frontmatter{ID: id(1), Name: "New"}, "Fresh.\n")
	eventually(t, 5*time.Second, 20*time.Millisecond, e.indexed(id(1)), "new document not indexed by watcher")

	eventually(t, 2*time.Second, 20*time.Millisecond, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, p := range passes {
			if p.Strategy == StrategyIncremental {
				return true
			}
		}
		return false
	}, "expected an incremental pass")
}

func TestWatch_NewDirWatched(t *testing.T) {
	e := newEnv(t)
	e.write("a.md", parser.Frontmatter{ID: id(0)}, "")
	e.repo.Commit()
	e.reconcile(Options{})

	var mu sync.Mutex
	passes := 0
	e.watch(t, func(*Result, error) {
		mu.Lock()
		passes++
		mu.Unlock()
	})

	if err := os.MkdirAll(filepath.Join(e.repo.Root(), "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	// The new directory is added to the watcher before its pass runs.
	eventually(t, 5*time.Second, 20*time.Millisecond, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return passes > 0
	}, "no pass after directory creation")

	e.write("sub/deep.md", parser.Frontmatter{ID: id(1)}, "")
	eventually(t, 5*time.Second, 20*time.Millisecond, e.indexed(id(1)), "document in new directory not indexed by watcher")
}

func TestWatch_DeleteRemovesFromIndex(t *testing.T) {
	e := newEnv(t)
	e.write("del.md", parser.Frontmatter{ID: id(0)}, "")
	e.repo.Commit()
	e.reconcile(Options{})
	e.watch(t, nil)

	if err := e.repo.Remove("del.md"); err != nil {
		t.Fatal(err)
	}
	eventually(t, 5*time.Second, 20*time.Millisecond, func() bool {
		return !e.indexed(id(0))()
	}, "deleted document still in the cache")
}

func TestWatch_TracksPattern(t *testing.T) {
	root := t.TempDir()
	cases := []struct {
		pattern string
		rel     string
		want    bool
	}{
		{"*.md", "a.md", true},
		{"*.md", "deep/down/a.md", true},
		{"*.md", "notes.txt", false},
		{"docs/**/*.md", "docs/a.md", true},
		{"docs/**/*.md", "docs/x/y/a.md", true},
		{"docs/**/*.md", "notes/a.md", false},
		{"docs/**/*.md", "a.md", false},
	}
	for _, tc := range cases {
		eng := New(nil, nil, nil, WithPattern(tc.pattern))
		name := filepath.Join(root, filepath.FromSlash(tc.rel))
		if got := eng.tracks(root, name); got != tc.want {
			t.Errorf("pattern %q, %s: tracks = %v, want %v", tc.pattern, tc.rel, got, tc.want)
		}
	}
	eng := New(nil, nil, nil)
	if eng.tracks(root, filepath.Join(filepath.Dir(root), "outside.md")) {
		t.Error("path outside the root is tracked")
	}
}
