package vcs

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

// gitRepo initialises a throwaway repository, skipping when git is absent.
func gitRepo(t *testing.T) (*Git, func(args ...string)) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=t", "GIT_AUTHOR_EMAIL=t@example.com",
			"GIT_COMMITTER_NAME=t", "GIT_COMMITTER_EMAIL=t@example.com",
		)
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	run("init", "-q")
	g, err := NewGit(dir, 10*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	return g, run
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	abs := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestGit_RevisionsAndDiffs(t *testing.T) {
	ctx := context.Background()
	g, run := gitRepo(t)

	rev, err := g.CurrentRevision(ctx)
	if err != nil || rev != "" {
		t.Fatalf("unborn HEAD = %q, %v", rev, err)
	}

	writeFile(t, g.Root(), "a.md", "a1")
	writeFile(t, g.Root(), "docs/b.md", "b1")
	writeFile(t, g.Root(), "skip.txt", "x")
	run("add", "-A")
	run("commit", "-q", "-m", "one")
	r1, _ := g.CurrentRevision(ctx)

	writeFile(t, g.Root(), "a.md", "a2")
	run("rm", "-q", "docs/b.md")
	run("commit", "-q", "-am", "two")
	r2, _ := g.CurrentRevision(ctx)

	tracked, err := g.ListTrackedPaths(ctx, "*.md")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(tracked, []string{"a.md"}) {
		t.Errorf("tracked = %v", tracked)
	}

	changes, err := g.ChangedPaths(ctx, r1, r2, "*.md")
	if err != nil {
		t.Fatal(err)
	}
	want := []Change{{Path: "a.md"}, {Path: "docs/b.md", Deleted: true}}
	if !reflect.DeepEqual(changes, want) {
		t.Errorf("changes = %+v, want %+v", changes, want)
	}

	data, err := g.ReadFileAt(ctx, r1, "docs/b.md")
	if err != nil || string(data) != "b1" {
		t.Errorf("ReadFileAt = %q, %v", data, err)
	}

	writeFile(t, g.Root(), "a.md", "a3")
	writeFile(t, g.Root(), "new/n.md", "n")
	unc, err := g.UncommittedChanges(ctx, "*.md")
	if err != nil {
		t.Fatal(err)
	}
	if len(unc) != 2 {
		t.Errorf("uncommitted = %+v", unc)
	}

	_, err = g.ChangedPaths(ctx, "0123456789abcdef0123456789abcdef01234567", r2, "*.md")
	if !errors.Is(err, ErrUnknownRevision) {
		t.Errorf("unknown revision err = %v", err)
	}
}

func TestParsers(t *testing.T) {
	got := parseNameStatus([]string{"M", "a.md", "D", "b.md", "A", "c.md"})
	want := []Change{{Path: "a.md"}, {Path: "b.md", Deleted: true}, {Path: "c.md"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("name-status = %+v", got)
	}
	got = parsePorcelain([]string{" M a.md", "D  b.md", "?? c.md", " D d.md"})
	want = []Change{{Path: "a.md"}, {Path: "b.md", Deleted: true}, {Path: "c.md"}, {Path: "d.md", Deleted: true}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("porcelain = %+v", got)
	}
}
