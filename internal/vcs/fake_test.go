package vcs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/starford/trellis/internal/apperr"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern, path string
		want          bool
	}{
		{"*.md", "a.md", true},
		{"*.md", "deep/dir/a.md", true},
		{"*.md", "a.txt", false},
		{"docs/**/*.md", "docs/x/y.md", true},
		{"docs/**/*.md", "other/y.md", false},
		{"", "anything", true},
	}
	for _, tt := range tests {
		if got := Match(tt.pattern, tt.path); got != tt.want {
			t.Errorf("Match(%q, %q) = %v, want %v", tt.pattern, tt.path, got, tt.want)
		}
	}
	if ValidPattern("[") {
		t.Error("unterminated class should be invalid")
	}
}

func TestFake_CommitAndDiff(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	f := NewFake(dir)

	if rev, _ := f.CurrentRevision(ctx); rev != "" {
		t.Fatalf("empty repo revision = %q", rev)
	}
	_ = f.WriteFile("a.md", []byte("a1"))
	_ = f.WriteFile("b.md", []byte("b1"))
	_ = f.WriteFile("notes.txt", []byte("x"))
	r1 := f.Commit()

	_ = f.WriteFile("a.md", []byte("a2"))
	_ = f.Remove("b.md")
	_ = f.WriteFile("c/c.md", []byte("c1"))
	r2 := f.Commit()

	got, err := f.ChangedPaths(ctx, r1, r2, "*.md")
	if err != nil {
		t.Fatalf("ChangedPaths: %v", err)
	}
	want := []Change{{Path: "a.md"}, {Path: "b.md", Deleted: true}, {Path: "c/c.md"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("changes = %+v, want %+v", got, want)
	}

	paths, _ := f.ListTrackedPaths(ctx, "*.md")
	if !reflect.DeepEqual(paths, []string{"a.md", "c/c.md"}) {
		t.Errorf("tracked = %v", paths)
	}

	data, err := f.ReadFileAt(ctx, r1, "b.md")
	if err != nil || string(data) != "b1" {
		t.Errorf("ReadFileAt = %q, %v", data, err)
	}
	if _, err := f.ReadFileAt(ctx, r2, "b.md"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("deleted path err = %v", err)
	}
	onDisk, err := os.ReadFile(filepath.Join(dir, "c", "c.md"))
	if err != nil || string(onDisk) != "c1" {
		t.Errorf("disk mirror = %q, %v", onDisk, err)
	}
}

func TestFake_Uncommitted(t *testing.T) {
	ctx := context.Background()
	f := NewFake(t.TempDir())
	_ = f.WriteFile("a.md", []byte("a"))
	_ = f.WriteFile("b.md", []byte("b"))
	f.Commit()

	_ = f.WriteFile("a.md", []byte("a-edit"))
	_ = f.Remove("b.md")
	_ = f.WriteFile("new.md", []byte("n"))

	got, err := f.UncommittedChanges(ctx, "*.md")
	if err != nil {
		t.Fatal(err)
	}
	want := []Change{{Path: "a.md"}, {Path: "b.md", Deleted: true}, {Path: "new.md"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("uncommitted = %+v, want %+v", got, want)
	}
}

func TestFake_HiddenIsNotADeletion(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	f := NewFake(dir)
	_ = f.WriteFile("sparse/x.md", []byte("x"))
	f.Commit()
	if err := f.Hide("sparse/x.md"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "sparse", "x.md")); !os.IsNotExist(err) {
		t.Errorf("hidden file still on disk: %v", err)
	}
	changes, _ := f.UncommittedChanges(ctx, "*.md")
	if len(changes) != 0 {
		t.Errorf("hidden path reported as change: %+v", changes)
	}
	tracked, _ := f.ListTrackedPaths(ctx, "*.md")
	if len(tracked) != 1 {
		t.Errorf("hidden path should stay tracked: %v", tracked)
	}
	rev := f.Commit()
	if data, err := f.ReadFileAt(ctx, rev, "sparse/x.md"); err != nil || string(data) != "x" {
		t.Errorf("hidden path lost on commit: %q, %v", data, err)
	}
}

func TestFake_PrunedAndInjected(t *testing.T) {
	ctx := context.Background()
	f := NewFake("")
	_ = f.WriteFile("a.md", []byte("a"))
	r1 := f.Commit()
	_ = f.WriteFile("a.md", []byte("b"))
	r2 := f.Commit()

	f.Prune(r1)
	if _, err := f.ChangedPaths(ctx, r1, r2, "*.md"); !errors.Is(err, ErrUnknownRevision) {
		t.Errorf("pruned err = %v", err)
	}

	boom := errors.New("boom")
	f.FailNext("CurrentRevision", boom)
	if _, err := f.CurrentRevision(ctx); !errors.Is(err, boom) {
		t.Errorf("injected err = %v", err)
	}
	if rev, err := f.CurrentRevision(ctx); err != nil || rev != r2 {
		t.Errorf("after injection: %q, %v", rev, err)
	}
}

func TestFake_Checkout(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	f := NewFake(dir)
	_ = f.WriteFile("a.md", []byte("a"))
	r1 := f.Commit()
	_ = f.WriteFile("b.md", []byte("b"))
	f.Commit()

	if err := f.Checkout(r1); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "b.md")); !os.IsNotExist(err) {
		t.Error("checkout should remove files absent at the target revision")
	}
	if rev, _ := f.CurrentRevision(ctx); rev != r1 {
		t.Errorf("head = %s", rev)
	}
	if changes, _ := f.UncommittedChanges(ctx, "*.md"); len(changes) != 0 {
		t.Errorf("clean checkout has changes: %+v", changes)
	}
}
