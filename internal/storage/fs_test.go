package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/starford/trellis/internal/apperr"
)

func tempTree(t *testing.T) (*FS, string) {
	t.Helper()
	dir := t.TempDir()
	fs, err := NewFS(dir)
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	return fs, dir
}

func TestReadAndStat(t *testing.T) {
	s, dir := tempTree(t)
	if err := os.MkdirAll(filepath.Join(dir, "a", "b"), 0o755); err != nil {
		t.Fatal(err)
	}
	content := []byte("# Hello\nWorld\n")
	if err := os.WriteFile(filepath.Join(dir, "a", "b", "c.md"), content, 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := s.Read("a/b/c.md")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("content mismatch: got %q", got)
	}
	info, err := s.Stat("a/b/c.md")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size != int64(len(content)) || info.ModTime.IsZero() {
		t.Errorf("info = %+v", info)
	}
}

func TestMissingIsNotFound(t *testing.T) {
	s, _ := tempTree(t)
	if _, err := s.Read("nope.md"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Read err = %v", err)
	}
	if _, err := s.Stat("nope.md"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Stat err = %v", err)
	}
}

func TestTraversalBlocked(t *testing.T) {
	s, _ := tempTree(t)
	for _, p := range []string{"../../etc/passwd", "../outside.md", "/etc/shadow"} {
		if _, err := s.Read(p); !errors.Is(err, apperr.ErrInvalid) {
			t.Errorf("Read(%q) err = %v", p, err)
		}
		if _, err := s.Stat(p); err == nil {
			t.Errorf("Stat(%q) should fail", p)
		}
	}
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "state", "tokens.yaml")
	if err := WriteFileAtomic(p, []byte("one")); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}
	if err := WriteFileAtomic(p, []byte("two")); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}
	got, _ := os.ReadFile(p)
	if string(got) != "two" {
		t.Errorf("content = %q", got)
	}
	entries, _ := os.ReadDir(filepath.Dir(p))
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %d entries", len(entries))
	}
}

func TestNewFSRejectsFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(p, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFS(p); err == nil {
		t.Error("expected error for non-directory root")
	}
}
