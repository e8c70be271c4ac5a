package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/starford/trellis/internal/apperr"
)

// FS implements Provider backed by the local file system.
type FS struct {
	root string // absolute path to the working tree
}

// NewFS creates a new FS provider rooted at the given directory.
// The directory must already exist.
func NewFS(root string) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("storage: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("storage: root is not a directory: %s", abs)
	}
	return &FS{root: abs}, nil
}

// Root returns the absolute working-tree path.
func (f *FS) Root() string { return f.root }

// safePath resolves a relative path against the root and rejects any result
// that escapes it.
func (f *FS) safePath(rel string) (string, error) {
	if rel == "" {
		return f.root, nil
	}
	cleaned := filepath.Clean(filepath.FromSlash(rel))
	if filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("storage: absolute paths not allowed: %s: %w", rel, apperr.ErrInvalid)
	}
	abs := filepath.Join(f.root, cleaned)
	if !strings.HasPrefix(abs, f.root+string(os.PathSeparator)) && abs != f.root {
		return "", fmt.Errorf("storage: path escapes repository root: %s: %w", rel, apperr.ErrInvalid)
	}
	return abs, nil
}

// Read returns the raw bytes of a working-tree file. A missing file is
// reported as apperr.ErrNotFound.
func (f *FS) Read(path string) ([]byte, error) {
	abs, err := f.safePath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, notFound(path, err)
	}
	return data, nil
}

// Stat returns size and modification time of a working-tree file.
func (f *FS) Stat(path string) (FileInfo, error) {
	abs, err := f.safePath(path)
	if err != nil {
		return FileInfo{}, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return FileInfo{}, notFound(path, err)
	}
	return FileInfo{Size: info.Size(), ModTime: info.ModTime()}, nil
}

func notFound(path string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("storage: %s: %w", path, apperr.ErrNotFound)
	}
	return fmt.Errorf("storage: %s: %w", path, err)
}

// WriteFileAtomic writes content to an absolute path: tmp file, fsync,
// rename. Used for tool-private state that lives next to, not inside, the
// tracked tree.
func WriteFileAtomic(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("storage: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".trellis-tmp-*")
	if err != nil {
		return fmt.Errorf("storage: create temp: %w", err)
	}
	tmpName := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("storage: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("storage: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("storage: close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("storage: rename: %w", err)
	}
	success = true
	return nil
}
