package idalloc

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/starford/trellis/internal/apperr"
	"github.com/starford/trellis/internal/index"
	"github.com/starford/trellis/internal/storage"
)

const (
	minTokenLen   = 3
	maxTokenLen   = 6
	tokenAttempts = 64
)

// TokenLength returns the token width for a repository where population
// distinct tokens are already known.
func TokenLength(population int) int {
	switch {
	case population <= 16:
		return 3
	case population <= 64:
		return 4
	case population <= 256:
		return 5
	default:
		return maxTokenLen
	}
}

// TokenStore persists the local contributor token for one repository.
type TokenStore interface {
	// Load returns the stored token, or "" when none was chosen yet.
	Load() (string, error)
	Save(token string) error
}

// MemoryTokenStore keeps the token in memory. Used by tests.
type MemoryTokenStore struct {
	mu    sync.Mutex
	token string
}

// NewMemoryTokenStore returns a store preloaded with token, which may be "".
func NewMemoryTokenStore(token string) *MemoryTokenStore {
	return &MemoryTokenStore{token: token}
}

func (m *MemoryTokenStore) Load() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token, nil
}

func (m *MemoryTokenStore) Save(token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
	return nil
}

// tokenFile is the YAML layout of FileTokenStore.
type tokenFile struct {
	Tokens map[string]string `yaml:"tokens"`
}

// FileTokenStore keeps one token per repository root in a YAML file, e.g.
//
//	tokens:
//	  /home/me/src/project: WQN
type FileTokenStore struct {
	mu   sync.Mutex
	path string
	repo string
}

// NewFileTokenStore returns a store for the repository at repoRoot backed by
// the file at path.
func NewFileTokenStore(path, repoRoot string) *FileTokenStore {
	if abs, err := filepath.Abs(repoRoot); err == nil {
		repoRoot = abs
	}
	return &FileTokenStore{path: path, repo: repoRoot}
}

// DefaultTokenPath is the token file under the user config directory.
func DefaultTokenPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("idalloc: locate config dir: %w", err)
	}
	return filepath.Join(dir, "trellis", "tokens.yaml"), nil
}

func (f *FileTokenStore) read() (*tokenFile, error) {
	tf := &tokenFile{Tokens: map[string]string{}}
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return tf, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idalloc: read token file %s: %w", f.path, err)
	}
	if err := yaml.Unmarshal(data, tf); err != nil {
		return nil, fmt.Errorf("idalloc: parse token file %s: %v (fix or delete the file): %w",
			f.path, err, apperr.ErrInvalid)
	}
	if tf.Tokens == nil {
		tf.Tokens = map[string]string{}
	}
	return tf, nil
}

func (f *FileTokenStore) Load() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tf, err := f.read()
	if err != nil {
		return "", err
	}
	return tf.Tokens[f.repo], nil
}

func (f *FileTokenStore) Save(token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	tf, err := f.read()
	if err != nil {
		return err
	}
	tf.Tokens[f.repo] = token
	data, err := yaml.Marshal(tf)
	if err != nil {
		return fmt.Errorf("idalloc: encode token file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("idalloc: create token dir: %w", err)
	}
	return storage.WriteFileAtomic(f.path, data)
}

// knownTokens returns the tokens already present in the cache: the
// three-symbol tail of every id plus every contributor with a counter.
func knownTokens(ctx context.Context, db *index.DB) ([]string, error) {
	suffixes, err := db.IDSuffixes(ctx, minTokenLen)
	if err != nil {
		return nil, err
	}
	contributors, err := db.Contributors(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(suffixes)+len(contributors))
	var out []string
	for _, t := range append(suffixes, contributors...) {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out, nil
}

// conflicts reports whether candidate is indistinguishable from a known
// token when read off the end of an id.
func conflicts(candidate string, known []string) bool {
	for _, k := range known {
		if strings.HasSuffix(candidate, k) || strings.HasSuffix(k, candidate) {
			return true
		}
	}
	return false
}

func randomToken(r io.Reader, n int) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("idalloc: read random: %w", err)
	}
	for i, b := range buf {
		buf[i] = Alphabet[b&31]
	}
	return string(buf), nil
}

// chooseToken picks a fresh token that collides with nothing in the cache.
func chooseToken(ctx context.Context, db *index.DB, r io.Reader) (string, error) {
	if r == nil {
		r = rand.Reader
	}
	known, err := knownTokens(ctx, db)
	if err != nil {
		return "", err
	}
	n := TokenLength(len(known))
	for range tokenAttempts {
		t, err := randomToken(r, n)
		if err != nil {
			return "", err
		}
		if conflicts(t, known) {
			continue
		}
		ids, err := db.IDsWithSuffix(ctx, t)
		if err != nil {
			return "", err
		}
		if len(ids) == 0 {
			return t, nil
		}
	}
	return "", fmt.Errorf("idalloc: no free %d-symbol token after %d attempts: %w", n, tokenAttempts, apperr.ErrInvariant)
}
