// Package testutil provides shared test helpers for setting up repositories
// and cache databases.
package testutil

import (
	"context"
	"os"
	"testing"

	"github.com/starford/trellis/internal/index"
	"github.com/starford/trellis/internal/parser"
	"github.com/starford/trellis/internal/vcs"
)

// TestDB creates a temporary cache with an empty schema that is
// automatically cleaned up.
func TestDB(t testing.TB) *index.DB {
	t.Helper()
	dbFile, err := os.CreateTemp("", "trellis-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() { _ = index.RemoveFiles(dbFile.Name()) })

	db, err := index.Open(dbFile.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Reset(context.Background()); err != nil {
		t.Fatal(err)
	}
	return db
}

// TestRepo creates an in-memory repository whose working tree is a
// temporary directory.
func TestRepo(t testing.TB) *vcs.Fake {
	t.Helper()
	return vcs.NewFake(t.TempDir())
}

// WriteDoc serializes a document into the working tree of repo.
func WriteDoc(t testing.TB, repo *vcs.Fake, path string, fm parser.Frontmatter, body string) {
	t.Helper()
	data, err := parser.Serialize(fm, body)
	if err != nil {
		t.Fatal(err)
	}
	if err := repo.WriteFile(path, data); err != nil {
		t.Fatal(err)
	}
}
