package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/starford/trellis/internal/models"
)

// Root is a directory's hierarchy-root document.
type Root struct {
	Directory       string
	RootID          string
	ParentDirectory string
	Depth           int
}

// RebuildDirectoryRoots recomputes the directory_roots table from the
// documents flagged as roots. When a directory has two candidates the one
// with the smaller path wins.
func (tx *Tx) RebuildDirectoryRoots(ctx context.Context) error {
	if _, err := tx.tx.ExecContext(ctx, `DELETE FROM directory_roots`); err != nil {
		return fmt.Errorf("index: clear directory roots: %w", err)
	}
	rows, err := tx.tx.QueryContext(ctx, `SELECT id, path FROM documents WHERE is_root = 1 ORDER BY path`)
	if err != nil {
		return fmt.Errorf("index: list roots: %w", err)
	}
	roots := make(map[string]string)
	var dirs []string
	for rows.Next() {
		var id, p string
		if err := rows.Scan(&id, &p); err != nil {
			rows.Close()
			return err
		}
		dir := models.Dir(p)
		if _, dup := roots[dir]; dup {
			continue
		}
		roots[dir] = id
		dirs = append(dirs, dir)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, dir := range dirs {
		parent := ""
		for d := models.Dir(dir); ; d = models.Dir(d) {
			if _, ok := roots[d]; ok && d != dir {
				parent = d
				break
			}
			if d == "" {
				break
			}
		}
		depth := strings.Count(dir, "/") + 1
		if _, err := tx.tx.ExecContext(ctx,
			`INSERT INTO directory_roots (directory, root_id, parent_directory, depth) VALUES (?, ?, ?, ?)`,
			dir, roots[dir], parent, depth); err != nil {
			return fmt.Errorf("index: insert root for %s: %w", dir, err)
		}
	}
	return nil
}

// RootFor returns the nearest root at or above dir.
func (q queries) RootFor(ctx context.Context, dir string) (*Root, error) {
	for d := dir; ; d = models.Dir(d) {
		r, err := q.root(ctx, d)
		if err != nil || r != nil {
			return r, err
		}
		if d == "" {
			return nil, nil
		}
	}
}

// Ancestors returns the roots from dir up to the repository root, nearest
// first.
func (q queries) Ancestors(ctx context.Context, dir string) ([]Root, error) {
	r, err := q.RootFor(ctx, dir)
	if err != nil {
		return nil, err
	}
	var out []Root
	seen := make(map[string]bool)
	for r != nil && !seen[r.Directory] {
		seen[r.Directory] = true
		out = append(out, *r)
		if r.ParentDirectory == "" {
			break
		}
		if r, err = q.root(ctx, r.ParentDirectory); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// DirectoryRoots returns every row, ordered by directory.
func (q queries) DirectoryRoots(ctx context.Context) ([]Root, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT directory, root_id, parent_directory, depth FROM directory_roots ORDER BY directory`)
	if err != nil {
		return nil, fmt.Errorf("index: directory roots: %w", err)
	}
	defer rows.Close()
	var out []Root
	for rows.Next() {
		var r Root
		if err := rows.Scan(&r.Directory, &r.RootID, &r.ParentDirectory, &r.Depth); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (q queries) root(ctx context.Context, dir string) (*Root, error) {
	var r Root
	err := q.q.QueryRowContext(ctx,
		`SELECT directory, root_id, parent_directory, depth FROM directory_roots WHERE directory = ?`, dir).
		Scan(&r.Directory, &r.RootID, &r.ParentDirectory, &r.Depth)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("index: root for %q: %w", dir, err)
	}
	return &r, nil
}
