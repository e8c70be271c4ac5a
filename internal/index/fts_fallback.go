//go:build !sqlite_fts5

package index

import (
	"context"
	"database/sql"
	"fmt"
)

func initFTS(ctx context.Context, tx *sql.Tx) error {
	// FTS5 not compiled in; search falls back to LIKE over a plain table.
	_, err := tx.ExecContext(ctx, `
		CREATE TABLE fts_content (
			document_id TEXT PRIMARY KEY,
			name        TEXT NOT NULL DEFAULT '',
			body        TEXT NOT NULL DEFAULT ''
		);
	`)
	return err
}

func ftsUpsert(ctx context.Context, tx *sql.Tx, id, name, body string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO fts_content (document_id, name, body) VALUES (?, ?, ?)
		ON CONFLICT(document_id) DO UPDATE SET name = excluded.name, body = excluded.body`,
		id, name, body)
	return err
}

func ftsDelete(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM fts_content WHERE document_id = ?`, id)
	return err
}

// Search performs a LIKE-based search (fallback when FTS5 is not compiled in).
func (q queries) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 20
	}
	like := "%" + escapeLike(query) + "%"
	rows, err := q.q.QueryContext(ctx, `
		SELECT f.document_id, d.path, d.name, substr(f.body, 1, 200)
		FROM fts_content f
		JOIN documents d ON d.id = f.document_id
		WHERE f.name LIKE ? ESCAPE '\' OR f.body LIKE ? ESCAPE '\'
		ORDER BY d.path
		LIMIT ?
	`, like, like, limit)
	if err != nil {
		return nil, fmt.Errorf("index: search: %w", err)
	}
	return scanSearch(rows)
}
