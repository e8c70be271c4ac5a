//go:build sqlite_fts5

package index

import (
	"context"
	"database/sql"
	"fmt"
)

func initFTS(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		CREATE VIRTUAL TABLE fts_content USING fts5(
			document_id UNINDEXED,
			name,
			body,
			tokenize = 'unicode61 remove_diacritics 2'
		);
	`)
	return err
}

func ftsUpsert(ctx context.Context, tx *sql.Tx, id, name, body string) error {
	if err := ftsDelete(ctx, tx, id); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO fts_content (document_id, name, body) VALUES (?, ?, ?)`, id, name, body)
	return err
}

func ftsDelete(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM fts_content WHERE document_id = ?`, id)
	return err
}

// Search runs an FTS5 query over names and bodies, best matches first.
func (q queries) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := q.q.QueryContext(ctx, `
		SELECT f.document_id,
		       d.path,
		       d.name,
		       snippet(fts_content, 2, '<b>', '</b>', '...', 32)
		FROM fts_content f
		JOIN documents d ON d.id = f.document_id
		WHERE fts_content MATCH ?
		ORDER BY rank
		LIMIT ?
	`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("index: search: %w", err)
	}
	return scanSearch(rows)
}
