package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CachedContent is a persisted copy of a document body.
type CachedContent struct {
	DocumentID  string
	Body        string
	ContentHash string
	SourceMtime int64 // unix nanoseconds of the file the body was read from
}

// CachedContent returns the persisted body of a document, if any. Callers
// validate it against the current mtime and hash.
func (q queries) CachedContent(ctx context.Context, id string) (*CachedContent, error) {
	c := CachedContent{DocumentID: id}
	err := q.q.QueryRowContext(ctx,
		`SELECT content, content_hash, source_mtime FROM content_cache WHERE document_id = ?`, id).
		Scan(&c.Body, &c.ContentHash, &c.SourceMtime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("index: cached content %s: %w", id, err)
	}
	return &c, nil
}

// PutContent stores a body and evicts the least recently used entries past
// the configured bound.
func (tx *Tx) PutContent(ctx context.Context, c CachedContent, at time.Time) error {
	_, err := tx.tx.ExecContext(ctx, `
		INSERT INTO content_cache (document_id, content, content_hash, accessed_at, source_mtime)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(document_id) DO UPDATE SET
			content      = excluded.content,
			content_hash = excluded.content_hash,
			accessed_at  = excluded.accessed_at,
			source_mtime = excluded.source_mtime`,
		c.DocumentID, c.Body, c.ContentHash, at.UnixNano(), c.SourceMtime)
	if err != nil {
		return fmt.Errorf("index: put content %s: %w", c.DocumentID, err)
	}
	return tx.evictContent(ctx)
}

// TouchContent marks cached entries as used.
func (tx *Tx) TouchContent(ctx context.Context, at time.Time, ids ...string) error {
	for _, id := range ids {
		if _, err := tx.tx.ExecContext(ctx,
			`UPDATE content_cache SET accessed_at = ? WHERE document_id = ?`, at.UnixNano(), id); err != nil {
			return fmt.Errorf("index: touch content %s: %w", id, err)
		}
	}
	return nil
}

func (tx *Tx) evictContent(ctx context.Context) error {
	limit := tx.db.contentEntries
	if limit <= 0 {
		limit = DefaultContentEntries
	}
	_, err := tx.tx.ExecContext(ctx, `
		DELETE FROM content_cache WHERE document_id NOT IN (
			SELECT document_id FROM content_cache ORDER BY accessed_at DESC, document_id LIMIT ?)`, limit)
	if err != nil {
		return fmt.Errorf("index: evict content: %w", err)
	}
	return nil
}

// ContentEntries returns how many bodies are cached.
func (q queries) ContentEntries(ctx context.Context) (int, error) {
	var n int
	if err := q.q.QueryRowContext(ctx, `SELECT count(*) FROM content_cache`).Scan(&n); err != nil {
		return 0, fmt.Errorf("index: count content: %w", err)
	}
	return n, nil
}
