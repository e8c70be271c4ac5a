package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/starford/trellis/internal/apperr"
	"github.com/starford/trellis/internal/models"
)

const documentColumns = `id, parent_id, path, name, description, kind, status, priority,
	context_priority, context_position, body_hash, file_hash, body_length,
	link_count, backlink_count, view_count, is_closed, is_root, is_materialized,
	created_at, updated_at, closed_at, indexed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(s scanner) (*models.Document, error) {
	var (
		d                          models.Document
		closed, root, materialized int
		created, updated, closedAt sql.NullTime
	)
	err := s.Scan(&d.ID, &d.ParentID, &d.Path, &d.Name, &d.Description, &d.Kind, &d.Status,
		&d.Priority, &d.ContextPriority, &d.ContextPosition, &d.BodyHash, &d.FileHash,
		&d.BodyLength, &d.LinkCount, &d.BacklinkCount, &d.ViewCount,
		&closed, &root, &materialized, &created, &updated, &closedAt, &d.IndexedAt)
	if err != nil {
		return nil, err
	}
	d.Closed, d.Root, d.Materialized = closed != 0, root != 0, materialized != 0
	d.CreatedAt = timePtr(created)
	d.UpdatedAt = timePtr(updated)
	d.ClosedAt = timePtr(closedAt)
	return &d, nil
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// UpsertDocument writes d and its body for search. Counts are not touched on
// update; a newly inserted row picks up edges and views that already point
// at its id. A different document occupying the same path is removed first.
func (tx *Tx) UpsertDocument(ctx context.Context, d *models.Document, body string) error {
	var occupant string
	err := tx.tx.QueryRowContext(ctx,
		`SELECT id FROM documents WHERE path = ? AND id != ?`, d.Path, d.ID).Scan(&occupant)
	switch {
	case err == nil:
		if err := tx.DeleteDocument(ctx, occupant); err != nil {
			return err
		}
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("index: lookup path %s: %w", d.Path, err)
	}

	indexedAt := d.IndexedAt
	if indexedAt.IsZero() {
		indexedAt = time.Now().UTC()
	}
	_, err = tx.tx.ExecContext(ctx, `
		INSERT INTO documents (id, parent_id, path, name, description, kind, status, priority,
			context_priority, context_position, body_hash, file_hash, body_length,
			link_count, backlink_count, view_count, is_closed, is_root, is_materialized,
			created_at, updated_at, closed_at, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
			0,
			(SELECT count(*) FROM links WHERE target_id = ?1),
			coalesce((SELECT view_count FROM views WHERE document_id = ?1), 0),
			?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			parent_id        = excluded.parent_id,
			path             = excluded.path,
			name             = excluded.name,
			description      = excluded.description,
			kind             = excluded.kind,
			status           = excluded.status,
			priority         = excluded.priority,
			context_priority = excluded.context_priority,
			context_position = excluded.context_position,
			body_hash        = excluded.body_hash,
			file_hash        = excluded.file_hash,
			body_length      = excluded.body_length,
			is_closed        = excluded.is_closed,
			is_root          = excluded.is_root,
			is_materialized  = excluded.is_materialized,
			created_at       = excluded.created_at,
			updated_at       = excluded.updated_at,
			closed_at        = excluded.closed_at,
			indexed_at       = excluded.indexed_at
	`, d.ID, d.ParentID, d.Path, d.Name, d.Description, d.Kind, d.Status, d.Priority,
		d.ContextPriority, d.ContextPosition, d.BodyHash, d.FileHash, d.BodyLength,
		boolInt(models.IsClosedPath(d.Path)), boolInt(models.IsRootPath(d.Path)), boolInt(d.Materialized),
		nullTime(d.CreatedAt), nullTime(d.UpdatedAt), nullTime(d.ClosedAt), indexedAt)
	if err != nil {
		return fmt.Errorf("index: upsert %s (%s): %w", d.ID, d.Path, err)
	}

	if err := tx.ReplaceLabels(ctx, d.ID, d.Labels); err != nil {
		return err
	}
	if err := tx.ReplaceContextLabels(ctx, d.ID, d.ContextFor); err != nil {
		return err
	}
	if err := ftsUpsert(ctx, tx.tx, d.ID, d.Name, body); err != nil {
		return fmt.Errorf("index: upsert fts %s: %w", d.ID, err)
	}
	return nil
}

// DeleteDocument removes a document with its outgoing edges, labels, search
// entry and cached content. Edges from other documents into it are kept:
// they become missing-target findings until the id reappears. Deleting an
// unknown id is a no-op.
func (tx *Tx) DeleteDocument(ctx context.Context, id string) error {
	if err := tx.dropOutgoingLinks(ctx, id); err != nil {
		return err
	}
	for _, stmt := range []string{
		`DELETE FROM labels WHERE document_id = ?`,
		`DELETE FROM context_labels WHERE document_id = ?`,
		`DELETE FROM content_cache WHERE document_id = ?`,
		`DELETE FROM documents WHERE id = ?`,
	} {
		if _, err := tx.tx.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("index: delete %s: %w", id, err)
		}
	}
	if err := ftsDelete(ctx, tx.tx, id); err != nil {
		return fmt.Errorf("index: delete fts %s: %w", id, err)
	}

	var dangling int
	if err := tx.tx.QueryRowContext(ctx,
		`SELECT count(*) FROM links WHERE source_id = ?`, id).Scan(&dangling); err != nil {
		return fmt.Errorf("index: verify delete %s: %w", id, err)
	}
	if dangling != 0 {
		return fmt.Errorf("index: %d edges still leave deleted document %s: %w", dangling, id, apperr.ErrInvariant)
	}
	return nil
}

// DeletePath removes the document stored at path, if any, and returns its id.
func (tx *Tx) DeletePath(ctx context.Context, path string) (string, error) {
	var id string
	err := tx.tx.QueryRowContext(ctx, `SELECT id FROM documents WHERE path = ?`, path).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("index: lookup path %s: %w", path, err)
	}
	return id, tx.DeleteDocument(ctx, id)
}

// Document returns the document with the given id, labels included.
func (q queries) Document(ctx context.Context, id string) (*models.Document, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	return q.loadDocument(ctx, row, "id "+id)
}

// DocumentByPath returns the document stored at path.
func (q queries) DocumentByPath(ctx context.Context, path string) (*models.Document, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE path = ?`, path)
	return q.loadDocument(ctx, row, "path "+path)
}

func (q queries) loadDocument(ctx context.Context, row *sql.Row, what string) (*models.Document, error) {
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("index: document %s: %w", what, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("index: document %s: %w", what, err)
	}
	if d.Labels, err = q.Labels(ctx, d.ID); err != nil {
		return nil, err
	}
	if d.ContextFor, err = q.ContextLabels(ctx, d.ID); err != nil {
		return nil, err
	}
	return d, nil
}

// HasDocument reports whether id is indexed.
func (q queries) HasDocument(ctx context.Context, id string) (bool, error) {
	var n int
	if err := q.q.QueryRowContext(ctx, `SELECT count(*) FROM documents WHERE id = ?`, id).Scan(&n); err != nil {
		return false, fmt.Errorf("index: has %s: %w", id, err)
	}
	return n > 0, nil
}

// PathEntry is the per-path state the reconciler compares against the tree.
type PathEntry struct {
	ID       string
	FileHash string
}

// PathEntries returns the stored state for the given paths, or for every
// document when paths is empty.
func (q queries) PathEntries(ctx context.Context, paths ...string) (map[string]PathEntry, error) {
	out := make(map[string]PathEntry)
	if len(paths) == 0 {
		return out, q.pathEntries(ctx, out, `SELECT path, id, file_hash FROM documents`)
	}
	for start := 0; start < len(paths); start += maxParams {
		chunk := paths[start:min(start+maxParams, len(paths))]
		args := make([]any, len(chunk))
		for i, p := range chunk {
			args[i] = p
		}
		query := `SELECT path, id, file_hash FROM documents WHERE path IN (` + placeholders(len(chunk)) + `)`
		if err := q.pathEntries(ctx, out, query, args...); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// maxParams keeps IN lists well under SQLite's bound-parameter limit.
const maxParams = 500

func (q queries) pathEntries(ctx context.Context, out map[string]PathEntry, query string, args ...any) error {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("index: path entries: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p string
		var e PathEntry
		if err := rows.Scan(&p, &e.ID, &e.FileHash); err != nil {
			return err
		}
		out[p] = e
	}
	return rows.Err()
}

// IDsWithSuffix returns ids ending in suffix, ascending.
func (q queries) IDsWithSuffix(ctx context.Context, suffix string) ([]string, error) {
	return q.strings(ctx, `SELECT id FROM documents WHERE substr(id, -?) = ? ORDER BY id`, len(suffix), suffix)
}

// IDSuffixes returns the distinct n-character id suffixes, ascending.
func (q queries) IDSuffixes(ctx context.Context, n int) ([]string, error) {
	return q.strings(ctx, `SELECT DISTINCT substr(id, -?) FROM documents WHERE length(id) > ? ORDER BY 1`, n, n)
}

// CountDocuments returns the number of indexed documents.
func (q queries) CountDocuments(ctx context.Context) (int, error) {
	var n int
	if err := q.q.QueryRowContext(ctx, `SELECT count(*) FROM documents`).Scan(&n); err != nil {
		return 0, fmt.Errorf("index: count documents: %w", err)
	}
	return n, nil
}

func (q queries) strings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("index: query: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
