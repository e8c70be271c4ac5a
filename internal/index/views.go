package index

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RecordView counts one display of a document. The cached view_count on
// the document row moves in the same statement batch.
func (tx *Tx) RecordView(ctx context.Context, id string, at time.Time) error {
	_, err := tx.tx.ExecContext(ctx, `
		INSERT INTO views (document_id, view_count, last_viewed) VALUES (?, 1, ?)
		ON CONFLICT(document_id) DO UPDATE SET
			view_count  = view_count + 1,
			last_viewed = excluded.last_viewed`, id, at.UTC())
	if err != nil {
		return fmt.Errorf("index: record view %s: %w", id, err)
	}
	if _, err := tx.tx.ExecContext(ctx,
		`UPDATE documents SET view_count = view_count + 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("index: bump view count %s: %w", id, err)
	}
	return nil
}

// LocalState is bookkeeping that cannot be re-derived from the tree and is
// carried across a schema drop.
type LocalState struct {
	Views    []ViewRow
	Counters map[string]string
}

// ViewRow is one row of the views table.
type ViewRow struct {
	DocumentID string
	Count      int
	LastViewed time.Time
}

// SnapshotLocalState reads views and counters before a rebuild drops them.
// A cache without those tables yields an empty snapshot.
func (tx *Tx) SnapshotLocalState(ctx context.Context) (*LocalState, error) {
	st := &LocalState{Counters: make(map[string]string)}
	var n int
	if err := tx.tx.QueryRowContext(ctx,
		`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name IN ('views', 'counters')`).Scan(&n); err != nil {
		return nil, fmt.Errorf("index: inspect local state: %w", err)
	}
	if n < 2 {
		return st, nil
	}

	rows, err := tx.tx.QueryContext(ctx, `SELECT document_id, view_count, last_viewed FROM views`)
	if err != nil {
		return nil, fmt.Errorf("index: snapshot views: %w", err)
	}
	for rows.Next() {
		var v ViewRow
		var last sql.NullTime
		if err := rows.Scan(&v.DocumentID, &v.Count, &last); err != nil {
			rows.Close()
			return nil, err
		}
		v.LastViewed = last.Time
		st.Views = append(st.Views, v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = tx.tx.QueryContext(ctx, `SELECT contributor, next_counter FROM counters`)
	if err != nil {
		return nil, fmt.Errorf("index: snapshot counters: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var c, next string
		if err := rows.Scan(&c, &next); err != nil {
			return nil, err
		}
		st.Counters[c] = next
	}
	return st, rows.Err()
}

// RestoreLocalState writes a snapshot back into a freshly created schema.
// Views for ids that no longer exist are kept for when they come back.
func (tx *Tx) RestoreLocalState(ctx context.Context, st *LocalState) error {
	if st == nil {
		return nil
	}
	for _, v := range st.Views {
		var last any
		if !v.LastViewed.IsZero() {
			last = v.LastViewed.UTC()
		}
		if _, err := tx.tx.ExecContext(ctx,
			`INSERT INTO views (document_id, view_count, last_viewed) VALUES (?, ?, ?)`,
			v.DocumentID, v.Count, last); err != nil {
			return fmt.Errorf("index: restore view %s: %w", v.DocumentID, err)
		}
		if _, err := tx.tx.ExecContext(ctx,
			`UPDATE documents SET view_count = ? WHERE id = ?`, v.Count, v.DocumentID); err != nil {
			return fmt.Errorf("index: restore view count %s: %w", v.DocumentID, err)
		}
	}
	for c, next := range st.Counters {
		if err := tx.SetCounterRaw(ctx, c, next); err != nil {
			return err
		}
	}
	return nil
}
