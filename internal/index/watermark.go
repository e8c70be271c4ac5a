package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/starford/trellis/internal/apperr"
)

// Watermark records how far the cache has caught up with the tree.
type Watermark struct {
	SchemaVersion int
	LastCommit    string
	// Dirty maps each path that differed from HEAD at the last pass, or
	// lost an id clash, to the hash of its working-tree file then ("" when
	// absent). These paths are re-checked even when HEAD has not moved.
	Dirty       map[string]string
	LastIndexed time.Time
}

// Watermark reads the single watermark row. A missing or unreadable row is
// corruption.
func (q queries) Watermark(ctx context.Context) (*Watermark, error) {
	var (
		w       Watermark
		dirty   string
		indexed sql.NullTime
	)
	err := q.q.QueryRowContext(ctx,
		`SELECT schema_version, last_commit, dirty_paths, last_indexed FROM watermark WHERE id = 1`).
		Scan(&w.SchemaVersion, &w.LastCommit, &dirty, &indexed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("index: watermark missing: %w", apperr.ErrCorrupt)
	}
	if err != nil {
		return nil, fmt.Errorf("index: read watermark: %w", classify(err))
	}
	if err := json.Unmarshal([]byte(dirty), &w.Dirty); err != nil {
		return nil, fmt.Errorf("index: decode dirty paths: %v: %w", err, apperr.ErrCorrupt)
	}
	if w.Dirty == nil {
		w.Dirty = map[string]string{}
	}
	if indexed.Valid {
		w.LastIndexed = indexed.Time
	}
	return &w, nil
}

// SetWatermark advances the watermark. It is the last write of a pass.
func (tx *Tx) SetWatermark(ctx context.Context, commit string, dirty map[string]string, at time.Time) error {
	if dirty == nil {
		dirty = map[string]string{}
	}
	raw, err := json.Marshal(dirty)
	if err != nil {
		return fmt.Errorf("index: encode dirty paths: %w", err)
	}
	res, err := tx.tx.ExecContext(ctx,
		`UPDATE watermark SET last_commit = ?, dirty_paths = ?, last_indexed = ? WHERE id = 1`,
		commit, string(raw), at.UTC())
	if err != nil {
		return fmt.Errorf("index: set watermark: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("index: watermark row missing: %w", apperr.ErrCorrupt)
	}
	return nil
}
