package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/starford/trellis/internal/apperr"
)

// Tx is a write transaction. The connection is opened with
// _txlock=immediate, so beginning one takes the write lock up front and
// waits at most the configured busy timeout for another writer.
type Tx struct {
	queries
	tx *sql.Tx
	db *DB
}

// Update runs fn inside a single write transaction, committing when fn
// returns nil and rolling back otherwise.
func (db *DB) Update(ctx context.Context, fn func(*Tx) error) error {
	sqlTx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: begin write: %w", classify(err))
	}
	tx := &Tx{queries: queries{q: sqlTx}, tx: sqlTx, db: db}
	if err := fn(tx); err != nil {
		_ = sqlTx.Rollback()
		return classify(err)
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("index: commit: %w", classify(err))
	}
	return nil
}

// classify tags SQLite failures with the taxonomy sentinel that tells the
// caller how to react. Errors already tagged pass through unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, apperr.ErrLockTimeout) || errors.Is(err, apperr.ErrCorrupt) || errors.Is(err, apperr.ErrInvariant) {
		return err
	}
	var sqlErr sqlite3.Error
	if !errors.As(err, &sqlErr) {
		return err
	}
	switch sqlErr.Code {
	case sqlite3.ErrBusy, sqlite3.ErrLocked:
		return fmt.Errorf("%w: %w", apperr.ErrLockTimeout, err)
	case sqlite3.ErrConstraint, sqlite3.ErrCorrupt, sqlite3.ErrNotADB:
		return fmt.Errorf("%w: %w", apperr.ErrCorrupt, err)
	}
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
