package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

// Counter returns the raw persisted next-counter text for a contributor.
// ok is false when no row exists. The text is returned unparsed so callers
// can treat garbage as a corruption signal.
func (q queries) Counter(ctx context.Context, contributor string) (raw string, ok bool, err error) {
	err = q.q.QueryRowContext(ctx,
		`SELECT next_counter FROM counters WHERE contributor = ?`, contributor).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("index: counter for %s: %w", contributor, err)
	}
	return raw, true, nil
}

// Contributors returns every contributor with a counter row, ascending.
func (q queries) Contributors(ctx context.Context) ([]string, error) {
	return q.strings(ctx, `SELECT contributor FROM counters ORDER BY contributor`)
}

// SetCounter persists the next counter for a contributor.
func (tx *Tx) SetCounter(ctx context.Context, contributor string, next uint64) error {
	_, err := tx.tx.ExecContext(ctx, `
		INSERT INTO counters (contributor, next_counter) VALUES (?, ?)
		ON CONFLICT(contributor) DO UPDATE SET next_counter = excluded.next_counter`,
		contributor, strconv.FormatUint(next, 10))
	if err != nil {
		return fmt.Errorf("index: set counter for %s: %w", contributor, err)
	}
	return nil
}

// SetCounterRaw stores text verbatim. It exists so a damaged row can be
// reproduced.
func (tx *Tx) SetCounterRaw(ctx context.Context, contributor, raw string) error {
	_, err := tx.tx.ExecContext(ctx, `
		INSERT INTO counters (contributor, next_counter) VALUES (?, ?)
		ON CONFLICT(contributor) DO UPDATE SET next_counter = excluded.next_counter`,
		contributor, raw)
	if err != nil {
		return fmt.Errorf("index: set counter for %s: %w", contributor, err)
	}
	return nil
}
