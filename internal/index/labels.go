package index

import (
	"context"
	"fmt"
)

// ReplaceLabels sets the label set of a document.
func (tx *Tx) ReplaceLabels(ctx context.Context, id string, labels []string) error {
	return tx.replaceSet(ctx, "labels", id, labels)
}

// ReplaceContextLabels sets the labels a document declares itself relevant for.
func (tx *Tx) ReplaceContextLabels(ctx context.Context, id string, labels []string) error {
	return tx.replaceSet(ctx, "context_labels", id, labels)
}

// AddLabels adds labels to a document, ignoring ones it already has.
func (tx *Tx) AddLabels(ctx context.Context, id string, labels ...string) error {
	for _, l := range labels {
		if _, err := tx.tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO labels (document_id, label) VALUES (?, ?)`, id, l); err != nil {
			return fmt.Errorf("index: add label %q to %s: %w", l, id, err)
		}
	}
	return nil
}

// RemoveLabels removes labels from a document.
func (tx *Tx) RemoveLabels(ctx context.Context, id string, labels ...string) error {
	for _, l := range labels {
		if _, err := tx.tx.ExecContext(ctx,
			`DELETE FROM labels WHERE document_id = ? AND label = ?`, id, l); err != nil {
			return fmt.Errorf("index: remove label %q from %s: %w", l, id, err)
		}
	}
	return nil
}

func (tx *Tx) replaceSet(ctx context.Context, table, id string, labels []string) error {
	if _, err := tx.tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE document_id = ?`, id); err != nil {
		return fmt.Errorf("index: clear %s of %s: %w", table, id, err)
	}
	for _, l := range labels {
		if l == "" {
			continue
		}
		if _, err := tx.tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO `+table+` (document_id, label) VALUES (?, ?)`, id, l); err != nil {
			return fmt.Errorf("index: insert %s %q for %s: %w", table, l, id, err)
		}
	}
	return nil
}

// Labels returns a document's labels, sorted.
func (q queries) Labels(ctx context.Context, id string) ([]string, error) {
	return q.strings(ctx, `SELECT label FROM labels WHERE document_id = ? ORDER BY label`, id)
}

// ContextLabels returns the labels a document declares relevance for, sorted.
func (q queries) ContextLabels(ctx context.Context, id string) ([]string, error) {
	return q.strings(ctx, `SELECT label FROM context_labels WHERE document_id = ? ORDER BY label`, id)
}

// ContextLabelMatches returns the ids of documents declaring relevance for
// any of labels, ascending by id.
func (q queries) ContextLabelMatches(ctx context.Context, labels []string) ([]string, error) {
	if len(labels) == 0 {
		return nil, nil
	}
	args := make([]any, len(labels))
	for i, l := range labels {
		args[i] = l
	}
	return q.strings(ctx, `SELECT DISTINCT document_id FROM context_labels
		WHERE label IN (`+placeholders(len(labels))+`) ORDER BY document_id`, args...)
}

// AllLabels returns every label in use with its document count.
func (q queries) AllLabels(ctx context.Context) (map[string]int, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT label, count(*) FROM labels GROUP BY label`)
	if err != nil {
		return nil, fmt.Errorf("index: all labels: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var l string
		var n int
		if err := rows.Scan(&l, &n); err != nil {
			return nil, err
		}
		out[l] = n
	}
	return out, rows.Err()
}
