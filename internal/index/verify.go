package index

import (
	"context"
	"fmt"

	"github.com/starford/trellis/internal/models"
)

// Drift is a denormalized value that disagrees with the rows it summarises.
type Drift struct {
	DocumentID string `json:"document_id"`
	Field      string `json:"field"`
	Stored     int    `json:"stored"`
	Actual     int    `json:"actual"`
}

func (d Drift) String() string {
	return fmt.Sprintf("%s.%s = %d, want %d", d.DocumentID, d.Field, d.Stored, d.Actual)
}

// Verify recomputes cached counts and path-derived flags and reports every
// mismatch. An empty result means the cache is self-consistent.
func (q queries) Verify(ctx context.Context) ([]Drift, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT d.id, d.path, d.is_closed, d.is_root,
		       d.link_count, (SELECT count(*) FROM links l WHERE l.source_id = d.id),
		       d.backlink_count, (SELECT count(*) FROM links l WHERE l.target_id = d.id),
		       d.view_count, coalesce((SELECT v.view_count FROM views v WHERE v.document_id = d.id), 0)
		FROM documents d
		ORDER BY d.id`)
	if err != nil {
		return nil, fmt.Errorf("index: verify: %w", err)
	}
	defer rows.Close()

	var out []Drift
	for rows.Next() {
		var (
			id, path     string
			closed, root int
			counts       [6]int
		)
		if err := rows.Scan(&id, &path, &closed, &root,
			&counts[0], &counts[1], &counts[2], &counts[3], &counts[4], &counts[5]); err != nil {
			return nil, err
		}
		check := func(field string, stored, actual int) {
			if stored != actual {
				out = append(out, Drift{DocumentID: id, Field: field, Stored: stored, Actual: actual})
			}
		}
		check("is_closed", closed, boolInt(models.IsClosedPath(path)))
		check("is_root", root, boolInt(models.IsRootPath(path)))
		check("link_count", counts[0], counts[1])
		check("backlink_count", counts[2], counts[3])
		check("view_count", counts[4], counts[5])
	}
	return out, rows.Err()
}
