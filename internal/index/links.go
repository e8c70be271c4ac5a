package index

import (
	"context"
	"fmt"

	"github.com/starford/trellis/internal/models"
)

// ReplaceLinks swaps a document's outgoing edges for links in one step and
// maintains link_count on the source and backlink_count on every target
// whose incoming edges changed.
func (tx *Tx) ReplaceLinks(ctx context.Context, sourceID string, links []models.Link) error {
	if err := tx.dropOutgoingLinks(ctx, sourceID); err != nil {
		return err
	}
	if len(links) > 0 {
		stmt, err := tx.tx.PrepareContext(ctx, `
			INSERT INTO links (source_id, target_id, kind, position, target_path, path_stale, line)
			VALUES (?1, ?2, ?3, ?4, ?5,
				EXISTS (SELECT 1 FROM documents d WHERE d.id = ?2 AND ?5 != '' AND d.path != ?5),
				?6)`)
		if err != nil {
			return fmt.Errorf("index: prepare link insert: %w", err)
		}
		defer stmt.Close()
		for _, l := range links {
			if _, err := stmt.ExecContext(ctx, sourceID, l.TargetID, string(l.Kind), l.Position, l.TargetPath, l.Line); err != nil {
				return fmt.Errorf("index: insert link %s -> %s: %w", sourceID, l.TargetID, err)
			}
		}
	}

	if _, err := tx.tx.ExecContext(ctx, `
		UPDATE documents
		SET backlink_count = backlink_count +
			(SELECT count(*) FROM links l WHERE l.source_id = ?1 AND l.target_id = documents.id)
		WHERE id IN (SELECT target_id FROM links WHERE source_id = ?1)`, sourceID); err != nil {
		return fmt.Errorf("index: raise backlink counts for %s: %w", sourceID, err)
	}
	if _, err := tx.tx.ExecContext(ctx,
		`UPDATE documents SET link_count = ? WHERE id = ?`, len(links), sourceID); err != nil {
		return fmt.Errorf("index: set link count for %s: %w", sourceID, err)
	}
	return nil
}

// dropOutgoingLinks deletes a document's edges and lowers the backlink
// counts they contributed.
func (tx *Tx) dropOutgoingLinks(ctx context.Context, sourceID string) error {
	if _, err := tx.tx.ExecContext(ctx, `
		UPDATE documents
		SET backlink_count = backlink_count -
			(SELECT count(*) FROM links l WHERE l.source_id = ?1 AND l.target_id = documents.id)
		WHERE id IN (SELECT target_id FROM links WHERE source_id = ?1)`, sourceID); err != nil {
		return fmt.Errorf("index: lower backlink counts for %s: %w", sourceID, err)
	}
	if _, err := tx.tx.ExecContext(ctx, `DELETE FROM links WHERE source_id = ?`, sourceID); err != nil {
		return fmt.Errorf("index: delete links of %s: %w", sourceID, err)
	}
	if _, err := tx.tx.ExecContext(ctx,
		`UPDATE documents SET link_count = 0 WHERE id = ?`, sourceID); err != nil {
		return fmt.Errorf("index: reset link count for %s: %w", sourceID, err)
	}
	return nil
}

// RefreshStaleFlags re-evaluates every path-carrying edge against the paths
// now on record and returns how many flags changed.
func (tx *Tx) RefreshStaleFlags(ctx context.Context) (int64, error) {
	res, err := tx.tx.ExecContext(ctx, `
		UPDATE links
		SET path_stale = EXISTS (
			SELECT 1 FROM documents d
			WHERE d.id = links.target_id AND links.target_path != '' AND d.path != links.target_path)
		WHERE path_stale != EXISTS (
			SELECT 1 FROM documents d
			WHERE d.id = links.target_id AND links.target_path != '' AND d.path != links.target_path)`)
	if err != nil {
		return 0, fmt.Errorf("index: refresh stale flags: %w", err)
	}
	return res.RowsAffected()
}

const linkColumns = `source_id, target_id, kind, position, target_path, path_stale, line`

// LinksFrom returns a document's outgoing edges in position order.
func (q queries) LinksFrom(ctx context.Context, id string) ([]models.Link, error) {
	return q.links(ctx, `SELECT `+linkColumns+` FROM links WHERE source_id = ? ORDER BY position`, id)
}

// LinksTo returns the edges pointing at id, ordered by source then position.
func (q queries) LinksTo(ctx context.Context, id string) ([]models.Link, error) {
	return q.links(ctx, `SELECT `+linkColumns+` FROM links WHERE target_id = ? ORDER BY source_id, position`, id)
}

// AllLinks returns every edge, ordered by source then position.
func (q queries) AllLinks(ctx context.Context) ([]models.Link, error) {
	return q.links(ctx, `SELECT `+linkColumns+` FROM links ORDER BY source_id, position`)
}

func (q queries) links(ctx context.Context, query string, args ...any) ([]models.Link, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("index: links: %w", err)
	}
	defer rows.Close()
	var out []models.Link
	for rows.Next() {
		var (
			l     models.Link
			kind  string
			stale int
		)
		if err := rows.Scan(&l.SourceID, &l.TargetID, &kind, &l.Position, &l.TargetPath, &stale, &l.Line); err != nil {
			return nil, err
		}
		l.Kind = models.LinkKind(kind)
		l.Stale = stale != 0
		out = append(out, l)
	}
	return out, rows.Err()
}

// LinkProblem is an edge that downstream validation must report.
type LinkProblem struct {
	Link       models.Link
	SourcePath string
	TargetPath string // path on record for the target, "" when missing
	SelfLink   bool
	Missing    bool
}

// LinkProblems enumerates self-references, edges to unknown ids and edges
// whose recorded path is stale.
func (q queries) LinkProblems(ctx context.Context) ([]LinkProblem, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT l.source_id, l.target_id, l.kind, l.position, l.target_path, l.path_stale, l.line,
		       s.path, coalesce(t.path, '')
		FROM links l
		JOIN documents s ON s.id = l.source_id
		LEFT JOIN documents t ON t.id = l.target_id
		WHERE l.source_id = l.target_id OR t.id IS NULL OR l.path_stale = 1
		ORDER BY s.path, l.position`)
	if err != nil {
		return nil, fmt.Errorf("index: link problems: %w", err)
	}
	defer rows.Close()
	var out []LinkProblem
	for rows.Next() {
		var (
			p     LinkProblem
			kind  string
			stale int
		)
		if err := rows.Scan(&p.Link.SourceID, &p.Link.TargetID, &kind, &p.Link.Position,
			&p.Link.TargetPath, &stale, &p.Link.Line, &p.SourcePath, &p.TargetPath); err != nil {
			return nil, err
		}
		p.Link.Kind = models.LinkKind(kind)
		p.Link.Stale = stale != 0
		p.SelfLink = p.Link.SourceID == p.Link.TargetID
		p.Missing = p.TargetPath == ""
		out = append(out, p)
	}
	return out, rows.Err()
}

// Orphans returns documents no other document links to, ordered by path.
// Hierarchy roots are excluded since they are reached through the tree.
func (q queries) Orphans(ctx context.Context) ([]string, error) {
	return q.strings(ctx, `
		SELECT d.id FROM documents d
		WHERE d.is_root = 0 AND NOT EXISTS (
			SELECT 1 FROM links l WHERE l.target_id = d.id AND l.source_id != d.id)
		ORDER BY d.path`)
}
