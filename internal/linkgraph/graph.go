package linkgraph

import (
	"context"
	"fmt"

	"github.com/starford/trellis/internal/apperr"
	"github.com/starford/trellis/internal/index"
	"github.com/starford/trellis/internal/models"
)

// Graph answers link queries against the cache.
type Graph struct {
	db *index.DB
}

// New returns a Graph over db.
func New(db *index.DB) *Graph {
	return &Graph{db: db}
}

func (g *Graph) requireDocument(ctx context.Context, id string) error {
	ok, err := g.db.HasDocument(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("linkgraph: document %s: %w", id, apperr.ErrNotFound)
	}
	return nil
}

// From returns the edges leaving id, in position order.
func (g *Graph) From(ctx context.Context, id string) ([]models.Link, error) {
	if err := g.requireDocument(ctx, id); err != nil {
		return nil, err
	}
	return g.db.LinksFrom(ctx, id)
}

// To returns the edges arriving at id. The target itself need not exist, so
// references to a deleted document can still be listed.
func (g *Graph) To(ctx context.Context, id string) ([]models.Link, error) {
	return g.db.LinksTo(ctx, id)
}

// ShortestPath returns the ids along a shortest chain of forward edges from
// one document to another, both ends included. Neighbours are explored in
// position order and the first route to reach a node is kept.
func (g *Graph) ShortestPath(ctx context.Context, from, to string) ([]string, error) {
	for _, id := range []string{from, to} {
		if err := g.requireDocument(ctx, id); err != nil {
			return nil, err
		}
	}
	if from == to {
		return []string{from}, nil
	}

	prev := map[string]string{from: ""}
	queue := []string{from}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		links, err := g.db.LinksFrom(ctx, current)
		if err != nil {
			return nil, err
		}
		for _, l := range links {
			if _, seen := prev[l.TargetID]; seen {
				continue
			}
			prev[l.TargetID] = current
			if l.TargetID == to {
				return walkBack(prev, to), nil
			}
			queue = append(queue, l.TargetID)
		}
	}
	return nil, fmt.Errorf("linkgraph: no path from %s to %s: %w", from, to, apperr.ErrNotFound)
}

func walkBack(prev map[string]string, end string) []string {
	var out []string
	for id := end; id != ""; id = prev[id] {
		out = append(out, id)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Orphans returns the ids of non-root documents nothing else links to.
func (g *Graph) Orphans(ctx context.Context) ([]string, error) {
	return g.db.Orphans(ctx)
}

// Check reports every self-reference, reference to an unknown id and
// reference whose recorded path no longer matches the target.
func (g *Graph) Check(ctx context.Context) (apperr.Findings, error) {
	problems, err := g.db.LinkProblems(ctx)
	if err != nil {
		return nil, err
	}
	out := make(apperr.Findings, 0, len(problems))
	for _, p := range problems {
		f := apperr.Finding{DocumentID: p.Link.SourceID, Path: p.SourcePath, Line: p.Link.Line}
		switch {
		case p.SelfLink:
			f.Kind = apperr.FindingSelfLink
			f.Message = fmt.Sprintf("%s reference points at the document itself", p.Link.Kind)
			f.Remedy = "remove the reference"
		case p.Missing:
			f.Kind = apperr.FindingMissingTarget
			f.Message = fmt.Sprintf("%s reference to unknown document %s", p.Link.Kind, p.Link.TargetID)
			f.Remedy = "fix the id or restore the document"
		default:
			f.Kind = apperr.FindingStalePath
			f.Message = fmt.Sprintf("reference to %s uses path %s but the document is at %s",
				p.Link.TargetID, p.Link.TargetPath, p.TargetPath)
			f.Remedy = "update the link to " + p.TargetPath
		}
		out = append(out, f)
	}
	return out, nil
}
