package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/starford/trellis/internal/apperr"
	"github.com/starford/trellis/internal/checksum"
	"github.com/starford/trellis/internal/idalloc"
	"github.com/starford/trellis/internal/linkgraph"
	"github.com/starford/trellis/internal/models"
	"github.com/starford/trellis/internal/parser"
)

// entry is one path read from the tree and classified.
type entry struct {
	path    string
	gone    bool // absent from the working tree and from HEAD
	skip    bool // unreadable; left alone without a finding
	notDoc  bool // plain markdown without frontmatter
	finding *apperr.Finding
	doc     *models.Document
	body    string
	links   []models.Link
}

// loadAll reads and parses paths concurrently. Results keep the order of
// paths. deleted lists paths the working tree reports as removed.
func (e *Engine) loadAll(ctx context.Context, head string, paths []string, deleted map[string]bool) ([]*entry, error) {
	out := make([]*entry, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.loadConcurrency)
	for i, p := range paths {
		if deleted[p] {
			out[i] = &entry{path: p, gone: true}
			continue
		}
		g.Go(func() error {
			ent, err := e.load(gctx, head, p)
			if err != nil {
				return err
			}
			out[i] = ent
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// load reads one path. A file missing from the working tree but present at
// head belongs to a filtered checkout and is indexed from history as not
// materialized.
func (e *Engine) load(ctx context.Context, head, p string) (*entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	materialized := true
	raw, err := e.store.Read(p)
	if errors.Is(err, apperr.ErrNotFound) {
		materialized = false
		if head == "" {
			return &entry{path: p, gone: true}, nil
		}
		raw, err = e.repo.ReadFileAt(ctx, head, p)
		if errors.Is(err, apperr.ErrNotFound) {
			return &entry{path: p, gone: true}, nil
		}
		if err != nil {
			e.logger.Debug("reconcile: unreadable at HEAD, skipping",
				slog.String("path", p), slog.String("error", err.Error()))
			return &entry{path: p, skip: true}, nil
		}
	} else if err != nil {
		return &entry{path: p, finding: &apperr.Finding{
			Kind: apperr.FindingRead, Path: p, Message: err.Error(),
			Remedy: "check file permissions",
		}}, nil
	}
	return e.parse(p, raw, materialized), nil
}

func (e *Engine) parse(p string, raw []byte, materialized bool) *entry {
	ent := &entry{path: p}
	if parser.HasConflictMarkers(raw) {
		ent.finding = &apperr.Finding{
			Kind: apperr.FindingConflictMarkers, Path: p,
			Message: "file contains merge conflict markers",
			Remedy:  "resolve the conflict and commit",
		}
		return ent
	}
	pd, err := parser.Parse(raw)
	if errors.Is(err, parser.ErrNoFrontmatter) {
		ent.notDoc = true
		return ent
	}
	if err != nil {
		ent.finding = &apperr.Finding{Kind: apperr.FindingParse, Path: p, Line: 1,
			Message: err.Error(), Remedy: "fix the frontmatter"}
		return ent
	}
	fm := &pd.Frontmatter
	if !idalloc.Valid(fm.ID, e.prefix) {
		ent.finding = &apperr.Finding{Kind: apperr.FindingParse, Path: p, Line: 1,
			Message: fmt.Sprintf("id %q is not a valid %s-prefixed identifier", fm.ID, e.prefix),
			Remedy:  "restore the original id"}
		return ent
	}

	ent.body = pd.Body
	ent.doc = &models.Document{
		ID:              fm.ID,
		ParentID:        fm.ParentID,
		Path:            p,
		Name:            parser.Title(pd),
		Description:     fm.Description,
		Kind:            fm.Kind,
		Status:          fm.Status,
		Priority:        fm.PriorityOrDefault(),
		ContextPriority: fm.ContextPriority,
		ContextPosition: fm.ContextPosition,
		BodyHash:        checksum.String(pd.Body),
		FileHash:        checksum.Sum(raw),
		BodyLength:      utf8.RuneCountInString(pd.Body),
		Materialized:    materialized,
		Labels:          fm.Labels,
		ContextFor:      fm.ContextFor,
		CreatedAt:       fm.CreatedAt,
		UpdatedAt:       fm.UpdatedAt,
		ClosedAt:        fm.ClosedAt,
		IndexedAt:       e.now().UTC().Truncate(time.Second),
	}
	ent.links = e.extractor.Extract(p, fm, pd.Body, linkgraph.BodyStartLine(raw, pd.Body))
	return ent
}

// diskHash is what Engine.diskHash reports for the entry's path: the file
// hash, or "" for a document read from history.
func (ent *entry) diskHash() string {
	if ent.doc == nil || !ent.doc.Materialized {
		return ""
	}
	return ent.doc.FileHash
}

// diskHash is the hash of the working-tree file at p, or "" when absent.
func (e *Engine) diskHash(p string) (string, error) {
	raw, err := e.store.Read(p)
	if errors.Is(err, apperr.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return checksum.Sum(raw), nil
}
