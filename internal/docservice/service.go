// Package docservice is the query surface the transports share. Every
// query first brings the cache up to date with the working tree, so callers
// never see results older than the files they just edited.
package docservice

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/starford/trellis/internal/apperr"
	"github.com/starford/trellis/internal/contextasm"
	"github.com/starford/trellis/internal/idalloc"
	"github.com/starford/trellis/internal/index"
	"github.com/starford/trellis/internal/linkgraph"
	"github.com/starford/trellis/internal/models"
	"github.com/starford/trellis/internal/reconcile"
)

// DocumentDetail is a document together with its edges.
type DocumentDetail struct {
	models.Document
	LinksFrom []models.Link `json:"links_from"`
	LinksTo   []models.Link `json:"links_to"`
}

// ContextResult is an assembled context and its rendering.
type ContextResult struct {
	*contextasm.Result
	Rendered string `json:"rendered"`
}

// CheckReport collects everything a consistency check found.
type CheckReport struct {
	Findings apperr.Findings `json:"findings"`
	Drift    []index.Drift   `json:"drift"`
	Orphans  []string        `json:"orphans"`
}

// Service coordinates reconciliation and the read-side components.
type Service struct {
	db     *index.DB
	engine *reconcile.Engine
	graph  *linkgraph.Graph
	alloc  *idalloc.Allocator
	asm    *contextasm.Assembler

	autoReconcile bool
	logger        *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithAutoReconcile controls whether queries reconcile first.
func WithAutoReconcile(on bool) Option {
	return func(s *Service) { s.autoReconcile = on }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a new document service.
func NewService(db *index.DB, engine *reconcile.Engine, alloc *idalloc.Allocator, asm *contextasm.Assembler, opts ...Option) *Service {
	s := &Service{
		db:            db,
		engine:        engine,
		graph:         linkgraph.New(db),
		alloc:         alloc,
		asm:           asm,
		autoReconcile: true,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Reconcile runs one reconciliation pass.
func (s *Service) Reconcile(ctx context.Context, force bool) (*reconcile.Result, error) {
	return s.engine.Reconcile(ctx, reconcile.Options{Force: force})
}

func (s *Service) refresh(ctx context.Context) error {
	if !s.autoReconcile {
		return nil
	}
	res, err := s.engine.Reconcile(ctx, reconcile.Options{})
	if err != nil {
		return err
	}
	for _, f := range res.Findings {
		s.logger.Warn("document skipped", slog.String("path", f.Path), slog.String("error", f.Error()))
	}
	return nil
}

// Document returns one document by id with its edges.
func (s *Service) Document(ctx context.Context, id string) (*DocumentDetail, error) {
	if err := s.refresh(ctx); err != nil {
		return nil, err
	}
	d, err := s.db.Document(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.detail(ctx, d)
}

// DocumentByPath returns the document stored at a repository path.
func (s *Service) DocumentByPath(ctx context.Context, path string) (*DocumentDetail, error) {
	if err := s.refresh(ctx); err != nil {
		return nil, err
	}
	d, err := s.db.DocumentByPath(ctx, path)
	if err != nil {
		return nil, err
	}
	return s.detail(ctx, d)
}

func (s *Service) detail(ctx context.Context, d *models.Document) (*DocumentDetail, error) {
	from, err := s.graph.From(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	to, err := s.graph.To(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	return &DocumentDetail{Document: *d, LinksFrom: nonNilSlice(from), LinksTo: nonNilSlice(to)}, nil
}

// Find returns documents matching f.
func (s *Service) Find(ctx context.Context, f index.Filter) ([]models.Document, error) {
	if err := s.refresh(ctx); err != nil {
		return nil, err
	}
	docs, err := s.db.Find(ctx, f)
	return nonNilSlice(docs), err
}

// Search runs a full-text query over names and bodies.
func (s *Service) Search(ctx context.Context, query string, limit int) ([]index.SearchResult, error) {
	if query == "" {
		return nil, fmt.Errorf("docservice: search: empty query: %w", apperr.ErrInvalid)
	}
	if err := s.refresh(ctx); err != nil {
		return nil, err
	}
	res, err := s.db.Search(ctx, query, limit)
	return nonNilSlice(res), err
}

// LinksFrom returns the edges leaving id.
func (s *Service) LinksFrom(ctx context.Context, id string) ([]models.Link, error) {
	if err := s.refresh(ctx); err != nil {
		return nil, err
	}
	links, err := s.graph.From(ctx, id)
	return nonNilSlice(links), err
}

// LinksTo returns the edges arriving at id.
func (s *Service) LinksTo(ctx context.Context, id string) ([]models.Link, error) {
	if err := s.refresh(ctx); err != nil {
		return nil, err
	}
	links, err := s.graph.To(ctx, id)
	return nonNilSlice(links), err
}

// Path returns a shortest chain of links from one document to another.
func (s *Service) Path(ctx context.Context, from, to string) ([]string, error) {
	if err := s.refresh(ctx); err != nil {
		return nil, err
	}
	return s.graph.ShortestPath(ctx, from, to)
}

// Labels returns every label in use with its document count.
func (s *Service) Labels(ctx context.Context) (map[string]int, error) {
	if err := s.refresh(ctx); err != nil {
		return nil, err
	}
	return s.db.AllLabels(ctx)
}

// Check reports link problems, denormalization drift and orphans. The
// findings of the reconcile pass it runs are included.
func (s *Service) Check(ctx context.Context) (*CheckReport, error) {
	res, err := s.engine.Reconcile(ctx, reconcile.Options{})
	if err != nil {
		return nil, err
	}
	findings, err := s.graph.Check(ctx)
	if err != nil {
		return nil, err
	}
	drift, err := s.db.Verify(ctx)
	if err != nil {
		return nil, err
	}
	orphans, err := s.graph.Orphans(ctx)
	if err != nil {
		return nil, err
	}
	all := append(apperr.Findings{}, res.Findings...)
	all = append(all, findings...)
	sort.SliceStable(all, func(i, j int) bool { return all[i].Path < all[j].Path })
	return &CheckReport{
		Findings: nonNilSlice(all),
		Drift:    nonNilSlice(drift),
		Orphans:  nonNilSlice(orphans),
	}, nil
}

// Context assembles and renders the context of id.
func (s *Service) Context(ctx context.Context, id string, budget, refBudget int) (*ContextResult, error) {
	if err := s.refresh(ctx); err != nil {
		return nil, err
	}
	memo := contextasm.NewMemo()
	res, err := s.asm.AssembleWith(ctx, memo, id, budget, refBudget)
	if apperr.NeedsRebuild(err) && s.autoReconcile {
		// A file changed between the refresh and the load; one more pass
		// picks it up. Bodies already read are reused.
		if err := s.refresh(ctx); err != nil {
			return nil, err
		}
		res, err = s.asm.AssembleWith(ctx, memo, id, budget, refBudget)
	}
	if err != nil {
		return nil, err
	}
	return &ContextResult{Result: res, Rendered: contextasm.Render(res)}, nil
}

// NewIDs allocates n identifiers for the local contributor.
func (s *Service) NewIDs(ctx context.Context, n int) ([]string, error) {
	if n < 1 || n > idalloc.MaxPreview {
		return nil, fmt.Errorf("docservice: allocate %d ids: %w", n, apperr.ErrInvalid)
	}
	if err := s.refresh(ctx); err != nil {
		return nil, err
	}
	token, err := s.alloc.Token(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, n)
	for range n {
		id, err := s.alloc.Allocate(ctx, token)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// PreviewIDs returns the next n identifiers without reserving them.
func (s *Service) PreviewIDs(ctx context.Context, n int) ([]string, error) {
	if n < 1 || n > idalloc.MaxPreview {
		return nil, fmt.Errorf("docservice: preview %d ids: %w", n, apperr.ErrInvalid)
	}
	if err := s.refresh(ctx); err != nil {
		return nil, err
	}
	token, err := s.alloc.Token(ctx)
	if err != nil {
		return nil, err
	}
	return s.alloc.Preview(ctx, token, n)
}

func nonNilSlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
