package api

import (
	"context"

	"github.com/starford/trellis/internal/docservice"
	"github.com/starford/trellis/internal/index"
	"github.com/starford/trellis/internal/models"
	"github.com/starford/trellis/internal/reconcile"
)

// Service is the query surface the handlers need. *docservice.Service
// implements it.
type Service interface {
	Reconcile(ctx context.Context, force bool) (*reconcile.Result, error)
	Document(ctx context.Context, id string) (*docservice.DocumentDetail, error)
	DocumentByPath(ctx context.Context, path string) (*docservice.DocumentDetail, error)
	Find(ctx context.Context, f index.Filter) ([]models.Document, error)
	Search(ctx context.Context, query string, limit int) ([]index.SearchResult, error)
	LinksFrom(ctx context.Context, id string) ([]models.Link, error)
	LinksTo(ctx context.Context, id string) ([]models.Link, error)
	Path(ctx context.Context, from, to string) ([]string, error)
	Labels(ctx context.Context) (map[string]int, error)
	Check(ctx context.Context) (*docservice.CheckReport, error)
	Context(ctx context.Context, id string, budget, refBudget int) (*docservice.ContextResult, error)
	NewIDs(ctx context.Context, n int) ([]string, error)
	PreviewIDs(ctx context.Context, n int) ([]string, error)
}

var _ Service = (*docservice.Service)(nil)
