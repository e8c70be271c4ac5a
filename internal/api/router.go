package api

import (
	"github.com/go-chi/chi/v5"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
func NewRouter(svc Service, authEnabled bool, token string, defaults ContextDefaults) chi.Router {
	h := NewHandler(svc, defaults)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	r.Get("/documents", h.FindDocuments)
	r.Get("/documents/by-path/*", h.GetDocumentByPath)
	r.Get("/documents/{id}", h.GetDocument)
	r.Get("/documents/{id}/links", h.LinksFrom)
	r.Get("/documents/{id}/backlinks", h.LinksTo)
	r.Get("/documents/{id}/context", h.Context)

	r.Get("/search", h.Search)
	r.Get("/path", h.Path)
	r.Get("/labels", h.Labels)
	r.Get("/check", h.Check)

	r.Post("/reconcile", h.Reconcile)
	r.Post("/ids", h.NewIDs)
	r.Get("/ids/preview", h.PreviewIDs)

	return r
}
