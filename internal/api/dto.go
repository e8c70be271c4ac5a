package api

import (
	"github.com/starford/trellis/internal/docservice"
	"github.com/starford/trellis/internal/index"
	"github.com/starford/trellis/internal/models"
)

// ContextDefaults are the budgets used when a context request names none.
type ContextDefaults struct {
	Budget    int
	RefBudget int
}

// DocumentDetail is a document with its edges (aliased from the domain layer).
type DocumentDetail = docservice.DocumentDetail

// DocumentListResponse wraps a filtered document listing.
type DocumentListResponse struct {
	Documents []models.Document `json:"documents" validate:"required"`
	Count     int               `json:"count" example:"42" validate:"required"`
}

// SearchResponse wraps search results.
type SearchResponse struct {
	Results []index.SearchResult `json:"results" validate:"required"`
}

// LinksResponse wraps the edges of one document.
type LinksResponse struct {
	ID    string        `json:"id" example:"TBSWQN" validate:"required"`
	Links []models.Link `json:"links" validate:"required"`
}

// PathResponse is a chain of ids joined by links.
type PathResponse struct {
	Path []string `json:"path" validate:"required"`
	Hops int      `json:"hops" example:"2"`
}

// LabelsResponse maps each label to its document count.
type LabelsResponse struct {
	Labels map[string]int `json:"labels" validate:"required"`
}

// NewIDsRequest is the request body for allocating identifiers.
type NewIDsRequest struct {
	Count int `json:"count" example:"1"`
}

// IDsResponse lists allocated or previewed identifiers.
type IDsResponse struct {
	IDs []string `json:"ids" validate:"required"`
}

// ReconcileRequest is the request body for a reconciliation pass.
type ReconcileRequest struct {
	Force bool `json:"force"`
}
