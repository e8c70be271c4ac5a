package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/starford/trellis/internal/apperr"
	"github.com/starford/trellis/internal/index"
)

// Handler holds API route handlers.
type Handler struct {
	svc      Service
	defaults ContextDefaults
}

// NewHandler creates a new Handler.
func NewHandler(svc Service, defaults ContextDefaults) *Handler {
	return &Handler{svc: svc, defaults: defaults}
}

// writeError maps err onto a status code. Internal failures are logged and
// answered without detail.
func writeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody(err.Error()))
	case errors.Is(err, apperr.ErrInvalid):
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
	case apperr.IsRetryable(err):
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, errResponse{Error: err.Error(), Retryable: true})
	default:
		slog.Error(op+" failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
	}
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody(msg))
}

// FindDocuments handles GET /api/documents.
//
//	@Summary		List documents matching a filter
//	@Tags			documents
//	@Produce		json
//	@Param			status			query		string	false	"Status"
//	@Param			kind			query		string	false	"Kind"
//	@Param			label			query		string	false	"Required label (repeatable)"
//	@Param			any_label		query		string	false	"Alternative label (repeatable)"
//	@Param			prefix			query		string	false	"Path prefix"
//	@Param			name			query		string	false	"Name substring"
//	@Param			include_closed	query		bool	false	"Include closed documents"
//	@Param			sort			query		string	false	"Sort column"
//	@Param			limit			query		int		false	"Page size"
//	@Param			offset			query		int		false	"Page offset"
//	@Success		200				{object}	DocumentListResponse
//	@Failure		400				{object}	errResponse
//	@Security		BearerAuth
//	@Router			/documents [get]
func (h *Handler) FindDocuments(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r.URL.Query())
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	docs, err := h.svc.Find(r.Context(), f)
	if err != nil {
		writeError(w, "find documents", err)
		return
	}
	writeJSON(w, http.StatusOK, DocumentListResponse{Documents: docs, Count: len(docs)})
}

func parseFilter(q url.Values) (index.Filter, error) {
	f := index.Filter{
		Status:       q.Get("status"),
		Kind:         q.Get("kind"),
		LabelsAll:    q["label"],
		LabelsAny:    q["any_label"],
		PathPrefix:   q.Get("prefix"),
		NameContains: q.Get("name"),
		Sort:         q.Get("sort"),
	}
	var err error
	if f.IncludeClosed, err = boolParam(q, "include_closed"); err != nil {
		return f, err
	}
	if f.Descending, err = boolParam(q, "desc"); err != nil {
		return f, err
	}
	if v := q.Get("root"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, fmt.Errorf("root: %v", err)
		}
		f.Root = &b
	}
	if f.Limit, err = intParam(q, "limit", 0); err != nil {
		return f, err
	}
	if f.Offset, err = intParam(q, "offset", 0); err != nil {
		return f, err
	}
	for name, dst := range map[string]**int{"priority_min": &f.PriorityMin, "priority_max": &f.PriorityMax} {
		if v := q.Get(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return f, fmt.Errorf("%s: %v", name, err)
			}
			*dst = &n
		}
	}
	for name, dst := range map[string]**time.Time{
		"created_after": &f.CreatedAfter, "created_before": &f.CreatedBefore,
		"updated_after": &f.UpdatedAfter, "updated_before": &f.UpdatedBefore,
	} {
		if v := q.Get(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return f, fmt.Errorf("%s: %v", name, err)
			}
			*dst = &t
		}
	}
	return f, nil
}

func boolParam(q url.Values, name string) (bool, error) {
	v := q.Get(name)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %v", name, err)
	}
	return b, nil
}

func intParam(q url.Values, name string, def int) (int, error) {
	v := q.Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %v", name, err)
	}
	return n, nil
}

// GetDocument handles GET /api/documents/{id}.
//
//	@Summary		Get a document by id
//	@Tags			documents
//	@Produce		json
//	@Param			id	path		string	true	"Document id"
//	@Success		200	{object}	DocumentDetail
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/documents/{id} [get]
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.Document(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "get document", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// GetDocumentByPath handles GET /api/documents/by-path/*.
// Supports encoded slashes from OpenAPI clients (e.g. tasks%2Fa.md).
//
//	@Summary		Get a document by repository path
//	@Tags			documents
//	@Produce		json
//	@Param			path	path		string	true	"Document path"
//	@Success		200		{object}	DocumentDetail
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/documents/by-path/{path} [get]
func (h *Handler) GetDocumentByPath(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	p, err := url.PathUnescape(raw)
	if err != nil {
		p = raw
	}
	if p == "" {
		badRequest(w, "path is required")
		return
	}
	d, err := h.svc.DocumentByPath(r.Context(), p)
	if err != nil {
		writeError(w, "get document by path", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// LinksFrom handles GET /api/documents/{id}/links.
//
//	@Summary		Outgoing links of a document
//	@Tags			links
//	@Produce		json
//	@Param			id	path		string	true	"Document id"
//	@Success		200	{object}	LinksResponse
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/documents/{id}/links [get]
func (h *Handler) LinksFrom(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	links, err := h.svc.LinksFrom(r.Context(), id)
	if err != nil {
		writeError(w, "links from", err)
		return
	}
	writeJSON(w, http.StatusOK, LinksResponse{ID: id, Links: links})
}

// LinksTo handles GET /api/documents/{id}/backlinks.
//
//	@Summary		Incoming links of a document
//	@Tags			links
//	@Produce		json
//	@Param			id	path		string	true	"Document id"
//	@Success		200	{object}	LinksResponse
//	@Security		BearerAuth
//	@Router			/documents/{id}/backlinks [get]
func (h *Handler) LinksTo(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	links, err := h.svc.LinksTo(r.Context(), id)
	if err != nil {
		writeError(w, "links to", err)
		return
	}
	writeJSON(w, http.StatusOK, LinksResponse{ID: id, Links: links})
}

// Context handles GET /api/documents/{id}/context.
//
//	@Summary		Assemble budgeted context around a document
//	@Tags			context
//	@Produce		json
//	@Param			id			path		string	true	"Document id"
//	@Param			budget		query		int		false	"Character budget"
//	@Param			ref_budget	query		int		false	"Character budget for the overflow listing"
//	@Success		200			{object}	docservice.ContextResult
//	@Failure		404			{object}	errResponse
//	@Security		BearerAuth
//	@Router			/documents/{id}/context [get]
func (h *Handler) Context(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	budget, err := intParam(q, "budget", h.defaults.Budget)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	refBudget, err := intParam(q, "ref_budget", h.defaults.RefBudget)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	res, err := h.svc.Context(r.Context(), chi.URLParam(r, "id"), budget, refBudget)
	if err != nil {
		writeError(w, "context", err)
		return
	}
	if wantsMarkdown(r) {
		writeMarkdown(w, res.Rendered)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Search handles GET /api/search.
//
//	@Summary		Full-text search across documents
//	@Tags			search
//	@Produce		json
//	@Param			q		query		string	true	"Search query"
//	@Param			limit	query		int		false	"Max results"
//	@Success		200		{object}	SearchResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/search [get]
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		badRequest(w, "query parameter 'q' is required")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	results, err := h.svc.Search(r.Context(), q, limit)
	if err != nil {
		writeError(w, "search", err)
		return
	}
	writeJSON(w, http.StatusOK, SearchResponse{Results: results})
}

// Path handles GET /api/path.
//
//	@Summary		Shortest chain of links between two documents
//	@Tags			links
//	@Produce		json
//	@Param			from	query		string	true	"Start id"
//	@Param			to		query		string	true	"End id"
//	@Success		200		{object}	PathResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/path [get]
func (h *Handler) Path(w http.ResponseWriter, r *http.Request) {
	from, to := r.URL.Query().Get("from"), r.URL.Query().Get("to")
	if from == "" || to == "" {
		badRequest(w, "from and to are required")
		return
	}
	p, err := h.svc.Path(r.Context(), from, to)
	if err != nil {
		writeError(w, "path", err)
		return
	}
	writeJSON(w, http.StatusOK, PathResponse{Path: p, Hops: len(p) - 1})
}

// Labels handles GET /api/labels.
//
//	@Summary		Labels in use with document counts
//	@Tags			documents
//	@Produce		json
//	@Success		200	{object}	LabelsResponse
//	@Security		BearerAuth
//	@Router			/labels [get]
func (h *Handler) Labels(w http.ResponseWriter, r *http.Request) {
	labels, err := h.svc.Labels(r.Context())
	if err != nil {
		writeError(w, "labels", err)
		return
	}
	writeJSON(w, http.StatusOK, LabelsResponse{Labels: labels})
}

// Check handles GET /api/check.
//
//	@Summary		Report link problems, drift and orphans
//	@Tags			maintenance
//	@Produce		json
//	@Success		200	{object}	docservice.CheckReport
//	@Security		BearerAuth
//	@Router			/check [get]
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	rep, err := h.svc.Check(r.Context())
	if err != nil {
		writeError(w, "check", err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// Reconcile handles POST /api/reconcile.
//
//	@Summary		Bring the cache up to date
//	@Tags			maintenance
//	@Accept			json
//	@Produce		json
//	@Param			body	body		ReconcileRequest	false	"Options"
//	@Success		200		{object}	reconcile.Result
//	@Failure		503		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/reconcile [post]
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	var req ReconcileRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	res, err := h.svc.Reconcile(r.Context(), req.Force)
	if err != nil {
		writeError(w, "reconcile", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// NewIDs handles POST /api/ids.
//
//	@Summary		Allocate identifiers
//	@Tags			ids
//	@Accept			json
//	@Produce		json
//	@Param			body	body		NewIDsRequest	false	"How many"
//	@Success		201		{object}	IDsResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/ids [post]
func (h *Handler) NewIDs(w http.ResponseWriter, r *http.Request) {
	req := NewIDsRequest{Count: 1}
	if !decodeOptional(w, r, &req) {
		return
	}
	ids, err := h.svc.NewIDs(r.Context(), req.Count)
	if err != nil {
		writeError(w, "allocate ids", err)
		return
	}
	writeJSON(w, http.StatusCreated, IDsResponse{IDs: ids})
}

// PreviewIDs handles GET /api/ids/preview.
//
//	@Summary		Show the next identifiers without reserving them
//	@Tags			ids
//	@Produce		json
//	@Param			n	query		int	false	"How many"
//	@Success		200	{object}	IDsResponse
//	@Security		BearerAuth
//	@Router			/ids/preview [get]
func (h *Handler) PreviewIDs(w http.ResponseWriter, r *http.Request) {
	n, err := intParam(r.URL.Query(), "n", 1)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	ids, err := h.svc.PreviewIDs(r.Context(), n)
	if err != nil {
		writeError(w, "preview ids", err)
		return
	}
	writeJSON(w, http.StatusOK, IDsResponse{IDs: ids})
}
