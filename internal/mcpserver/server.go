// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes trellis queries for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/trellis/internal/docservice"
	"github.com/starford/trellis/internal/index"
	"github.com/starford/trellis/internal/models"
	"github.com/starford/trellis/internal/reconcile"
)

const formatURI = "trellis://document-format"

// Service is what the tools call into. *docservice.Service implements it.
type Service interface {
	Reconcile(ctx context.Context, force bool) (*reconcile.Result, error)
	Document(ctx context.Context, id string) (*docservice.DocumentDetail, error)
	DocumentByPath(ctx context.Context, path string) (*docservice.DocumentDetail, error)
	Find(ctx context.Context, f index.Filter) ([]models.Document, error)
	Search(ctx context.Context, query string, limit int) ([]index.SearchResult, error)
	LinksTo(ctx context.Context, id string) ([]models.Link, error)
	Path(ctx context.Context, from, to string) ([]string, error)
	Check(ctx context.Context) (*docservice.CheckReport, error)
	Context(ctx context.Context, id string, budget, refBudget int) (*docservice.ContextResult, error)
	NewIDs(ctx context.Context, n int) ([]string, error)
	PreviewIDs(ctx context.Context, n int) ([]string, error)
}

// Server wraps the MCP server with trellis tools.
type Server struct {
	mcp       *server.MCPServer
	svc       Service
	budget    int
	refBudget int
}

// New creates a new MCP server with all tools registered. budget and
// refBudget are the context defaults when a call names none.
func New(svc Service, version string, budget, refBudget int) *Server {
	s := &Server{svc: svc, budget: budget, refBudget: refBudget}

	s.mcp = server.NewMCPServer(
		"trellis",
		version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("search_documents",
		mcp.WithDescription("Full-text search through document names and bodies."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search query string")),
		mcp.WithNumber("limit", mcp.Description("Maximum results (default 20)")),
	), s.searchDocuments)

	s.mcp.AddTool(mcp.NewTool("get_document",
		mcp.WithDescription("Read a document's metadata and links by id or by repository path."),
		mcp.WithString("id", mcp.Description("Document id")),
		mcp.WithString("path", mcp.Description("Repository-relative path (e.g. tasks/parser.md)")),
	), s.getDocument)

	s.mcp.AddTool(mcp.NewTool("find_documents",
		mcp.WithDescription("List documents by status, kind, label or path prefix. Closed documents are excluded unless asked for."),
		mcp.WithString("status", mcp.Description("Status to match")),
		mcp.WithString("kind", mcp.Description("Kind to match")),
		mcp.WithString("label", mcp.Description("Label every result must carry")),
		mcp.WithString("prefix", mcp.Description("Path prefix")),
		mcp.WithBoolean("include_closed", mcp.Description("Include closed documents")),
		mcp.WithNumber("limit", mcp.Description("Maximum results")),
	), s.findDocuments)

	s.mcp.AddTool(mcp.NewTool("get_backlinks",
		mcp.WithDescription("Find all documents that link to the specified document."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Id of the document to find backlinks for")),
	), s.getBacklinks)

	s.mcp.AddTool(mcp.NewTool("shortest_path",
		mcp.WithDescription("Shortest chain of links from one document to another."),
		mcp.WithString("from", mcp.Required(), mcp.Description("Start id")),
		mcp.WithString("to", mcp.Required(), mcp.Description("End id")),
	), s.shortestPath)

	s.mcp.AddTool(mcp.NewTool("assemble_context",
		mcp.WithDescription("Render a document together with the related documents that fit a character budget. "+
			"Documents that do not fit are listed as references at the end."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Target document id")),
		mcp.WithNumber("budget", mcp.Description("Character budget for related documents")),
		mcp.WithNumber("ref_budget", mcp.Description("Character budget for the reference listing (0 lists all)")),
	), s.assembleContext)

	s.mcp.AddTool(mcp.NewTool("allocate_ids",
		mcp.WithDescription("Reserve fresh document ids. Use these for new documents; never invent ids."),
		mcp.WithNumber("count", mcp.Description("How many ids (default 1)")),
	), s.allocateIDs)

	s.mcp.AddTool(mcp.NewTool("preview_ids",
		mcp.WithDescription("Show the ids allocate_ids would return without reserving them."),
		mcp.WithNumber("count", mcp.Description("How many ids (default 1)")),
	), s.previewIDs)

	s.mcp.AddTool(mcp.NewTool("check",
		mcp.WithDescription("Report unreadable documents, duplicate ids, broken or stale links and orphans."),
	), s.check)

	s.mcp.AddTool(mcp.NewTool("reconcile",
		mcp.WithDescription("Bring the cache up to date with the working tree."),
		mcp.WithBoolean("force", mcp.Description("Rebuild from scratch")),
	), s.reconcile)

	s.mcp.AddTool(mcp.NewTool("get_document_format",
		mcp.WithDescription("Returns the document format contract. "+
			"Call this before creating or editing documents."),
	), s.getDocumentFormat)

	s.mcp.AddResource(
		mcp.NewResource(formatURI, "Document Format",
			mcp.WithResourceDescription("Markdown and frontmatter format of tracked documents."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readFormatResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) searchDocuments(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	results, err := s.svc.Search(ctx, query, req.GetInt("limit", 20))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(results)
}

func (s *Server) getDocument(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var (
		d   *docservice.DocumentDetail
		err error
	)
	switch id, path := req.GetString("id", ""), req.GetString("path", ""); {
	case id != "":
		d, err = s.svc.Document(ctx, id)
	case path != "":
		d, err = s.svc.DocumentByPath(ctx, path)
	default:
		return mcp.NewToolResultError("id or path is required"), nil
	}
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(d)
}

func (s *Server) findDocuments(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	f := index.Filter{
		Status:        req.GetString("status", ""),
		Kind:          req.GetString("kind", ""),
		PathPrefix:    req.GetString("prefix", ""),
		IncludeClosed: req.GetBool("include_closed", false),
		Limit:         req.GetInt("limit", 0),
	}
	if l := req.GetString("label", ""); l != "" {
		f.LabelsAll = []string{l}
	}
	docs, err := s.svc.Find(ctx, f)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	lines := make([]string, len(docs))
	for i, d := range docs {
		lines[i] = d.ID + "\t" + d.Path + "\t" + d.Name
	}
	if len(lines) == 0 {
		return mcp.NewToolResultText("no documents found"), nil
	}
	return mcp.NewToolResultText(strings.Join(lines, "\n")), nil
}

func (s *Server) getBacklinks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	links, err := s.svc.LinksTo(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(links) == 0 {
		return mcp.NewToolResultText("no backlinks found"), nil
	}
	sources := make([]string, len(links))
	for i, l := range links {
		sources[i] = l.SourceID
	}
	return mcp.NewToolResultText(strings.Join(sources, "\n")), nil
}

func (s *Server) shortestPath(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	from, err := req.RequireString("from")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	to, err := req.RequireString("to")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	p, err := s.svc.Path(ctx, from, to)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(strings.Join(p, " -> ")), nil
}

func (s *Server) assembleContext(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	res, err := s.svc.Context(ctx, id, req.GetInt("budget", s.budget), req.GetInt("ref_budget", s.refBudget))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(res.Rendered), nil
}

func (s *Server) allocateIDs(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ids, err := s.svc.NewIDs(ctx, req.GetInt("count", 1))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(strings.Join(ids, "\n")), nil
}

func (s *Server) previewIDs(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ids, err := s.svc.PreviewIDs(ctx, req.GetInt("count", 1))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(strings.Join(ids, "\n")), nil
}

func (s *Server) check(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rep, err := s.svc.Check(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(rep.Findings) == 0 && len(rep.Drift) == 0 {
		return mcp.NewToolResultText("no problems found"), nil
	}
	return jsonResult(rep)
}

func (s *Server) reconcile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res, err := s.svc.Reconcile(ctx, req.GetBool("force", false))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(res)
}

func (s *Server) getDocumentFormat(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(DocumentFormat), nil
}

func (s *Server) readFormatResource(context.Context, mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      formatURI,
			MIMEType: "text/markdown",
			Text:     DocumentFormat,
		},
	}, nil
}
