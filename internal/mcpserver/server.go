// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes the ledger to LLM tools via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/tagledger/internal/apperr"
	"github.com/starford/tagledger/internal/models"
	"github.com/starford/tagledger/internal/noteservice"
)

const tagSyntaxURI = "tagledger://tag-syntax"

// Server wraps the MCP server with the ledger tools.
type Server struct {
	mcp *server.MCPServer
	svc *noteservice.Service
}

// New creates a new MCP server with all ledger tools registered.
func New(svc *noteservice.Service, version string) *Server {
	s := &Server{svc: svc}

	s.mcp = server.NewMCPServer(
		"tagledger",
		version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("list_notes",
		mcp.WithDescription("List tracked notes. Deleted and archived notes are hidden unless requested."),
		mcp.WithString("status", mcp.Description("Comma separated statuses: open, done, stale")),
		mcp.WithString("priority", mcp.Description("Comma separated priorities 1-3, or none for notes without one")),
		mcp.WithString("comment", mcp.Description("Filter on comment presence"), mcp.Enum("any", "none")),
		mcp.WithBoolean("include_deleted", mcp.Description("Include soft-deleted notes")),
		mcp.WithBoolean("include_archived", mcp.Description("Include archived notes")),
	), s.listNotes)

	s.mcp.AddTool(mcp.NewTool("get_note",
		mcp.WithDescription("Get a note with its evidence and event history."),
		mcp.WithString("slug", mcp.Required(), mcp.Description("Note slug, e.g. team/cache-ttl")),
		mcp.WithBoolean("history", mcp.Description("Include superseded evidence")),
	), s.getNote)

	s.mcp.AddTool(mcp.NewTool("scan_ledger",
		mcp.WithDescription("Scan the source tree for tags. Read the "+tagSyntaxURI+
			" resource for the tag format and the difference between diff and full scans."),
		mcp.WithBoolean("full", mcp.Description("Run a full scan instead of a diff scan")),
		mcp.WithString("root", mcp.Description("Directory to scan, when the server allows requested roots")),
	), s.scanLedger)

	s.mcp.AddTool(mcp.NewTool("ledger_summary",
		mcp.WithDescription("Count notes by status and report the last scan time."),
		mcp.WithBoolean("include_deleted", mcp.Description("Count soft-deleted notes")),
		mcp.WithBoolean("include_archived", mcp.Description("Count archived notes")),
	), s.ledgerSummary)

	s.mcp.AddResource(
		mcp.NewResource(tagSyntaxURI, "Tag Syntax",
			mcp.WithResourceDescription("Annotation format recognised by the scanner."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readTagSyntax,
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

func (s *Server) listNotes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	f, err := filterFromArgs(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	notes, err := s.svc.ListNotes(ctx, f)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(notes)
}

func (s *Server) getNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	slug, err := req.RequireString("slug")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	d, err := s.svc.GetNote(ctx, slug, req.GetBool("history", false))
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(d)
}

func (s *Server) scanLedger(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	out, err := s.svc.Scan(ctx, noteservice.ScanRequest{
		Root: req.GetString("root", ""),
		Full: req.GetBool("full", false),
	})
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(out)
}

func (s *Server) ledgerSummary(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sum, err := s.svc.Summary(ctx, req.GetBool("include_deleted", false), req.GetBool("include_archived", false))
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(sum)
}

func (s *Server) readTagSyntax(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      tagSyntaxURI,
			MIMEType: "text/markdown",
			Text:     TagSyntax,
		},
	}, nil
}

// filterFromArgs builds a note filter. Value checks are left to the service.
func filterFromArgs(req mcp.CallToolRequest) (models.NoteFilter, error) {
	f := models.NoteFilter{
		Comment:         strings.ToLower(strings.TrimSpace(req.GetString("comment", ""))),
		IncludeDeleted:  req.GetBool("include_deleted", false),
		IncludeArchived: req.GetBool("include_archived", false),
	}
	for _, p := range splitList(req.GetString("status", "")) {
		f.Statuses = append(f.Statuses, models.Status(strings.ToLower(p)))
	}
	for _, p := range splitList(req.GetString("priority", "")) {
		if strings.EqualFold(p, "none") {
			f.PriorityNone = true
			continue
		}
		v, err := strconv.Atoi(p)
		if err != nil {
			return f, fmt.Errorf("invalid priority %q", p)
		}
		f.Priorities = append(f.Priorities, v)
	}
	return f, nil
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func toolError(err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return mcp.NewToolResultError("not found")
	case errors.Is(err, apperr.ErrInvalid):
		return mcp.NewToolResultError(err.Error())
	}
	return mcp.NewToolResultError("internal error: " + err.Error())
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(out)), nil
}
