// Package mcpserver provides an MCP (Model Context Protocol) server that
// exposes sync controls and read-only vault access over stdio.
package mcpserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/notesync/internal/api"
	"github.com/starford/notesync/internal/storage"
)

const noteLayoutURI = "notesync://note-layout"

// Control is the sync control surface the tools call into.
type Control interface {
	Status(ctx context.Context) (api.StatusResponse, error)
	Sync(ctx context.Context) (api.SyncResponse, error)
	SyncConfig(ctx context.Context) (api.ConfigSyncResponse, error)
}

// Server wraps the MCP server with the sync tools.
type Server struct {
	mcp     *server.MCPServer
	control Control
	store   storage.Provider
}

// New creates a new MCP server with all tools registered.
func New(control Control, store storage.Provider, version string) *Server {
	s := &Server{control: control, store: store}

	s.mcp = server.NewMCPServer(
		"notesync",
		version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("sync_now",
		mcp.WithDescription("Fetch new notes from the server into the vault now. "+
			"Returns \"skipped\" when a sync is already running or one ran in the last few seconds."),
	), s.syncNow)

	s.mcp.AddTool(mcp.NewTool("sync_status",
		mcp.WithDescription("Current sync state: last cycle, failures, next scheduled sync, config status."),
	), s.syncStatus)

	s.mcp.AddTool(mcp.NewTool("sync_config",
		mcp.WithDescription("Push local edits of the category list and tag registry, then refresh tags."),
	), s.syncConfig)

	s.mcp.AddTool(mcp.NewTool("read_note",
		mcp.WithDescription("Read the full content of a synced Markdown note."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Relative path to the note (e.g. Work/Meetings/Standup.md)")),
	), s.readNote)

	s.mcp.AddTool(mcp.NewTool("list_notes",
		mcp.WithDescription("List all notes or notes in a specific folder."),
		mcp.WithString("folder", mcp.Description("Optional folder to list (empty for all)")),
	), s.listNotes)

	s.mcp.AddTool(mcp.NewTool("get_note_layout",
		mcp.WithDescription("Describes where synced notes are written and how they are structured."),
	), s.getNoteLayout)

	s.mcp.AddResource(
		mcp.NewResource(noteLayoutURI, "Synced Note Layout",
			mcp.WithResourceDescription("Folder layout and Markdown structure of synced notes."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readNoteLayoutResource,
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

func (s *Server) syncNow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resp, err := s.control.Sync(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("sync failed: %v", err)), nil
	}
	return jsonResult(resp)
}

func (s *Server) syncStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resp, err := s.control.Status(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(resp)
}

func (s *Server) syncConfig(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resp, err := s.control.SyncConfig(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("config sync failed (%s): %v", resp.Status, err)), nil
	}
	return jsonResult(resp)
}

func (s *Server) readNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	data, err := s.store.Read(path)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("not found: %s", path)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) listNotes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	folder := ""
	if f, err := req.RequireString("folder"); err == nil {
		folder = f
	}

	metas, err := s.store.List(folder)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var paths []string
	for _, m := range metas {
		paths = append(paths, m.Path)
	}
	if len(paths) == 0 {
		return mcp.NewToolResultText("no notes found"), nil
	}
	return mcp.NewToolResultText(strings.Join(paths, "\n")), nil
}

func (s *Server) getNoteLayout(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(NoteLayout), nil
}

func (s *Server) readNoteLayoutResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      noteLayoutURI,
			MIMEType: "text/markdown",
			Text:     NoteLayout,
		},
	}, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}
