package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"audioscribe/internal/domain"
)

const (
	serverName   = "audioscribe"
	defaultLimit = 20
	maxLimit     = 200
)

// Reader is the part of the session store exposed to MCP clients.
type Reader interface {
	ListSessions(ctx context.Context, status domain.SessionStatus) ([]domain.Session, error)
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	MostRecentSession(ctx context.Context) (*domain.Session, error)
	CombinedText(ctx context.Context, sessionID string) (string, error)
	SearchChunks(ctx context.Context, query string) ([]domain.Chunk, error)
	Statistics(ctx context.Context) (domain.SessionStatistics, error)
}

// Server exposes recorded sessions as MCP tools.
type Server struct {
	store  Reader
	mcp    *server.MCPServer
	logger *slog.Logger
}

func New(store Reader, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:  store,
		mcp:    server.NewMCPServer(serverName, version, server.WithToolCapabilities(false), server.WithRecovery()),
		logger: logger.With("component", "mcp"),
	}
	s.registerTools()
	return s
}

// MCP returns the underlying protocol server.
func (s *Server) MCP() *server.MCPServer {
	return s.mcp
}

// ServeStdio serves the tools on stdin/stdout until the client disconnects.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("list_sessions",
		mcp.WithDescription("List recorded sessions, most recent first."),
		mcp.WithString("status", mcp.Description("Filter by status: IN_PROGRESS, COMPLETED, FAILED or CANCELLED.")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of sessions to return (default 20).")),
	), s.listSessions)

	s.mcp.AddTool(mcp.NewTool("get_session_transcript",
		mcp.WithDescription("Return the combined transcript of a session in chunk order."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id, or \"latest\" for the most recent session.")),
	), s.getSessionTranscript)

	s.mcp.AddTool(mcp.NewTool("search_transcripts",
		mcp.WithDescription("Search transcribed chunks for a substring, most recent first."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Text to search for.")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of matches to return (default 20).")),
	), s.searchTranscripts)

	s.mcp.AddTool(mcp.NewTool("session_statistics",
		mcp.WithDescription("Aggregate counts over all recorded sessions."),
	), s.sessionStatistics)
}

func (s *Server) listSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := domain.SessionStatus(strings.ToUpper(strings.TrimSpace(request.GetString("status", ""))))
	if status != "" && !status.Valid() {
		return mcp.NewToolResultError(fmt.Sprintf("unknown status %q", status)), nil
	}

	sessions, err := s.store.ListSessions(ctx, status)
	if err != nil {
		s.logger.Error("list sessions failed", "error", err)
		return mcp.NewToolResultError("failed to list sessions"), nil
	}
	if limit := clampLimit(request.GetInt("limit", defaultLimit)); len(sessions) > limit {
		sessions = sessions[:limit]
	}
	if len(sessions) == 0 {
		return mcp.NewToolResultText("No sessions recorded."), nil
	}

	var b strings.Builder
	for _, session := range sessions {
		fmt.Fprintf(&b, "%s  %s  %s  %d/%d chunks transcribed",
			session.ID,
			session.StartTime.Local().Format("2006-01-02 15:04"),
			session.Status,
			session.TranscribedChunkCount,
			session.ChunkCount,
		)
		if session.DurationMs > 0 {
			fmt.Fprintf(&b, "  %s", formatDuration(session.DurationMs))
		}
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(strings.TrimRight(b.String(), "\n")), nil
}

func (s *Server) getSessionTranscript(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	id = strings.TrimSpace(id)

	var session *domain.Session
	if strings.EqualFold(id, "latest") {
		session, err = s.store.MostRecentSession(ctx)
	} else {
		session, err = s.store.GetSession(ctx, id)
	}
	if err != nil {
		s.logger.Error("load session failed", "session_id", id, "error", err)
		return mcp.NewToolResultError("failed to load session"), nil
	}
	if session == nil {
		return mcp.NewToolResultError(fmt.Sprintf("session %q not found", id)), nil
	}

	text, err := s.store.CombinedText(ctx, session.ID)
	if err != nil {
		s.logger.Error("combine transcript failed", "session_id", session.ID, "error", err)
		return mcp.NewToolResultError("failed to assemble transcript"), nil
	}
	if text == "" {
		return mcp.NewToolResultText(fmt.Sprintf("Session %s (%s) has no transcribed audio yet.", session.ID, session.Status)), nil
	}
	return mcp.NewToolResultText(text), nil
}

func (s *Server) searchTranscripts(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := request.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return mcp.NewToolResultError("query must not be empty"), nil
	}

	chunks, err := s.store.SearchChunks(ctx, query)
	if err != nil {
		s.logger.Error("search failed", "error", err)
		return mcp.NewToolResultError("search failed"), nil
	}
	if limit := clampLimit(request.GetInt("limit", defaultLimit)); len(chunks) > limit {
		chunks = chunks[:limit]
	}
	if len(chunks) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("No transcripts mention %q.", query)), nil
	}

	var b strings.Builder
	for _, c := range chunks {
		fmt.Fprintf(&b, "[%s #%d] %s\n", c.SessionID, c.ChunkIndex, c.Text)
	}
	return mcp.NewToolResultText(strings.TrimRight(b.String(), "\n")), nil
}

func (s *Server) sessionStatistics(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := s.store.Statistics(ctx)
	if err != nil {
		s.logger.Error("statistics failed", "error", err)
		return mcp.NewToolResultError("failed to compute statistics"), nil
	}
	data, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	return min(limit, maxLimit)
}

func formatDuration(ms int64) string {
	secs := ms / 1000
	if secs < 60 {
		return fmt.Sprintf("%ds", secs)
	}
	if secs < 3600 {
		return fmt.Sprintf("%dm%02ds", secs/60, secs%60)
	}
	return fmt.Sprintf("%dh%02dm", secs/3600, (secs%3600)/60)
}
