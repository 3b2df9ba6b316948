package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"audioscribe/internal/domain"
)

type fakeReader struct {
	sessions []domain.Session
	texts    map[string]string
	chunks   []domain.Chunk
	err      error
}

func (f *fakeReader) ListSessions(_ context.Context, status domain.SessionStatus) ([]domain.Session, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []domain.Session
	for _, s := range f.sessions {
		if status == "" || s.Status == status {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeReader) GetSession(_ context.Context, id string) (*domain.Session, error) {
	for _, s := range f.sessions {
		if s.ID == id {
			return &s, nil
		}
	}
	return nil, f.err
}

func (f *fakeReader) MostRecentSession(context.Context) (*domain.Session, error) {
	if len(f.sessions) == 0 {
		return nil, nil
	}
	return &f.sessions[0], nil
}

func (f *fakeReader) CombinedText(_ context.Context, id string) (string, error) {
	return f.texts[id], nil
}

func (f *fakeReader) SearchChunks(_ context.Context, query string) ([]domain.Chunk, error) {
	var out []domain.Chunk
	for _, c := range f.chunks {
		if strings.Contains(c.Text, query) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeReader) Statistics(context.Context) (domain.SessionStatistics, error) {
	return domain.SessionStatistics{TotalSessions: len(f.sessions), CompletedSessions: 1, TotalChunks: len(f.chunks)}, nil
}

func newTestServer(reader *fakeReader) *Server {
	return New(reader, "test", slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func callRequest(name string, args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if res == nil || len(res.Content) == 0 {
		t.Fatalf("empty tool result")
	}
	text, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected text content, got %T", res.Content[0])
	}
	return text.Text
}

func sampleReader() *fakeReader {
	start := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	return &fakeReader{
		sessions: []domain.Session{
			{ID: "s2", Status: domain.SessionInProgress, StartTime: start.Add(time.Hour), ChunkCount: 1},
			{ID: "s1", Status: domain.SessionCompleted, StartTime: start, DurationMs: 125_000, ChunkCount: 3, TranscribedChunkCount: 3},
		},
		texts: map[string]string{"s1": "alpha beta gamma"},
		chunks: []domain.Chunk{
			{SessionID: "s1", ChunkIndex: 1, Text: "beta release notes"},
			{SessionID: "s1", ChunkIndex: 2, Text: "gamma"},
		},
	}
}

func TestListSessionsTool(t *testing.T) {
	t.Parallel()
	s := newTestServer(sampleReader())

	res, err := s.listSessions(context.Background(), callRequest("list_sessions", map[string]any{"status": "completed"}))
	if err != nil {
		t.Fatalf("tool failed: %v", err)
	}
	text := resultText(t, res)
	if !strings.Contains(text, "s1") || strings.Contains(text, "s2") {
		t.Fatalf("unexpected listing: %q", text)
	}
	if !strings.Contains(text, "3/3 chunks transcribed") || !strings.Contains(text, "2m05s") {
		t.Fatalf("listing is missing details: %q", text)
	}

	res, _ = s.listSessions(context.Background(), callRequest("list_sessions", map[string]any{"limit": 1}))
	if lines := strings.Split(resultText(t, res), "\n"); len(lines) != 1 {
		t.Fatalf("limit not applied: %v", lines)
	}

	res, _ = s.listSessions(context.Background(), callRequest("list_sessions", map[string]any{"status": "paused"}))
	if !res.IsError {
		t.Fatalf("expected an error result for an unknown status")
	}
}

func TestListSessionsToolStoreFailure(t *testing.T) {
	t.Parallel()
	s := newTestServer(&fakeReader{err: errors.New("db closed")})

	res, err := s.listSessions(context.Background(), callRequest("list_sessions", nil))
	if err != nil {
		t.Fatalf("store failures should be tool errors, got %v", err)
	}
	if !res.IsError {
		t.Fatalf("expected an error result")
	}
}

func TestGetSessionTranscriptTool(t *testing.T) {
	t.Parallel()
	s := newTestServer(sampleReader())

	res, _ := s.getSessionTranscript(context.Background(), callRequest("get_session_transcript", map[string]any{"session_id": "s1"}))
	if got := resultText(t, res); got != "alpha beta gamma" {
		t.Fatalf("unexpected transcript: %q", got)
	}

	res, _ = s.getSessionTranscript(context.Background(), callRequest("get_session_transcript", map[string]any{"session_id": "latest"}))
	if got := resultText(t, res); !strings.Contains(got, "s2") || !strings.Contains(got, "no transcribed audio") {
		t.Fatalf("unexpected latest transcript: %q", got)
	}

	res, _ = s.getSessionTranscript(context.Background(), callRequest("get_session_transcript", map[string]any{"session_id": "nope"}))
	if !res.IsError {
		t.Fatalf("expected not found error")
	}

	res, _ = s.getSessionTranscript(context.Background(), callRequest("get_session_transcript", nil))
	if !res.IsError {
		t.Fatalf("expected missing argument error")
	}
}

func TestSearchTranscriptsTool(t *testing.T) {
	t.Parallel()
	s := newTestServer(sampleReader())

	res, _ := s.searchTranscripts(context.Background(), callRequest("search_transcripts", map[string]any{"query": "beta"}))
	if got := resultText(t, res); got != "[s1 #1] beta release notes" {
		t.Fatalf("unexpected matches: %q", got)
	}

	res, _ = s.searchTranscripts(context.Background(), callRequest("search_transcripts", map[string]any{"query": "delta"}))
	if got := resultText(t, res); !strings.HasPrefix(got, "No transcripts mention") {
		t.Fatalf("unexpected empty result: %q", got)
	}

	res, _ = s.searchTranscripts(context.Background(), callRequest("search_transcripts", map[string]any{"query": "  "}))
	if !res.IsError {
		t.Fatalf("expected blank query error")
	}
}

func TestSessionStatisticsTool(t *testing.T) {
	t.Parallel()
	s := newTestServer(sampleReader())

	res, err := s.sessionStatistics(context.Background(), callRequest("session_statistics", nil))
	if err != nil {
		t.Fatalf("tool failed: %v", err)
	}
	var stats domain.SessionStatistics
	if err := json.Unmarshal([]byte(resultText(t, res)), &stats); err != nil {
		t.Fatalf("decode statistics: %v", err)
	}
	if stats.TotalSessions != 2 || stats.CompletedSessions != 1 || stats.TotalChunks != 2 {
		t.Fatalf("unexpected statistics: %+v", stats)
	}
}

func TestToolsRegistered(t *testing.T) {
	t.Parallel()
	s := newTestServer(sampleReader())

	tools := s.MCP().ListTools()
	for _, name := range []string{"list_sessions", "get_session_transcript", "search_transcripts", "session_statistics"} {
		if _, ok := tools[name]; !ok {
			t.Fatalf("tool %s not registered", name)
		}
	}
}
