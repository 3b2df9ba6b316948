package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"audioscribe/internal/artifacts"
	"audioscribe/internal/domain"
	"audioscribe/internal/ports"
	"audioscribe/internal/scheduler"
	"audioscribe/internal/usecase"
)

type fakeStore struct {
	mu       sync.Mutex
	sessions []domain.Session
	chunks   []domain.Chunk
	deleted  []string
	queries  []string
}

func (f *fakeStore) ListSessions(_ context.Context, status domain.SessionStatus) ([]domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Session
	for _, s := range f.sessions {
		if status == "" || s.Status == status {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) SessionsInRange(_ context.Context, from, to time.Time) ([]domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Session
	for _, s := range f.sessions {
		if !s.StartTime.Before(from) && !s.StartTime.After(to) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) MostRecentSession(context.Context) (*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sessions) == 0 {
		return nil, nil
	}
	s := f.sessions[len(f.sessions)-1]
	return &s, nil
}

func (f *fakeStore) GetSession(_ context.Context, id string) (*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.ID == id {
			return &s, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) ChunksForSession(_ context.Context, id string) ([]domain.Chunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Chunk
	for _, c := range f.chunks {
		if c.SessionID == id {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) CombinedText(_ context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var parts []string
	for _, c := range f.chunks {
		if c.SessionID == id && c.Status == domain.ChunkCompleted {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, " "), nil
}

func (f *fakeStore) DeleteSession(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeStore) ChunksByStatus(_ context.Context, status domain.ChunkStatus) ([]domain.Chunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Chunk
	for _, c := range f.chunks {
		if c.Status == status {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) SearchChunks(_ context.Context, query string) ([]domain.Chunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	var out []domain.Chunk
	for _, c := range f.chunks {
		if strings.Contains(c.Text, query) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) Statistics(context.Context) (domain.SessionStatistics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return domain.SessionStatistics{TotalSessions: len(f.sessions), TotalChunks: len(f.chunks)}, nil
}

type fakeController struct {
	mu        sync.Mutex
	startErr  error
	stopErr   error
	summary   domain.SessionSummary
	cancelled []string
	status    domain.Status
}

func (f *fakeController) Start(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	return "session-new", nil
}

func (f *fakeController) Stop(ctx context.Context) (domain.SessionSummary, error) {
	f.mu.Lock()
	summary, stopErr := f.summary, f.stopErr
	f.mu.Unlock()
	if stopErr == context.DeadlineExceeded {
		<-ctx.Done()
		return domain.SessionSummary{}, ctx.Err()
	}
	return summary, stopErr
}

func (f *fakeController) set(fn func(f *fakeController)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeController) CancelChunk(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id != "chunk-live" {
		return false
	}
	f.cancelled = append(f.cancelled, id)
	return true
}

func (f *fakeController) Status() domain.Status { return f.status }

type fakeRemover struct {
	mu    sync.Mutex
	paths []string
}

func (f *fakeRemover) Remove(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = append(f.paths, path)
	return nil
}

func newTestServer(t *testing.T) (*httptest.Server, *fakeStore, *fakeController, *fakeRemover, *Hub) {
	t.Helper()
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store := &fakeStore{
		sessions: []domain.Session{
			{ID: "s1", Status: domain.SessionCompleted, StartTime: start},
			{ID: "s2", Status: domain.SessionInProgress, StartTime: start.Add(24 * time.Hour)},
		},
		chunks: []domain.Chunk{
			{ID: "c1", SessionID: "s1", ChunkIndex: 0, Status: domain.ChunkCompleted, Text: "hello there", ArtifactPath: "/tmp/a0.wav"},
			{ID: "c2", SessionID: "s1", ChunkIndex: 1, Status: domain.ChunkFailed, ArtifactPath: "/tmp/a1.wav"},
		},
	}
	control := &fakeController{status: domain.Status{State: domain.CaptureIdle}}
	remover := &fakeRemover{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := NewHub(logger)

	srv := httptest.NewServer(NewServer(store, control, remover, hub, logger).Router())
	t.Cleanup(srv.Close)
	t.Cleanup(hub.Close)
	return srv, store, control, remover, hub
}

func doRequest(t *testing.T, method, url string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestListSessions(t *testing.T) {
	t.Parallel()
	srv, _, _, _, _ := newTestServer(t)

	var all []domain.Session
	if code := doRequest(t, http.MethodGet, srv.URL+"/api/sessions", &all); code != http.StatusOK || len(all) != 2 {
		t.Fatalf("got %d with %d sessions", code, len(all))
	}

	var completed []domain.Session
	doRequest(t, http.MethodGet, srv.URL+"/api/sessions?status=completed", &completed)
	if len(completed) != 1 || completed[0].ID != "s1" {
		t.Fatalf("unexpected filtered sessions: %+v", completed)
	}

	var ranged []domain.Session
	doRequest(t, http.MethodGet, srv.URL+"/api/sessions?from=2026-03-02T00:00:00Z", &ranged)
	if len(ranged) != 1 || ranged[0].ID != "s2" {
		t.Fatalf("unexpected ranged sessions: %+v", ranged)
	}

	if code := doRequest(t, http.MethodGet, srv.URL+"/api/sessions?status=bogus", nil); code != http.StatusBadRequest {
		t.Fatalf("got %d, want 400", code)
	}
	if code := doRequest(t, http.MethodGet, srv.URL+"/api/sessions?from=yesterday", nil); code != http.StatusBadRequest {
		t.Fatalf("got %d, want 400", code)
	}
}

func TestSessionReads(t *testing.T) {
	t.Parallel()
	srv, _, _, _, _ := newTestServer(t)

	var latest domain.Session
	if code := doRequest(t, http.MethodGet, srv.URL+"/api/sessions/latest", &latest); code != http.StatusOK || latest.ID != "s2" {
		t.Fatalf("got %d, latest %q", code, latest.ID)
	}
	if code := doRequest(t, http.MethodGet, srv.URL+"/api/sessions/missing", nil); code != http.StatusNotFound {
		t.Fatalf("got %d, want 404", code)
	}

	var chunks []domain.Chunk
	doRequest(t, http.MethodGet, srv.URL+"/api/sessions/s1/chunks", &chunks)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}

	var text map[string]any
	doRequest(t, http.MethodGet, srv.URL+"/api/sessions/s1/text", &text)
	if text["text"] != "hello there" {
		t.Fatalf("unexpected text payload: %+v", text)
	}

	var empty []domain.Chunk
	doRequest(t, http.MethodGet, srv.URL+"/api/sessions/s2/chunks", &empty)
	if empty == nil || len(empty) != 0 {
		t.Fatalf("expected an empty json array, got %+v", empty)
	}
}

func TestDeleteSession(t *testing.T) {
	t.Parallel()
	srv, store, _, remover, _ := newTestServer(t)

	if code := doRequest(t, http.MethodDelete, srv.URL+"/api/sessions/s2", nil); code != http.StatusConflict {
		t.Fatalf("got %d, want 409 for an open session", code)
	}
	if code := doRequest(t, http.MethodDelete, srv.URL+"/api/sessions/s1", nil); code != http.StatusNoContent {
		t.Fatalf("got %d, want 204", code)
	}
	store.mu.Lock()
	deleted := append([]string(nil), store.deleted...)
	store.mu.Unlock()
	if len(deleted) != 1 || deleted[0] != "s1" {
		t.Fatalf("unexpected deletions: %v", deleted)
	}
	remover.mu.Lock()
	removed := len(remover.paths)
	remover.mu.Unlock()
	if removed != 2 {
		t.Fatalf("expected both artifacts removed, got %d", removed)
	}
}

func TestChunkQueries(t *testing.T) {
	t.Parallel()
	srv, store, _, _, _ := newTestServer(t)

	var failed []domain.Chunk
	doRequest(t, http.MethodGet, srv.URL+"/api/chunks?status=failed", &failed)
	if len(failed) != 1 || failed[0].ID != "c2" {
		t.Fatalf("unexpected failed chunks: %+v", failed)
	}
	if code := doRequest(t, http.MethodGet, srv.URL+"/api/chunks", nil); code != http.StatusBadRequest {
		t.Fatalf("got %d, want 400 without status", code)
	}

	var hits []domain.Chunk
	doRequest(t, http.MethodGet, srv.URL+"/api/search?q=hello", &hits)
	store.mu.Lock()
	queries := append([]string(nil), store.queries...)
	store.mu.Unlock()
	if len(hits) != 1 || queries[0] != "hello" {
		t.Fatalf("unexpected search: %+v %v", hits, queries)
	}
	if code := doRequest(t, http.MethodGet, srv.URL+"/api/search?q=%20", nil); code != http.StatusBadRequest {
		t.Fatalf("got %d, want 400 for blank query", code)
	}

	var stats domain.SessionStatistics
	doRequest(t, http.MethodGet, srv.URL+"/api/stats", &stats)
	if stats.TotalSessions != 2 || stats.TotalChunks != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestCaptureControl(t *testing.T) {
	t.Parallel()
	srv, _, control, _, _ := newTestServer(t)

	var started map[string]string
	if code := doRequest(t, http.MethodPost, srv.URL+"/api/capture/start", &started); code != http.StatusCreated || started["sessionId"] != "session-new" {
		t.Fatalf("got %d, %+v", code, started)
	}

	control.set(func(f *fakeController) { f.startErr = usecase.ErrSessionActive })
	if code := doRequest(t, http.MethodPost, srv.URL+"/api/capture/start", nil); code != http.StatusConflict {
		t.Fatalf("got %d, want 409", code)
	}

	control.set(func(f *fakeController) {
		f.summary = domain.SessionSummary{SessionID: "session-new", Status: domain.SessionCompleted, Text: "done"}
	})
	var summary domain.SessionSummary
	if code := doRequest(t, http.MethodPost, srv.URL+"/api/capture/stop", &summary); code != http.StatusOK || summary.Text != "done" {
		t.Fatalf("got %d, %+v", code, summary)
	}

	control.set(func(f *fakeController) { f.stopErr = usecase.ErrNoActiveSession })
	if code := doRequest(t, http.MethodPost, srv.URL+"/api/capture/stop", nil); code != http.StatusConflict {
		t.Fatalf("got %d, want 409", code)
	}

	control.set(func(f *fakeController) { f.stopErr = context.DeadlineExceeded })
	var draining map[string]string
	if code := doRequest(t, http.MethodPost, srv.URL+"/api/capture/stop?wait=0", &draining); code != http.StatusAccepted || draining["status"] != "draining" {
		t.Fatalf("got %d, %+v", code, draining)
	}
	if code := doRequest(t, http.MethodPost, srv.URL+"/api/capture/stop?wait=-1", nil); code != http.StatusBadRequest {
		t.Fatalf("got %d, want 400", code)
	}

	if code := doRequest(t, http.MethodPost, srv.URL+"/api/chunks/chunk-live/cancel", nil); code != http.StatusAccepted {
		t.Fatalf("got %d, want 202", code)
	}
	if code := doRequest(t, http.MethodPost, srv.URL+"/api/chunks/other/cancel", nil); code != http.StatusNotFound {
		t.Fatalf("got %d, want 404", code)
	}
}

func TestHealthAndStatus(t *testing.T) {
	t.Parallel()
	srv, _, _, _, _ := newTestServer(t)

	var health map[string]string
	if code := doRequest(t, http.MethodGet, srv.URL+"/healthz", &health); code != http.StatusOK || health["status"] != "ok" {
		t.Fatalf("got %d, %+v", code, health)
	}

	var status struct {
		Capture     domain.Status `json:"capture"`
		Subscribers int           `json:"subscribers"`
	}
	doRequest(t, http.MethodGet, srv.URL+"/api/status", &status)
	if status.Capture.State != domain.CaptureIdle || status.Subscribers != 0 {
		t.Fatalf("unexpected status: %+v", status)
	}
}

type fakeJobs struct {
	jobs []scheduler.TaskSnapshot
}

func (f fakeJobs) Snapshot() []scheduler.TaskSnapshot { return f.jobs }

func TestStatusReportsJobsAndArtifacts(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "chunk_0.wav"), make([]byte, 300), 0o600); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := NewHub(logger)
	defer hub.Close()
	jobs := fakeJobs{jobs: []scheduler.TaskSnapshot{{
		Job:      ports.TranscriptionJob{ChunkID: "c1", SessionID: "s1", ChunkIndex: 0},
		State:    scheduler.TaskRetryScheduled,
		Attempts: 2,
	}}}
	api := NewServer(&fakeStore{}, &fakeController{status: domain.Status{State: domain.CaptureDraining}}, &fakeRemover{}, hub, logger,
		WithJobs(jobs),
		WithArtifactDir(dir),
	)
	srv := httptest.NewServer(api.Router())
	defer srv.Close()

	var status struct {
		Capture   domain.Status            `json:"capture"`
		Jobs      []scheduler.TaskSnapshot `json:"jobs"`
		Artifacts artifacts.Usage          `json:"artifacts"`
	}
	if code := doRequest(t, http.MethodGet, srv.URL+"/api/status", &status); code != http.StatusOK {
		t.Fatalf("got status %d", code)
	}
	if status.Capture.State != domain.CaptureDraining {
		t.Fatalf("unexpected capture state: %+v", status.Capture)
	}
	if len(status.Jobs) != 1 || status.Jobs[0].Job.ChunkID != "c1" || status.Jobs[0].State != scheduler.TaskRetryScheduled || status.Jobs[0].Attempts != 2 {
		t.Fatalf("unexpected jobs: %+v", status.Jobs)
	}
	if status.Artifacts.Files != 1 || status.Artifacts.Bytes != 300 {
		t.Fatalf("unexpected artifact usage: %+v", status.Artifacts)
	}
}

func TestWebsocketReceivesEvents(t *testing.T) {
	t.Parallel()
	srv, _, _, _, hub := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var hello domain.Event
	if err := conn.ReadJSON(&hello); err != nil {
		t.Fatalf("read hello: %v", err)
	}
	if hello.Type != domain.EventCaptureState || hello.State != domain.CaptureIdle {
		t.Fatalf("unexpected hello: %+v", hello)
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.Count() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber was not registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	index := 3
	hub.Broadcast(domain.Event{Type: domain.EventChunkCompleted, SessionID: "s1", ChunkIndex: &index, Text: "hi"})

	var got domain.Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if got.Type != domain.EventChunkCompleted || got.ChunkIndex == nil || *got.ChunkIndex != 3 || got.Text != "hi" {
		t.Fatalf("unexpected event: %+v", got)
	}
}
