package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"audioscribe/internal/artifacts"
	"audioscribe/internal/domain"
	"audioscribe/internal/ports"
	"audioscribe/internal/scheduler"
	"audioscribe/internal/usecase"
)

const (
	requestTimeout  = 2 * time.Minute
	defaultStopWait = 30 * time.Second
	maxStopWait     = 90 * time.Second
)

// SessionReader is the read side of the session store plus deletion.
type SessionReader interface {
	ListSessions(ctx context.Context, status domain.SessionStatus) ([]domain.Session, error)
	SessionsInRange(ctx context.Context, from, to time.Time) ([]domain.Session, error)
	MostRecentSession(ctx context.Context) (*domain.Session, error)
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	ChunksForSession(ctx context.Context, sessionID string) ([]domain.Chunk, error)
	CombinedText(ctx context.Context, sessionID string) (string, error)
	DeleteSession(ctx context.Context, sessionID string) error
	ChunksByStatus(ctx context.Context, status domain.ChunkStatus) ([]domain.Chunk, error)
	SearchChunks(ctx context.Context, query string) ([]domain.Chunk, error)
	Statistics(ctx context.Context) (domain.SessionStatistics, error)
}

// Controller is the capture control surface.
type Controller interface {
	Start(ctx context.Context) (string, error)
	Stop(ctx context.Context) (domain.SessionSummary, error)
	CancelChunk(chunkID string) bool
	Status() domain.Status
}

// JobLister reports the transcription jobs that have not finished.
type JobLister interface {
	Snapshot() []scheduler.TaskSnapshot
}

type Server struct {
	store       SessionReader
	control     Controller
	artifacts   ports.ArtifactRemover
	hub         *Hub
	jobs        JobLister
	artifactDir string
	logger      *slog.Logger
	router      *chi.Mux
}

// Option configures optional parts of the status report.
type Option func(*Server)

// WithJobs adds the scheduler backlog to GET /api/status.
func WithJobs(jobs JobLister) Option {
	return func(s *Server) { s.jobs = jobs }
}

// WithArtifactDir adds disk usage of dir to GET /api/status.
func WithArtifactDir(dir string) Option {
	return func(s *Server) { s.artifactDir = dir }
}

func NewServer(store SessionReader, control Controller, remover ports.ArtifactRemover, hub *Hub, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if hub == nil {
		hub = NewHub(logger)
	}
	s := &Server{
		store:     store,
		control:   control,
		artifacts: remover,
		hub:       hub,
		logger:    logger.With("component", "httpapi"),
		router:    chi.NewRouter(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerRoutes()
	return s
}

func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/healthz", s.health)
	s.router.Get("/ws", s.events)

	s.router.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))

		r.Get("/sessions", s.listSessions)
		r.Get("/sessions/latest", s.latestSession)
		r.Get("/sessions/{id}", s.getSession)
		r.Delete("/sessions/{id}", s.deleteSession)
		r.Get("/sessions/{id}/chunks", s.sessionChunks)
		r.Get("/sessions/{id}/text", s.sessionText)
		r.Get("/chunks", s.chunksByStatus)
		r.Post("/chunks/{id}/cancel", s.cancelChunk)
		r.Get("/search", s.search)
		r.Get("/stats", s.stats)
		r.Get("/status", s.status)
		r.Post("/capture/start", s.startCapture)
		r.Post("/capture/stop", s.stopCapture)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok", "timestamp": time.Now().Format(time.RFC3339)})
}

func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	status := s.control.Status()
	hello := domain.Event{Type: domain.EventCaptureState, At: time.Now(), SessionID: status.SessionID, State: status.State}
	s.hub.ServeWS(w, r, &hello)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		sessions []domain.Session
		err      error
	)
	if q.Get("from") != "" || q.Get("to") != "" {
		from, ferr := parseTime(q.Get("from"), time.Unix(0, 0))
		to, terr := parseTime(q.Get("to"), time.Now())
		if ferr != nil || terr != nil {
			s.respondError(w, http.StatusBadRequest, "from and to must be RFC3339 timestamps")
			return
		}
		sessions, err = s.store.SessionsInRange(r.Context(), from, to)
	} else {
		status := domain.SessionStatus(strings.ToUpper(q.Get("status")))
		if status != "" && !status.Valid() {
			s.respondError(w, http.StatusBadRequest, "unknown session status")
			return
		}
		sessions, err = s.store.ListSessions(r.Context(), status)
	}
	if err != nil {
		s.internalError(w, "list sessions", err)
		return
	}
	if sessions == nil {
		sessions = []domain.Session{}
	}
	s.respondJSON(w, http.StatusOK, sessions)
}

func (s *Server) latestSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.store.MostRecentSession(r.Context())
	if err != nil {
		s.internalError(w, "latest session", err)
		return
	}
	if session == nil {
		s.respondError(w, http.StatusNotFound, "no sessions recorded")
		return
	}
	s.respondJSON(w, http.StatusOK, session)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	session, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	s.respondJSON(w, http.StatusOK, session)
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	session, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	if session.Status == domain.SessionInProgress {
		s.respondError(w, http.StatusConflict, "session is still in progress")
		return
	}

	chunks, err := s.store.ChunksForSession(r.Context(), session.ID)
	if err != nil {
		s.internalError(w, "load chunks", err)
		return
	}
	if err := s.store.DeleteSession(r.Context(), session.ID); err != nil {
		s.internalError(w, "delete session", err)
		return
	}
	if s.artifacts != nil {
		for _, c := range chunks {
			if err := s.artifacts.Remove(c.ArtifactPath); err != nil {
				s.logger.Warn("failed to delete artifact of deleted session", "session_id", session.ID, "path", c.ArtifactPath, "error", err)
			}
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) sessionChunks(w http.ResponseWriter, r *http.Request) {
	session, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	chunks, err := s.store.ChunksForSession(r.Context(), session.ID)
	if err != nil {
		s.internalError(w, "load chunks", err)
		return
	}
	s.respondJSON(w, http.StatusOK, nonNilChunks(chunks))
}

func (s *Server) sessionText(w http.ResponseWriter, r *http.Request) {
	session, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	text, err := s.store.CombinedText(r.Context(), session.ID)
	if err != nil {
		s.internalError(w, "combine text", err)
		return
	}
	if strings.Contains(r.Header.Get("Accept"), "text/plain") {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(text))
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"sessionId": session.ID,
		"status":    session.Status,
		"text":      text,
	})
}

func (s *Server) chunksByStatus(w http.ResponseWriter, r *http.Request) {
	status := domain.ChunkStatus(strings.ToUpper(r.URL.Query().Get("status")))
	if !status.Valid() {
		s.respondError(w, http.StatusBadRequest, "status must be one of PENDING, PROCESSING, RETRYING, COMPLETED, FAILED")
		return
	}
	chunks, err := s.store.ChunksByStatus(r.Context(), status)
	if err != nil {
		s.internalError(w, "list chunks", err)
		return
	}
	s.respondJSON(w, http.StatusOK, nonNilChunks(chunks))
}

func (s *Server) cancelChunk(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.control.CancelChunk(id) {
		s.respondError(w, http.StatusNotFound, "no scheduled job for chunk")
		return
	}
	s.respondJSON(w, http.StatusAccepted, map[string]any{"chunkId": id, "cancelled": true})
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		s.respondError(w, http.StatusBadRequest, "q is required")
		return
	}
	chunks, err := s.store.SearchChunks(r.Context(), query)
	if err != nil {
		s.internalError(w, "search", err)
		return
	}
	s.respondJSON(w, http.StatusOK, nonNilChunks(chunks))
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Statistics(r.Context())
	if err != nil {
		s.internalError(w, "statistics", err)
		return
	}
	s.respondJSON(w, http.StatusOK, stats)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"capture":     s.control.Status(),
		"subscribers": s.hub.Count(),
	}
	if s.jobs != nil {
		resp["jobs"] = s.jobs.Snapshot()
	}
	if s.artifactDir != "" {
		usage, err := artifacts.DiskUsage(s.artifactDir)
		if err != nil {
			s.logger.Warn("artifact usage unavailable", "error", err)
		} else {
			resp["artifacts"] = usage
		}
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) startCapture(w http.ResponseWriter, r *http.Request) {
	id, err := s.control.Start(r.Context())
	switch {
	case errors.Is(err, usecase.ErrSessionActive):
		s.respondError(w, http.StatusConflict, err.Error())
	case err != nil:
		s.internalError(w, "start capture", err)
	default:
		s.respondJSON(w, http.StatusCreated, map[string]string{"sessionId": id})
	}
}

// stopCapture waits up to ?wait= seconds for the session to drain.
func (s *Server) stopCapture(w http.ResponseWriter, r *http.Request) {
	wait := defaultStopWait
	if raw := r.URL.Query().Get("wait"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs < 0 {
			s.respondError(w, http.StatusBadRequest, "wait must be a non-negative number of seconds")
			return
		}
		wait = min(time.Duration(secs)*time.Second, maxStopWait)
	}

	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()

	summary, err := s.control.Stop(ctx)
	switch {
	case errors.Is(err, usecase.ErrNoActiveSession):
		s.respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		s.respondJSON(w, http.StatusAccepted, map[string]string{"status": string(domain.CaptureDraining)})
	case err != nil:
		s.internalError(w, "stop capture", err)
	default:
		s.respondJSON(w, http.StatusOK, summary)
	}
}

func (s *Server) loadSession(w http.ResponseWriter, r *http.Request) (*domain.Session, bool) {
	session, err := s.store.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.internalError(w, "load session", err)
		return nil, false
	}
	if session == nil {
		s.respondError(w, http.StatusNotFound, "session not found")
		return nil, false
	}
	return session, true
}

func (s *Server) respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode json", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, code int, message string) {
	s.respondJSON(w, code, map[string]string{"error": message})
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error("request failed", "op", op, "error", err)
	s.respondError(w, http.StatusInternalServerError, op+" failed")
}

func parseTime(raw string, fallback time.Time) (time.Time, error) {
	if raw == "" {
		return fallback, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func nonNilChunks(chunks []domain.Chunk) []domain.Chunk {
	if chunks == nil {
		return []domain.Chunk{}
	}
	return chunks
}
