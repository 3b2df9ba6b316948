package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"audioscribe/internal/domain"
	"audioscribe/internal/ports"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeAudioCapture struct {
	sessions []ports.AudioSession
	err      error
	calls    int
}

func (f *fakeAudioCapture) Start(_ context.Context, _ ports.AudioConfig) (ports.AudioSession, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.calls >= len(f.sessions) {
		return nil, errors.New("no audio session configured")
	}
	session := f.sessions[f.calls]
	f.calls++
	return session, nil
}

// fakeAudioSession yields its chunks, then either ends with EOF or blocks until Stop
// and drains tail.
type fakeAudioSession struct {
	mu         sync.Mutex
	chunks     [][]byte
	index      int
	endWithEOF bool
	readErr    error
	stopErr    error
	stopCalls  int
	// tail is what the source flushes once asked to stop.
	tail [][]byte

	stopOnce sync.Once
	stopped  chan struct{}
}

func newFakeAudioSession(chunks ...[]byte) *fakeAudioSession {
	return &fakeAudioSession{chunks: chunks, stopped: make(chan struct{})}
}

func (f *fakeAudioSession) Read(p []byte) (int, error) {
	f.mu.Lock()
	if f.index < len(f.chunks) {
		n := copy(p, f.chunks[f.index])
		f.index++
		f.mu.Unlock()
		return n, nil
	}
	readErr, eof := f.readErr, f.endWithEOF
	f.mu.Unlock()

	if readErr != nil {
		return 0, readErr
	}
	if eof {
		return 0, io.EOF
	}
	<-f.stopped
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.index < len(f.chunks) {
		n := copy(p, f.chunks[f.index])
		f.index++
		return n, nil
	}
	return 0, os.ErrClosed
}

func (f *fakeAudioSession) Close() error { return f.Stop() }

func (f *fakeAudioSession) Stop() error {
	f.mu.Lock()
	f.stopCalls++
	f.mu.Unlock()
	f.stopOnce.Do(func() {
		f.mu.Lock()
		f.chunks = append(f.chunks, f.tail...)
		f.mu.Unlock()
		close(f.stopped)
	})
	return f.stopErr
}

// fakeTranscriber answers from script, or with "w<index>" derived from the artifact name.
type fakeTranscriber struct {
	mu     sync.Mutex
	calls  int
	script func(ctx context.Context, call int, path string) (domain.Transcript, error)
}

func (f *fakeTranscriber) Name() string { return "fake" }

func (f *fakeTranscriber) Transcribe(ctx context.Context, path string, _ string) (domain.Transcript, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	script := f.script
	f.mu.Unlock()
	if script != nil {
		return script(ctx, call, path)
	}
	return domain.Transcript{Text: "w" + artifactIndex(path)}, nil
}

func (f *fakeTranscriber) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func artifactIndex(path string) string {
	base := strings.TrimSuffix(filepath.Base(path), ".wav")
	return base[strings.LastIndex(base, "_")+1:]
}

type fakeRemover struct {
	mu      sync.Mutex
	removed []string
}

func (f *fakeRemover) Remove(path string) error {
	f.mu.Lock()
	f.removed = append(f.removed, path)
	f.mu.Unlock()
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (f *fakeRemover) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

// memStore is an in-memory ports.SessionStore.
type memStore struct {
	mu          sync.Mutex
	seq         int
	sessions    map[string]*domain.Session
	chunks      map[string]*domain.Chunk
	transitions map[string][]domain.ChunkStatus
	createErr   error
}

func newMemStore() *memStore {
	return &memStore{
		sessions:    make(map[string]*domain.Session),
		chunks:      make(map[string]*domain.Chunk),
		transitions: make(map[string][]domain.ChunkStatus),
	}
}

func (m *memStore) nextID(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s-%d", prefix, m.seq)
}

func (m *memStore) CreateSession(_ context.Context, startTime time.Time) (domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return domain.Session{}, m.createErr
	}
	s := &domain.Session{ID: m.nextID("session"), StartTime: startTime, Status: domain.SessionInProgress, CreatedAt: startTime, UpdatedAt: startTime}
	m.sessions[s.ID] = s
	return *s, nil
}

func (m *memStore) CloseSession(_ context.Context, sessionID string, endTime time.Time, status domain.SessionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return errors.New("session not found")
	}
	if s.Status != domain.SessionInProgress {
		return fmt.Errorf("session already %s", s.Status)
	}
	s.Status = status
	s.EndTime = &endTime
	s.DurationMs = endTime.Sub(s.StartTime).Milliseconds()
	return nil
}

func (m *memStore) GetSession(_ context.Context, sessionID string) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) CreateChunk(_ context.Context, sessionID string, index int, artifact domain.ArtifactMeta) (domain.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || s.Status != domain.SessionInProgress {
		return domain.Chunk{}, errors.New("session not open")
	}
	c := &domain.Chunk{
		ID:                 m.nextID("chunk"),
		SessionID:          sessionID,
		ChunkIndex:         index,
		ArtifactPath:       artifact.Path,
		OriginalFileName:   artifact.FileName,
		AudioFileSizeBytes: artifact.SizeBytes,
		DurationMs:         artifact.DurationMs,
		Status:             domain.ChunkPending,
	}
	m.chunks[c.ID] = c
	m.transitions[c.ID] = []domain.ChunkStatus{domain.ChunkPending}
	s.TotalAudioBytes += artifact.SizeBytes
	m.recount(sessionID)
	return *c, nil
}

func (m *memStore) setStatus(chunkID string, status domain.ChunkStatus, mutate func(c *domain.Chunk)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chunks[chunkID]
	if !ok {
		return errors.New("chunk not found")
	}
	if c.Status == domain.ChunkCompleted {
		return errors.New("chunk already completed")
	}
	c.Status = status
	if mutate != nil {
		mutate(c)
	}
	m.transitions[chunkID] = append(m.transitions[chunkID], status)
	m.recount(c.SessionID)
	return nil
}

func (m *memStore) MarkProcessing(_ context.Context, chunkID string) error {
	return m.setStatus(chunkID, domain.ChunkProcessing, nil)
}

func (m *memStore) MarkRetrying(_ context.Context, chunkID string, errorMessage string) error {
	return m.setStatus(chunkID, domain.ChunkRetrying, func(c *domain.Chunk) {
		c.ErrorMessage = errorMessage
		c.RetryCount++
	})
}

func (m *memStore) CompleteChunk(_ context.Context, chunkID string, transcript domain.Transcript) error {
	return m.setStatus(chunkID, domain.ChunkCompleted, func(c *domain.Chunk) { c.Text = transcript.Text })
}

func (m *memStore) FailChunk(_ context.Context, chunkID string, errorMessage string) error {
	return m.setStatus(chunkID, domain.ChunkFailed, func(c *domain.Chunk) { c.ErrorMessage = errorMessage })
}

func (m *memStore) CombinedText(_ context.Context, sessionID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var done []*domain.Chunk
	for _, c := range m.chunks {
		if c.SessionID == sessionID && c.Status == domain.ChunkCompleted {
			done = append(done, c)
		}
	}
	sort.Slice(done, func(i, j int) bool { return done[i].ChunkIndex < done[j].ChunkIndex })
	parts := make([]string, 0, len(done))
	for _, c := range done {
		parts = append(parts, c.Text)
	}
	return strings.Join(parts, " "), nil
}

func (m *memStore) UnfinishedChunks(_ context.Context) ([]domain.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Chunk
	for _, c := range m.chunks {
		if !c.Status.Terminal() {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	return out, nil
}

func (m *memStore) ListSessions(_ context.Context, status domain.SessionStatus) ([]domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Session
	for _, s := range m.sessions {
		if status == "" || s.Status == status {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *memStore) recount(sessionID string) {
	s := m.sessions[sessionID]
	s.ChunkCount, s.TranscribedChunkCount = 0, 0
	for _, c := range m.chunks {
		if c.SessionID != sessionID {
			continue
		}
		s.ChunkCount++
		if c.Status == domain.ChunkCompleted {
			s.TranscribedChunkCount++
		}
	}
}

func (m *memStore) session(id string) domain.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.sessions[id]
}

func (m *memStore) sessionChunks(id string) []domain.Chunk {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Chunk
	for _, c := range m.chunks {
		if c.SessionID == id {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	return out
}

func (m *memStore) chunkTransitions(id string) []domain.ChunkStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.ChunkStatus(nil), m.transitions[id]...)
}

type recordedEvent struct {
	kind    string
	index   int
	state   domain.CaptureState
	code    domain.ErrorCode
	text    string
	summary domain.SessionSummary
}

type fakeEventSink struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (f *fakeEventSink) add(ev recordedEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeEventSink) CaptureStateChanged(_ string, state domain.CaptureState) {
	f.add(recordedEvent{kind: "state", state: state})
}

func (f *fakeEventSink) ChunkClosed(ev domain.ChunkClosed) {
	f.add(recordedEvent{kind: "closed", index: ev.Index})
}

func (f *fakeEventSink) ChunkCompleted(job ports.TranscriptionJob, transcript domain.Transcript) {
	f.add(recordedEvent{kind: "completed", index: job.ChunkIndex, text: transcript.Text})
}

func (f *fakeEventSink) ChunkFailed(job ports.TranscriptionJob, reason string) {
	f.add(recordedEvent{kind: "failed", index: job.ChunkIndex, text: reason})
}

func (f *fakeEventSink) SessionClosed(summary domain.SessionSummary) {
	f.add(recordedEvent{kind: "session_closed", summary: summary})
}

func (f *fakeEventSink) SessionError(code domain.ErrorCode, detail string) {
	f.add(recordedEvent{kind: "error", code: code, text: detail})
}

func (f *fakeEventSink) snapshot() []recordedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedEvent(nil), f.events...)
}

func (f *fakeEventSink) ofKind(kind string) []recordedEvent {
	var out []recordedEvent
	for _, ev := range f.snapshot() {
		if ev.kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (f *fakeEventSink) snapshotStates() []domain.CaptureState {
	var out []domain.CaptureState
	for _, ev := range f.ofKind("state") {
		out = append(out, ev.state)
	}
	return out
}
