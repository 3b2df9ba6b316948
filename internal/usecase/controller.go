package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"audioscribe/internal/audio"
	"audioscribe/internal/domain"
	"audioscribe/internal/ports"
)

var (
	ErrNoActiveSession = errors.New("no active recording session")
	ErrSessionActive   = errors.New("a recording session is already active")
	ErrInterrupted     = errors.New("transcription interrupted by shutdown")
)

// Config controls capture and chunking.
type Config struct {
	Audio        ports.AudioConfig
	ChunkSeconds int
	ReadSize     int
	ArtifactDir  string
	Language     string
}

// SessionController orchestrates capture, chunking, scheduling and persistence.
type SessionController struct {
	audio     ports.AudioCapture
	store     ports.SessionStore
	queue     ports.TaskQueue
	artifacts ports.ArtifactRemover
	events    ports.EventSink
	finalizer sessionFinalizer
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time

	mu         sync.Mutex
	current    *activeSession
	starting   bool
	closing    map[string]*activeSession
	background *taskTracker
}

func NewSessionController(
	audioCapture ports.AudioCapture,
	store ports.SessionStore,
	queue ports.TaskQueue,
	artifacts ports.ArtifactRemover,
	events ports.EventSink,
	logger *slog.Logger,
	cfg Config,
) *SessionController {
	if cfg.ChunkSeconds <= 0 {
		cfg.ChunkSeconds = 30
	}
	if cfg.ReadSize < 256 {
		cfg.ReadSize = defaultReadSize
	}
	if cfg.ArtifactDir == "" {
		cfg.ArtifactDir = os.TempDir()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionController{
		audio:      audioCapture,
		store:      store,
		queue:      queue,
		artifacts:  artifacts,
		events:     events,
		finalizer:  newSessionFinalizer(store, events),
		logger:     logger.With("component", "controller"),
		cfg:        cfg,
		now:        time.Now,
		closing:    make(map[string]*activeSession),
		background: newTaskTracker(),
	}
}

// Start creates the session record and begins capturing. The session id is
// returned only after the record exists.
func (c *SessionController) Start(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.current != nil || c.starting {
		c.mu.Unlock()
		return "", ErrSessionActive
	}
	c.starting = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.starting = false
		c.mu.Unlock()
	}()

	startTime := c.now()
	session, err := c.store.CreateSession(ctx, startTime)
	if err != nil {
		c.events.SessionError(domain.ErrorCodeStorage, fmt.Sprintf("failed to create session: %v", err))
		return "", fmt.Errorf("create session: %w", err)
	}

	// Capture outlives the caller's context; Stop and Abort end it.
	captureCtx, cancel := context.WithCancel(context.Background())
	audioSession, err := c.audio.Start(captureCtx, c.cfg.Audio)
	if err != nil {
		cancel()
		if closeErr := c.store.CloseSession(context.Background(), session.ID, c.now(), domain.SessionFailed); closeErr != nil {
			c.logger.Warn("failed to close session after capture error", "session_id", session.ID, "error", closeErr)
		}
		c.events.SessionError(domain.ErrorCodeStartup, fmt.Sprintf("failed to start audio capture: %v", err))
		return "", fmt.Errorf("start audio capture: %w", err)
	}

	active := &activeSession{
		id:            session.ID,
		startTime:     startTime,
		cancel:        cancel,
		audio:         audioSession,
		tasks:         newTaskTracker(),
		state:         domain.CaptureRecording,
		segmenterDone: make(chan struct{}),
		finalized:     make(chan struct{}),
	}
	active.segmenter = NewSegmenter(session.ID, SegmenterConfig{
		Format: audio.Format{
			SampleRate:    c.cfg.Audio.SampleRate,
			Channels:      c.cfg.Audio.Channels,
			BitsPerSample: audio.BitsPerSample,
		},
		ChunkSeconds: c.cfg.ChunkSeconds,
		ReadSize:     c.cfg.ReadSize,
		Dir:          c.cfg.ArtifactDir,
	}, func(ev domain.ChunkClosed) {
		c.handleChunkClosed(active, ev)
	}, c.logger)

	c.mu.Lock()
	c.current = active
	c.mu.Unlock()

	c.logger.Info("session started", "session_id", session.ID)
	c.events.CaptureStateChanged(session.ID, domain.CaptureRecording)

	go c.capture(active)
	return session.ID, nil
}

// Stop ends capture and waits for every chunk of the session to reach a
// terminal state. If ctx expires first the session still closes in the
// background once drained.
func (c *SessionController) Stop(ctx context.Context) (domain.SessionSummary, error) {
	active, err := c.getCurrent()
	if err != nil {
		return domain.SessionSummary{}, err
	}
	c.beginFinalize(active)

	select {
	case <-active.finalized:
		return active.result()
	case <-ctx.Done():
		return domain.SessionSummary{}, fmt.Errorf("session %s still draining: %w", active.id, ctx.Err())
	}
}

// Abort ends capture, cancels outstanding chunk jobs and closes the session
// CANCELLED. Sessions still draining after Stop are aborted as well.
func (c *SessionController) Abort() error {
	c.mu.Lock()
	var targets []*activeSession
	if c.current != nil {
		targets = append(targets, c.current)
	}
	for _, s := range c.closing {
		targets = append(targets, s)
	}
	c.mu.Unlock()
	if len(targets) == 0 {
		return ErrNoActiveSession
	}

	for _, active := range targets {
		active.aborted.Store(true)
		c.cancelTasks(active)
		c.beginFinalize(active)
	}

	var errs []error
	for _, active := range targets {
		<-active.finalized
		if _, err := active.result(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CancelChunk cancels the scheduled job of one chunk.
func (c *SessionController) CancelChunk(chunkID string) bool {
	return c.queue.Cancel(chunkID)
}

// Status returns the current backend status.
func (c *SessionController) Status() domain.Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	inFlight := c.background.count()
	for _, s := range c.closing {
		inFlight += s.tasks.count()
	}
	if c.current != nil {
		inFlight += c.current.tasks.count()
		state := c.current.getState()
		return domain.Status{State: state, Active: true, SessionID: c.current.id, InFlight: inFlight}
	}
	if len(c.closing) > 0 {
		return domain.Status{
			State:    domain.CaptureDraining,
			InFlight: inFlight,
			Message:  fmt.Sprintf("%d session(s) waiting for transcription", len(c.closing)),
		}
	}
	return domain.Status{State: domain.CaptureIdle, InFlight: inFlight}
}

// Recover re-enqueues chunks left unfinished by a previous run and closes
// sessions whose capture was interrupted. It returns the number of chunks enqueued.
func (c *SessionController) Recover(ctx context.Context) (int, error) {
	c.mu.Lock()
	skip := make(map[string]bool)
	if c.current != nil {
		skip[c.current.id] = true
	}
	for id := range c.closing {
		skip[id] = true
	}
	c.mu.Unlock()

	open, err := c.store.ListSessions(ctx, domain.SessionInProgress)
	if err != nil {
		return 0, fmt.Errorf("list open sessions: %w", err)
	}
	for _, s := range open {
		if skip[s.ID] {
			continue
		}
		if err := c.store.CloseSession(ctx, s.ID, s.UpdatedAt, domain.SessionFailed); err != nil {
			c.logger.Warn("failed to close interrupted session", "session_id", s.ID, "error", err)
			continue
		}
		c.logger.Info("closed interrupted session", "session_id", s.ID)
	}

	chunks, err := c.store.UnfinishedChunks(ctx)
	if err != nil {
		return 0, fmt.Errorf("list unfinished chunks: %w", err)
	}

	recovered := 0
	for _, chunk := range chunks {
		if skip[chunk.SessionID] {
			continue
		}
		if _, err := os.Stat(chunk.ArtifactPath); err != nil {
			job := jobForChunk(chunk, c.cfg.Language)
			c.recordOutcome(ports.TranscriptionOutcome{Job: job, Err: domain.TerminalError("audio artifact missing", err)})
			continue
		}
		if c.dispatch(c.background, chunk) {
			recovered++
		}
	}
	if recovered > 0 {
		c.logger.Info("recovered unfinished chunks", "count", recovered)
	}
	return recovered, nil
}

// Wait blocks until closing sessions and recovered chunks have drained.
func (c *SessionController) Wait(ctx context.Context) error {
	c.mu.Lock()
	waits := []<-chan struct{}{c.background.drained()}
	for _, s := range c.closing {
		waits = append(waits, s.finalized)
	}
	c.mu.Unlock()

	for _, ch := range waits {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (c *SessionController) capture(active *activeSession) {
	err := active.segmenter.Run(active.audio)
	if err != nil {
		active.setCaptureErr(err)
		c.logger.Error("audio capture aborted", "session_id", active.id, "error", err)
		c.events.SessionError(domain.ErrorCodeAudioStream, fmt.Sprintf("audio capture error: %v", err))
	}
	close(active.segmenterDone)

	// The stream ended without Stop: ffmpeg exited or the input ran out.
	c.beginFinalize(active)
}

func (c *SessionController) beginFinalize(active *activeSession) {
	active.finalizeOnce.Do(func() {
		go c.finalize(active)
	})
}

func (c *SessionController) finalize(active *activeSession) {
	defer close(active.finalized)
	log := c.logger.With("session_id", active.id)

	active.setState(domain.CaptureStopping)
	c.events.CaptureStateChanged(active.id, domain.CaptureStopping)

	// The source flushes its tail on stop; the segmenter reads it to EOF.
	if err := active.audio.Stop(); err != nil {
		log.Warn("audio capture did not stop cleanly", "error", err)
		c.events.SessionError(domain.ErrorCodeAudioStop, "failed to stop audio capture cleanly")
	}
	active.segmenter.Stop()
	<-active.segmenterDone
	active.cancel()

	c.mu.Lock()
	if c.current == active {
		c.current = nil
	}
	c.closing[active.id] = active
	c.mu.Unlock()

	if active.aborted.Load() {
		c.cancelTasks(active)
	}

	active.setState(domain.CaptureDraining)
	c.events.CaptureStateChanged(active.id, domain.CaptureDraining)
	<-active.tasks.drained()

	if active.tasks.interrupted.Load() && !active.aborted.Load() {
		// Left IN_PROGRESS; Recover closes it and resumes its chunks.
		active.finalizeErr = fmt.Errorf("session %s: %w", active.id, ErrInterrupted)
		c.mu.Lock()
		delete(c.closing, active.id)
		c.mu.Unlock()
		log.Warn("scheduler shut down before all chunks finished; session left for recovery")
		active.setState(domain.CaptureIdle)
		c.events.CaptureStateChanged(active.id, domain.CaptureIdle)
		return
	}

	status := domain.SessionCompleted
	switch {
	case active.aborted.Load():
		status = domain.SessionCancelled
	case active.getCaptureErr() != nil:
		status = domain.SessionFailed
	}

	summary, err := c.finalizer.Finalize(context.Background(), active.id, c.now(), status)
	active.summary, active.finalizeErr = summary, err

	c.mu.Lock()
	delete(c.closing, active.id)
	c.mu.Unlock()

	final := domain.CaptureIdle
	if err != nil {
		final = domain.CaptureError
		log.Error("failed to finalize session", "error", err)
	} else {
		log.Info("session closed", "status", status, "chunks", summary.ChunkCount, "transcribed", summary.TranscribedChunkCount)
	}
	active.setState(final)
	c.events.CaptureStateChanged(active.id, final)
}

func (c *SessionController) cancelTasks(active *activeSession) {
	for _, id := range active.tasks.snapshot() {
		c.queue.Cancel(id)
	}
}

// handleChunkClosed runs on the segmenter goroutine: the chunk record exists
// before its job is enqueued, and chunks are handled in index order.
func (c *SessionController) handleChunkClosed(active *activeSession, ev domain.ChunkClosed) {
	chunk, err := c.store.CreateChunk(context.Background(), active.id, ev.Index, ev.Artifact)
	if err != nil {
		c.logger.Error("failed to record chunk", "session_id", active.id, "index", ev.Index, "path", ev.Artifact.Path, "error", err)
		c.events.SessionError(domain.ErrorCodeStorage, fmt.Sprintf("failed to record chunk %d: %v", ev.Index, err))
		return
	}
	c.events.ChunkClosed(ev)
	c.dispatch(active.tasks, chunk)
}

func (c *SessionController) dispatch(tracker *taskTracker, chunk domain.Chunk) bool {
	job := jobForChunk(chunk, c.cfg.Language)
	tracker.add(chunk.ID)
	if err := c.queue.Enqueue(job, &chunkObserver{c: c, tracker: tracker}); err != nil {
		tracker.done(chunk.ID)
		c.recordOutcome(ports.TranscriptionOutcome{
			Job: job,
			Err: domain.TerminalError("could not schedule transcription", err),
		})
		return false
	}
	return true
}

// recordOutcome persists a terminal job result. The artifact is deleted only
// once the transcript is stored.
func (c *SessionController) recordOutcome(outcome ports.TranscriptionOutcome) {
	ctx := context.Background()
	job := outcome.Job
	log := c.logger.With("chunk_id", job.ChunkID, "session_id", job.SessionID, "index", job.ChunkIndex)

	if outcome.Interrupted {
		log.Info("transcription interrupted by shutdown; chunk left for recovery")
		return
	}
	if outcome.Succeeded() {
		if err := c.store.CompleteChunk(ctx, job.ChunkID, outcome.Transcript); err != nil {
			log.Error("failed to store transcript", "error", err)
			c.events.SessionError(domain.ErrorCodeStorage, fmt.Sprintf("failed to store transcript for chunk %d: %v", job.ChunkIndex, err))
			return
		}
		if err := c.artifacts.Remove(job.ArtifactPath); err != nil {
			log.Warn("failed to delete audio artifact", "path", job.ArtifactPath, "error", err)
		}
		c.events.ChunkCompleted(job, outcome.Transcript)
		return
	}

	reason := "transcription failed"
	if outcome.Err != nil {
		reason = outcome.Err.Error()
	}
	if err := c.store.FailChunk(ctx, job.ChunkID, reason); err != nil {
		log.Error("failed to mark chunk failed", "error", err)
		c.events.SessionError(domain.ErrorCodeStorage, fmt.Sprintf("failed to mark chunk %d failed: %v", job.ChunkIndex, err))
	}
	log.Warn("chunk failed", "reason", reason)
	c.events.ChunkFailed(job, reason)
}

func (c *SessionController) getCurrent() (*activeSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil, ErrNoActiveSession
	}
	return c.current, nil
}

func jobForChunk(chunk domain.Chunk, language string) ports.TranscriptionJob {
	return ports.TranscriptionJob{
		ChunkID:      chunk.ID,
		SessionID:    chunk.SessionID,
		ChunkIndex:   chunk.ChunkIndex,
		ArtifactPath: chunk.ArtifactPath,
		Language:     language,
	}
}

type chunkObserver struct {
	c       *SessionController
	tracker *taskTracker
}

func (o *chunkObserver) AttemptStarted(job ports.TranscriptionJob, attempt int) {
	if err := o.c.store.MarkProcessing(context.Background(), job.ChunkID); err != nil {
		o.c.logger.Warn("failed to mark chunk processing", "chunk_id", job.ChunkID, "attempt", attempt, "error", err)
	}
}

func (o *chunkObserver) RetryScheduled(job ports.TranscriptionJob, attempt int, cause *domain.TranscriptionError, delay time.Duration) {
	if err := o.c.store.MarkRetrying(context.Background(), job.ChunkID, cause.Error()); err != nil {
		o.c.logger.Warn("failed to mark chunk retrying", "chunk_id", job.ChunkID, "attempt", attempt, "error", err)
	}
}

func (o *chunkObserver) Finished(outcome ports.TranscriptionOutcome) {
	defer o.tracker.done(outcome.Job.ChunkID)
	if outcome.Interrupted {
		o.tracker.interrupted.Store(true)
	}
	o.c.recordOutcome(outcome)
}
