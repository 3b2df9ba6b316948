package ports

import (
	"context"
	"io"
	"time"

	"audioscribe/internal/domain"
)

// AudioConfig describes how the microphone should be captured.
type AudioConfig struct {
	SampleRate  int
	Channels    int
	InputFormat string
	InputDevice string
}

// AudioSession is a live capture session.
type AudioSession interface {
	io.ReadCloser
	Stop() error
}

// AudioCapture creates microphone capture sessions.
type AudioCapture interface {
	Start(ctx context.Context, cfg AudioConfig) (AudioSession, error)
}

// Transcriber turns one finalized audio artifact into text.
type Transcriber interface {
	Name() string
	Transcribe(ctx context.Context, artifactPath string, language string) (domain.Transcript, error)
}

// DeviceProbe reports the conditions checked before a transcription attempt.
type DeviceProbe interface {
	BatteryPercent(ctx context.Context) (int, error)
	InternetValidated(ctx context.Context) bool
}

// TranscriptionJob is the unit of work handed to the scheduler.
type TranscriptionJob struct {
	ChunkID      string
	SessionID    string
	ChunkIndex   int
	ArtifactPath string
	Language     string
}

// TranscriptionOutcome is reported exactly once per job.
type TranscriptionOutcome struct {
	Job         TranscriptionJob
	Transcript  domain.Transcript
	Err         *domain.TranscriptionError
	Attempts    int
	Deferrals   int
	Cancelled   bool
	// Interrupted marks a job cut short by scheduler shutdown. The chunk
	// is left unfinished for recovery.
	Interrupted bool
}

// Succeeded reports whether the job produced a transcript.
func (o TranscriptionOutcome) Succeeded() bool {
	return o.Err == nil && !o.Cancelled
}

// TaskObserver receives job transitions from the scheduler.
type TaskObserver interface {
	AttemptStarted(job TranscriptionJob, attempt int)
	RetryScheduled(job TranscriptionJob, attempt int, cause *domain.TranscriptionError, delay time.Duration)
	Finished(outcome TranscriptionOutcome)
}

// TaskQueue schedules transcription jobs.
type TaskQueue interface {
	Enqueue(job TranscriptionJob, observer TaskObserver) error
	Cancel(chunkID string) bool
}

// SessionStore persists sessions and chunks.
type SessionStore interface {
	CreateSession(ctx context.Context, startTime time.Time) (domain.Session, error)
	CloseSession(ctx context.Context, sessionID string, endTime time.Time, status domain.SessionStatus) error
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	CreateChunk(ctx context.Context, sessionID string, index int, artifact domain.ArtifactMeta) (domain.Chunk, error)
	MarkProcessing(ctx context.Context, chunkID string) error
	MarkRetrying(ctx context.Context, chunkID string, errorMessage string) error
	CompleteChunk(ctx context.Context, chunkID string, transcript domain.Transcript) error
	FailChunk(ctx context.Context, chunkID string, errorMessage string) error
	CombinedText(ctx context.Context, sessionID string) (string, error)
	UnfinishedChunks(ctx context.Context) ([]domain.Chunk, error)
	ListSessions(ctx context.Context, status domain.SessionStatus) ([]domain.Session, error)
}

// ArtifactRemover deletes audio artifacts.
type ArtifactRemover interface {
	Remove(path string) error
}

// EventSink receives pipeline events.
type EventSink interface {
	CaptureStateChanged(sessionID string, state domain.CaptureState)
	ChunkClosed(ev domain.ChunkClosed)
	ChunkCompleted(job TranscriptionJob, transcript domain.Transcript)
	ChunkFailed(job TranscriptionJob, reason string)
	SessionClosed(summary domain.SessionSummary)
	SessionError(code domain.ErrorCode, detail string)
}
