package domain

import "time"

// SessionStatus is the persisted lifecycle of a recording session.
type SessionStatus string

const (
	SessionInProgress SessionStatus = "IN_PROGRESS"
	SessionCompleted  SessionStatus = "COMPLETED"
	SessionFailed     SessionStatus = "FAILED"
	SessionCancelled  SessionStatus = "CANCELLED"
)

// Terminal reports whether the session can no longer change.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known session status.
func (s SessionStatus) Valid() bool {
	return s == SessionInProgress || s.Terminal()
}

// ChunkStatus is the persisted transcription lifecycle of a chunk.
type ChunkStatus string

const (
	ChunkPending    ChunkStatus = "PENDING"
	ChunkProcessing ChunkStatus = "PROCESSING"
	ChunkRetrying   ChunkStatus = "RETRYING"
	ChunkCompleted  ChunkStatus = "COMPLETED"
	ChunkFailed     ChunkStatus = "FAILED"
)

// Terminal reports whether the chunk has reached COMPLETED or FAILED.
func (s ChunkStatus) Terminal() bool {
	return s == ChunkCompleted || s == ChunkFailed
}

// Valid reports whether s is a known chunk status.
func (s ChunkStatus) Valid() bool {
	switch s {
	case ChunkPending, ChunkProcessing, ChunkRetrying, ChunkCompleted, ChunkFailed:
		return true
	default:
		return false
	}
}

// Session is one continuous capture from start to stop.
type Session struct {
	ID                    string        `json:"id"`
	StartTime             time.Time     `json:"startTime"`
	EndTime               *time.Time    `json:"endTime,omitempty"`
	DurationMs            int64         `json:"durationMs"`
	Status                SessionStatus `json:"status"`
	Title                 string        `json:"title"`
	Notes                 string        `json:"notes,omitempty"`
	ChunkCount            int           `json:"chunkCount"`
	TranscribedChunkCount int           `json:"transcribedChunkCount"`
	TotalAudioBytes       int64         `json:"totalAudioBytes"`
	CreatedAt             time.Time     `json:"createdAt"`
	UpdatedAt             time.Time     `json:"updatedAt"`
}

// Chunk is one bounded audio segment and its transcription state.
type Chunk struct {
	ID                       string      `json:"id"`
	SessionID                string      `json:"sessionId"`
	ChunkIndex               int         `json:"chunkIndex"`
	Text                     string      `json:"text,omitempty"`
	Confidence               *float64    `json:"confidence,omitempty"`
	DetectedLanguage         string      `json:"detectedLanguage,omitempty"`
	DurationMs               int64       `json:"durationMs"`
	AudioFileSizeBytes       int64       `json:"audioFileSizeBytes"`
	OriginalFileName         string      `json:"originalFileName"`
	ArtifactPath             string      `json:"artifactPath"`
	Status                   ChunkStatus `json:"status"`
	ErrorMessage             string      `json:"errorMessage,omitempty"`
	RetryCount               int         `json:"retryCount"`
	TranscriptionStartedAt   *time.Time  `json:"transcriptionStartedAt,omitempty"`
	TranscriptionCompletedAt *time.Time  `json:"transcriptionCompletedAt,omitempty"`
	CreatedAt                time.Time   `json:"createdAt"`
	UpdatedAt                time.Time   `json:"updatedAt"`
}

// ArtifactMeta describes a finalized WAV artifact on disk.
type ArtifactMeta struct {
	Path       string `json:"path"`
	FileName   string `json:"fileName"`
	SizeBytes  int64  `json:"sizeBytes"`
	DurationMs int64  `json:"durationMs"`
}

// ChunkClosed is emitted once per non-empty finalized chunk.
type ChunkClosed struct {
	SessionID string       `json:"sessionId"`
	Index     int          `json:"index"`
	Artifact  ArtifactMeta `json:"artifact"`
}

// Transcript is the text returned by a transcription provider.
type Transcript struct {
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence,omitempty"`
	Language   string   `json:"language,omitempty"`
}

// SessionSummary is reported once a session has been closed.
type SessionSummary struct {
	SessionID             string        `json:"sessionId"`
	Status                SessionStatus `json:"status"`
	StartTime             time.Time     `json:"startTime"`
	EndTime               time.Time     `json:"endTime"`
	DurationMs            int64         `json:"durationMs"`
	ChunkCount            int           `json:"chunkCount"`
	TranscribedChunkCount int           `json:"transcribedChunkCount"`
	TotalAudioBytes       int64         `json:"totalAudioBytes"`
	Text                  string        `json:"text"`
}

// SessionStatistics aggregates all persisted sessions.
type SessionStatistics struct {
	TotalSessions     int   `json:"totalSessions"`
	CompletedSessions int   `json:"completedSessions"`
	TotalDurationMs   int64 `json:"totalDurationMs"`
	TotalAudioBytes   int64 `json:"totalAudioBytes"`
	TotalChunks       int   `json:"totalChunks"`
	FailedChunks      int   `json:"failedChunks"`
}

// CaptureState models the in-process capture lifecycle.
type CaptureState string

const (
	CaptureIdle      CaptureState = "idle"
	CaptureRecording CaptureState = "recording"
	CaptureStopping  CaptureState = "stopping"
	CaptureDraining  CaptureState = "draining"
	CaptureError     CaptureState = "error"
)

// ErrorCode identifies non-fatal and fatal backend errors.
type ErrorCode string

const (
	ErrorCodeStartup       ErrorCode = "startup"
	ErrorCodeAudioStop     ErrorCode = "audio_stop"
	ErrorCodeAudioStream   ErrorCode = "audio_stream"
	ErrorCodeStorage       ErrorCode = "storage"
	ErrorCodeTranscription ErrorCode = "transcription"
	ErrorCodeCleanup       ErrorCode = "cleanup"
)

// Status summarizes the current runtime status.
type Status struct {
	State     CaptureState `json:"state"`
	Active    bool         `json:"active"`
	SessionID string       `json:"sessionId,omitempty"`
	InFlight  int          `json:"inFlight"`
	Message   string       `json:"message,omitempty"`
}
