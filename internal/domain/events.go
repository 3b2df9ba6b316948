package domain

import "time"

// EventType names a pipeline event published to subscribers.
type EventType string

const (
	EventCaptureState   EventType = "capture_state"
	EventChunkClosed    EventType = "chunk_closed"
	EventChunkCompleted EventType = "chunk_completed"
	EventChunkFailed    EventType = "chunk_failed"
	EventSessionClosed  EventType = "session_closed"
	EventSessionError   EventType = "session_error"
)

// Event is the wire form of a pipeline event.
type Event struct {
	Type       EventType       `json:"type"`
	At         time.Time       `json:"at"`
	SessionID  string          `json:"sessionId,omitempty"`
	ChunkID    string          `json:"chunkId,omitempty"`
	ChunkIndex *int            `json:"chunkIndex,omitempty"`
	State      CaptureState    `json:"state,omitempty"`
	Text       string          `json:"text,omitempty"`
	Code       ErrorCode       `json:"code,omitempty"`
	Message    string          `json:"message,omitempty"`
	Artifact   *ArtifactMeta   `json:"artifact,omitempty"`
	Summary    *SessionSummary `json:"summary,omitempty"`
}
