package main

import (
	"log/slog"
	"time"

	"audioscribe/internal/domain"
	"audioscribe/internal/httpapi"
	"audioscribe/internal/ports"
)

// App is the process-level event sink. It logs pipeline events and
// forwards them to websocket subscribers when a hub is attached.
type App struct {
	logger *slog.Logger
	hub    *httpapi.Hub
	now    func() time.Time
}

func NewApp(logger *slog.Logger, hub *httpapi.Hub) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{logger: logger.With("component", "events"), hub: hub, now: time.Now}
}

// CaptureStateChanged reports capture lifecycle transitions.
func (a *App) CaptureStateChanged(sessionID string, state domain.CaptureState) {
	a.logger.Info(captureStateMessage(state), "session_id", sessionID, "state", state)
	a.publish(domain.Event{Type: domain.EventCaptureState, SessionID: sessionID, State: state})
}

// ChunkClosed reports a finalized artifact.
func (a *App) ChunkClosed(ev domain.ChunkClosed) {
	a.logger.Info("chunk closed",
		"session_id", ev.SessionID,
		"index", ev.Index,
		"file", ev.Artifact.FileName,
		"bytes", ev.Artifact.SizeBytes,
		"duration_ms", ev.Artifact.DurationMs,
	)
	index := ev.Index
	artifact := ev.Artifact
	a.publish(domain.Event{Type: domain.EventChunkClosed, SessionID: ev.SessionID, ChunkIndex: &index, Artifact: &artifact})
}

// ChunkCompleted reports a transcribed chunk.
func (a *App) ChunkCompleted(job ports.TranscriptionJob, transcript domain.Transcript) {
	a.logger.Info("chunk transcribed", "session_id", job.SessionID, "chunk_id", job.ChunkID, "index", job.ChunkIndex, "chars", len(transcript.Text))
	index := job.ChunkIndex
	a.publish(domain.Event{
		Type:       domain.EventChunkCompleted,
		SessionID:  job.SessionID,
		ChunkID:    job.ChunkID,
		ChunkIndex: &index,
		Text:       transcript.Text,
	})
}

// ChunkFailed reports a chunk that reached a terminal failure.
func (a *App) ChunkFailed(job ports.TranscriptionJob, reason string) {
	a.logger.Warn("chunk failed", "session_id", job.SessionID, "chunk_id", job.ChunkID, "index", job.ChunkIndex, "reason", reason)
	index := job.ChunkIndex
	a.publish(domain.Event{
		Type:       domain.EventChunkFailed,
		SessionID:  job.SessionID,
		ChunkID:    job.ChunkID,
		ChunkIndex: &index,
		Message:    reason,
	})
}

// SessionClosed reports the final summary of a session.
func (a *App) SessionClosed(summary domain.SessionSummary) {
	a.logger.Info("session closed",
		"session_id", summary.SessionID,
		"status", summary.Status,
		"chunks", summary.ChunkCount,
		"transcribed", summary.TranscribedChunkCount,
		"duration_ms", summary.DurationMs,
	)
	a.publish(domain.Event{Type: domain.EventSessionClosed, SessionID: summary.SessionID, Summary: &summary})
}

// SessionError reports backend errors.
func (a *App) SessionError(code domain.ErrorCode, detail string) {
	message := errorMessage(code, detail)
	a.logger.Error(message, "code", code, "detail", detail)
	a.publish(domain.Event{Type: domain.EventSessionError, Code: code, Message: message, Text: detail})
}

func (a *App) publish(ev domain.Event) {
	if a.hub == nil {
		return
	}
	ev.At = a.now()
	a.hub.Broadcast(ev)
}

func captureStateMessage(state domain.CaptureState) string {
	switch state {
	case domain.CaptureIdle:
		return "Capture idle"
	case domain.CaptureRecording:
		return "Recording started"
	case domain.CaptureStopping:
		return "Recording stopping"
	case domain.CaptureDraining:
		return "Recording stopped. Transcribing remaining chunks..."
	case domain.CaptureError:
		return "Capture failed"
	default:
		return "Capture state changed"
	}
}

func errorMessage(code domain.ErrorCode, detail string) string {
	switch code {
	case domain.ErrorCodeStartup:
		return "Startup failed"
	case domain.ErrorCodeAudioStop:
		return "Audio stop issue"
	case domain.ErrorCodeAudioStream:
		return "Audio streaming issue"
	case domain.ErrorCodeStorage:
		return "Storage error"
	case domain.ErrorCodeTranscription:
		return "Transcription error"
	case domain.ErrorCodeCleanup:
		return "Cleanup failed"
	default:
		if detail == "" {
			return "Unknown error"
		}
		return detail
	}
}
