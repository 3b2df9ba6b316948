package usecase

import (
	"context"
	"fmt"
	"time"

	"audioscribe/internal/domain"
	"audioscribe/internal/ports"
)

type sessionFinalizer struct {
	store  ports.SessionStore
	events ports.EventSink
}

func newSessionFinalizer(store ports.SessionStore, events ports.EventSink) sessionFinalizer {
	return sessionFinalizer{store: store, events: events}
}

// Finalize closes the session and publishes its summary.
func (f sessionFinalizer) Finalize(ctx context.Context, sessionID string, end time.Time, status domain.SessionStatus) (domain.SessionSummary, error) {
	if err := f.store.CloseSession(ctx, sessionID, end, status); err != nil {
		f.events.SessionError(domain.ErrorCodeStorage, fmt.Sprintf("failed to close session: %v", err))
		return domain.SessionSummary{}, fmt.Errorf("close session %s: %w", sessionID, err)
	}

	session, err := f.store.GetSession(ctx, sessionID)
	if err == nil && session == nil {
		err = fmt.Errorf("session %s disappeared", sessionID)
	}
	if err != nil {
		f.events.SessionError(domain.ErrorCodeStorage, fmt.Sprintf("failed to load closed session: %v", err))
		return domain.SessionSummary{}, err
	}

	text, err := f.store.CombinedText(ctx, sessionID)
	if err != nil {
		f.events.SessionError(domain.ErrorCodeStorage, fmt.Sprintf("failed to assemble transcript: %v", err))
		return domain.SessionSummary{}, err
	}

	summary := domain.SessionSummary{
		SessionID:             session.ID,
		Status:                session.Status,
		StartTime:             session.StartTime,
		EndTime:               end,
		DurationMs:            session.DurationMs,
		ChunkCount:            session.ChunkCount,
		TranscribedChunkCount: session.TranscribedChunkCount,
		TotalAudioBytes:       session.TotalAudioBytes,
		Text:                  text,
	}
	f.events.SessionClosed(summary)
	return summary, nil
}
