package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"audioscribe/internal/domain"
)

const sessionColumns = `id, startTime, endTime, durationMs, status, title, notes,
	chunkCount, transcribedChunkCount, totalAudioBytes, createdAt, updatedAt`

// CreateSession inserts a new IN_PROGRESS session.
func (s *Store) CreateSession(ctx context.Context, startTime time.Time) (domain.Session, error) {
	now := s.now()
	sess := domain.Session{
		ID:        s.newID(),
		StartTime: startTime,
		Status:    domain.SessionInProgress,
		Title:     fmt.Sprintf("Session %s", startTime.Format("2006-01-02 15:04:05")),
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, startTime, status, title, createdAt, updatedAt)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sess.ID, unixSeconds(startTime), string(sess.Status), sess.Title, unixSeconds(now), unixSeconds(now))
	if err != nil {
		return domain.Session{}, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

// CloseSession records the end of an IN_PROGRESS session.
func (s *Store) CloseSession(ctx context.Context, sessionID string, endTime time.Time, status domain.SessionStatus) error {
	if !status.Terminal() {
		return fmt.Errorf("close session with status %s: %w", status, ErrInvalidTransition)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET endTime = ?,
			durationMs = MAX(0, CAST(ROUND((? - startTime) * 1000) AS INTEGER)),
			status = ?,
			updatedAt = ?
		WHERE id = ? AND status = 'IN_PROGRESS'
	`, unixSeconds(endTime), unixSeconds(endTime), string(status), unixSeconds(s.now()), sessionID)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	return s.checkAffected(ctx, res, "sessions", sessionID)
}

// GetSession returns a session by id, or nil if it does not exist.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, sessionID)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &sess, nil
}

// MostRecentSession returns the latest started session, or nil.
func (s *Store) MostRecentSession(ctx context.Context) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY startTime DESC LIMIT 1`)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &sess, nil
}

// ListSessions returns sessions newest first, filtered by status when non-empty.
func (s *Store) ListSessions(ctx context.Context, status domain.SessionStatus) ([]domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY startTime DESC`
	return s.querySessions(ctx, query, args...)
}

// SessionsInRange returns sessions started within [from, to], newest first.
func (s *Store) SessionsInRange(ctx context.Context, from, to time.Time) ([]domain.Session, error) {
	return s.querySessions(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE startTime BETWEEN ? AND ?
		ORDER BY startTime DESC
	`, unixSeconds(from), unixSeconds(to))
}

// DeleteSession removes a session and, by cascade, its chunks.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	return nil
}

// CleanupOldData deletes closed sessions created before cutoff together with their chunks.
func (s *Store) CleanupOldData(ctx context.Context, cutoff time.Time) (sessions int, chunks int, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		ts := unixSeconds(cutoff)
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM chunks c JOIN sessions s ON s.id = c.sessionId
			WHERE s.createdAt < ? AND s.status != 'IN_PROGRESS'
		`, ts).Scan(&chunks); err != nil {
			return fmt.Errorf("count old chunks: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE createdAt < ? AND status != 'IN_PROGRESS'`, ts)
		if err != nil {
			return fmt.Errorf("delete old sessions: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete old sessions: %w", err)
		}
		sessions = int(n)
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return sessions, chunks, nil
}

// Statistics aggregates totals across all sessions.
func (s *Store) Statistics(ctx context.Context) (domain.SessionStatistics, error) {
	var stats domain.SessionStatistics
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'COMPLETED' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(durationMs), 0),
			COALESCE(SUM(totalAudioBytes), 0)
		FROM sessions
	`).Scan(&stats.TotalSessions, &stats.CompletedSessions, &stats.TotalDurationMs, &stats.TotalAudioBytes)
	if err != nil {
		return stats, fmt.Errorf("session statistics: %w", err)
	}
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN status = 'FAILED' THEN 1 ELSE 0 END), 0) FROM chunks
	`).Scan(&stats.TotalChunks, &stats.FailedChunks)
	if err != nil {
		return stats, fmt.Errorf("chunk statistics: %w", err)
	}
	return stats, nil
}

func (s *Store) querySessions(ctx context.Context, query string, args ...any) ([]domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (domain.Session, error) {
	var sess domain.Session
	var startTime, createdAt, updatedAt float64
	var endTime sql.NullFloat64
	var status string
	var notes sql.NullString

	if err := row.Scan(&sess.ID, &startTime, &endTime, &sess.DurationMs, &status, &sess.Title, &notes,
		&sess.ChunkCount, &sess.TranscribedChunkCount, &sess.TotalAudioBytes, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sess, err
		}
		return sess, fmt.Errorf("scan session: %w", err)
	}

	sess.StartTime = timeFromUnix(startTime)
	sess.EndTime = nullableTime(endTime)
	sess.Status = domain.SessionStatus(status)
	sess.Notes = notes.String
	sess.CreatedAt = timeFromUnix(createdAt)
	sess.UpdatedAt = timeFromUnix(updatedAt)
	return sess, nil
}

// checkAffected distinguishes a missing row from a refused transition.
func (s *Store) checkAffected(ctx context.Context, res sql.Result, table, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table+` WHERE id = ?`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("lookup %s %s: %w", table, id, err)
	}
	if exists == 0 {
		return fmt.Errorf("%s %s: %w", table, id, ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", table, id, ErrInvalidTransition)
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
