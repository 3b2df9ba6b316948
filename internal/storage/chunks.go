package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"audioscribe/internal/domain"
)

const chunkColumns = `id, sessionId, chunkIndex, text, confidence, detectedLanguage, durationMs,
	audioFileSizeBytes, originalFileName, artifactPath, status, errorMessage, retryCount,
	transcriptionStartedAt, transcriptionCompletedAt, createdAt, updatedAt`

// recomputeCounts refreshes the derived counters of one session.
const recomputeCounts = `
	UPDATE sessions SET
		chunkCount = (SELECT COUNT(*) FROM chunks WHERE sessionId = ?1),
		transcribedChunkCount = (SELECT COUNT(*) FROM chunks WHERE sessionId = ?1 AND status = 'COMPLETED'),
		updatedAt = ?2
	WHERE id = ?1
`

// CreateChunk inserts a PENDING chunk and accounts its bytes on the session.
func (s *Store) CreateChunk(ctx context.Context, sessionID string, index int, artifact domain.ArtifactMeta) (domain.Chunk, error) {
	now := s.now()
	chunk := domain.Chunk{
		ID:                 s.newID(),
		SessionID:          sessionID,
		ChunkIndex:         index,
		DurationMs:         artifact.DurationMs,
		AudioFileSizeBytes: artifact.SizeBytes,
		OriginalFileName:   artifact.FileName,
		ArtifactPath:       artifact.Path,
		Status:             domain.ChunkPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = ?`, sessionID).Scan(&status)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
			}
			return fmt.Errorf("lookup session: %w", err)
		}
		if domain.SessionStatus(status).Terminal() {
			return fmt.Errorf("session %s is %s: %w", sessionID, status, ErrInvalidTransition)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO chunks (id, sessionId, chunkIndex, durationMs, audioFileSizeBytes,
				originalFileName, artifactPath, status, createdAt, updatedAt)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, chunk.ID, sessionID, index, artifact.DurationMs, artifact.SizeBytes,
			artifact.FileName, artifact.Path, string(domain.ChunkPending), unixSeconds(now), unixSeconds(now))
		if err != nil {
			return fmt.Errorf("insert chunk: %w", err)
		}
		if _, err := tx.ExecContext(ctx, recomputeCounts, sessionID, unixSeconds(now)); err != nil {
			return fmt.Errorf("recompute counts: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions SET totalAudioBytes = totalAudioBytes + ? WHERE id = ?
		`, artifact.SizeBytes, sessionID); err != nil {
			return fmt.Errorf("add audio bytes: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.Chunk{}, err
	}
	return chunk, nil
}

// MarkProcessing records the start of a transcription attempt.
func (s *Store) MarkProcessing(ctx context.Context, chunkID string) error {
	now := unixSeconds(s.now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE chunks
		SET status = 'PROCESSING',
			transcriptionStartedAt = COALESCE(transcriptionStartedAt, ?),
			updatedAt = ?
		WHERE id = ? AND status IN ('PENDING', 'RETRYING', 'PROCESSING')
	`, now, now, chunkID)
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	return s.checkAffected(ctx, res, "chunks", chunkID)
}

// MarkRetrying records a retryable failure and bumps the retry count.
func (s *Store) MarkRetrying(ctx context.Context, chunkID string, errorMessage string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE chunks
		SET status = 'RETRYING', errorMessage = ?, retryCount = retryCount + 1, updatedAt = ?
		WHERE id = ? AND status IN ('PENDING', 'PROCESSING', 'RETRYING')
	`, errorMessage, unixSeconds(s.now()), chunkID)
	if err != nil {
		return fmt.Errorf("mark retrying: %w", err)
	}
	return s.checkAffected(ctx, res, "chunks", chunkID)
}

// CompleteChunk stores the transcript and refreshes the session counts.
func (s *Store) CompleteChunk(ctx context.Context, chunkID string, transcript domain.Transcript) error {
	return s.finishChunk(ctx, chunkID, func(tx *sql.Tx, now float64) (sql.Result, error) {
		var confidence sql.NullFloat64
		if transcript.Confidence != nil {
			confidence = sql.NullFloat64{Float64: *transcript.Confidence, Valid: true}
		}
		return tx.ExecContext(ctx, `
			UPDATE chunks
			SET status = 'COMPLETED', text = ?, confidence = ?, detectedLanguage = ?,
				errorMessage = NULL, transcriptionCompletedAt = ?, updatedAt = ?
			WHERE id = ? AND status != 'COMPLETED'
		`, transcript.Text, confidence, nullString(transcript.Language), now, now, chunkID)
	})
}

// FailChunk marks the chunk FAILED. A COMPLETED chunk is never downgraded.
func (s *Store) FailChunk(ctx context.Context, chunkID string, errorMessage string) error {
	return s.finishChunk(ctx, chunkID, func(tx *sql.Tx, now float64) (sql.Result, error) {
		return tx.ExecContext(ctx, `
			UPDATE chunks
			SET status = 'FAILED', errorMessage = ?, transcriptionCompletedAt = ?, updatedAt = ?
			WHERE id = ? AND status != 'COMPLETED'
		`, errorMessage, now, now, chunkID)
	})
}

func (s *Store) finishChunk(ctx context.Context, chunkID string, update func(tx *sql.Tx, now float64) (sql.Result, error)) error {
	now := unixSeconds(s.now())
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var sessionID string
		err := tx.QueryRowContext(ctx, `SELECT sessionId FROM chunks WHERE id = ?`, chunkID).Scan(&sessionID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("chunks %s: %w", chunkID, ErrNotFound)
			}
			return fmt.Errorf("lookup chunk: %w", err)
		}
		res, err := update(tx, now)
		if err != nil {
			return fmt.Errorf("update chunk: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("chunks %s: %w", chunkID, ErrInvalidTransition)
		}
		if _, err := tx.ExecContext(ctx, recomputeCounts, sessionID, now); err != nil {
			return fmt.Errorf("recompute counts: %w", err)
		}
		return nil
	})
}

// GetChunk returns a chunk by id, or nil if it does not exist.
func (s *Store) GetChunk(ctx context.Context, chunkID string) (*domain.Chunk, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+chunkColumns+` FROM chunks WHERE id = ?`, chunkID)
	chunk, err := scanChunk(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &chunk, nil
}

// ChunksForSession returns the chunks of a session in index order.
func (s *Store) ChunksForSession(ctx context.Context, sessionID string) ([]domain.Chunk, error) {
	return s.queryChunks(ctx, `
		SELECT `+chunkColumns+` FROM chunks WHERE sessionId = ? ORDER BY chunkIndex ASC
	`, sessionID)
}

// ChunksByStatus returns chunks in a given status, oldest first.
func (s *Store) ChunksByStatus(ctx context.Context, status domain.ChunkStatus) ([]domain.Chunk, error) {
	return s.queryChunks(ctx, `
		SELECT `+chunkColumns+` FROM chunks WHERE status = ? ORDER BY createdAt ASC, chunkIndex ASC
	`, string(status))
}

// UnfinishedChunks returns every chunk that has not reached COMPLETED or FAILED.
func (s *Store) UnfinishedChunks(ctx context.Context) ([]domain.Chunk, error) {
	return s.queryChunks(ctx, `
		SELECT `+chunkColumns+` FROM chunks
		WHERE status IN ('PENDING', 'PROCESSING', 'RETRYING')
		ORDER BY createdAt ASC, chunkIndex ASC
	`)
}

// CombinedText joins the COMPLETED chunk texts of a session in index order.
func (s *Store) CombinedText(ctx context.Context, sessionID string) (string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT text FROM chunks
		WHERE sessionId = ? AND status = 'COMPLETED' AND text IS NOT NULL
		ORDER BY chunkIndex ASC
	`, sessionID)
	if err != nil {
		return "", fmt.Errorf("query combined text: %w", err)
	}
	defer rows.Close()

	var parts []string
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return "", fmt.Errorf("scan text: %w", err)
		}
		parts = append(parts, text)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	return strings.Join(parts, " "), nil
}

// SearchChunks finds chunks whose text contains query, newest first.
func (s *Store) SearchChunks(ctx context.Context, query string) ([]domain.Chunk, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	return s.queryChunks(ctx, `
		SELECT `+chunkColumns+` FROM chunks
		WHERE text LIKE ? ESCAPE '\'
		ORDER BY createdAt DESC
	`, "%"+escapeLike(query)+"%")
}

func (s *Store) queryChunks(ctx context.Context, query string, args ...any) ([]domain.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []domain.Chunk
	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
	return chunks, rows.Err()
}

func scanChunk(row rowScanner) (domain.Chunk, error) {
	var c domain.Chunk
	var text, language, errorMessage sql.NullString
	var confidence, startedAt, completedAt sql.NullFloat64
	var status string
	var createdAt, updatedAt float64

	if err := row.Scan(&c.ID, &c.SessionID, &c.ChunkIndex, &text, &confidence, &language, &c.DurationMs,
		&c.AudioFileSizeBytes, &c.OriginalFileName, &c.ArtifactPath, &status, &errorMessage, &c.RetryCount,
		&startedAt, &completedAt, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return c, err
		}
		return c, fmt.Errorf("scan chunk: %w", err)
	}

	c.Text = text.String
	if confidence.Valid {
		v := confidence.Float64
		c.Confidence = &v
	}
	c.DetectedLanguage = language.String
	c.Status = domain.ChunkStatus(status)
	c.ErrorMessage = errorMessage.String
	c.TranscriptionStartedAt = nullableTime(startedAt)
	c.TranscriptionCompletedAt = nullableTime(completedAt)
	c.CreatedAt = timeFromUnix(createdAt)
	c.UpdatedAt = timeFromUnix(updatedAt)
	return c, nil
}

func escapeLike(v string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(v)
}
