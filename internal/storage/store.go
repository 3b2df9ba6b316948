// Package storage persists sessions and chunks in SQLite.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a mutation targets a missing row.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when a status change is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")
)

const schema = `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		startTime REAL NOT NULL,
		endTime REAL,
		durationMs INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'IN_PROGRESS',
		title TEXT NOT NULL DEFAULT '',
		notes TEXT,
		chunkCount INTEGER NOT NULL DEFAULT 0,
		transcribedChunkCount INTEGER NOT NULL DEFAULT 0,
		totalAudioBytes INTEGER NOT NULL DEFAULT 0,
		createdAt REAL NOT NULL,
		updatedAt REAL NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chunks (
		id TEXT PRIMARY KEY,
		sessionId TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		chunkIndex INTEGER NOT NULL,
		text TEXT,
		confidence REAL,
		detectedLanguage TEXT,
		durationMs INTEGER NOT NULL DEFAULT 0,
		audioFileSizeBytes INTEGER NOT NULL DEFAULT 0,
		originalFileName TEXT NOT NULL DEFAULT '',
		artifactPath TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'PENDING',
		errorMessage TEXT,
		retryCount INTEGER NOT NULL DEFAULT 0,
		transcriptionStartedAt REAL,
		transcriptionCompletedAt REAL,
		createdAt REAL NOT NULL,
		updatedAt REAL NOT NULL,
		UNIQUE(sessionId, chunkIndex)
	);

	CREATE INDEX IF NOT EXISTS idx_chunks_status ON chunks(status);
	CREATE INDEX IF NOT EXISTS idx_chunks_createdAt ON chunks(createdAt);
	CREATE INDEX IF NOT EXISTS idx_sessions_startTime ON sessions(startTime);
`

// Store is the SQLite-backed session and chunk repository.
type Store struct {
	db    *sql.DB
	now   func() time.Time
	newID func() string
}

// DefaultDBPath returns the default database path under dataDir.
func DefaultDBPath(dataDir string) string {
	return filepath.Join(dataDir, "audioscribe.sqlite")
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection serializes writers and keeps the pragmas in effect.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db, now: time.Now, newID: uuid.NewString}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func timeFromUnix(ts float64) time.Time {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

func nullableTime(v sql.NullFloat64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := timeFromUnix(v.Float64)
	return &t
}
