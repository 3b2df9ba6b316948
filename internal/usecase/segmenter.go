package usecase

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"audioscribe/internal/audio"
	"audioscribe/internal/domain"
)

const defaultReadSize = 4096

// SegmenterConfig controls how a PCM stream is cut into WAV chunks.
type SegmenterConfig struct {
	Format       audio.Format
	ChunkSeconds int
	ReadSize     int
	Dir          string
}

// Segmenter writes a PCM stream into bounded WAV chunks and reports each
// non-empty chunk synchronously, in index order, before opening the next.
type Segmenter struct {
	sessionID string
	cfg       SegmenterConfig
	maxBytes  int64
	maxAge    time.Duration
	onClosed  func(domain.ChunkClosed)
	logger    *slog.Logger
	now       func() time.Time

	stopping atomic.Bool
}

func NewSegmenter(sessionID string, cfg SegmenterConfig, onClosed func(domain.ChunkClosed), logger *slog.Logger) *Segmenter {
	if cfg.Format.SampleRate <= 0 || cfg.Format.Channels <= 0 || cfg.Format.BitsPerSample <= 0 {
		cfg.Format = audio.DefaultFormat()
	}
	if cfg.ChunkSeconds <= 0 {
		cfg.ChunkSeconds = 30
	}
	if cfg.ReadSize < 256 {
		cfg.ReadSize = defaultReadSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Segmenter{
		sessionID: sessionID,
		cfg:       cfg,
		maxBytes:  int64(cfg.Format.BytesPerSecond()) * int64(cfg.ChunkSeconds),
		maxAge:    time.Duration(cfg.ChunkSeconds) * time.Second,
		onClosed:  onClosed,
		logger:    logger.With("component", "segmenter", "session_id", sessionID),
		now:       time.Now,
	}
}

// Stop asks Run to finish after the current read.
func (s *Segmenter) Stop() {
	s.stopping.Store(true)
}

// Run consumes stream until it ends or Stop is called. A non-nil error means
// capture was aborted; chunks closed before the error were still reported.
func (s *Segmenter) Run(stream io.Reader) error {
	if err := os.MkdirAll(s.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}

	index := 0
	current, opened, err := s.open(index)
	if err != nil {
		return err
	}

	buf := make([]byte, s.cfg.ReadSize)
	for !s.stopping.Load() {
		n, readErr := stream.Read(buf)
		data := buf[:n]
		for len(data) > 0 {
			part := data
			if room := s.maxBytes - current.DataBytes(); int64(len(part)) > room {
				part = part[:room]
			}
			if _, err := current.Write(part); err != nil {
				_ = current.Discard()
				return fmt.Errorf("write chunk %d: %w", index, err)
			}
			data = data[len(part):]

			if current.DataBytes() < s.maxBytes && s.now().Sub(opened) < s.maxAge {
				continue
			}
			emitted, err := s.close(current, index)
			if err != nil {
				return err
			}
			if emitted {
				index++
			}
			if current, opened, err = s.open(index); err != nil {
				return err
			}
		}

		if readErr != nil {
			if endOfStream(readErr) {
				break
			}
			if _, err := s.close(current, index); err != nil {
				return errors.Join(fmt.Errorf("read audio: %w", readErr), err)
			}
			return fmt.Errorf("read audio: %w", readErr)
		}
	}

	_, err = s.close(current, index)
	return err
}

func (s *Segmenter) open(index int) (*audio.WAVWriter, time.Time, error) {
	opened := s.now()
	name := fmt.Sprintf("audioscribe_%d_%d.wav", opened.UnixMilli(), index)
	w, err := audio.CreateWAV(filepath.Join(s.cfg.Dir, name), s.cfg.Format)
	if err != nil {
		return nil, opened, fmt.Errorf("open chunk %d: %w", index, err)
	}
	return w, opened, nil
}

// close finalizes w and reports it. Empty chunks are deleted and not reported.
func (s *Segmenter) close(w *audio.WAVWriter, index int) (bool, error) {
	dataBytes := w.DataBytes()
	if dataBytes == 0 {
		if err := w.Discard(); err != nil {
			s.logger.Warn("failed to remove empty chunk", "path", w.Path(), "error", err)
		}
		return false, nil
	}

	size, err := w.Finalize()
	if err != nil {
		return false, fmt.Errorf("close chunk %d: %w", index, err)
	}

	ev := domain.ChunkClosed{
		SessionID: s.sessionID,
		Index:     index,
		Artifact: domain.ArtifactMeta{
			Path:       w.Path(),
			FileName:   filepath.Base(w.Path()),
			SizeBytes:  size,
			DurationMs: s.cfg.Format.DurationMs(dataBytes),
		},
	}
	s.logger.Debug("chunk closed", "index", index, "bytes", size, "duration_ms", ev.Artifact.DurationMs)
	if s.onClosed != nil {
		s.onClosed(ev)
	}
	return true, nil
}

func endOfStream(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
