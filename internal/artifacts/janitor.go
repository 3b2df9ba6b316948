package artifacts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// RetentionStore drops closed sessions older than a cutoff.
type RetentionStore interface {
	CleanupOldData(ctx context.Context, cutoff time.Time) (sessions int, chunks int, err error)
}

// Report is the result of one janitor pass.
type Report struct {
	Sweep           SweepResult `json:"sweep"`
	SessionsDeleted int         `json:"sessionsDeleted"`
	ChunksDeleted   int         `json:"chunksDeleted"`
}

// Janitor periodically sweeps the artifact dir and applies store retention.
type Janitor struct {
	dir       string
	policy    Policy
	store     RetentionStore
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewJanitor builds a janitor. A nil store or zero retention skips record cleanup.
func NewJanitor(dir string, policy Policy, store RetentionStore, retention time.Duration, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		dir:       dir,
		policy:    policy,
		store:     store,
		retention: retention,
		logger:    logger.With("component", "janitor"),
		now:       time.Now,
	}
}

// RunOnce performs a single sweep and retention pass.
func (j *Janitor) RunOnce(ctx context.Context) (Report, error) {
	var report Report
	now := j.now()

	sweep, sweepErr := Sweep(j.dir, j.policy, now)
	report.Sweep = sweep
	if sweepErr != nil {
		sweepErr = fmt.Errorf("sweep artifacts: %w", sweepErr)
	}

	var retentionErr error
	if j.store != nil && j.retention > 0 {
		sessions, chunks, err := j.store.CleanupOldData(ctx, now.Add(-j.retention))
		if err != nil {
			retentionErr = fmt.Errorf("apply retention: %w", err)
		}
		report.SessionsDeleted, report.ChunksDeleted = sessions, chunks
	}

	if report.Sweep.Deleted+report.Sweep.Failed+report.SessionsDeleted > 0 {
		j.logger.Info("cleanup completed",
			"artifacts_deleted", report.Sweep.Deleted,
			"failed_artifacts_deleted", report.Sweep.Failed,
			"bytes_freed", report.Sweep.BytesFreed,
			"sessions_deleted", report.SessionsDeleted,
			"chunks_deleted", report.ChunksDeleted,
		)
	}
	return report, errors.Join(sweepErr, retentionErr)
}

// Start runs RunOnce every interval until ctx is done.
func (j *Janitor) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := j.RunOnce(ctx); err != nil {
					j.logger.Warn("cleanup failed", "error", err)
				}
			}
		}
	}()
}
