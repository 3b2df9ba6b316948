// Package scheduler runs transcription jobs with admission gating and bounded retries.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"audioscribe/internal/domain"
	"audioscribe/internal/ports"
)

var (
	ErrClosed    = errors.New("scheduler closed")
	ErrDuplicate = errors.New("job already scheduled")
)

// TaskState is the scheduler-side lifecycle of a job.
type TaskState string

const (
	TaskQueued         TaskState = "queued"
	TaskAdmitted       TaskState = "admitted"
	TaskRunning        TaskState = "running"
	TaskRetryScheduled TaskState = "retry_scheduled"
	TaskSucceeded      TaskState = "succeeded"
	TaskFailed         TaskState = "failed"
)

// TaskSnapshot is a point-in-time view of a scheduled job.
type TaskSnapshot struct {
	Job       ports.TranscriptionJob `json:"job"`
	State     TaskState              `json:"state"`
	Attempts  int                    `json:"attempts"`
	Deferrals int                    `json:"deferrals"`
}

// Scheduler owns one goroutine per job and reports transitions to that job's observer.
type Scheduler struct {
	transcriber ports.Transcriber
	gate        Gate
	policy      Policy
	logger      *slog.Logger

	mu     sync.Mutex
	tasks  map[string]*task
	closed bool
	wg     sync.WaitGroup

	// sleep waits for d or ctx; tests replace it.
	sleep func(ctx context.Context, d time.Duration) bool
}

type task struct {
	job      ports.TranscriptionJob
	observer ports.TaskObserver
	ctx      context.Context
	cancel   context.CancelFunc

	mu        sync.Mutex
	state     TaskState
	attempts  int
	deferrals int
}

func New(transcriber ports.Transcriber, probe ports.DeviceProbe, policy Policy, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	policy = policy.withDefaults()
	return &Scheduler{
		transcriber: transcriber,
		gate:        NewGate(probe, policy.MinBattery),
		policy:      policy,
		logger:      logger.With("component", "scheduler"),
		tasks:       make(map[string]*task),
		sleep:       sleepContext,
	}
}

// Enqueue schedules a job. The observer receives exactly one Finished call.
func (s *Scheduler) Enqueue(job ports.TranscriptionJob, observer ports.TaskObserver) error {
	if job.ChunkID == "" {
		return errors.New("job has no chunk id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, exists := s.tasks[job.ChunkID]; exists {
		return fmt.Errorf("chunk %s: %w", job.ChunkID, ErrDuplicate)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &task{job: job, observer: observer, ctx: ctx, cancel: cancel, state: TaskQueued}
	s.tasks[job.ChunkID] = t
	s.wg.Add(1)
	go s.run(t)

	s.logger.Debug("job enqueued", "chunk_id", job.ChunkID, "session_id", job.SessionID, "index", job.ChunkIndex)
	return nil
}

// Cancel stops a job. It reports false when the job is unknown or already done.
func (s *Scheduler) Cancel(chunkID string) bool {
	s.mu.Lock()
	t, ok := s.tasks[chunkID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	t.cancel()
	return true
}

// ActiveArtifact reports whether a running job still needs the file at path.
func (s *Scheduler) ActiveArtifact(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.job.ArtifactPath == path {
			return true
		}
	}
	return false
}

// Snapshot lists the jobs still owned by the scheduler.
func (s *Scheduler) Snapshot() []TaskSnapshot {
	s.mu.Lock()
	tasks := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	out := make([]TaskSnapshot, 0, len(tasks))
	for _, t := range tasks {
		t.mu.Lock()
		out = append(out, TaskSnapshot{Job: t.job, State: t.state, Attempts: t.attempts, Deferrals: t.deferrals})
		t.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Job.SessionID != out[j].Job.SessionID {
			return out[i].Job.SessionID < out[j].Job.SessionID
		}
		return out[i].Job.ChunkIndex < out[j].Job.ChunkIndex
	})
	return out
}

// Close refuses new jobs, cancels the running ones and waits for their
// observers to return.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	for _, t := range s.tasks {
		t.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Scheduler) run(t *task) {
	outcome := s.execute(t)

	s.mu.Lock()
	delete(s.tasks, t.job.ChunkID)
	s.mu.Unlock()
	t.cancel()

	if t.observer != nil {
		t.observer.Finished(outcome)
	}
	s.wg.Done()
}

// execute drives a job through admission, attempts and backoff until it
// reaches a terminal state. Admission deferrals do not consume attempts.
func (s *Scheduler) execute(t *task) ports.TranscriptionOutcome {
	job := t.job
	log := s.logger.With("chunk_id", job.ChunkID, "index", job.ChunkIndex)
	outcome := ports.TranscriptionOutcome{Job: job}
	var lastErr *domain.TranscriptionError

	finish := func(state TaskState) ports.TranscriptionOutcome {
		t.setState(state)
		outcome.Attempts, outcome.Deferrals = t.counts()
		return outcome
	}
	cancelled := func() ports.TranscriptionOutcome {
		outcome.Cancelled = true
		outcome.Interrupted = s.isClosed()
		outcome.Err = domain.TerminalError("cancelled", nil)
		if lastErr != nil {
			outcome.Err.Err = lastErr
		}
		log.Info("job cancelled", "shutdown", outcome.Interrupted)
		return finish(TaskFailed)
	}

	for {
		if t.ctx.Err() != nil {
			return cancelled()
		}

		t.setState(TaskQueued)
		if ok, reason := s.gate.Admit(t.ctx); !ok {
			t.deferred()
			log.Info("attempt deferred", "reason", reason, "retry_in", s.policy.AdmissionRetry)
			if !s.sleep(t.ctx, s.policy.AdmissionRetry) {
				return cancelled()
			}
			continue
		}

		t.setState(TaskAdmitted)
		attempt := t.nextAttempt()
		if t.observer != nil {
			t.observer.AttemptStarted(job, attempt)
		}

		t.setState(TaskRunning)
		attemptCtx, cancel := context.WithTimeout(t.ctx, s.policy.AttemptTimeout)
		transcript, err := s.transcriber.Transcribe(attemptCtx, job.ArtifactPath, job.Language)
		cancel()

		if err == nil {
			outcome.Transcript = transcript
			log.Info("chunk transcribed", "attempt", attempt, "chars", len(transcript.Text))
			return finish(TaskSucceeded)
		}
		if t.ctx.Err() != nil {
			return cancelled()
		}

		lastErr = domain.ClassifyError(err)
		if !lastErr.Retryable() {
			outcome.Err = lastErr
			log.Warn("transcription failed", "attempt", attempt, "error", lastErr)
			return finish(TaskFailed)
		}
		if attempt >= s.policy.MaxAttempts {
			outcome.Err = domain.TerminalError(fmt.Sprintf("giving up after %d attempts", attempt), lastErr)
			log.Warn("retry budget exhausted", "attempts", attempt, "error", lastErr)
			return finish(TaskFailed)
		}

		delay := s.policy.Backoff(attempt)
		t.setState(TaskRetryScheduled)
		if t.observer != nil {
			t.observer.RetryScheduled(job, attempt, lastErr, delay)
		}
		log.Info("retry scheduled", "attempt", attempt, "delay", delay, "error", lastErr)
		if !s.sleep(t.ctx, delay) {
			return cancelled()
		}
	}
}

func (t *task) setState(state TaskState) {
	t.mu.Lock()
	t.state = state
	t.mu.Unlock()
}

func (t *task) nextAttempt() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempts++
	return t.attempts
}

func (t *task) deferred() {
	t.mu.Lock()
	t.deferrals++
	t.mu.Unlock()
}

func (t *task) counts() (int, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts, t.deferrals
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
