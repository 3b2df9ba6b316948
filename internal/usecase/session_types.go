package usecase

import (
	"sync"
	"sync/atomic"
	"time"

	"audioscribe/internal/domain"
	"audioscribe/internal/ports"
)

type activeSession struct {
	id        string
	startTime time.Time
	cancel    func()
	audio     ports.AudioSession
	segmenter *Segmenter
	tasks     *taskTracker

	stateMu    sync.Mutex
	state      domain.CaptureState
	captureErr error

	aborted       atomic.Bool
	segmenterDone chan struct{}

	finalizeOnce sync.Once
	finalized    chan struct{}
	summary      domain.SessionSummary
	finalizeErr  error
}

func (s *activeSession) setState(state domain.CaptureState) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.state = state
}

func (s *activeSession) getState() domain.CaptureState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *activeSession) setCaptureErr(err error) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.captureErr = err
}

func (s *activeSession) getCaptureErr() error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.captureErr
}

// result is only valid once finalized is closed.
func (s *activeSession) result() (domain.SessionSummary, error) {
	return s.summary, s.finalizeErr
}

// taskTracker counts jobs that have been enqueued but not finished.
type taskTracker struct {
	mu      sync.Mutex
	ids     map[string]struct{}
	waiters []chan struct{}

	// interrupted is set when any job ended because the scheduler shut down.
	interrupted atomic.Bool
}

func newTaskTracker() *taskTracker {
	return &taskTracker{ids: make(map[string]struct{})}
}

func (t *taskTracker) add(chunkID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ids[chunkID] = struct{}{}
}

func (t *taskTracker) done(chunkID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.ids, chunkID)
	if len(t.ids) == 0 {
		for _, w := range t.waiters {
			close(w)
		}
		t.waiters = nil
	}
}

// drained returns a channel closed once no jobs are outstanding.
func (t *taskTracker) drained() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan struct{})
	if len(t.ids) == 0 {
		close(ch)
		return ch
	}
	t.waiters = append(t.waiters, ch)
	return ch
}

func (t *taskTracker) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ids)
}

func (t *taskTracker) snapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.ids))
	for id := range t.ids {
		out = append(out, id)
	}
	return out
}
