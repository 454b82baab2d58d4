package gateway

import (
	"log/slog"
	"sync"
)

// scheduler runs detached maintenance tasks. Submitting never blocks the
// caller; each task gets isolated failure handling (errors and panics are
// logged, never retried, never propagated).
type scheduler struct {
	mu     sync.Mutex
	wg     sync.WaitGroup
	log    *slog.Logger
	closed bool
}

func newScheduler(log *slog.Logger) *scheduler {
	return &scheduler{log: log}
}

// Schedule runs task in the background. The name labels log entries when the
// task fails.
func (s *scheduler) Schedule(name string, task func() error) {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()

		return
	}
	s.wg.Add(1)

	s.mu.Unlock()

	go func() {
		defer s.wg.Done()

		defer func() {
			if r := recover(); r != nil {
				s.log.Error("background task panicked", "task", name, "panic", r)
			}
		}()

		if err := task(); err != nil {
			s.log.Error("background task failed", "task", name, "error", err)
		}
	}()
}

// Wait blocks until all scheduled tasks finish. Used during shutdown and in
// tests; the broadcast path never calls it.
func (s *scheduler) Wait() {
	s.wg.Wait()
}

// Close stops accepting new tasks and waits for running ones.
func (s *scheduler) Close() {
	s.mu.Lock()

	s.closed = true
	s.mu.Unlock()

	s.wg.Wait()
}
