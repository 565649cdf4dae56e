// Package stopwaiter provides a small helper for launching named
// background loops that all stop together when the owner is torn down.
//
// A struct embeds StopWaiter, calls Start once at construction, and
// launches goroutines with LaunchThread; StopAndWait cancels the
// shared context and blocks until every launched goroutine has
// returned.
package stopwaiter

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// StopWaiter is embedded by components that run one or more background
// loops tied to a single lifetime.
type StopWaiter struct {
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stopped bool
}

// Start binds the StopWaiter to a parent context. It must be called
// before LaunchThread and must not be called twice.
func (s *StopWaiter) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("stopwaiter: already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	return nil
}

// GetContext returns the context that background loops should select
// on for cancellation.
func (s *StopWaiter) GetContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// LaunchThread runs fn in a new goroutine, passing the StopWaiter's
// context. StopAndWait will not return until fn has returned.
func (s *StopWaiter) LaunchThread(fn func(ctx context.Context)) {
	s.mu.Lock()
	ctx := s.ctx
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		fn(ctx)
	}()
}

// CallIteratively launches a thread that calls fn repeatedly, sleeping
// between calls for the duration fn returns. A non-positive duration
// is run with no delay before the next call.
func (s *StopWaiter) CallIteratively(fn func(ctx context.Context) time.Duration) {
	s.LaunchThread(func(ctx context.Context) {
		for {
			interval := fn(ctx)
			if ctx.Err() != nil {
				return
			}
			if interval <= 0 {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
			}
		}
	})
}

// StopAndWait cancels the shared context and waits for every launched
// thread to return. Safe to call more than once.
func (s *StopWaiter) StopAndWait() {
	s.mu.Lock()
	if s.stopped || !s.started {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
}

// Stopped reports whether StopAndWait has been called.
func (s *StopWaiter) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}
