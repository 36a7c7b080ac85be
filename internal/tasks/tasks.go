// Package tasks runs tagged background tasks with cooperative
// cancellation. At most one task exists per tag.
package tasks

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/sessiond/sessiond/internal/common/errors"
	"github.com/sessiond/sessiond/internal/common/logger"
)

// Body is the work a task performs. It should return promptly once its
// context is cancelled.
type Body func(ctx context.Context) error

type entry struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// tagGuard serializes Start and Restart per tag. Guards are refcounted
// and dropped once no caller holds them, so the registry carries no
// state for idle tags.
type tagGuard struct {
	mu   sync.Mutex
	refs int
}

// Service is the task registry. Tasks under distinct tags run in
// parallel; operations on one tag are mutually exclusive.
type Service struct {
	logger *logger.Logger

	mu     sync.Mutex
	tasks  map[string]*entry
	guards map[string]*tagGuard
}

// NewService creates an empty task registry.
func NewService(log *logger.Logger) *Service {
	return &Service{
		logger: log,
		tasks:  make(map[string]*entry),
		guards: make(map[string]*tagGuard),
	}
}

// Start launches a task under the tag. It fails with AlreadyRunning if a
// task with the tag exists.
func (s *Service) Start(ctx context.Context, tag string, body Body) error {
	g := s.acquireGuard(tag)
	defer s.releaseGuard(tag, g)
	g.mu.Lock()
	defer g.mu.Unlock()

	if s.lookup(tag) != nil {
		return errors.AlreadyRunning(tag)
	}
	s.launch(ctx, tag, body)
	return nil
}

// Restart replaces any running task under the tag. The prior task is
// cancelled and awaited before the new one starts, so the tag never
// names two live tasks.
func (s *Service) Restart(ctx context.Context, tag string, body Body) error {
	g := s.acquireGuard(tag)
	defer s.releaseGuard(tag, g)
	g.mu.Lock()
	defer g.mu.Unlock()

	if prior := s.lookup(tag); prior != nil {
		prior.cancel(errors.Cancelled("superseded"))
		<-prior.done
	}
	s.launch(ctx, tag, body)
	return nil
}

// Cancel signals cancellation of the tagged task. It returns whether a
// task existed. Cancelling an absent or already-cancelled tag is a no-op.
func (s *Service) Cancel(tag, reason string) bool {
	e := s.lookup(tag)
	if e == nil {
		return false
	}
	e.cancel(errors.Cancelled(reason))
	return true
}

// CancelAll signals cancellation of every registered task.
func (s *Service) CancelAll(reason string) {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.tasks))
	for _, e := range s.tasks {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	for _, e := range entries {
		e.cancel(errors.Cancelled(reason))
	}
}

// Shutdown cancels every task and waits for them to finish, or until the
// context expires.
func (s *Service) Shutdown(ctx context.Context, reason string) error {
	s.CancelAll(reason)

	s.mu.Lock()
	dones := make([]chan struct{}, 0, len(s.tasks))
	for _, e := range s.tasks {
		dones = append(dones, e.done)
	}
	s.mu.Unlock()

	for _, done := range dones {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// launch registers and starts the task. Callers hold the tag guard, so
// no task with the tag exists at this point.
func (s *Service) launch(ctx context.Context, tag string, body Body) {
	// The task outlives the request that dispatched it; context values
	// (correlation scope) are kept, the request's cancellation is not.
	taskCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	e := &entry{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.tasks[tag] = e
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			if s.tasks[tag] == e {
				delete(s.tasks, tag)
			}
			s.mu.Unlock()
			close(e.done)
			cancel(nil)
		}()

		err := body(taskCtx)
		switch {
		case err == nil:
			s.logger.Debug("task finished", zap.String("tag", tag))
		case context.Cause(taskCtx) != nil:
			s.logger.Info("task cancelled",
				zap.String("tag", tag),
				zap.NamedError("cause", context.Cause(taskCtx)))
		default:
			s.logger.Error("task failed", zap.String("tag", tag), zap.Error(err))
		}
	}()
}

func (s *Service) lookup(tag string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[tag]
}

func (s *Service) acquireGuard(tag string) *tagGuard {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.guards[tag]
	if !ok {
		g = &tagGuard{}
		s.guards[tag] = g
	}
	g.refs++
	return g
}

func (s *Service) releaseGuard(tag string, g *tagGuard) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g.refs--
	if g.refs == 0 {
		delete(s.guards, tag)
	}
}
