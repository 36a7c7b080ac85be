// Package runner defines the agent runner contract and the factory that
// maps agent types to runner implementations.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sessiond/sessiond/internal/agent"
	"github.com/sessiond/sessiond/internal/session"
	"github.com/sessiond/sessiond/internal/stream/emitter"
)

// ErrUnknownAgentType is returned when no runner is registered for an
// agent type.
var ErrUnknownAgentType = errors.New("unknown agent type")

// Context carries the identifiers a runner processes a turn for.
type Context struct {
	SessionID session.SessionID
	AgentID   agent.AgentID
}

// Runner produces one processing turn for a session. The returned bool
// reports whether the runner produced output. The runner observes
// cancellation through ctx and should emit a terminal status before
// returning, though the rest of the system tolerates a runner that does
// not.
type Runner interface {
	Run(ctx context.Context, rc Context, em emitter.EventEmitter) (bool, error)
}

// Factory resolves runners by agent type.
type Factory struct {
	mu      sync.RWMutex
	runners map[agent.AgentType]Runner
}

// NewFactory creates an empty factory.
func NewFactory() *Factory {
	return &Factory{runners: make(map[agent.AgentType]Runner)}
}

// Register binds a runner to an agent type, replacing any prior binding.
func (f *Factory) Register(t agent.AgentType, r Runner) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runners[t] = r
}

// CreateRunner returns the runner for an agent type.
func (f *Factory) CreateRunner(t agent.AgentType) (Runner, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	r, ok := f.runners[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgentType, t)
	}
	return r, nil
}
