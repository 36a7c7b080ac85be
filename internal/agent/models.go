// Package agent provides the agent model and its document store.
package agent

import "time"

// AgentID identifies a registered agent.
type AgentID string

// AgentType names the runner implementation that processes sessions for
// an agent. A type is only usable once a runner is registered for it.
type AgentType string

// Agent is a named, typed participant users open sessions against.
type Agent struct {
	ID          AgentID   `json:"id"`
	Type        AgentType `json:"type"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
