package api

import (
	"time"

	"github.com/sessiond/sessiond/internal/agent"
	"github.com/sessiond/sessiond/internal/session"
)

// AgentDTO is the wire shape of an agent.
type AgentDTO struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func toAgentDTO(a *agent.Agent) AgentDTO {
	return AgentDTO{
		ID:          string(a.ID),
		Type:        string(a.Type),
		Name:        a.Name,
		Description: a.Description,
		CreatedAt:   a.CreatedAt,
	}
}

// CreateAgentRequest is the body of POST /api/agents.
type CreateAgentRequest struct {
	Name        string `json:"name" binding:"required"`
	Type        string `json:"type" binding:"required"`
	Description string `json:"description"`
}

// SessionDTO is the wire shape of a session.
type SessionDTO struct {
	ID                 string         `json:"id"`
	UserID             string         `json:"user_id"`
	AgentID            string         `json:"agent_id"`
	Mode               string         `json:"mode"`
	Title              string         `json:"title,omitempty"`
	ConsumptionOffsets map[string]int `json:"consumption_offsets"`
	CreatedAt          time.Time      `json:"created_at"`
}

func toSessionDTO(s *session.Session) SessionDTO {
	offsets := make(map[string]int, len(s.ConsumptionOffsets))
	for k, v := range s.ConsumptionOffsets {
		offsets[string(k)] = v
	}
	return SessionDTO{
		ID:                 string(s.ID),
		UserID:             string(s.UserID),
		AgentID:            string(s.AgentID),
		Mode:               string(s.Mode),
		Title:              s.Title,
		ConsumptionOffsets: offsets,
		CreatedAt:          s.CreatedAt,
	}
}

// CreateSessionRequest is the body of POST /api/sessions.
type CreateSessionRequest struct {
	AgentID string `json:"agent_id" binding:"required"`
	ID      string `json:"id"`
	Title   string `json:"title"`
}

// EventDTO is the wire shape of a persisted event.
type EventDTO struct {
	ID            string         `json:"id"`
	SessionID     string         `json:"session_id"`
	Source        string         `json:"source"`
	Type          string         `json:"type"`
	Offset        int            `json:"offset"`
	CorrelationID string         `json:"correlation_id"`
	Data          any            `json:"data"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Deleted       bool           `json:"deleted"`
	CreatedAt     time.Time      `json:"created_at"`
}

func toEventDTO(e *session.Event) EventDTO {
	return EventDTO{
		ID:            string(e.ID),
		SessionID:     string(e.SessionID),
		Source:        string(e.Source),
		Type:          string(e.Type),
		Offset:        e.Offset,
		CorrelationID: e.CorrelationID,
		Data:          e.Data,
		Metadata:      e.Metadata,
		Deleted:       e.Deleted,
		CreatedAt:     e.CreatedAt,
	}
}

// EventCreationParams is the body of POST /api/sessions/{id}/events/stream.
// Only user messages are accepted today.
type EventCreationParams struct {
	Type    string `json:"type" binding:"required"`
	Source  string `json:"source" binding:"required"`
	Content string `json:"content"`
}

type listResponse[T any] struct {
	Data []T `json:"data"`
}
