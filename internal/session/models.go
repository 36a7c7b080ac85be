// Package session provides the session and event models and the
// append-only event log store.
package session

import (
	"time"

	"github.com/sessiond/sessiond/internal/agent"
	"github.com/sessiond/sessiond/internal/user"
)

// SessionID identifies a session.
type SessionID string

// EventID identifies an event within a session.
type EventID string

// ConsumerID names a reader tracked in a session's consumption offsets.
type ConsumerID string

// ConsumerClient is the single consumer tracked today.
const ConsumerClient ConsumerID = "client"

// SessionMode controls whether posting a user message automatically
// dispatches agent processing.
type SessionMode string

const (
	ModeAuto   SessionMode = "auto"
	ModeManual SessionMode = "manual"
)

// EventSource identifies who produced an event.
type EventSource string

const (
	SourceUser                        EventSource = "user"
	SourceSystem                      EventSource = "system"
	SourceAIAgent                     EventSource = "ai_agent"
	SourceHumanAgent                  EventSource = "human_agent"
	SourceHumanAgentOnBehalfOfAIAgent EventSource = "human_agent_on_behalf_of_ai_agent"
)

// EventType classifies an event's payload.
type EventType string

const (
	TypeMessage EventType = "message"
	TypeStatus  EventType = "status"
	TypeTool    EventType = "tool"
	TypeCustom  EventType = "custom"
)

// SessionStatus is the processing state carried by status events.
type SessionStatus string

const (
	StatusTyping     SessionStatus = "typing"
	StatusProcessing SessionStatus = "processing"
	StatusReady      SessionStatus = "ready"
	StatusCancelled  SessionStatus = "cancelled"
	StatusCompleted  SessionStatus = "completed"
	StatusError      SessionStatus = "error"
)

// TerminalStatus reports whether a status ends a processing turn.
func TerminalStatus(s SessionStatus) bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Session is a conversation between a user and an agent.
type Session struct {
	ID                 SessionID          `json:"id"`
	UserID             user.UserID        `json:"user_id"`
	AgentID            agent.AgentID      `json:"agent_id"`
	Mode               SessionMode        `json:"mode"`
	Title              string             `json:"title,omitempty"`
	ConsumptionOffsets map[ConsumerID]int `json:"consumption_offsets"`
	CreatedAt          time.Time          `json:"created_at"`
}

// Event is one entry in a session's append-only log. Offset is assigned
// by the store and is gap-free and monotonic per session.
type Event struct {
	ID            EventID        `json:"id"`
	SessionID     SessionID      `json:"session_id"`
	Source        EventSource    `json:"source"`
	Type          EventType      `json:"type"`
	Offset        int            `json:"offset"`
	CorrelationID string         `json:"correlation_id"`
	Data          any            `json:"data"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Deleted       bool           `json:"deleted"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Participant names who authored a message.
type Participant struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ContentPart is one fragment of a message body.
type ContentPart struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// MessageEventData is the payload of a message event.
type MessageEventData struct {
	Type        string        `json:"type"`
	Participant Participant   `json:"participant"`
	Parts       []ContentPart `json:"parts"`
	Flagged     bool          `json:"flagged,omitempty"`
	Tags        []string      `json:"tags,omitempty"`
}

// NewMessageEventData builds a message payload with a single content part.
func NewMessageEventData(p Participant, content string) MessageEventData {
	return MessageEventData{
		Type:        string(TypeMessage),
		Participant: p,
		Parts:       []ContentPart{{Type: "content", Content: content}},
	}
}

// StatusEventData is the payload of a status event. AcknowledgedOffset
// points at the user event the status responds to.
type StatusEventData struct {
	Type               string         `json:"type"`
	Status             SessionStatus  `json:"status"`
	AcknowledgedOffset *int           `json:"acknowledged_offset,omitempty"`
	Data               map[string]any `json:"data,omitempty"`
}

// ToolCall records one tool invocation and its result.
type ToolCall struct {
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments"`
	Result    any            `json:"result,omitempty"`
}

// ToolEventData is the payload of a tool event.
type ToolEventData struct {
	Type      string     `json:"type"`
	ToolCalls []ToolCall `json:"tool_calls"`
}
