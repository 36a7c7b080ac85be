// Package stream holds the in-flight event types produced by agent
// runners before they are persisted to a session log.
package stream

import (
	"time"

	"github.com/sessiond/sessiond/internal/session"
)

// PatchOp is a single JSON-Patch (RFC 6902) operation.
type PatchOp struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
	From  string `json:"from,omitempty"`
}

// ChunkEvent is one streamed fragment of an event under construction.
// Seq is strictly monotonic per (correlation id, event id).
type ChunkEvent struct {
	CorrelationID string         `json:"correlation_id"`
	EventID       string         `json:"event_id"`
	Seq           int            `json:"seq"`
	Patches       []PatchOp      `json:"patches"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// Kind returns the event type the chunk belongs to, carried in the
// chunk metadata. Chunks without an explicit type build messages.
func (c ChunkEvent) Kind() session.EventType {
	if c.Metadata != nil {
		if t, ok := c.Metadata["type"].(string); ok && t != "" {
			return session.EventType(t)
		}
	}
	return session.TypeMessage
}

// EmittedEvent is a finalized event ready to fan out and persist.
type EmittedEvent struct {
	ID            string              `json:"id"`
	CorrelationID string              `json:"correlation_id"`
	Source        session.EventSource `json:"source"`
	Type          session.EventType   `json:"type"`
	Data          map[string]any      `json:"data"`
	Metadata      map[string]any      `json:"metadata,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
}
