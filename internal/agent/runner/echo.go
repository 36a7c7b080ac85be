package runner

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/sessiond/sessiond/internal/correlator"
	"github.com/sessiond/sessiond/internal/session"
	"github.com/sessiond/sessiond/internal/stream"
	"github.com/sessiond/sessiond/internal/stream/emitter"
)

// TypeEcho is the agent type served by EchoRunner.
const TypeEcho = "echo"

const echoGreeting = "Hi! How can I help you today?"

// EchoRunner streams the latest user message back to the session. With
// no user message yet it streams a greeting instead.
type EchoRunner struct {
	sessions session.Store
}

// NewEchoRunner creates an echo runner over the session store.
func NewEchoRunner(sessions session.Store) *EchoRunner {
	return &EchoRunner{sessions: sessions}
}

// Run emits typing and processing statuses, streams the reply as patch
// chunks, finalizes it and closes the turn with a completed status.
func (r *EchoRunner) Run(ctx context.Context, rc Context, em emitter.EventEmitter) (bool, error) {
	correlationID := correlator.CorrelationID(ctx)

	content, ack, err := r.lastUserMessage(ctx, rc.SessionID)
	if err != nil {
		return false, err
	}
	if content == "" {
		content = echoGreeting
	}

	status := func(s session.SessionStatus) error {
		return em.EnqueueStatusEvent(ctx, correlationID, session.StatusEventData{
			Status:             s,
			AcknowledgedOffset: ack,
		}, session.SourceAIAgent, nil)
	}

	if err := status(session.StatusTyping); err != nil {
		return false, err
	}
	if err := status(session.StatusProcessing); err != nil {
		return false, err
	}

	eventID, err := em.EnqueueChunkEvent(ctx, correlationID, "", []stream.PatchOp{
		{Op: "add", Path: "/type", Value: string(session.TypeMessage)},
		{Op: "add", Path: "/participant", Value: map[string]any{"id": string(rc.AgentID), "name": "echo"}},
		{Op: "add", Path: "/parts", Value: []any{map[string]any{"type": "content", "content": ""}}},
	}, nil)
	if err != nil {
		return false, err
	}

	built := strings.Builder{}
	for _, word := range strings.Fields(content) {
		if ctx.Err() != nil {
			_ = status(session.StatusCancelled)
			return false, nil
		}
		if built.Len() > 0 {
			built.WriteByte(' ')
		}
		built.WriteString(word)
		if _, err := em.EnqueueChunkEvent(ctx, correlationID, eventID, []stream.PatchOp{
			{Op: "replace", Path: "/parts/0/content", Value: built.String()},
		}, nil); err != nil {
			return false, err
		}
	}

	if err := em.Finalize(ctx, correlationID, eventID); err != nil {
		return false, err
	}
	if err := status(session.StatusCompleted); err != nil {
		return false, err
	}
	return true, nil
}

// lastUserMessage returns the text and offset of the most recent user
// message in the session, or ("", nil) when none exists.
func (r *EchoRunner) lastUserMessage(ctx context.Context, sessionID session.SessionID) (string, *int, error) {
	events, err := r.sessions.ListEvents(ctx, sessionID, session.ListEventsFilter{
		Source: session.SourceUser,
		Types:  []session.EventType{session.TypeMessage},
	})
	if err != nil {
		return "", nil, err
	}
	if len(events) == 0 {
		return "", nil, nil
	}

	last := events[len(events)-1]
	offset := last.Offset

	// Event data may be the typed struct or a decoded map depending on
	// the backing store; a JSON round-trip handles both.
	raw, err := json.Marshal(last.Data)
	if err != nil {
		return "", &offset, nil
	}
	var msg session.MessageEventData
	if err := json.Unmarshal(raw, &msg); err != nil {
		return "", &offset, nil
	}

	parts := make([]string, 0, len(msg.Parts))
	for _, p := range msg.Parts {
		if p.Content != "" {
			parts = append(parts, p.Content)
		}
	}
	return strings.Join(parts, " "), &offset, nil
}
