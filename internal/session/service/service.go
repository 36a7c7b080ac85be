// Package service orchestrates session turns: persisting user events,
// dispatching agent processing tasks and publishing notifications.
package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sessiond/sessiond/internal/agent"
	"github.com/sessiond/sessiond/internal/agent/runner"
	"github.com/sessiond/sessiond/internal/common/ids"
	"github.com/sessiond/sessiond/internal/common/logger"
	"github.com/sessiond/sessiond/internal/correlator"
	"github.com/sessiond/sessiond/internal/events/bus"
	"github.com/sessiond/sessiond/internal/session"
	"github.com/sessiond/sessiond/internal/stream/emitter"
	"github.com/sessiond/sessiond/internal/tasks"
	"github.com/sessiond/sessiond/internal/user"
)

const notificationSource = "session-service"

// TaskTag names the processing task of a session. At most one task with
// this tag runs at any instant.
func TaskTag(id session.SessionID) string {
	return fmt.Sprintf("process-session(%s)", id)
}

// PostEventParams carries a caller-authored event. With
// TriggerProcessing the post opens a fresh correlation scope and
// dispatches the agent under it.
type PostEventParams struct {
	Type              session.EventType
	Source            session.EventSource
	Data              any
	Metadata          map[string]any
	TriggerProcessing bool
}

// SessionService ties the session store, the task service, the runner
// factory and the emitter together.
type SessionService struct {
	sessions session.Store
	taskSvc  *tasks.Service
	factory  *runner.Factory
	emitter  emitter.EventEmitter
	bus      bus.Bus
	logger   *logger.Logger
}

// NewSessionService builds the service.
func NewSessionService(
	sessions session.Store,
	taskSvc *tasks.Service,
	factory *runner.Factory,
	em emitter.EventEmitter,
	b bus.Bus,
	log *logger.Logger,
) *SessionService {
	return &SessionService{
		sessions: sessions,
		taskSvc:  taskSvc,
		factory:  factory,
		emitter:  em,
		bus:      b,
		logger:   log,
	}
}

// CreateUserSession persists a session for the user against the agent.
// With allowGreeting a processing task is dispatched immediately so the
// agent can open the conversation.
func (s *SessionService) CreateUserSession(ctx context.Context, userID user.UserID, ag *agent.Agent, id session.SessionID, title string, allowGreeting bool) (*session.Session, error) {
	sess, err := s.sessions.CreateSession(ctx, session.CreateSessionParams{
		UserID:  userID,
		AgentID: ag.ID,
		ID:      id,
		Title:   title,
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, bus.SubjectSessionCreated, map[string]any{
		"session_id": string(sess.ID),
		"agent_id":   string(ag.ID),
		"user_id":    string(userID),
	})

	if allowGreeting {
		if _, err := s.DispatchProcessingTask(ctx, sess, ag, ""); err != nil {
			return nil, err
		}
	}
	return sess, nil
}

// DispatchProcessingTask restarts the session's processing task. With an
// empty correlationID a fresh correlation scope is entered; otherwise
// ctx is expected to already carry the given correlation. The effective
// correlation id is returned.
func (s *SessionService) DispatchProcessingTask(ctx context.Context, sess *session.Session, ag *agent.Agent, correlationID string) (string, error) {
	if correlationID == "" {
		ctx = correlator.Scope(ctx, ids.New())
	}
	effective := correlator.CorrelationID(ctx)

	rc := runner.Context{SessionID: sess.ID, AgentID: ag.ID}
	agentType := ag.Type

	body := func(taskCtx context.Context) error {
		r, err := s.factory.CreateRunner(agentType)
		if err != nil {
			return err
		}
		produced, err := r.Run(taskCtx, rc, s.emitter)
		if err != nil {
			return err
		}
		if !produced {
			s.logger.WithContext(taskCtx).Debug("runner produced no output",
				zap.String("session_id", string(sess.ID)))
		}
		return nil
	}

	if err := s.taskSvc.Restart(ctx, TaskTag(sess.ID), body); err != nil {
		return "", err
	}
	s.logger.WithContext(ctx).Info("processing task dispatched",
		zap.String("session_id", string(sess.ID)),
		zap.String("agent_type", string(agentType)))
	return effective, nil
}

// CancelProcessingSessionTask cancels the session's processing task with
// reason "user-cancel". It returns whether a task existed.
func (s *SessionService) CancelProcessingSessionTask(sessionID session.SessionID) bool {
	return s.taskSvc.Cancel(TaskTag(sessionID), "user-cancel")
}

// PostEvent appends a caller-authored event to the session log. With
// TriggerProcessing the event and the dispatched task share a fresh
// correlation; otherwise the ambient correlation of ctx is used.
func (s *SessionService) PostEvent(ctx context.Context, sess *session.Session, ag *agent.Agent, params PostEventParams) (*session.Event, string, error) {
	if params.TriggerProcessing {
		ctx = correlator.Scope(ctx, ids.New())
	}
	correlationID := correlator.CorrelationID(ctx)

	source := params.Source
	if source == "" {
		source = session.SourceUser
	}

	ev, err := s.sessions.CreateEvent(ctx, sess.ID, session.CreateEventParams{
		Source:        source,
		Type:          params.Type,
		CorrelationID: correlationID,
		Data:          params.Data,
		Metadata:      params.Metadata,
	})
	if err != nil {
		return nil, "", err
	}

	s.publish(ctx, bus.SubjectSessionEventCreated, map[string]any{
		"session_id":     string(sess.ID),
		"event_id":       string(ev.ID),
		"offset":         ev.Offset,
		"type":           string(ev.Type),
		"source":         string(ev.Source),
		"correlation_id": ev.CorrelationID,
	})

	if params.TriggerProcessing {
		if _, err := s.DispatchProcessingTask(ctx, sess, ag, correlationID); err != nil {
			return nil, "", err
		}
	}
	return ev, correlationID, nil
}

func (s *SessionService) publish(ctx context.Context, subject string, data map[string]any) {
	n := bus.NewNotification(subject, notificationSource, data)
	if err := s.bus.Publish(ctx, subject, n); err != nil {
		s.logger.WithContext(ctx).Warn("notification publish failed",
			zap.String("subject", subject),
			zap.Error(err))
	}
}
