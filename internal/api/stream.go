package api

import (
	"context"
	stderrors "errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sessiond/sessiond/internal/auth"
	"github.com/sessiond/sessiond/internal/common/errors"
	"github.com/sessiond/sessiond/internal/common/ids"
	"github.com/sessiond/sessiond/internal/common/logger"
	"github.com/sessiond/sessiond/internal/correlator"
	"github.com/sessiond/sessiond/internal/metrics"
	"github.com/sessiond/sessiond/internal/session"
	"github.com/sessiond/sessiond/internal/session/service"
	"github.com/sessiond/sessiond/internal/stream"
	"github.com/sessiond/sessiond/internal/stream/emitter"
)

var errStreamClosed = stderrors.New("stream closed")

// streamEvents posts a user message and streams the resulting turn as
// server-sent events. The subscriptions are registered before the
// processing task is dispatched so no early chunk is missed.
func (h *SessionHandler) streamEvents(c *gin.Context) {
	var req EventCreationParams
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.logger, errors.Validation(err.Error()))
		return
	}
	if req.Type != string(session.TypeMessage) || req.Source != string(session.SourceUser) {
		respondError(c, h.logger, errors.Validation("only type=message with source=user can be posted"))
		return
	}

	id := session.SessionID(c.Param("id"))
	ctx := c.Request.Context()

	sess, err := h.sessions.ReadSession(ctx, id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if sess == nil {
		respondError(c, h.logger, errors.InvalidRequest("session "+string(id)+" does not exist"))
		return
	}
	ag, err := h.agents.ReadAgent(ctx, sess.AgentID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if ag == nil {
		respondError(c, h.logger, errors.InvalidRequest("agent "+string(sess.AgentID)+" does not exist"))
		return
	}
	u, ok := auth.UserFromContext(c)
	if !ok {
		respondError(c, h.logger, errors.Internal("no authenticated user", nil))
		return
	}

	// One fresh correlation covers the posted event, the dispatched task
	// and this stream.
	ctx = correlator.Scope(ctx, ids.New())
	c.Request = c.Request.WithContext(ctx)
	correlationID := correlator.CorrelationID(ctx)

	b := &sseBridge{
		sessions:      h.sessions,
		svc:           h.svc,
		em:            h.emitter,
		logger:        h.logger,
		sessionID:     id,
		correlationID: correlationID,
		buffer:        h.streamCfg.SubscriberBuffer,
		idleTimeout:   h.streamCfg.IdleTimeout,
	}
	if err := b.subscribe(); err != nil {
		respondError(c, h.logger, err)
		return
	}
	defer b.detach()

	data := session.NewMessageEventData(session.Participant{ID: string(u.ID), Name: u.Name}, req.Content)
	if _, _, err := h.svc.PostEvent(ctx, sess, ag, service.PostEventParams{
		Type:   session.TypeMessage,
		Source: session.SourceUser,
		Data:   data,
	}); err != nil {
		respondError(c, h.logger, err)
		return
	}
	if _, err := h.svc.DispatchProcessingTask(ctx, sess, ag, correlationID); err != nil {
		respondError(c, h.logger, err)
		return
	}

	b.run(c)
}

// sseBridge moves emitter output for one correlation onto an SSE
// response, persisting finalized events along the way.
type sseBridge struct {
	sessions      session.Store
	svc           *service.SessionService
	em            emitter.EventEmitter
	logger        *logger.Logger
	sessionID     session.SessionID
	correlationID string
	buffer        int
	idleTimeout   time.Duration

	ch       chan any
	done     chan struct{}
	chunkSub emitter.Subscription
	finalSub emitter.Subscription
	once     sync.Once
}

func (b *sseBridge) subscribe() error {
	if b.buffer <= 0 {
		b.buffer = 64
	}
	b.ch = make(chan any, b.buffer)
	b.done = make(chan struct{})

	chunkSub, err := b.em.SubscribeProcessed(b.correlationID, func(_ context.Context, chunk stream.ChunkEvent) error {
		select {
		case b.ch <- chunk:
			return nil
		case <-b.done:
			return errStreamClosed
		}
	})
	if err != nil {
		return err
	}
	b.chunkSub = chunkSub

	finalSub, err := b.em.SubscribeFinal(b.correlationID, func(_ context.Context, ev stream.EmittedEvent) error {
		select {
		case b.ch <- ev:
			return nil
		case <-b.done:
			return errStreamClosed
		}
	})
	if err != nil {
		chunkSub.Unsubscribe()
		return err
	}
	b.finalSub = finalSub
	return nil
}

// detach unsubscribes both callbacks exactly once.
func (b *sseBridge) detach() {
	b.once.Do(func() {
		close(b.done)
		b.chunkSub.Unsubscribe()
		b.finalSub.Unsubscribe()
	})
}

func (b *sseBridge) run(c *gin.Context) {
	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	// Finalized events must land in the log even if the client drops at
	// the same instant.
	persistCtx := context.WithoutCancel(c.Request.Context())
	clientGone := c.Request.Context().Done()

	var idleC <-chan time.Time
	var idle *time.Timer
	if b.idleTimeout > 0 {
		idle = time.NewTimer(b.idleTimeout)
		defer idle.Stop()
		idleC = idle.C
	}

	for {
		select {
		case <-clientGone:
			b.svc.CancelProcessingSessionTask(b.sessionID)
			return

		case <-idleC:
			b.logger.WithContext(c.Request.Context()).Info("stream idle timeout",
				zap.String("session_id", string(b.sessionID)))
			b.svc.CancelProcessingSessionTask(b.sessionID)
			return

		case item := <-b.ch:
			if idle != nil {
				if !idle.Stop() {
					<-idle.C
				}
				idle.Reset(b.idleTimeout)
			}

			switch v := item.(type) {
			case stream.ChunkEvent:
				b.writeFrame(c, string(v.Kind()), v)

			case stream.EmittedEvent:
				ev, err := b.sessions.CreateEvent(persistCtx, b.sessionID, session.CreateEventParams{
					Source:        v.Source,
					Type:          v.Type,
					CorrelationID: v.CorrelationID,
					Data:          v.Data,
					Metadata:      v.Metadata,
				})
				if err != nil {
					b.logger.WithContext(c.Request.Context()).Error("event persistence failed",
						zap.String("session_id", string(b.sessionID)),
						zap.Error(err))
					b.writeFrame(c, "error", gin.H{"message": "failed to persist event"})
					return
				}
				if !suppressFrame(v) {
					b.writeFrame(c, string(v.Type), toEventDTO(ev))
				}
				if terminalFinal(v) {
					return
				}
			}
		}
	}
}

func (b *sseBridge) writeFrame(c *gin.Context, event string, data any) {
	if err := sse.Encode(c.Writer, sse.Event{Event: event, Data: data}); err != nil {
		b.logger.WithContext(c.Request.Context()).Debug("frame write failed", zap.Error(err))
		return
	}
	c.Writer.Flush()
}

// suppressFrame reports whether the event is persisted without being
// framed. Messages with no parts carry nothing worth showing.
func suppressFrame(ev stream.EmittedEvent) bool {
	if ev.Type != session.TypeMessage {
		return false
	}
	parts, ok := ev.Data["parts"].([]any)
	return !ok || len(parts) == 0
}

func terminalFinal(ev stream.EmittedEvent) bool {
	if ev.Type != session.TypeStatus {
		return false
	}
	status, _ := ev.Data["status"].(string)
	return session.TerminalStatus(session.SessionStatus(status))
}
