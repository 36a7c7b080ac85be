package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/sessiond/sessiond/internal/agent"
	"github.com/sessiond/sessiond/internal/auth"
	"github.com/sessiond/sessiond/internal/common/config"
	"github.com/sessiond/sessiond/internal/common/errors"
	"github.com/sessiond/sessiond/internal/common/logger"
	"github.com/sessiond/sessiond/internal/session"
	"github.com/sessiond/sessiond/internal/session/service"
	"github.com/sessiond/sessiond/internal/stream/emitter"
)

// SessionHandler serves the /api/sessions routes.
type SessionHandler struct {
	sessions  session.Store
	agents    agent.Store
	svc       *service.SessionService
	emitter   emitter.EventEmitter
	streamCfg config.StreamConfig
	logger    *logger.Logger
}

// NewSessionHandler builds the handler.
func NewSessionHandler(
	sessions session.Store,
	agents agent.Store,
	svc *service.SessionService,
	em emitter.EventEmitter,
	streamCfg config.StreamConfig,
	log *logger.Logger,
) *SessionHandler {
	return &SessionHandler{
		sessions:  sessions,
		agents:    agents,
		svc:       svc,
		emitter:   em,
		streamCfg: streamCfg,
		logger:    log,
	}
}

// Register mounts the session routes on the group.
func (h *SessionHandler) Register(g *gin.RouterGroup) {
	g.POST("/sessions", h.create)
	g.GET("/sessions", h.list)
	g.GET("/sessions/:id", h.get)
	g.DELETE("/sessions/:id", h.delete)
	g.GET("/sessions/:id/events", h.listEvents)
	g.POST("/sessions/:id/events/stream", h.streamEvents)
	g.GET("/sessions/:id/ws", h.mirrorStream)
}

func (h *SessionHandler) create(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.logger, errors.Validation(err.Error()))
		return
	}
	allowGreeting, _ := strconv.ParseBool(c.Query("allow_greeting"))

	ctx := c.Request.Context()
	ag, err := h.agents.ReadAgent(ctx, agent.AgentID(req.AgentID))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if ag == nil {
		respondError(c, h.logger, errors.InvalidRequest("agent "+req.AgentID+" does not exist"))
		return
	}

	u, ok := auth.UserFromContext(c)
	if !ok {
		respondError(c, h.logger, errors.Internal("no authenticated user", nil))
		return
	}

	sess, err := h.svc.CreateUserSession(ctx, u.ID, ag, session.SessionID(req.ID), req.Title, allowGreeting)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, toSessionDTO(sess))
}

func (h *SessionHandler) get(c *gin.Context) {
	id := session.SessionID(c.Param("id"))

	sess, err := h.sessions.ReadSession(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if sess == nil {
		respondError(c, h.logger, errors.NotFound("session", string(id)))
		return
	}
	c.JSON(http.StatusOK, toSessionDTO(sess))
}

func (h *SessionHandler) list(c *gin.Context) {
	u, ok := auth.UserFromContext(c)
	if !ok {
		respondError(c, h.logger, errors.Internal("no authenticated user", nil))
		return
	}

	sessions, err := h.sessions.ListSessions(c.Request.Context(), agent.AgentID(c.Query("agent_id")), u.ID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	data := make([]SessionDTO, 0, len(sessions))
	for i := range sessions {
		data = append(data, toSessionDTO(&sessions[i]))
	}
	c.JSON(http.StatusOK, listResponse[SessionDTO]{Data: data})
}

func (h *SessionHandler) delete(c *gin.Context) {
	id := session.SessionID(c.Param("id"))

	// A running turn must not outlive its session.
	h.svc.CancelProcessingSessionTask(id)

	deleted, err := h.sessions.DeleteSession(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if !deleted {
		respondError(c, h.logger, errors.NotFound("session", string(id)))
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *SessionHandler) listEvents(c *gin.Context) {
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

	filter := session.ListEventsFilter{
		Source:         session.EventSource(c.Query("source")),
		CorrelationID:  c.Query("correlation_id"),
		ExcludeDeleted: true,
	}
	if raw := c.Query("min_offset"); raw != "" {
		minOffset, err := strconv.Atoi(raw)
		if err != nil {
			respondError(c, h.logger, errors.Validation("min_offset must be an integer"))
			return
		}
		filter.MinOffset = minOffset
		filter.HasMinOffset = true
	}
	if raw := c.Query("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				filter.Types = append(filter.Types, session.EventType(t))
			}
		}
	}

	events, err := h.sessions.ListEvents(ctx, id, filter)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	data := make([]EventDTO, 0, len(events))
	for i := range events {
		data = append(data, toEventDTO(&events[i]))
	}
	c.JSON(http.StatusOK, listResponse[EventDTO]{Data: data})
}
