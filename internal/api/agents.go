package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sessiond/sessiond/internal/agent"
	"github.com/sessiond/sessiond/internal/common/errors"
	"github.com/sessiond/sessiond/internal/common/logger"
)

// AgentHandler serves the /api/agents routes.
type AgentHandler struct {
	agents agent.Store
	logger *logger.Logger
}

// NewAgentHandler builds the handler.
func NewAgentHandler(agents agent.Store, log *logger.Logger) *AgentHandler {
	return &AgentHandler{agents: agents, logger: log}
}

// Register mounts the agent routes on the group.
func (h *AgentHandler) Register(g *gin.RouterGroup) {
	g.POST("/agents", h.create)
	g.GET("/agents", h.list)
	g.GET("/agents/:id", h.get)
	g.DELETE("/agents/:id", h.delete)
}

func (h *AgentHandler) create(c *gin.Context) {
	var req CreateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.logger, errors.Validation(err.Error()))
		return
	}

	a, err := h.agents.CreateAgent(c.Request.Context(), agent.AgentType(req.Type), req.Name, req.Description)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, toAgentDTO(a))
}

func (h *AgentHandler) get(c *gin.Context) {
	id := agent.AgentID(c.Param("id"))

	a, err := h.agents.ReadAgent(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if a == nil {
		respondError(c, h.logger, errors.NotFound("agent", string(id)))
		return
	}
	c.JSON(http.StatusOK, toAgentDTO(a))
}

func (h *AgentHandler) list(c *gin.Context) {
	agents, err := h.agents.ListAgents(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	data := make([]AgentDTO, 0, len(agents))
	for i := range agents {
		data = append(data, toAgentDTO(&agents[i]))
	}
	c.JSON(http.StatusOK, listResponse[AgentDTO]{Data: data})
}

func (h *AgentHandler) delete(c *gin.Context) {
	id := agent.AgentID(c.Param("id"))

	deleted, err := h.agents.DeleteAgent(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if !deleted {
		respondError(c, h.logger, errors.NotFound("agent", string(id)))
		return
	}
	c.Status(http.StatusNoContent)
}
