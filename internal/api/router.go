// Package api wires the HTTP surface: routing, middleware, request DTOs
// and the live event stream bridges.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sessiond/sessiond/internal/auth"
	"github.com/sessiond/sessiond/internal/common/logger"
	"github.com/sessiond/sessiond/internal/metrics"
)

// Routers groups the route handlers mounted under /api.
type Routers struct {
	Agents   *AgentHandler
	Sessions *SessionHandler
}

// NewRouter builds the gin engine with middleware, the /api routes, the
// health probe and the metrics endpoint.
func NewRouter(env string, authHandler auth.Handler, routers Routers, log *logger.Logger) *gin.Engine {
	if env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(Recovery(log))
	r.Use(RequestLogger(log))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	apiGroup := r.Group("/api")
	apiGroup.Use(auth.Middleware(authHandler, log))
	routers.Agents.Register(apiGroup)
	routers.Sessions.Register(apiGroup)

	return r
}
