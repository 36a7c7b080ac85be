// Package auth resolves the requesting user. Only the noop scheme is
// implemented; it maps every request to a lazily created guest user.
package auth

import (
	"context"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sessiond/sessiond/internal/common/logger"
	"github.com/sessiond/sessiond/internal/user"
)

const contextKeyUser = "auth.user"

const guestSub = "guest"

// Handler authenticates a request and returns the acting user.
type Handler interface {
	Authenticate(c *gin.Context) (*user.User, error)
}

// NoopHandler treats every request as the guest user, creating it on
// first use. Concurrent first requests share one creation.
type NoopHandler struct {
	users user.Store
	group singleflight.Group
}

// NewNoopHandler builds a noop handler over the user store.
func NewNoopHandler(users user.Store) *NoopHandler {
	return &NoopHandler{users: users}
}

// Authenticate returns the guest user, creating it if missing.
func (h *NoopHandler) Authenticate(c *gin.Context) (*user.User, error) {
	// The winner resolves the guest on behalf of every waiter; its own
	// request being cancelled must not fail the others.
	ctx := context.WithoutCancel(c.Request.Context())

	v, err, _ := h.group.Do(guestSub, func() (any, error) {
		u, err := h.users.ReadUserBySub(ctx, guestSub)
		if err != nil {
			return nil, err
		}
		if u != nil {
			return u, nil
		}
		return h.users.CreateUser(ctx, guestSub, "Guest", "")
	})
	if err != nil {
		return nil, err
	}
	return v.(*user.User), nil
}

// Middleware authenticates the request and stores the user in the gin
// context.
func Middleware(h Handler, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, err := h.Authenticate(c)
		if err != nil {
			log.Error("authentication failed", zap.Error(err))
			c.AbortWithStatusJSON(401, gin.H{"detail": "authentication failed"})
			return
		}
		c.Set(contextKeyUser, u)
		c.Next()
	}
}

// UserFromContext returns the authenticated user attached by Middleware.
func UserFromContext(c *gin.Context) (*user.User, bool) {
	v, ok := c.Get(contextKeyUser)
	if !ok {
		return nil, false
	}
	u, ok := v.(*user.User)
	return u, ok
}
