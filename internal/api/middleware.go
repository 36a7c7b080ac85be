package api

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sessiond/sessiond/internal/common/errors"
	"github.com/sessiond/sessiond/internal/common/logger"
	"github.com/sessiond/sessiond/internal/correlator"
)

// RequestLogger tags each request with an id, scopes the correlation to
// it and logs the outcome.
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := uuid.NewString()

		ctx := correlator.Scope(c.Request.Context(), fmt.Sprintf("RID(%s)", requestID))
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", requestID)

		c.Next()

		log.WithContext(ctx).Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)))
	}
}

// Recovery turns panics into 500 responses.
func Recovery(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.WithContext(c.Request.Context()).Error("panic recovered",
					zap.Any("panic", r),
					zap.String("path", c.Request.URL.Path))
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"detail": "internal server error"})
			}
		}()
		c.Next()
	}
}

// respondError maps an error to its HTTP status with a {detail} body.
func respondError(c *gin.Context, log *logger.Logger, err error) {
	ctx := c.Request.Context()

	if context.Cause(ctx) != nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"detail": "request cancelled"})
		return
	}

	status := errors.GetHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		log.WithContext(ctx).Error("request failed",
			zap.String("path", c.Request.URL.Path),
			zap.Error(err))
		c.AbortWithStatusJSON(status, gin.H{"detail": "internal server error"})
		return
	}

	detail := err.Error()
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		detail = appErr.Message
	}
	c.AbortWithStatusJSON(status, gin.H{"detail": detail})
}
