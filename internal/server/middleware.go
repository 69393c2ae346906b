package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"livenessd/internal/logging"
	"livenessd/internal/security"
)

const requestIDHeader = "X-Request-ID"

// requestID propagates or assigns X-Request-ID and stores it on the
// request context for logging.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" || security.ValidateLabel(id, 128) != nil {
			id = uuid.NewString()
		}
		c.Header(requestIDHeader, id)
		c.Request = c.Request.WithContext(logging.ContextWithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
			"client", c.ClientIP(),
			"request_id", logging.RequestIDFromContext(c.Request.Context()),
		}
		if id := c.Param("id"); id != "" {
			attrs = append(attrs, "session_id", id)
		}
		switch {
		case status >= 500:
			s.log.Error("request", attrs...)
		case status >= 400:
			s.log.Warn("request", attrs...)
		default:
			s.log.Debug("request", attrs...)
		}
	}
}

func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.clients.Allow(c.ClientIP()) {
			c.Header("Retry-After", "60")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func validSessionID() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := security.ValidateSessionID(c.Param("id")); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}
}
