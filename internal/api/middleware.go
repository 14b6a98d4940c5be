package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Martian-dev/inbox-sync/internal/auth"
)

const operatorKey = "operator"

// Verifier authenticates admin API callers
type Verifier interface {
	OperatorFromRequest(r *http.Request) (*auth.Operator, error)
}

func authMiddleware(v Verifier, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Authorization") == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			return
		}
		op, err := v.OperatorFromRequest(c.Request)
		if err != nil {
			logger.Debug("rejected token", "path", c.FullPath(), "error", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(operatorKey, op)
		c.Next()
	}
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		attrs := []any{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		}
		if op, ok := c.Get(operatorKey); ok {
			attrs = append(attrs, "operator", op.(*auth.Operator).ID)
		}
		logger.Debug("request", attrs...)
	}
}
