package control

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
)

// Logger is a Gin middleware that logs every request with method, path,
// status code, and latency as a structured slog event.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Info("control request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"client", c.ClientIP(),
			"status", c.Writer.Status(),
			"latency", time.Since(start),
		)
	}
}

// Recovery stands in for Gin's default recovery: it recovers a handler
// panic itself, logs it as a structured slog event and answers 500 JSON
// rather than tearing the process down.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				slog.Warn("control panic recovered", "err", err)
				c.AbortWithStatusJSON(500, gin.H{"error": "internal server error"})
			}
		}()
		c.Next()
	}
}
