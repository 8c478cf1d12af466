package apirouter

import (
	"github.com/gin-gonic/gin"
	"github.com/heraldhq/herald/internal/logging"
	"go.uber.org/zap"
)

// LoggerMiddleware emits one structured log line per request once the
// handler chain has finished. Requests that attached gin errors log at
// error level with the collected error strings.
func LoggerMiddleware(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Capture the path before handlers get a chance to rewrite it.
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", GetRequestLatency(c)),
			zap.String("client_ip", c.ClientIP()),
		}

		log := logger.Ctx(c.Request.Context())
		if len(c.Errors) > 0 {
			log.Error("request failed", append(fields, zap.Strings("errors", c.Errors.Errors()))...)
		} else {
			log.Info("request completed", fields...)
		}
	}
}
