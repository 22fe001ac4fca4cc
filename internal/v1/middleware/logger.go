package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/RoseWrightdev/screenshare/internal/v1/logging"
)

// RequestLogger logs one line per request through the zap logger. It must run
// after CorrelationID so the line carries the request's correlation id.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		switch status := c.Writer.Status(); {
		case status >= 500:
			logging.Error(c.Request.Context(), "HTTP request", fields...)
		case status >= 400:
			logging.Warn(c.Request.Context(), "HTTP request", fields...)
		default:
			logging.Debug(c.Request.Context(), "HTTP request", fields...)
		}
	}
}
