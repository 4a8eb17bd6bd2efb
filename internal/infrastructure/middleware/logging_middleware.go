package middleware

import (
	"time"

	"callmesh/pkg/logger"
	"callmesh/pkg/utils"

	"github.com/gin-gonic/gin"
)

// RequestLoggerMiddleware logs every request with the ids found in its
// context. It must run after TracingMiddleware to pick up the trace id.
func RequestLoggerMiddleware(cl *logger.ContextLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = utils.GenerateRequestID()
		}
		c.Header("X-Request-ID", requestID)
		c.Request = c.Request.WithContext(logger.WithRequestID(c.Request.Context(), requestID))

		start := time.Now()
		c.Next()

		cl.LogRequest(c.Request.Context(), c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Milliseconds())
	}
}
