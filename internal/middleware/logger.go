package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"verse-sync/internal/logging"
)

const RequestIDHeader = "X-Request-ID"

func RequestLogger(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqID := c.GetHeader(RequestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Header(RequestIDHeader, reqID)
		c.Next()

		status := c.Writer.Status()
		line := "%s %s status=%d user=%s latency=%s request_id=%s"
		args := []any{c.Request.Method, c.Request.URL.Path, status, UserIDFromContext(c), time.Since(start).Round(time.Microsecond), reqID}
		switch {
		case status >= 500:
			logger.Errorf(line, args...)
		case status >= 400:
			logger.Warnf(line, args...)
		default:
			logger.Debugf(line, args...)
		}
	}
}
