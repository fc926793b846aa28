package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/openauthsim/otp-service/internal/util"
	"github.com/openauthsim/otp-service/pkg/server/framework"
)

// Logger logs one line per request once the handler chain ran, e.g.
//
//	request completed method=GET path=/v1/credentials/abc status=200 latency=4ms requestId=...
//
// A request id is taken from the X-Request-ID header when present, otherwise generated, and
// echoed back on the response.
func Logger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := c.GetHeader(framework.RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(framework.RequestIDKey.String(), requestID)
		c.Header(framework.RequestIDHeader, requestID)

		c.Next()

		entry := logger.WithFields(logrus.Fields{
			"requestId": util.SanitizeLog(requestID),
			"method":    c.Request.Method,
			"path":      util.SanitizeLog(c.Request.URL.Path),
			"status":    c.Writer.Status(),
			"latency":   time.Since(start).String(),
			"remote":    c.ClientIP(),
		})
		switch status := c.Writer.Status(); {
		case status >= 500:
			entry.Error("request completed")
		case status >= 400:
			entry.Warn("request completed")
		default:
			entry.Info("request completed")
		}
	}
}
