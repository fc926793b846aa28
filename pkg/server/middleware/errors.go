package middleware

import (
	"net/http"
	"os"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"

	"github.com/openauthsim/otp-service/pkg/server/framework"
)

// Errors handles errors coming out of the call stack. Handlers respond to the requester
// themselves through the framework; what is left here is signalling shutdown for integrity
// errors and turning errors nobody responded to into a 500.
func Errors(shutdown chan os.Signal) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		ginErrs := c.Errors.ByType(gin.ErrorTypeAny)
		if len(ginErrs) == 0 {
			return
		}

		traceID := trace.SpanFromContext(c.Request.Context()).SpanContext().TraceID().String()
		for _, e := range ginErrs {
			if framework.IsShutdown(e.Err) {
				logrus.WithError(e.Err).WithField("traceId", traceID).Error("unsafe error, shutting down")
				c.Set(framework.ShutdownErrorKey.String(), e.Err)
				select {
				case shutdown <- syscall.SIGTERM:
				default:
					// a shutdown is already pending, or nobody listens
				}
				break
			}
		}

		if !c.Writer.Written() {
			logrus.WithError(ginErrs.Last().Err).WithField("traceId", traceID).Error("request failed without a response")
			framework.RespondError(c, framework.NewRequestError(errors.New(http.StatusText(http.StatusInternalServerError)), http.StatusInternalServerError))
		}
	}
}
