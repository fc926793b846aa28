package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/openauthsim/otp-service/pkg/server/framework"
)

// Panics recovers from panics, logs the stack and answers with a 500 error body.
func Panics() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				requestID, _ := c.Get(framework.RequestIDKey.String())
				logrus.WithFields(logrus.Fields{
					"requestId": requestID,
					"panic":     r,
				}).Errorf("PANIC :\n%s", debug.Stack())

				if c.Writer.Written() {
					c.Abort()
					return
				}
				framework.RespondError(c, framework.NewRequestError(errors.New(http.StatusText(http.StatusInternalServerError)), http.StatusInternalServerError))
			}
		}()
		c.Next()
	}
}
