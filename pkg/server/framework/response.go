package framework

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/openauthsim/otp-service/internal/errs"
	"github.com/openauthsim/otp-service/internal/util"
	"github.com/openauthsim/otp-service/pkg/service/evaluation"
)

// Respond converts a Go value to JSON and sends it to the client.
func Respond(c *gin.Context, data any, statusCode int) {
	// if there's no payload to marshal, set the status code of the response and return
	if statusCode == http.StatusNoContent {
		c.Status(statusCode)
		return
	}
	c.JSON(statusCode, data)
}

// RespondError sends an error response back to the client. Messages of classified errors and
// `SafeError`s are sent back as is, anything else gets a generic message since it may contain
// sensitive data.
func RespondError(c *gin.Context, err error) {
	respondError(c, err, "")
}

func respondError(c *gin.Context, err error, msg string) {
	status := StatusFor(err)
	er := ErrorResponse{
		Error:   http.StatusText(status),
		Kind:    KindFor(err),
		Variant: VariantError,
		Trace:   evaluation.TraceFromError(err),
	}
	if IsSafe(err) {
		er.Error = safeMessage(err)
		if msg != "" {
			er.Error = msg + ": " + er.Error
		}
		var safe *SafeError
		if errors.As(err, &safe) {
			er.Fields = safe.Fields
		}
	} else if msg != "" {
		er.Error = msg
	}
	// recorded for the metrics and errors middleware
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, er)
}

func safeMessage(err error) string {
	if _, ok := errs.KindOf(err); ok {
		return errs.Message(err)
	}
	var safe *SafeError
	if errors.As(err, &safe) {
		return safe.Errors()
	}
	return err.Error()
}

// LoggingRespondErrWithMsg logs the error and responds with it, prefixed by msg. Caller
// mistakes are logged at debug, everything else as an error.
func LoggingRespondErrWithMsg(c *gin.Context, err error, msg string) {
	entry := logrus.WithError(err).WithField("path", c.FullPath())
	if StatusFor(err) < http.StatusInternalServerError {
		entry.Debug(util.SanitizeLog(msg))
	} else {
		entry.Error(util.SanitizeLog(msg))
	}
	respondError(c, err, msg)
}

// LoggingRespondErrMsg logs and responds with an error that has no underlying cause.
func LoggingRespondErrMsg(c *gin.Context, msg string, statusCode int) {
	logrus.WithField("path", c.FullPath()).Debug(util.SanitizeLog(msg))
	respondError(c, NewRequestError(errors.New(msg), statusCode), "")
}
