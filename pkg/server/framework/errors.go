package framework

import (
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"github.com/openauthsim/otp-service/internal/errs"
	"github.com/openauthsim/otp-service/internal/trace"
)

// VariantError marks every error body so clients can tell it from a result without looking
// at the status code.
const VariantError = "error"

// FieldError is used to indicate an error with a field in a request payload.
type FieldError struct {
	Field string `json:"field"`
	Error string `json:"error"`
}

// ErrorResponse is the structure of response error payloads sent back to the requester.
type ErrorResponse struct {
	Error   string       `json:"error"`
	Kind    string       `json:"kind"`
	Variant string       `json:"variant"`
	Fields  []FieldError `json:"fields,omitempty"`
	Trace   *trace.Trace `json:"trace,omitempty"`
}

// SafeError is used to pass an error during the request through the server with
// web specific context. 'Safe' here means that the error messages do not include
// any sensitive information and can be sent straight back to the requester
type SafeError struct {
	Err        error
	StatusCode int
	Fields     []FieldError
}

// SafeError implements the `error` interface. It uses the default message of the
// wrapped error. This is what will be shown in a server's logs
func (err *SafeError) Error() string {
	return err.Err.Error()
}

func (err *SafeError) Unwrap() error {
	return err.Err
}

// Errors returns the error message and all field errors as a single error
func (err *SafeError) Errors() string {
	if len(err.Fields) == 0 {
		return err.Err.Error()
	}
	fields := make([]string, 0, len(err.Fields))
	for _, field := range err.Fields {
		fields = append(fields, field.Field)
	}
	return err.Err.Error() + ": " + strings.Join(fields, ", ")
}

// NewRequestError wraps a provided error with an HTTP status code. This function should be used
// when router encounter expected errors.
func NewRequestError(err error, statusCode int) error {
	return &SafeError{Err: err, StatusCode: statusCode}
}

// StatusFor maps an error to the HTTP status it is reported with. A SafeError keeps its own
// status; classified errors map by kind; anything else is a server fault.
func StatusFor(err error) int {
	var safe *SafeError
	if errors.As(err, &safe) {
		return safe.StatusCode
	}
	kind, ok := errs.KindOf(err)
	switch {
	case !ok:
		return http.StatusInternalServerError
	case kind == errs.NotFound:
		return http.StatusNotFound
	case kind.IsClientError():
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// KindFor names the error class reported in the body.
func KindFor(err error) string {
	if kind, ok := errs.KindOf(err); ok {
		return string(kind)
	}
	var safe *SafeError
	if errors.As(err, &safe) && safe.StatusCode < http.StatusInternalServerError {
		return string(errs.InvalidRequest)
	}
	return "Internal"
}

// IsSafe reports whether the error's message may be shown to the requester.
func IsSafe(err error) bool {
	var safe *SafeError
	if errors.As(err, &safe) {
		return true
	}
	_, ok := errs.KindOf(err)
	return ok
}

// shutdown is a type used to help with graceful shutdown of a server.
type shutdown struct {
	Message string
}

// shutdown implements the Error interface
func (s *shutdown) Error() string {
	return s.Message
}

// NewShutdownError returns an error that causes the framework to signal
// a graceful shutdown
func NewShutdownError(message string) error {
	return &shutdown{message}
}

// IsShutdown checks to see if the shutdown error is contained in
// the specified error value.
func IsShutdown(err error) bool {
	var shutdownErr *shutdown
	return errors.As(err, &shutdownErr)
}
