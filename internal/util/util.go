package util

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/go-playground/validator.v9"
)

var validate = validator.New()

// IsValidStruct runs the validate tags of a struct or struct pointer
func IsValidStruct(data any) error {
	if data == nil {
		return errors.New("cannot validate nil value")
	}
	t := reflect.TypeOf(data)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return errors.Errorf("can only validate a struct, got %s", t.Kind())
	}
	return validate.Struct(data)
}

// LoggingNewError logs the message and returns it as an error
func LoggingNewError(msg string) error {
	logrus.Error(SanitizeLog(msg))
	return errors.New(msg)
}

// LoggingNewErrorf formats, logs and returns a new error
func LoggingNewErrorf(msg string, args ...any) error {
	return LoggingNewError(fmt.Sprintf(msg, args...))
}

// LoggingErrorMsg logs the error with the message and returns the wrapped error. The error
// chain is kept so callers can still classify it.
func LoggingErrorMsg(err error, msg string) error {
	logrus.WithError(err).Error(SanitizeLog(msg))
	if err == nil {
		return errors.New(msg)
	}
	return errors.Wrap(err, msg)
}

// LoggingErrorMsgf is LoggingErrorMsg with a format string
func LoggingErrorMsgf(err error, msg string, args ...any) error {
	return LoggingErrorMsg(err, fmt.Sprintf(msg, args...))
}

// SanitizeLog prevents certain classes of injection attacks before logging
// https://codeql.github.com/codeql-query-help/go/go-log-injection/
func SanitizeLog(log string) string {
	escapedLog := strings.ReplaceAll(log, "\n", "")
	return strings.ReplaceAll(escapedLog, "\r", "")
}
