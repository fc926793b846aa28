// Package errs classifies engine failures so callers can tell client mistakes apart from
// system faults without parsing messages.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind identifies a class of failure.
type Kind string

const (
	InvalidEncoding      Kind = "InvalidEncoding"
	InvalidConfiguration Kind = "InvalidConfiguration"
	MissingInput         Kind = "MissingInput"
	NotFound             Kind = "NotFound"
	InvalidWindow        Kind = "InvalidWindow"
	InvalidRequest       Kind = "InvalidRequest"
	InvalidInput         Kind = "InvalidInput"
)

// Error implements error so a bare Kind can be used as an errors.Is target.
func (k Kind) Error() string {
	return string(k)
}

// IsClientError reports whether the kind is caused by caller supplied data.
func (k Kind) IsClientError() bool {
	switch k {
	case InvalidEncoding, InvalidConfiguration, MissingInput, InvalidWindow, InvalidRequest, InvalidInput:
		return true
	}
	return false
}

// Error is a classified failure.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Msg, e.Err.Error())
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind, or the Kind itself.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case Kind:
		return e.Kind == t
	case *Error:
		return e.Kind == t.Kind && (t.Msg == "" || t.Msg == e.Msg)
	}
	return false
}

func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error. A nil err yields nil.
func Wrap(err error, kind Kind, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the kind of the first classified error in the chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// Message returns the classified message without the kind prefix, falling back to err.Error().
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	return err.Error()
}
