// Package apperr defines the error kinds shared by the dispatch and lifecycle
// services. Callers match on kinds with errors.Is and read reason codes with
// Reason.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("validation error")
	ErrNotFound          = errors.New("not found")
	ErrInvalidState      = errors.New("invalid state")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrConflict          = errors.New("conflict")
	ErrUnavailable       = errors.New("unavailable")
	ErrDependency        = errors.New("dependency failure")
)

// Error is a classified failure. Kind is one of the sentinels above.
type Error struct {
	Kind    error
	Message string
	Code    string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Is lets errors.Is match the kind sentinel as well as the cause chain.
func (e *Error) Is(target error) bool { return target == e.Kind }

func (e *Error) Unwrap() error { return e.Cause }

func newf(kind error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) error { return newf(ErrValidation, format, args...) }

func NotFound(format string, args ...any) error { return newf(ErrNotFound, format, args...) }

func InvalidState(format string, args ...any) error { return newf(ErrInvalidState, format, args...) }

func InvalidTransition(format string, args ...any) error {
	return newf(ErrInvalidTransition, format, args...)
}

// Conflict reports a lost race. code is surfaced to callers (e.g. "ride_no_longer_available").
func Conflict(code, format string, args ...any) error {
	e := newf(ErrConflict, format, args...)
	e.Code = code
	return e
}

// Unavailable reports that no driver could serve a request; code says why.
func Unavailable(code, format string, args ...any) error {
	e := newf(ErrUnavailable, format, args...)
	e.Code = code
	return e
}

// Dependency wraps a failure of the record store or another collaborator.
func Dependency(cause error, format string, args ...any) error {
	e := newf(ErrDependency, format, args...)
	e.Cause = cause
	return e
}

// Reason returns the reason code carried by err, or "" if there is none.
func Reason(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
