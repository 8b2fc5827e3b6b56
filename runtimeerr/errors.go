// Package runtimeerr provides the tagged error type used across the runtime
// to carry the kind taxonomy from the error handling design: every raised
// error carries a kind, a message, and optional context.
package runtimeerr

import (
	"errors"
	"fmt"
)

// Kind enumerates the error taxonomy.
type Kind string

const (
	NotFound          Kind = "NotFound"
	AccessDenied      Kind = "AccessDenied"
	CompilationFailed Kind = "CompilationFailed"
	Validation        Kind = "Validation"
	ToolRouting       Kind = "ToolRouting"
	ToolTimeout       Kind = "ToolTimeout"
	ToolChildExit     Kind = "ToolChildExit"
	ProviderError     Kind = "ProviderError"
	AlreadyInProgress Kind = "AlreadyInProgress"
	StreamTimeout     Kind = "StreamTimeout"
	Cancelled         Kind = "Cancelled"
	ExpressionUnsafe  Kind = "ExpressionUnsafe"
	LimitExceeded     Kind = "LimitExceeded"
)

// Error is the runtime's single error type, tagged with a Kind.
type Error struct {
	Kind    Kind
	Message string
	Context map[string]any
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches by Kind only, so callers can do errors.Is(err, runtimeerr.New(NotFound, "")).
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// New constructs an Error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf constructs an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error with a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithContext attaches context key/value pairs and returns the same error for chaining.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// KindOf extracts the Kind from err, or "" if err is not (or does not wrap) an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err is (or wraps) an *Error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
