// Package errors defines the application error taxonomy and its HTTP mapping.
package errors

import (
	stderrors "errors"
)

// Error types. Guardrail rejections are results, not errors, and have no type here.
const (
	TypeConfiguration = "CONFIGURATION_ERROR"
	TypeProvider      = "PROVIDER_ERROR"
	TypePersistence   = "PERSISTENCE_ERROR"
	TypeNotFound      = "NOT_FOUND"
	TypeInvalidInput  = "INVALID_INPUT"
)

// ErrNotFound is returned by stores when a row does not exist.
var ErrNotFound = &StandardError{
	Type:    TypeNotFound,
	Message: "resource not found",
}

// ErrServiceUnavailable is the user-facing error for provider and storage outages.
var ErrServiceUnavailable = &StandardError{
	Type:    TypeProvider,
	Message: "service temporarily unavailable",
}

// ErrInvalidAuthHeader indicates malformed authorization header
var ErrInvalidAuthHeader = &StandardError{
	Type:    "INVALID_AUTH_HEADER",
	Message: "Invalid authorization header format",
}

// ErrMissingAuthHeader indicates missing authorization header
var ErrMissingAuthHeader = &StandardError{
	Type:    "MISSING_AUTH_HEADER",
	Message: "Missing authorization header",
}

// ErrInvalidToken indicates invalid token
var ErrInvalidToken = &StandardError{
	Type:    "INVALID_TOKEN",
	Message: "Invalid token",
}

// StandardError represents a standard application error
type StandardError struct {
	Type    string
	Message string
	Cause   error
}

// Error implements the error interface
func (e *StandardError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause
func (e *StandardError) Unwrap() error {
	return e.Cause
}

// Is matches errors of the same type, so errors.Is(err, ErrNotFound) works on wrapped copies.
func (e *StandardError) Is(target error) bool {
	t, ok := target.(*StandardError)
	if !ok {
		return false
	}
	return t.Type == e.Type
}

// WithCause adds a cause to the error
func (e *StandardError) WithCause(cause error) *StandardError {
	return &StandardError{
		Type:    e.Type,
		Message: e.Message,
		Cause:   cause,
	}
}

// Configuration reports missing or invalid settings such as absent provider credentials.
func Configuration(msg string, cause error) error {
	return &StandardError{Type: TypeConfiguration, Message: msg, Cause: cause}
}

// Provider wraps a failed call to an embedding or completion provider.
func Provider(service string, cause error) error {
	return &StandardError{Type: TypeProvider, Message: service + " unavailable", Cause: cause}
}

// Persistence wraps a failed storage write or read.
func Persistence(op string, cause error) error {
	return &StandardError{Type: TypePersistence, Message: op + " failed", Cause: cause}
}

// NotFound reports a missing resource by name.
func NotFound(resource string) error {
	return &StandardError{Type: TypeNotFound, Message: resource + " not found"}
}

// InvalidInput reports a malformed request value.
func InvalidInput(msg string) error {
	return &StandardError{Type: TypeInvalidInput, Message: msg}
}

// TypeOf returns the taxonomy type of the first StandardError in err's chain.
func TypeOf(err error) string {
	var se *StandardError
	if stderrors.As(err, &se) {
		return se.Type
	}
	return ""
}

func IsConfiguration(err error) bool { return TypeOf(err) == TypeConfiguration }
func IsProvider(err error) bool      { return TypeOf(err) == TypeProvider }
func IsPersistence(err error) bool   { return TypeOf(err) == TypePersistence }
func IsNotFound(err error) bool      { return TypeOf(err) == TypeNotFound }
func IsInvalidInput(err error) bool  { return TypeOf(err) == TypeInvalidInput }
