// Package apperr defines the error taxonomy every engine returns through.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an Error for HTTP status mapping and propagation policy.
type Kind string

const (
	KindNotFound       Kind = "not_found"
	KindForbidden      Kind = "forbidden"
	KindValidation     Kind = "validation_error"
	KindConflict       Kind = "conflict"
	KindInvariant      Kind = "invariant"
	KindProviderError  Kind = "provider_error"
	KindProcessingErr  Kind = "processing_error"
)

// Error is the typed error every engine operation returns for 4xx/5xx cases.
// ProcessingError results are recorded locally (ProcessingEventState, audit)
// and generally do NOT propagate as an Error; they are still modeled here so
// callers can classify them uniformly where they do surface.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func NotFound(message string) *Error   { return New(KindNotFound, message) }
func Forbidden(message string) *Error  { return New(KindForbidden, message) }
func Validation(message string) *Error { return New(KindValidation, message) }
func Conflict(message string) *Error   { return New(KindConflict, message) }
func Invariant(message string) *Error  { return New(KindInvariant, message) }

func ProviderError(provider, message string, err error) *Error {
	return &Error{Kind: KindProviderError, Message: fmt.Sprintf("%s: %s", provider, message), Err: err}
}

func ProcessingError(message string, err error) *Error {
	return &Error{Kind: KindProcessingErr, Message: message, Err: err}
}

// KindOf extracts the Kind of err if it (or something it wraps) is an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// CaseSignalInvariantError is raised when a signal already bound to a
// different case is attached again. Never silently recovered.
func CaseSignalInvariantError(signalID, existingCaseID string) *Error {
	return Invariant(fmt.Sprintf("signal %s already attached to case %s", signalID, existingCaseID))
}
