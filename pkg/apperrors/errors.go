// Package apperrors defines the structured error kinds shared across the
// grounding pipeline. Stages never return driver-specific errors (pgx,
// HTTP status codes, …) to callers; they classify them into one of the
// Kinds below first.
package apperrors

import (
	"errors"
	"fmt"
)

// Kind is the closed taxonomy of error kinds a pipeline stage can
// surface.
type Kind string

const (
	KindTimeout          Kind = "timeout"
	KindUnavailable      Kind = "unavailable"
	KindNotFound         Kind = "not_found"
	KindInvalidInput     Kind = "invalid_input"
	KindValidationFailed Kind = "validation_failed"
	KindGenerationFailed Kind = "generation_failed"
	KindCancelled        Kind = "cancelled"
	KindInternal         Kind = "internal"
)

// Error is a structured error carrying a classification, a recoverability
// flag, and a small context map for diagnostics.
type Error struct {
	Kind        Kind
	Message     string
	Recoverable bool
	Context     map[string]any
	Cause       error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// IsRetryable implements retry.RetryableError so the retry package can
// check retryability without importing apperrors.
func (e *Error) IsRetryable() bool {
	return e.Recoverable
}

// New creates a structured Error.
func New(kind Kind, message string, recoverable bool, cause error) *Error {
	return &Error{Kind: kind, Message: message, Recoverable: recoverable, Cause: cause}
}

// WithContext attaches a diagnostic key/value and returns the receiver for
// chaining.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any, 1)
	}
	e.Context[key] = value
	return e
}

// GetKind extracts the Kind from an error, defaulting to KindInternal.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRecoverable reports whether err is a recoverable *Error.
func IsRecoverable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Recoverable
	}
	return false
}

// Sentinel errors for simple equality checks (mirrors the flat sentinel
// style used alongside the richer *Error type).
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)
