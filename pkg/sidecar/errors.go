package sidecar

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// ErrorType classifies a sidecar call failure.
type ErrorType string

const (
	ErrorTypeAuth        ErrorType = "auth"
	ErrorTypeEndpoint    ErrorType = "endpoint"
	ErrorTypeRateLimited ErrorType = "rate_limited"
	ErrorTypeModel       ErrorType = "model"
	ErrorTypeUnknown     ErrorType = "unknown"
)

// Error is a structured sidecar error with classification.
type Error struct {
	Type       ErrorType
	Message    string
	Retryable  bool
	Cause      error
	StatusCode int
	Endpoint   string
}

func (e *Error) Error() string {
	var parts []string
	parts = append(parts, string(e.Type))

	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("HTTP %d", e.StatusCode))
	}
	if e.Endpoint != "" {
		if u, err := url.Parse(e.Endpoint); err == nil && u.Host != "" {
			parts = append(parts, fmt.Sprintf("endpoint=%s", u.Host))
		} else {
			parts = append(parts, fmt.Sprintf("endpoint=%s", e.Endpoint))
		}
	}

	parts = append(parts, e.Message)

	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", strings.Join(parts, " "), e.Cause)
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// IsRetryable implements retry.RetryableError.
func (e *Error) IsRetryable() bool {
	return e.Retryable
}

func NewError(errType ErrorType, message string, retryable bool, cause error) *Error {
	return &Error{Type: errType, Message: message, Retryable: retryable, Cause: cause}
}

// statusCodePattern matches HTTP status codes with context, avoiding false
// positives like "processed 503 records".
var statusCodePattern = regexp.MustCompile(`(?i)(?:HTTP|status[:\s]*|code[:\s]*)\s*(\d{3})`)

func extractStatusCode(errStr string) int {
	matches := statusCodePattern.FindStringSubmatch(errStr)
	if len(matches) >= 2 {
		var code int
		if _, err := fmt.Sscanf(matches[1], "%d", &code); err == nil && code >= 100 && code < 600 {
			return code
		}
	}
	return 0
}

// ClassifyError categorizes a raw error from a sidecar call into a
// structured Error carrying retryability.
func ClassifyError(err error) *Error {
	if err == nil {
		return nil
	}

	var sidecarErr *Error
	if errors.As(err, &sidecarErr) {
		return sidecarErr
	}

	errStr := err.Error()
	lower := strings.ToLower(errStr)
	statusCode := extractStatusCode(errStr)

	switch {
	case statusCode == 401 || strings.Contains(lower, "unauthorized") || strings.Contains(lower, "invalid api key"):
		e := NewError(ErrorTypeAuth, "authentication failed", false, err)
		e.StatusCode = statusCode
		return e
	case strings.Contains(lower, "model") && (strings.Contains(lower, "not found") || strings.Contains(lower, "does not exist")):
		e := NewError(ErrorTypeModel, "model not found", false, err)
		e.StatusCode = statusCode
		return e
	case statusCode == 404:
		e := NewError(ErrorTypeEndpoint, "endpoint not found", false, err)
		e.StatusCode = statusCode
		return e
	case strings.Contains(lower, "connection refused") || strings.Contains(lower, "no such host"):
		e := NewError(ErrorTypeEndpoint, "connection failed", true, err)
		e.StatusCode = statusCode
		return e
	case strings.Contains(lower, "context canceled"):
		e := NewError(ErrorTypeEndpoint, "request cancelled", false, err)
		e.StatusCode = statusCode
		return e
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline exceeded"):
		e := NewError(ErrorTypeEndpoint, "request timeout", true, err)
		e.StatusCode = statusCode
		return e
	case statusCode == 429 || strings.Contains(lower, "rate limit") || strings.Contains(lower, "too many requests"):
		e := NewError(ErrorTypeRateLimited, "rate limited", true, err)
		e.StatusCode = statusCode
		return e
	case statusCode >= 500 && statusCode < 600:
		e := NewError(ErrorTypeEndpoint, "server error", true, err)
		e.StatusCode = statusCode
		return e
	default:
		e := NewError(ErrorTypeUnknown, "sidecar error", false, err)
		e.StatusCode = statusCode
		return e
	}
}

// IsRetryable reports whether err, once classified, is retryable.
func IsRetryable(err error) bool {
	var sidecarErr *Error
	if errors.As(err, &sidecarErr) {
		return sidecarErr.Retryable
	}
	return false
}

// GetErrorType extracts the ErrorType from an error.
func GetErrorType(err error) ErrorType {
	var sidecarErr *Error
	if errors.As(err, &sidecarErr) {
		return sidecarErr.Type
	}
	return ErrorTypeUnknown
}
