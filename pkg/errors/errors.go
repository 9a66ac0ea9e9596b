package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorType categorizes different error types
type ErrorType string

const (
	// Response did not match the feed contract; fatal to that page fetch
	ErrorTypeContract ErrorType = "contract"

	// Transient errors, safe to retry
	ErrorTypeNetwork   ErrorType = "network"
	ErrorTypeTimeout   ErrorType = "timeout"
	ErrorTypeServer    ErrorType = "server"
	ErrorTypeRateLimit ErrorType = "rate_limit"

	// Authentication errors
	ErrorTypeUnauthorized ErrorType = "unauthorized"
	ErrorTypeForbidden    ErrorType = "forbidden"

	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeUnknown    ErrorType = "unknown"
)

// FeedError represents a structured error with context
type FeedError struct {
	Type       ErrorType
	Message    string
	Cause      error
	Suggestion string
	StatusCode int
	RetryAfter int
}

// Error implements the error interface
func (e *FeedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// WithSuggestion adds a helpful suggestion to the error
func (e *FeedError) WithSuggestion(suggestion string) *FeedError {
	e.Suggestion = suggestion
	return e
}

// HasSuggestion returns true if the error has a suggestion
func (e *FeedError) HasSuggestion() bool {
	return e.Suggestion != ""
}

// Unwrap returns the underlying error
func (e *FeedError) Unwrap() error {
	return e.Cause
}

// New creates a new feed error
func New(errorType ErrorType, message string, cause error) *FeedError {
	return &FeedError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// ContractError reports a feed response that does not match the expected shape
func ContractError(format string, args ...interface{}) *FeedError {
	err := New(ErrorTypeContract, "invalid feed response: "+fmt.Sprintf(format, args...), nil)
	err.Suggestion = "The feed service returned an unexpected payload. Retry, and report it if it persists."
	return err
}

// NetworkError creates a network error
func NetworkError(message string, cause error) *FeedError {
	err := New(ErrorTypeNetwork, message, cause)
	err.Suggestion = "Check your internet connection and try again."
	return err
}

// TimeoutError creates a timeout error
func TimeoutError(cause error) *FeedError {
	err := New(ErrorTypeTimeout, "Request timed out", cause)
	err.Suggestion = "The server is taking too long to respond. Try again in a moment."
	return err
}

// UnauthorizedError creates an unauthorized error
func UnauthorizedError() *FeedError {
	err := New(ErrorTypeUnauthorized, "Your access token was rejected", nil)
	err.Suggestion = "Store a fresh token with 'feedkit auth token <token>'."
	return err
}

// ForbiddenError creates a forbidden error
func ForbiddenError() *FeedError {
	return New(ErrorTypeForbidden, "Access denied", nil)
}

// ValidationError creates a validation error
func ValidationError(field, reason string) *FeedError {
	return New(ErrorTypeValidation, fmt.Sprintf("Validation error: %s - %s", field, reason), nil)
}

// NotFoundError creates a not found error
func NotFoundError(resourceType, identifier string) *FeedError {
	return New(ErrorTypeNotFound, fmt.Sprintf("%s not found: %s", resourceType, identifier), nil)
}

// ServerError creates a server error
func ServerError(statusCode int) *FeedError {
	err := New(ErrorTypeServer, "Server error", nil)
	err.StatusCode = statusCode
	err.Suggestion = "The server encountered an error. Try again in a few moments."
	return err
}

// RateLimitError creates a rate limit error
func RateLimitError(retryAfter int) *FeedError {
	err := New(ErrorTypeRateLimit, "Rate limit exceeded. Too many requests.", nil)
	err.StatusCode = 429
	err.RetryAfter = retryAfter
	err.Suggestion = fmt.Sprintf("Please wait %d seconds before trying again.", retryAfter)
	return err
}

// FromStatus maps an HTTP status code onto the taxonomy
func FromStatus(statusCode int, message string) *FeedError {
	var err *FeedError
	switch {
	case statusCode == 401:
		err = UnauthorizedError()
	case statusCode == 403:
		err = ForbiddenError()
	case statusCode == 404:
		err = New(ErrorTypeNotFound, message, nil)
	case statusCode == 429:
		err = RateLimitError(60)
	case statusCode >= 500:
		err = ServerError(statusCode)
	default:
		err = New(ErrorTypeUnknown, message, nil)
	}
	if message != "" {
		err.Message = message
	}
	err.StatusCode = statusCode
	return err
}

// CategorizeError converts a standard error into a FeedError
func CategorizeError(err error) *FeedError {
	if err == nil {
		return nil
	}

	var feedErr *FeedError
	if errors.As(err, &feedErr) {
		return feedErr
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return TimeoutError(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return TimeoutError(err)
	}

	errMsg := err.Error()
	switch {
	case strings.Contains(errMsg, "connection refused"):
		return NetworkError("Could not connect to server. Make sure it's running.", err)
	case strings.Contains(errMsg, "no such host"):
		return NetworkError("Could not resolve the server address.", err)
	case strings.Contains(errMsg, "timeout"):
		return TimeoutError(err)
	default:
		return New(ErrorTypeUnknown, errMsg, err)
	}
}

// IsRetryable reports whether err is a transient failure worth retrying
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch CategorizeError(err).Type {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeServer, ErrorTypeRateLimit:
		return true
	}
	return false
}

// IsContractViolation reports whether err came from a malformed feed response
func IsContractViolation(err error) bool {
	var feedErr *FeedError
	return errors.As(err, &feedErr) && feedErr.Type == ErrorTypeContract
}

// FormatError returns a user-friendly error message
func FormatError(err error) string {
	if err == nil {
		return ""
	}

	feedErr := CategorizeError(err)
	var sb strings.Builder

	sb.WriteString("Error")
	if feedErr.Type != ErrorTypeUnknown {
		sb.WriteString(" (")
		sb.WriteString(string(feedErr.Type))
		sb.WriteString(")")
	}
	sb.WriteString(": ")
	sb.WriteString(feedErr.Message)
	sb.WriteString("\n")

	if feedErr.HasSuggestion() {
		sb.WriteString("\nSuggestion: ")
		sb.WriteString(feedErr.Suggestion)
		sb.WriteString("\n")
	}

	if feedErr.Type == ErrorTypeRateLimit && feedErr.RetryAfter > 0 {
		sb.WriteString(fmt.Sprintf("\nRetry in: %d seconds\n", feedErr.RetryAfter))
	}

	return sb.String()
}
