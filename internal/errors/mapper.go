package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorMapper maps external errors to the client error taxonomy
type ErrorMapper interface {
	MapError(err error) error
	IsRetryable(err error) bool
	Category(err error) string
}

// DefaultErrorMapper implements the taxonomy mapping
type DefaultErrorMapper struct{}

// NewDefaultErrorMapper creates a new error mapper
func NewDefaultErrorMapper() *DefaultErrorMapper {
	return &DefaultErrorMapper{}
}

// MapError maps transport and HTTP errors to taxonomy categories
func (m *DefaultErrorMapper) MapError(err error) error {
	if err == nil {
		return nil
	}

	// Propagate context cancellation and already-categorized errors as-is
	if errors.Is(err, context.Canceled) || m.Category(err) != "Unknown" {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("request timeout: %w", ErrTransient)
	}

	errStr := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errStr, "not found"), strings.Contains(errStr, "does not exist"):
		return fmt.Errorf("resource not found: %w", ErrNotFound)

	case strings.Contains(errStr, "unauthorized"), strings.Contains(errStr, "forbidden"), strings.Contains(errStr, "permission denied"):
		return fmt.Errorf("access denied: %w", ErrPermissionDenied)

	case strings.Contains(errStr, "too many requests"), strings.Contains(errStr, "rate limit"):
		return fmt.Errorf("rate limited: %w", ErrTransient)

	case strings.Contains(errStr, "bad request"), strings.Contains(errStr, "invalid"):
		return fmt.Errorf("invalid request: %w", ErrInvalidInput)

	case strings.Contains(errStr, "timeout"), strings.Contains(errStr, "deadline exceeded"):
		return fmt.Errorf("request timeout: %w", ErrTransient)

	case strings.Contains(errStr, "connection"), strings.Contains(errStr, "eof"),
		strings.Contains(errStr, "network"), strings.Contains(errStr, "websocket"):
		return fmt.Errorf("network error: %w", ErrTransient)

	case strings.Contains(errStr, "conflict"), strings.Contains(errStr, "already exists"):
		return fmt.Errorf("conflict: %w", ErrConflict)

	default:
		return fmt.Errorf("internal error: %w", ErrInternal)
	}
}

// IsRetryable determines if an error should trigger a retry
func (m *DefaultErrorMapper) IsRetryable(err error) bool {
	return IsRetryable(err)
}

// Category returns the taxonomy category name for an error
func (m *DefaultErrorMapper) Category(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrInvalidInput):
		return "ErrInvalidInput"
	case errors.Is(err, ErrNotFound):
		return "ErrNotFound"
	case errors.Is(err, ErrPermissionDenied):
		return "ErrPermissionDenied"
	case errors.Is(err, ErrConflict):
		return "ErrConflict"
	case errors.Is(err, ErrTransient):
		return "ErrTransient"
	case errors.Is(err, ErrInternal):
		return "ErrInternal"
	case errors.Is(err, ErrNotConnected):
		return "ErrNotConnected"
	case errors.Is(err, ErrSessionEnded):
		return "ErrSessionEnded"
	case errors.Is(err, ErrSessionFailed):
		return "ErrSessionFailed"
	case errors.Is(err, ErrStreamClosed):
		return "ErrStreamClosed"
	case errors.Is(err, ErrInterruptResolved):
		return "ErrInterruptResolved"
	default:
		return "Unknown"
	}
}

// FromStatus maps an HTTP status code to a taxonomy category
func FromStatus(code int) error {
	switch {
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return ErrPermissionDenied
	case code == http.StatusConflict:
		return ErrConflict
	case code == http.StatusBadRequest, code == http.StatusUnprocessableEntity:
		return ErrInvalidInput
	case code == http.StatusTooManyRequests, code >= 500:
		return ErrTransient
	default:
		return ErrInternal
	}
}

// Wrap wraps an error with context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%s: %w", message, err)
}

// IsCategory checks if error belongs to specific category
func IsCategory(err error, category error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, category)
}

// NotFound wraps error as not found
func NotFound(message string) error {
	return fmt.Errorf("%s: %w", message, ErrNotFound)
}

// InvalidInput wraps error as invalid input
func InvalidInput(message string) error {
	return fmt.Errorf("%s: %w", message, ErrInvalidInput)
}

// Conflict wraps error as conflict
func Conflict(message string) error {
	return fmt.Errorf("%s: %w", message, ErrConflict)
}

// Transient wraps error as transient
func Transient(message string) error {
	return fmt.Errorf("%s: %w", message, ErrTransient)
}

// Internal wraps error as internal
func Internal(message string) error {
	return fmt.Errorf("%s: %w", message, ErrInternal)
}

// IsRetryable checks if an error is transient or conflict related, indicating it can be retried
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrConflict) || errors.Is(err, ErrNotConnected)
}
