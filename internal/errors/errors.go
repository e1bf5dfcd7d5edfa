package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Base error types
var (
	ErrTransientNetwork      = errors.New("transient network failure")
	ErrAuthenticationMissing = errors.New("authentication missing")
	ErrMissingIdentifier     = errors.New("missing identifier")
	ErrValidation            = errors.New("validation failed")
	ErrAllSourcesFailed      = errors.New("all sources failed")
	ErrNotReady              = errors.New("not ready")
	ErrNotFound              = errors.New("not found")
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeTransient         ErrorType = "transient_network"
	ErrorTypeAuthMissing       ErrorType = "authentication_missing"
	ErrorTypeMissingIdentifier ErrorType = "missing_identifier"
	ErrorTypeValidation        ErrorType = "validation"
	ErrorTypeAllSourcesFailed  ErrorType = "all_sources_failed"
	ErrorTypeNotFound          ErrorType = "not_found"
	ErrorTypeInternal          ErrorType = "internal"
)

// OperationError is a structured error for subscription and cache operations
type OperationError struct {
	Type        ErrorType
	Op          string // Operation that failed (e.g., "subscription.cancel")
	UserID      string
	Err         error
	Remediation string // User-facing hint, set for fatal errors that need action
	StatusCode  int
	Timestamp   time.Time
	Retryable   bool
}

func (e *OperationError) Error() string {
	msg := fmt.Sprintf("%s failed: %v", e.Op, e.Err)
	if e.UserID != "" {
		msg = fmt.Sprintf("%s failed for user %s: %v", e.Op, e.UserID, e.Err)
	}
	if e.Remediation != "" {
		msg += " (" + e.Remediation + ")"
	}
	return msg
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *OperationError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrTransientNetwork:
		return e.Type == ErrorTypeTransient
	case ErrAuthenticationMissing:
		return e.Type == ErrorTypeAuthMissing
	case ErrMissingIdentifier:
		return e.Type == ErrorTypeMissingIdentifier
	case ErrValidation:
		return e.Type == ErrorTypeValidation
	case ErrAllSourcesFailed:
		return e.Type == ErrorTypeAllSourcesFailed
	case ErrNotFound:
		return e.Type == ErrorTypeNotFound
	}

	return errors.Is(e.Err, target)
}

// NewOperationError creates a new OperationError
func NewOperationError(errorType ErrorType, op, userID string, err error) *OperationError {
	if err == nil {
		err = baseFor(errorType)
	}
	return &OperationError{
		Type:      errorType,
		Op:        op,
		UserID:    userID,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: errorType == ErrorTypeTransient,
	}
}

// WithRemediation attaches a user-facing remediation message
func (e *OperationError) WithRemediation(msg string) *OperationError {
	e.Remediation = msg
	return e
}

// WithStatusCode adds HTTP status code to the error and reclassifies it
func (e *OperationError) WithStatusCode(code int) *OperationError {
	e.StatusCode = code
	switch {
	case code == 401 || code == 403:
		e.Type = ErrorTypeAuthMissing
		e.Retryable = false
	case code == 404:
		e.Type = ErrorTypeNotFound
		e.Retryable = false
	case code >= 500 || code == 429 || code == 408:
		e.Type = ErrorTypeTransient
		e.Retryable = true
	case code >= 400:
		e.Retryable = false
	}
	return e
}

func baseFor(t ErrorType) error {
	switch t {
	case ErrorTypeTransient:
		return ErrTransientNetwork
	case ErrorTypeAuthMissing:
		return ErrAuthenticationMissing
	case ErrorTypeMissingIdentifier:
		return ErrMissingIdentifier
	case ErrorTypeValidation:
		return ErrValidation
	case ErrorTypeAllSourcesFailed:
		return ErrAllSourcesFailed
	case ErrorTypeNotFound:
		return ErrNotFound
	default:
		return errors.New("internal error")
	}
}

// Helper functions

// Transient wraps a network failure so the executor retries it
func Transient(op string, err error) error {
	return NewOperationError(ErrorTypeTransient, op, "", err)
}

// MissingIdentifier reports a mutation that cannot run without an id
func MissingIdentifier(op, userID, what string) error {
	return NewOperationError(ErrorTypeMissingIdentifier, op, userID,
		fmt.Errorf("%w: %s", ErrMissingIdentifier, what)).
		WithRemediation("complete checkout or refresh your subscription before retrying")
}

// AuthenticationMissing reports a call made without a signed-in user
func AuthenticationMissing(op string) error {
	return NewOperationError(ErrorTypeAuthMissing, op, "", nil).
		WithRemediation("sign in again")
}

// AllSourcesFailed reports a terminal executor failure, keeping the last error
func AllSourcesFailed(op string, attempts int, last error) error {
	err := fmt.Errorf("%w after %d attempts", ErrAllSourcesFailed, attempts)
	if last != nil {
		err = fmt.Errorf("%w after %d attempts: %w", ErrAllSourcesFailed, attempts, last)
	}
	return NewOperationError(ErrorTypeAllSourcesFailed, op, "", err)
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if IsFatal(err) {
		return false
	}

	var opErr *OperationError
	if errors.As(err, &opErr) {
		return opErr.Retryable
	}
	if errors.Is(err, ErrTransientNetwork) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsFatal reports errors that must bypass retries and fallbacks entirely
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrAuthenticationMissing) ||
		errors.Is(err, ErrMissingIdentifier) ||
		errors.Is(err, context.Canceled)
}
