package relay

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrInvalidState = errors.New("invalid state")
	ErrCorruptState = errors.New("corrupt state")
)

// Severity classifies an error for routing and reporting. Only
// SeverityCritical may halt processing of a mailbox.
type Severity string

const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// ValidationError marks input that will never become valid by waiting.
// It is never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Reason
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

func (e *ValidationError) IsRetryable() bool {
	return false
}

// RetryableError marks a transient failure that the RetryCoordinator may
// attempt again.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	if e.Err == nil {
		return "retryable error"
	}
	return e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

func (e *RetryableError) IsRetryable() bool {
	return true
}

func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// PermanentError marks a failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	if e.Err == nil {
		return "permanent error"
	}
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

func (e *PermanentError) IsRetryable() bool {
	return false
}

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsRetryable reports whether the coordinator should attempt err again.
// Errors may opt out via an IsRetryable() bool method; unknown errors
// default to retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	type retryable interface {
		IsRetryable() bool
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return true
}

// RelayError is the terminal error surfaced after the RetryCoordinator
// exhausts its attempts. It never escapes the daemon as a panic; it is
// attached to the failed envelope and recorded on the health monitor.
type RelayError struct {
	Message       string
	Severity      Severity
	Operation     string
	CorrelationID string
	Attempts      int
	Err           error
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("%s: %s (operation=%s attempts=%d correlation=%s)",
		e.Severity, e.Message, e.Operation, e.Attempts, e.CorrelationID)
}

func (e *RelayError) Unwrap() error {
	return e.Err
}
