// Package errors provides centralized error definitions and error handling
// utilities for the Jelmore codebase. It defines the error taxonomy used by
// the session orchestrator, typed domain errors with context wrapping, and
// classification helpers.
//
// Creating errors:
//
//	err := errors.NewSessionError("cannot accept input", errors.ErrInvalidState).WithSessionID(id)
//	err := errors.NewProviderError("health probe failed", errors.ErrProviderUnavailable).WithProvider("claude_code")
//
// Checking errors:
//
//	if errors.Is(err, errors.ErrInvalidState) { ... }
//	if errors.IsRetryable(err) { ... }
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Session-related sentinel errors
var (
	// ErrSessionNotFound indicates that a session could not be found in any layer.
	ErrSessionNotFound = New("session not found")
	// ErrInvalidState indicates that an operation is illegal for the session's
	// current status (e.g. send_input against a terminated session).
	ErrInvalidState = New("operation invalid for session state")
	// ErrCapacityExceeded indicates the concurrent session limit has been reached.
	ErrCapacityExceeded = New("session capacity exceeded")
)

// Provider-related sentinel errors
var (
	// ErrProviderNotFound indicates that no provider with the given type is registered.
	ErrProviderNotFound = New("provider not found")
	// ErrProviderUnavailable indicates a provider failed its last health probe.
	ErrProviderUnavailable = New("provider unavailable")
	// ErrNoProviderAvailable indicates that no registered provider is available
	// for selection.
	ErrNoProviderAvailable = New("no provider available")
	// ErrTransport indicates that provider I/O failed at the transport level.
	ErrTransport = New("provider transport failure")
)

// Infrastructure sentinel errors
var (
	// ErrStoreWrite indicates a durable store write failed. The in-memory and
	// cache state are NOT rolled back; the session is flagged for reconciliation.
	ErrStoreWrite = New("store write failure")
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
)

// -----------------------------------------------------------------------------
// Base Error Implementation
// -----------------------------------------------------------------------------

// baseError provides common functionality for all typed errors.
type baseError struct {
	message   string
	cause     error
	retryable bool
}

func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *baseError) Unwrap() error {
	return e.cause
}

func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// -----------------------------------------------------------------------------
// Domain Errors
// -----------------------------------------------------------------------------

// SessionError represents errors related to session lifecycle operations.
//
// Example:
//
//	err := errors.NewSessionError("terminate failed", cause).WithSessionID("abc123")
type SessionError struct {
	baseError
	SessionID string
	Status    string
}

// NewSessionError creates a new SessionError.
func NewSessionError(message string, cause error) *SessionError {
	return &SessionError{
		baseError: baseError{message: message, cause: cause},
	}
}

// WithSessionID adds a session ID to the error context.
func (e *SessionError) WithSessionID(id string) *SessionError {
	e.SessionID = id
	return e
}

// WithStatus adds the session status at the time of the error.
func (e *SessionError) WithStatus(status string) *SessionError {
	e.Status = status
	return e
}

// Error returns the formatted error message.
func (e *SessionError) Error() string {
	var parts []string
	if e.SessionID != "" {
		parts = append(parts, fmt.Sprintf("session=%s", e.SessionID))
	}
	if e.Status != "" {
		parts = append(parts, fmt.Sprintf("status=%s", e.Status))
	}

	prefix := "session error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("session error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *SessionError) Is(target error) bool {
	if _, ok := target.(*SessionError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ProviderError represents errors from a provider backend.
//
// Example:
//
//	err := errors.NewProviderError("spawn failed", cause).WithProvider("claude_code")
type ProviderError struct {
	baseError
	Provider string
	Handle   string
}

// NewProviderError creates a new ProviderError.
func NewProviderError(message string, cause error) *ProviderError {
	return &ProviderError{
		baseError: baseError{message: message, cause: cause},
	}
}

// WithProvider adds the provider type to the error context.
func (e *ProviderError) WithProvider(providerType string) *ProviderError {
	e.Provider = providerType
	return e
}

// WithHandle adds the provider session handle to the error context.
func (e *ProviderError) WithHandle(handle string) *ProviderError {
	e.Handle = handle
	return e
}

// WithRetryable marks the error as transient.
func (e *ProviderError) WithRetryable(r bool) *ProviderError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *ProviderError) Error() string {
	var parts []string
	if e.Provider != "" {
		parts = append(parts, fmt.Sprintf("provider=%s", e.Provider))
	}
	if e.Handle != "" {
		parts = append(parts, fmt.Sprintf("handle=%s", e.Handle))
	}

	prefix := "provider error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("provider error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *ProviderError) Is(target error) bool {
	if _, ok := target.(*ProviderError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// StoreError represents errors from the durable store. Store errors always
// wrap ErrStoreWrite for write operations so callers can detect the
// durability-at-risk condition with errors.Is.
type StoreError struct {
	baseError
	Operation string
}

// NewStoreError creates a new StoreError wrapping ErrStoreWrite.
func NewStoreError(operation string, cause error) *StoreError {
	return &StoreError{
		baseError: baseError{
			message:   fmt.Sprintf("store %s failed", operation),
			cause:     errors.Join(ErrStoreWrite, cause),
			retryable: true,
		},
		Operation: operation,
	}
}

// Is checks if this error matches the target.
func (e *StoreError) Is(target error) bool {
	if _, ok := target.(*StoreError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Classification
// -----------------------------------------------------------------------------

// retryableSentinels are transient conditions that may succeed on retry.
var retryableSentinels = []error{
	ErrProviderUnavailable,
	ErrNoProviderAvailable,
	ErrCapacityExceeded,
	ErrStoreWrite,
	ErrTimeout,
}

// classified is implemented by typed errors that carry retry information.
type classified interface {
	error
	isRetryable() bool
}

func (e *baseError) isRetryable() bool { return e.retryable }

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var c classified
	if As(err, &c) && c.isRetryable() {
		return true
	}

	for _, sentinel := range retryableSentinels {
		if Is(err, sentinel) {
			return true
		}
	}
	return false
}

// IsUserError returns true if the error represents caller misuse rather
// than an infrastructure fault (404/409-class conditions).
func IsUserError(err error) bool {
	return Is(err, ErrSessionNotFound) || Is(err, ErrProviderNotFound) || Is(err, ErrInvalidState)
}

// Wrap wraps an error with additional context message.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
