// Package errors provides error code definitions shared across the sync core.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique error code surfaced to callers.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Persistence errors
	ErrDatabase    ErrorCode = "DATABASE_ERROR"
	ErrMigration   ErrorCode = "MIGRATION_FAILED"
	ErrPersistence ErrorCode = "PERSISTENCE_FAILURE"

	// Queue errors
	ErrQueueFull      ErrorCode = "QUEUE_FULL"
	ErrActionNotFound ErrorCode = "ACTION_NOT_FOUND"
	ErrActionTerminal ErrorCode = "ACTION_TERMINAL"

	// Sync errors
	ErrSyncFailed      ErrorCode = "SYNC_FAILED"
	ErrSyncOffline     ErrorCode = "SYNC_OFFLINE"
	ErrSyncInProgress  ErrorCode = "SYNC_IN_PROGRESS"
	ErrSubmitTransient ErrorCode = "SUBMIT_TRANSIENT"
	ErrSubmitPermanent ErrorCode = "SUBMIT_PERMANENT"
	ErrVersionConflict ErrorCode = "VERSION_CONFLICT"

	// Conflict resolution errors
	ErrConflictNotFound   ErrorCode = "CONFLICT_NOT_FOUND"
	ErrConflictUnresolved ErrorCode = "CONFLICT_UNRESOLVED"

	// Connection errors
	ErrHandshakeFailed  ErrorCode = "HANDSHAKE_FAILED"
	ErrHandshakeTimeout ErrorCode = "HANDSHAKE_TIMEOUT"
	ErrChannelClosed    ErrorCode = "CHANNEL_CLOSED"
	ErrUnreachable      ErrorCode = "UNREACHABLE"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if an error carries a specific code anywhere in its chain.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// SubmissionClass classifies a rejected remote submission so the
// coordinator can route it: retry, surface, or hand to the resolver.
type SubmissionClass string

const (
	SubmissionTransient SubmissionClass = "transient"
	SubmissionPermanent SubmissionClass = "permanent"
	SubmissionConflict  SubmissionClass = "version_conflict"
)

// SubmissionError is returned by the remote submission collaborator.
// For SubmissionConflict the ServerState field carries the server's
// current record so the conflict resolver can compare.
type SubmissionError struct {
	Class       SubmissionClass
	Message     string
	ServerState json.RawMessage
	Err         error
}

// Error implements the error interface.
func (e *SubmissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("submission %s: %s: %v", e.Class, e.Message, e.Err)
	}
	return fmt.Sprintf("submission %s: %s", e.Class, e.Message)
}

// Unwrap returns the underlying error.
func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// Transient creates a retryable submission error (network, 5xx).
func Transient(message string, err error) *SubmissionError {
	return &SubmissionError{Class: SubmissionTransient, Message: message, Err: err}
}

// Permanent creates a non-retryable submission error (validation,
// authorization).
func Permanent(message string, err error) *SubmissionError {
	return &SubmissionError{Class: SubmissionPermanent, Message: message, Err: err}
}

// Conflict creates a version-conflict submission error carrying the
// server's current state.
func Conflict(message string, serverState json.RawMessage) *SubmissionError {
	return &SubmissionError{Class: SubmissionConflict, Message: message, ServerState: serverState}
}

// AsSubmission returns the error as a SubmissionError if it is one.
func AsSubmission(err error) (*SubmissionError, bool) {
	var se *SubmissionError
	if stderrors.As(err, &se) {
		return se, true
	}
	return nil, false
}
