// Package errors provides the error code taxonomy for the HealthSync engine.
package errors

import "fmt"

// ErrorCode represents a unique engine error code.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrDuplicate  ErrorCode = "DUPLICATE"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Database errors
	ErrDatabase   ErrorCode = "DATABASE_ERROR"
	ErrMigration  ErrorCode = "MIGRATION_FAILED"
	ErrConstraint ErrorCode = "CONSTRAINT_VIOLATION"

	// Sync errors
	ErrTransientIO         ErrorCode = "TRANSIENT_IO"
	ErrPermanentRejection  ErrorCode = "PERMANENT_REJECTION"
	ErrAuthExpired         ErrorCode = "AUTH_EXPIRED"
	ErrCapacityExceeded    ErrorCode = "CAPACITY_EXCEEDED"
	ErrConflictUnresolved  ErrorCode = "CONFLICT_UNRESOLVED"
	ErrProviderUnavailable ErrorCode = "PROVIDER_UNAVAILABLE"
	ErrSyncFailed          ErrorCode = "SYNC_FAILED"
	ErrSyncTimeout         ErrorCode = "SYNC_TIMEOUT"
	ErrSyncInProgress      ErrorCode = "SYNC_IN_PROGRESS"
	ErrConnectionInactive  ErrorCode = "CONNECTION_INACTIVE"
)

// AppError represents an engine error with code and message.
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

// Is checks if an error carries a specific code, unwrapping as needed.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		if appErr, ok := err.(*AppError); ok {
			if appErr.Code == code {
				return true
			}
			err = appErr.Err
			continue
		}
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Retryable reports whether an error is worth another delivery attempt.
// Only transient I/O and timeouts qualify; rejections and expired auth do not.
func Retryable(err error) bool {
	return Is(err, ErrTransientIO) || Is(err, ErrSyncTimeout) || Is(err, ErrProviderUnavailable)
}
