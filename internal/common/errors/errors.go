// Package errors provides the application error types surfaced by sessiond.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeInvalidRequest    = "INVALID_REQUEST"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeAlreadyRunning    = "ALREADY_RUNNING"
	ErrCodeSequenceViolation = "SEQUENCE_VIOLATION"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeInternalError     = "INTERNAL_ERROR"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with ID %s not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// InvalidRequest creates a bad request error, used when a payload is
// malformed or a referenced entity is missing at creation time.
func InvalidRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeInvalidRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Validation creates a schema validation error.
func Validation(message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidation,
		Message:    message,
		HTTPStatus: http.StatusUnprocessableEntity,
	}
}

// AlreadyRunning is returned by the background task service when a task with
// the same tag is still active.
func AlreadyRunning(tag string) *AppError {
	return &AppError{
		Code:       ErrCodeAlreadyRunning,
		Message:    fmt.Sprintf("task with tag %q is already running", tag),
		HTTPStatus: http.StatusInternalServerError,
	}
}

// SequenceViolation is returned by the chunk store when a chunk arrives out
// of order for its (correlation, event) stream.
func SequenceViolation(correlationID, eventID string, got, want int) *AppError {
	return &AppError{
		Code:       ErrCodeSequenceViolation,
		Message:    fmt.Sprintf("chunk seq %d for event %s (correlation %s), expected %d", got, eventID, correlationID, want),
		HTTPStatus: http.StatusInternalServerError,
	}
}

// Cancelled marks cooperative cancellation of an in-flight operation.
func Cancelled(message string) *AppError {
	return &AppError{
		Code:       ErrCodeCancelled,
		Message:    message,
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// Internal creates an internal server error with a wrapped underlying error.
func Internal(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
// An existing AppError keeps its code and status.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeNotFound
	}
	return false
}

// IsAlreadyRunning checks if the error is an already running task error.
func IsAlreadyRunning(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeAlreadyRunning
	}
	return false
}

// IsSequenceViolation checks if the error is a chunk sequence violation.
func IsSequenceViolation(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeSequenceViolation
	}
	return false
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
