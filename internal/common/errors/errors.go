// Package errors provides the application error type shared by message handlers.
package errors

import (
	"errors"
	"fmt"
)

// Error codes carried on the wire in error responses.
const (
	ErrCodeNotFound    = "NOT_FOUND"
	ErrCodeBadRequest  = "BAD_REQUEST"
	ErrCodeInternal    = "INTERNAL_ERROR"
	ErrCodeUnavailable = "UNAVAILABLE"
	ErrCodeCanceled    = "CANCELED"
	ErrCodeActionable  = "ACTIONABLE"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
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
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s '%s' not found", resource, id),
	}
}

// BadRequest creates a bad request error, typically for a malformed payload.
func BadRequest(message string) *AppError {
	return &AppError{Code: ErrCodeBadRequest, Message: message}
}

// InternalError creates an internal error wrapping err.
func InternalError(message string, err error) *AppError {
	return &AppError{Code: ErrCodeInternal, Message: message, Err: err}
}

// Unavailable creates an error for a missing host capability or service.
func Unavailable(what string) *AppError {
	return &AppError{
		Code:    ErrCodeUnavailable,
		Message: fmt.Sprintf("%s is unavailable", what),
	}
}

// Canceled creates an error for an operation stopped by its caller.
func Canceled(message string, err error) *AppError {
	return &AppError{Code: ErrCodeCanceled, Message: message, Err: err}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:    appErr.Code,
			Message: fmt.Sprintf("%s: %s", message, appErr.Message),
			Err:     err,
		}
	}

	return &AppError{Code: ErrCodeInternal, Message: message, Err: err}
}

// Code returns the code of the first AppError in err's chain, or ErrCodeInternal.
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return Code(err) == ErrCodeNotFound
}

// IsBadRequest checks if the error is a bad request error.
func IsBadRequest(err error) bool {
	return Code(err) == ErrCodeBadRequest
}
