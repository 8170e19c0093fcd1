package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Error codes surfaced by the chat client.
const (
	CodeBootstrapMissing  = "BOOTSTRAP_MISSING"
	CodeBootstrapInvalid  = "BOOTSTRAP_INVALID"
	CodeRequestFailed     = "REQUEST_FAILED"
	CodeHistoryFailed     = "HISTORY_FAILED"
	CodeSendFailed        = "SEND_FAILED"
	CodeOnlineCountFailed = "ONLINE_COUNT_FAILED"
	CodeCircuitOpen       = "CIRCUIT_OPEN"
	CodeMessageTooLong    = "MESSAGE_TOO_LONG"
	CodeInvalidRequest    = "INVALID_REQUEST"
	CodeNotFound          = "NOT_FOUND"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeRateLimited       = "RATE_LIMIT_EXCEEDED"
	CodeInternal          = "INTERNAL_ERROR"
)

// AppError represents an application error with HTTP status code and error code
type AppError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Details    any    `json:"details,omitempty"`
	cause      error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause to errors.Is / errors.As.
func (e *AppError) Unwrap() error {
	return e.cause
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// NewError creates a new application error
func NewError(statusCode int, code string, message string) *AppError {
	return &AppError{
		StatusCode: statusCode,
		Code:       code,
		Message:    message,
	}
}

// Wrap creates an application error around an underlying cause
func Wrap(err error, code string, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		cause:   err,
	}
}

// NewBootstrapError reports a missing or malformed session bootstrap document
func NewBootstrapError(code string, message string, cause error) *AppError {
	return &AppError{Code: code, Message: message, cause: cause}
}

// NewRequestError reports a non-2xx response from the fallback HTTP channel
func NewRequestError(statusCode int, code string, message string) *AppError {
	return NewError(statusCode, code, message)
}

// NewBadRequestError creates a 400 Bad Request error
func NewBadRequestError(code string, message string) *AppError {
	return NewError(http.StatusBadRequest, code, message)
}

// NewNotFoundError creates a 404 Not Found error
func NewNotFoundError(code string, message string) *AppError {
	return NewError(http.StatusNotFound, code, message)
}

// NewInternalServerError creates a 500 Internal Server Error
func NewInternalServerError(code string, message string) *AppError {
	return NewError(http.StatusInternalServerError, code, message)
}

// Is checks if err carries an AppError with the same code as target
func Is(err error, target *AppError) bool {
	return HasCode(err, target.Code)
}

// HasCode reports whether err carries an AppError with the given code
func HasCode(err error, code string) bool {
	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		return false
	}
	return appErr.Code == code
}
