// Package errors provides custom error types for the cellrun application.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Error codes as constants
const (
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeBadRequest     = "BAD_REQUEST"
	ErrCodeConflict       = "CONFLICT"
	ErrCodeInternalError  = "INTERNAL_ERROR"
	ErrCodeConfiguration  = "CONFIGURATION_ERROR"
	ErrCodeConnectivity   = "CONNECTIVITY_ERROR"
	ErrCodeProtocol       = "PROTOCOL_ERROR"
	ErrCodeKernelCreation = "KERNEL_CREATION_ERROR"
	ErrCodeTimeout        = "TIMEOUT"
	ErrCodeExecution      = "EXECUTION_ERROR"
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

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// BadRequest creates a new bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Conflict creates a new conflict error.
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Configuration creates an error for a missing or invalid server/kernel
// configuration. These surface synchronously to the cell without any
// network call being made.
func Configuration(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConfiguration,
		Message:    message,
		HTTPStatus: http.StatusUnprocessableEntity,
	}
}

// Connectivity creates an error for a failed reachability probe or
// transport failure.
func Connectivity(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeConnectivity,
		Message:    message,
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// Protocol creates an error for a malformed or unmatched protocol message.
func Protocol(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeProtocol,
		Message:    message,
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// KernelCreation creates an error for a failed remote kernel create call.
func KernelCreation(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeKernelCreation,
		Message:    message,
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// Timeout creates an error for an expired batch deadline.
func Timeout(message string) *AppError {
	return &AppError{
		Code:       ErrCodeTimeout,
		Message:    message,
		HTTPStatus: http.StatusGatewayTimeout,
	}
}

// Execution creates an error for remote code that raised an exception.
// This is a property of the submitted code, not a client defect.
func Execution(name, value string, traceback []string) *AppError {
	msg := fmt.Sprintf("%s: %s", name, value)
	if len(traceback) > 0 {
		msg = msg + "\n" + strings.Join(traceback, "\n")
	}
	return &AppError{
		Code:       ErrCodeExecution,
		Message:    msg,
		HTTPStatus: http.StatusOK,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	// Otherwise, wrap as an internal error
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound)
}

// IsConfiguration checks if the error is a configuration error.
func IsConfiguration(err error) bool {
	return hasCode(err, ErrCodeConfiguration)
}

// IsConnectivity checks if the error is a connectivity error.
func IsConnectivity(err error) bool {
	return hasCode(err, ErrCodeConnectivity)
}

// IsTimeout checks if the error is a timeout error.
func IsTimeout(err error) bool {
	return hasCode(err, ErrCodeTimeout)
}

// IsExecution checks if the error is a remote execution error.
func IsExecution(err error) bool {
	return hasCode(err, ErrCodeExecution)
}

func hasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
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
