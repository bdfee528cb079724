// Package errors defines the typed errors returned by the status API.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorType classifies an API error.
type ErrorType string

const (
	ErrorTypeValidation  ErrorType = "VALIDATION_ERROR"
	ErrorTypeNotFound    ErrorType = "NOT_FOUND"
	ErrorTypeMethod      ErrorType = "METHOD_NOT_ALLOWED"
	ErrorTypeInternal    ErrorType = "INTERNAL_ERROR"
	ErrorTypeTimeout     ErrorType = "TIMEOUT"
	ErrorTypeServiceDown ErrorType = "SERVICE_DOWN"
)

// Machine-readable codes for stgen resources.
const (
	CodeSessionNotFound = "SESSION_NOT_FOUND"
	CodeRunNotFound     = "RUN_NOT_FOUND"
	CodeNoSource        = "NO_SUMMARY_SOURCE"
	CodeEndpoint        = "ENDPOINT_NOT_FOUND"
)

// AppError is an error with an HTTP status and a client-facing message.
type AppError struct {
	Type       ErrorType              `json:"type"`
	Message    string                 `json:"message"`
	Code       string                 `json:"code,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
	HTTPStatus int                    `json:"-"`
	Err        error                  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetails attaches structured details for the response body.
func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	e.Details = details
	return e
}

func (e *AppError) WithCode(code string) *AppError {
	e.Code = code
	return e
}

func New(errType ErrorType, message string, httpStatus int) *AppError {
	return &AppError{
		Type:       errType,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

func Wrap(err error, errType ErrorType, message string, httpStatus int) *AppError {
	return &AppError{
		Type:       errType,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

func NewValidationError(message string) *AppError {
	return New(ErrorTypeValidation, message, http.StatusBadRequest)
}

func NewNotFoundError(resource string) *AppError {
	return New(ErrorTypeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

// NewSessionNotFoundError reports an unknown receiver session.
func NewSessionNotFoundError(id string) *AppError {
	return NewNotFoundError("session").
		WithCode(CodeSessionNotFound).
		WithDetails(map[string]interface{}{"session_id": id})
}

// NewRunNotFoundError reports an unknown stored run.
func NewRunNotFoundError(id string, cause error) *AppError {
	e := NewNotFoundError("run").
		WithCode(CodeRunNotFound).
		WithDetails(map[string]interface{}{"run_id": id})
	e.Err = cause
	return e
}

func NewMethodNotAllowedError() *AppError {
	return New(ErrorTypeMethod, "Method not allowed", http.StatusMethodNotAllowed)
}

func NewInternalError(message string) *AppError {
	return New(ErrorTypeInternal, message, http.StatusInternalServerError)
}

func WrapInternalError(err error, message string) *AppError {
	return Wrap(err, ErrorTypeInternal, message, http.StatusInternalServerError)
}

func NewTimeoutError(message string) *AppError {
	return New(ErrorTypeTimeout, message, http.StatusGatewayTimeout)
}

// NewServiceDownError reports a dependency that cannot serve requests.
func NewServiceDownError(service string) *AppError {
	return New(ErrorTypeServiceDown, fmt.Sprintf("%s service is currently unavailable", service), http.StatusServiceUnavailable)
}

// GetAppError finds an AppError in err's chain.
func GetAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsAppError reports whether err's chain contains an AppError.
func IsAppError(err error) bool {
	_, ok := GetAppError(err)
	return ok
}
