package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents application-specific error codes
type ErrorCode string

const (
	// Input errors
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeInvalidState ErrorCode = "INVALID_STATE"

	// Session start errors
	ErrCodeInvalidCredential     ErrorCode = "INVALID_CREDENTIAL"
	ErrCodeTransportInitFailure  ErrorCode = "TRANSPORT_INIT_FAILURE"
	ErrCodeCredentialIssueFailed ErrorCode = "CREDENTIAL_ISSUE_FAILED"

	// Degraded-mode errors
	ErrCodeSignalingUnavailable ErrorCode = "SIGNALING_UNAVAILABLE"
	ErrCodeMalformedEvent       ErrorCode = "MALFORMED_EVENT"
	ErrCodeLeaveTimeout         ErrorCode = "LEAVE_TIMEOUT"

	// Translation errors
	ErrCodeTranslationRejected ErrorCode = "TRANSLATION_REJECTED"
	ErrCodeTranslationTimeout  ErrorCode = "TRANSLATION_TIMEOUT"

	ErrCodeNotFound ErrorCode = "NOT_FOUND"
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// AppError represents a structured application error with code, message, and HTTP status
type AppError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	StatusCode int       `json:"-"`
	Details    any       `json:"details,omitempty"`
	Err        error     `json:"-"`
}

// Error implements the error interface, returning a formatted error message
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError with the given code and message
// The status code defaults to 500 Internal Server Error
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
	}
}

// NewWithStatus creates a new AppError with a specific HTTP status code
func NewWithStatus(code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// WrapWithStatus wraps an existing error with an AppError and specific status code
func WrapWithStatus(code ErrorCode, message string, statusCode int, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Err:        err,
	}
}

// WithDetails adds additional details to an AppError for debugging
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

func InvalidInputError(message string) *AppError {
	return NewWithStatus(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func InvalidStateError(message string) *AppError {
	return NewWithStatus(ErrCodeInvalidState, message, http.StatusConflict)
}

// InvalidCredentialError is returned when the join token is missing or already expired.
// It is never retried.
func InvalidCredentialError(message string) *AppError {
	return NewWithStatus(ErrCodeInvalidCredential, message, http.StatusUnauthorized)
}

// TransportInitFailureError marks a session as Failed; the user retries manually.
func TransportInitFailureError(err error) *AppError {
	return WrapWithStatus(ErrCodeTransportInitFailure, "Audio transport failed to start", http.StatusBadGateway, err)
}

func CredentialIssueError(message string, err error) *AppError {
	return WrapWithStatus(ErrCodeCredentialIssueFailed, message, http.StatusBadGateway, err)
}

func SignalingUnavailableError(err error) *AppError {
	return WrapWithStatus(ErrCodeSignalingUnavailable, "Signaling channel unavailable", http.StatusServiceUnavailable, err)
}

func MalformedEventError(event, message string) *AppError {
	return NewWithStatus(ErrCodeMalformedEvent, fmt.Sprintf("%s: %s", event, message), http.StatusUnprocessableEntity)
}

func LeaveTimeoutError() *AppError {
	return NewWithStatus(ErrCodeLeaveTimeout, "Transport did not confirm leave in time", http.StatusGatewayTimeout)
}

func TranslationRejectedError(message string) *AppError {
	return NewWithStatus(ErrCodeTranslationRejected, message, http.StatusBadGateway)
}

func TranslationTimeoutError(message string) *AppError {
	return NewWithStatus(ErrCodeTranslationTimeout, message, http.StatusGatewayTimeout)
}

func NotFoundError(resource string) *AppError {
	return NewWithStatus(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func InternalError(message string) *AppError {
	return NewWithStatus(ErrCodeInternal, message, http.StatusInternalServerError)
}

// IsAppError checks if an error is an AppError type
func IsAppError(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr)
}

// HasCode reports whether err, or anything it wraps, is an AppError with the given code
func HasCode(err error, code ErrorCode) bool {
	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		return false
	}
	return appErr.Code == code
}

// GetAppError extracts AppError from an error, wrapping non-AppErrors as InternalError
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return InternalError(err.Error())
}
