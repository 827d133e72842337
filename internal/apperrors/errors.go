// Package apperrors defines the error taxonomy surfaced by the operation
// layer and its mapping to HTTP status codes.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a class of operation-layer failure
type Code string

const (
	// CodeQuotaExceeded indicates the caller hit their usage cap
	CodeQuotaExceeded Code = "QUOTA_EXCEEDED"

	// CodeModelUnavailable indicates the chat model timed out or errored
	CodeModelUnavailable Code = "MODEL_UNAVAILABLE"

	// CodeModelMalformed indicates the model returned unparseable output
	CodeModelMalformed Code = "MODEL_MALFORMED"

	// CodeUpstreamUnavailable indicates the external catalog failed
	CodeUpstreamUnavailable Code = "UPSTREAM_UNAVAILABLE"

	// CodePersistenceFailed indicates the save stage failed
	CodePersistenceFailed Code = "PERSISTENCE_FAILED"

	// CodeCacheDegraded indicates the primary cache is unreachable.
	// Never surfaced to clients; recorded internally only.
	CodeCacheDegraded Code = "CACHE_DEGRADED"

	// CodeDeadlineExceeded indicates the overall operation deadline passed
	CodeDeadlineExceeded Code = "DEADLINE_EXCEEDED"

	// CodeValidationFailed indicates the request was rejected before any
	// external call
	CodeValidationFailed Code = "VALIDATION_FAILED"

	// CodeNotFound indicates a requested resource does not exist
	CodeNotFound Code = "NOT_FOUND"
)

// AppError is a typed failure carried from the operation layer to the
// HTTP surface
type AppError struct {
	Code    Code                   `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error returns a string representation of the error
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// New creates a new AppError
func New(code Code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap creates a new AppError wrapping a cause
func Wrap(code Code, message string, cause error) *AppError {
	return &AppError{Code: code, Message: message, Cause: cause}
}

// WithDetails attaches structured details to the error
func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	e.Details = details
	return e
}

// HTTPStatus maps an error code to its HTTP status
func HTTPStatus(code Code) int {
	switch code {
	case CodeQuotaExceeded:
		return http.StatusTooManyRequests
	case CodeModelUnavailable, CodeUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case CodeModelMalformed:
		return http.StatusBadGateway
	case CodePersistenceFailed:
		return http.StatusInternalServerError
	case CodeDeadlineExceeded:
		return http.StatusGatewayTimeout
	case CodeValidationFailed:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// AsAppError extracts an *AppError from an error chain, if present
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// CodeOf returns the taxonomy code of err, or empty if it carries none
func CodeOf(err error) Code {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code
	}
	return ""
}
