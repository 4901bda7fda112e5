// Package errors provides standardized API error types for the control plane.
package errors

import (
	"fmt"
	"net/http"
)

// APIError represents a standardized API error response.
type APIError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
	Details    any    `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return e.Message
}

// WithDetails returns a copy of the error with additional details.
func (e *APIError) WithDetails(details any) *APIError {
	return &APIError{Code: e.Code, Message: e.Message, StatusCode: e.StatusCode, Details: details}
}

// WithMessage returns a copy of the error with a custom message.
func (e *APIError) WithMessage(message string) *APIError {
	return &APIError{Code: e.Code, Message: message, StatusCode: e.StatusCode, Details: e.Details}
}

var (
	ErrUnauthorized = &APIError{Code: "unauthorized", Message: "authentication required", StatusCode: http.StatusUnauthorized}
	ErrForbidden    = &APIError{Code: "forbidden", Message: "you don't have permission to perform this action", StatusCode: http.StatusForbidden}
	ErrNotFound     = &APIError{Code: "not_found", Message: "resource not found", StatusCode: http.StatusNotFound}
	ErrBadRequest   = &APIError{Code: "bad_request", Message: "invalid request", StatusCode: http.StatusBadRequest}
	ErrConflict     = &APIError{Code: "conflict", Message: "resource already exists", StatusCode: http.StatusConflict}
	ErrInternal     = &APIError{Code: "internal_error", Message: "an internal error occurred", StatusCode: http.StatusInternalServerError}
	ErrUnavailable  = &APIError{Code: "service_unavailable", Message: "no online workers", StatusCode: http.StatusServiceUnavailable}
	ErrRateLimited  = &APIError{Code: "rate_limited", Message: "rate limit exceeded", StatusCode: http.StatusTooManyRequests}
)

// NewValidationError creates a validation error for a specific field.
func NewValidationError(field, message string) *APIError {
	return &APIError{
		Code:       "validation_error",
		Message:    fmt.Sprintf("validation failed: %s", message),
		StatusCode: http.StatusBadRequest,
		Details:    map[string]string{"field": field, "error": message},
	}
}

// NewNotFoundError creates a not found error for a specific resource type.
func NewNotFoundError(resource string) *APIError {
	return &APIError{Code: "not_found", Message: fmt.Sprintf("%s not found", resource), StatusCode: http.StatusNotFound}
}

// NewConflictError creates a conflict error with a custom message.
func NewConflictError(message string) *APIError {
	return &APIError{Code: "conflict", Message: message, StatusCode: http.StatusConflict}
}

// NewInternalError creates an internal error with a custom message.
func NewInternalError(message string) *APIError {
	return &APIError{Code: "internal_error", Message: message, StatusCode: http.StatusInternalServerError}
}

// AsAPIError converts an error to an APIError if possible, falling back to ErrInternal.
func AsAPIError(err error) *APIError {
	if apiErr, ok := err.(*APIError); ok {
		return apiErr
	}
	return ErrInternal
}
