package dispatch

import (
	"fmt"
	"net/http"
)

// APIError is a per-request failure that maps to a response status. Handlers
// may return one to choose the status; every other error becomes a 500.
type APIError struct {
	Code       string `json:"error"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewAPIError creates a new API error with the given code, message, and status.
func NewAPIError(code, message string, statusCode int) *APIError {
	return &APIError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Predefined API errors
var (
	ErrAccessDenied = &APIError{
		Code:       "access_denied",
		Message:    "Client address is not allowed",
		StatusCode: http.StatusForbidden,
	}

	ErrRateLimited = &APIError{
		Code:       "rate_limit_exceeded",
		Message:    "Too many requests. Please slow down.",
		StatusCode: http.StatusTooManyRequests,
	}

	ErrRouteNotFound = &APIError{
		Code:       "not_found",
		Message:    "Resource not found",
		StatusCode: http.StatusNotFound,
	}

	ErrCorsRejected = &APIError{
		Code:       "cors_rejected",
		Message:    "Origin is not allowed",
		StatusCode: http.StatusForbidden,
	}

	ErrPayloadTooLarge = &APIError{
		Code:       "payload_too_large",
		Message:    "Request body exceeds the configured limit",
		StatusCode: http.StatusRequestEntityTooLarge,
	}

	ErrBadRequest = &APIError{
		Code:       "bad_request",
		Message:    "Invalid request",
		StatusCode: http.StatusBadRequest,
	}

	ErrUnsupportedMediaType = &APIError{
		Code:       "unsupported_media_type",
		Message:    "Content type cannot be decoded into this resource",
		StatusCode: http.StatusUnsupportedMediaType,
	}

	ErrInternal = &APIError{
		Code:       "internal_error",
		Message:    "An unexpected error occurred",
		StatusCode: http.StatusInternalServerError,
	}

	ErrServiceUnavailable = &APIError{
		Code:       "service_unavailable",
		Message:    "Service temporarily unavailable",
		StatusCode: http.StatusServiceUnavailable,
	}

	ErrTimeout = &APIError{
		Code:       "request_timeout",
		Message:    "Request took too long to process",
		StatusCode: http.StatusGatewayTimeout,
	}
)

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error     string `json:"error" yaml:"error" toml:"error" codec:"error"`
	Message   string `json:"message" yaml:"message" toml:"message" codec:"message"`
	RequestID string `json:"request_id,omitempty" yaml:"request_id,omitempty" toml:"request_id,omitempty" codec:"request_id,omitempty"`
}

// ValidationError builds a 400 for a specific field.
func ValidationError(field, message string) *APIError {
	return NewAPIError(
		"invalid_parameter",
		fmt.Sprintf("Invalid value for '%s': %s", field, message),
		http.StatusBadRequest,
	)
}

// NotFound builds a 404 for a specific resource.
func NotFound(resource, identifier string) *APIError {
	return NewAPIError(
		"not_found",
		fmt.Sprintf("%s '%s' not found", resource, identifier),
		http.StatusNotFound,
	)
}
