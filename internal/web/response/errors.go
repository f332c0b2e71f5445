package response

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorResponse is the default error body written when no error handler
// sends a reply of its own.
type ErrorResponse struct {
	Error      string                 `json:"error"`
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	StatusCode int                    `json:"statusCode"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

// HTTPError represents an HTTP error with status code
type HTTPError struct {
	StatusCode int
	Message    string
	Code       string
	Details    map[string]interface{}

	cause error
}

// Error implements the error interface
func (e *HTTPError) Error() string {
	return e.Message
}

// Unwrap returns the underlying cause, if any
func (e *HTTPError) Unwrap() error {
	return e.cause
}

// NewHTTPError creates a new HTTP error
func NewHTTPError(statusCode int, message string) *HTTPError {
	return &HTTPError{
		StatusCode: statusCode,
		Message:    message,
		Code:       errorCodeFromStatus(statusCode),
	}
}

// WithCode sets a custom error code
func (e *HTTPError) WithCode(code string) *HTTPError {
	e.Code = code
	return e
}

// WithDetails adds details to the error
func (e *HTTPError) WithDetails(details map[string]interface{}) *HTTPError {
	e.Details = details
	return e
}

// WithCause records the error that triggered this one
func (e *HTTPError) WithCause(err error) *HTTPError {
	e.cause = err
	return e
}

// Body builds the structured body for the error
func (e *HTTPError) Body() ErrorResponse {
	return ErrorResponse{
		Error:      http.StatusText(e.StatusCode),
		Code:       e.Code,
		Message:    e.Message,
		StatusCode: e.StatusCode,
		Details:    e.Details,
	}
}

// PayloadTooLarge reports a body over the configured limit (413)
func PayloadTooLarge(limit int64) *HTTPError {
	return NewHTTPError(http.StatusRequestEntityTooLarge,
		fmt.Sprintf("request body is larger than %d bytes", limit))
}

// UnsupportedMediaType reports a content type no parser accepts (415)
func UnsupportedMediaType(contentType string) *HTTPError {
	return NewHTTPError(http.StatusUnsupportedMediaType,
		fmt.Sprintf("unsupported media type: %s", contentType))
}

// BadRequest reports a malformed request (400)
func BadRequest(message string) *HTTPError {
	if message == "" {
		message = "Bad request"
	}
	return NewHTTPError(http.StatusBadRequest, message)
}

// ValidationFailed reports a schema mismatch (400) with per-field messages
func ValidationFailed(location string, fields map[string][]string) *HTTPError {
	details := make(map[string]interface{}, len(fields))
	for field, msgs := range fields {
		details[field] = msgs
	}
	return NewHTTPError(http.StatusBadRequest,
		fmt.Sprintf("%s failed schema validation", location)).
		WithCode("validation_error").
		WithDetails(details)
}

// NotFound reports a router miss (404)
func NotFound(method, path string) *HTTPError {
	return NewHTTPError(http.StatusNotFound, fmt.Sprintf("Route %s:%s not found", method, path))
}

// RequestTimeout is the default timeout reply (408)
func RequestTimeout() *HTTPError {
	return NewHTTPError(http.StatusRequestTimeout, "Request timed out")
}

// Internal wraps an unclassified error as a 500
func Internal(err error) *HTTPError {
	message := "Internal server error"
	if err != nil {
		message = err.Error()
	}
	return NewHTTPError(http.StatusInternalServerError, message).WithCause(err)
}

// AsHTTPError classifies err. Unclassified errors become 500s.
func AsHTTPError(err error) *HTTPError {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr
	}
	return Internal(err)
}

// StatusOf returns the status code an error maps to
func StatusOf(err error) int {
	return AsHTTPError(err).StatusCode
}

// errorCodeFromStatus maps HTTP status codes to error codes
func errorCodeFromStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusPaymentRequired:
		return "payment_required"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusMethodNotAllowed:
		return "method_not_allowed"
	case http.StatusNotAcceptable:
		return "not_acceptable"
	case http.StatusRequestTimeout:
		return "request_timeout"
	case http.StatusConflict:
		return "conflict"
	case http.StatusGone:
		return "gone"
	case http.StatusLengthRequired:
		return "length_required"
	case http.StatusPreconditionFailed:
		return "precondition_failed"
	case http.StatusRequestEntityTooLarge:
		return "payload_too_large"
	case http.StatusUnsupportedMediaType:
		return "unsupported_media_type"
	case http.StatusUnprocessableEntity:
		return "unprocessable_entity"
	case http.StatusTooManyRequests:
		return "too_many_requests"
	case http.StatusInternalServerError:
		return "internal_error"
	case http.StatusNotImplemented:
		return "not_implemented"
	case http.StatusBadGateway:
		return "bad_gateway"
	case http.StatusServiceUnavailable:
		return "service_unavailable"
	case http.StatusGatewayTimeout:
		return "gateway_timeout"
	default:
		return "error"
	}
}
