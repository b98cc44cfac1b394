package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/collabd/collabd/internal/collab"
	"github.com/collabd/collabd/internal/envelope"
)

// ErrorCode is the application-level code carried in every response body.
type ErrorCode int

const (
	CodeOK                  ErrorCode = 0
	CodeInternal            ErrorCode = 1
	CodeRecordNotFound      ErrorCode = 2
	CodeInvalidRequest      ErrorCode = 3
	CodeRecordAlreadyExists ErrorCode = 4
	CodePayloadTooLarge     ErrorCode = 5
	CodeNotLoggedIn         ErrorCode = 6
)

// APIError represents an error with an associated HTTP status code.
type APIError struct {
	StatusCode int
	Code       ErrorCode
	Message    string
}

func (e *APIError) Error() string {
	return e.Message
}

// NewAPIError creates a new APIError.
func NewAPIError(statusCode int, code ErrorCode, message string) *APIError {
	return &APIError{
		StatusCode: statusCode,
		Code:       code,
		Message:    message,
	}
}

// ErrBadRequest returns a 400 Bad Request error.
func ErrBadRequest(message string) *APIError {
	return NewAPIError(http.StatusBadRequest, CodeInvalidRequest, message)
}

// ErrUnauthorized returns a 401 Unauthorized error.
func ErrUnauthorized(message string) *APIError {
	return NewAPIError(http.StatusUnauthorized, CodeNotLoggedIn, message)
}

// ErrNotFound returns a 404 Not Found error.
func ErrNotFound(message string) *APIError {
	return NewAPIError(http.StatusNotFound, CodeRecordNotFound, message)
}

// ErrConflict returns a 409 Conflict error.
func ErrConflict(message string) *APIError {
	return NewAPIError(http.StatusConflict, CodeRecordAlreadyExists, message)
}

// ErrPayloadTooLarge returns a 413 Payload Too Large error.
func ErrPayloadTooLarge(message string) *APIError {
	return NewAPIError(http.StatusRequestEntityTooLarge, CodePayloadTooLarge, message)
}

// ErrInternalServer returns a 500 Internal Server Error.
func ErrInternalServer(message string) *APIError {
	return NewAPIError(http.StatusInternalServerError, CodeInternal, message)
}

// ErrInvalidJSON returns a 400 error for invalid JSON.
func ErrInvalidJSON() *APIError {
	return ErrBadRequest("invalid JSON in request body")
}

// ErrBodyTooLarge returns a 413 error for an oversized request body.
func ErrBodyTooLarge() *APIError {
	return ErrPayloadTooLarge("request body exceeds the configured limit")
}

// ErrTimeout returns a 500 error for a request that ran out of time.
func ErrTimeout() *APIError {
	return ErrInternalServer("request timed out")
}

// errorFromStore maps a collab store error to its API error. Internal
// failures get a generic message; the cause is logged by the caller.
func errorFromStore(err error) *APIError {
	var apiErr *APIError
	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case errors.Is(err, collab.ErrBodyTooLarge):
		return ErrBodyTooLarge()
	case collab.IsConflict(err):
		return ErrConflict(err.Error())
	case collab.IsNotFound(err):
		return ErrNotFound(err.Error())
	case errors.Is(err, collab.ErrInvalidRequest), envelope.IsDecodeError(err):
		return ErrBadRequest(err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout()
	default:
		return ErrInternalServer(collab.ErrInternal.Error())
	}
}
