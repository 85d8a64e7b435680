// errors.go - Structured error handling for API responses
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/courtside/photodesk/internal/ingest"
	"github.com/courtside/photodesk/internal/models"
	"github.com/courtside/photodesk/internal/submit"
	"github.com/labstack/echo/v4"
)

// APIError represents a structured API error response
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ShowErrorDetails controls whether unexpected errors expose their cause.
var ShowErrorDetails = false

// Error constructors for consistent error handling

// NewBadRequestError creates a 400 Bad Request error
func NewBadRequestError(message string, cause error) *APIError {
	err := &APIError{
		Status:  http.StatusBadRequest,
		Code:    "BAD_REQUEST",
		Message: message,
	}
	if cause != nil {
		err.Details = cause.Error()
	}
	return err
}

// NewValidationError creates a 400 validation error for a specific field
func NewValidationError(field string) *APIError {
	return &APIError{
		Status:  http.StatusBadRequest,
		Code:    "VALIDATION_ERROR",
		Message: fmt.Sprintf("validation failed for field: %s", field),
	}
}

// NewNotFoundError creates a 404 Not Found error
func NewNotFoundError(resource string, id string) *APIError {
	return &APIError{
		Status:  http.StatusNotFound,
		Code:    "NOT_FOUND",
		Message: fmt.Sprintf("%s not found: %s", resource, id),
	}
}

// NewCountExceededError creates a 422 error for a selection that would
// overflow the catalog
func NewCountExceededError(message string) *APIError {
	return &APIError{
		Status:  http.StatusUnprocessableEntity,
		Code:    "COUNT_EXCEEDED",
		Message: message,
	}
}

// NewUnauthorizedError creates a 401 Unauthorized error
func NewUnauthorizedError() *APIError {
	return &APIError{
		Status:  http.StatusUnauthorized,
		Code:    "UNAUTHORIZED",
		Message: "You are not authorized to perform this action.",
	}
}

// NewEmptyBatchError creates a 400 error for submitting nothing
func NewEmptyBatchError() *APIError {
	return &APIError{
		Status:  http.StatusBadRequest,
		Code:    "EMPTY_BATCH",
		Message: "There are no photos to upload.",
	}
}

// NewSubmissionError creates a 502 error carrying the backend's reason
func NewSubmissionError(reason string, backendStatus int) *APIError {
	err := &APIError{
		Status:  http.StatusBadGateway,
		Code:    "SUBMISSION_FAILED",
		Message: reason,
	}
	if backendStatus != 0 {
		err.Details = fmt.Sprintf("backend responded with status %d", backendStatus)
	}
	return err
}

// NewInternalError creates a 500 Internal Server Error
func NewInternalError(message string, cause error) *APIError {
	err := &APIError{
		Status:  http.StatusInternalServerError,
		Code:    "INTERNAL_ERROR",
		Message: message,
	}
	if cause != nil && ShowErrorDetails {
		err.Details = cause.Error()
	}
	return err
}

// NewServiceUnavailableError creates a 503 Service Unavailable error
func NewServiceUnavailableError(message string) *APIError {
	return &APIError{
		Status:  http.StatusServiceUnavailable,
		Code:    "SERVICE_UNAVAILABLE",
		Message: message,
	}
}

// FromPipelineError maps an ingest or submission error to its response.
func FromPipelineError(err error) *APIError {
	var (
		batchErr  *ingest.BatchError
		submitErr *submit.SubmissionError
		apiErr    *APIError
	)
	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case errors.As(err, &batchErr):
		return NewCountExceededError(batchErr.Message)
	case errors.Is(err, models.ErrUnauthorized):
		return NewUnauthorizedError()
	case errors.Is(err, models.ErrEmptyBatch):
		return NewEmptyBatchError()
	case errors.As(err, &submitErr):
		return NewSubmissionError(submitErr.Reason, submitErr.StatusCode)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return NewServiceUnavailableError("the request was cancelled before it finished")
	default:
		return NewInternalError("An unexpected error occurred", err)
	}
}

// ErrorHandler middleware for Echo
// Usage: e.HTTPErrorHandler = api.ErrorHandler
func ErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var (
		apiErr  *APIError
		httpErr *echo.HTTPError
	)
	switch {
	case errors.As(err, &apiErr):
	case errors.As(err, &httpErr):
		apiErr = &APIError{
			Status:  httpErr.Code,
			Code:    "HTTP_ERROR",
			Message: fmt.Sprintf("%v", httpErr.Message),
		}
	default:
		apiErr = FromPipelineError(err)
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(apiErr.Status)
		return
	}
	_ = c.JSON(apiErr.Status, apiErr)
}

// RespondWithError is a helper to respond with an APIError
func RespondWithError(c echo.Context, err *APIError) error {
	return c.JSON(err.Status, err)
}
