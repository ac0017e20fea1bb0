// Package api provides the HTTP API server for the prediction service.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/foresight-io/foresight/internal/api/middleware"
	"github.com/foresight-io/foresight/internal/model"
)

// ProblemDetail represents an RFC 7807 Problem Details structure.
// See https://tools.ietf.org/html/rfc7807 for specification.
type ProblemDetail struct {
	Type          string `json:"type"`
	Title         string `json:"title"`
	Status        int    `json:"status"`
	Detail        string `json:"detail,omitempty"`
	Instance      string `json:"instance,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// NewProblemDetail creates a new RFC 7807 Problem Detail.
func NewProblemDetail(status int, title, detail string) *ProblemDetail {
	return &ProblemDetail{
		Type:   fmt.Sprintf("https://foresight.io/problems/%d", status),
		Title:  title,
		Status: status,
		Detail: detail,
	}
}

// WithInstance adds an instance URI to the problem detail.
func (p *ProblemDetail) WithInstance(instance string) *ProblemDetail {
	p.Instance = instance

	return p
}

// WithCorrelationID adds a correlation ID to the problem detail.
func (p *ProblemDetail) WithCorrelationID(correlationID string) *ProblemDetail {
	p.CorrelationID = correlationID

	return p
}

// WriteErrorResponse writes an RFC 7807 compliant error response.
func WriteErrorResponse(w http.ResponseWriter, r *http.Request, logger *slog.Logger, problem *ProblemDetail) {
	correlationID := middleware.GetCorrelationID(r.Context())

	// Add correlation ID if not already set
	if problem.CorrelationID == "" {
		problem.CorrelationID = correlationID
	}

	// Add instance if not already set
	if problem.Instance == "" {
		problem.Instance = r.URL.Path
	}

	// Set proper content type for RFC 7807
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(problem.Status)

	if err := json.NewEncoder(w).Encode(problem); err != nil {
		logger.Error("Failed to encode error response",
			slog.String("correlation_id", correlationID),
			slog.String("path", r.URL.Path),
			slog.String("method", r.Method),
			slog.Any("encode_error", err),
			slog.Int("status", problem.Status),
		)

		// Fallback to basic error response
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// Common error constructors for frequently used errors.

// InternalServerError creates a 500 Internal Server Error problem.
func InternalServerError(detail string) *ProblemDetail {
	return NewProblemDetail(
		http.StatusInternalServerError,
		"Internal Server Error",
		detail,
	)
}

// BadRequest creates a 400 Bad Request problem.
func BadRequest(detail string) *ProblemDetail {
	return NewProblemDetail(
		http.StatusBadRequest,
		"Bad Request",
		detail,
	)
}

// NotFound creates a 404 Not Found problem.
func NotFound(detail string) *ProblemDetail {
	return NewProblemDetail(
		http.StatusNotFound,
		"Not Found",
		detail,
	)
}

// MethodNotAllowed creates a 405 Method Not Allowed problem.
func MethodNotAllowed(detail string) *ProblemDetail {
	return NewProblemDetail(
		http.StatusMethodNotAllowed,
		"Method Not Allowed",
		detail,
	)
}

// Forbidden creates a 403 Forbidden problem.
func Forbidden(detail string) *ProblemDetail {
	return NewProblemDetail(
		http.StatusForbidden,
		"Forbidden",
		detail,
	)
}

// Conflict creates a 409 Conflict problem.
func Conflict(detail string) *ProblemDetail {
	return NewProblemDetail(
		http.StatusConflict,
		"Conflict",
		detail,
	)
}

// UnprocessableEntity creates a 422 Unprocessable Entity problem.
func UnprocessableEntity(detail string) *ProblemDetail {
	return NewProblemDetail(
		http.StatusUnprocessableEntity,
		"Unprocessable Entity",
		detail,
	)
}

// PayloadTooLarge creates a 413 Content Too Large problem.
func PayloadTooLarge(detail string) *ProblemDetail {
	return NewProblemDetail(
		http.StatusRequestEntityTooLarge,
		"Content Too Large",
		detail,
	)
}

// UnsupportedMediaType creates a 415 Unsupported Media Type problem.
func UnsupportedMediaType(detail string) *ProblemDetail {
	return NewProblemDetail(
		http.StatusUnsupportedMediaType,
		"Unsupported Media Type",
		detail,
	)
}

// ServiceUnavailable creates a 503 Service Unavailable problem.
func ServiceUnavailable(detail string) *ProblemDetail {
	return NewProblemDetail(
		http.StatusServiceUnavailable,
		"Service Unavailable",
		detail,
	)
}

// genericServerErrorDetail hides internals on 500 responses. The real error
// stays in the logs and the audit trail.
const genericServerErrorDetail = "An unexpected error occurred while processing the request"

// ProblemFromError maps a domain error to its RFC 7807 problem. Sentinel
// checks run most-specific first so wrapped context never changes the status.
func ProblemFromError(err error) *ProblemDetail {
	switch {
	case errors.Is(err, model.ErrMalformedGeometry):
		return UnprocessableEntity(err.Error())
	case errors.Is(err, model.ErrDataQuality):
		return UnprocessableEntity(err.Error())
	case errors.Is(err, model.ErrInputTooLarge):
		return PayloadTooLarge(err.Error())
	case errors.Is(err, model.ErrValidation):
		return BadRequest(err.Error())
	case errors.Is(err, model.ErrNotFound):
		return NotFound(err.Error())
	case errors.Is(err, model.ErrLifecycleConflict):
		return Conflict(err.Error())
	case errors.Is(err, model.ErrDuplicateVersion):
		return Conflict(err.Error())
	case errors.Is(err, model.ErrNoActiveModel):
		return ServiceUnavailable(err.Error())
	case errors.Is(err, model.ErrPredictorLoad):
		return ServiceUnavailable(err.Error())
	case errors.Is(err, model.ErrTransientInfra):
		return ServiceUnavailable(err.Error())
	case errors.Is(err, model.ErrInference):
		return InternalServerError(genericServerErrorDetail)
	case errors.Is(err, model.ErrInvariantViolation):
		return InternalServerError(genericServerErrorDetail)
	default:
		return InternalServerError(genericServerErrorDetail)
	}
}
