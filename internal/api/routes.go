package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/foresight-io/foresight/internal/api/middleware"
	"github.com/foresight-io/foresight/internal/prediction"
)

const (
	healthCheckTimeout = 2 * time.Second
	expectedURLParts   = 2

	serviceName    = "foresight"
	serviceVersion = "v1.0.0" // TODO: inject version at build time
)

type (
	// HealthStatus represents the health check response structure.
	HealthStatus struct {
		Status      string `json:"status"`
		ServiceName string `json:"service_name"`
		Version     string `json:"version"`
		Uptime      string `json:"uptime,omitempty"`
	}

	// Route represents an HTTP route configuration with a path and handler.
	// Used for declarative route registration with middleware bypass support.
	Route struct {
		Path    string           // The URL path for this route (e.g., "GET /predictionservice/liveness")
		Handler http.HandlerFunc // The HTTP handler function for this route
	}
)

// setupRoutes sets up all HTTP routes for the API server.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	// Public probe endpoints
	s.registerPublicRoutes(
		mux,
		Route{"GET /predictionservice/liveness", s.handleLiveness},   // K8s liveness probe
		Route{"GET /predictionservice/readiness", s.handleReadiness}, // K8s readiness probe
		Route{"GET /predictionservice/health", s.handleServiceHealth},
		Route{"/", s.handleNotFound}, // Catch-all handler for 404 responses
	)

	// Prediction endpoints
	mux.HandleFunc("POST /predictions/v1/print-time", s.handlePredictPrintTime)
	mux.HandleFunc("POST /predictions/v1/demand-forecast", s.handleForecastDemand)
	mux.HandleFunc("POST /predictions/v1/price-recommendation", s.handleRecommendPrice)
	mux.HandleFunc("GET /predictions/v1/churn-risk/{customerId}", s.handleScoreChurn)
	mux.HandleFunc("POST /predictions/v1/material-demand", s.handleForecastMaterialDemand)
	mux.HandleFunc("POST /predictions/v1/bottleneck-prediction", s.handleDetectBottlenecks)

	// Batch endpoints
	mux.HandleFunc("POST /predictions/v1/batch", s.handleSubmitBatch)
	mux.HandleFunc("GET /predictions/v1/batch/{id}/status", s.handleBatchStatus)
	mux.HandleFunc("GET /predictions/v1/batch/{id}/results", s.handleBatchResults)

	// Model lifecycle endpoints
	mux.HandleFunc("GET /predictions/v1/models/{type}/health", s.handleModelHealth)
	mux.HandleFunc("GET /predictions/v1/models/{type}/versions", s.handleModelVersions)
	mux.HandleFunc("POST /predictions/v1/models/{type}/train", s.handleTriggerTraining)
	mux.HandleFunc("POST /predictions/v1/models/{id}/deploy", s.handleDeployModel)
	mux.HandleFunc("POST /predictions/v1/models/{id}/rollback", s.handleRollbackModel)

	// Feedback, audit and compliance endpoints
	mux.HandleFunc("POST /predictions/v1/outcome/{requestId}", s.handleRecordOutcome)
	mux.HandleFunc("GET /predictions/v1/audit/{requestId}", s.handleAuditTrail)
	mux.HandleFunc("DELETE /predictions/v1/user/{userId}", s.handlePurgeUser)
}

// registerPublicRoutes registers HTTP routes that bypass authentication and rate limiting.
// This is a convenience method that:
//  1. Registers the route handler with the HTTP mux
//  2. Automatically registers the path as a public endpoint (bypasses auth middleware)
//
// Public routes should only be used for health check endpoints that need to be accessible
// without authentication (e.g., K8s liveness/readiness probes, monitoring tools).
//
// Security Warning: Never register business logic endpoints as public routes.
func (s *Server) registerPublicRoutes(mux *http.ServeMux, routes ...Route) {
	validHTTPMethods := map[string]bool{
		"GET":    true,
		"POST":   true,
		"PUT":    true,
		"PATCH":  true,
		"DELETE": true,
	}

	for _, route := range routes {
		mux.Handle(route.Path, route.Handler)

		// Strip method prefix for public endpoint bypass registration
		// Go 1.22+ method-based routing uses "GET /path" format
		// But r.URL.Path is just "/path" (no method prefix)
		path := route.Path

		parts := strings.Fields(path)
		if len(parts) == expectedURLParts && validHTTPMethods[parts[0]] {
			path = strings.TrimSpace(parts[1])
		}

		if path == "" {
			s.logger.Warn("Malformed route path detected, ignoring route", slog.String("path", path))

			continue
		}

		middleware.RegisterPublicEndpoint(path)
	}
}

// handleLiveness responds to liveness probes for basic server validation.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("X-Foresight-Version", serviceVersion)
	w.WriteHeader(http.StatusOK)

	_, err := w.Write([]byte("alive"))
	if err != nil {
		s.logger.Error("Failed to write liveness response",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
	}
}

// handleReadiness responds to Kubernetes readiness probes with storage backend health checks.
//
// Response codes:
//   - 200 OK: The model registry's storage backend is healthy and ready to accept traffic
//   - 503 Service Unavailable: Storage backend is unhealthy or unreachable
//
// K8s readiness probes use this endpoint to determine if the pod should receive traffic.
// If this endpoint returns 503, K8s will stop routing requests to the pod until it recovers.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	// If registry not configured, return ready (degraded mode)
	if s.deps.Registry == nil {
		s.logger.Warn("Registry not configured - readiness check disabled",
			slog.String("correlation_id", correlationID),
		)

		s.writeProbe(w, correlationID, http.StatusOK, "ready")

		return
	}

	// Create context with 2-second timeout for storage health check
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if err := s.deps.Registry.HealthCheck(ctx); err != nil {
		s.logger.Error("Storage health check failed",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)

		s.writeProbe(w, correlationID, http.StatusServiceUnavailable, "storage unavailable")

		return
	}

	s.writeProbe(w, correlationID, http.StatusOK, "ready")
}

func (s *Server) writeProbe(w http.ResponseWriter, correlationID string, status int, body string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)

	if _, err := w.Write([]byte(body)); err != nil {
		s.logger.Error("Failed to write probe response",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
	}
}

// handleServiceHealth returns detailed health status information.
func (s *Server) handleServiceHealth(w http.ResponseWriter, r *http.Request) {
	// Calculate uptime if server has started
	var uptime string

	if !s.startTime.IsZero() {
		duration := time.Since(s.startTime)
		uptime = duration.Round(time.Second).String()
	}

	health := HealthStatus{
		Status:      "healthy",
		ServiceName: serviceName,
		Version:     serviceVersion,
		Uptime:      uptime,
	}

	w.Header().Set("X-Foresight-Version", serviceVersion)
	s.writeJSON(w, r, http.StatusOK, health)
}

// handleNotFound returns RFC 7807 compliant 404 responses for unknown endpoints.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	WriteErrorResponse(w, r, s.logger, NotFound("The requested resource was not found"))
}

// hasJSONContentType checks if Content-Type header starts with "application/json".
// This allows charset parameters (e.g., "application/json; charset=utf-8").
func hasJSONContentType(contentType string) bool {
	return strings.HasPrefix(strings.TrimSpace(contentType), "application/json")
}

// writeJSON marshals the payload and writes it with the given status code.
// Marshaling happens before any header is sent so failures can still produce
// a proper RFC 7807 response.
func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, statusCode int, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("Failed to marshal response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)

		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to encode response"))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if _, err := w.Write(data); err != nil {
		// At this point headers already sent, log only
		s.logger.Error("Failed to write response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
	}
}

// decodeJSONBody validates and decodes a JSON request body into dst.
// Returns a ProblemDetail describing the rejection, or nil on success.
func (s *Server) decodeJSONBody(r *http.Request, dst interface{}) *ProblemDetail {
	if !hasJSONContentType(r.Header.Get("Content-Type")) {
		return UnsupportedMediaType("Content-Type must be application/json")
	}

	// Request size check (optimization: fail fast for known oversized requests)
	// Allow unknown sizes (-1) or 0 (empty, caught below)
	if r.ContentLength > 0 && r.ContentLength > s.config.MaxRequestSize {
		return PayloadTooLarge(
			fmt.Sprintf("Request body exceeds maximum size of %d bytes", s.config.MaxRequestSize),
		)
	}

	if r.ContentLength == 0 {
		return BadRequest("Request body cannot be empty")
	}

	decoder := json.NewDecoder(io.LimitReader(r.Body, s.config.MaxRequestSize))
	if err := decoder.Decode(dst); err != nil {
		return BadRequest("Invalid JSON: " + err.Error())
	}

	return nil
}

// requireAnyRole resolves the authenticated principal and checks it carries
// at least one of the given roles. Writes the 403 response and returns nil
// when the check fails.
//
// When authentication is disabled (no key store configured) there is no
// principal; a permissive anonymous principal keeps development setups
// working without credentials.
func (s *Server) requireAnyRole(w http.ResponseWriter, r *http.Request, roles ...middleware.Role) *middleware.Principal {
	principal, ok := middleware.GetPrincipal(r.Context())
	if !ok {
		if s.deps.KeyStore == nil { // pragma: allowlist secret
			return &middleware.Principal{Name: "anonymous", Roles: roles}
		}

		WriteErrorResponse(w, r, s.logger, Forbidden("No authenticated principal"))

		return nil
	}

	if !principal.HasAnyRole(roles...) {
		WriteErrorResponse(w, r, s.logger, Forbidden(
			fmt.Sprintf("Requires one of roles: %s", joinRoles(roles)),
		))

		return nil
	}

	return principal
}

func joinRoles(roles []middleware.Role) string {
	names := make([]string, len(roles))
	for i, role := range roles {
		names[i] = string(role)
	}

	return strings.Join(names, ", ")
}

// callerContext attaches the caller identity to the request context so the
// orchestrator can attribute audit entries. The correlation ID doubles as
// the prediction request ID; clients read it off the X-Correlation-ID
// response header and use it for outcome feedback and audit lookups.
func (s *Server) callerContext(r *http.Request, principal *middleware.Principal) context.Context {
	ctx := r.Context()

	return prediction.WithCaller(ctx, prediction.Caller{
		RequestID: middleware.GetCorrelationID(ctx),
		UserID:    principal.UserID,
		TenantID:  principal.TenantID,
	})
}

// writeProblem maps a domain error to its RFC 7807 problem and writes it.
func (s *Server) writeProblem(w http.ResponseWriter, r *http.Request, err error) {
	problem := ProblemFromError(err)

	if problem.Status >= http.StatusInternalServerError {
		s.logger.Error("Request failed",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
	}

	WriteErrorResponse(w, r, s.logger, problem)
}
