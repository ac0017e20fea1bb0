package api

import (
	"log/slog"
	"net/http"

	"github.com/foresight-io/foresight/internal/api/middleware"
)

// auditTrailLimit caps the entries returned for a single request id.
// One prediction writes one entry, so anything above a handful already
// indicates a replayed correlation id.
const auditTrailLimit = 20

// handleRecordOutcome attaches the real-world result to a prediction.
// POST /predictions/v1/outcome/{requestId}
//
// The request id is the X-Correlation-ID the prediction response carried.
// Outcomes feed the drift monitor's rolling accuracy window; a request id
// with no audited prediction answers 404.
func (s *Server) handleRecordOutcome(w http.ResponseWriter, r *http.Request) {
	principal := s.requireAnyRole(w, r, middleware.RolePredictionUser)
	if principal == nil {
		return
	}

	if s.deps.Audit == nil {
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("Audit log not configured"))

		return
	}

	var payload OutcomePayload
	if problem := s.decodeJSONBody(r, &payload); problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	if payload.ActualValue == nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("Field actual_value is required"))

		return
	}

	requestID := r.PathValue("requestId")

	if err := s.deps.Audit.AttachOutcome(r.Context(), requestID, *payload.ActualValue); err != nil {
		s.writeProblem(w, r, err)

		return
	}

	s.logger.Info("Outcome recorded",
		slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
		slog.String("request_id", requestID),
		slog.Float64("actual_value", *payload.ActualValue),
	)

	w.WriteHeader(http.StatusNoContent)
}

// handleAuditTrail returns the audited prediction(s) for a request id.
// GET /predictions/v1/audit/{requestId}
func (s *Server) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	principal := s.requireAnyRole(w, r, middleware.RolePredictionAdmin)
	if principal == nil {
		return
	}

	if s.deps.AuditReader == nil {
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("Audit store not configured"))

		return
	}

	requestID := r.PathValue("requestId")

	// Buffered entries only become visible after a flush.
	if s.deps.Audit != nil {
		if err := s.deps.Audit.Flush(r.Context()); err != nil {
			s.logger.Warn("Audit flush before lookup failed",
				slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
				slog.String("error", err.Error()),
			)
		}
	}

	entries, err := s.deps.AuditReader.RecentByRequest(r.Context(), requestID, auditTrailLimit)
	if err != nil {
		s.writeProblem(w, r, err)

		return
	}

	if len(entries) == 0 {
		WriteErrorResponse(w, r, s.logger, NotFound("No audit entries for request "+requestID))

		return
	}

	views := make([]AuditEntryView, len(entries))
	for i, entry := range entries {
		views[i] = newAuditEntryView(entry)
	}

	s.writeJSON(w, r, http.StatusOK, AuditTrailResponse{
		RequestID: requestID,
		Entries:   views,
	})
}

// handlePurgeUser erases a user's audit history.
// DELETE /predictions/v1/user/{userId}
//
// Flushes the write buffer first so in-flight entries cannot land after
// the purge. Purging an unknown user succeeds with zero rows.
func (s *Server) handlePurgeUser(w http.ResponseWriter, r *http.Request) {
	principal := s.requireAnyRole(w, r, middleware.RolePredictionAdmin, middleware.RoleDataScientist)
	if principal == nil {
		return
	}

	if s.deps.Purger == nil {
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("Audit store not configured"))

		return
	}

	if s.deps.Audit != nil {
		if err := s.deps.Audit.Flush(r.Context()); err != nil {
			s.writeProblem(w, r, err)

			return
		}
	}

	userID := r.PathValue("userId")

	purged, err := s.deps.Purger.PurgeUser(r.Context(), userID)
	if err != nil {
		s.writeProblem(w, r, err)

		return
	}

	s.logger.Info("User audit data purged",
		slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
		slog.String("user_id", userID),
		slog.Int64("purged_rows", purged),
		slog.String("purged_by", principalName(principal)),
	)

	s.writeJSON(w, r, http.StatusOK, PurgeResponse{
		UserID:     userID,
		PurgedRows: purged,
	})
}
