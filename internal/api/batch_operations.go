package api

import (
	"log/slog"
	"net/http"

	"github.com/foresight-io/foresight/internal/api/middleware"
	"github.com/foresight-io/foresight/internal/prediction"
)

// handleSubmitBatch accepts an asynchronous prediction batch.
// POST /predictions/v1/batch
//
// Returns 202 Accepted with the batch id; clients poll the status and
// results routes. Oversized batches are rejected with 413 before any
// item runs.
func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	principal := s.requireAnyRole(w, r, middleware.RolePredictionUser)
	if principal == nil {
		return
	}

	if s.deps.Batches == nil {
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("Batch runner not configured"))

		return
	}

	var payload BatchPayload
	if problem := s.decodeJSONBody(r, &payload); problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	if len(payload.Items) == 0 {
		WriteErrorResponse(w, r, s.logger, BadRequest("Batch items cannot be empty"))

		return
	}

	items := make([]prediction.BatchItem, len(payload.Items))

	for i := range payload.Items {
		item, err := mapBatchItemPayload(i, &payload.Items[i])
		if err != nil {
			WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

			return
		}

		items[i] = item
	}

	id, err := s.deps.Batches.Submit(s.callerContext(r, principal), items)
	if err != nil {
		s.writeProblem(w, r, err)

		return
	}

	status, _ := s.deps.Batches.Status(id)

	s.logger.Info("Batch submitted",
		slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
		slog.String("batch_id", id),
		slog.Int("items", len(items)),
	)

	s.writeJSON(w, r, http.StatusAccepted, BatchAcceptedResponse{
		ID:          id,
		State:       string(status.State),
		Total:       status.Total,
		SubmittedAt: status.SubmittedAt,
	})
}

// handleBatchStatus polls a batch's execution state.
// GET /predictions/v1/batch/{id}/status
func (s *Server) handleBatchStatus(w http.ResponseWriter, r *http.Request) {
	principal := s.requireAnyRole(w, r, middleware.RolePredictionUser)
	if principal == nil {
		return
	}

	if s.deps.Batches == nil {
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("Batch runner not configured"))

		return
	}

	status, ok := s.deps.Batches.Status(r.PathValue("id"))
	if !ok {
		WriteErrorResponse(w, r, s.logger, NotFound("Unknown batch id"))

		return
	}

	s.writeJSON(w, r, http.StatusOK, status)
}

// handleBatchResults retrieves a batch's per-item outcomes.
// GET /predictions/v1/batch/{id}/results
//
// Results may be retrieved before completion; items that have not run yet
// carry neither a response nor an error.
func (s *Server) handleBatchResults(w http.ResponseWriter, r *http.Request) {
	principal := s.requireAnyRole(w, r, middleware.RolePredictionUser)
	if principal == nil {
		return
	}

	if s.deps.Batches == nil {
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("Batch runner not configured"))

		return
	}

	results, status, ok := s.deps.Batches.Results(r.PathValue("id"))
	if !ok {
		WriteErrorResponse(w, r, s.logger, NotFound("Unknown batch id"))

		return
	}

	s.writeJSON(w, r, http.StatusOK, BatchResultsResponse{
		Status:  status,
		Results: results,
	})
}
