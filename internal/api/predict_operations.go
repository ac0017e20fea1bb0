package api

import (
	"net/http"

	"github.com/foresight-io/foresight/internal/api/middleware"
)

// predictionPrincipal authorizes a prediction request and confirms the
// engine is available. Writes the error response and returns nil when
// either check fails.
func (s *Server) predictionPrincipal(w http.ResponseWriter, r *http.Request) *middleware.Principal {
	principal := s.requireAnyRole(w, r, middleware.RolePredictionUser)
	if principal == nil {
		return nil
	}

	if s.deps.Engine == nil {
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("Prediction engine not configured"))

		return nil
	}

	return principal
}

// handleForecastDemand forecasts product demand over a horizon.
// POST /predictions/v1/demand-forecast
func (s *Server) handleForecastDemand(w http.ResponseWriter, r *http.Request) {
	principal := s.predictionPrincipal(w, r)
	if principal == nil {
		return
	}

	var payload DemandForecastPayload
	if problem := s.decodeJSONBody(r, &payload); problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	req, err := mapDemandForecastPayload(&payload)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	resp, err := s.deps.Engine.ForecastDemand(s.callerContext(r, principal), req)
	if err != nil {
		s.writeProblem(w, r, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, resp)
}

// handleRecommendPrice computes the optimal quote price for a job.
// POST /predictions/v1/price-recommendation
func (s *Server) handleRecommendPrice(w http.ResponseWriter, r *http.Request) {
	principal := s.predictionPrincipal(w, r)
	if principal == nil {
		return
	}

	var payload PricePayload
	if problem := s.decodeJSONBody(r, &payload); problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	resp, err := s.deps.Engine.RecommendPrice(s.callerContext(r, principal), mapPricePayload(&payload))
	if err != nil {
		s.writeProblem(w, r, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, resp)
}

// handleScoreChurn scores a customer's churn risk.
// GET /predictions/v1/churn-risk/{customerId}
func (s *Server) handleScoreChurn(w http.ResponseWriter, r *http.Request) {
	principal := s.predictionPrincipal(w, r)
	if principal == nil {
		return
	}

	customerID := r.PathValue("customerId")

	resp, err := s.deps.Engine.ScoreChurn(s.callerContext(r, principal), customerID)
	if err != nil {
		s.writeProblem(w, r, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, resp)
}

// handleForecastMaterialDemand forecasts consumption for one material SKU.
// POST /predictions/v1/material-demand
func (s *Server) handleForecastMaterialDemand(w http.ResponseWriter, r *http.Request) {
	principal := s.predictionPrincipal(w, r)
	if principal == nil {
		return
	}

	var payload MaterialDemandPayload
	if problem := s.decodeJSONBody(r, &payload); problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	resp, err := s.deps.Engine.ForecastMaterialDemand(
		s.callerContext(r, principal), mapMaterialDemandPayload(&payload),
	)
	if err != nil {
		s.writeProblem(w, r, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, resp)
}

// handleDetectBottlenecks predicts workstation congestion across a facility.
// POST /predictions/v1/bottleneck-prediction
func (s *Server) handleDetectBottlenecks(w http.ResponseWriter, r *http.Request) {
	principal := s.predictionPrincipal(w, r)
	if principal == nil {
		return
	}

	var payload BottleneckPayload
	if problem := s.decodeJSONBody(r, &payload); problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	req, err := mapBottleneckPayload(&payload)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	resp, err := s.deps.Engine.DetectBottlenecks(s.callerContext(r, principal), req)
	if err != nil {
		s.writeProblem(w, r, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, resp)
}
