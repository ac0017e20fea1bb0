package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/foresight-io/foresight/internal/api/middleware"
	"github.com/foresight-io/foresight/internal/drift"
	"github.com/foresight-io/foresight/internal/model"
)

// healthWindow is the rolling window the model health route scores live
// accuracy over. Matches the drift monitor's default window.
const healthWindow = 24 * time.Hour

// pathModelType resolves the {type} path segment. Accepts the hyphenated
// route form ("print-time") as well as the canonical name ("PrintTime").
func (s *Server) pathModelType(w http.ResponseWriter, r *http.Request) (model.ModelType, bool) {
	t, err := model.ParseModelType(r.PathValue("type"))
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("Unknown model type: "+r.PathValue("type")))

		return "", false
	}

	return t, true
}

// handleModelHealth reports the active model's live health.
// GET /predictions/v1/models/{type}/health
//
// The response combines the registry row (version, status, training
// metrics) with the audit log's rolling window: the primary metric
// recomputed from predictions whose real outcome has been reported, and
// the raw prediction volume. A type without an Active model answers 404.
func (s *Server) handleModelHealth(w http.ResponseWriter, r *http.Request) {
	principal := s.requireAnyRole(w, r, middleware.RolePredictionAdmin, middleware.RoleDataScientist)
	if principal == nil {
		return
	}

	if s.deps.Registry == nil {
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("Model registry not configured"))

		return
	}

	t, ok := s.pathModelType(w, r)
	if !ok {
		return
	}

	active, err := s.deps.Registry.GetActive(r.Context(), t)
	if err != nil {
		if errors.Is(err, model.ErrNoActiveModel) {
			WriteErrorResponse(w, r, s.logger, NotFound("No active model for type "+t.String()))

			return
		}

		s.writeProblem(w, r, err)

		return
	}

	health := ModelHealthResponse{
		Type:            t.String(),
		Version:         active.Version.String(),
		Status:          string(active.Status),
		DeployedAt:      active.DeployedAt,
		TrainingMetrics: metricValues(active.Metrics),
	}

	s.fillRollingHealth(r, t, active, &health)

	if s.deps.Trainer != nil {
		jobs, err := s.deps.Trainer.RecentJobs(r.Context(), t, 1)
		if err != nil {
			s.logger.Warn("Failed to load recent training jobs",
				slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
				slog.String("model_type", t.String()),
				slog.String("error", err.Error()),
			)
		} else if len(jobs) > 0 {
			view := newTrainingJobView(jobs[0])
			health.LastTrainingJob = &view
		}
	}

	s.writeJSON(w, r, http.StatusOK, health)
}

// fillRollingHealth computes the audit-log derived fields of the health
// view. Audit reader failures degrade the response instead of failing it.
func (s *Server) fillRollingHealth(r *http.Request, t model.ModelType, active *model.Model, health *ModelHealthResponse) {
	if s.deps.AuditReader == nil {
		return
	}

	correlationID := middleware.GetCorrelationID(r.Context())
	since := time.Now().UTC().Add(-healthWindow)

	count, err := s.deps.AuditReader.CountSince(r.Context(), t, since)
	if err != nil {
		s.logger.Warn("Failed to count recent predictions",
			slog.String("correlation_id", correlationID),
			slog.String("model_type", t.String()),
			slog.String("error", err.Error()),
		)
	} else {
		health.PredictionVolume24H = count
	}

	entries, err := s.deps.AuditReader.RecentWithOutcomes(r.Context(), t, active.Version.String(), since)
	if err != nil {
		s.logger.Warn("Failed to load outcome window",
			slog.String("correlation_id", correlationID),
			slog.String("model_type", t.String()),
			slog.String("error", err.Error()),
		)

		return
	}

	observed, samples, err := drift.ObserveWindow(t, entries)
	if err != nil || samples < drift.DefaultMinSamples {
		return
	}

	rolling := RollingMetricView{
		Name:        string(model.PrimaryMetric(t)),
		Observed:    observed,
		SampleCount: samples,
		WindowHours: int(healthWindow / time.Hour),
	}

	// Deployment-time holdout value; the drift monitor compares against
	// the same baseline.
	if baseline, err := active.Metrics.Primary(t); err == nil {
		rolling.Baseline = baseline
	}

	health.RollingMetric = &rolling
}

// handleModelVersions lists a type's version history.
// GET /predictions/v1/models/{type}/versions
func (s *Server) handleModelVersions(w http.ResponseWriter, r *http.Request) {
	principal := s.requireAnyRole(w, r, middleware.RoleDataScientist)
	if principal == nil {
		return
	}

	if s.deps.Registry == nil {
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("Model registry not configured"))

		return
	}

	t, ok := s.pathModelType(w, r)
	if !ok {
		return
	}

	models, err := s.deps.Registry.ListVersions(r.Context(), t)
	if err != nil {
		s.writeProblem(w, r, err)

		return
	}

	views := make([]ModelVersionView, len(models))
	for i, m := range models {
		views[i] = newModelVersionView(m)
	}

	s.writeJSON(w, r, http.StatusOK, ModelVersionsResponse{
		Type:     t.String(),
		Versions: views,
	})
}

// handleTriggerTraining starts a manual training run for the type.
// POST /predictions/v1/models/{type}/train
//
// Returns 202 Accepted with the queued job. Training is asynchronous; a
// trigger while a job runs parks behind it instead of conflicting.
func (s *Server) handleTriggerTraining(w http.ResponseWriter, r *http.Request) {
	principal := s.requireAnyRole(w, r, middleware.RolePredictionAdmin, middleware.RoleDataScientist)
	if principal == nil {
		return
	}

	if s.deps.Trainer == nil {
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("Training coordinator not configured"))

		return
	}

	t, ok := s.pathModelType(w, r)
	if !ok {
		return
	}

	job, err := s.deps.Trainer.Trigger(r.Context(), t, model.TriggerManual)
	if err != nil {
		s.writeProblem(w, r, err)

		return
	}

	s.logger.Info("Training triggered",
		slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
		slog.String("model_type", t.String()),
		slog.String("job_id", job.ID),
		slog.String("triggered_by", principalName(principal)),
	)

	s.writeJSON(w, r, http.StatusAccepted, newTrainingJobView(job))
}

// handleDeployModel promotes a Testing candidate to Active.
// POST /predictions/v1/models/{id}/deploy
//
// The body is optional; {"canary_percent": N} records a staged rollout
// annotation on the promoted model. Promotion invariants are enforced by
// the registry; conflicts answer 409.
func (s *Server) handleDeployModel(w http.ResponseWriter, r *http.Request) {
	principal := s.requireAnyRole(w, r, middleware.RoleDataScientist)
	if principal == nil {
		return
	}

	if s.deps.Registry == nil {
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("Model registry not configured"))

		return
	}

	var payload DeployPayload

	if r.ContentLength != 0 {
		if problem := s.decodeJSONBody(r, &payload); problem != nil {
			WriteErrorResponse(w, r, s.logger, problem)

			return
		}
	}

	id := r.PathValue("id")

	deployed, err := s.deps.Registry.Deploy(r.Context(), id, payload.CanaryPercent, principalName(principal))
	if err != nil {
		s.writeProblem(w, r, err)

		return
	}

	s.logger.Info("Model deployed",
		slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
		slog.String("model_id", deployed.ID),
		slog.String("model_type", deployed.Type.String()),
		slog.String("version", deployed.Version.String()),
		slog.Int("canary_percent", payload.CanaryPercent),
		slog.String("deployed_by", principalName(principal)),
	)

	s.writeJSON(w, r, http.StatusOK, newModelVersionView(deployed))
}

// handleRollbackModel reactivates a previously deprecated model.
// POST /predictions/v1/models/{id}/rollback
//
// The reason is mandatory; it is recorded in the reactivated model's
// metadata together with the version rolled back from.
func (s *Server) handleRollbackModel(w http.ResponseWriter, r *http.Request) {
	principal := s.requireAnyRole(w, r, middleware.RoleDataScientist)
	if principal == nil {
		return
	}

	if s.deps.Registry == nil {
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("Model registry not configured"))

		return
	}

	var payload RollbackPayload
	if problem := s.decodeJSONBody(r, &payload); problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	if strings.TrimSpace(payload.Reason) == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("Rollback reason is required"))

		return
	}

	id := r.PathValue("id")

	restored, err := s.deps.Registry.Rollback(r.Context(), id, payload.Reason)
	if err != nil {
		s.writeProblem(w, r, err)

		return
	}

	s.logger.Warn("Model rolled back",
		slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
		slog.String("model_id", restored.ID),
		slog.String("model_type", restored.Type.String()),
		slog.String("version", restored.Version.String()),
		slog.String("reason", payload.Reason),
		slog.String("rolled_back_by", principalName(principal)),
	)

	s.writeJSON(w, r, http.StatusOK, newModelVersionView(restored))
}

// principalName is the audit attribution for lifecycle operations.
func principalName(p *middleware.Principal) string {
	switch {
	case p.UserID != "":
		return p.UserID
	case p.Name != "":
		return p.Name
	case p.KeyID != "":
		return "key:" + p.KeyID
	default:
		return "anonymous"
	}
}
