package prediction

import (
	"context"
	"errors"
	"time"

	"github.com/foresight-io/foresight/internal/fingerprint"
	"github.com/foresight-io/foresight/internal/mesh"
	"github.com/foresight-io/foresight/internal/model"
)

type (
	// PrintBreakdown splits the estimated minutes into production stages.
	// The stages always sum to the predicted value.
	PrintBreakdown struct {
		PrintMinutes       float64 `json:"print_minutes"`
		PostProcessMinutes float64 `json:"post_process_minutes"`
		QCMinutes          float64 `json:"qc_minutes"`
	}

	// GeometrySummary reports the extracted mesh features back to the
	// caller.
	GeometrySummary struct {
		Format          string  `json:"format"`
		VolumeCM3       float64 `json:"volume_cm3"`
		SurfaceAreaCM2  float64 `json:"surface_area_cm2"`
		TriangleCount   int     `json:"triangle_count"`
		LayerCount      int     `json:"layer_count"`
		SupportPercent  float64 `json:"support_percent"`
		ComplexityScore float64 `json:"complexity_score"`
	}

	// PrintTimeResponse is the manufacturing time estimate.
	PrintTimeResponse struct {
		Envelope

		Breakdown PrintBreakdown  `json:"breakdown"`
		Geometry  GeometrySummary `json:"geometry"`
	}
)

// Post-processing and QC stage heuristics: support removal scales with the
// supported surface share, inspection effort with geometric complexity.
// Both stages are capped as shares of the total so the print stage always
// dominates.
const (
	postProcessBaseMinutes   = 5.0
	postProcessPerSupportPct = 0.2
	postProcessPerComplexity = 0.3
	postProcessMaxShare      = 0.4
	qcBaseMinutes            = 3.0
	qcPerComplexity          = 0.5
	qcMaxShare               = 0.2
)

// PredictPrintTime estimates manufacturing minutes for a geometry payload.
func (o *Orchestrator) PredictPrintTime(ctx context.Context, req PrintTimeRequest) (*PrintTimeResponse, error) {
	started := time.Now()
	t := model.ModelTypePrintTime

	if err := req.Validate(); err != nil {
		return nil, err
	}

	features, err := mesh.Extract(req.Geometry, o.maxGeometryBytes)
	if err != nil {
		return nil, err
	}

	layers, err := mesh.LayerCount(features.BBox.Z, req.LayerHeightMM)
	if err != nil {
		return nil, err
	}

	inputs := features.Map()
	inputs["layer_count"] = float64(layers)
	inputs["layer_height_mm"] = req.LayerHeightMM
	inputs["infill_percent"] = req.InfillPercent
	inputs["nozzle_temp_c"] = req.NozzleTempC
	inputs["bed_temp_c"] = req.BedTempC
	inputs["print_speed_mms"] = req.PrintSpeedMMS

	// Geometry identity enters the fingerprint through the raw bytes; the
	// audit document records its digest instead of the payload.
	fp, err := fingerprint.Compute(req.params(), req.Geometry)
	if err != nil {
		return nil, err
	}

	auditParams := req.params()
	auditParams["geometry_sha256"] = fingerprint.HashBytes(req.Geometry)
	input := canonicalInput(auditParams)

	summary := geometrySummary(features, layers)

	active, err := o.resolveActive(ctx, t)
	if err != nil {
		if errors.Is(err, model.ErrNoActiveModel) {
			if envelope, ok := o.degraded(ctx, t, inputs); ok {
				resp := &PrintTimeResponse{
					Envelope:  envelope,
					Breakdown: printBreakdown(envelope.PredictedValue, features.SupportPercent, features.ComplexityScore),
					Geometry:  summary,
				}

				o.finishDegraded(ctx, t, fp, input, resp, started)

				return resp, nil
			}
		}

		o.auditOutcome(ctx, t, "", fp, input, nil, nil, model.CacheBypass, started, err)

		return nil, err
	}

	version := active.Version.String()
	key := fingerprint.CacheKey(string(t), fp, version)

	var cached PrintTimeResponse
	if o.fromCache(ctx, key, &cached) {
		cached.CacheStatus = model.CacheHit

		requestID := o.auditOutcome(ctx, t, version, fp, input, cached, nil, model.CacheHit, started, nil)
		o.publishCompleted(ctx, requestID, t, version)

		return &cached, nil
	}

	p, err := o.loadPredictor(ctx, active)
	if err != nil {
		o.auditOutcome(ctx, t, version, fp, input, nil, nil, model.CacheBypass, started, err)

		return nil, err
	}

	estimate, err := p.Predict(inputs)
	if err != nil {
		o.auditOutcome(ctx, t, version, fp, input, nil, nil, model.CacheBypass, started, err)

		return nil, err
	}

	resp := &PrintTimeResponse{
		Envelope:  o.envelope(t, active, estimate, inputs, p.Stats(), "minutes", fp),
		Breakdown: printBreakdown(estimate.Value, features.SupportPercent, features.ComplexityScore),
		Geometry:  summary,
	}

	o.toCache(ctx, key, resp, o.TTLFor(t))

	requestID := o.auditOutcome(ctx, t, version, fp, input, resp, nil, model.CacheMiss, started, nil)
	o.publishCompleted(ctx, requestID, t, version)

	return resp, nil
}

// printBreakdown splits total minutes into print, post-process and QC
// stages. Stage heuristics are capped so the stages sum exactly to total.
func printBreakdown(total, supportPercent, complexity float64) PrintBreakdown {
	if total <= 0 {
		return PrintBreakdown{}
	}

	postProcess := postProcessBaseMinutes +
		postProcessPerSupportPct*supportPercent +
		postProcessPerComplexity*complexity
	if limit := total * postProcessMaxShare; postProcess > limit {
		postProcess = limit
	}

	qc := qcBaseMinutes + qcPerComplexity*complexity
	if limit := total * qcMaxShare; qc > limit {
		qc = limit
	}

	return PrintBreakdown{
		PrintMinutes:       total - postProcess - qc,
		PostProcessMinutes: postProcess,
		QCMinutes:          qc,
	}
}

func geometrySummary(features *mesh.Features, layers int) GeometrySummary {
	return GeometrySummary{
		Format:          string(features.Format),
		VolumeCM3:       features.VolumeMM3 / 1000,
		SurfaceAreaCM2:  features.SurfaceAreaMM2 / 100,
		TriangleCount:   features.TriangleCount,
		LayerCount:      layers,
		SupportPercent:  features.SupportPercent,
		ComplexityScore: features.ComplexityScore,
	}
}
