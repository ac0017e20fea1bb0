package prediction

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/foresight-io/foresight/internal/fingerprint"
	"github.com/foresight-io/foresight/internal/model"
	"github.com/foresight-io/foresight/internal/predictor"
)

// Constraint severity tiers and the predicted-wait thresholds (minutes)
// that separate them.
const (
	SeverityNone     = "none"
	SeverityModerate = "moderate"
	SeveritySevere   = "severe"
	SeverityCritical = "critical"

	moderateWaitMinutes = 15.0
	severeWaitMinutes   = 60.0
	criticalWaitMinutes = 240.0

	maxReallocations = 3
)

type (
	// Workstation is one station's scheduled load in the requested range,
	// supplied by the platform's production planning service.
	Workstation struct {
		ID       string
		Name     string
		Features map[string]float64
	}

	// WorkstationReader supplies per-station load snapshots for
	// bottleneck detection. An unknown facility id yields an error
	// wrapping model.ErrNotFound.
	WorkstationReader interface {
		Workstations(ctx context.Context, facilityID string, from, to time.Time) ([]Workstation, error)
	}

	// WorkstationLoad is the congestion verdict for one station.
	WorkstationLoad struct {
		WorkstationID string  `json:"workstation_id"`
		Name          string  `json:"name,omitempty"`
		WaitMinutes   float64 `json:"wait_minutes"`
		WaitLower     float64 `json:"wait_lower"`
		WaitUpper     float64 `json:"wait_upper"`
		Severity      string  `json:"severity"`
	}

	// ReallocationSuggestion recommends moving queued work off a
	// constrained station.
	ReallocationSuggestion struct {
		FromWorkstationID string `json:"from_workstation_id"`
		ToWorkstationID   string `json:"to_workstation_id"`
		Reason            string `json:"reason"`
	}

	// BottleneckResponse ranks a facility's stations by predicted wait.
	// The envelope's value is the worst station's wait.
	BottleneckResponse struct {
		Envelope

		FacilityID    string                   `json:"facility_id"`
		From          time.Time                `json:"from"`
		To            time.Time                `json:"to"`
		Workstations  []WorkstationLoad        `json:"workstations"`
		Reallocations []ReallocationSuggestion `json:"reallocations,omitempty"`
	}
)

// DetectBottlenecks predicts per-station wait minutes across a facility
// and ranks the constraints.
//
// The fingerprint covers the observed load snapshot, not just the facility
// and range, so a schedule change reads as a cache miss instead of serving
// a stale ranking for the full TTL.
func (o *Orchestrator) DetectBottlenecks(ctx context.Context, req BottleneckRequest) (*BottleneckResponse, error) {
	started := time.Now()
	t := model.ModelTypeBottleneckDetection

	if err := req.Validate(); err != nil {
		return nil, err
	}

	if o.workstations == nil {
		return nil, fmt.Errorf("%w: no workstation load source configured", model.ErrTransientInfra)
	}

	stations, err := o.workstations.Workstations(ctx, req.FacilityID, req.From, req.To)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, fmt.Errorf("facility %s: %w", req.FacilityID, err)
		}

		return nil, fmt.Errorf("%w: workstation load for %s: %v", model.ErrTransientInfra, req.FacilityID, err)
	}

	params := req.params()

	load := make(map[string]interface{}, len(stations))
	for _, ws := range stations {
		load[ws.ID] = ws.Features
	}
	params["load"] = load

	fp, err := fingerprint.Compute(params, nil)
	if err != nil {
		return nil, err
	}

	input := canonicalInput(params)

	if len(stations) == 0 {
		resp := emptyBottleneckResponse(req)

		requestID := o.auditOutcome(ctx, t, "", fp, input, resp, nil, model.CacheBypass, started, nil)
		o.publishCompleted(ctx, requestID, t, "")

		return resp, nil
	}

	active, err := o.resolveActive(ctx, t)
	if err != nil {
		if errors.Is(err, model.ErrNoActiveModel) {
			if resp, ok := o.degradedBottleneckResponse(ctx, t, req, stations); ok {
				o.finishDegraded(ctx, t, fp, input, resp, started)

				return resp, nil
			}
		}

		o.auditOutcome(ctx, t, "", fp, input, nil, nil, model.CacheBypass, started, err)

		return nil, err
	}

	version := active.Version.String()
	key := fingerprint.CacheKey(string(t), fp, version)

	var cached BottleneckResponse
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

	loads := make([]WorkstationLoad, 0, len(stations))
	estimates := make(map[string]predictor.Estimate, len(stations))

	for _, ws := range stations {
		estimate, err := p.Predict(ws.Features)
		if err != nil {
			err = fmt.Errorf("workstation %s: %w", ws.ID, err)
			o.auditOutcome(ctx, t, version, fp, input, nil, nil, model.CacheBypass, started, err)

			return nil, err
		}

		estimates[ws.ID] = estimate
		loads = append(loads, WorkstationLoad{
			WorkstationID: ws.ID,
			Name:          ws.Name,
			WaitMinutes:   estimate.Value,
			WaitLower:     estimate.Lower,
			WaitUpper:     estimate.Upper,
			Severity:      severityFor(estimate.Value),
		})
	}

	rankByWait(loads)

	worst := loads[0]
	worstEstimate := estimates[worst.WorkstationID]

	resp := &BottleneckResponse{
		Envelope:      o.envelope(t, active, worstEstimate, stationFeatures(stations, worst.WorkstationID), p.Stats(), "minutes", fp),
		FacilityID:    req.FacilityID,
		From:          req.From,
		To:            req.To,
		Workstations:  loads,
		Reallocations: reallocations(loads),
	}
	resp.Metadata["workstation_id"] = worst.WorkstationID

	o.toCache(ctx, key, resp, o.TTLFor(t))

	requestID := o.auditOutcome(ctx, t, version, fp, input, resp, nil, model.CacheMiss, started, nil)
	o.publishCompleted(ctx, requestID, t, version)

	return resp, nil
}

// degradedBottleneckResponse evaluates the fallback rule per station.
// Returns false when any station has no rule verdict, in which case
// ErrNoActiveModel surfaces for the whole request.
func (o *Orchestrator) degradedBottleneckResponse(ctx context.Context, t model.ModelType, req BottleneckRequest, stations []Workstation) (*BottleneckResponse, bool) {
	loads := make([]WorkstationLoad, 0, len(stations))

	for _, ws := range stations {
		estimate, ok := o.fallback.Evaluate(t, ws.Features)
		if !ok {
			return nil, false
		}

		loads = append(loads, WorkstationLoad{
			WorkstationID: ws.ID,
			Name:          ws.Name,
			WaitMinutes:   estimate.Value,
			WaitLower:     estimate.Value,
			WaitUpper:     estimate.Value,
			Severity:      severityFor(estimate.Value),
		})
	}

	rankByWait(loads)

	envelope, ok := o.degraded(ctx, t, stationFeatures(stations, loads[0].WorkstationID))
	if !ok {
		return nil, false
	}

	envelope.Unit = "minutes"

	return &BottleneckResponse{
		Envelope:      envelope,
		FacilityID:    req.FacilityID,
		From:          req.From,
		To:            req.To,
		Workstations:  loads,
		Reallocations: reallocations(loads),
	}, true
}

func emptyBottleneckResponse(req BottleneckRequest) *BottleneckResponse {
	return &BottleneckResponse{
		Envelope: Envelope{
			Unit:        "minutes",
			CacheStatus: model.CacheBypass,
			Timestamp:   time.Now().UTC(),
		},
		FacilityID:   req.FacilityID,
		From:         req.From,
		To:           req.To,
		Workstations: []WorkstationLoad{},
	}
}

// rankByWait orders stations worst first, ties by id for determinism.
func rankByWait(loads []WorkstationLoad) {
	sort.Slice(loads, func(i, j int) bool {
		if loads[i].WaitMinutes != loads[j].WaitMinutes {
			return loads[i].WaitMinutes > loads[j].WaitMinutes
		}

		return loads[i].WorkstationID < loads[j].WorkstationID
	})
}

func stationFeatures(stations []Workstation, id string) map[string]float64 {
	for _, ws := range stations {
		if ws.ID == id {
			return ws.Features
		}
	}

	return nil
}

func severityFor(waitMinutes float64) string {
	switch {
	case waitMinutes >= criticalWaitMinutes:
		return SeverityCritical
	case waitMinutes >= severeWaitMinutes:
		return SeveritySevere
	case waitMinutes >= moderateWaitMinutes:
		return SeverityModerate
	default:
		return SeverityNone
	}
}

// reallocations pairs each constrained station with the least loaded one.
// No suggestion is made when even the best alternative is itself severe.
func reallocations(loads []WorkstationLoad) []ReallocationSuggestion {
	if len(loads) < 2 {
		return nil
	}

	target := loads[len(loads)-1]
	if target.WaitMinutes >= severeWaitMinutes {
		return nil
	}

	var suggestions []ReallocationSuggestion

	for _, load := range loads {
		if load.WaitMinutes < severeWaitMinutes || load.WorkstationID == target.WorkstationID {
			continue
		}

		suggestions = append(suggestions, ReallocationSuggestion{
			FromWorkstationID: load.WorkstationID,
			ToWorkstationID:   target.WorkstationID,
			Reason: fmt.Sprintf("Predicted wait of %.0f minutes against %.0f at %s.",
				load.WaitMinutes, target.WaitMinutes, target.WorkstationID),
		})

		if len(suggestions) >= maxReallocations {
			break
		}
	}

	return suggestions
}
