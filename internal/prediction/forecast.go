package prediction

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/foresight-io/foresight/internal/fingerprint"
	"github.com/foresight-io/foresight/internal/model"
	"github.com/foresight-io/foresight/internal/predictor"
)

// anomalySigma flags forecast steps that deviate from the horizon's own
// level by more than this many standard deviations.
const anomalySigma = 2.0

type (
	// Band is one confidence band of a forecast step.
	Band struct {
		Lower float64 `json:"lower"`
		Upper float64 `json:"upper"`
	}

	// ForecastStep is one projected period.
	ForecastStep struct {
		At     time.Time `json:"at"`
		Value  float64   `json:"value"`
		Band80 Band      `json:"band_80"`
		Band95 Band      `json:"band_95"`

		// Anomaly marks steps far outside the horizon's own level,
		// usually a seasonal spike worth an operator's look.
		Anomaly bool `json:"anomaly,omitempty"`
	}

	// DemandForecastResponse is the product demand projection. The
	// envelope's predicted value aggregates the whole horizon.
	DemandForecastResponse struct {
		Envelope

		ProductID   string         `json:"product_id"`
		Granularity string         `json:"granularity"`
		HorizonDays int            `json:"horizon_days"`
		Steps       []ForecastStep `json:"steps"`
	}
)

// ForecastDemand projects product demand over the requested horizon.
func (o *Orchestrator) ForecastDemand(ctx context.Context, req DemandForecastRequest) (*DemandForecastResponse, error) {
	started := time.Now()
	t := model.ModelTypeDemandForecast

	if err := req.Validate(); err != nil {
		return nil, err
	}

	params := req.params()

	fp, err := fingerprint.Compute(params, nil)
	if err != nil {
		return nil, err
	}

	input := canonicalInput(params)

	active, err := o.resolveActive(ctx, t)
	if err != nil {
		if errors.Is(err, model.ErrNoActiveModel) {
			ruleInputs := map[string]float64{"horizon_days": float64(req.HorizonDays)}
			if envelope, ok := o.degraded(ctx, t, ruleInputs); ok {
				resp := degradedForecastResponse(envelope, req)

				o.finishDegraded(ctx, t, fp, input, resp, started)

				return resp, nil
			}
		}

		o.auditOutcome(ctx, t, "", fp, input, nil, nil, model.CacheBypass, started, err)

		return nil, err
	}

	version := active.Version.String()
	key := fingerprint.CacheKey(string(t), fp, version)

	var cached DemandForecastResponse
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

	series, ok := p.(predictor.SeriesPredictor)
	if !ok {
		err := fmt.Errorf("%w: %s model %s cannot project a series", model.ErrInference, t, version)
		o.auditOutcome(ctx, t, version, fp, input, nil, nil, model.CacheBypass, started, err)

		return nil, err
	}

	estimates, err := series.PredictSeries(req.baseline(), req.HorizonDays)
	if err != nil {
		o.auditOutcome(ctx, t, version, fp, input, nil, nil, model.CacheBypass, started, err)

		return nil, err
	}

	steps := forecastSteps(estimates, req.granularity())
	flagAnomalies(steps)

	total, aggregate := aggregateSeries(estimates)

	resp := &DemandForecastResponse{
		Envelope:    o.envelope(t, active, aggregate, nil, p.Stats(), "units", fp),
		ProductID:   req.ProductID,
		Granularity: req.granularity(),
		HorizonDays: req.HorizonDays,
		Steps:       steps,
	}
	resp.PredictedValue = total

	o.toCache(ctx, key, resp, o.TTLFor(t))

	requestID := o.auditOutcome(ctx, t, version, fp, input, resp, nil, model.CacheMiss, started, nil)
	o.publishCompleted(ctx, requestID, t, version)

	return resp, nil
}

// aggregateSeries folds per-step estimates into one horizon-level estimate:
// values sum, margins combine as the root of summed squares, and the
// contribution decomposition accumulates per component.
func aggregateSeries(estimates []predictor.Estimate) (float64, predictor.Estimate) {
	var (
		total         float64
		squaredMargin float64
	)

	contributions := make(map[string]float64)

	for _, est := range estimates {
		total += est.Value

		margin := est.Upper - est.Value
		squaredMargin += margin * margin

		for name, push := range est.Contributions {
			contributions[name] += push
		}
	}

	margin := math.Sqrt(squaredMargin)

	return total, predictor.Estimate{
		Value:         total,
		Lower:         math.Max(0, total-margin),
		Upper:         total + margin,
		Contributions: contributions,
	}
}

// forecastSteps shapes per-day estimates into response steps, aggregating
// into weekly buckets when asked. Weekly margins combine as the root of
// summed squares.
func forecastSteps(estimates []predictor.Estimate, granularity string) []ForecastStep {
	if granularity != GranularityWeekly {
		steps := make([]ForecastStep, 0, len(estimates))
		for _, est := range estimates {
			steps = append(steps, stepFromEstimate(est.At, est.Value, est.Upper-est.Value))
		}

		return steps
	}

	const daysPerWeek = 7

	steps := make([]ForecastStep, 0, (len(estimates)+daysPerWeek-1)/daysPerWeek)

	for start := 0; start < len(estimates); start += daysPerWeek {
		end := start + daysPerWeek
		if end > len(estimates) {
			end = len(estimates)
		}

		var (
			value         float64
			squaredMargin float64
		)

		for _, est := range estimates[start:end] {
			value += est.Value
			margin := est.Upper - est.Value
			squaredMargin += margin * margin
		}

		steps = append(steps, stepFromEstimate(estimates[start].At, value, math.Sqrt(squaredMargin)))
	}

	return steps
}

// stepFromEstimate builds one step from a value and its 95% margin. The 80%
// band rescales the margin by the z-score ratio; lower bounds clamp at zero
// because demand cannot be negative.
func stepFromEstimate(at time.Time, value, margin95 float64) ForecastStep {
	margin80 := margin95 * z80 / z95

	return ForecastStep{
		At:    at,
		Value: value,
		Band80: Band{
			Lower: math.Max(0, value-margin80),
			Upper: value + margin80,
		},
		Band95: Band{
			Lower: math.Max(0, value-margin95),
			Upper: value + margin95,
		},
	}
}

// flagAnomalies marks steps whose value sits far outside the horizon's own
// distribution.
func flagAnomalies(steps []ForecastStep) {
	if len(steps) < 3 {
		return
	}

	values := make([]float64, len(steps))
	for i, step := range steps {
		values[i] = step.Value
	}

	mean, std := stat.MeanStdDev(values, nil)
	if math.IsNaN(std) || std <= 0 {
		return
	}

	for i := range steps {
		if math.Abs(steps[i].Value-mean) > anomalySigma*std {
			steps[i].Anomaly = true
		}
	}
}

// degradedForecastResponse shapes a flat rule-based fallback into the
// forecast contract: every step carries the rule's per-day value.
func degradedForecastResponse(envelope Envelope, req DemandForecastRequest) *DemandForecastResponse {
	perDay := envelope.PredictedValue

	estimates := make([]predictor.Estimate, req.HorizonDays)

	day := req.baseline()
	for i := range estimates {
		day = day.AddDate(0, 0, 1)
		estimates[i] = predictor.Estimate{Value: perDay, Lower: perDay, Upper: perDay, At: day}
	}

	steps := forecastSteps(estimates, req.granularity())

	total := perDay * float64(req.HorizonDays)
	envelope.PredictedValue = total
	envelope.ConfidenceLower = total
	envelope.ConfidenceUpper = total
	envelope.Unit = "units"

	return &DemandForecastResponse{
		Envelope:    envelope,
		ProductID:   req.ProductID,
		Granularity: req.granularity(),
		HorizonDays: req.HorizonDays,
		Steps:       steps,
	}
}
