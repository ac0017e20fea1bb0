package prediction

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/foresight-io/foresight/internal/fingerprint"
	"github.com/foresight-io/foresight/internal/model"
	"github.com/foresight-io/foresight/internal/predictor"
)

// priceCurrency is the platform's quoting currency.
const priceCurrency = "EUR"

// winCurveMultipliers are the price points, relative to the optimal price,
// at which the win probability curve is sampled.
var winCurveMultipliers = []float64{0.80, 0.90, 0.95, 1.00, 1.05, 1.10, 1.20}

type (
	// PricePoint is one sample of the win probability curve.
	PricePoint struct {
		Price          float64 `json:"price"`
		WinProbability float64 `json:"win_probability"`
	}

	// PriceResponse is the quote recommendation.
	PriceResponse struct {
		Envelope

		OptimalPrice float64      `json:"optimal_price"`
		PriceRange   Band         `json:"price_range"`
		WinCurve     []PricePoint `json:"win_curve"`

		// Elasticity is the relative sensitivity of the win probability
		// to price at the optimal point. More negative means a steeper
		// drop-off when quoting above optimal.
		Elasticity float64 `json:"elasticity"`
	}
)

// RecommendPrice computes the optimal quote price for a job.
func (o *Orchestrator) RecommendPrice(ctx context.Context, req PriceRequest) (*PriceResponse, error) {
	started := time.Now()
	t := model.ModelTypePriceOptimization

	if err := req.Validate(); err != nil {
		return nil, err
	}

	inputs := req.features()
	params := req.params()

	fp, err := fingerprint.Compute(params, nil)
	if err != nil {
		return nil, err
	}

	input := canonicalInput(params)

	active, err := o.resolveActive(ctx, t)
	if err != nil {
		if errors.Is(err, model.ErrNoActiveModel) {
			if envelope, ok := o.degraded(ctx, t, inputs); ok {
				resp := degradedPriceResponse(envelope)

				o.finishDegraded(ctx, t, fp, input, resp, started)

				return resp, nil
			}
		}

		o.auditOutcome(ctx, t, "", fp, input, nil, nil, model.CacheBypass, started, err)

		return nil, err
	}

	version := active.Version.String()
	key := fingerprint.CacheKey(string(t), fp, version)

	var cached PriceResponse
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

	resp := priceResponse(o.envelope(t, active, estimate, inputs, p.Stats(), priceCurrency, fp), estimate)

	o.toCache(ctx, key, resp, o.TTLFor(t))

	requestID := o.auditOutcome(ctx, t, version, fp, input, resp, nil, model.CacheMiss, started, nil)
	o.publishCompleted(ctx, requestID, t, version)

	return resp, nil
}

// priceResponse derives the win curve from the interval's spread: the
// model's 95% margin sets the scale of a logistic win probability centered
// on the optimal price, where winning the quote is even odds.
func priceResponse(envelope Envelope, estimate predictor.Estimate) *PriceResponse {
	optimal := estimate.Value
	scale := priceScale(estimate)

	curve := make([]PricePoint, 0, len(winCurveMultipliers))
	for _, multiplier := range winCurveMultipliers {
		price := optimal * multiplier
		curve = append(curve, PricePoint{
			Price:          round2(price),
			WinProbability: round4(winProbability(price, optimal, scale)),
		})
	}

	return &PriceResponse{
		Envelope:     envelope,
		OptimalPrice: round2(optimal),
		PriceRange:   Band{Lower: round2(estimate.Lower), Upper: round2(estimate.Upper)},
		WinCurve:     curve,
		Elasticity:   round4(-optimal / (2 * scale)),
	}
}

// degradedPriceResponse shapes a rule-based quote. With no interval there
// is no spread to derive a curve from.
func degradedPriceResponse(envelope Envelope) *PriceResponse {
	envelope.Unit = priceCurrency

	return &PriceResponse{
		Envelope:     envelope,
		OptimalPrice: round2(envelope.PredictedValue),
		PriceRange:   Band{Lower: round2(envelope.PredictedValue), Upper: round2(envelope.PredictedValue)},
	}
}

func winProbability(price, optimal, scale float64) float64 {
	return 1 / (1 + math.Exp((price-optimal)/scale))
}

// priceScale converts the 95% interval's half-width into the logistic
// scale. The floor keeps a degenerate interval from collapsing the curve
// into a step function.
func priceScale(estimate predictor.Estimate) float64 {
	scale := (estimate.Upper - estimate.Lower) / 2
	if floor := math.Max(estimate.Value*0.01, 1e-9); scale < floor {
		scale = floor
	}

	return scale
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
