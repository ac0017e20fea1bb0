package prediction

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/foresight-io/foresight/internal/fingerprint"
	"github.com/foresight-io/foresight/internal/model"
)

// Churn risk tiers and the score thresholds that separate them.
const (
	RiskTierLow    = "low"
	RiskTierMedium = "medium"
	RiskTierHigh   = "high"

	highRiskThreshold   = 70
	mediumRiskThreshold = 40

	maxInterventions = 3
)

type (
	// CustomerProfile is the aggregated purchasing behavior of one
	// customer, supplied by the platform's customer service.
	CustomerProfile struct {
		CustomerID        string
		RecencyDays       float64
		OrdersPerMonth    float64
		AvgOrderValue     float64
		TenureMonths      float64
		SupportTickets    float64
		LatePayments      float64
		OrderTrendPercent float64
	}

	// CustomerReader supplies customer profiles for churn scoring. An
	// unknown customer id yields an error wrapping model.ErrNotFound.
	CustomerReader interface {
		Profile(ctx context.Context, customerID string) (CustomerProfile, error)
	}

	// ChurnProbabilities are churn probabilities at fixed horizons.
	ChurnProbabilities struct {
		Days30 float64 `json:"days_30"`
		Days60 float64 `json:"days_60"`
		Days90 float64 `json:"days_90"`
	}

	// ChurnRiskResponse is the churn classification for one customer.
	ChurnRiskResponse struct {
		Envelope

		CustomerID    string             `json:"customer_id"`
		RiskScore     int                `json:"risk_score"`
		RiskTier      string             `json:"risk_tier"`
		Probabilities ChurnProbabilities `json:"probabilities"`
		Interventions []string           `json:"interventions"`
	}
)

// features flattens the profile into model inputs.
func (p CustomerProfile) features() map[string]float64 {
	return map[string]float64{
		"recency_days":        p.RecencyDays,
		"orders_per_month":    p.OrdersPerMonth,
		"avg_order_value":     p.AvgOrderValue,
		"tenure_months":       p.TenureMonths,
		"support_tickets":     p.SupportTickets,
		"late_payments":       p.LatePayments,
		"order_trend_percent": p.OrderTrendPercent,
	}
}

// ScoreChurn classifies one customer's churn risk over a 90 day horizon.
//
// The fingerprint covers the derived profile features rather than the bare
// customer id, so a profile shift reads as a cache miss instead of serving
// a stale score for the full TTL.
func (o *Orchestrator) ScoreChurn(ctx context.Context, customerID string) (*ChurnRiskResponse, error) {
	started := time.Now()
	t := model.ModelTypeChurnPrediction

	if customerID == "" {
		return nil, fmt.Errorf("%w: customer id is required", model.ErrValidation)
	}

	if o.customers == nil {
		return nil, fmt.Errorf("%w: no customer profile source configured", model.ErrTransientInfra)
	}

	profile, err := o.customers.Profile(ctx, customerID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, fmt.Errorf("customer %s: %w", customerID, err)
		}

		return nil, fmt.Errorf("%w: customer profile for %s: %v", model.ErrTransientInfra, customerID, err)
	}

	inputs := profile.features()

	params := make(map[string]interface{}, len(inputs)+1)
	params["customer_id"] = customerID
	for name, value := range inputs {
		params[name] = value
	}

	fp, err := fingerprint.Compute(params, nil)
	if err != nil {
		return nil, err
	}

	input := canonicalInput(params)

	active, err := o.resolveActive(ctx, t)
	if err != nil {
		if errors.Is(err, model.ErrNoActiveModel) {
			if envelope, ok := o.degraded(ctx, t, inputs); ok {
				resp := churnResponse(envelope, customerID, clamp01(envelope.PredictedValue), nil)

				o.finishDegraded(ctx, t, fp, input, resp, started)

				return resp, nil
			}
		}

		o.auditOutcome(ctx, t, "", fp, input, nil, nil, model.CacheBypass, started, err)

		return nil, err
	}

	version := active.Version.String()
	key := fingerprint.CacheKey(string(t), fp, version)

	var cached ChurnRiskResponse
	if o.fromCache(ctx, key, &cached) {
		cached.CacheStatus = model.CacheHit

		requestID := o.auditOutcome(ctx, t, version, fp, input, cached, &cached.Probabilities.Days90, model.CacheHit, started, nil)
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

	probability := clamp01(estimate.Value)

	envelope := o.envelope(t, active, estimate, inputs, p.Stats(), "risk_score", fp)
	resp := churnResponse(envelope, customerID, probability, &estimate.Lower)

	o.toCache(ctx, key, resp, o.TTLFor(t))

	requestID := o.auditOutcome(ctx, t, version, fp, input, resp, &probability, model.CacheMiss, started, nil)
	o.publishCompleted(ctx, requestID, t, version)

	return resp, nil
}

// churnResponse shapes a churn probability into the response contract. The
// envelope's value and bounds move from probability space to the 0-100
// score scale; lower95 is nil on the degraded path, which has no interval.
func churnResponse(envelope Envelope, customerID string, probability float64, lower95 *float64) *ChurnRiskResponse {
	score := int(math.Round(probability * 100))

	envelope.PredictedValue = float64(score)
	envelope.Unit = "risk_score"

	if lower95 != nil {
		envelope.ConfidenceLower = clamp01(*lower95) * 100
		envelope.ConfidenceUpper = clamp01(envelope.ConfidenceUpper) * 100
	} else {
		envelope.ConfidenceLower = float64(score)
		envelope.ConfidenceUpper = float64(score)
	}

	resp := &ChurnRiskResponse{
		Envelope:      envelope,
		CustomerID:    customerID,
		RiskScore:     score,
		RiskTier:      riskTier(score),
		Probabilities: horizonProbabilities(probability),
	}
	resp.Interventions = interventions(score, envelope.Explanation.TopFactors)

	return resp
}

// horizonProbabilities spreads the 90 day churn probability across shorter
// horizons under a constant-hazard assumption.
func horizonProbabilities(p90 float64) ChurnProbabilities {
	if p90 >= 1 {
		return ChurnProbabilities{Days30: 1, Days60: 1, Days90: 1}
	}

	survival := 1 - p90

	return ChurnProbabilities{
		Days30: 1 - math.Pow(survival, 1.0/3.0),
		Days60: 1 - math.Pow(survival, 2.0/3.0),
		Days90: p90,
	}
}

func riskTier(score int) string {
	switch {
	case score >= highRiskThreshold:
		return RiskTierHigh
	case score >= mediumRiskThreshold:
		return RiskTierMedium
	default:
		return RiskTierLow
	}
}

// interventions maps the risk tier and the dominant risk factors to
// concrete retention actions, most urgent first.
func interventions(score int, factors []Factor) []string {
	var suggestions []string

	if score >= highRiskThreshold {
		suggestions = append(suggestions, "Schedule an account manager call within the next week.")
	}

	for _, factor := range factors {
		var suggestion string

		switch factor.Name {
		case "recency_days":
			suggestion = "Launch a re-engagement campaign with a tailored offer."
		case "late_payments":
			suggestion = "Offer flexible payment terms to reduce billing friction."
		case "support_tickets":
			suggestion = "Escalate the customer's open support tickets for senior review."
		case "order_trend_percent", "orders_per_month":
			suggestion = "Offer a volume discount on the customer's most ordered materials."
		default:
			continue
		}

		suggestions = appendUnique(suggestions, suggestion)
		if len(suggestions) >= maxInterventions {
			return suggestions
		}
	}

	if len(suggestions) == 0 {
		suggestions = append(suggestions, "Maintain the regular engagement cadence.")
	}

	return suggestions
}

func appendUnique(list []string, s string) []string {
	for _, existing := range list {
		if existing == s {
			return list
		}
	}

	return append(list, s)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}

	if v > 1 {
		return 1
	}

	return v
}
