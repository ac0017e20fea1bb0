package prediction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/foresight-io/foresight/internal/fingerprint"
	"github.com/foresight-io/foresight/internal/model"
	"github.com/foresight-io/foresight/internal/predictor"
)

// reorderSafetyFactor pads the suggested reorder quantity so a forecast
// undershoot does not run the material dry anyway.
const reorderSafetyFactor = 1.2

type (
	// MaterialStock is the live inventory position of one SKU, supplied
	// by the platform's inventory service.
	MaterialStock struct {
		MaterialSKU  string
		OnHand       float64
		LeadTimeDays int
		Unit         string
	}

	// MaterialReader supplies inventory positions for material demand
	// forecasting. An unknown SKU yields an error wrapping
	// model.ErrNotFound.
	MaterialReader interface {
		Stock(ctx context.Context, sku string) (MaterialStock, error)
	}

	// StockoutAlert projects the day current stock runs out.
	StockoutAlert struct {
		ExpectedAt   time.Time `json:"expected_at"`
		OnHand       float64   `json:"on_hand"`
		LeadTimeDays int       `json:"lead_time_days"`

		// WithinLeadTime marks the urgent case: the projected runout
		// precedes the earliest possible replenishment.
		WithinLeadTime bool `json:"within_lead_time"`
	}

	// ReorderSuggestion recommends a replenishment order.
	ReorderSuggestion struct {
		Quantity float64   `json:"quantity"`
		OrderBy  time.Time `json:"order_by"`
	}

	// MaterialDemandResponse is the consumption projection for one SKU.
	MaterialDemandResponse struct {
		Envelope

		MaterialSKU string             `json:"material_sku"`
		HorizonDays int                `json:"horizon_days"`
		Steps       []ForecastStep     `json:"steps"`
		Stockout    *StockoutAlert     `json:"stockout,omitempty"`
		Reorder     *ReorderSuggestion `json:"reorder,omitempty"`
	}
)

// ForecastMaterialDemand projects daily consumption for one SKU and checks
// the projection against the live inventory position.
func (o *Orchestrator) ForecastMaterialDemand(ctx context.Context, req MaterialDemandRequest) (*MaterialDemandResponse, error) {
	started := time.Now()
	t := model.ModelTypeMaterialDemand

	if err := req.Validate(); err != nil {
		return nil, err
	}

	params := req.params()

	fp, err := fingerprint.Compute(params, nil)
	if err != nil {
		return nil, err
	}

	input := canonicalInput(params)
	baseline := time.Now().UTC().Truncate(24 * time.Hour)

	stock, hasStock, err := o.lookupStock(ctx, req.MaterialSKU)
	if err != nil {
		return nil, err
	}

	active, err := o.resolveActive(ctx, t)
	if err != nil {
		if errors.Is(err, model.ErrNoActiveModel) {
			ruleInputs := map[string]float64{"horizon_days": float64(req.HorizonDays)}
			if envelope, ok := o.degraded(ctx, t, ruleInputs); ok {
				resp := degradedMaterialResponse(envelope, req, baseline, stock, hasStock)

				o.finishDegraded(ctx, t, fp, input, resp, started)

				return resp, nil
			}
		}

		o.auditOutcome(ctx, t, "", fp, input, nil, nil, model.CacheBypass, started, err)

		return nil, err
	}

	version := active.Version.String()
	key := fingerprint.CacheKey(string(t), fp, version)

	var cached MaterialDemandResponse
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

	estimates, err := series.PredictSeries(baseline, req.HorizonDays)
	if err != nil {
		o.auditOutcome(ctx, t, version, fp, input, nil, nil, model.CacheBypass, started, err)

		return nil, err
	}

	total, aggregate := aggregateSeries(estimates)

	unit := "units"
	if hasStock && stock.Unit != "" {
		unit = stock.Unit
	}

	resp := &MaterialDemandResponse{
		Envelope:    o.envelope(t, active, aggregate, nil, p.Stats(), unit, fp),
		MaterialSKU: req.MaterialSKU,
		HorizonDays: req.HorizonDays,
		Steps:       forecastSteps(estimates, GranularityDaily),
	}
	resp.PredictedValue = total

	if hasStock {
		resp.Stockout, resp.Reorder = materialOutlook(estimates, stock)
	}

	o.toCache(ctx, key, resp, o.TTLFor(t))

	requestID := o.auditOutcome(ctx, t, version, fp, input, resp, nil, model.CacheMiss, started, nil)
	o.publishCompleted(ctx, requestID, t, version)

	return resp, nil
}

// lookupStock fetches the SKU's inventory position. A missing reader or a
// failing inventory service degrades to a forecast without stockout
// analysis; an unknown SKU is the caller's error and surfaces.
func (o *Orchestrator) lookupStock(ctx context.Context, sku string) (MaterialStock, bool, error) {
	if o.materials == nil {
		return MaterialStock{}, false, nil
	}

	stock, err := o.materials.Stock(ctx, sku)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return MaterialStock{}, false, fmt.Errorf("material %s: %w", sku, err)
		}

		o.logger.WarnContext(ctx, "Inventory lookup failed, serving forecast without stockout analysis",
			slog.String("material_sku", sku),
			slog.String("error", err.Error()),
		)

		return MaterialStock{}, false, nil
	}

	return stock, true, nil
}

// materialOutlook walks cumulative consumption against on-hand stock. The
// runout day is the first whose cumulative draw exceeds inventory; the
// reorder covers the remaining horizon demand with a safety pad and must
// land before the runout minus lead time.
func materialOutlook(estimates []predictor.Estimate, stock MaterialStock) (*StockoutAlert, *ReorderSuggestion) {
	var (
		cumulative float64
		total      float64
		runoutIdx  = -1
	)

	for i, est := range estimates {
		total += est.Value

		cumulative += est.Value
		if runoutIdx < 0 && cumulative > stock.OnHand {
			runoutIdx = i
		}
	}

	if runoutIdx < 0 {
		return nil, nil
	}

	runoutAt := estimates[runoutIdx].At

	alert := &StockoutAlert{
		ExpectedAt:     runoutAt,
		OnHand:         stock.OnHand,
		LeadTimeDays:   stock.LeadTimeDays,
		WithinLeadTime: runoutIdx+1 <= stock.LeadTimeDays,
	}

	orderBy := runoutAt.AddDate(0, 0, -stock.LeadTimeDays)
	if today := time.Now().UTC().Truncate(24 * time.Hour); orderBy.Before(today) {
		orderBy = today
	}

	reorder := &ReorderSuggestion{
		Quantity: math.Ceil((total - stock.OnHand) * reorderSafetyFactor),
		OrderBy:  orderBy,
	}

	return alert, reorder
}

// degradedMaterialResponse shapes a flat rule-based fallback into the
// material contract, still honoring the stockout analysis when the
// inventory position is known.
func degradedMaterialResponse(envelope Envelope, req MaterialDemandRequest, baseline time.Time, stock MaterialStock, hasStock bool) *MaterialDemandResponse {
	perDay := envelope.PredictedValue

	estimates := make([]predictor.Estimate, req.HorizonDays)

	day := baseline
	for i := range estimates {
		day = day.AddDate(0, 0, 1)
		estimates[i] = predictor.Estimate{Value: perDay, Lower: perDay, Upper: perDay, At: day}
	}

	total := perDay * float64(req.HorizonDays)
	envelope.PredictedValue = total
	envelope.ConfidenceLower = total
	envelope.ConfidenceUpper = total

	if hasStock && stock.Unit != "" {
		envelope.Unit = stock.Unit
	}

	resp := &MaterialDemandResponse{
		Envelope:    envelope,
		MaterialSKU: req.MaterialSKU,
		HorizonDays: req.HorizonDays,
		Steps:       forecastSteps(estimates, GranularityDaily),
	}

	if hasStock {
		resp.Stockout, resp.Reorder = materialOutlook(estimates, stock)
	}

	return resp
}
