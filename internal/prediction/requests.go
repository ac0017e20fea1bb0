package prediction

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/foresight-io/foresight/internal/model"
)

const (
	// DefaultMaxGeometryBytes caps uploaded geometry payloads at 50 MiB.
	DefaultMaxGeometryBytes = int64(50 * 1024 * 1024)

	// GranularityDaily and GranularityWeekly are the forecast step sizes.
	GranularityDaily  = "daily"
	GranularityWeekly = "weekly"

	// maxMaterialHorizonDays bounds material consumption forecasts.
	maxMaterialHorizonDays = 90

	// maxBottleneckRangeDays bounds the scheduling window a bottleneck
	// scan may cover.
	maxBottleneckRangeDays = 31
)

// forecastHorizons are the supported demand forecast horizons in days.
var forecastHorizons = map[int]bool{7: true, 30: true, 90: true}

type (
	// PrintTimeRequest carries geometry bytes plus print parameters.
	PrintTimeRequest struct {
		Geometry      []byte
		Material      string
		PrinterModel  string
		LayerHeightMM float64
		InfillPercent float64
		NozzleTempC   float64
		BedTempC      float64
		PrintSpeedMMS float64
	}

	// DemandForecastRequest asks for a product demand projection.
	DemandForecastRequest struct {
		ProductID   string
		HorizonDays int
		Granularity string

		// BaselineDate anchors the forecast; steps start the day after.
		// Zero means today.
		BaselineDate time.Time
	}

	// PriceRequest asks for an optimal quote price.
	PriceRequest struct {
		MaterialCost     float64
		ComplexityScore  float64
		CustomerID       string
		CompetitorPrices []float64
	}

	// MaterialDemandRequest asks for a consumption forecast for one SKU.
	MaterialDemandRequest struct {
		MaterialSKU string
		HorizonDays int
	}

	// BottleneckRequest asks for predicted workstation congestion across a
	// facility and date range.
	BottleneckRequest struct {
		FacilityID string
		From       time.Time
		To         time.Time
	}
)

// Validate performs domain validation on the PrintTimeRequest. The geometry
// payload itself is validated by the mesh extractor.
func (r *PrintTimeRequest) Validate() error {
	if len(r.Geometry) == 0 {
		return fmt.Errorf("%w: geometry payload is empty", model.ErrMalformedGeometry)
	}

	if strings.TrimSpace(r.Material) == "" {
		return fmt.Errorf("%w: material is required", model.ErrValidation)
	}

	if r.LayerHeightMM <= 0 || r.LayerHeightMM > 2 {
		return fmt.Errorf("%w: layer height %.3f mm out of range (0, 2]", model.ErrValidation, r.LayerHeightMM)
	}

	if r.InfillPercent < 0 || r.InfillPercent > 100 {
		return fmt.Errorf("%w: infill %.1f%% out of range [0, 100]", model.ErrValidation, r.InfillPercent)
	}

	if r.PrintSpeedMMS < 0 {
		return fmt.Errorf("%w: print speed cannot be negative", model.ErrValidation)
	}

	return nil
}

// params returns the non-binary fingerprint parameters.
func (r *PrintTimeRequest) params() map[string]interface{} {
	return map[string]interface{}{
		"material":        r.Material,
		"printer_model":   r.PrinterModel,
		"layer_height_mm": r.LayerHeightMM,
		"infill_percent":  r.InfillPercent,
		"nozzle_temp_c":   r.NozzleTempC,
		"bed_temp_c":      r.BedTempC,
		"print_speed_mms": r.PrintSpeedMMS,
	}
}

// Validate performs domain validation on the DemandForecastRequest.
func (r *DemandForecastRequest) Validate() error {
	if strings.TrimSpace(r.ProductID) == "" {
		return fmt.Errorf("%w: product id is required", model.ErrValidation)
	}

	if !forecastHorizons[r.HorizonDays] {
		return fmt.Errorf("%w: horizon must be 7, 30 or 90 days, got %d", model.ErrValidation, r.HorizonDays)
	}

	switch r.Granularity {
	case "", GranularityDaily, GranularityWeekly:
	default:
		return fmt.Errorf("%w: granularity must be %q or %q, got %q",
			model.ErrValidation, GranularityDaily, GranularityWeekly, r.Granularity)
	}

	return nil
}

// granularity returns the effective step size, defaulting to daily.
func (r *DemandForecastRequest) granularity() string {
	if r.Granularity == "" {
		return GranularityDaily
	}

	return r.Granularity
}

// baseline returns the effective anchor date in UTC.
func (r *DemandForecastRequest) baseline() time.Time {
	if r.BaselineDate.IsZero() {
		return time.Now().UTC().Truncate(24 * time.Hour)
	}

	return r.BaselineDate.UTC()
}

func (r *DemandForecastRequest) params() map[string]interface{} {
	return map[string]interface{}{
		"product_id":    r.ProductID,
		"horizon_days":  r.HorizonDays,
		"granularity":   r.granularity(),
		"baseline_date": r.baseline().Format("2006-01-02"),
	}
}

// Validate performs domain validation on the PriceRequest.
func (r *PriceRequest) Validate() error {
	if r.MaterialCost <= 0 {
		return fmt.Errorf("%w: material cost must be positive, got %.2f", model.ErrValidation, r.MaterialCost)
	}

	if r.ComplexityScore < 0 || r.ComplexityScore > 10 {
		return fmt.Errorf("%w: complexity score %.2f out of range [0, 10]", model.ErrValidation, r.ComplexityScore)
	}

	if strings.TrimSpace(r.CustomerID) == "" {
		return fmt.Errorf("%w: customer id is required", model.ErrValidation)
	}

	for _, price := range r.CompetitorPrices {
		if price <= 0 {
			return fmt.Errorf("%w: competitor prices must be positive, got %.2f", model.ErrValidation, price)
		}
	}

	return nil
}

// features derives the numeric predictor inputs. Competitor statistics are
// only present when benchmarks were supplied; a model trained on them will
// reject requests without.
func (r *PriceRequest) features() map[string]float64 {
	features := map[string]float64{
		"material_cost":    r.MaterialCost,
		"complexity_score": r.ComplexityScore,
	}

	if len(r.CompetitorPrices) > 0 {
		sorted := append([]float64(nil), r.CompetitorPrices...)
		sort.Float64s(sorted)

		features["competitor_median"] = stat.Quantile(0.5, stat.Empirical, sorted, nil)
		features["competitor_min"] = sorted[0]
		features["competitor_count"] = float64(len(sorted))
	}

	return features
}

func (r *PriceRequest) params() map[string]interface{} {
	return map[string]interface{}{
		"material_cost":     r.MaterialCost,
		"complexity_score":  r.ComplexityScore,
		"customer_id":       r.CustomerID,
		"competitor_prices": r.CompetitorPrices,
	}
}

// Validate performs domain validation on the MaterialDemandRequest.
func (r *MaterialDemandRequest) Validate() error {
	if strings.TrimSpace(r.MaterialSKU) == "" {
		return fmt.Errorf("%w: material sku is required", model.ErrValidation)
	}

	if r.HorizonDays <= 0 || r.HorizonDays > maxMaterialHorizonDays {
		return fmt.Errorf("%w: horizon must be 1..%d days, got %d",
			model.ErrValidation, maxMaterialHorizonDays, r.HorizonDays)
	}

	return nil
}

func (r *MaterialDemandRequest) params() map[string]interface{} {
	return map[string]interface{}{
		"material_sku": r.MaterialSKU,
		"horizon_days": r.HorizonDays,
	}
}

// Validate performs domain validation on the BottleneckRequest.
func (r *BottleneckRequest) Validate() error {
	if strings.TrimSpace(r.FacilityID) == "" {
		return fmt.Errorf("%w: facility id is required", model.ErrValidation)
	}

	if r.From.IsZero() || r.To.IsZero() {
		return fmt.Errorf("%w: date range is required", model.ErrValidation)
	}

	if !r.From.Before(r.To) {
		return fmt.Errorf("%w: range start must precede end", model.ErrValidation)
	}

	if r.To.Sub(r.From) > maxBottleneckRangeDays*24*time.Hour {
		return fmt.Errorf("%w: range cannot exceed %d days", model.ErrValidation, maxBottleneckRangeDays)
	}

	return nil
}

func (r *BottleneckRequest) params() map[string]interface{} {
	return map[string]interface{}{
		"facility_id": r.FacilityID,
		"from":        r.From.UTC().Format("2006-01-02"),
		"to":          r.To.UTC().Format("2006-01-02"),
	}
}
