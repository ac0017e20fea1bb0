package predictor

import (
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/foresight-io/foresight/internal/model"
)

// seasonalPredictor forecasts daily demand as level + trend with an additive
// weekly profile. Uncertainty widens with the forecast distance.
type seasonalPredictor struct {
	modelType model.ModelType
	version   model.Version
	params    SeasonalParams
	stats     map[string]FeatureStats
}

func newSeasonalPredictor(a *Artifact, version model.Version) *seasonalPredictor {
	return &seasonalPredictor{
		modelType: a.ModelType,
		version:   version,
		params:    *a.Seasonal,
		stats:     a.FeatureStats,
	}
}

func (p *seasonalPredictor) Type() model.ModelType { return p.modelType }

func (p *seasonalPredictor) Version() model.Version { return p.version }

func (p *seasonalPredictor) Features() []string { return nil }

func (p *seasonalPredictor) Stats() map[string]FeatureStats { return p.stats }

// Predict returns the one-day-ahead estimate from the fit origin.
func (p *seasonalPredictor) Predict(_ map[string]float64) (Estimate, error) {
	series, err := p.PredictSeries(p.params.Origin, 1)
	if err != nil {
		return Estimate{}, err
	}

	return series[0], nil
}

// PredictSeries projects the horizon day by day, starting the day after
// start. Demand cannot be negative: points and bounds are clamped at zero,
// and Lower <= Value <= Upper holds for every step.
func (p *seasonalPredictor) PredictSeries(start time.Time, horizon int) ([]Estimate, error) {
	if horizon <= 0 {
		return nil, fmt.Errorf("%w: forecast horizon must be positive, got %d", model.ErrValidation, horizon)
	}

	origin := p.params.Origin
	startOffset := daysBetween(origin, start)

	estimates := make([]Estimate, horizon)

	for h := 1; h <= horizon; h++ {
		day := start.AddDate(0, 0, h)
		offset := float64(startOffset + h)

		trendTerm := p.params.Trend * offset
		seasonalTerm := p.params.Weekly[int(day.Weekday())]
		point := p.params.Level + trendTerm + seasonalTerm

		// Forecast variance grows with distance from the data.
		margin := confidenceZ * p.params.ResidualStd * math.Sqrt(float64(h))

		point = math.Max(0, point)

		estimates[h-1] = Estimate{
			Value: point,
			Lower: math.Max(0, point-margin),
			Upper: point + margin,
			At:    day,
			Contributions: map[string]float64{
				"trend":       trendTerm,
				"seasonality": seasonalTerm,
				"base_level":  p.params.Level,
			},
		}
	}

	return estimates, nil
}

// dailyPoint is one aggregated training day.
type dailyPoint struct {
	day   time.Time
	total float64
}

// fitSeasonal aggregates records into daily totals, fits a linear trend by
// ordinary least squares, and extracts an additive weekly profile from the
// trend residuals.
func fitSeasonal(records []model.TrainingRecord) (*SeasonalParams, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: no records to fit", model.ErrDataQuality)
	}

	totals := make(map[time.Time]float64)
	for _, r := range records {
		day := r.OccurredAt.UTC().Truncate(24 * time.Hour)
		totals[day] += r.Target
	}

	days := make([]dailyPoint, 0, len(totals))
	for day, total := range totals {
		days = append(days, dailyPoint{day: day, total: total})
	}

	sort.Slice(days, func(i, j int) bool { return days[i].day.Before(days[j].day) })

	// Two weeks of daily history is the minimum for a weekly profile.
	if len(days) < 14 {
		return nil, fmt.Errorf("%w: %d distinct days, need at least 14 for a seasonal fit",
			model.ErrDataQuality, len(days))
	}

	origin := days[0].day

	xs := make([]float64, len(days))
	ys := make([]float64, len(days))
	for i, d := range days {
		xs[i] = float64(daysBetween(origin, d.day))
		ys[i] = d.total
	}

	level, trend := stat.LinearRegression(xs, ys, nil, false)

	// Weekly profile: mean residual per weekday after removing the trend.
	var sums [7]float64
	var counts [7]int

	for i, d := range days {
		residual := ys[i] - (level + trend*xs[i])
		w := int(d.day.Weekday())
		sums[w] += residual
		counts[w]++
	}

	var weekly [7]float64
	for w := range weekly {
		if counts[w] > 0 {
			weekly[w] = sums[w] / float64(counts[w])
		}
	}

	// Residual spread after trend and seasonality.
	var sq float64
	for i, d := range days {
		residual := ys[i] - (level + trend*xs[i] + weekly[int(d.day.Weekday())])
		sq += residual * residual
	}
	residualStd := math.Sqrt(sq / float64(len(days)))

	return &SeasonalParams{
		Level:       level,
		Trend:       trend,
		Weekly:      weekly,
		Origin:      origin,
		ResidualStd: residualStd,
	}, nil
}

// daysBetween counts whole days from a to b, negative when b precedes a.
func daysBetween(a, b time.Time) int {
	return int(b.UTC().Truncate(24*time.Hour).Sub(a.UTC().Truncate(24*time.Hour)) / (24 * time.Hour))
}
