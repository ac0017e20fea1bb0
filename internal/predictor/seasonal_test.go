package predictor

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/foresight-io/foresight/internal/model"
)

// dailyRecords builds two training records per day whose targets sum to
// total(day), exercising the daily aggregation in the seasonal fit.
func dailyRecords(start time.Time, days int, total func(day int, date time.Time) float64) []model.TrainingRecord {
	var records []model.TrainingRecord

	for d := 0; d < days; d++ {
		date := start.AddDate(0, 0, d)
		sum := total(d, date)

		for part, share := range []float64{0.4, 0.6} {
			records = append(records, model.TrainingRecord{
				ModelType:     model.ModelTypeDemandForecast,
				EntityKey:     fmt.Sprintf("sku-%d", part),
				Features:      map[string]float64{"quantity": sum * share},
				Target:        sum * share,
				SourceEventID: fmt.Sprintf("evt-%03d-%d", d, part),
				OccurredAt:    date,
			})
		}
	}

	return records
}

// ====== Unit Tests: fitSeasonal ======

func TestFitSeasonal_RecoversTrendAndWeeklyProfile(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	// Four full weeks: base 100, +2 per day, Saturdays spike by 30.
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	records := dailyRecords(start, 28, func(day int, date time.Time) float64 {
		total := 100 + 2*float64(day)
		if date.Weekday() == time.Saturday {
			total += 30
		}

		return total
	})

	params, err := fitSeasonal(records)
	require.NoError(t, err)

	require.InDelta(t, 2, params.Trend, 0.2)
	require.InDelta(t, 30, params.Weekly[time.Saturday]-params.Weekly[time.Sunday], 3)
	require.WithinDuration(t, start.Truncate(24*time.Hour), params.Origin, 0)
	require.Less(t, params.ResidualStd, 5.0)
}

func TestFitSeasonal_NeedsTwoWeeksOfDays(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	records := dailyRecords(start, 10, func(day int, _ time.Time) float64 {
		return 100 + float64(day)
	})

	_, err := fitSeasonal(records)
	require.ErrorIs(t, err, model.ErrDataQuality)
}

// ====== Unit Tests: seasonalPredictor ======

func seasonalArtifact(params SeasonalParams) *Artifact {
	return &Artifact{
		SchemaVersion: SchemaVersion,
		ModelType:     model.ModelTypeDemandForecast,
		Version:       "1.0.0",
		Kind:          KindSeasonal,
		Seasonal:      &params,
	}
}

func TestSeasonalPredictor_SeriesShape(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	origin := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) // a Thursday

	var weekly [7]float64
	weekly[time.Saturday] = 20

	p, err := seasonalArtifact(SeasonalParams{
		Level:       100,
		Trend:       2,
		Weekly:      weekly,
		Origin:      origin,
		ResidualStd: 5,
	}).Build()
	require.NoError(t, err)

	series, ok := p.(SeriesPredictor)
	require.True(t, ok)

	estimates, err := series.PredictSeries(origin, 7)
	require.NoError(t, err)
	require.Len(t, estimates, 7)

	for i, est := range estimates {
		require.WithinDuration(t, origin.AddDate(0, 0, i+1), est.At, 0)
		require.LessOrEqual(t, est.Lower, est.Value)
		require.LessOrEqual(t, est.Value, est.Upper)
		require.GreaterOrEqual(t, est.Lower, 0.0)

		if i > 0 {
			// Uncertainty widens with the forecast distance.
			require.Greater(t, estimates[i].Upper-estimates[i].Lower,
				estimates[i-1].Upper-estimates[i-1].Lower)
		}
	}

	// Friday, Saturday, Sunday after the origin.
	require.InDelta(t, 102, estimates[0].Value, 1e-9)
	require.InDelta(t, 124, estimates[1].Value, 1e-9)
	require.InDelta(t, 106, estimates[2].Value, 1e-9)
}

func TestSeasonalPredictor_ClampsNegativeDemand(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	origin := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	p, err := seasonalArtifact(SeasonalParams{
		Level:       10,
		Trend:       -5,
		Origin:      origin,
		ResidualStd: 10,
	}).Build()
	require.NoError(t, err)

	estimates, err := p.(SeriesPredictor).PredictSeries(origin, 5)
	require.NoError(t, err)

	for _, est := range estimates {
		require.GreaterOrEqual(t, est.Value, 0.0)
		require.GreaterOrEqual(t, est.Lower, 0.0)
		require.LessOrEqual(t, est.Lower, est.Value)
		require.LessOrEqual(t, est.Value, est.Upper)
	}

	// By day three the trend has pushed the point below zero.
	require.Zero(t, estimates[2].Value)
}

func TestSeasonalPredictor_RejectsBadHorizon(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	origin := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	p, err := seasonalArtifact(SeasonalParams{Level: 100, Origin: origin}).Build()
	require.NoError(t, err)

	for _, horizon := range []int{0, -1} {
		_, err := p.(*seasonalPredictor).PredictSeries(origin, horizon)
		require.ErrorIs(t, err, model.ErrValidation)
	}
}

func TestSeasonalPredictor_PredictIsOneStep(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	origin := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	p, err := seasonalArtifact(SeasonalParams{
		Level:  50,
		Trend:  1,
		Origin: origin,
	}).Build()
	require.NoError(t, err)

	est, err := p.Predict(nil)
	require.NoError(t, err)

	series, err := p.(*seasonalPredictor).PredictSeries(origin, 1)
	require.NoError(t, err)
	require.InDelta(t, series[0].Value, est.Value, 1e-9)
}
