package prediction

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/foresight-io/foresight/internal/fallback"
	"github.com/foresight-io/foresight/internal/model"
	"github.com/foresight-io/foresight/internal/predictor"
)

// priceArtifact fits price = 50 + 3*cost + 20*complexity with a 49 margin.
func priceArtifact(version string) *predictor.Artifact {
	return &predictor.Artifact{
		SchemaVersion: predictor.SchemaVersion,
		ModelType:     model.ModelTypePriceOptimization,
		Version:       version,
		Kind:          predictor.KindLinear,
		Features:      []string{"material_cost", "complexity_score"},
		Coefficients:  []float64{3, 20},
		Intercept:     50,
		ResidualStd:   25,
		FeatureStats: map[string]predictor.FeatureStats{
			"material_cost":    {Mean: 35, Std: 15, P10: 12, P90: 60},
			"complexity_score": {Mean: 5, Std: 2, P10: 2, P90: 8},
		},
		TrainedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func quoteRequest() PriceRequest {
	return PriceRequest{
		MaterialCost:     40,
		ComplexityScore:  5,
		CustomerID:       "cust-1",
		CompetitorPrices: []float64{250, 280, 310},
	}
}

// ====== Unit Tests: Price Recommendation ======

func TestOrchestrator_RecommendPrice(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	defer goleak.VerifyNone(t)

	h := newHarness(t)
	defer h.close()

	seedActive(t, h, priceArtifact("1.0.0"))

	resp, err := h.orchestrator.RecommendPrice(context.Background(), quoteRequest())
	require.NoError(t, err)

	require.InDelta(t, 270, resp.OptimalPrice, 1e-9)
	require.Equal(t, "EUR", resp.Unit)
	require.InDelta(t, 221, resp.PriceRange.Lower, 1e-9)
	require.InDelta(t, 319, resp.PriceRange.Upper, 1e-9)
	require.Equal(t, model.CacheMiss, resp.CacheStatus)

	require.Len(t, resp.WinCurve, len(winCurveMultipliers))

	// Quoting the optimal price is even odds; raising the quote lowers
	// the win probability monotonically.
	require.InDelta(t, 270, resp.WinCurve[3].Price, 1e-9)
	require.InDelta(t, 0.5, resp.WinCurve[3].WinProbability, 1e-9)

	for i := 1; i < len(resp.WinCurve); i++ {
		require.Greater(t, resp.WinCurve[i].Price, resp.WinCurve[i-1].Price)
		require.Less(t, resp.WinCurve[i].WinProbability, resp.WinCurve[i-1].WinProbability)
	}

	require.InDelta(t, -270.0/98.0, resp.Elasticity, 1e-3)
}

func TestOrchestrator_RecommendPriceDegraded(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	defer goleak.VerifyNone(t)

	responder := fallback.NewResponder(&fallback.Config{Rules: map[string]fallback.Rule{
		"PriceOptimization": {
			Base: 100,
			Per:  map[string]float64{"material_cost": 2},
			Unit: "EUR",
		},
	}})

	h := newHarness(t, WithFallback(responder))
	defer h.close()

	resp, err := h.orchestrator.RecommendPrice(context.Background(), quoteRequest())
	require.NoError(t, err)

	require.True(t, resp.Degraded)
	require.InDelta(t, 180, resp.OptimalPrice, 1e-9)
	require.Empty(t, resp.WinCurve)
	require.InDelta(t, resp.PriceRange.Lower, resp.PriceRange.Upper, 1e-9)
}

func TestPriceRequest_Validate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	require.NoError(t, (&PriceRequest{MaterialCost: 40, ComplexityScore: 5, CustomerID: "c"}).Validate())

	tests := []struct {
		name string
		req  PriceRequest
	}{
		{"non-positive cost", PriceRequest{ComplexityScore: 5, CustomerID: "c"}},
		{"complexity out of range", PriceRequest{MaterialCost: 40, ComplexityScore: 11, CustomerID: "c"}},
		{"missing customer", PriceRequest{MaterialCost: 40, ComplexityScore: 5}},
		{"negative benchmark", PriceRequest{MaterialCost: 40, ComplexityScore: 5, CustomerID: "c", CompetitorPrices: []float64{-1}}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.ErrorIs(t, tc.req.Validate(), model.ErrValidation)
		})
	}
}

func TestPriceRequest_CompetitorFeatures(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	req := quoteRequest()
	features := req.features()

	require.InDelta(t, 280, features["competitor_median"], 1e-9)
	require.InDelta(t, 250, features["competitor_min"], 1e-9)
	require.InDelta(t, 3, features["competitor_count"], 1e-9)

	bare := PriceRequest{MaterialCost: 40, ComplexityScore: 5, CustomerID: "c"}
	require.NotContains(t, bare.features(), "competitor_median")
}
