package prediction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/foresight-io/foresight/internal/model"
	"github.com/foresight-io/foresight/internal/predictor"
)

// fakeMaterialReader serves inventory positions from a map.
type fakeMaterialReader struct {
	mu     sync.Mutex
	stocks map[string]MaterialStock
	err    error
}

func newFakeMaterialReader(stocks ...MaterialStock) *fakeMaterialReader {
	r := &fakeMaterialReader{stocks: make(map[string]MaterialStock)}
	for _, s := range stocks {
		r.stocks[s.MaterialSKU] = s
	}

	return r
}

func (r *fakeMaterialReader) Stock(_ context.Context, sku string) (MaterialStock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err != nil {
		return MaterialStock{}, r.err
	}

	s, ok := r.stocks[sku]
	if !ok {
		return MaterialStock{}, fmt.Errorf("material %s: %w", sku, model.ErrNotFound)
	}

	return s, nil
}

// materialArtifact projects a flat 10 units per day.
func materialArtifact(version string) *predictor.Artifact {
	return &predictor.Artifact{
		SchemaVersion: predictor.SchemaVersion,
		ModelType:     model.ModelTypeMaterialDemand,
		Version:       version,
		Kind:          predictor.KindSeasonal,
		Seasonal: &predictor.SeasonalParams{
			Level:       10,
			Origin:      time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC),
			ResidualStd: 1,
		},
		TrainedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

// ====== Unit Tests: Material Demand ======

func TestOrchestrator_MaterialDemandStockout(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	defer goleak.VerifyNone(t)

	reader := newFakeMaterialReader(MaterialStock{
		MaterialSKU:  "PLA-BLK-175",
		OnHand:       45,
		LeadTimeDays: 3,
		Unit:         "kg",
	})

	h := newHarness(t, WithMaterialReader(reader))
	defer h.close()

	seedActive(t, h, materialArtifact("1.0.0"))

	resp, err := h.orchestrator.ForecastMaterialDemand(context.Background(), MaterialDemandRequest{
		MaterialSKU: "PLA-BLK-175",
		HorizonDays: 7,
	})
	require.NoError(t, err)

	require.Equal(t, "PLA-BLK-175", resp.MaterialSKU)
	require.Equal(t, "kg", resp.Unit)
	require.Len(t, resp.Steps, 7)
	require.InDelta(t, 70, resp.PredictedValue, 1e-9)

	for _, step := range resp.Steps {
		require.InDelta(t, 10, step.Value, 1e-9)
	}

	// 45 kg on hand at 10 kg per day runs out on day five, past the
	// three day lead time.
	baseline := time.Now().UTC().Truncate(24 * time.Hour)

	require.NotNil(t, resp.Stockout)
	require.Equal(t, baseline.AddDate(0, 0, 5), resp.Stockout.ExpectedAt)
	require.InDelta(t, 45, resp.Stockout.OnHand, 1e-9)
	require.Equal(t, 3, resp.Stockout.LeadTimeDays)
	require.False(t, resp.Stockout.WithinLeadTime)

	require.NotNil(t, resp.Reorder)
	require.InDelta(t, 30, resp.Reorder.Quantity, 1e-9)
	require.Equal(t, baseline.AddDate(0, 0, 2), resp.Reorder.OrderBy)
}

func TestOrchestrator_MaterialDemandStockoutWithinLeadTime(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	defer goleak.VerifyNone(t)

	reader := newFakeMaterialReader(MaterialStock{
		MaterialSKU:  "PETG-CLR-285",
		OnHand:       15,
		LeadTimeDays: 10,
		Unit:         "kg",
	})

	h := newHarness(t, WithMaterialReader(reader))
	defer h.close()

	seedActive(t, h, materialArtifact("1.0.0"))

	resp, err := h.orchestrator.ForecastMaterialDemand(context.Background(), MaterialDemandRequest{
		MaterialSKU: "PETG-CLR-285",
		HorizonDays: 7,
	})
	require.NoError(t, err)

	require.NotNil(t, resp.Stockout)
	require.True(t, resp.Stockout.WithinLeadTime)

	// The ideal order date is already past; order today.
	today := time.Now().UTC().Truncate(24 * time.Hour)
	require.NotNil(t, resp.Reorder)
	require.Equal(t, today, resp.Reorder.OrderBy)
}

func TestOrchestrator_MaterialDemandNoStockout(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	defer goleak.VerifyNone(t)

	reader := newFakeMaterialReader(MaterialStock{
		MaterialSKU:  "PLA-BLK-175",
		OnHand:       1000,
		LeadTimeDays: 3,
		Unit:         "kg",
	})

	h := newHarness(t, WithMaterialReader(reader))
	defer h.close()

	seedActive(t, h, materialArtifact("1.0.0"))

	resp, err := h.orchestrator.ForecastMaterialDemand(context.Background(), MaterialDemandRequest{
		MaterialSKU: "PLA-BLK-175",
		HorizonDays: 30,
	})
	require.NoError(t, err)

	require.Nil(t, resp.Stockout)
	require.Nil(t, resp.Reorder)
}

func TestOrchestrator_MaterialDemandWithoutReader(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	defer goleak.VerifyNone(t)

	h := newHarness(t)
	defer h.close()

	seedActive(t, h, materialArtifact("1.0.0"))

	resp, err := h.orchestrator.ForecastMaterialDemand(context.Background(), MaterialDemandRequest{
		MaterialSKU: "PLA-BLK-175",
		HorizonDays: 7,
	})
	require.NoError(t, err)

	require.Equal(t, "units", resp.Unit)
	require.Nil(t, resp.Stockout)
	require.Nil(t, resp.Reorder)
}

func TestOrchestrator_MaterialDemandUnknownSKU(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	defer goleak.VerifyNone(t)

	h := newHarness(t, WithMaterialReader(newFakeMaterialReader()))
	defer h.close()

	seedActive(t, h, materialArtifact("1.0.0"))

	_, err := h.orchestrator.ForecastMaterialDemand(context.Background(), MaterialDemandRequest{
		MaterialSKU: "UNKNOWN",
		HorizonDays: 7,
	})
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestOrchestrator_MaterialDemandInventoryOutage(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	defer goleak.VerifyNone(t)

	reader := newFakeMaterialReader()
	reader.err = errors.New("inventory service unavailable")

	h := newHarness(t, WithMaterialReader(reader))
	defer h.close()

	seedActive(t, h, materialArtifact("1.0.0"))

	// The forecast survives the outage without stockout analysis.
	resp, err := h.orchestrator.ForecastMaterialDemand(context.Background(), MaterialDemandRequest{
		MaterialSKU: "PLA-BLK-175",
		HorizonDays: 7,
	})
	require.NoError(t, err)
	require.InDelta(t, 70, resp.PredictedValue, 1e-9)
	require.Nil(t, resp.Stockout)
}

func TestMaterialDemandRequest_Validate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	require.NoError(t, (&MaterialDemandRequest{MaterialSKU: "PLA", HorizonDays: 90}).Validate())
	require.ErrorIs(t, (&MaterialDemandRequest{HorizonDays: 7}).Validate(), model.ErrValidation)
	require.ErrorIs(t, (&MaterialDemandRequest{MaterialSKU: "PLA"}).Validate(), model.ErrValidation)
	require.ErrorIs(t, (&MaterialDemandRequest{MaterialSKU: "PLA", HorizonDays: 91}).Validate(), model.ErrValidation)
}
