package predictor

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/foresight-io/foresight/internal/model"
)

// ====== Unit Tests: Artifact Encoding ======

func TestArtifact_EncodeDecodeBuild(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	records := printTimeRecords(100)
	result, err := Train(model.ModelTypePrintTime, []string{"layer_height", "volume"},
		records, model.MustParseVersion("1.2.0"), time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, EncodeArtifact(&buf, result.Artifact))

	decoded, err := DecodeArtifact(&buf)
	require.NoError(t, err)
	require.Equal(t, result.Artifact.Features, decoded.Features)
	require.Equal(t, result.Artifact.Version, decoded.Version)

	rebuilt, err := decoded.Build()
	require.NoError(t, err)

	features := map[string]float64{"layer_height": 4, "volume": 1}

	want, err := result.Predictor.Predict(features)
	require.NoError(t, err)

	got, err := rebuilt.Predict(features)
	require.NoError(t, err)

	require.InDelta(t, want.Value, got.Value, 1e-9)
	require.InDelta(t, want.Lower, got.Lower, 1e-9)
	require.InDelta(t, want.Upper, got.Upper, 1e-9)
}

func TestArtifact_ValidateRejectsCorruptForms(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	valid := func() *Artifact {
		return &Artifact{
			SchemaVersion: SchemaVersion,
			ModelType:     model.ModelTypePrintTime,
			Version:       "1.0.0",
			Kind:          KindLinear,
			Features:      []string{"layer_height"},
			Coefficients:  []float64{2},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Artifact)
	}{
		{
			name:   "wrong schema version",
			mutate: func(a *Artifact) { a.SchemaVersion = SchemaVersion + 1 },
		},
		{
			name:   "unknown model type",
			mutate: func(a *Artifact) { a.ModelType = "Numerology" },
		},
		{
			name:   "unparseable version",
			mutate: func(a *Artifact) { a.Version = "latest" },
		},
		{
			name:   "unknown kind",
			mutate: func(a *Artifact) { a.Kind = "quantum" },
		},
		{
			name:   "coefficient count mismatch",
			mutate: func(a *Artifact) { a.Coefficients = []float64{1, 2} },
		},
		{
			name:   "linear without features",
			mutate: func(a *Artifact) { a.Features = nil; a.Coefficients = nil },
		},
		{
			name: "seasonal without parameters",
			mutate: func(a *Artifact) {
				a.Kind = KindSeasonal
				a.Features = nil
				a.Coefficients = nil
			},
		},
		{
			name: "seasonal without origin",
			mutate: func(a *Artifact) {
				a.Kind = KindSeasonal
				a.Features = nil
				a.Coefficients = nil
				a.Seasonal = &SeasonalParams{Level: 10}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := valid()
			require.NoError(t, a.Validate())

			tt.mutate(a)
			require.ErrorIs(t, a.Validate(), model.ErrPredictorLoad)
		})
	}
}

func TestDecodeArtifact_RejectsMalformedJSON(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	_, err := DecodeArtifact(bytes.NewReader([]byte("{not json")))
	require.ErrorIs(t, err, model.ErrPredictorLoad)
}
