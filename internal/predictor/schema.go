package predictor

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/foresight-io/foresight/internal/model"
)

// SchemaVersion is the artifact schema this build writes and the only one it
// accepts. Bump it when the serialized form changes incompatibly.
const SchemaVersion = 1

// Predictor families stored in the artifact's kind field.
const (
	KindLinear   = "linear"
	KindLogistic = "logistic"
	KindSeasonal = "seasonal"
)

type (
	// Artifact is the serialized form of a trained predictor. It is what
	// the artifact store holds under the registry's ArtifactURI.
	Artifact struct {
		// SchemaVersion guards against decoding artifacts written by an
		// incompatible build.
		SchemaVersion int `json:"schemaVersion"`

		// ModelType is the prediction family.
		ModelType model.ModelType `json:"modelType"`

		// Version is the trained model version.
		Version string `json:"version"`

		// Kind selects the predictor family (linear, logistic, seasonal).
		Kind string `json:"kind"`

		// Features lists feature names in coefficient order.
		Features []string `json:"features,omitempty"`

		// Coefficients and Intercept parameterize linear and logistic
		// predictors.
		Coefficients []float64 `json:"coefficients,omitempty"`
		Intercept    float64   `json:"intercept,omitempty"`

		// ResidualStd is the holdout residual standard deviation, the basis
		// of confidence intervals.
		ResidualStd float64 `json:"residualStd,omitempty"`

		// FeatureStats profiles each feature's training population.
		FeatureStats map[string]FeatureStats `json:"featureStats,omitempty"`

		// Seasonal parameterizes seasonal predictors.
		Seasonal *SeasonalParams `json:"seasonal,omitempty"`

		// Threshold is the classification cutoff for logistic predictors.
		Threshold float64 `json:"threshold,omitempty"`

		// SampleStd is the holdout score standard deviation for logistic
		// predictors.
		SampleStd float64 `json:"sampleStd,omitempty"`

		// TrainedAt is when the fit completed.
		TrainedAt time.Time `json:"trainedAt"`
	}

	// SeasonalParams hold a level/trend/weekly-profile forecaster.
	SeasonalParams struct {
		// Level is the fitted series level at Origin.
		Level float64 `json:"level"`

		// Trend is the per-day slope.
		Trend float64 `json:"trend"`

		// Weekly holds one additive offset per weekday, indexed by
		// time.Weekday (Sunday = 0).
		Weekly [7]float64 `json:"weekly"`

		// Origin is the day the level is anchored to.
		Origin time.Time `json:"origin"`

		// ResidualStd is the in-sample residual standard deviation.
		ResidualStd float64 `json:"residualStd"`
	}
)

// EncodeArtifact writes the artifact as JSON.
func EncodeArtifact(w io.Writer, a *Artifact) error {
	if err := a.Validate(); err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	if err := enc.Encode(a); err != nil {
		return fmt.Errorf("encode artifact: %w", err)
	}

	return nil
}

// DecodeArtifact reads and validates an artifact.
func DecodeArtifact(r io.Reader) (*Artifact, error) {
	var a Artifact
	if err := json.NewDecoder(r).Decode(&a); err != nil {
		return nil, fmt.Errorf("%w: decode artifact: %v", model.ErrPredictorLoad, err)
	}

	if err := a.Validate(); err != nil {
		return nil, err
	}

	return &a, nil
}

// Validate checks structural consistency of the artifact.
func (a *Artifact) Validate() error {
	if a.SchemaVersion != SchemaVersion {
		return fmt.Errorf("%w: artifact schema version %d, this build reads %d",
			model.ErrPredictorLoad, a.SchemaVersion, SchemaVersion)
	}

	if !a.ModelType.IsValid() {
		return fmt.Errorf("%w: artifact has unknown model type %q", model.ErrPredictorLoad, a.ModelType)
	}

	if _, err := model.ParseVersion(a.Version); err != nil {
		return fmt.Errorf("%w: artifact version: %v", model.ErrPredictorLoad, err)
	}

	switch a.Kind {
	case KindLinear, KindLogistic:
		if len(a.Features) == 0 {
			return fmt.Errorf("%w: %s artifact has no features", model.ErrPredictorLoad, a.Kind)
		}

		if len(a.Coefficients) != len(a.Features) {
			return fmt.Errorf("%w: artifact has %d coefficients for %d features",
				model.ErrPredictorLoad, len(a.Coefficients), len(a.Features))
		}
	case KindSeasonal:
		if a.Seasonal == nil {
			return fmt.Errorf("%w: seasonal artifact missing parameters", model.ErrPredictorLoad)
		}

		if a.Seasonal.Origin.IsZero() {
			return fmt.Errorf("%w: seasonal artifact missing origin", model.ErrPredictorLoad)
		}
	default:
		return fmt.Errorf("%w: unknown predictor kind %q", model.ErrPredictorLoad, a.Kind)
	}

	return nil
}

// Build instantiates the predictor the artifact describes.
func (a *Artifact) Build() (Predictor, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}

	version := model.MustParseVersion(a.Version)

	switch a.Kind {
	case KindLinear:
		return newLinearPredictor(a, version), nil
	case KindLogistic:
		return newLogisticPredictor(a, version), nil
	case KindSeasonal:
		return newSeasonalPredictor(a, version), nil
	default:
		return nil, fmt.Errorf("%w: unknown predictor kind %q", model.ErrPredictorLoad, a.Kind)
	}
}
