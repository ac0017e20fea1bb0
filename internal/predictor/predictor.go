// Package predictor implements the trained predictors behind every model
// type: fitting them from training records, serializing them as artifacts,
// loading them back, and producing estimates with confidence intervals and
// per-feature contributions.
//
// Three predictor families cover the six model types:
//
//   - linear regression (print time, price optimization, bottleneck
//     detection) fitted by QR least squares
//   - logistic regression (churn prediction) fitted by gradient descent on
//     standardized features
//   - seasonal trend (demand forecast, material demand) with a weekly
//     seasonal profile, supporting multi-step series prediction
//
// Predictors are immutable once loaded; a loaded predictor can be shared
// across goroutines without locking.
package predictor

import (
	"fmt"
	"sort"
	"time"

	"github.com/foresight-io/foresight/internal/model"
)

type (
	// Estimate is a single prediction with its confidence interval and the
	// raw per-feature contribution mass used to build explanations.
	Estimate struct {
		// Value is the point prediction in the model type's unit.
		Value float64

		// Lower and Upper bound the confidence interval, Lower <= Value <=
		// Upper.
		Lower float64
		Upper float64

		// At is the time the estimate refers to. Zero for non-series
		// predictions.
		At time.Time

		// Contributions maps feature name to the signed, unnormalized push
		// the input applies to the prediction. The explain package ranks
		// factors by absolute mass and reads direction from the sign.
		Contributions map[string]float64
	}

	// FeatureStats is the population profile of one feature at training
	// time, used for trend classification and percentile phrases in
	// explanations.
	FeatureStats struct {
		Mean float64 `json:"mean"`
		Std  float64 `json:"std"`

		// P10 and P90 are empirical population quantiles. Both zero when
		// the profile carries no quantile information.
		P10 float64 `json:"p10,omitempty"`
		P90 float64 `json:"p90,omitempty"`
	}

	// Predictor produces estimates for one trained model version.
	Predictor interface {
		// Type returns the model type this predictor serves.
		Type() model.ModelType

		// Version returns the trained model version.
		Version() model.Version

		// Features returns the feature names the predictor expects, in
		// training order.
		Features() []string

		// Stats returns the training population profile per feature.
		Stats() map[string]FeatureStats

		// Predict computes an estimate for one feature vector. Missing
		// features fail with model.ErrValidation; the predictor never
		// fabricates inputs.
		Predict(features map[string]float64) (Estimate, error)
	}

	// SeriesPredictor is implemented by forecasting predictors that can
	// project a horizon of future values.
	SeriesPredictor interface {
		Predictor

		// PredictSeries returns one estimate per step for the given horizon,
		// starting the day after start.
		PredictSeries(start time.Time, horizon int) ([]Estimate, error)
	}
)

// confidenceZ is the z-score of the two-sided 95% interval reported with
// every estimate.
const confidenceZ = 1.96

// featureVector assembles the ordered vector the fitted coefficients expect,
// failing on missing features.
func featureVector(names []string, features map[string]float64) ([]float64, error) {
	vec := make([]float64, len(names))

	var missing []string

	for i, name := range names {
		v, ok := features[name]
		if !ok {
			missing = append(missing, name)

			continue
		}
		vec[i] = v
	}

	if len(missing) > 0 {
		sort.Strings(missing)

		return nil, fmt.Errorf("%w: missing features %v", model.ErrValidation, missing)
	}

	return vec, nil
}
