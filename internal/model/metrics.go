package model

import (
	"fmt"
	"math"
)

type (
	// MetricName identifies a single evaluation metric.
	MetricName string

	// MetricDirection states which way a metric improves.
	MetricDirection int

	// MetricKind tags a metric bundle with the family of metrics it carries,
	// so persisted bundles remain interpretable when new metrics are added.
	MetricKind string

	// Metrics is a tagged per-type metric bundle recorded at holdout evaluation.
	// Values is keyed by metric name; metrics that do not apply to the kind are
	// simply absent.
	Metrics struct {
		// Kind tags the bundle (regression, forecast, classification).
		Kind MetricKind

		// Values maps metric name to its holdout value.
		Values map[MetricName]float64

		// SampleCount is the holdout sample size the bundle was computed on.
		SampleCount int
	}

	// Trend classifies how a contributing feature moves versus its trailing
	// population window.
	Trend string

	// FeatureContribution is one entry of a prediction explanation, produced
	// in descending weight order.
	FeatureContribution struct {
		// Name is the feature name as seen by the predictor.
		Name string

		// Weight is the normalized contribution in [0,1]; the top-k weights
		// sum to at most 1.
		Weight float64

		// Trend compares the current feature value to the stored population
		// window using ±1σ bands. Empty when no population stats exist.
		Trend Trend
	}
)

const (
	// MetricR2 is the coefficient of determination (higher is better).
	MetricR2 MetricName = "r2"

	// MetricMAE is mean absolute error (lower is better).
	MetricMAE MetricName = "mae"

	// MetricRMSE is root mean squared error (lower is better).
	MetricRMSE MetricName = "rmse"

	// MetricMAPE is mean absolute percentage error (lower is better).
	MetricMAPE MetricName = "mape"

	// MetricPrecision is classification precision (higher is better).
	MetricPrecision MetricName = "precision"

	// MetricRecall is classification recall (higher is better).
	MetricRecall MetricName = "recall"

	// MetricF1 is the harmonic mean of precision and recall (higher is better).
	MetricF1 MetricName = "f1"

	// MetricAUC is area under the ROC curve (higher is better).
	MetricAUC MetricName = "auc"
)

const (
	// HigherIsBetter marks metrics where larger values indicate a better model.
	HigherIsBetter MetricDirection = iota

	// LowerIsBetter marks error metrics where smaller values are better.
	LowerIsBetter
)

const (
	// MetricKindRegression covers r2/mae/rmse bundles.
	MetricKindRegression MetricKind = "regression"

	// MetricKindForecast covers mape/mae/rmse bundles.
	MetricKindForecast MetricKind = "forecast"

	// MetricKindClassification covers precision/recall/f1/auc bundles.
	MetricKindClassification MetricKind = "classification"
)

const (
	// TrendImproving means the feature moved more than 1σ in the favorable direction.
	TrendImproving Trend = "Improving"

	// TrendStable means the feature stayed within ±1σ of the window mean.
	TrendStable Trend = "Stable"

	// TrendWorsening means the feature moved more than 1σ in the unfavorable direction.
	TrendWorsening Trend = "Worsening"
)

// Direction returns which way the metric improves.
func (n MetricName) Direction() MetricDirection {
	switch n {
	case MetricMAE, MetricRMSE, MetricMAPE:
		return LowerIsBetter
	default:
		return HigherIsBetter
	}
}

// PrimaryMetric returns the metric the quality gate and drift monitor compare
// for the given model type.
//
// Adding a model type without extending this mapping is a defect; the mapping
// is covered by an exhaustive test.
func PrimaryMetric(t ModelType) MetricName {
	switch t {
	case ModelTypePrintTime, ModelTypePriceOptimization, ModelTypeBottleneckDetection:
		return MetricR2
	case ModelTypeDemandForecast, ModelTypeMaterialDemand:
		return MetricMAPE
	case ModelTypeChurnPrediction:
		return MetricPrecision
	default:
		return ""
	}
}

// MetricKindFor returns the bundle kind recorded for the given model type.
func MetricKindFor(t ModelType) MetricKind {
	switch t {
	case ModelTypeDemandForecast, ModelTypeMaterialDemand:
		return MetricKindForecast
	case ModelTypeChurnPrediction:
		return MetricKindClassification
	default:
		return MetricKindRegression
	}
}

// NewMetrics returns an empty bundle of the kind appropriate for the model type.
func NewMetrics(t ModelType) Metrics {
	return Metrics{
		Kind:   MetricKindFor(t),
		Values: make(map[MetricName]float64),
	}
}

// Value returns the named metric and whether it is present in the bundle.
func (m Metrics) Value(name MetricName) (float64, bool) {
	v, ok := m.Values[name]

	return v, ok
}

// Primary returns the bundle's value for the type's primary metric.
func (m Metrics) Primary(t ModelType) (float64, error) {
	name := PrimaryMetric(t)
	if name == "" {
		return 0, fmt.Errorf("%w: no primary metric for model type %q", ErrValidation, t)
	}

	v, ok := m.Values[name]
	if !ok {
		return 0, fmt.Errorf("%w: metric %q missing from bundle", ErrValidation, name)
	}

	return v, nil
}

// IsEmpty returns true if the bundle carries no values.
func (m Metrics) IsEmpty() bool {
	return len(m.Values) == 0
}

// ImprovementPercent computes the relative improvement of candidate over
// current on the given metric, signed so that positive always means better:
//
//   - higher-better metrics: (candidate − current) / current × 100
//   - lower-better metrics:  (current − candidate) / current × 100
//
// Returns an error when current is zero or either value is not finite, since
// a relative comparison is undefined there.
func ImprovementPercent(name MetricName, candidate, current float64) (float64, error) {
	if current == 0 {
		return 0, fmt.Errorf("%w: current %s is zero, relative improvement undefined", ErrValidation, name)
	}

	if math.IsNaN(candidate) || math.IsInf(candidate, 0) || math.IsNaN(current) || math.IsInf(current, 0) {
		return 0, fmt.Errorf("%w: non-finite %s value", ErrValidation, name)
	}

	var improvement float64
	if name.Direction() == HigherIsBetter {
		improvement = (candidate - current) / math.Abs(current) * 100
	} else {
		improvement = (current - candidate) / math.Abs(current) * 100
	}

	return improvement, nil
}

// Validate checks trend and weight bounds on a contribution.
func (fc *FeatureContribution) Validate() error {
	if fc.Name == "" {
		return fmt.Errorf("%w: contribution name cannot be empty", ErrValidation)
	}

	if fc.Weight < 0 || fc.Weight > 1 {
		return fmt.Errorf("%w: contribution weight %f outside [0,1]", ErrValidation, fc.Weight)
	}

	switch fc.Trend {
	case TrendImproving, TrendStable, TrendWorsening, "":
		return nil
	default:
		return fmt.Errorf("%w: unknown trend %q", ErrValidation, fc.Trend)
	}
}
