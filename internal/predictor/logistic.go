package predictor

import (
	"fmt"
	"math"

	"github.com/foresight-io/foresight/internal/model"
)

// Gradient descent settings for the logistic fit. Fixed iteration count and
// learning rate keep training deterministic.
const (
	logisticIterations = 500
	logisticLearnRate  = 0.1
	logisticL2         = 1e-4

	// DefaultChurnThreshold is the score above which a customer counts as
	// churn-risk for precision/recall evaluation.
	DefaultChurnThreshold = 0.5
)

// logisticPredictor serves classification model types as probability scores.
type logisticPredictor struct {
	modelType model.ModelType
	version   model.Version

	features     []string
	coefficients []float64
	intercept    float64
	threshold    float64
	sampleStd    float64
	stats        map[string]FeatureStats
}

func newLogisticPredictor(a *Artifact, version model.Version) *logisticPredictor {
	threshold := a.Threshold
	if threshold <= 0 || threshold >= 1 {
		threshold = DefaultChurnThreshold
	}

	return &logisticPredictor{
		modelType:    a.ModelType,
		version:      version,
		features:     a.Features,
		coefficients: a.Coefficients,
		intercept:    a.Intercept,
		threshold:    threshold,
		sampleStd:    a.SampleStd,
		stats:        a.FeatureStats,
	}
}

func (p *logisticPredictor) Type() model.ModelType { return p.modelType }

func (p *logisticPredictor) Version() model.Version { return p.version }

func (p *logisticPredictor) Features() []string { return p.features }

func (p *logisticPredictor) Stats() map[string]FeatureStats { return p.stats }

// Threshold returns the classification cutoff.
func (p *logisticPredictor) Threshold() float64 { return p.threshold }

// Predict returns the probability score in [0,1] with an interval clamped to
// the same range. Features are standardized with the training stats before
// the logit is applied.
func (p *logisticPredictor) Predict(features map[string]float64) (Estimate, error) {
	vec, err := featureVector(p.features, features)
	if err != nil {
		return Estimate{}, err
	}

	logit := p.intercept
	contributions := make(map[string]float64, len(p.features))

	for i, name := range p.features {
		z := standardize(vec[i], p.stats[name])
		logit += p.coefficients[i] * z
		contributions[name] = p.coefficients[i] * z
	}

	score := sigmoid(logit)
	if math.IsNaN(score) {
		return Estimate{}, fmt.Errorf("%w: non-finite score", model.ErrInference)
	}

	margin := confidenceZ * p.sampleStd

	return Estimate{
		Value:         score,
		Lower:         clamp01(score - margin),
		Upper:         clamp01(score + margin),
		Contributions: contributions,
	}, nil
}

// fitLogistic fits coefficients by batch gradient descent on standardized
// features. Targets must be 0 or 1.
func fitLogistic(features [][]float64, targets []float64, names []string) ([]float64, float64, map[string]FeatureStats, error) {
	n := len(features)
	p := len(names)

	if n <= p+1 {
		return nil, 0, nil, fmt.Errorf("%w: %d samples cannot fit %d coefficients",
			model.ErrDataQuality, n, p+1)
	}

	positives := 0

	for _, t := range targets {
		if t != 0 && t != 1 {
			return nil, 0, nil, fmt.Errorf("%w: classification target %v is not 0 or 1", model.ErrDataQuality, t)
		}
		if t == 1 {
			positives++
		}
	}

	if positives == 0 || positives == n {
		return nil, 0, nil, fmt.Errorf("%w: training data has a single class", model.ErrDataQuality)
	}

	stats := columnStats(features, names)

	// Standardize once up front.
	z := make([][]float64, n)
	for i, row := range features {
		zr := make([]float64, p)
		for j, name := range names {
			zr[j] = standardize(row[j], stats[name])
		}
		z[i] = zr
	}

	coefficients := make([]float64, p)
	intercept := 0.0
	scale := logisticLearnRate / float64(n)

	for iter := 0; iter < logisticIterations; iter++ {
		gradIntercept := 0.0
		grad := make([]float64, p)

		for i, row := range z {
			err := sigmoid(interceptDot(intercept, coefficients, row)) - targets[i]
			gradIntercept += err
			for j, v := range row {
				grad[j] += err * v
			}
		}

		intercept -= scale * gradIntercept
		for j := range coefficients {
			coefficients[j] -= scale * (grad[j] + logisticL2*coefficients[j])
		}
	}

	return coefficients, intercept, stats, nil
}

// predictLogisticRow scores one standardized-on-the-fly feature row.
func predictLogisticRow(coefficients []float64, intercept float64, row []float64, names []string, stats map[string]FeatureStats) float64 {
	logit := intercept
	for j, name := range names {
		logit += coefficients[j] * standardize(row[j], stats[name])
	}

	return sigmoid(logit)
}

func interceptDot(intercept float64, coefficients, row []float64) float64 {
	v := intercept
	for j, c := range coefficients {
		v += c * row[j]
	}

	return v
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func standardize(v float64, s FeatureStats) float64 {
	if s.Std <= 0 {
		return v - s.Mean
	}

	return (v - s.Mean) / s.Std
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}
