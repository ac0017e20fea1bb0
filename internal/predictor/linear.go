package predictor

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/foresight-io/foresight/internal/model"
)

// linearPredictor serves regression model types from fitted coefficients.
type linearPredictor struct {
	modelType model.ModelType
	version   model.Version

	features     []string
	coefficients []float64
	intercept    float64
	residualStd  float64
	stats        map[string]FeatureStats
}

func newLinearPredictor(a *Artifact, version model.Version) *linearPredictor {
	return &linearPredictor{
		modelType:    a.ModelType,
		version:      version,
		features:     a.Features,
		coefficients: a.Coefficients,
		intercept:    a.Intercept,
		residualStd:  a.ResidualStd,
		stats:        a.FeatureStats,
	}
}

func (p *linearPredictor) Type() model.ModelType { return p.modelType }

func (p *linearPredictor) Version() model.Version { return p.version }

func (p *linearPredictor) Features() []string { return p.features }

func (p *linearPredictor) Stats() map[string]FeatureStats { return p.stats }

// Predict computes intercept + coefficients . x with a 95% interval from the
// holdout residual spread.
func (p *linearPredictor) Predict(features map[string]float64) (Estimate, error) {
	vec, err := featureVector(p.features, features)
	if err != nil {
		return Estimate{}, err
	}

	value := p.intercept
	contributions := make(map[string]float64, len(p.features))

	for i, name := range p.features {
		term := p.coefficients[i] * vec[i]
		value += term

		// Contribution is the deviation-weighted term: how far this feature
		// pushes the prediction away from the population baseline, signed.
		baseline := p.stats[name].Mean
		contributions[name] = p.coefficients[i] * (vec[i] - baseline)
	}

	if math.IsNaN(value) || math.IsInf(value, 0) {
		return Estimate{}, fmt.Errorf("%w: non-finite prediction", model.ErrInference)
	}

	margin := confidenceZ * p.residualStd

	return Estimate{
		Value:         value,
		Lower:         value - margin,
		Upper:         value + margin,
		Contributions: contributions,
	}, nil
}

// fitLinear solves the least squares problem over the design matrix by QR
// factorization and returns coefficients, intercept, and feature stats.
//
// A rank-deficient design (constant feature columns, too few rows) fails
// with model.ErrDataQuality rather than producing unstable coefficients.
func fitLinear(features [][]float64, targets []float64, names []string) ([]float64, float64, map[string]FeatureStats, error) {
	n := len(features)
	p := len(names)

	if n <= p+1 {
		return nil, 0, nil, fmt.Errorf("%w: %d samples cannot fit %d coefficients",
			model.ErrDataQuality, n, p+1)
	}

	// Design matrix with a leading bias column.
	x := mat.NewDense(n, p+1, nil)
	y := mat.NewVecDense(n, nil)

	for i, row := range features {
		x.Set(i, 0, 1)
		for j, v := range row {
			x.Set(i, j+1, v)
		}
		y.SetVec(i, targets[i])
	}

	var qr mat.QR
	qr.Factorize(x)

	beta := mat.NewVecDense(p+1, nil)
	if err := qr.SolveVecTo(beta, false, y); err != nil {
		return nil, 0, nil, fmt.Errorf("%w: design matrix is rank deficient: %v", model.ErrDataQuality, err)
	}

	intercept := beta.AtVec(0)
	coefficients := make([]float64, p)
	for j := 0; j < p; j++ {
		coefficients[j] = beta.AtVec(j + 1)
	}

	for _, c := range coefficients {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return nil, 0, nil, fmt.Errorf("%w: fit produced non-finite coefficients", model.ErrDataQuality)
		}
	}

	return coefficients, intercept, columnStats(features, names), nil
}

// columnStats profiles each feature column: mean, standard deviation, and
// the empirical 10th/90th percentiles the explainer phrases against.
func columnStats(features [][]float64, names []string) map[string]FeatureStats {
	stats := make(map[string]FeatureStats, len(names))
	n := len(features)

	if n == 0 {
		return stats
	}

	column := make([]float64, n)

	for j, name := range names {
		for i, row := range features {
			column[i] = row[j]
		}

		mean, std := stat.MeanStdDev(column, nil)
		if n == 1 || math.IsNaN(std) {
			std = 0
		}

		sorted := make([]float64, n)
		copy(sorted, column)
		sort.Float64s(sorted)

		stats[name] = FeatureStats{
			Mean: mean,
			Std:  std,
			P10:  stat.Quantile(0.1, stat.Empirical, sorted, nil),
			P90:  stat.Quantile(0.9, stat.Empirical, sorted, nil),
		}
	}

	return stats
}

// predictLinearRow applies fitted parameters to one raw feature row.
func predictLinearRow(coefficients []float64, intercept float64, row []float64) float64 {
	v := intercept
	for j, c := range coefficients {
		v += c * row[j]
	}

	return v
}
