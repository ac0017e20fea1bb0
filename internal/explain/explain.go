// Package explain turns the raw contribution pushes attached to a prediction
// into ranked, normalized factors with trend classification and a
// human-readable phrase.
//
// Every statistic in a phrase comes from the feature profile stored with the
// trained model. When no profile exists for a factor the phrase degrades to
// its contribution share; nothing is ever fabricated.
package explain

import (
	"fmt"
	"math"
	"sort"

	"github.com/foresight-io/foresight/internal/model"
	"github.com/foresight-io/foresight/internal/predictor"
)

const (
	// MinTopK and MaxTopK bound how many factors an explanation carries.
	MinTopK = 3
	MaxTopK = 5

	// DefaultTopK is the factor count used unless configured otherwise.
	DefaultTopK = 3

	// nearAverageSigma bounds the "near the training average" phrase band
	// in standard deviations around the mean.
	nearAverageSigma = 0.25
)

type (
	// Factor is one ranked explanation entry.
	Factor struct {
		model.FeatureContribution

		// Value is the input value the factor was computed from. Zero for
		// synthetic factors such as a forecast's trend component.
		Value float64

		// Phrase describes the factor against the training population.
		Phrase string
	}

	// Explanation is the ordered factor list for one prediction.
	Explanation struct {
		// Factors is sorted by descending weight. Weights are normalized
		// into [0,1] and sum to at most 1 across the full contribution set.
		Factors []Factor

		// Summary names the dominant factor.
		Summary string
	}

	// Explainer ranks contribution mass into explanations.
	Explainer struct {
		topK int
	}

	// Option configures an Explainer.
	Option func(*Explainer)
)

// WithTopK sets how many factors to report, clamped into [MinTopK, MaxTopK].
func WithTopK(k int) Option {
	return func(e *Explainer) {
		if k < MinTopK {
			k = MinTopK
		}

		if k > MaxTopK {
			k = MaxTopK
		}

		e.topK = k
	}
}

// New creates an Explainer.
func New(opts ...Option) *Explainer {
	e := &Explainer{topK: DefaultTopK}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Explain ranks the estimate's contributions and renders one factor per
// feature, strongest first. An estimate without contribution mass yields an
// empty explanation.
func (e *Explainer) Explain(t model.ModelType, est predictor.Estimate, inputs map[string]float64, stats map[string]predictor.FeatureStats) Explanation {
	total := 0.0
	for _, push := range est.Contributions {
		total += math.Abs(push)
	}

	if total == 0 {
		return Explanation{}
	}

	names := make([]string, 0, len(est.Contributions))
	for name := range est.Contributions {
		names = append(names, name)
	}

	// Strongest first; ties break on name so output is deterministic.
	sort.Slice(names, func(i, j int) bool {
		mi := math.Abs(est.Contributions[names[i]])
		mj := math.Abs(est.Contributions[names[j]])

		if mi != mj {
			return mi > mj
		}

		return names[i] < names[j]
	})

	if len(names) > e.topK {
		names = names[:e.topK]
	}

	factors := make([]Factor, 0, len(names))

	for _, name := range names {
		push := est.Contributions[name]
		value, hasValue := inputs[name]
		featureStats, hasStats := stats[name]

		weight := math.Abs(push) / total

		factor := Factor{
			FeatureContribution: model.FeatureContribution{
				Name:   name,
				Weight: weight,
				Trend:  classifyTrend(t, push, value, featureStats, hasValue && hasStats),
			},
			Phrase: phrase(name, value, weight, featureStats, hasValue && hasStats),
		}

		if hasValue {
			factor.Value = value
		}

		factors = append(factors, factor)
	}

	return Explanation{
		Factors: factors,
		Summary: fmt.Sprintf("%s is the strongest of %d contributing factors", factors[0].Name, len(factors)),
	}
}

// classifyTrend compares the input value to the training population's ±1σ
// band. Beyond the band, the label follows the direction the factor pushes
// the prediction: pushing toward the adverse outcome for the model type is
// Worsening, away from it Improving.
func classifyTrend(t model.ModelType, push, value float64, s predictor.FeatureStats, known bool) model.Trend {
	if !known || s.Std <= 0 {
		return ""
	}

	if math.Abs(value-s.Mean) <= s.Std {
		return model.TrendStable
	}

	if push == 0 {
		return model.TrendStable
	}

	if (push > 0) == higherIsAdverse(t) {
		return model.TrendWorsening
	}

	return model.TrendImproving
}

// higherIsAdverse reports whether a larger prediction is the unfavorable
// direction for the model type: longer prints, churn risk, workstation
// waits, and material consumption ahead of stock all read as adverse.
func higherIsAdverse(t model.ModelType) bool {
	switch t {
	case model.ModelTypePrintTime, model.ModelTypeChurnPrediction,
		model.ModelTypeBottleneckDetection, model.ModelTypeMaterialDemand:
		return true
	default:
		return false
	}
}

// phrase renders the factor against the stored population profile, falling
// back to its contribution share when no profile exists.
func phrase(name string, value, weight float64, s predictor.FeatureStats, known bool) string {
	if known {
		if band := percentileBand(value, s); band != "" {
			return fmt.Sprintf("%s is %s", name, band)
		}
	}

	return fmt.Sprintf("%s contributed %.0f%% of the estimate", name, weight*100)
}

// percentileBand places the value against the stored quantiles, then the σ
// band around the mean. Empty when the profile has no spread to compare to.
func percentileBand(value float64, s predictor.FeatureStats) string {
	hasQuantiles := s.P90 > s.P10

	switch {
	case hasQuantiles && value >= s.P90:
		return "in the top 10% of the training population"
	case hasQuantiles && value <= s.P10:
		return "in the bottom 10% of the training population"
	case s.Std > 0 && value > s.Mean+nearAverageSigma*s.Std:
		return "above the training average"
	case s.Std > 0 && value < s.Mean-nearAverageSigma*s.Std:
		return "below the training average"
	case s.Std > 0:
		return "near the training average"
	default:
		return ""
	}
}
