package predictor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"

	"github.com/foresight-io/foresight/internal/model"
)

// EvaluateRegression computes the regression or forecast metric bundle for a
// model type from parallel actual/predicted slices.
//
// R² needs variance in the actuals and MAPE needs non-zero actuals; when the
// holdout cannot support the type's primary metric the evaluation fails with
// model.ErrDataQuality instead of reporting a fabricated value.
func EvaluateRegression(t model.ModelType, actual, predicted []float64) (model.Metrics, error) {
	if len(actual) == 0 || len(actual) != len(predicted) {
		return model.Metrics{}, fmt.Errorf("%w: evaluation needs matching actual and predicted series",
			model.ErrDataQuality)
	}

	metrics := model.NewMetrics(t)
	metrics.SampleCount = len(actual)

	var absSum, sqSum float64
	for i, a := range actual {
		d := a - predicted[i]
		absSum += math.Abs(d)
		sqSum += d * d
	}

	n := float64(len(actual))
	metrics.Values[model.MetricMAE] = absSum / n
	metrics.Values[model.MetricRMSE] = math.Sqrt(sqSum / n)

	mean := stat.Mean(actual, nil)

	var totSq float64
	for _, a := range actual {
		d := a - mean
		totSq += d * d
	}

	if totSq > 0 {
		metrics.Values[model.MetricR2] = 1 - sqSum/totSq
	}

	mapeCount := 0
	mapeSum := 0.0

	for i, a := range actual {
		if a == 0 {
			continue
		}
		mapeSum += math.Abs((a-predicted[i])/a) * 100
		mapeCount++
	}

	if mapeCount > 0 {
		metrics.Values[model.MetricMAPE] = mapeSum / float64(mapeCount)
	}

	primary := model.PrimaryMetric(t)
	if _, ok := metrics.Values[primary]; !ok {
		return model.Metrics{}, fmt.Errorf("%w: holdout cannot support %s (constant or zero actuals)",
			model.ErrDataQuality, primary)
	}

	return metrics, nil
}

// EvaluateClassification computes precision, recall, F1, and AUC for score
// predictions against binary actuals.
func EvaluateClassification(t model.ModelType, actual, scores []float64, threshold float64) (model.Metrics, error) {
	if len(actual) == 0 || len(actual) != len(scores) {
		return model.Metrics{}, fmt.Errorf("%w: evaluation needs matching actual and predicted series",
			model.ErrDataQuality)
	}

	metrics := model.NewMetrics(t)
	metrics.SampleCount = len(actual)

	var tp, fp, fn float64

	for i, a := range actual {
		predictedPositive := scores[i] >= threshold

		switch {
		case a == 1 && predictedPositive:
			tp++
		case a == 0 && predictedPositive:
			fp++
		case a == 1 && !predictedPositive:
			fn++
		case a != 0 && a != 1:
			return model.Metrics{}, fmt.Errorf("%w: classification actual %v is not 0 or 1",
				model.ErrDataQuality, a)
		}
	}

	precision := 0.0
	if tp+fp > 0 {
		precision = tp / (tp + fp)
	}

	recall := 0.0
	if tp+fn > 0 {
		recall = tp / (tp + fn)
	}

	f1 := 0.0
	if precision+recall > 0 {
		f1 = 2 * precision * recall / (precision + recall)
	}

	metrics.Values[model.MetricPrecision] = precision
	metrics.Values[model.MetricRecall] = recall
	metrics.Values[model.MetricF1] = f1

	auc, err := rocAUC(actual, scores)
	if err == nil {
		metrics.Values[model.MetricAUC] = auc
	}

	return metrics, nil
}

// rocAUC integrates the ROC curve. Needs both classes present.
func rocAUC(actual, scores []float64) (float64, error) {
	positives := 0
	for _, a := range actual {
		if a == 1 {
			positives++
		}
	}

	if positives == 0 || positives == len(actual) {
		return 0, fmt.Errorf("%w: AUC needs both classes in the holdout", model.ErrDataQuality)
	}

	// stat.ROC expects scores sorted ascending with parallel class labels.
	y := make([]float64, len(scores))
	copy(y, scores)

	classes := make([]bool, len(actual))
	for i, a := range actual {
		classes[i] = a == 1
	}

	stat.SortWeightedLabeled(y, classes, nil)
	tpr, fpr, _ := stat.ROC(nil, y, classes, nil)

	return integrate.Trapezoidal(fpr, tpr), nil
}
