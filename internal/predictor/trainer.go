package predictor

import (
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"time"

	"github.com/foresight-io/foresight/internal/model"
)

// holdoutModulus sends every fifth record (20%) to the holdout set.
const holdoutModulus = 5

// TrainResult bundles everything a completed fit produces: the serializable
// artifact, the live predictor built from it, and the holdout metric bundle
// the quality gate compares.
type TrainResult struct {
	Artifact  *Artifact
	Predictor Predictor
	Metrics   model.Metrics

	// TrainCount and HoldoutCount are the sample sizes after the split.
	TrainCount   int
	HoldoutCount int

	// SkippedCount is the number of records dropped for missing features.
	SkippedCount int
}

// KindFor maps a model type to the predictor family that serves it.
func KindFor(t model.ModelType) string {
	switch t {
	case model.ModelTypeChurnPrediction:
		return KindLogistic
	case model.ModelTypeDemandForecast, model.ModelTypeMaterialDemand:
		return KindSeasonal
	default:
		return KindLinear
	}
}

// Train fits a predictor of the type's family over the records and evaluates
// it on a deterministic 20% holdout, so retraining over the same snapshot
// reproduces the same split, fit, and metrics.
//
// Regression and classification fits split record-wise by a stable hash of
// the record identity. Seasonal fits split chronologically, holding out the
// most recent fifth of days, since a random split would leak future values
// into the trend.
func Train(t model.ModelType, features []string, records []model.TrainingRecord, version model.Version, trainedAt time.Time) (*TrainResult, error) {
	if !t.IsValid() {
		return nil, fmt.Errorf("%w: invalid model type %q", model.ErrValidation, t)
	}

	if version.IsZero() {
		return nil, fmt.Errorf("%w: train needs a target version", model.ErrValidation)
	}

	if len(records) == 0 {
		return nil, fmt.Errorf("%w: no records to train on", model.ErrDataQuality)
	}

	var (
		result *TrainResult
		err    error
	)

	switch KindFor(t) {
	case KindLogistic:
		result, err = trainLogistic(t, features, records)
	case KindSeasonal:
		result, err = trainSeasonal(t, records)
	default:
		result, err = trainLinear(t, features, records)
	}

	if err != nil {
		return nil, err
	}

	result.Artifact.Version = version.String()
	result.Artifact.TrainedAt = trainedAt.UTC()
	result.Metrics.SampleCount = result.HoldoutCount

	predictor, err := result.Artifact.Build()
	if err != nil {
		return nil, err
	}
	result.Predictor = predictor

	return result, nil
}

func trainLinear(t model.ModelType, features []string, records []model.TrainingRecord) (*TrainResult, error) {
	if len(features) == 0 {
		return nil, fmt.Errorf("%w: %s needs feature columns", model.ErrValidation, t)
	}

	train, holdout := splitRecords(records)
	if len(holdout) == 0 {
		return nil, fmt.Errorf("%w: holdout is empty, need more records", model.ErrDataQuality)
	}

	trainRows, trainTargets, trainSkipped := featureMatrix(features, train)
	holdRows, holdTargets, holdSkipped := featureMatrix(features, holdout)

	if len(holdRows) == 0 {
		return nil, fmt.Errorf("%w: no holdout record carries all features %v", model.ErrDataQuality, features)
	}

	coefficients, intercept, stats, err := fitLinear(trainRows, trainTargets, features)
	if err != nil {
		return nil, err
	}

	predicted := make([]float64, len(holdRows))
	for i, row := range holdRows {
		predicted[i] = predictLinearRow(coefficients, intercept, row)
	}

	metrics, err := EvaluateRegression(t, holdTargets, predicted)
	if err != nil {
		return nil, err
	}

	rmse := metrics.Values[model.MetricRMSE]

	return &TrainResult{
		Artifact: &Artifact{
			SchemaVersion: SchemaVersion,
			ModelType:     t,
			Kind:          KindLinear,
			Features:      features,
			Coefficients:  coefficients,
			Intercept:     intercept,
			ResidualStd:   rmse,
			FeatureStats:  stats,
		},
		Metrics:      metrics,
		TrainCount:   len(trainRows),
		HoldoutCount: len(holdRows),
		SkippedCount: trainSkipped + holdSkipped,
	}, nil
}

func trainLogistic(t model.ModelType, features []string, records []model.TrainingRecord) (*TrainResult, error) {
	if len(features) == 0 {
		return nil, fmt.Errorf("%w: %s needs feature columns", model.ErrValidation, t)
	}

	train, holdout := splitRecords(records)
	if len(holdout) == 0 {
		return nil, fmt.Errorf("%w: holdout is empty, need more records", model.ErrDataQuality)
	}

	trainRows, trainTargets, trainSkipped := featureMatrix(features, train)
	holdRows, holdTargets, holdSkipped := featureMatrix(features, holdout)

	if len(holdRows) == 0 {
		return nil, fmt.Errorf("%w: no holdout record carries all features %v", model.ErrDataQuality, features)
	}

	coefficients, intercept, stats, err := fitLogistic(trainRows, trainTargets, features)
	if err != nil {
		return nil, err
	}

	scores := make([]float64, len(holdRows))
	for i, row := range holdRows {
		scores[i] = predictLogisticRow(coefficients, intercept, row, features, stats)
	}

	metrics, err := EvaluateClassification(t, holdTargets, scores, DefaultChurnThreshold)
	if err != nil {
		return nil, err
	}

	// Score uncertainty is the root mean squared gap between outcome and
	// score on the holdout.
	var sq float64
	for i, s := range scores {
		d := holdTargets[i] - s
		sq += d * d
	}
	sampleStd := math.Sqrt(sq / float64(len(scores)))

	return &TrainResult{
		Artifact: &Artifact{
			SchemaVersion: SchemaVersion,
			ModelType:     t,
			Kind:          KindLogistic,
			Features:      features,
			Coefficients:  coefficients,
			Intercept:     intercept,
			Threshold:     DefaultChurnThreshold,
			SampleStd:     sampleStd,
			FeatureStats:  stats,
		},
		Metrics:      metrics,
		TrainCount:   len(trainRows),
		HoldoutCount: len(holdRows),
		SkippedCount: trainSkipped + holdSkipped,
	}, nil
}

func trainSeasonal(t model.ModelType, records []model.TrainingRecord) (*TrainResult, error) {
	totals := make(map[time.Time]float64)
	for _, r := range records {
		day := r.OccurredAt.UTC().Truncate(24 * time.Hour)
		totals[day] += r.Target
	}

	days := make([]time.Time, 0, len(totals))
	for day := range totals {
		days = append(days, day)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })

	holdoutDays := len(days) / holdoutModulus
	if holdoutDays == 0 {
		return nil, fmt.Errorf("%w: %d distinct days leave no holdout", model.ErrDataQuality, len(days))
	}

	cutoff := days[len(days)-holdoutDays]

	trainRecords := make([]model.TrainingRecord, 0, len(records))
	for _, r := range records {
		if r.OccurredAt.UTC().Truncate(24 * time.Hour).Before(cutoff) {
			trainRecords = append(trainRecords, r)
		}
	}

	params, err := fitSeasonal(trainRecords)
	if err != nil {
		return nil, err
	}

	actual := make([]float64, 0, holdoutDays)
	predicted := make([]float64, 0, holdoutDays)

	for _, day := range days[len(days)-holdoutDays:] {
		offset := float64(daysBetween(params.Origin, day))
		point := params.Level + params.Trend*offset + params.Weekly[int(day.Weekday())]

		actual = append(actual, totals[day])
		predicted = append(predicted, math.Max(0, point))
	}

	metrics, err := EvaluateRegression(t, actual, predicted)
	if err != nil {
		return nil, err
	}

	return &TrainResult{
		Artifact: &Artifact{
			SchemaVersion: SchemaVersion,
			ModelType:     t,
			Kind:          KindSeasonal,
			Seasonal:      params,
		},
		Metrics:      metrics,
		TrainCount:   len(days) - holdoutDays,
		HoldoutCount: holdoutDays,
	}, nil
}

// splitRecords deterministically routes records to train and holdout sets by
// a stable hash of each record's identity.
func splitRecords(records []model.TrainingRecord) (train, holdout []model.TrainingRecord) {
	for _, r := range records {
		if holdoutHash(r)%holdoutModulus == 0 {
			holdout = append(holdout, r)
		} else {
			train = append(train, r)
		}
	}

	return train, holdout
}

func holdoutHash(r model.TrainingRecord) uint32 {
	identity := r.SourceEventID
	if identity == "" {
		identity = r.EntityKey + "@" + r.OccurredAt.UTC().Format(time.RFC3339Nano)
	}

	h := fnv.New32a()
	h.Write([]byte(identity))

	return h.Sum32()
}

// featureMatrix assembles the rows carrying every named feature, dropping
// incomplete records and reporting how many were dropped.
func featureMatrix(features []string, records []model.TrainingRecord) ([][]float64, []float64, int) {
	rows := make([][]float64, 0, len(records))
	targets := make([]float64, 0, len(records))
	skipped := 0

records:
	for _, r := range records {
		row := make([]float64, len(features))

		for j, name := range features {
			v, ok := r.Features[name]
			if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
				skipped++

				continue records
			}
			row[j] = v
		}

		rows = append(rows, row)
		targets = append(targets, r.Target)
	}

	return rows, targets, skipped
}
