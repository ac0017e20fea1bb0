package training

import (
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/foresight-io/foresight/internal/model"
)

// Data-quality thresholds. Null density above the limit blocks training.
// Outliers only warn: manufacturing data has heavy tails, and no sample can
// put more than roughly a ninth of its mass beyond 3 sample sigma anyway, so
// the hard stops are nulls, non-finite values, and a constant target.
const (
	nullDensityLimit = 0.10
	nullWarnDensity  = 0.05

	outlierSigma        = 3.0
	outlierWarnFraction = 0.05
)

// Quality finding codes, stable for structured failure reports.
const (
	CodeEmptyDataset   = "empty_dataset"
	CodeNullDensity    = "null_density"
	CodeNonFinite      = "non_finite_values"
	CodeOutlierDensity = "outlier_density"
	CodeConstantTarget = "constant_target"
)

// ValidateQuality screens a snapshot's records before training.
//
// Per feature column it measures null density (absent key or non-finite
// value) and counts values outside 3 sigma. The target column is screened
// for non-finite and constant values. Findings come back ordered CRITICAL
// first; any CRITICAL finding fails the job's quality gate.
func ValidateQuality(records []model.TrainingRecord, columns []string, target string) model.QualityReport {
	report := model.QualityReport{
		RecordCount:  len(records),
		NullDensity:  make(map[string]float64, len(columns)),
		OutlierCount: make(map[string]int, len(columns)),
		GeneratedAt:  time.Now().UTC(),
	}

	if len(records) == 0 {
		report.Flags = append(report.Flags, model.QualityFlag{
			Severity: model.SeverityCritical,
			Code:     CodeEmptyDataset,
			Message:  "snapshot contains no records",
		})

		return report
	}

	total := float64(len(records))

	for _, column := range columns {
		values := make([]float64, 0, len(records))
		missing := 0
		nonFinite := 0

		for _, r := range records {
			v, ok := r.Features[column]

			switch {
			case !ok:
				missing++
			case math.IsNaN(v) || math.IsInf(v, 0):
				missing++
				nonFinite++
			default:
				values = append(values, v)
			}
		}

		density := float64(missing) / total
		report.NullDensity[column] = density

		if nonFinite > 0 {
			report.Flags = append(report.Flags, model.QualityFlag{
				Severity: model.SeverityCritical,
				Code:     CodeNonFinite,
				Column:   column,
				Message:  fmt.Sprintf("%d non-finite value(s) in %s", nonFinite, column),
			})
		}

		switch {
		case density > nullDensityLimit:
			report.Flags = append(report.Flags, model.QualityFlag{
				Severity: model.SeverityCritical,
				Code:     CodeNullDensity,
				Column:   column,
				Message: fmt.Sprintf("null density %.1f%% in %s exceeds the %.0f%% limit",
					density*100, column, nullDensityLimit*100),
			})
		case density > nullWarnDensity:
			report.Flags = append(report.Flags, model.QualityFlag{
				Severity: model.SeverityWarning,
				Code:     CodeNullDensity,
				Column:   column,
				Message:  fmt.Sprintf("null density %.1f%% in %s", density*100, column),
			})
		}

		report.OutlierCount[column] = countOutliers(values)
		flagOutliers(&report, column, report.OutlierCount[column], len(values))
	}

	screenTarget(&report, records, target)

	sortFlags(report.Flags)

	return report
}

// screenTarget checks the training target for non-finite and constant values.
func screenTarget(report *model.QualityReport, records []model.TrainingRecord, target string) {
	targets := make([]float64, 0, len(records))
	nonFinite := 0

	for _, r := range records {
		if math.IsNaN(r.Target) || math.IsInf(r.Target, 0) {
			nonFinite++

			continue
		}

		targets = append(targets, r.Target)
	}

	if nonFinite > 0 {
		report.Flags = append(report.Flags, model.QualityFlag{
			Severity: model.SeverityCritical,
			Code:     CodeNonFinite,
			Column:   target,
			Message:  fmt.Sprintf("%d non-finite target value(s)", nonFinite),
		})
	}

	if len(targets) > 1 {
		first := targets[0]
		constant := true

		for _, v := range targets[1:] {
			if v != first {
				constant = false

				break
			}
		}

		if constant {
			report.Flags = append(report.Flags, model.QualityFlag{
				Severity: model.SeverityCritical,
				Code:     CodeConstantTarget,
				Column:   target,
				Message:  fmt.Sprintf("target %s is constant at %g, nothing to fit", target, first),
			})
		}
	}

	report.OutlierCount[target] = countOutliers(targets)
	flagOutliers(report, target, report.OutlierCount[target], len(targets))
}

func countOutliers(values []float64) int {
	if len(values) < 2 {
		return 0
	}

	mean, std := stat.MeanStdDev(values, nil)
	if std <= 0 || math.IsNaN(std) {
		return 0
	}

	count := 0

	for _, v := range values {
		if math.Abs(v-mean) > outlierSigma*std {
			count++
		}
	}

	return count
}

func flagOutliers(report *model.QualityReport, column string, outliers, present int) {
	if present == 0 || outliers == 0 {
		return
	}

	if fraction := float64(outliers) / float64(present); fraction > outlierWarnFraction {
		report.Flags = append(report.Flags, model.QualityFlag{
			Severity: model.SeverityWarning,
			Code:     CodeOutlierDensity,
			Column:   column,
			Message: fmt.Sprintf("%d of %d values in %s outside %.0f sigma",
				outliers, present, column, outlierSigma),
		})
	}
}

func severityRank(s model.FlagSeverity) int {
	switch s {
	case model.SeverityCritical:
		return 0
	case model.SeverityWarning:
		return 1
	default:
		return 2
	}
}

func sortFlags(flags []model.QualityFlag) {
	sort.SliceStable(flags, func(i, j int) bool {
		return severityRank(flags[i].Severity) < severityRank(flags[j].Severity)
	})
}
