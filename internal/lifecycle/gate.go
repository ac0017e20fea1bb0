// Package lifecycle implements model lifecycle policy: the promotion quality
// gate, promotion and rollback planning, and archival eligibility.
//
// The package is a pure domain service and performs no I/O. Callers load the
// involved models through the registry, ask this package for a decision, and
// apply the resulting plan back through the registry. This keeps every
// promotion rule unit-testable without a database.
package lifecycle

import (
	"fmt"
	"strings"

	"github.com/foresight-io/foresight/internal/model"
)

// Check names reported in GateResult, stable for audit records and logs.
const (
	// CheckDatasetSize verifies the training dataset met the per-type minimum.
	CheckDatasetSize = "dataset_size"

	// CheckImprovement verifies the candidate beats the active model on the
	// type's primary metric by at least the configured threshold.
	CheckImprovement = "primary_metric_improvement"

	// CheckQualityFlags verifies the training data quality report carries no
	// CRITICAL flags.
	CheckQualityFlags = "quality_flags"
)

// DefaultImprovementThresholdPercent is the minimum relative improvement on
// the primary metric a candidate must show over the active model.
const DefaultImprovementThresholdPercent = 2.0

type (
	// GateConfig carries the tunable thresholds of the promotion gate.
	GateConfig struct {
		// ImprovementThresholdPercent is the minimum relative improvement,
		// in percent, on the type's primary metric. Direction-aware: for
		// error metrics a reduction counts as improvement.
		ImprovementThresholdPercent float64

		// MinDatasetSize overrides the built-in per-type dataset minimums.
		// Types absent from the map use model.MinDatasetSize.
		MinDatasetSize map[model.ModelType]int
	}

	// GateCheck is the outcome of a single gate check.
	GateCheck struct {
		// Name is one of the Check* constants.
		Name string

		// Passed reports whether the check passed.
		Passed bool

		// Detail is a human-readable explanation, filled for both outcomes.
		Detail string
	}

	// GateResult is the full outcome of a gate evaluation. A candidate is
	// promotable only when every check passed.
	GateResult struct {
		// Passed is true when all checks passed.
		Passed bool

		// Checks lists every check in evaluation order.
		Checks []GateCheck
	}
)

// DefaultGateConfig returns the production gate thresholds.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		ImprovementThresholdPercent: DefaultImprovementThresholdPercent,
	}
}

// minDatasetFor resolves the dataset minimum for a type, preferring the
// configured override.
func (c GateConfig) minDatasetFor(t model.ModelType) int {
	if n, ok := c.MinDatasetSize[t]; ok && n > 0 {
		return n
	}

	return t.MinDatasetSize()
}

// Reason joins the details of all failed checks into a single string suitable
// for model metadata and audit entries. Empty when the gate passed.
func (r GateResult) Reason() string {
	var failed []string
	for _, c := range r.Checks {
		if !c.Passed {
			failed = append(failed, c.Detail)
		}
	}

	return strings.Join(failed, "; ")
}

// EvaluateGate runs the promotion quality gate for a candidate model.
//
// The gate has three checks, all of which must pass:
//
//  1. Dataset size: the candidate's training dataset met the per-type minimum.
//  2. Primary metric improvement: the candidate improves on the currently
//     active model's primary metric by at least the configured threshold.
//     When no model is active for the type, the check passes (first model).
//  3. Quality flags: the training data quality report carries no CRITICAL
//     flags. A nil report passes; flags can only block when they exist.
//
// current may be nil. report may be nil. The function never mutates its
// arguments and never returns an error: an unevaluable check (for example a
// candidate without metrics) is a failed check, not a caller error.
func EvaluateGate(candidate *model.Model, current *model.Model, report *model.QualityReport, cfg GateConfig) GateResult {
	result := GateResult{Passed: true}

	add := func(name string, passed bool, detail string) {
		result.Checks = append(result.Checks, GateCheck{Name: name, Passed: passed, Detail: detail})
		if !passed {
			result.Passed = false
		}
	}

	if candidate == nil {
		add(CheckDatasetSize, false, "no candidate model")

		return result
	}

	minSize := cfg.minDatasetFor(candidate.Type)
	if candidate.DatasetSize >= minSize {
		add(CheckDatasetSize, true,
			fmt.Sprintf("dataset size %d meets minimum %d", candidate.DatasetSize, minSize))
	} else {
		add(CheckDatasetSize, false,
			fmt.Sprintf("dataset size %d below minimum %d", candidate.DatasetSize, minSize))
	}

	passed, detail := evaluateImprovement(candidate, current, cfg)
	add(CheckImprovement, passed, detail)

	switch {
	case report == nil:
		add(CheckQualityFlags, true, "no quality report recorded")
	case report.HasCritical():
		add(CheckQualityFlags, false,
			fmt.Sprintf("quality report has %d CRITICAL flag(s): %s",
				len(report.CriticalFlags()), summarizeFlags(report.CriticalFlags())))
	default:
		add(CheckQualityFlags, true, "no CRITICAL quality flags")
	}

	return result
}

// evaluateImprovement compares candidate and current on the primary metric.
func evaluateImprovement(candidate, current *model.Model, cfg GateConfig) (bool, string) {
	primary := model.PrimaryMetric(candidate.Type)
	threshold := cfg.ImprovementThresholdPercent

	candValue, err := candidate.Metrics.Primary(candidate.Type)
	if err != nil {
		return false, fmt.Sprintf("candidate has no %s metric recorded", primary)
	}

	if current == nil {
		return true, fmt.Sprintf("no active model, first %s candidate auto-passes", candidate.Type)
	}

	curValue, ok := current.Metrics.Value(primary)
	if !ok {
		// Active model predates metric capture. Demanding a relative
		// improvement over an unknown baseline would block promotion forever.
		return true, fmt.Sprintf("active model %s has no %s recorded, improvement check skipped",
			current.Version, primary)
	}

	pct, err := model.ImprovementPercent(primary, candValue, curValue)
	if err != nil {
		// Zero or non-finite baseline. Fall back to a direct direction-aware
		// comparison of the raw values.
		if betterThan(primary, candValue, curValue) {
			return true, fmt.Sprintf("%s baseline %g unusable for relative comparison, candidate %g is strictly better",
				primary, curValue, candValue)
		}

		return false, fmt.Sprintf("%s baseline %g unusable for relative comparison and candidate %g is not better",
			primary, curValue, candValue)
	}

	if pct >= threshold {
		return true, fmt.Sprintf("%s improved %.2f%% over active %s (threshold %.2f%%)",
			primary, pct, current.Version, threshold)
	}

	return false, fmt.Sprintf("%s improved only %.2f%% over active %s (threshold %.2f%%)",
		primary, pct, current.Version, threshold)
}

// betterThan compares two raw metric values respecting the metric direction.
func betterThan(name model.MetricName, candidate, current float64) bool {
	if name.Direction() == model.LowerIsBetter {
		return candidate < current
	}

	return candidate > current
}

// summarizeFlags renders critical flags as "code(column)" pairs for details.
func summarizeFlags(flags []model.QualityFlag) string {
	parts := make([]string, 0, len(flags))
	for _, f := range flags {
		if f.Column != "" {
			parts = append(parts, fmt.Sprintf("%s(%s)", f.Code, f.Column))
		} else {
			parts = append(parts, f.Code)
		}
	}

	return strings.Join(parts, ", ")
}
