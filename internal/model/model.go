// Package model provides the core domain model for the Foresight prediction service:
// model types, lifecycle statuses, semantic versions, metric bundles, and the shared
// error taxonomy. Pure domain types without JSON tags; the API layer maps to wire DTOs.
package model

import (
	"fmt"
	"strings"
	"time"
)

type (
	// ModelType identifies the prediction family a model serves.
	// The type determines the primary quality metric, the cache TTL, and the
	// minimum dataset size required for promotion.
	ModelType string

	// ModelStatus is the lifecycle state of a registered model.
	//
	// Lifecycle: Draft (post-training, pre-validation) → Testing (structurally
	// valid) → Active (promoted by quality gate) → Deprecated (replaced) →
	// Archived (after retention). Rollback moves a Deprecated model back to
	// Active. Archived is terminal.
	ModelStatus string

	// Model is a registered predictor version - Domain Model.
	//
	// A model is referenced by its immutable ID; cross-references never use
	// mutable attributes. Per type, at most one model is Active at any instant,
	// (type, version) is unique, and versions are monotonically non-decreasing
	// across promotions.
	Model struct {
		// ID is an opaque unique identifier (UUID).
		ID string

		// Type is the prediction family this model serves.
		Type ModelType

		// Version is the semantic version, unique within Type.
		Version Version

		// Status is the current lifecycle state.
		Status ModelStatus

		// ArtifactURI points at the serialized predictor in the artifact store.
		ArtifactURI string

		// TrainedAt is when training finished producing the artifact.
		TrainedAt time.Time

		// DeployedAt is set when the model is promoted to Active.
		DeployedAt *time.Time

		// DeprecatedAt is set when the model is replaced or rolled back from.
		DeprecatedAt *time.Time

		// Metrics is the holdout evaluation bundle recorded at training time.
		Metrics Metrics

		// DatasetSize is the record count of the training dataset snapshot.
		// Used by the promotion dataset-size gate.
		DatasetSize int

		// TrainingJobID references the job that produced this model (optional).
		TrainingJobID string

		// Metadata carries annotations such as rollback_reason,
		// rollback_from_version, and canary_percent.
		Metadata map[string]string

		// CreatedAt is when the registry row was inserted.
		CreatedAt time.Time

		// UpdatedAt is bumped on every status transition.
		UpdatedAt time.Time
	}

	// CacheStatus reports how a prediction response was produced.
	CacheStatus string
)

const (
	// ModelTypePrintTime predicts manufacturing time from 3D geometry.
	ModelTypePrintTime ModelType = "PrintTime"

	// ModelTypeDemandForecast forecasts product demand over a horizon.
	ModelTypeDemandForecast ModelType = "DemandForecast"

	// ModelTypePriceOptimization computes optimal quote prices.
	ModelTypePriceOptimization ModelType = "PriceOptimization"

	// ModelTypeChurnPrediction scores customer churn risk.
	ModelTypeChurnPrediction ModelType = "ChurnPrediction"

	// ModelTypeMaterialDemand forecasts material consumption.
	ModelTypeMaterialDemand ModelType = "MaterialDemand"

	// ModelTypeBottleneckDetection predicts production bottlenecks.
	ModelTypeBottleneckDetection ModelType = "BottleneckDetection"
)

const (
	// StatusDraft is a freshly trained model awaiting structural validation.
	StatusDraft ModelStatus = "Draft"

	// StatusTesting is a structurally valid candidate awaiting the quality gate.
	StatusTesting ModelStatus = "Testing"

	// StatusActive is the single serving model for its type.
	StatusActive ModelStatus = "Active"

	// StatusDeprecated is a replaced model, eligible for rollback.
	StatusDeprecated ModelStatus = "Deprecated"

	// StatusArchived is a retired model past the retention window.
	// Terminal state.
	StatusArchived ModelStatus = "Archived"
)

const (
	// CacheHit means the response was served from the prediction cache.
	CacheHit CacheStatus = "Hit"

	// CacheMiss means the response was freshly computed and cached.
	CacheMiss CacheStatus = "Miss"

	// CacheBypass means caching was skipped (fallback or explicit bypass).
	CacheBypass CacheStatus = "Bypass"
)

// Metadata keys written by lifecycle operations.
const (
	// MetaRollbackReason records why a rollback was performed.
	MetaRollbackReason = "rollback_reason"

	// MetaRollbackFromVersion records the version that was rolled back from.
	MetaRollbackFromVersion = "rollback_from_version"

	// MetaCanaryPercent records the canary routing percentage at promotion.
	MetaCanaryPercent = "canary_percent"

	// MetaGateRejection records why the last promotion attempt was rejected.
	MetaGateRejection = "gate_rejection"

	// MetaStatusReason records the operator-supplied reason for a manual
	// status transition (deprecation, archival).
	MetaStatusReason = "status_reason"

	// MetaPromotedBy records what initiated a promotion (training job ID,
	// "manual", or "drift").
	MetaPromotedBy = "promoted_by"
)

// ValidModelTypes returns all recognized model types.
func ValidModelTypes() []ModelType {
	return []ModelType{
		ModelTypePrintTime,
		ModelTypeDemandForecast,
		ModelTypePriceOptimization,
		ModelTypeChurnPrediction,
		ModelTypeMaterialDemand,
		ModelTypeBottleneckDetection,
	}
}

// ParseModelType parses a case-insensitive model type name, accepting both the
// canonical form ("PrintTime") and the kebab-case route form ("print-time").
func ParseModelType(s string) (ModelType, error) {
	normalized := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "-", ""))
	for _, t := range ValidModelTypes() {
		if strings.ToLower(string(t)) == normalized {
			return t, nil
		}
	}

	return "", fmt.Errorf("%w: unknown model type %q", ErrValidation, s)
}

// String returns the canonical name of the model type.
func (t ModelType) String() string {
	return string(t)
}

// IsValid checks if the ModelType is a recognized prediction family.
func (t ModelType) IsValid() bool {
	for _, valid := range ValidModelTypes() {
		if t == valid {
			return true
		}
	}

	return false
}

// CacheTTL returns how long prediction responses for this type stay cached.
func (t ModelType) CacheTTL() time.Duration {
	switch t {
	case ModelTypePrintTime:
		return 24 * time.Hour
	case ModelTypePriceOptimization:
		return time.Hour
	case ModelTypeDemandForecast:
		return 6 * time.Hour
	case ModelTypeChurnPrediction:
		return 24 * time.Hour
	case ModelTypeMaterialDemand:
		return 12 * time.Hour
	case ModelTypeBottleneckDetection:
		return 6 * time.Hour
	default:
		return time.Hour
	}
}

// MinDatasetSize returns the minimum training dataset record count required
// by the promotion dataset-size gate.
func (t ModelType) MinDatasetSize() int {
	switch t {
	case ModelTypePrintTime:
		return 10000
	case ModelTypePriceOptimization:
		return 5000
	case ModelTypeChurnPrediction:
		return 2000
	default:
		return 1000
	}
}

// Slug returns the kebab-case form of the type, used in artifact paths,
// cache keys, and URLs. ParseModelType accepts slugs back.
func (t ModelType) Slug() string {
	var b strings.Builder

	for i, r := range string(t) {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('-')
			}
			b.WriteRune(r + ('a' - 'A'))

			continue
		}
		b.WriteRune(r)
	}

	return b.String()
}

// Unit returns the measurement unit reported with predictions of this type.
func (t ModelType) Unit() string {
	switch t {
	case ModelTypePrintTime, ModelTypeBottleneckDetection:
		return "minutes"
	case ModelTypeDemandForecast:
		return "units"
	case ModelTypePriceOptimization:
		return "EUR"
	case ModelTypeChurnPrediction:
		return "score"
	case ModelTypeMaterialDemand:
		return "kg"
	default:
		return ""
	}
}

// ValidModelStatuses returns all lifecycle states.
func ValidModelStatuses() []ModelStatus {
	return []ModelStatus{
		StatusDraft,
		StatusTesting,
		StatusActive,
		StatusDeprecated,
		StatusArchived,
	}
}

// String returns the string representation of the status.
func (s ModelStatus) String() string {
	return string(s)
}

// IsValid checks if the ModelStatus is a valid lifecycle state.
func (s ModelStatus) IsValid() bool {
	switch s {
	case StatusDraft, StatusTesting, StatusActive, StatusDeprecated, StatusArchived:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if no further transitions are allowed from the state.
func (s ModelStatus) IsTerminal() bool {
	return s == StatusArchived
}

// ValidateStatusTransition validates a lifecycle transition.
//
// Valid transitions:
//   - Draft → Testing
//   - Testing → Active (quality gate passed)
//   - Active → Deprecated (replaced or rolled back from)
//   - Deprecated → Active (rollback)
//   - Deprecated → Archived (retention window elapsed)
//
// Everything else, including any transition out of Archived, is a lifecycle
// conflict.
func ValidateStatusTransition(from, to ModelStatus) error {
	if !from.IsValid() || !to.IsValid() {
		return fmt.Errorf("%w: unknown status in transition %s → %s", ErrLifecycleConflict, from, to)
	}

	if from.IsTerminal() {
		return fmt.Errorf("%w: %s is terminal, cannot transition to %s", ErrLifecycleConflict, from, to)
	}

	allowed := map[ModelStatus][]ModelStatus{
		StatusDraft:      {StatusTesting},
		StatusTesting:    {StatusActive},
		StatusActive:     {StatusDeprecated},
		StatusDeprecated: {StatusActive, StatusArchived},
	}

	for _, next := range allowed[from] {
		if next == to {
			return nil
		}
	}

	return fmt.Errorf("%w: %s → %s", ErrLifecycleConflict, from, to)
}

// Validate performs domain validation on the Model.
// Returns validation errors (not storage errors like unique violations).
func (m *Model) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return fmt.Errorf("%w: model id cannot be empty", ErrValidation)
	}

	if !m.Type.IsValid() {
		return fmt.Errorf("%w: invalid model type %q", ErrValidation, m.Type)
	}

	if !m.Status.IsValid() {
		return fmt.Errorf("%w: invalid model status %q", ErrValidation, m.Status)
	}

	if m.Version.IsZero() {
		return fmt.Errorf("%w: model version cannot be zero", ErrValidation)
	}

	if m.Status != StatusDraft && strings.TrimSpace(m.ArtifactURI) == "" {
		return fmt.Errorf("%w: artifact uri required for status %s", ErrValidation, m.Status)
	}

	return nil
}

// Annotate sets a metadata key, allocating the map on first use.
func (m *Model) Annotate(key, value string) {
	if m.Metadata == nil {
		m.Metadata = make(map[string]string)
	}

	m.Metadata[key] = value
}

// IsValid checks if the CacheStatus is a recognized value.
func (cs CacheStatus) IsValid() bool {
	switch cs {
	case CacheHit, CacheMiss, CacheBypass:
		return true
	default:
		return false
	}
}

// String returns the string representation of the cache status.
func (cs CacheStatus) String() string {
	return string(cs)
}
