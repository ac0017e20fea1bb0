package model

import (
	"fmt"
	"strings"
	"time"
)

type (
	// TrainingTrigger states what caused a training job to be enqueued.
	TrainingTrigger string

	// JobStatus is the execution state of a training job.
	JobStatus string

	// TrainingDataset is an immutable snapshot of training records - Domain Model.
	//
	// A dataset is identified by its content hash; rebuilding a snapshot over
	// the same records yields the same hash and is deduplicated instead of
	// re-persisted.
	TrainingDataset struct {
		// ID is an opaque unique identifier (UUID).
		ID string

		// ModelType is the prediction family the dataset trains.
		ModelType ModelType

		// RecordCount is the number of records in the snapshot.
		RecordCount int

		// DateRangeStart and DateRangeEnd bound the records by occurrence time.
		DateRangeStart time.Time
		DateRangeEnd   time.Time

		// FeatureColumns is the ordered list of feature names.
		FeatureColumns []string

		// TargetColumn names the training target.
		TargetColumn string

		// QualityReport is the data-quality validation result for the snapshot.
		QualityReport QualityReport

		// StorageURI points at the serialized snapshot contents.
		StorageURI string

		// ContentHash is the SHA-256 of the canonical snapshot contents.
		// Deduplication key.
		ContentHash string

		// CreatedAt is when the snapshot was persisted.
		CreatedAt time.Time
	}

	// TrainingJob tracks one training execution - Domain Model.
	TrainingJob struct {
		// ID is an opaque unique identifier (UUID).
		ID string

		// ModelType is the prediction family being trained.
		ModelType ModelType

		// Status is the execution state.
		Status JobStatus

		// Trigger states what enqueued the job.
		Trigger TrainingTrigger

		// DatasetID references the snapshot the job trained on (set once built).
		DatasetID string

		// ModelID references the produced model (set on success).
		ModelID string

		// Hyperparameters passed to the trainer.
		Hyperparameters map[string]interface{}

		// Metrics is the holdout bundle (set on success).
		Metrics *Metrics

		// Error holds the failure reason for Failed jobs, including structured
		// quality-gate reports.
		Error string

		// GateReason records why a produced model was held back from Active
		// when the promotion gate failed. Empty when the model was promoted
		// or the job never reached gating.
		GateReason string

		// StartedAt and EndedAt bound the execution.
		StartedAt time.Time
		EndedAt   *time.Time
	}

	// TrainingRecord is the unit of ingested training data, produced by
	// transforming one upstream domain event. One event may feed records for
	// several model types.
	TrainingRecord struct {
		// ModelType is the dataset bucket the record belongs to.
		ModelType ModelType

		// EntityKey identifies the subject entity (order, customer, SKU, ...).
		// Ingestion preserves per-key ordering.
		EntityKey string

		// Features maps feature name to value.
		Features map[string]float64

		// Target is the ground-truth training target.
		Target float64

		// SourceEventID is the upstream event id the record derives from.
		// Duplicate deliveries of the same event are no-ops.
		SourceEventID string

		// OccurredAt is the upstream event time (not ingestion time).
		OccurredAt time.Time
	}

	// FlagSeverity grades a data-quality finding.
	FlagSeverity string

	// QualityFlag is one data-quality finding on a dataset column.
	QualityFlag struct {
		// Severity grades the finding; CRITICAL flags block promotion and training.
		Severity FlagSeverity

		// Code is a stable machine-readable finding code.
		Code string

		// Column names the affected feature column ("" for dataset-level findings).
		Column string

		// Message is a human-readable description.
		Message string
	}

	// QualityReport is the result of data-quality validation over a dataset.
	QualityReport struct {
		// RecordCount is the number of records validated.
		RecordCount int

		// NullDensity maps column name to its fraction of missing values.
		NullDensity map[string]float64

		// OutlierCount maps column name to the number of values outside 3σ.
		OutlierCount map[string]int

		// Flags lists all findings in severity order.
		Flags []QualityFlag

		// GeneratedAt is when validation ran.
		GeneratedAt time.Time
	}
)

const (
	// TriggerScheduled is a cron-like per-type schedule firing.
	TriggerScheduled TrainingTrigger = "Scheduled"

	// TriggerDrift is a drift-monitor detection.
	TriggerDrift TrainingTrigger = "Drift"

	// TriggerManual is an admin request.
	TriggerManual TrainingTrigger = "Manual"

	// TriggerEvent is an ingestion-threshold crossing.
	TriggerEvent TrainingTrigger = "Event"
)

const (
	// JobPending is enqueued, not yet running.
	JobPending JobStatus = "Pending"

	// JobRunning holds the per-type single-writer lease.
	JobRunning JobStatus = "Running"

	// JobSucceeded produced a model.
	JobSucceeded JobStatus = "Succeeded"

	// JobFailed ended without producing a model. Terminal.
	JobFailed JobStatus = "Failed"
)

const (
	// SeverityInfo is an informational finding.
	SeverityInfo FlagSeverity = "INFO"

	// SeverityWarning is a finding worth review but not blocking.
	SeverityWarning FlagSeverity = "WARNING"

	// SeverityCritical blocks training and promotion.
	SeverityCritical FlagSeverity = "CRITICAL"
)

// IsValid checks if the TrainingTrigger is a recognized value.
func (tt TrainingTrigger) IsValid() bool {
	switch tt {
	case TriggerScheduled, TriggerDrift, TriggerManual, TriggerEvent:
		return true
	default:
		return false
	}
}

// String returns the string representation of the trigger.
func (tt TrainingTrigger) String() string {
	return string(tt)
}

// IsValid checks if the JobStatus is a recognized value.
func (js JobStatus) IsValid() bool {
	switch js {
	case JobPending, JobRunning, JobSucceeded, JobFailed:
		return true
	default:
		return false
	}
}

// IsTerminal returns true once the job can no longer change state.
func (js JobStatus) IsTerminal() bool {
	return js == JobSucceeded || js == JobFailed
}

// String returns the string representation of the job status.
func (js JobStatus) String() string {
	return string(js)
}

// HasCritical returns true if any finding is CRITICAL.
// A report with critical findings fails the data-quality gate.
func (r *QualityReport) HasCritical() bool {
	for _, f := range r.Flags {
		if f.Severity == SeverityCritical {
			return true
		}
	}

	return false
}

// CriticalFlags returns only the CRITICAL findings, for structured failure reports.
func (r *QualityReport) CriticalFlags() []QualityFlag {
	var critical []QualityFlag

	for _, f := range r.Flags {
		if f.Severity == SeverityCritical {
			critical = append(critical, f)
		}
	}

	return critical
}

// Validate performs domain validation on the TrainingRecord.
func (tr *TrainingRecord) Validate() error {
	if !tr.ModelType.IsValid() {
		return fmt.Errorf("%w: invalid model type %q", ErrValidation, tr.ModelType)
	}

	if strings.TrimSpace(tr.EntityKey) == "" {
		return fmt.Errorf("%w: entity key cannot be empty", ErrValidation)
	}

	if strings.TrimSpace(tr.SourceEventID) == "" {
		return fmt.Errorf("%w: source event id cannot be empty", ErrValidation)
	}

	if len(tr.Features) == 0 {
		return fmt.Errorf("%w: record has no features", ErrValidation)
	}

	if tr.OccurredAt.IsZero() {
		return fmt.Errorf("%w: occurred_at cannot be zero", ErrValidation)
	}

	return nil
}

// Validate performs domain validation on the TrainingDataset.
func (d *TrainingDataset) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("%w: dataset id cannot be empty", ErrValidation)
	}

	if !d.ModelType.IsValid() {
		return fmt.Errorf("%w: invalid model type %q", ErrValidation, d.ModelType)
	}

	if d.RecordCount < 0 {
		return fmt.Errorf("%w: record count cannot be negative", ErrValidation)
	}

	if strings.TrimSpace(d.ContentHash) == "" {
		return fmt.Errorf("%w: content hash cannot be empty", ErrValidation)
	}

	if strings.TrimSpace(d.TargetColumn) == "" {
		return fmt.Errorf("%w: target column cannot be empty", ErrValidation)
	}

	return nil
}
