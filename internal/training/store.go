package training

import (
	"context"
	"time"

	"github.com/foresight-io/foresight/internal/model"
)

// Store defines the persistence interface for training datasets and jobs.
//
// The coordinator owns this interface; implementations live in the
// in-memory store below and in internal/storage for PostgreSQL. Datasets
// are immutable once saved and addressed by content hash for deduplication.
// Jobs are mutable rows the coordinator drives through Pending, Running and
// a terminal state.
type Store interface {
	// SaveDataset persists a new immutable snapshot. Returns
	// model.ErrDuplicateVersion when the (type, content hash) pair exists.
	SaveDataset(ctx context.Context, d *model.TrainingDataset) error

	// DatasetByHash returns the snapshot with the given content hash for
	// the type, or model.ErrNotFound.
	DatasetByHash(ctx context.Context, t model.ModelType, contentHash string) (*model.TrainingDataset, error)

	// GetDataset returns the snapshot with the given ID, or model.ErrNotFound.
	GetDataset(ctx context.Context, id string) (*model.TrainingDataset, error)

	// SaveJob persists a new training job row.
	SaveJob(ctx context.Context, j *model.TrainingJob) error

	// UpdateJob replaces an existing job row. Returns model.ErrNotFound
	// when the job was never saved.
	UpdateJob(ctx context.Context, j *model.TrainingJob) error

	// GetJob returns the job with the given ID, or model.ErrNotFound.
	GetJob(ctx context.Context, id string) (*model.TrainingJob, error)

	// ListJobs returns the type's jobs newest first, at most limit entries.
	// A non-positive limit means no cap.
	ListJobs(ctx context.Context, t model.ModelType, limit int) ([]*model.TrainingJob, error)
}

// RecordSource supplies ingested training records for snapshot building.
// Implemented by the ingestion record store in internal/storage.
type RecordSource interface {
	// Records returns the type's records with occurrence times in
	// [from, to), in no particular order.
	Records(ctx context.Context, t model.ModelType, from, to time.Time) ([]model.TrainingRecord, error)
}

func cloneDataset(d *model.TrainingDataset) *model.TrainingDataset {
	clone := *d

	clone.FeatureColumns = append([]string(nil), d.FeatureColumns...)
	clone.QualityReport = cloneReport(d.QualityReport)

	return &clone
}

func cloneReport(r model.QualityReport) model.QualityReport {
	clone := r

	if r.NullDensity != nil {
		clone.NullDensity = make(map[string]float64, len(r.NullDensity))
		for k, v := range r.NullDensity {
			clone.NullDensity[k] = v
		}
	}

	if r.OutlierCount != nil {
		clone.OutlierCount = make(map[string]int, len(r.OutlierCount))
		for k, v := range r.OutlierCount {
			clone.OutlierCount[k] = v
		}
	}

	clone.Flags = append([]model.QualityFlag(nil), r.Flags...)

	return clone
}

func cloneJob(j *model.TrainingJob) *model.TrainingJob {
	clone := *j

	if j.Hyperparameters != nil {
		clone.Hyperparameters = make(map[string]interface{}, len(j.Hyperparameters))
		for k, v := range j.Hyperparameters {
			clone.Hyperparameters[k] = v
		}
	}

	if j.Metrics != nil {
		metrics := *j.Metrics
		if j.Metrics.Values != nil {
			metrics.Values = make(map[model.MetricName]float64, len(j.Metrics.Values))
			for k, v := range j.Metrics.Values {
				metrics.Values[k] = v
			}
		}
		clone.Metrics = &metrics
	}

	if j.EndedAt != nil {
		ended := *j.EndedAt
		clone.EndedAt = &ended
	}

	return &clone
}
