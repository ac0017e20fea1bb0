package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/lib/pq"

	"github.com/foresight-io/foresight/internal/model"
	"github.com/foresight-io/foresight/internal/training"
)

// constraintDatasetHash names the (model_type, content_hash) unique
// constraint on training_datasets.
const constraintDatasetHash = "training_datasets_type_hash_key"

const datasetColumns = `id, model_type, record_count, date_range_start, date_range_end,
		feature_columns, target_column, quality_report, storage_uri, content_hash, created_at`

const jobColumns = `id, model_type, status, trigger_kind, dataset_id, model_id,
		hyperparameters, metrics, error, gate_reason, started_at, ended_at`

// TrainingStore persists training datasets and jobs in PostgreSQL.
//
// Datasets are immutable once saved; the (type, content hash) unique
// constraint is the deduplication backstop for concurrent snapshot builds.
// Jobs are mutable rows the coordinator drives to a terminal state, listed
// newest first by insertion order.
type TrainingStore struct {
	conn *Connection
}

var _ training.Store = (*TrainingStore)(nil)

// NewTrainingStore creates a training store backed by the shared connection.
func NewTrainingStore(conn *Connection) *TrainingStore {
	return &TrainingStore{conn: conn}
}

// SaveDataset persists a new snapshot, enforcing (type, hash) uniqueness.
func (s *TrainingStore) SaveDataset(ctx context.Context, d *model.TrainingDataset) error {
	if err := d.Validate(); err != nil {
		return err
	}

	reportJSON, err := json.Marshal(d.QualityReport)
	if err != nil {
		return fmt.Errorf("save dataset: encode quality report: %w", err)
	}

	query := `INSERT INTO training_datasets (` + datasetColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err = s.conn.ExecContext(ctx, query,
		d.ID, d.ModelType, d.RecordCount, d.DateRangeStart, d.DateRangeEnd,
		pq.Array(d.FeatureColumns), d.TargetColumn, reportJSON, d.StorageURI, d.ContentHash, d.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, constraintDatasetHash) {
			return fmt.Errorf("%w: a %s snapshot with hash %s already exists",
				model.ErrDuplicateVersion, d.ModelType, d.ContentHash)
		}

		if isUniqueViolation(err, "") {
			return fmt.Errorf("%w: dataset id %s already saved", model.ErrDuplicateVersion, d.ID)
		}

		return wrapStorageErr("save dataset", err)
	}

	return nil
}

// DatasetByHash returns the snapshot with the given content hash.
func (s *TrainingStore) DatasetByHash(ctx context.Context, t model.ModelType, contentHash string) (*model.TrainingDataset, error) {
	query := `SELECT ` + datasetColumns + ` FROM training_datasets
		WHERE model_type = $1 AND content_hash = $2`

	d, err := scanDataset(s.conn.QueryRowContext(ctx, query, t, contentHash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no %s snapshot with hash %s", model.ErrNotFound, t, contentHash)
	}

	if err != nil {
		return nil, wrapStorageErr("dataset by hash", err)
	}

	return d, nil
}

// GetDataset returns the snapshot with the given ID.
func (s *TrainingStore) GetDataset(ctx context.Context, id string) (*model.TrainingDataset, error) {
	query := `SELECT ` + datasetColumns + ` FROM training_datasets WHERE id = $1`

	d, err := scanDataset(s.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: dataset %s", model.ErrNotFound, id)
	}

	if err != nil {
		return nil, wrapStorageErr("get dataset", err)
	}

	return d, nil
}

// SaveJob persists a new training job row.
func (s *TrainingStore) SaveJob(ctx context.Context, j *model.TrainingJob) error {
	hyperJSON, metricsJSON, err := encodeJobPayloads(j)
	if err != nil {
		return fmt.Errorf("save job: %w", err)
	}

	query := `INSERT INTO training_jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err = s.conn.ExecContext(ctx, query,
		j.ID, j.ModelType, j.Status, j.Trigger, nullableString(j.DatasetID), nullableString(j.ModelID),
		hyperJSON, metricsJSON, j.Error, j.GateReason, j.StartedAt, j.EndedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "") {
			return fmt.Errorf("%w: job %s already saved", model.ErrValidation, j.ID)
		}

		return wrapStorageErr("save job", err)
	}

	return nil
}

// UpdateJob replaces the mutable fields of an existing job row.
func (s *TrainingStore) UpdateJob(ctx context.Context, j *model.TrainingJob) error {
	hyperJSON, metricsJSON, err := encodeJobPayloads(j)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}

	query := `UPDATE training_jobs
		SET status = $2, trigger_kind = $3, dataset_id = $4, model_id = $5,
			hyperparameters = $6, metrics = $7, error = $8, gate_reason = $9,
			started_at = $10, ended_at = $11
		WHERE id = $1`

	res, err := s.conn.ExecContext(ctx, query,
		j.ID, j.Status, j.Trigger, nullableString(j.DatasetID), nullableString(j.ModelID),
		hyperJSON, metricsJSON, j.Error, j.GateReason, j.StartedAt, j.EndedAt,
	)
	if err != nil {
		return wrapStorageErr("update job", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: job %s", model.ErrNotFound, j.ID)
	}

	return nil
}

// GetJob returns the job with the given ID.
func (s *TrainingStore) GetJob(ctx context.Context, id string) (*model.TrainingJob, error) {
	query := `SELECT ` + jobColumns + ` FROM training_jobs WHERE id = $1`

	j, err := scanJob(s.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: job %s", model.ErrNotFound, id)
	}

	if err != nil {
		return nil, wrapStorageErr("get job", err)
	}

	return j, nil
}

// ListJobs returns the type's jobs newest first, at most limit entries.
func (s *TrainingStore) ListJobs(ctx context.Context, t model.ModelType, limit int) ([]*model.TrainingJob, error) {
	query := `SELECT ` + jobColumns + ` FROM training_jobs
		WHERE model_type = $1
		ORDER BY seq DESC`

	if limit > 0 {
		query += ` LIMIT ` + strconv.Itoa(limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, t)
	if err != nil {
		return nil, wrapStorageErr("list jobs", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	out := make([]*model.TrainingJob, 0)

	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("list jobs: %w", err)
		}

		out = append(out, j)
	}

	if err := rows.Err(); err != nil {
		return nil, wrapStorageErr("list jobs", err)
	}

	return out, nil
}

// encodeJobPayloads marshals the job's JSONB payloads. Metrics stay NULL
// until the job succeeds.
func encodeJobPayloads(j *model.TrainingJob) ([]byte, []byte, error) {
	hyper := j.Hyperparameters
	if hyper == nil {
		hyper = map[string]interface{}{}
	}

	hyperJSON, err := json.Marshal(hyper)
	if err != nil {
		return nil, nil, fmt.Errorf("encode hyperparameters: %w", err)
	}

	var metricsJSON []byte

	if j.Metrics != nil {
		metricsJSON, err = json.Marshal(j.Metrics)
		if err != nil {
			return nil, nil, fmt.Errorf("encode metrics: %w", err)
		}
	}

	return hyperJSON, metricsJSON, nil
}

// scanDataset reads one dataset row in datasetColumns order.
func scanDataset(row rowScanner) (*model.TrainingDataset, error) {
	var (
		d          model.TrainingDataset
		columns    pq.StringArray
		reportJSON []byte
	)

	err := row.Scan(
		&d.ID, &d.ModelType, &d.RecordCount, &d.DateRangeStart, &d.DateRangeEnd,
		&columns, &d.TargetColumn, &reportJSON, &d.StorageURI, &d.ContentHash, &d.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.FeatureColumns = []string(columns)

	if len(reportJSON) > 0 {
		if err := json.Unmarshal(reportJSON, &d.QualityReport); err != nil {
			return nil, fmt.Errorf("decode quality report: %w", err)
		}
	}

	return &d, nil
}

// scanJob reads one job row in jobColumns order.
func scanJob(row rowScanner) (*model.TrainingJob, error) {
	var (
		j           model.TrainingJob
		datasetID   sql.NullString
		modelID     sql.NullString
		hyperJSON   []byte
		metricsJSON []byte
		endedAt     sql.NullTime
	)

	err := row.Scan(
		&j.ID, &j.ModelType, &j.Status, &j.Trigger, &datasetID, &modelID,
		&hyperJSON, &metricsJSON, &j.Error, &j.GateReason, &j.StartedAt, &endedAt,
	)
	if err != nil {
		return nil, err
	}

	j.DatasetID = datasetID.String
	j.ModelID = modelID.String

	if len(hyperJSON) > 0 {
		if err := json.Unmarshal(hyperJSON, &j.Hyperparameters); err != nil {
			return nil, fmt.Errorf("decode hyperparameters: %w", err)
		}
	}

	if len(j.Hyperparameters) == 0 {
		j.Hyperparameters = nil
	}

	if len(metricsJSON) > 0 {
		var metrics model.Metrics
		if err := json.Unmarshal(metricsJSON, &metrics); err != nil {
			return nil, fmt.Errorf("decode metrics: %w", err)
		}

		j.Metrics = &metrics
	}

	if endedAt.Valid {
		at := endedAt.Time
		j.EndedAt = &at
	}

	return &j, nil
}
