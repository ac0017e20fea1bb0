package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/foresight-io/foresight/internal/model"
	"github.com/foresight-io/foresight/internal/registry"
)

// Constraint names from the migrations. Unique violations on these map onto
// domain errors instead of surfacing as driver errors.
const (
	constraintModelVersion = "models_type_version_key"
	constraintSingleActive = "models_single_active_idx"
)

// modelColumns is the column list shared by every model query; scanModel
// expects exactly this order.
const modelColumns = `id, model_type, version_major, version_minor, version_patch, status,
		artifact_uri, trained_at, deployed_at, deprecated_at, metrics, dataset_size,
		training_job_id, metadata, created_at, updated_at`

// ModelStore persists registered models in PostgreSQL.
//
// The registry invariants are enforced at the schema level too: (type,
// version) uniqueness through a unique constraint and the one-active-per-type
// rule through a partial unique index over Active rows. Store methods hold
// row locks so concurrent lifecycle transitions serialize instead of
// clobbering each other.
type ModelStore struct {
	conn *Connection
}

var _ registry.Store = (*ModelStore)(nil)

// NewModelStore creates a model store backed by the shared connection.
func NewModelStore(conn *Connection) *ModelStore {
	return &ModelStore{conn: conn}
}

// GetActive returns the active model for the type.
func (s *ModelStore) GetActive(ctx context.Context, t model.ModelType) (*model.Model, error) {
	query := `SELECT ` + modelColumns + ` FROM models WHERE model_type = $1 AND status = $2`

	m, err := scanModel(s.conn.QueryRowContext(ctx, query, t, model.StatusActive))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no active model for type %s", model.ErrNotFound, t)
	}

	if err != nil {
		return nil, wrapStorageErr("get active model", err)
	}

	return m, nil
}

// GetByID returns the model with the given ID.
func (s *ModelStore) GetByID(ctx context.Context, id string) (*model.Model, error) {
	query := `SELECT ` + modelColumns + ` FROM models WHERE id = $1`

	m, err := scanModel(s.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: model %s", model.ErrNotFound, id)
	}

	if err != nil {
		return nil, wrapStorageErr("get model", err)
	}

	return m, nil
}

// ListVersions returns the type's models ordered by version descending,
// optionally filtered by status.
func (s *ModelStore) ListVersions(ctx context.Context, t model.ModelType, statuses []model.ModelStatus) ([]*model.Model, error) {
	query := `SELECT ` + modelColumns + ` FROM models WHERE model_type = $1`
	args := []any{t}

	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, status := range statuses {
			names[i] = string(status)
		}

		query += ` AND status = ANY($2)`
		args = append(args, pq.Array(names))
	}

	query += ` ORDER BY version_major DESC, version_minor DESC, version_patch DESC`

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapStorageErr("list model versions", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var out []*model.Model

	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, fmt.Errorf("list model versions: %w", err)
		}

		out = append(out, m)
	}

	if err := rows.Err(); err != nil {
		return nil, wrapStorageErr("list model versions", err)
	}

	return out, nil
}

// MaxVersion returns the highest version registered for the type.
func (s *ModelStore) MaxVersion(ctx context.Context, t model.ModelType) (model.Version, bool, error) {
	query := `SELECT version_major, version_minor, version_patch FROM models
		WHERE model_type = $1
		ORDER BY version_major DESC, version_minor DESC, version_patch DESC
		LIMIT 1`

	var v model.Version

	err := s.conn.QueryRowContext(ctx, query, t).Scan(&v.Major, &v.Minor, &v.Patch)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Version{}, false, nil
	}

	if err != nil {
		return model.Version{}, false, wrapStorageErr("max model version", err)
	}

	return v, true, nil
}

// Insert stores a new model, enforcing (type, version) uniqueness.
func (s *ModelStore) Insert(ctx context.Context, m *model.Model) error {
	if m == nil {
		return fmt.Errorf("%w: model is nil", model.ErrValidation)
	}

	metricsJSON, err := json.Marshal(m.Metrics)
	if err != nil {
		return fmt.Errorf("insert model: encode metrics: %w", err)
	}

	metadataJSON, err := marshalStringMap(m.Metadata)
	if err != nil {
		return fmt.Errorf("insert model: encode metadata: %w", err)
	}

	query := `INSERT INTO models (id, model_type, version_major, version_minor, version_patch, status,
			artifact_uri, trained_at, deployed_at, deprecated_at, metrics, dataset_size,
			training_job_id, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	_, err = s.conn.ExecContext(ctx, query,
		m.ID, m.Type, m.Version.Major, m.Version.Minor, m.Version.Patch, m.Status,
		m.ArtifactURI, m.TrainedAt, m.DeployedAt, m.DeprecatedAt, metricsJSON, m.DatasetSize,
		nullableString(m.TrainingJobID), metadataJSON, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		switch {
		case isUniqueViolation(err, constraintSingleActive):
			return fmt.Errorf("%w: an active model already exists for type %s", model.ErrInvariantViolation, m.Type)
		case isUniqueViolation(err, constraintModelVersion):
			return fmt.Errorf("%w: %s version %s already registered", model.ErrDuplicateVersion, m.Type, m.Version)
		case isUniqueViolation(err, ""):
			return fmt.Errorf("%w: model id %s already registered", model.ErrDuplicateVersion, m.ID)
		}

		return wrapStorageErr("insert model", err)
	}

	return nil
}

// UpdateStatus applies a compare-and-swap status change. The row is locked
// for the duration so the observed status cannot change under the update.
func (s *ModelStore) UpdateStatus(ctx context.Context, update registry.StatusUpdate) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return wrapStorageErr("update model status", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	row, err := lockModelRow(ctx, tx, update.ModelID)
	if err != nil {
		return err
	}

	if row.status != update.From {
		return fmt.Errorf("%w: model %s is %s, expected %s",
			model.ErrLifecycleConflict, update.ModelID, row.status, update.From)
	}

	for k, v := range update.Annotations {
		row.metadata[k] = v
	}

	metadataJSON, err := json.Marshal(row.metadata)
	if err != nil {
		return fmt.Errorf("update model status: encode metadata: %w", err)
	}

	query := `UPDATE models
		SET status = $2,
			metadata = $3,
			updated_at = $4,
			deployed_at = COALESCE($5, deployed_at),
			deprecated_at = COALESCE($6, deprecated_at)
		WHERE id = $1`

	_, err = tx.ExecContext(ctx, query,
		update.ModelID, update.To, metadataJSON, time.Now().UTC(),
		update.DeployedAt, update.DeprecatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, constraintSingleActive) {
			return fmt.Errorf("%w: an active model already exists for model %s's type",
				model.ErrInvariantViolation, update.ModelID)
		}

		return wrapStorageErr("update model status", err)
	}

	if err := tx.Commit(); err != nil {
		return wrapStorageErr("update model status", err)
	}

	return nil
}

// SwapActive atomically activates one model and deprecates another.
//
// Both rows are locked before any write, the demotion runs before the
// promotion so the partial unique index never sees two Active rows, and a
// failed precondition rolls the whole transaction back.
func (s *ModelStore) SwapActive(ctx context.Context, swap registry.ActiveSwap) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return wrapStorageErr("swap active model", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	promote, err := lockModelRow(ctx, tx, swap.PromoteID)
	if err != nil {
		return err
	}

	if promote.status != swap.PromoteFrom {
		return fmt.Errorf("%w: model %s is %s, expected %s",
			model.ErrLifecycleConflict, swap.PromoteID, promote.status, swap.PromoteFrom)
	}

	if swap.DemoteID != "" {
		demote, err := lockModelRow(ctx, tx, swap.DemoteID)
		if err != nil {
			return err
		}

		if demote.status != model.StatusActive {
			return fmt.Errorf("%w: model %s is %s, expected Active",
				model.ErrLifecycleConflict, swap.DemoteID, demote.status)
		}
	}

	// Any other active model of the type means the swap would break the
	// single-active invariant.
	var otherActive string

	err = tx.QueryRowContext(ctx,
		`SELECT id FROM models WHERE model_type = $1 AND status = $2 AND id <> $3 LIMIT 1`,
		promote.modelType, model.StatusActive, swap.DemoteID,
	).Scan(&otherActive)

	switch {
	case err == nil:
		return fmt.Errorf("%w: model %s is already active for type %s",
			model.ErrInvariantViolation, otherActive, promote.modelType)
	case !errors.Is(err, sql.ErrNoRows):
		return wrapStorageErr("swap active model", err)
	}

	at := swap.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	if swap.DemoteID != "" {
		_, err = tx.ExecContext(ctx,
			`UPDATE models SET status = $2, deprecated_at = $3, updated_at = $3 WHERE id = $1`,
			swap.DemoteID, model.StatusDeprecated, at,
		)
		if err != nil {
			return wrapStorageErr("swap active model", err)
		}
	}

	for k, v := range swap.Annotations {
		promote.metadata[k] = v
	}

	metadataJSON, err := json.Marshal(promote.metadata)
	if err != nil {
		return fmt.Errorf("swap active model: encode metadata: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE models SET status = $2, deployed_at = $3, updated_at = $3, metadata = $4 WHERE id = $1`,
		swap.PromoteID, model.StatusActive, at, metadataJSON,
	)
	if err != nil {
		if isUniqueViolation(err, constraintSingleActive) {
			return fmt.Errorf("%w: an active model already exists for type %s",
				model.ErrInvariantViolation, promote.modelType)
		}

		return wrapStorageErr("swap active model", err)
	}

	if err := tx.Commit(); err != nil {
		return wrapStorageErr("swap active model", err)
	}

	return nil
}

// HealthCheck pings the underlying database.
func (s *ModelStore) HealthCheck(ctx context.Context) error {
	return s.conn.HealthCheck(ctx)
}

// lockedModelRow is the slice of a model row the lifecycle updates need.
type lockedModelRow struct {
	status    model.ModelStatus
	modelType model.ModelType
	metadata  map[string]string
}

// lockModelRow locks the model row FOR UPDATE and returns its status, type,
// and decoded metadata. Missing rows map to model.ErrNotFound.
func lockModelRow(ctx context.Context, tx *sql.Tx, id string) (lockedModelRow, error) {
	var (
		row          lockedModelRow
		metadataJSON []byte
	)

	err := tx.QueryRowContext(ctx,
		`SELECT status, model_type, metadata FROM models WHERE id = $1 FOR UPDATE`, id,
	).Scan(&row.status, &row.modelType, &metadataJSON)

	if errors.Is(err, sql.ErrNoRows) {
		return lockedModelRow{}, fmt.Errorf("%w: model %s", model.ErrNotFound, id)
	}

	if err != nil {
		return lockedModelRow{}, wrapStorageErr("lock model row", err)
	}

	row.metadata = make(map[string]string)
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &row.metadata); err != nil {
			return lockedModelRow{}, fmt.Errorf("lock model row: decode metadata: %w", err)
		}
	}

	return row, nil
}

// scanModel reads one model row in modelColumns order.
func scanModel(row rowScanner) (*model.Model, error) {
	var (
		m             model.Model
		deployedAt    sql.NullTime
		deprecatedAt  sql.NullTime
		trainingJobID sql.NullString
		metricsJSON   []byte
		metadataJSON  []byte
	)

	err := row.Scan(
		&m.ID, &m.Type, &m.Version.Major, &m.Version.Minor, &m.Version.Patch, &m.Status,
		&m.ArtifactURI, &m.TrainedAt, &deployedAt, &deprecatedAt, &metricsJSON, &m.DatasetSize,
		&trainingJobID, &metadataJSON, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if deployedAt.Valid {
		at := deployedAt.Time
		m.DeployedAt = &at
	}

	if deprecatedAt.Valid {
		at := deprecatedAt.Time
		m.DeprecatedAt = &at
	}

	m.TrainingJobID = trainingJobID.String

	if len(metricsJSON) > 0 {
		if err := json.Unmarshal(metricsJSON, &m.Metrics); err != nil {
			return nil, fmt.Errorf("decode metrics: %w", err)
		}
	}

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &m.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}

	if len(m.Metadata) == 0 {
		m.Metadata = nil
	}

	return &m, nil
}
