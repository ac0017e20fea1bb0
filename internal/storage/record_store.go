package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/foresight-io/foresight/internal/ingest"
	"github.com/foresight-io/foresight/internal/model"
	"github.com/foresight-io/foresight/internal/training"
)

// recordChunkSize bounds how many records one INSERT statement carries so
// the parameter count stays well under the postgres wire limit.
const recordChunkSize = 500

// RecordStore persists ingested training records in PostgreSQL.
//
// It is both the ingestion consumer's sink and the training coordinator's
// record source. The (model_type, source_event_id) unique constraint makes
// appends idempotent across at-least-once redeliveries, including ones that
// fall outside the consumer's in-memory dedup window.
type RecordStore struct {
	conn *Connection
}

var (
	_ ingest.RecordSink     = (*RecordStore)(nil)
	_ training.RecordSource = (*RecordStore)(nil)
)

// NewRecordStore creates a record store backed by the shared connection.
func NewRecordStore(conn *Connection) *RecordStore {
	return &RecordStore{conn: conn}
}

// AppendRecords inserts the batch, skipping records whose (type, source
// event) pair is already present, and reports how many were newly inserted.
// The whole batch is validated before anything is written.
func (s *RecordStore) AppendRecords(ctx context.Context, records []model.TrainingRecord) (int, error) {
	for i := range records {
		if err := records[i].Validate(); err != nil {
			return 0, fmt.Errorf("append records: %w", err)
		}
	}

	var inserted int64

	for start := 0; start < len(records); start += recordChunkSize {
		end := start + recordChunkSize
		if end > len(records) {
			end = len(records)
		}

		n, err := s.appendChunk(ctx, records[start:end])
		inserted += n

		if err != nil {
			return int(inserted), err
		}
	}

	return int(inserted), nil
}

func (s *RecordStore) appendChunk(ctx context.Context, records []model.TrainingRecord) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}

	const columnsPerRecord = 6

	var (
		placeholders = make([]string, 0, len(records))
		args         = make([]any, 0, len(records)*columnsPerRecord)
	)

	for i, r := range records {
		featuresJSON, err := json.Marshal(r.Features)
		if err != nil {
			return 0, fmt.Errorf("append records: encode features: %w", err)
		}

		base := i * columnsPerRecord
		placeholders = append(placeholders, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6))
		args = append(args, r.ModelType, r.EntityKey, featuresJSON, r.Target, r.SourceEventID, r.OccurredAt)
	}

	query := `INSERT INTO training_records (model_type, entity_key, features, target, source_event_id, occurred_at)
		VALUES ` + strings.Join(placeholders, ", ") + `
		ON CONFLICT (model_type, source_event_id) DO NOTHING`

	res, err := s.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, wrapStorageErr("append records", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("append records: %w", err)
	}

	return inserted, nil
}

// Records returns the type's records with occurrence times in [from, to),
// oldest first.
func (s *RecordStore) Records(ctx context.Context, t model.ModelType, from, to time.Time) ([]model.TrainingRecord, error) {
	query := `SELECT model_type, entity_key, features, target, source_event_id, occurred_at
		FROM training_records
		WHERE model_type = $1 AND occurred_at >= $2 AND occurred_at < $3
		ORDER BY occurred_at ASC, id ASC`

	rows, err := s.conn.QueryContext(ctx, query, t, from, to)
	if err != nil {
		return nil, wrapStorageErr("load records", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var out []model.TrainingRecord

	for rows.Next() {
		var (
			r            model.TrainingRecord
			featuresJSON []byte
		)

		err := rows.Scan(&r.ModelType, &r.EntityKey, &featuresJSON, &r.Target, &r.SourceEventID, &r.OccurredAt)
		if err != nil {
			return nil, fmt.Errorf("load records: %w", err)
		}

		if err := json.Unmarshal(featuresJSON, &r.Features); err != nil {
			return nil, fmt.Errorf("load records: decode features: %w", err)
		}

		out = append(out, r)
	}

	if err := rows.Err(); err != nil {
		return nil, wrapStorageErr("load records", err)
	}

	return out, nil
}

// CountRecords returns how many records the type has accumulated.
func (s *RecordStore) CountRecords(ctx context.Context, t model.ModelType) (int, error) {
	var count int

	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM training_records WHERE model_type = $1`, t,
	).Scan(&count)
	if err != nil {
		return 0, wrapStorageErr("count records", err)
	}

	return count, nil
}

// PurgeEntity deletes every record keyed to the entity and reports how many
// were removed. Compliance erasure for customer-linked training data.
func (s *RecordStore) PurgeEntity(ctx context.Context, entityKey string) (int64, error) {
	if entityKey == "" {
		return 0, nil
	}

	res, err := s.conn.ExecContext(ctx,
		`DELETE FROM training_records WHERE entity_key = $1`, entityKey,
	)
	if err != nil {
		return 0, wrapStorageErr("purge entity records", err)
	}

	purged, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge entity records: %w", err)
	}

	return purged, nil
}

// DeadLetterStore persists rejected ingestion events in PostgreSQL for
// operator inspection and replay tooling.
type DeadLetterStore struct {
	conn *Connection
}

var _ ingest.DeadLetterSink = (*DeadLetterStore)(nil)

// NewDeadLetterStore creates a dead letter store backed by the shared
// connection.
func NewDeadLetterStore(conn *Connection) *DeadLetterStore {
	return &DeadLetterStore{conn: conn}
}

// Append stores one rejected event.
func (s *DeadLetterStore) Append(ctx context.Context, letter ingest.DeadLetter) error {
	query := `INSERT INTO dead_letters (event_id, kind, reason, payload, received_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.conn.ExecContext(ctx, query,
		letter.EventID, letter.Kind, letter.Reason, letter.Payload, letter.ReceivedAt,
	)
	if err != nil {
		return wrapStorageErr("append dead letter", err)
	}

	return nil
}

// List returns dead letters newest first, at most limit entries. A
// non-positive limit means no cap.
func (s *DeadLetterStore) List(ctx context.Context, limit int) ([]ingest.DeadLetter, error) {
	query := `SELECT event_id, kind, reason, payload, received_at
		FROM dead_letters
		ORDER BY received_at DESC, id DESC`

	if limit > 0 {
		query += ` LIMIT ` + strconv.Itoa(limit)
	}

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, wrapStorageErr("list dead letters", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var out []ingest.DeadLetter

	for rows.Next() {
		var letter ingest.DeadLetter

		err := rows.Scan(&letter.EventID, &letter.Kind, &letter.Reason, &letter.Payload, &letter.ReceivedAt)
		if err != nil {
			return nil, fmt.Errorf("list dead letters: %w", err)
		}

		out = append(out, letter)
	}

	if err := rows.Err(); err != nil {
		return nil, wrapStorageErr("list dead letters", err)
	}

	return out, nil
}
