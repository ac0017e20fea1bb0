package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/foresight-io/foresight/internal/audit"
	"github.com/foresight-io/foresight/internal/model"
)

// auditChunkSize bounds how many entries one INSERT statement carries.
const auditChunkSize = 200

const auditColumns = `id, request_id, model_type, model_version, fingerprint, input, output,
		confidence, response_ms, cache_status, user_id, tenant_id, error, created_at,
		actual_outcome, outcome_received_at`

// AuditStore persists prediction audit entries in PostgreSQL.
//
// The table carries a monotonically increasing seq column so append order
// survives batched writes with equal timestamps; outcome attachment targets
// the latest entry for a request by that order.
type AuditStore struct {
	conn *Connection
}

var _ audit.Store = (*AuditStore)(nil)

// NewAuditStore creates an audit store backed by the shared connection.
func NewAuditStore(conn *Connection) *AuditStore {
	return &AuditStore{conn: conn}
}

// Append persists the batch in order.
func (s *AuditStore) Append(ctx context.Context, entries []model.AuditEntry) error {
	for start := 0; start < len(entries); start += auditChunkSize {
		end := start + auditChunkSize
		if end > len(entries) {
			end = len(entries)
		}

		if err := s.appendChunk(ctx, entries[start:end]); err != nil {
			return err
		}
	}

	return nil
}

func (s *AuditStore) appendChunk(ctx context.Context, entries []model.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}

	const columnsPerEntry = 16

	var (
		placeholders = make([]string, 0, len(entries))
		args         = make([]any, 0, len(entries)*columnsPerEntry)
	)

	for i, e := range entries {
		base := i * columnsPerEntry
		marks := make([]string, columnsPerEntry)

		for j := range marks {
			marks[j] = fmt.Sprintf("$%d", base+j+1)
		}

		placeholders = append(placeholders, "("+strings.Join(marks, ", ")+")")
		args = append(args,
			e.ID, e.RequestID, e.ModelType, e.ModelVersion, e.Fingerprint,
			jsonOrNull(e.Input), jsonOrNull(e.Output),
			e.Confidence, e.ResponseMS, e.CacheStatus, nullableString(e.UserID),
			nullableString(e.TenantID), e.Error, e.CreatedAt,
			e.ActualOutcome, e.OutcomeReceivedAt,
		)
	}

	query := `INSERT INTO audit_entries (` + auditColumns + `)
		VALUES ` + strings.Join(placeholders, ", ")

	if _, err := s.conn.ExecContext(ctx, query, args...); err != nil {
		return wrapStorageErr("append audit entries", err)
	}

	return nil
}

// AttachOutcome records ground truth on the most recent entry for the
// request id. Only the outcome fields change.
func (s *AuditStore) AttachOutcome(ctx context.Context, requestID string, outcome float64, receivedAt time.Time) error {
	query := `UPDATE audit_entries
		SET actual_outcome = $2, outcome_received_at = $3
		WHERE seq = (SELECT seq FROM audit_entries WHERE request_id = $1 ORDER BY seq DESC LIMIT 1)`

	res, err := s.conn.ExecContext(ctx, query, requestID, outcome, receivedAt)
	if err != nil {
		return wrapStorageErr("attach outcome", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("attach outcome: %w", err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: no audit entry for request %q", model.ErrNotFound, requestID)
	}

	return nil
}

// RecentWithOutcomes returns ground-truthed entries of the type and version
// appended at or after since, oldest first.
func (s *AuditStore) RecentWithOutcomes(ctx context.Context, t model.ModelType, version string, since time.Time) ([]model.AuditEntry, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_entries
		WHERE model_type = $1 AND model_version = $2 AND created_at >= $3 AND actual_outcome IS NOT NULL
		ORDER BY seq ASC`

	rows, err := s.conn.QueryContext(ctx, query, t, version, since)
	if err != nil {
		return nil, wrapStorageErr("recent outcomes", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var out []model.AuditEntry

	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("recent outcomes: %w", err)
		}

		out = append(out, e)
	}

	if err := rows.Err(); err != nil {
		return nil, wrapStorageErr("recent outcomes", err)
	}

	return out, nil
}

// PurgeUser deletes every entry linked to the user id. Compliance erasure.
func (s *AuditStore) PurgeUser(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, nil
	}

	res, err := s.conn.ExecContext(ctx, `DELETE FROM audit_entries WHERE user_id = $1`, userID)
	if err != nil {
		return 0, wrapStorageErr("purge user audit", err)
	}

	purged, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge user audit: %w", err)
	}

	return purged, nil
}

// RecentByRequest returns the newest entries for the request id, newest
// first. Serves the audit inspection endpoint.
func (s *AuditStore) RecentByRequest(ctx context.Context, requestID string, limit int) ([]model.AuditEntry, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_entries
		WHERE request_id = $1
		ORDER BY seq DESC`

	if limit > 0 {
		query += ` LIMIT ` + strconv.Itoa(limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, requestID)
	if err != nil {
		return nil, wrapStorageErr("audit by request", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var out []model.AuditEntry

	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("audit by request: %w", err)
		}

		out = append(out, e)
	}

	if err := rows.Err(); err != nil {
		return nil, wrapStorageErr("audit by request", err)
	}

	return out, nil
}

// CountSince reports how many entries of the type were appended at or after
// since. Feeds the prediction volume figure on the model health endpoint.
func (s *AuditStore) CountSince(ctx context.Context, t model.ModelType, since time.Time) (int64, error) {
	var count int64

	err := s.conn.QueryRowContext(ctx,
		`SELECT count(*) FROM audit_entries WHERE model_type = $1 AND created_at >= $2`,
		string(t), since,
	).Scan(&count)
	if err != nil {
		return 0, wrapStorageErr("audit count", err)
	}

	return count, nil
}

// scanAuditEntry reads one audit row in auditColumns order.
func scanAuditEntry(row rowScanner) (model.AuditEntry, error) {
	var (
		e          model.AuditEntry
		input      []byte
		output     []byte
		confidence sql.NullFloat64
		userID     sql.NullString
		tenantID   sql.NullString
		outcome    sql.NullFloat64
		receivedAt sql.NullTime
	)

	err := row.Scan(
		&e.ID, &e.RequestID, &e.ModelType, &e.ModelVersion, &e.Fingerprint, &input, &output,
		&confidence, &e.ResponseMS, &e.CacheStatus, &userID, &tenantID, &e.Error, &e.CreatedAt,
		&outcome, &receivedAt,
	)
	if err != nil {
		return model.AuditEntry{}, err
	}

	if len(input) > 0 {
		e.Input = json.RawMessage(input)
	}

	if len(output) > 0 {
		e.Output = json.RawMessage(output)
	}

	if confidence.Valid {
		v := confidence.Float64
		e.Confidence = &v
	}

	e.UserID = userID.String
	e.TenantID = tenantID.String

	if outcome.Valid {
		v := outcome.Float64
		e.ActualOutcome = &v
	}

	if receivedAt.Valid {
		at := receivedAt.Time
		e.OutcomeReceivedAt = &at
	}

	return e, nil
}

// jsonOrNull maps empty raw JSON to SQL NULL.
func jsonOrNull(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}

	return []byte(raw)
}
