package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/foresight-io/foresight/internal/config"
)

// Service key audit operations.
const (
	keyCreated = "created"
	keyUpdated = "updated"
	keyDeleted = "deleted"
)

// PersistentKeyStore implements KeyStore with a PostgreSQL backend. Keys are
// stored bcrypt-hashed, deletes are soft (active=FALSE) so the audit trail
// survives, and every mutation writes a best-effort audit row.
type PersistentKeyStore struct {
	conn   *Connection
	logger *slog.Logger
}

var _ KeyStore = (*PersistentKeyStore)(nil)

// NewPersistentKeyStore creates a PostgreSQL-backed key store sharing the
// given connection. The connection's owner closes it.
func NewPersistentKeyStore(conn *Connection) *PersistentKeyStore {
	return &PersistentKeyStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// FindByKey retrieves a service key by its key value using bcrypt hash
// comparison. All active keys are scanned and compared in memory, which
// holds up for the expected key population of a deployment (tens, not
// thousands). Returns (nil, false) if no key matches.
func (s *PersistentKeyStore) FindByKey(ctx context.Context, key string) (*ServiceKey, bool) {
	if key == "" {
		return nil, false
	}

	query := `SELECT id, key_hash, service_id, name, roles, created_at, expires_at, active
		FROM service_keys
		WHERE active = TRUE`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, false
	}

	defer func() {
		_ = rows.Close()
	}()

	var found *ServiceKey

	for rows.Next() {
		sk, err := scanServiceKey(rows)
		if err != nil {
			continue
		}

		// sk.Key holds the stored hash at this point.
		if CompareServiceKeyHash(sk.Key, key) {
			sk.Key = MaskKey(sk.Key)
			found = sk

			break
		}
	}

	if err := rows.Err(); err != nil {
		s.logger.Error("Service key lookup failed", slog.String("error", err.Error()))

		return nil, false
	}

	return found, found != nil
}

// Add stores a new service key, hashing the plaintext before it touches the
// database. Duplicate detection compares against existing active keys, since
// bcrypt produces a different hash for the same input every time.
func (s *PersistentKeyStore) Add(ctx context.Context, sk *ServiceKey) error {
	if sk == nil {
		return ErrKeyNil
	}

	if existing, found := s.FindByKey(ctx, sk.Key); found && existing != nil {
		return ErrKeyAlreadyExists
	}

	keyHash, err := HashServiceKey(sk.Key)
	if err != nil {
		return fmt.Errorf("failed to hash service key: %w", err)
	}

	rolesJSON, err := rolesToJSON(sk.Roles)
	if err != nil {
		return fmt.Errorf("failed to serialize roles: %w", err)
	}

	query := `INSERT INTO service_keys (id, key_hash, service_id, name, roles, created_at, expires_at, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err = s.conn.ExecContext(ctx, query,
		sk.ID, keyHash, sk.ServiceID, sk.Name, rolesJSON, sk.CreatedAt, sk.ExpiresAt, sk.Active,
	)
	if err != nil {
		if isUniqueViolation(err, "") {
			return ErrKeyAlreadyExists
		}

		return wrapStorageErr("insert service key", err)
	}

	s.logAudit(ctx, keyCreated, sk.ID, sk.ServiceID, MaskKey(keyHash))

	return nil
}

// Update modifies the name, roles, active flag, and expiration of an
// existing key. The key hash itself never changes.
func (s *PersistentKeyStore) Update(ctx context.Context, sk *ServiceKey) error {
	if sk == nil {
		return ErrKeyNil
	}

	if sk.ID == "" {
		return ErrKeyNotFound
	}

	rolesJSON, err := rolesToJSON(sk.Roles)
	if err != nil {
		return fmt.Errorf("failed to serialize roles: %w", err)
	}

	query := `UPDATE service_keys
		SET name = $1, roles = $2, active = $3, expires_at = $4, updated_at = NOW()
		WHERE id = $5`

	result, err := s.conn.ExecContext(ctx, query, sk.Name, rolesJSON, sk.Active, sk.ExpiresAt, sk.ID)
	if err != nil {
		return wrapStorageErr("update service key", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update service key: %w", err)
	}

	if affected == 0 {
		return ErrKeyNotFound
	}

	s.logAudit(ctx, keyUpdated, sk.ID, sk.ServiceID, "")

	return nil
}

// Delete soft-deletes a service key by setting active=FALSE. The row stays
// for the audit trail.
func (s *PersistentKeyStore) Delete(ctx context.Context, keyID string) error {
	if keyID == "" {
		return ErrKeyNotFound
	}

	result, err := s.conn.ExecContext(ctx,
		`UPDATE service_keys SET active = FALSE, updated_at = NOW() WHERE id = $1`, keyID,
	)
	if err != nil {
		return wrapStorageErr("delete service key", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete service key: %w", err)
	}

	if affected == 0 {
		return ErrKeyNotFound
	}

	s.logAudit(ctx, keyDeleted, keyID, "", "")

	return nil
}

// ListByService returns all active service keys for a specific service,
// newest first, with hashes masked.
func (s *PersistentKeyStore) ListByService(ctx context.Context, serviceID string) ([]*ServiceKey, error) {
	if serviceID == "" {
		return nil, ErrServiceIDEmpty
	}

	query := `SELECT id, key_hash, service_id, name, roles, created_at, expires_at, active
		FROM service_keys
		WHERE service_id = $1 AND active = TRUE
		ORDER BY created_at DESC`

	rows, err := s.conn.QueryContext(ctx, query, serviceID)
	if err != nil {
		return nil, wrapStorageErr("list service keys", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	keys := make([]*ServiceKey, 0)

	for rows.Next() {
		sk, err := scanServiceKey(rows)
		if err != nil {
			continue
		}

		sk.Key = MaskKey(sk.Key)
		keys = append(keys, sk)
	}

	if err := rows.Err(); err != nil {
		return nil, wrapStorageErr("list service keys", err)
	}

	return keys, nil
}

// scanServiceKey reads one key row. The Key field receives the stored hash;
// callers mask or compare it before the key leaves the store.
func scanServiceKey(row rowScanner) (*ServiceKey, error) {
	var (
		sk        ServiceKey
		rolesJSON []byte
	)

	err := row.Scan(&sk.ID, &sk.Key, &sk.ServiceID, &sk.Name, &rolesJSON,
		&sk.CreatedAt, &sk.ExpiresAt, &sk.Active)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(rolesJSON, &sk.Roles); err != nil {
		return nil, err
	}

	return &sk, nil
}

// rolesToJSON converts a roles slice to JSON for JSONB storage, mapping nil
// to the empty list.
func rolesToJSON(roles []string) ([]byte, error) {
	if roles == nil {
		roles = []string{}
	}

	return json.Marshal(roles)
}

// logAudit writes a best-effort audit row for a key mutation. Failures are
// logged, never surfaced; the mutation itself already succeeded.
func (s *PersistentKeyStore) logAudit(ctx context.Context, operation, keyID, serviceID, maskedKey string) {
	query := `INSERT INTO service_key_audit_log (key_id, operation, masked_key, service_id)
		VALUES ($1, $2, $3, $4)`

	if _, err := s.conn.ExecContext(ctx, query, keyID, operation, maskedKey, serviceID); err != nil {
		s.logger.Error("Service key audit write failed",
			slog.String("operation", operation),
			slog.String("key_id", keyID),
			slog.String("error", err.Error()),
		)
	}
}
