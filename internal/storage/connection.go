// Package storage provides the PostgreSQL persistence layer: the shared
// connection pool, the model registry store, training dataset and job stores,
// the ingestion record store, the audit log backend, service key management,
// and the retention janitor. Every store maps database failures onto the
// domain error taxonomy in internal/model so callers never see driver errors.
package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/foresight-io/foresight/internal/model"
)

// ErrNoDatabaseConnection is returned when an operation runs against a nil
// or never-opened connection.
var ErrNoDatabaseConnection = errors.New("no database connection")

// pingTimeout bounds the liveness probe issued by NewConnection and by
// HealthCheck when the caller's context carries no deadline.
const pingTimeout = 5 * time.Second

// postgresDriver is the database/sql driver name lib/pq registers.
const postgresDriver = "postgres"

// Connection wraps the shared *sql.DB pool. All stores in this package hold
// one Connection; whoever constructed it closes it. The raw pool is exposed
// for the migration runner and test setup.
type Connection struct {
	DB *sql.DB
}

// NewConnection opens a pooled PostgreSQL connection per the config and
// verifies it with a bounded ping before returning.
func NewConnection(cfg *Config) (*Connection, error) {
	if cfg == nil {
		return nil, ErrDatabaseURLEmpty
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open(postgresDriver, cfg.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Connection{DB: db}, nil
}

// ExecContext executes a statement that returns no rows.
func (c *Connection) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.DB.ExecContext(ctx, query, args...)
}

// QueryContext executes a query that returns rows.
func (c *Connection) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.DB.QueryContext(ctx, query, args...)
}

// QueryRowContext executes a query expected to return at most one row.
func (c *Connection) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.DB.QueryRowContext(ctx, query, args...)
}

// BeginTx starts a transaction.
func (c *Connection) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return c.DB.BeginTx(ctx, opts)
}

// HealthCheck pings the database, bounding the probe when the context has
// no deadline of its own.
func (c *Connection) HealthCheck(ctx context.Context) error {
	if c == nil || c.DB == nil {
		return ErrNoDatabaseConnection
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, pingTimeout)

		defer cancel()
	}

	if err := c.DB.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", model.ErrTransientInfra, err)
	}

	return nil
}

// Close releases the connection pool. Safe to call on a nil Connection.
func (c *Connection) Close() error {
	if c == nil || c.DB == nil {
		return nil
	}

	return c.DB.Close()
}

// rowScanner abstracts *sql.Row and *sql.Rows for shared scan helpers.
type rowScanner interface {
	Scan(dest ...any) error
}

// isUniqueViolation reports whether err is a unique violation on the named
// constraint. An empty constraint matches any unique violation.
func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}

	if pqErr.Code != "23505" {
		return false
	}

	return constraint == "" || pqErr.Constraint == constraint
}

// isConnectionError reports whether err means the database is unreachable
// rather than the statement being wrong. Covers the pq connection exception
// class (08) plus the driver's bad-connection sentinels.
func isConnectionError(err error) bool {
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Class() == "08"
	}

	return false
}

// wrapStorageErr wraps a database error for the operation, surfacing
// unreachable-database failures as model.ErrTransientInfra so callers can
// distinguish retryable infrastructure trouble from bad requests.
func wrapStorageErr(op string, err error) error {
	if isConnectionError(err) {
		return fmt.Errorf("%w: %s: %v", model.ErrTransientInfra, op, err)
	}

	return fmt.Errorf("%s: %w", op, err)
}

// nullableString maps "" to SQL NULL.
func nullableString(s string) any {
	if s == "" {
		return nil
	}

	return s
}

// marshalStringMap encodes a metadata map for a JSONB column, mapping nil
// to the empty object.
func marshalStringMap(m map[string]string) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}

	return json.Marshal(m)
}
