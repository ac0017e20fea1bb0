package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultSweepInterval = time.Hour
	defaultDeadLetterTTL = 30 * 24 * time.Hour

	// sweepBatchSize bounds one DELETE so long-running sweeps never hold
	// wide locks; sweepBatchPause lets other writers in between batches.
	sweepBatchSize  = 10000
	sweepBatchPause = 100 * time.Millisecond

	// sweepTimeout bounds one whole background sweep.
	sweepTimeout = 5 * time.Minute
)

// Janitor deletes aged storage rows in the background: dead letters past
// their retention window always, audit entries only when an audit retention
// window is configured (they are kept forever by default).
type Janitor struct {
	conn   *Connection
	logger *slog.Logger

	interval      time.Duration
	deadLetterTTL time.Duration
	auditTTL      time.Duration

	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

// JanitorOption configures optional Janitor behavior.
type JanitorOption func(*Janitor)

// WithSweepInterval sets how often the background sweep runs.
func WithSweepInterval(d time.Duration) JanitorOption {
	return func(j *Janitor) {
		if d > 0 {
			j.interval = d
		}
	}
}

// WithDeadLetterTTL sets how long rejected events are kept.
func WithDeadLetterTTL(d time.Duration) JanitorOption {
	return func(j *Janitor) {
		if d > 0 {
			j.deadLetterTTL = d
		}
	}
}

// WithAuditTTL enables audit retention sweeping with the given window.
func WithAuditTTL(d time.Duration) JanitorOption {
	return func(j *Janitor) {
		if d > 0 {
			j.auditTTL = d
		}
	}
}

// WithJanitorLogger sets the logger.
func WithJanitorLogger(logger *slog.Logger) JanitorOption {
	return func(j *Janitor) {
		if logger != nil {
			j.logger = logger
		}
	}
}

// NewJanitor creates a retention janitor and starts its background sweep.
// Call Close to stop it.
func NewJanitor(conn *Connection, opts ...JanitorOption) *Janitor {
	j := &Janitor{
		conn:          conn,
		logger:        slog.Default(),
		interval:      defaultSweepInterval,
		deadLetterTTL: defaultDeadLetterTTL,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}

	for _, opt := range opts {
		opt(j)
	}

	go j.run()

	return j
}

// Close stops the background sweep and waits for it to exit. Safe to call
// multiple times.
func (j *Janitor) Close() {
	j.closeOnce.Do(func() {
		close(j.stopCh)
	})

	<-j.doneCh
}

func (j *Janitor) run() {
	defer close(j.doneCh)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)

			if _, err := j.Sweep(ctx); err != nil {
				j.logger.Error("Retention sweep failed", slog.String("error", err.Error()))
			}

			cancel()
		}
	}
}

// Sweep deletes expired rows once and reports how many went away. Exposed
// so operators and tests can force a sweep without waiting for the ticker.
func (j *Janitor) Sweep(ctx context.Context) (int64, error) {
	var total int64

	n, err := j.sweepDeadLetters(ctx)
	total += n

	if err != nil {
		return total, err
	}

	n, err = j.sweepAuditEntries(ctx)
	total += n

	if err != nil {
		return total, err
	}

	if total > 0 {
		j.logger.Info("Retention sweep removed rows", slog.Int64("rows", total))
	}

	return total, nil
}

func (j *Janitor) sweepDeadLetters(ctx context.Context) (int64, error) {
	if j.deadLetterTTL <= 0 {
		return 0, nil
	}

	query := `DELETE FROM dead_letters
		WHERE id IN (
			SELECT id FROM dead_letters
			WHERE received_at < $1
			ORDER BY received_at ASC
			LIMIT $2
		)`

	return j.deleteBatches(ctx, query, time.Now().UTC().Add(-j.deadLetterTTL))
}

func (j *Janitor) sweepAuditEntries(ctx context.Context) (int64, error) {
	if j.auditTTL <= 0 {
		return 0, nil
	}

	query := `DELETE FROM audit_entries
		WHERE seq IN (
			SELECT seq FROM audit_entries
			WHERE created_at < $1
			ORDER BY created_at ASC
			LIMIT $2
		)`

	return j.deleteBatches(ctx, query, time.Now().UTC().Add(-j.auditTTL))
}

// deleteBatches runs the batched DELETE until a batch comes back short,
// pausing between full batches.
func (j *Janitor) deleteBatches(ctx context.Context, query string, cutoff time.Time) (int64, error) {
	var total int64

	for {
		res, err := j.conn.ExecContext(ctx, query, cutoff, sweepBatchSize)
		if err != nil {
			return total, wrapStorageErr("retention sweep", err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("retention sweep: %w", err)
		}

		total += n

		if n < sweepBatchSize {
			return total, nil
		}

		select {
		case <-ctx.Done():
			return total, ctx.Err()
		case <-time.After(sweepBatchPause):
		}
	}
}
