// Package audit records every prediction attempt in an append-only log.
//
// Appending is best-effort and never blocks the serving path: entries are
// buffered in memory and flushed in batches by a background writer. When the
// buffer is full or the backend is down, entries are dropped and counted
// rather than slowing predictions down.
package audit

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/foresight-io/foresight/internal/model"
)

// Store is the persistence contract the audit log writes through.
// Implementations live in internal/storage (PostgreSQL) and in this package
// (in-memory, for development and tests).
type Store interface {
	// Append persists a batch of entries in order.
	Append(ctx context.Context, entries []model.AuditEntry) error

	// AttachOutcome records ground truth on the most recent entry for the
	// request id. Only the outcome fields change. Returns
	// model.ErrNotFound when no entry matches.
	AttachOutcome(ctx context.Context, requestID string, outcome float64, receivedAt time.Time) error

	// RecentWithOutcomes returns entries of the given type and version
	// appended at or after since that carry ground truth, oldest first.
	// The drift monitor's data source.
	RecentWithOutcomes(ctx context.Context, t model.ModelType, version string, since time.Time) ([]model.AuditEntry, error)

	// PurgeUser deletes every entry linked to the user id and reports how
	// many were removed. Compliance erasure.
	PurgeUser(ctx context.Context, userID string) (int64, error)
}

const (
	defaultBufferSize    = 1024
	defaultBatchSize     = 128
	defaultFlushInterval = 2 * time.Second

	// flushTimeout bounds one backend write.
	flushTimeout = 5 * time.Second

	// shutdownTimeout bounds how long Close waits for the final flush.
	shutdownTimeout = 5 * time.Second
)

// Log is the buffered, best-effort audit writer.
type Log struct {
	store  Store
	logger *slog.Logger

	batchSize     int
	flushInterval time.Duration

	entries  chan model.AuditEntry
	flushReq chan chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}

	closeOnce sync.Once
	dropped   atomic.Int64
}

// Option configures optional Log behavior.
type Option func(*Log)

// WithBufferSize sets how many entries may queue before drops begin.
func WithBufferSize(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.entries = make(chan model.AuditEntry, n)
		}
	}
}

// WithBatchSize sets the largest batch handed to one Store.Append.
func WithBatchSize(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.batchSize = n
		}
	}
}

// WithFlushInterval sets how often buffered entries are flushed.
func WithFlushInterval(d time.Duration) Option {
	return func(l *Log) {
		if d > 0 {
			l.flushInterval = d
		}
	}
}

// WithLogger overrides the default JSON logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) {
		l.logger = logger
	}
}

// NewLog creates the audit log and starts its background writer.
func NewLog(store Store, opts ...Option) *Log {
	l := &Log{
		store:         store,
		logger:        slog.New(slog.NewJSONHandler(os.Stdout, nil)),
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
		entries:       make(chan model.AuditEntry, defaultBufferSize),
		flushReq:      make(chan chan struct{}),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}

	for _, opt := range opts {
		opt(l)
	}

	go l.run()

	return l
}

// Record queues one entry for appending. It never blocks: when the buffer is
// full the entry is dropped and counted.
func (l *Log) Record(entry model.AuditEntry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	select {
	case l.entries <- entry:
	default:
		dropped := l.dropped.Add(1)
		l.logger.Warn("Audit buffer full, dropping entry",
			slog.String("request_id", entry.RequestID),
			slog.Int64("dropped_total", dropped),
		)
	}
}

// Flush drains buffered entries through the store and returns once the write
// attempt finished or the context expired.
func (l *Log) Flush(ctx context.Context) error {
	done := make(chan struct{})

	select {
	case l.flushReq <- done:
	case <-l.stopCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AttachOutcome records ground truth for a previously audited request.
// Buffered entries are flushed first so an outcome arriving right after its
// prediction still finds the row.
func (l *Log) AttachOutcome(ctx context.Context, requestID string, outcome float64) error {
	if err := l.Flush(ctx); err != nil {
		return err
	}

	return l.store.AttachOutcome(ctx, requestID, outcome, time.Now().UTC())
}

// Dropped reports how many entries were discarded since startup.
func (l *Log) Dropped() int64 {
	return l.dropped.Load()
}

// Close stops the writer after a final drain and flush.
func (l *Log) Close() error {
	var err error

	l.closeOnce.Do(func() {
		close(l.stopCh)

		select {
		case <-l.doneCh:
		case <-time.After(shutdownTimeout):
			err = context.DeadlineExceeded
		}
	})

	return err
}

func (l *Log) run() {
	defer close(l.doneCh)

	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	batch := make([]model.AuditEntry, 0, l.batchSize)

	for {
		select {
		case entry := <-l.entries:
			batch = append(batch, entry)
			if len(batch) >= l.batchSize {
				batch = l.flush(batch)
			}
		case <-ticker.C:
			batch = l.flush(l.drain(batch))
		case done := <-l.flushReq:
			batch = l.flush(l.drain(batch))
			close(done)
		case <-l.stopCh:
			l.flush(l.drain(batch))

			return
		}
	}
}

// drain moves everything currently buffered into the batch without blocking.
func (l *Log) drain(batch []model.AuditEntry) []model.AuditEntry {
	for {
		select {
		case entry := <-l.entries:
			batch = append(batch, entry)
		default:
			return batch
		}
	}
}

// flush writes the batch and returns an empty one. A failed write drops the
// batch; the audit log never stalls the service to persist itself.
func (l *Log) flush(batch []model.AuditEntry) []model.AuditEntry {
	if len(batch) == 0 {
		return batch
	}

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	if err := l.store.Append(ctx, batch); err != nil {
		l.dropped.Add(int64(len(batch)))
		l.logger.Error("Audit flush failed, dropping batch",
			slog.Int("entries", len(batch)),
			slog.String("error", err.Error()),
		)
	}

	return batch[:0]
}
