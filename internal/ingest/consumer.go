// Package ingest consumes the manufacturing platform's domain event
// stream and turns it into training records. A consumer deduplicates
// redelivered events, validates each payload against its kind schema,
// dead-letters rejects with a reason, appends the surviving records in
// bounded batches, and fires a training trigger once a model type has
// accumulated enough new observations.
//
// Offsets commit only after a batch lands in the record sink, so a
// crash replays uncommitted events. The sink deduplicates on source
// event id, which makes replay harmless and ingestion idempotent.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/foresight-io/foresight/internal/model"
)

const (
	// TopicPlatformEvents is the platform's domain event firehose.
	TopicPlatformEvents = "platform.events"

	// DefaultGroupID is the consumer group the service joins.
	DefaultGroupID = "foresight-ingest"

	// DefaultBatchSize is how many events accumulate before a flush.
	DefaultBatchSize = 100

	// DefaultFlushInterval bounds how long a quiet stream can hold a
	// partial batch unflushed.
	DefaultFlushInterval = time.Second

	// DefaultTriggerThreshold is how many new records a model type
	// accumulates before ingestion requests a retrain.
	DefaultTriggerThreshold = 500

	fetchBackoff = time.Second
	closeTimeout = 5 * time.Second
)

type (
	// MessageReader is the slice of kafka.Reader the consumer uses.
	MessageReader interface {
		FetchMessage(ctx context.Context) (kafka.Message, error)
		CommitMessages(ctx context.Context, msgs ...kafka.Message) error
		Close() error
	}

	// RecordSink persists training records. It reports how many of the
	// given records were newly inserted, so redelivered events that the
	// sink already holds do not count toward trigger thresholds.
	RecordSink interface {
		AppendRecords(ctx context.Context, records []model.TrainingRecord) (int, error)
	}

	// DeadLetterSink stores rejected events for operator replay.
	DeadLetterSink interface {
		Append(ctx context.Context, letter DeadLetter) error
	}

	// Triggerer enqueues training work. Implemented by the training
	// coordinator.
	Triggerer interface {
		Trigger(ctx context.Context, t model.ModelType, trigger model.TrainingTrigger) (*model.TrainingJob, error)
	}

	// DeadLetter is one rejected event with the reason it was refused.
	// Payload holds the raw message value so operators can inspect and
	// replay it after fixing the producer.
	DeadLetter struct {
		EventID    string    `json:"event_id,omitempty"`
		Kind       EventKind `json:"kind,omitempty"`
		Reason     string    `json:"reason"`
		Payload    []byte    `json:"payload,omitempty"`
		ReceivedAt time.Time `json:"received_at"`
	}

	// ConsumerStats is a snapshot of the consumer's counters.
	ConsumerStats struct {
		Processed    int64
		Duplicates   int64
		DeadLettered int64
		Appended     int64
		Triggers     int64
	}

	// Consumer runs the fetch, transform, flush loop against one topic.
	Consumer struct {
		reader  MessageReader
		sink    RecordSink
		letters DeadLetterSink
		trigger Triggerer
		dedup   *Deduper
		logger  *slog.Logger

		batchSize        int
		flushInterval    time.Duration
		dedupWindow      time.Duration
		defaultThreshold int
		thresholds       map[model.ModelType]int

		baseCtx   context.Context
		cancelRun context.CancelFunc
		wg        sync.WaitGroup
		closeOnce sync.Once

		mu     sync.Mutex
		counts map[model.ModelType]int
		stats  ConsumerStats
	}

	// ConsumerOption configures optional Consumer behavior.
	ConsumerOption func(*Consumer)
)

// WithBatchSize overrides how many events accumulate before a flush.
func WithBatchSize(n int) ConsumerOption {
	return func(c *Consumer) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// WithFlushInterval overrides the idle flush interval.
func WithFlushInterval(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if d > 0 {
			c.flushInterval = d
		}
	}
}

// WithDedupWindow overrides how long event ids are remembered.
func WithDedupWindow(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if d > 0 {
			c.dedupWindow = d
		}
	}
}

// WithTriggerer wires a training coordinator so record volume can
// request retrains. Without one the consumer only accumulates data.
func WithTriggerer(t Triggerer) ConsumerOption {
	return func(c *Consumer) {
		if t != nil {
			c.trigger = t
		}
	}
}

// WithTriggerThreshold overrides the default new-record count that fires
// a training trigger.
func WithTriggerThreshold(n int) ConsumerOption {
	return func(c *Consumer) {
		if n > 0 {
			c.defaultThreshold = n
		}
	}
}

// WithTypeTriggerThreshold overrides the trigger threshold for one model
// type. Sparse streams like churn labels warrant lower thresholds than
// the job firehose.
func WithTypeTriggerThreshold(t model.ModelType, n int) ConsumerOption {
	return func(c *Consumer) {
		if n > 0 {
			c.thresholds[t] = n
		}
	}
}

// WithConsumerLogger overrides the default JSON logger.
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewReader creates a group reader for the platform event topic. The
// reader joins the group lazily on first fetch.
func NewReader(brokers []string, groupID, topic string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		GroupID:  groupID,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10 << 20,
		MaxWait:  500 * time.Millisecond,
	})
}

// NewConsumer starts consuming immediately. Call Close to stop the loop,
// flush what it holds, and release the reader.
func NewConsumer(reader MessageReader, sink RecordSink, letters DeadLetterSink, opts ...ConsumerOption) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Consumer{
		reader:           reader,
		sink:             sink,
		letters:          letters,
		logger:           slog.New(slog.NewJSONHandler(os.Stdout, nil)),
		batchSize:        DefaultBatchSize,
		flushInterval:    DefaultFlushInterval,
		dedupWindow:      DefaultDedupWindow,
		defaultThreshold: DefaultTriggerThreshold,
		thresholds:       make(map[model.ModelType]int),
		baseCtx:          ctx,
		cancelRun:        cancel,
		counts:           make(map[model.ModelType]int),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.dedup = NewDeduper(c.dedupWindow)

	c.wg.Add(1)
	go c.run()

	c.logger.Info("Ingest consumer started",
		slog.Int("batch_size", c.batchSize),
		slog.Duration("flush_interval", c.flushInterval),
	)

	return c
}

// Stats returns a snapshot of the consumer's counters.
func (c *Consumer) Stats() ConsumerStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.stats
}

// Close stops the loop, flushes any held batch on a detached context,
// and closes the reader. Waits up to five seconds for the loop to
// unwind.
func (c *Consumer) Close() error {
	var err error

	c.closeOnce.Do(func() {
		c.cancelRun()

		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(closeTimeout):
			err = context.DeadlineExceeded
		}

		if cerr := c.reader.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})

	return err
}

// run owns the batch. Fetches time out at the flush interval so a quiet
// stream still flushes, and a full batch flushes inline, which blocks
// further fetches until the sink accepts the records. That is the
// backpressure: consumer lag grows while the sink is slow and the broker
// retains the backlog.
func (c *Consumer) run() {
	defer c.wg.Done()

	var (
		batch   []model.TrainingRecord
		pending []kafka.Message
	)

	for {
		fetchCtx, cancel := context.WithTimeout(c.baseCtx, c.flushInterval)
		msg, err := c.reader.FetchMessage(fetchCtx)
		cancel()

		if c.baseCtx.Err() != nil {
			// The final flush runs detached so shutdown cannot strand a
			// fetched batch. Whatever it cannot land replays on restart.
			flushCtx, cancelFlush := context.WithTimeout(context.WithoutCancel(c.baseCtx), closeTimeout)
			c.flush(flushCtx, &batch, &pending)
			cancelFlush()

			return
		}

		switch {
		case errors.Is(err, context.DeadlineExceeded):
			c.flush(c.baseCtx, &batch, &pending)
			continue
		case err != nil:
			c.logger.Error("Event fetch failed", slog.String("error", err.Error()))
			c.flush(c.baseCtx, &batch, &pending)

			select {
			case <-time.After(fetchBackoff):
			case <-c.baseCtx.Done():
			}

			continue
		}

		batch = append(batch, c.process(msg)...)
		pending = append(pending, msg)

		if len(pending) >= c.batchSize {
			c.flush(c.baseCtx, &batch, &pending)
		}
	}
}

// process decodes, deduplicates, and transforms one message. Rejects are
// dead-lettered here; the message still commits with its batch so a bad
// event cannot wedge the partition.
func (c *Consumer) process(msg kafka.Message) []model.TrainingRecord {
	now := time.Now().UTC()

	event, err := DecodeEvent(msg.Value)
	if err != nil {
		c.reject(DeadLetter{Reason: err.Error(), Payload: msg.Value, ReceivedAt: now})
		return nil
	}

	if !c.dedup.Observe(event.ID, now) {
		c.logger.Debug("Duplicate event suppressed",
			slog.String("event_id", event.ID),
			slog.String("kind", event.Kind.String()),
		)

		c.mu.Lock()
		c.stats.Duplicates++
		c.mu.Unlock()

		return nil
	}

	records, err := Transform(event)
	if err != nil {
		c.reject(DeadLetter{
			EventID:    event.ID,
			Kind:       event.Kind,
			Reason:     err.Error(),
			Payload:    msg.Value,
			ReceivedAt: now,
		})

		return nil
	}

	c.mu.Lock()
	c.stats.Processed++
	c.mu.Unlock()

	return records
}

func (c *Consumer) reject(letter DeadLetter) {
	c.logger.Warn("Event rejected",
		slog.String("event_id", letter.EventID),
		slog.String("kind", letter.Kind.String()),
		slog.String("reason", letter.Reason),
	)

	if err := c.letters.Append(c.baseCtx, letter); err != nil {
		c.logger.Error("Dead letter write failed",
			slog.String("event_id", letter.EventID),
			slog.String("error", err.Error()),
		)
	}

	c.mu.Lock()
	c.stats.DeadLettered++
	c.mu.Unlock()
}

// flush appends the batch grouped by model type, commits the covered
// offsets, and counts newly inserted records toward trigger thresholds.
// A sink failure retries until the sink recovers or the context ends;
// offsets stay uncommitted until the records are safe.
func (c *Consumer) flush(ctx context.Context, batch *[]model.TrainingRecord, pending *[]kafka.Message) {
	if len(*pending) == 0 {
		return
	}

	inserted := make(map[model.ModelType]int)

	for t, records := range groupByType(*batch) {
		for {
			n, err := c.sink.AppendRecords(ctx, records)
			if err == nil {
				inserted[t] = n
				break
			}

			c.logger.Error("Record append failed, holding batch",
				slog.String("model_type", t.String()),
				slog.Int("records", len(records)),
				slog.String("error", err.Error()),
			)

			select {
			case <-time.After(fetchBackoff):
			case <-ctx.Done():
				return
			}
		}
	}

	if err := c.reader.CommitMessages(ctx, *pending...); err != nil {
		// Uncommitted offsets replay after a rebalance; the sink's
		// source-event dedup absorbs the repeats.
		c.logger.Warn("Offset commit failed",
			slog.Int("messages", len(*pending)),
			slog.String("error", err.Error()),
		)
	}

	*batch = (*batch)[:0]
	*pending = (*pending)[:0]

	c.noteInserted(ctx, inserted)
}

// noteInserted advances per-type counters and fires training triggers
// for every type that crossed its threshold. The counter resets on fire
// even if the coordinator refuses, because the coordinator coalesces
// concurrent requests anyway and a refused trigger re-arms on the next
// threshold crossing.
func (c *Consumer) noteInserted(ctx context.Context, inserted map[model.ModelType]int) {
	var fires []model.ModelType

	c.mu.Lock()
	for t, n := range inserted {
		if n <= 0 {
			continue
		}

		c.stats.Appended += int64(n)
		c.counts[t] += n

		if c.counts[t] >= c.threshold(t) {
			fires = append(fires, t)
			c.counts[t] = 0
		}
	}
	c.mu.Unlock()

	if c.trigger == nil {
		return
	}

	for _, t := range fires {
		job, err := c.trigger.Trigger(ctx, t, model.TriggerEvent)
		if err != nil {
			c.logger.Warn("Volume training trigger failed",
				slog.String("model_type", t.String()),
				slog.String("error", err.Error()),
			)

			continue
		}

		c.mu.Lock()
		c.stats.Triggers++
		c.mu.Unlock()

		c.logger.Info("Training triggered by ingestion volume",
			slog.String("model_type", t.String()),
			slog.String("job_id", job.ID),
		)
	}
}

func (c *Consumer) threshold(t model.ModelType) int {
	if n, ok := c.thresholds[t]; ok {
		return n
	}

	return c.defaultThreshold
}

// groupByType splits a batch per model type, preserving arrival order
// inside each group so per-entity ordering survives the sink.
func groupByType(records []model.TrainingRecord) map[model.ModelType][]model.TrainingRecord {
	groups := make(map[model.ModelType][]model.TrainingRecord)
	for _, r := range records {
		groups[r.ModelType] = append(groups[r.ModelType], r)
	}

	return groups
}
