// Package events publishes the service's domain events to Kafka.
//
// Two delivery modes cover the two producers in the system. Lifecycle events
// (promotions, rollbacks, drift) are written synchronously and report
// failures to the caller. Prediction completions are fire-and-forget: the
// serving path enqueues and moves on, and delivery failures are counted and
// logged by the writer's completion callback.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/foresight-io/foresight/internal/model"
)

const (
	// TopicModelEvents carries ModelPromoted, ModelRolledBack and
	// DriftDetected for operational consumers.
	TopicModelEvents = "foresight.model-events"

	// TopicPredictions carries PredictionCompleted.
	TopicPredictions = "foresight.predictions"

	defaultSource = "foresight"

	// batchTimeout bounds how long the writer holds a partial batch.
	batchTimeout = 50 * time.Millisecond

	writeTimeout = 10 * time.Second
)

// Publisher is the emission contract the orchestrators depend on.
type Publisher interface {
	Publish(ctx context.Context, event model.DomainEvent) error
}

// Envelope is the wire form of one published event. The payload keeps the
// event's own shape; the envelope adds identity and provenance.
type Envelope struct {
	ID         string          `json:"id"`
	Type       model.EventType `json:"type"`
	Source     string          `json:"source"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// messageWriter is the slice of kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes enveloped domain events to one Kafka topic, keyed
// by the event's partition key so per-type ordering survives partitioning.
type KafkaPublisher struct {
	writer messageWriter
	logger *slog.Logger
	source string
	async  bool

	failed atomic.Int64
}

// PublisherOption configures optional KafkaPublisher behavior.
type PublisherOption func(*KafkaPublisher)

// WithSource overrides the envelope's source identifier.
func WithSource(source string) PublisherOption {
	return func(p *KafkaPublisher) {
		if source != "" {
			p.source = source
		}
	}
}

// WithPublisherLogger overrides the default JSON logger.
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *KafkaPublisher) {
		p.logger = logger
	}
}

// WithFireAndForget makes Publish enqueue without waiting for broker
// acknowledgment. Delivery failures are logged and counted instead of
// returned. Meant for the prediction hot path.
func WithFireAndForget() PublisherOption {
	return func(p *KafkaPublisher) {
		p.async = true
	}
}

// NewKafkaPublisher creates a publisher for one topic. The underlying
// writer dials lazily; construction never touches the network.
func NewKafkaPublisher(brokers []string, topic string, opts ...PublisherOption) *KafkaPublisher {
	p := &KafkaPublisher{
		logger: slog.New(slog.NewJSONHandler(os.Stdout, nil)),
		source: defaultSource,
	}

	for _, opt := range opts {
		opt(p)
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: batchTimeout,
		WriteTimeout: writeTimeout,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			p.logger.Error("Kafka writer error", slog.String("detail", fmt.Sprintf(msg, args...)))
		}),
	}

	if p.async {
		writer.Async = true
		writer.Completion = p.completion
	}

	p.writer = writer

	return p
}

// Publish envelopes and writes one event. In fire-and-forget mode the
// returned error only covers encoding and enqueueing.
func (p *KafkaPublisher) Publish(ctx context.Context, event model.DomainEvent) error {
	envelope, err := seal(event, p.source)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event.EventType(), err)
	}

	value, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", event.EventType(), err)
	}

	msg := kafka.Message{
		Key:   []byte(event.PartitionKey()),
		Value: value,
		Time:  envelope.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(event.EventType())},
			{Key: "event-id", Value: []byte(envelope.ID)},
		},
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s event: %w", event.EventType(), err)
	}

	return nil
}

// Failed reports how many fire-and-forget events the broker rejected since
// startup.
func (p *KafkaPublisher) Failed() int64 {
	return p.failed.Load()
}

// Close flushes pending batches and releases the writer's connections.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func (p *KafkaPublisher) completion(messages []kafka.Message, err error) {
	if err == nil {
		return
	}

	total := p.failed.Add(int64(len(messages)))
	p.logger.Error("Event delivery failed",
		slog.Int("events", len(messages)),
		slog.Int64("failed_total", total),
		slog.String("error", err.Error()),
	)
}

func seal(event model.DomainEvent, source string) (Envelope, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return Envelope{}, err
	}

	return Envelope{
		ID:         uuid.NewString(),
		Type:       event.EventType(),
		Source:     source,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}, nil
}

// NopPublisher discards every event. Used when event publication is not
// configured.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, model.DomainEvent) error { return nil }
