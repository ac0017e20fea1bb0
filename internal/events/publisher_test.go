package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/foresight-io/foresight/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeWriter captures messages instead of dialing a broker.
type fakeWriter struct {
	mutex    sync.Mutex
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.err != nil {
		return w.err
	}

	w.messages = append(w.messages, msgs...)

	return nil
}

func (w *fakeWriter) Close() error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	w.closed = true

	return nil
}

func newFakePublisher(opts ...PublisherOption) (*KafkaPublisher, *fakeWriter) {
	p := NewKafkaPublisher([]string{"localhost:9092"}, TopicModelEvents, opts...)
	writer := &fakeWriter{}
	p.writer = writer

	return p, writer
}

func promotedEvent() model.ModelPromoted {
	return model.ModelPromoted{
		ModelID:            "m-123",
		ModelType:          model.ModelTypeDemandForecast,
		Version:            "2.0.0",
		PreviousVersion:    "1.4.0",
		ImprovementPercent: 4.2,
		PromotedAt:         time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC),
	}
}

// ====== Unit Tests: KafkaPublisher ======

func TestKafkaPublisher_PublishEnvelopesEvent(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	p, writer := newFakePublisher(WithPublisherLogger(testLogger()))

	require.NoError(t, p.Publish(context.Background(), promotedEvent()))
	require.Len(t, writer.messages, 1)

	msg := writer.messages[0]
	require.Equal(t, "DemandForecast", string(msg.Key))

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}

	require.Equal(t, "model.promoted", headers["event-type"])
	require.NotEmpty(t, headers["event-id"])

	var envelope Envelope
	require.NoError(t, json.Unmarshal(msg.Value, &envelope))

	_, err := uuid.Parse(envelope.ID)
	require.NoError(t, err)
	require.Equal(t, envelope.ID, headers["event-id"])
	require.Equal(t, model.EventModelPromoted, envelope.Type)
	require.Equal(t, "foresight", envelope.Source)
	require.False(t, envelope.OccurredAt.IsZero())

	var payload model.ModelPromoted
	require.NoError(t, json.Unmarshal(envelope.Payload, &payload))
	require.Equal(t, promotedEvent(), payload)
}

func TestKafkaPublisher_WithSource(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	p, writer := newFakePublisher(WithPublisherLogger(testLogger()), WithSource("foresight-staging"))

	require.NoError(t, p.Publish(context.Background(), promotedEvent()))

	var envelope Envelope
	require.NoError(t, json.Unmarshal(writer.messages[0].Value, &envelope))
	require.Equal(t, "foresight-staging", envelope.Source)
}

func TestKafkaPublisher_WriteFailure(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	errBroker := errors.New("broker unreachable")

	p, writer := newFakePublisher(WithPublisherLogger(testLogger()))
	writer.err = errBroker

	err := p.Publish(context.Background(), promotedEvent())
	require.ErrorIs(t, err, errBroker)
	require.Contains(t, err.Error(), "model.promoted")
}

func TestKafkaPublisher_FireAndForget(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	p := NewKafkaPublisher([]string{"localhost:9092"}, TopicPredictions,
		WithPublisherLogger(testLogger()),
		WithFireAndForget(),
	)

	writer, ok := p.writer.(*kafka.Writer)
	require.True(t, ok)
	require.True(t, writer.Async)
	require.NotNil(t, writer.Completion)

	// The completion callback only counts failed deliveries.
	p.completion([]kafka.Message{{}, {}}, nil)
	require.Zero(t, p.Failed())

	p.completion([]kafka.Message{{}, {}}, errors.New("partition offline"))
	require.Equal(t, int64(2), p.Failed())
}

func TestKafkaPublisher_Close(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	p, writer := newFakePublisher(WithPublisherLogger(testLogger()))

	require.NoError(t, p.Close())
	require.True(t, writer.closed)
}

// ====== Unit Tests: Recorder ======

func TestRecorder_CapturesInOrder(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	recorder := NewRecorder()
	ctx := context.Background()

	require.NoError(t, recorder.Publish(ctx, promotedEvent()))
	require.NoError(t, recorder.Publish(ctx, model.DriftDetected{ModelType: model.ModelTypeChurnPrediction}))
	require.NoError(t, recorder.Publish(ctx, model.ModelRolledBack{ModelType: model.ModelTypeDemandForecast}))

	all := recorder.Events()
	require.Len(t, all, 3)
	require.Equal(t, model.EventModelPromoted, all[0].EventType())
	require.Equal(t, model.EventDriftDetected, all[1].EventType())
	require.Equal(t, model.EventModelRolledBack, all[2].EventType())

	drift := recorder.OfType(model.EventDriftDetected)
	require.Len(t, drift, 1)

	recorder.Reset()
	require.Empty(t, recorder.Events())
}

func TestNopPublisher(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	require.NoError(t, NopPublisher{}.Publish(context.Background(), promotedEvent()))
}
