package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/foresight-io/foresight/internal/model"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeReader feeds messages from a channel instead of a broker.
type fakeReader struct {
	msgs chan kafka.Message

	mu        sync.Mutex
	committed []kafka.Message
	closes    int
}

func newFakeReader() *fakeReader {
	return &fakeReader{msgs: make(chan kafka.Message, 64)}
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case msg := <-r.msgs:
		return msg, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.committed = append(r.committed, msgs...)

	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closes++

	return nil
}

func (r *fakeReader) push(values ...[]byte) {
	for _, v := range values {
		r.msgs <- kafka.Message{Value: v}
	}
}

func (r *fakeReader) committedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.committed)
}

func (r *fakeReader) closeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.closes
}

// flakySink fails its first N appends, then delegates to a real store.
type flakySink struct {
	inner    *MemoryRecordStore
	failures int

	mu    sync.Mutex
	calls int
}

func (s *flakySink) AppendRecords(ctx context.Context, records []model.TrainingRecord) (int, error) {
	s.mu.Lock()
	s.calls++
	fail := s.calls <= s.failures
	s.mu.Unlock()

	if fail {
		return 0, errors.New("record store offline")
	}

	return s.inner.AppendRecords(ctx, records)
}

func (s *flakySink) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.calls
}

type triggerRequest struct {
	modelType model.ModelType
	trigger   model.TrainingTrigger
}

type fakeTriggerer struct {
	mu       sync.Mutex
	requests []triggerRequest
}

func (f *fakeTriggerer) Trigger(_ context.Context, t model.ModelType, trigger model.TrainingTrigger) (*model.TrainingJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, triggerRequest{modelType: t, trigger: trigger})

	return &model.TrainingJob{
		ID:        fmt.Sprintf("job-%03d", len(f.requests)),
		ModelType: t,
		Status:    model.JobPending,
		Trigger:   trigger,
	}, nil
}

func (f *fakeTriggerer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.requests)
}

func (f *fakeTriggerer) request(i int) triggerRequest {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.requests[i]
}

type consumerHarness struct {
	consumer  *Consumer
	reader    *fakeReader
	sink      *MemoryRecordStore
	letters   *MemoryDeadLetters
	triggerer *fakeTriggerer
}

func newConsumerHarness(t *testing.T, opts ...ConsumerOption) *consumerHarness {
	t.Helper()

	reader := newFakeReader()
	sink := NewMemoryRecordStore()
	letters := NewMemoryDeadLetters()
	triggerer := &fakeTriggerer{}

	base := []ConsumerOption{
		WithFlushInterval(20 * time.Millisecond),
		WithTriggerer(triggerer),
		WithConsumerLogger(quietLogger()),
	}

	consumer := NewConsumer(reader, sink, letters, append(base, opts...)...)

	return &consumerHarness{
		consumer:  consumer,
		reader:    reader,
		sink:      sink,
		letters:   letters,
		triggerer: triggerer,
	}
}

// ====== Unit Tests: Consumer ======

func TestConsumer_AppendsRecordsAndCommits(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}
	defer goleak.VerifyNone(t)

	h := newConsumerHarness(t)
	defer h.consumer.Close()

	occurred := time.Date(2026, 3, 4, 10, 30, 0, 0, time.UTC)
	h.reader.push(rawEvent(t, "evt-42", KindJobCompleted, "ord-801", occurred, jobPayload()))

	require.Eventually(t, func() bool {
		return h.reader.committedCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, 1, h.sink.CountRecords(model.ModelTypePrintTime))
	require.Equal(t, 1, h.sink.CountRecords(model.ModelTypeBottleneckDetection))

	records, err := h.sink.Records(context.Background(), model.ModelTypePrintTime, occurred.Add(-time.Hour), occurred.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "evt-42", records[0].SourceEventID)
	require.Equal(t, "ord-801", records[0].EntityKey)

	stats := h.consumer.Stats()
	require.Equal(t, int64(1), stats.Processed)
	require.Equal(t, int64(2), stats.Appended)
	require.Zero(t, stats.DeadLettered)

	letters, err := h.letters.List(context.Background(), 0)
	require.NoError(t, err)
	require.Empty(t, letters)
}

func TestConsumer_DuplicateDeliveryAppendsOnce(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}
	defer goleak.VerifyNone(t)

	h := newConsumerHarness(t)
	defer h.consumer.Close()

	occurred := time.Date(2026, 3, 4, 10, 30, 0, 0, time.UTC)
	value := rawEvent(t, "evt-42", KindJobCompleted, "ord-801", occurred, jobPayload())

	// The broker redelivers the same event; both copies commit but only
	// the first one lands records.
	h.reader.push(value, value)

	require.Eventually(t, func() bool {
		return h.reader.committedCount() == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, 1, h.sink.CountRecords(model.ModelTypePrintTime))
	require.Equal(t, 1, h.sink.CountRecords(model.ModelTypeBottleneckDetection))

	stats := h.consumer.Stats()
	require.Equal(t, int64(1), stats.Processed)
	require.Equal(t, int64(1), stats.Duplicates)
	require.Equal(t, int64(2), stats.Appended)
}

func TestConsumer_SinkDedupAbsorbsRedeliveryOutsideWindow(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}
	defer goleak.VerifyNone(t)

	// A nanosecond window means the in-memory deduper forgets ids almost
	// immediately, leaving the sink's uniqueness as the only guard.
	h := newConsumerHarness(t, WithDedupWindow(time.Nanosecond))
	defer h.consumer.Close()

	occurred := time.Date(2026, 7, 12, 3, 0, 0, 0, time.UTC)
	value := rawEvent(t, "evt-60", KindCustomerUpdated, "cust-301", occurred, churnPayload())
	h.reader.push(value, value)

	require.Eventually(t, func() bool {
		return h.reader.committedCount() == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, 1, h.sink.CountRecords(model.ModelTypeChurnPrediction))

	stats := h.consumer.Stats()
	require.Equal(t, int64(1), stats.Appended)
	require.Equal(t, int64(2), stats.Processed+stats.Duplicates)
}

func TestConsumer_RejectsGoToDeadLetters(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}
	defer goleak.VerifyNone(t)

	h := newConsumerHarness(t)
	defer h.consumer.Close()

	occurred := time.Date(2026, 3, 4, 10, 30, 0, 0, time.UTC)

	badJob := jobPayload()
	badJob["duration_minutes"] = -5

	h.reader.push(
		[]byte(`{"id": "evt-`),
		rawEvent(t, "evt-91", KindJobCompleted, "ord-801", occurred, badJob),
		rawEvent(t, "evt-92", EventKind("printer.exploded"), "ws-1", occurred, map[string]any{}),
	)

	require.Eventually(t, func() bool {
		return h.reader.committedCount() == 3
	}, 2*time.Second, 10*time.Millisecond)

	letters, err := h.letters.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, letters, 3)

	// Newest first.
	require.Equal(t, "evt-92", letters[0].EventID)
	require.Contains(t, letters[0].Reason, "unknown event kind")
	require.Equal(t, "evt-91", letters[1].EventID)
	require.Contains(t, letters[1].Reason, "duration_minutes")
	require.Empty(t, letters[2].EventID)
	require.Contains(t, letters[2].Reason, "malformed event envelope")
	require.NotEmpty(t, letters[2].Payload)

	require.Zero(t, h.sink.CountRecords(model.ModelTypePrintTime))

	stats := h.consumer.Stats()
	require.Equal(t, int64(3), stats.DeadLettered)
	require.Zero(t, stats.Processed)
}

func TestConsumer_VolumeThresholdTriggersTraining(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}
	defer goleak.VerifyNone(t)

	h := newConsumerHarness(t, WithTriggerThreshold(3))
	defer h.consumer.Close()

	occurred := time.Date(2026, 7, 12, 3, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		payload := churnPayload()
		payload["customer_id"] = fmt.Sprintf("cust-%03d", i)
		h.reader.push(rawEvent(t, fmt.Sprintf("evt-%03d", i), KindCustomerUpdated, payload["customer_id"].(string), occurred, payload))
	}

	require.Eventually(t, func() bool {
		return h.triggerer.count() == 1
	}, 2*time.Second, 10*time.Millisecond)

	req := h.triggerer.request(0)
	require.Equal(t, model.ModelTypeChurnPrediction, req.modelType)
	require.Equal(t, model.TriggerEvent, req.trigger)

	// Two more records sit below the threshold; the third fires again.
	for i := 3; i < 5; i++ {
		payload := churnPayload()
		payload["customer_id"] = fmt.Sprintf("cust-%03d", i)
		h.reader.push(rawEvent(t, fmt.Sprintf("evt-%03d", i), KindCustomerUpdated, payload["customer_id"].(string), occurred, payload))
	}

	require.Eventually(t, func() bool {
		return h.reader.committedCount() == 5
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, h.triggerer.count())

	payload := churnPayload()
	payload["customer_id"] = "cust-005"
	h.reader.push(rawEvent(t, "evt-005", KindCustomerUpdated, "cust-005", occurred, payload))

	require.Eventually(t, func() bool {
		return h.triggerer.count() == 2
	}, 2*time.Second, 10*time.Millisecond)

	stats := h.consumer.Stats()
	require.Equal(t, int64(6), stats.Appended)
	require.Equal(t, int64(2), stats.Triggers)
}

func TestConsumer_TypeThresholdOverride(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}
	defer goleak.VerifyNone(t)

	h := newConsumerHarness(t,
		WithTriggerThreshold(100),
		WithTypeTriggerThreshold(model.ModelTypeChurnPrediction, 2),
	)
	defer h.consumer.Close()

	occurred := time.Date(2026, 7, 12, 3, 0, 0, 0, time.UTC)

	for i := 0; i < 2; i++ {
		payload := churnPayload()
		payload["customer_id"] = fmt.Sprintf("cust-%03d", i)
		h.reader.push(rawEvent(t, fmt.Sprintf("evt-churn-%03d", i), KindCustomerUpdated, payload["customer_id"].(string), occurred, payload))

		h.reader.push(rawEvent(t, fmt.Sprintf("evt-order-%03d", i), KindOrderCreated, "prod-17", occurred, map[string]any{
			"order_id": fmt.Sprintf("ord-%03d", i), "product_id": "prod-17", "quantity": 5,
		}))
	}

	require.Eventually(t, func() bool {
		return h.triggerer.count() == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, model.ModelTypeChurnPrediction, h.triggerer.request(0).modelType)

	require.Eventually(t, func() bool {
		return h.reader.committedCount() == 4
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, h.triggerer.count())
}

func TestConsumer_SinkOutageHoldsBatchUntilRecovery(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}
	defer goleak.VerifyNone(t)

	reader := newFakeReader()
	sink := &flakySink{inner: NewMemoryRecordStore(), failures: 1}
	letters := NewMemoryDeadLetters()

	consumer := NewConsumer(reader, sink, letters,
		WithFlushInterval(20*time.Millisecond),
		WithConsumerLogger(quietLogger()),
	)
	defer consumer.Close()

	occurred := time.Date(2026, 7, 12, 3, 0, 0, 0, time.UTC)
	reader.push(rawEvent(t, "evt-60", KindCustomerUpdated, "cust-301", occurred, churnPayload()))

	// The first append fails, the batch is held uncommitted, and the
	// retry a second later lands it.
	require.Eventually(t, func() bool {
		return reader.committedCount() == 1
	}, 5*time.Second, 20*time.Millisecond)

	require.Equal(t, 1, sink.inner.CountRecords(model.ModelTypeChurnPrediction))
	require.GreaterOrEqual(t, sink.callCount(), 2)
	require.Equal(t, int64(1), consumer.Stats().Appended)
}

func TestConsumer_CommitsCoverZeroRecordMessages(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}
	defer goleak.VerifyNone(t)

	h := newConsumerHarness(t)
	defer h.consumer.Close()

	occurred := time.Date(2026, 3, 6, 17, 0, 0, 0, time.UTC)

	h.reader.push(
		rawEvent(t, "evt-80", KindInvoiceIssued, "inv-9001", occurred, map[string]any{
			"invoice_id": "inv-9001", "order_id": "ord-802", "amount": 129.99,
		}),
		rawEvent(t, "evt-81", KindEmployeeClock, "emp-12", occurred, map[string]any{
			"employee_id": "emp-12", "action": "out",
		}),
	)

	require.Eventually(t, func() bool {
		return h.reader.committedCount() == 2
	}, 2*time.Second, 10*time.Millisecond)

	stats := h.consumer.Stats()
	require.Equal(t, int64(2), stats.Processed)
	require.Zero(t, stats.Appended)
	require.Zero(t, stats.DeadLettered)

	letters, err := h.letters.List(context.Background(), 0)
	require.NoError(t, err)
	require.Empty(t, letters)
}

func TestConsumer_CloseFlushesHeldBatch(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}
	defer goleak.VerifyNone(t)

	// A long flush interval keeps the batch in memory until Close.
	h := newConsumerHarness(t, WithFlushInterval(10*time.Second))

	occurred := time.Date(2026, 7, 12, 3, 0, 0, 0, time.UTC)
	h.reader.push(rawEvent(t, "evt-60", KindCustomerUpdated, "cust-301", occurred, churnPayload()))

	require.Eventually(t, func() bool {
		return h.consumer.Stats().Processed == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Zero(t, h.reader.committedCount())

	require.NoError(t, h.consumer.Close())

	require.Equal(t, 1, h.reader.committedCount())
	require.Equal(t, 1, h.sink.CountRecords(model.ModelTypeChurnPrediction))
}

func TestConsumer_CloseIsIdempotent(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}
	defer goleak.VerifyNone(t)

	h := newConsumerHarness(t)

	require.NoError(t, h.consumer.Close())
	require.NoError(t, h.consumer.Close())
	require.Equal(t, 1, h.reader.closeCount())
}
