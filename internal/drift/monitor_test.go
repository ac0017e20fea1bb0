package drift

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/foresight-io/foresight/internal/audit"
	"github.com/foresight-io/foresight/internal/events"
	"github.com/foresight-io/foresight/internal/model"
	"github.com/foresight-io/foresight/internal/registry"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type retrainRequest struct {
	modelType model.ModelType
	trigger   model.TrainingTrigger
}

type fakeRetrainer struct {
	mu       sync.Mutex
	requests []retrainRequest
}

func (f *fakeRetrainer) Trigger(_ context.Context, t model.ModelType, trigger model.TrainingTrigger) (*model.TrainingJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, retrainRequest{modelType: t, trigger: trigger})

	return &model.TrainingJob{
		ID:        fmt.Sprintf("job-%03d", len(f.requests)),
		ModelType: t,
		Status:    model.JobPending,
		Trigger:   trigger,
	}, nil
}

func (f *fakeRetrainer) calls() []retrainRequest {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]retrainRequest(nil), f.requests...)
}

type fakeOutcomeSource struct {
	mu      sync.Mutex
	entries []model.AuditEntry
	err     error
	calls   int
}

func (f *fakeOutcomeSource) RecentWithOutcomes(_ context.Context, t model.ModelType, version string, _ time.Time) ([]model.AuditEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++

	if f.err != nil {
		return nil, f.err
	}

	var out []model.AuditEntry

	for _, e := range f.entries {
		if e.ModelType == t && e.ModelVersion == version {
			out = append(out, e)
		}
	}

	return out, nil
}

func (f *fakeOutcomeSource) set(entries []model.AuditEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.entries = entries
}

func (f *fakeOutcomeSource) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.err = err
}

func (f *fakeOutcomeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls
}

type monitorHarness struct {
	monitor   *Monitor
	registry  *registry.Registry
	outcomes  *audit.MemoryStore
	retrainer *fakeRetrainer
	recorder  *events.Recorder
}

// newMonitorHarness wires a monitor against in-memory stores with a sweep
// interval long enough that only explicit Evaluate calls score windows.
func newMonitorHarness(t *testing.T, opts ...Option) *monitorHarness {
	t.Helper()

	quiet := quietLogger()
	reg := registry.New(registry.NewMemoryStore(), registry.WithLogger(quiet))
	outcomes := audit.NewMemoryStore()
	retrainer := &fakeRetrainer{}
	recorder := events.NewRecorder()

	base := []Option{
		WithEvalInterval(time.Hour),
		WithMinSamples(5),
		WithPublisher(recorder),
		WithMonitorLogger(quiet),
	}

	return &monitorHarness{
		monitor:   NewMonitor(reg, outcomes, retrainer, append(base, opts...)...),
		registry:  reg,
		outcomes:  outcomes,
		retrainer: retrainer,
		recorder:  recorder,
	}
}

// seedActiveModel walks a model through Draft, Testing, and promotion so the
// registry holds it as the type's Active version with the given baseline on
// its primary metric.
func seedActiveModel(t *testing.T, reg *registry.Registry, mt model.ModelType, version string, baseline float64) *model.Model {
	t.Helper()

	ctx := context.Background()

	metrics := model.NewMetrics(mt)
	metrics.Values[model.PrimaryMetric(mt)] = baseline
	metrics.SampleCount = 40

	m := &model.Model{
		Type:        mt,
		Version:     model.MustParseVersion(version),
		Status:      model.StatusDraft,
		ArtifactURI: fmt.Sprintf("file://models/%s/%s.json", mt, version),
		TrainedAt:   time.Now().UTC(),
		Metrics:     metrics,
		DatasetSize: 200,
	}
	require.NoError(t, reg.Save(ctx, m))

	_, err := reg.Transition(ctx, m.ID, model.StatusDraft, model.StatusTesting, "")
	require.NoError(t, err)

	promoted, err := reg.Promote(ctx, m.ID, "seed")
	require.NoError(t, err)

	return promoted
}

// outcomeEntries builds n ground-truthed audit entries for the version, with
// actual and served values supplied per index.
func outcomeEntries(mt model.ModelType, version string, n int, series func(i int) (actual, predicted float64)) []model.AuditEntry {
	now := time.Now().UTC()
	entries := make([]model.AuditEntry, 0, n)

	for i := 0; i < n; i++ {
		actual, predicted := series(i)

		outcome := actual
		received := now.Add(-time.Duration(i) * time.Minute)

		entries = append(entries, model.AuditEntry{
			RequestID:         fmt.Sprintf("req-%s-%03d", version, i),
			ModelType:         mt,
			ModelVersion:      version,
			CacheStatus:       model.CacheMiss,
			Output:            json.RawMessage(fmt.Sprintf(`{"predicted_value": %g}`, predicted)),
			CreatedAt:         received,
			ActualOutcome:     &outcome,
			OutcomeReceivedAt: &received,
		})
	}

	return entries
}

func seedOutcomes(t *testing.T, store *audit.MemoryStore, mt model.ModelType, version string, n int, series func(i int) (actual, predicted float64)) {
	t.Helper()

	require.NoError(t, store.Append(context.Background(), outcomeEntries(mt, version, n, series)))
}

// closePredictions serves actuals 100..119 with errors of one minute either
// way, scoring R² near 0.97 against the window.
func closePredictions(i int) (float64, float64) {
	actual := 100 + float64(i)
	if i%2 == 0 {
		return actual, actual + 1
	}

	return actual, actual - 1
}

// offsetPredictions serves every actual four minutes high, scoring R² near
// 0.52 against the window.
func offsetPredictions(i int) (float64, float64) {
	actual := 100 + float64(i)

	return actual, actual + 4
}

// ====== Unit Tests: Window Evaluation ======

func TestMonitor_HealthyWindowTakesNoAction(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	defer goleak.VerifyNone(t)

	h := newMonitorHarness(t)
	defer h.monitor.Close()

	seedActiveModel(t, h.registry, model.ModelTypePrintTime, "1.0.0", 0.90)
	seedOutcomes(t, h.outcomes, model.ModelTypePrintTime, "1.0.0", 20, closePredictions)

	assessments := h.monitor.Evaluate(context.Background())
	require.Len(t, assessments, 1)

	a := assessments[0]
	require.Equal(t, model.ModelTypePrintTime, a.ModelType)
	require.Equal(t, "1.0.0", a.ModelVersion)
	require.Equal(t, model.MetricR2, a.Metric)
	require.InDelta(t, 0.90, a.Baseline, 1e-9)
	require.InDelta(t, 0.97, a.Observed, 0.01)
	require.Equal(t, 20, a.SampleCount)
	require.False(t, a.Degraded)
	require.Equal(t, ActionNone, a.Action)
	require.Negative(t, a.DegradationPercent)

	require.Empty(t, h.recorder.Events())
	require.Empty(t, h.retrainer.calls())

	active, err := h.registry.GetActive(context.Background(), model.ModelTypePrintTime)
	require.NoError(t, err)
	require.Equal(t, "1.0.0", active.Version.String())
}

func TestMonitor_DegradedWindowTriggersRetrain(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	defer goleak.VerifyNone(t)

	h := newMonitorHarness(t)
	defer h.monitor.Close()

	seedActiveModel(t, h.registry, model.ModelTypePrintTime, "1.0.0", 0.90)
	seedOutcomes(t, h.outcomes, model.ModelTypePrintTime, "1.0.0", 20, offsetPredictions)

	assessments := h.monitor.Evaluate(context.Background())
	require.Len(t, assessments, 1)

	a := assessments[0]
	require.True(t, a.Degraded)
	require.Equal(t, ActionRetrain, a.Action)
	require.Equal(t, 1, a.ConsecutiveWindows)
	require.InDelta(t, 0.52, a.Observed, 0.01)
	require.InDelta(t, 42.4, a.DegradationPercent, 0.5)

	calls := h.retrainer.calls()
	require.Len(t, calls, 1)
	require.Equal(t, model.ModelTypePrintTime, calls[0].modelType)
	require.Equal(t, model.TriggerDrift, calls[0].trigger)

	drifts := h.recorder.OfType(model.EventDriftDetected)
	require.Len(t, drifts, 1)

	event, ok := drifts[0].(model.DriftDetected)
	require.True(t, ok)
	require.Equal(t, model.ModelTypePrintTime, event.ModelType)
	require.Equal(t, "1.0.0", event.ModelVersion)
	require.Equal(t, model.MetricR2, event.Metric)
	require.InDelta(t, 0.90, event.Baseline, 1e-9)
	require.InDelta(t, a.Observed, event.Observed, 1e-9)
	require.Equal(t, 24, event.WindowHours)
	require.False(t, event.DetectedAt.IsZero())

	// One degraded window is not yet grounds for a rollback.
	require.Empty(t, h.recorder.OfType(model.EventModelRolledBack))

	active, err := h.registry.GetActive(context.Background(), model.ModelTypePrintTime)
	require.NoError(t, err)
	require.Equal(t, "1.0.0", active.Version.String())
}

func TestMonitor_ConsecutiveDegradedWindowsRollBack(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	defer goleak.VerifyNone(t)

	h := newMonitorHarness(t)
	defer h.monitor.Close()

	ctx := context.Background()

	seedActiveModel(t, h.registry, model.ModelTypePrintTime, "1.0.0", 0.85)
	degraded := seedActiveModel(t, h.registry, model.ModelTypePrintTime, "1.1.0", 0.90)
	seedOutcomes(t, h.outcomes, model.ModelTypePrintTime, "1.1.0", 20, offsetPredictions)

	first := h.monitor.Evaluate(ctx)
	require.Len(t, first, 1)
	require.Equal(t, ActionRetrain, first[0].Action)
	require.Equal(t, 1, first[0].ConsecutiveWindows)

	second := h.monitor.Evaluate(ctx)
	require.Len(t, second, 1)
	require.Equal(t, ActionRollback, second[0].Action)
	require.Equal(t, 2, second[0].ConsecutiveWindows)

	active, err := h.registry.GetActive(ctx, model.ModelTypePrintTime)
	require.NoError(t, err)
	require.Equal(t, "1.0.0", active.Version.String())

	replaced, err := h.registry.GetByID(ctx, degraded.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusDeprecated, replaced.Status)

	require.Len(t, h.recorder.OfType(model.EventDriftDetected), 2)

	rollbacks := h.recorder.OfType(model.EventModelRolledBack)
	require.Len(t, rollbacks, 1)

	event, ok := rollbacks[0].(model.ModelRolledBack)
	require.True(t, ok)
	require.Equal(t, model.ModelTypePrintTime, event.ModelType)
	require.Equal(t, "1.1.0", event.FromVersion)
	require.Equal(t, "1.0.0", event.ToVersion)
	require.Contains(t, event.Reason, "drift")

	require.Len(t, h.retrainer.calls(), 2)

	// The restored version has no outcomes yet, so the next sweep has
	// nothing to score and must leave it alone.
	third := h.monitor.Evaluate(ctx)
	require.Empty(t, third)

	active, err = h.registry.GetActive(ctx, model.ModelTypePrintTime)
	require.NoError(t, err)
	require.Equal(t, "1.0.0", active.Version.String())
	require.Len(t, h.recorder.OfType(model.EventModelRolledBack), 1)
}

func TestMonitor_RollbackSkipsHigherDeprecatedVersions(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	defer goleak.VerifyNone(t)

	h := newMonitorHarness(t)
	defer h.monitor.Close()

	ctx := context.Background()

	seedActiveModel(t, h.registry, model.ModelTypePrintTime, "1.0.0", 0.85)
	seedActiveModel(t, h.registry, model.ModelTypePrintTime, "1.1.0", 0.90)
	seedOutcomes(t, h.outcomes, model.ModelTypePrintTime, "1.1.0", 20, offsetPredictions)

	h.monitor.Evaluate(ctx)
	h.monitor.Evaluate(ctx)

	active, err := h.registry.GetActive(ctx, model.ModelTypePrintTime)
	require.NoError(t, err)
	require.Equal(t, "1.0.0", active.Version.String())

	// The restored version drifts as well. The deprecated 1.1.0 sits above
	// it, so there is nothing to roll back to and the monitor must not
	// ping-pong back onto the version it just left.
	seedOutcomes(t, h.outcomes, model.ModelTypePrintTime, "1.0.0", 20, offsetPredictions)

	third := h.monitor.Evaluate(ctx)
	require.Len(t, third, 1)
	require.Equal(t, "1.0.0", third[0].ModelVersion)
	require.Equal(t, ActionRetrain, third[0].Action)
	require.Equal(t, 1, third[0].ConsecutiveWindows)

	fourth := h.monitor.Evaluate(ctx)
	require.Len(t, fourth, 1)
	require.Equal(t, ActionRetrain, fourth[0].Action)
	require.Equal(t, 2, fourth[0].ConsecutiveWindows)

	active, err = h.registry.GetActive(ctx, model.ModelTypePrintTime)
	require.NoError(t, err)
	require.Equal(t, "1.0.0", active.Version.String())

	require.Len(t, h.recorder.OfType(model.EventModelRolledBack), 1)
	require.Len(t, h.retrainer.calls(), 4)
}

func TestMonitor_PromotionResetsStreak(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	defer goleak.VerifyNone(t)

	h := newMonitorHarness(t)
	defer h.monitor.Close()

	ctx := context.Background()

	seedActiveModel(t, h.registry, model.ModelTypePrintTime, "1.0.0", 0.90)
	seedOutcomes(t, h.outcomes, model.ModelTypePrintTime, "1.0.0", 20, offsetPredictions)

	first := h.monitor.Evaluate(ctx)
	require.Len(t, first, 1)
	require.Equal(t, 1, first[0].ConsecutiveWindows)

	// A new version ships before the second sweep. Its degraded window must
	// start a fresh streak rather than inherit its predecessor's, even
	// though a deprecated 1.0.0 now sits below it ready for rollback.
	seedActiveModel(t, h.registry, model.ModelTypePrintTime, "1.1.0", 0.90)
	seedOutcomes(t, h.outcomes, model.ModelTypePrintTime, "1.1.0", 20, offsetPredictions)

	second := h.monitor.Evaluate(ctx)
	require.Len(t, second, 1)
	require.Equal(t, "1.1.0", second[0].ModelVersion)
	require.Equal(t, 1, second[0].ConsecutiveWindows)
	require.Equal(t, ActionRetrain, second[0].Action)

	require.Empty(t, h.recorder.OfType(model.EventModelRolledBack))

	active, err := h.registry.GetActive(ctx, model.ModelTypePrintTime)
	require.NoError(t, err)
	require.Equal(t, "1.1.0", active.Version.String())
}

func TestMonitor_SkippedWindowsPreserveStreak(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	defer goleak.VerifyNone(t)

	quiet := quietLogger()
	reg := registry.New(registry.NewMemoryStore(), registry.WithLogger(quiet))
	source := &fakeOutcomeSource{}
	retrainer := &fakeRetrainer{}
	recorder := events.NewRecorder()

	monitor := NewMonitor(reg, source, retrainer,
		WithEvalInterval(time.Hour),
		WithMinSamples(5),
		WithPublisher(recorder),
		WithMonitorLogger(quiet),
	)
	defer monitor.Close()

	ctx := context.Background()

	seedActiveModel(t, reg, model.ModelTypePrintTime, "1.0.0", 0.90)

	bad := outcomeEntries(model.ModelTypePrintTime, "1.0.0", 20, offsetPredictions)

	source.set(bad)
	first := monitor.Evaluate(ctx)
	require.Len(t, first, 1)
	require.Equal(t, 1, first[0].ConsecutiveWindows)

	// Too few outcomes: the window is not scored and the streak holds.
	source.set(bad[:3])
	require.Empty(t, monitor.Evaluate(ctx))

	// Outcome store outage: same deal.
	source.setErr(errors.New("outcome store offline"))
	require.Empty(t, monitor.Evaluate(ctx))
	source.setErr(nil)

	source.set(bad)
	fourth := monitor.Evaluate(ctx)
	require.Len(t, fourth, 1)
	require.Equal(t, 2, fourth[0].ConsecutiveWindows)

	require.Len(t, retrainer.calls(), 2)
}

// ====== Unit Tests: Churn Score Handling ======

func TestMonitor_ChurnScoresMapBackToProbabilities(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	defer goleak.VerifyNone(t)

	h := newMonitorHarness(t)
	defer h.monitor.Close()

	seedActiveModel(t, h.registry, model.ModelTypeChurnPrediction, "1.0.0", 0.90)

	// Churn audits the 0-100 risk score. Taken literally every score would
	// clear the 0.5 probability threshold and halve the precision; mapped
	// back to probabilities this window separates the classes perfectly.
	seedOutcomes(t, h.outcomes, model.ModelTypeChurnPrediction, "1.0.0", 20, func(i int) (float64, float64) {
		if i < 10 {
			return 1, 90
		}

		return 0, 8
	})

	assessments := h.monitor.Evaluate(context.Background())
	require.Len(t, assessments, 1)

	a := assessments[0]
	require.Equal(t, model.MetricPrecision, a.Metric)
	require.InDelta(t, 1.0, a.Observed, 1e-9)
	require.False(t, a.Degraded)
	require.Equal(t, ActionNone, a.Action)

	require.Empty(t, h.retrainer.calls())
	require.Empty(t, h.recorder.Events())
}

// ====== Unit Tests: Sweep Mechanics ======

func TestMonitor_NothingToScoreProducesNoAssessments(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	defer goleak.VerifyNone(t)

	h := newMonitorHarness(t)
	defer h.monitor.Close()

	ctx := context.Background()

	// No active models at all.
	require.Empty(t, h.monitor.Evaluate(ctx))

	// An active model without a recorded baseline cannot drift from one.
	m := &model.Model{
		Type:        model.ModelTypePriceOptimization,
		Version:     model.MustParseVersion("1.0.0"),
		Status:      model.StatusDraft,
		ArtifactURI: "file://models/PriceOptimization/1.0.0.json",
		TrainedAt:   time.Now().UTC(),
	}
	require.NoError(t, h.registry.Save(ctx, m))

	_, err := h.registry.Transition(ctx, m.ID, model.StatusDraft, model.StatusTesting, "")
	require.NoError(t, err)

	_, err = h.registry.Promote(ctx, m.ID, "seed")
	require.NoError(t, err)

	seedOutcomes(t, h.outcomes, model.ModelTypePriceOptimization, "1.0.0", 20, closePredictions)

	require.Empty(t, h.monitor.Evaluate(ctx))
	require.Empty(t, h.retrainer.calls())
	require.Empty(t, h.recorder.Events())
}

func TestMonitor_BackgroundSweepRunsOnInterval(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	defer goleak.VerifyNone(t)

	quiet := quietLogger()
	reg := registry.New(registry.NewMemoryStore(), registry.WithLogger(quiet))
	source := &fakeOutcomeSource{}
	retrainer := &fakeRetrainer{}

	seedActiveModel(t, reg, model.ModelTypePrintTime, "1.0.0", 0.90)
	source.set(outcomeEntries(model.ModelTypePrintTime, "1.0.0", 20, closePredictions))

	monitor := NewMonitor(reg, source, retrainer,
		WithEvalInterval(10*time.Millisecond),
		WithMinSamples(5),
		WithMonitorLogger(quiet),
	)
	defer monitor.Close()

	require.Eventually(t, func() bool {
		return source.callCount() >= 2
	}, 5*time.Second, 5*time.Millisecond)

	require.Empty(t, retrainer.calls())
}

func TestMonitor_CloseIsIdempotent(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	defer goleak.VerifyNone(t)

	h := newMonitorHarness(t)

	require.NoError(t, h.monitor.Close())
	require.NoError(t, h.monitor.Close())
}
