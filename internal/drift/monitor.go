// Package drift watches served predictions against received ground truth and
// reacts when a model's live accuracy decays.
//
// On every evaluation interval the monitor scores each Active model over the
// audited predictions of a trailing window that carry outcomes, recomputing
// the type's primary metric with the same evaluators training uses on its
// holdout. A window that degrades past the threshold emits DriftDetected and
// requests a drift retrain; a second consecutive degraded window additionally
// rolls the type back to the most recent previously active version when one
// exists.
package drift

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/foresight-io/foresight/internal/events"
	"github.com/foresight-io/foresight/internal/model"
	"github.com/foresight-io/foresight/internal/predictor"
	"github.com/foresight-io/foresight/internal/registry"
)

type (
	// OutcomeSource supplies audited predictions that carry ground truth.
	// Satisfied by the audit stores.
	OutcomeSource interface {
		RecentWithOutcomes(ctx context.Context, t model.ModelType, version string, since time.Time) ([]model.AuditEntry, error)
	}

	// Retrainer enqueues drift-triggered training jobs. Satisfied by the
	// training coordinator.
	Retrainer interface {
		Trigger(ctx context.Context, t model.ModelType, trigger model.TrainingTrigger) (*model.TrainingJob, error)
	}

	// Action names what an evaluation decided to do about a model.
	Action string

	// Assessment is the outcome of scoring one Active model over a window.
	Assessment struct {
		ModelType          model.ModelType
		ModelVersion       string
		Metric             model.MetricName
		Baseline           float64
		Observed           float64
		DegradationPercent float64
		SampleCount        int
		Degraded           bool
		ConsecutiveWindows int
		Action             Action
	}

	// Monitor periodically sweeps every model type and acts on drift.
	Monitor struct {
		registry  *registry.Registry
		outcomes  OutcomeSource
		retrainer Retrainer
		publisher events.Publisher
		logger    *slog.Logger

		window     time.Duration
		threshold  float64
		interval   time.Duration
		minSamples int

		// mu serializes whole sweeps so concurrent evaluations cannot
		// double-count a degraded window into the streak.
		mu      sync.Mutex
		streaks map[model.ModelType]*streak

		stopCh    chan struct{}
		doneCh    chan struct{}
		closeOnce sync.Once
	}

	// streak counts consecutive degraded windows for one served version.
	streak struct {
		version string
		count   int
	}

	// Option configures a Monitor.
	Option func(*Monitor)
)

const (
	// ActionNone means the window looked healthy.
	ActionNone Action = "none"

	// ActionRetrain means drift was detected and a retrain was requested.
	ActionRetrain Action = "retrain"

	// ActionRollback means a retrain was requested and the type was rolled
	// back to its prior active version.
	ActionRollback Action = "rollback"
)

const (
	// DefaultWindow is the trailing span of audited outcomes each sweep scores.
	DefaultWindow = 24 * time.Hour

	// DefaultDegradationThreshold is the relative primary-metric loss, in
	// percent against the deployment baseline, that counts as drift.
	DefaultDegradationThreshold = 5.0

	// DefaultEvalInterval is how often the background sweep runs.
	DefaultEvalInterval = time.Hour

	// DefaultMinSamples is the fewest ground-truthed predictions a window
	// needs before its metric is considered meaningful.
	DefaultMinSamples = 10

	// rollbackAfterWindows is how many consecutive degraded windows it takes
	// before the monitor reaches for a rollback.
	rollbackAfterWindows = 2

	sweepTimeout = time.Minute
	closeTimeout = 5 * time.Second
)

// WithWindow overrides the trailing outcome window.
func WithWindow(window time.Duration) Option {
	return func(m *Monitor) {
		if window > 0 {
			m.window = window
		}
	}
}

// WithDegradationThreshold overrides the drift threshold percentage.
func WithDegradationThreshold(percent float64) Option {
	return func(m *Monitor) {
		if percent > 0 {
			m.threshold = percent
		}
	}
}

// WithEvalInterval overrides the background sweep cadence.
func WithEvalInterval(interval time.Duration) Option {
	return func(m *Monitor) {
		if interval > 0 {
			m.interval = interval
		}
	}
}

// WithMinSamples overrides the minimum window sample count.
func WithMinSamples(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.minSamples = n
		}
	}
}

// WithPublisher overrides the domain event publisher.
func WithPublisher(publisher events.Publisher) Option {
	return func(m *Monitor) {
		if publisher != nil {
			m.publisher = publisher
		}
	}
}

// WithMonitorLogger overrides the default logger.
func WithMonitorLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewMonitor creates a drift monitor and starts its background sweep.
// Call Close to stop it.
func NewMonitor(reg *registry.Registry, outcomes OutcomeSource, retrainer Retrainer, opts ...Option) *Monitor {
	m := &Monitor{
		registry:   reg,
		outcomes:   outcomes,
		retrainer:  retrainer,
		publisher:  events.NopPublisher{},
		logger:     slog.New(slog.NewJSONHandler(os.Stdout, nil)),
		window:     DefaultWindow,
		threshold:  DefaultDegradationThreshold,
		interval:   DefaultEvalInterval,
		minSamples: DefaultMinSamples,
		streaks:    make(map[model.ModelType]*streak),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(m)
	}

	go m.run()

	m.logger.Info("Drift monitor started",
		slog.Duration("window", m.window),
		slog.Float64("degradation_threshold_percent", m.threshold),
		slog.Duration("eval_interval", m.interval),
	)

	return m
}

// Close stops the background sweep and waits for it to finish.
func (m *Monitor) Close() error {
	var err error

	m.closeOnce.Do(func() {
		close(m.stopCh)

		select {
		case <-m.doneCh:
		case <-time.After(closeTimeout):
			err = context.DeadlineExceeded
		}
	})

	return err
}

func (m *Monitor) run() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
			m.Evaluate(ctx)
			cancel()
		}
	}
}

// Evaluate sweeps every model type once and returns an assessment per type
// that had an Active model with enough ground-truthed predictions to score.
// The background loop calls this on its interval; operators can call it
// directly for an on-demand check.
func (m *Monitor) Evaluate(ctx context.Context) []Assessment {
	m.mu.Lock()
	defer m.mu.Unlock()

	var assessments []Assessment

	for _, t := range model.ValidModelTypes() {
		a, ok := m.evaluateType(ctx, t)
		if !ok {
			continue
		}

		assessments = append(assessments, a)
	}

	return assessments
}

// evaluateType scores one type's Active model over the trailing window. The
// bool is false when there was nothing to score: no active model, no baseline
// metric, or too few outcomes. A skipped window leaves the streak untouched;
// only scored windows clear or extend it.
func (m *Monitor) evaluateType(ctx context.Context, t model.ModelType) (Assessment, bool) {
	active, err := m.registry.GetActive(ctx, t)
	if err != nil {
		if !errors.Is(err, model.ErrNoActiveModel) {
			m.logger.WarnContext(ctx, "Drift sweep cannot resolve active model",
				slog.String("model_type", t.String()),
				slog.String("error", err.Error()),
			)
		}

		return Assessment{}, false
	}

	baseline, err := active.Metrics.Primary(t)
	if err != nil {
		// The active model predates holdout metric capture. There is no
		// deployment baseline to degrade from.
		return Assessment{}, false
	}

	version := active.Version.String()
	since := time.Now().UTC().Add(-m.window)

	entries, err := m.outcomes.RecentWithOutcomes(ctx, t, version, since)
	if err != nil {
		m.logger.WarnContext(ctx, "Drift sweep cannot load outcomes",
			slog.String("model_type", t.String()),
			slog.String("model_version", version),
			slog.String("error", err.Error()),
		)

		return Assessment{}, false
	}

	actual, predicted := outcomePairs(t, entries)
	if len(actual) < m.minSamples {
		return Assessment{}, false
	}

	observed, err := observedMetric(t, actual, predicted)
	if err != nil {
		m.logger.WarnContext(ctx, "Drift window cannot support the primary metric",
			slog.String("model_type", t.String()),
			slog.String("model_version", version),
			slog.Int("samples", len(actual)),
			slog.String("error", err.Error()),
		)

		return Assessment{}, false
	}

	improvement, err := model.ImprovementPercent(model.PrimaryMetric(t), observed, baseline)
	if err != nil {
		return Assessment{}, false
	}

	a := Assessment{
		ModelType:          t,
		ModelVersion:       version,
		Metric:             model.PrimaryMetric(t),
		Baseline:           baseline,
		Observed:           observed,
		DegradationPercent: -improvement,
		SampleCount:        len(actual),
		Action:             ActionNone,
	}

	state := m.streakFor(t, version)

	if a.DegradationPercent < m.threshold {
		state.count = 0

		return a, true
	}

	a.Degraded = true
	state.count++
	a.ConsecutiveWindows = state.count

	m.announceDrift(ctx, a)
	m.requestRetrain(ctx, t)
	a.Action = ActionRetrain

	if state.count >= rollbackAfterWindows && m.rollback(ctx, active, a) {
		a.Action = ActionRollback
		state.count = 0
	}

	return a, true
}

// streakFor returns the type's degraded-window streak, starting a fresh one
// when the served version changed since the last sweep. A promotion or
// rollback therefore never inherits its predecessor's count.
func (m *Monitor) streakFor(t model.ModelType, version string) *streak {
	state, ok := m.streaks[t]
	if !ok || state.version != version {
		state = &streak{version: version}
		m.streaks[t] = state
	}

	return state
}

func (m *Monitor) announceDrift(ctx context.Context, a Assessment) {
	m.logger.WarnContext(ctx, "Model drift detected",
		slog.String("model_type", a.ModelType.String()),
		slog.String("model_version", a.ModelVersion),
		slog.String("metric", string(a.Metric)),
		slog.Float64("baseline", a.Baseline),
		slog.Float64("observed", a.Observed),
		slog.Float64("degradation_percent", a.DegradationPercent),
		slog.Int("samples", a.SampleCount),
		slog.Int("consecutive_windows", a.ConsecutiveWindows),
	)

	event := model.DriftDetected{
		ModelType:          a.ModelType,
		ModelVersion:       a.ModelVersion,
		Metric:             a.Metric,
		Baseline:           a.Baseline,
		Observed:           a.Observed,
		DegradationPercent: a.DegradationPercent,
		WindowHours:        int(m.window / time.Hour),
		DetectedAt:         time.Now().UTC(),
	}

	if err := m.publisher.Publish(ctx, event); err != nil {
		m.logger.WarnContext(ctx, "Failed to publish drift event",
			slog.String("model_type", a.ModelType.String()),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Monitor) requestRetrain(ctx context.Context, t model.ModelType) {
	job, err := m.retrainer.Trigger(ctx, t, model.TriggerDrift)
	if err != nil {
		m.logger.ErrorContext(ctx, "Drift retrain trigger failed",
			slog.String("model_type", t.String()),
			slog.String("error", err.Error()),
		)

		return
	}

	m.logger.InfoContext(ctx, "Drift retrain triggered",
		slog.String("model_type", t.String()),
		slog.String("job_id", job.ID),
	)
}

// rollback reactivates the most recent previously active version below the
// degraded one, reporting whether the swap happened.
func (m *Monitor) rollback(ctx context.Context, degraded *model.Model, a Assessment) bool {
	target, err := m.rollbackTarget(ctx, degraded)
	if err != nil {
		m.logger.WarnContext(ctx, "Drift rollback target lookup failed",
			slog.String("model_type", degraded.Type.String()),
			slog.String("error", err.Error()),
		)

		return false
	}

	if target == nil {
		m.logger.WarnContext(ctx, "Drift persists but no prior active version exists to roll back to",
			slog.String("model_type", degraded.Type.String()),
			slog.String("model_version", a.ModelVersion),
		)

		return false
	}

	reason := fmt.Sprintf("drift: %s degraded %.1f%% from baseline %.4g to %.4g over %d consecutive windows",
		a.Metric, a.DegradationPercent, a.Baseline, a.Observed, a.ConsecutiveWindows)

	restored, err := m.registry.Rollback(ctx, target.ID, reason)
	if err != nil {
		m.logger.ErrorContext(ctx, "Drift rollback failed",
			slog.String("model_type", degraded.Type.String()),
			slog.String("target_version", target.Version.String()),
			slog.String("error", err.Error()),
		)

		return false
	}

	m.logger.WarnContext(ctx, "Model rolled back on drift",
		slog.String("model_type", degraded.Type.String()),
		slog.String("from_version", degraded.Version.String()),
		slog.String("to_version", restored.Version.String()),
	)

	event := model.ModelRolledBack{
		ModelType:    degraded.Type,
		FromVersion:  degraded.Version.String(),
		ToVersion:    restored.Version.String(),
		Reason:       reason,
		RolledBackAt: time.Now().UTC(),
	}

	if err := m.publisher.Publish(ctx, event); err != nil {
		m.logger.WarnContext(ctx, "Failed to publish rollback event",
			slog.String("model_type", degraded.Type.String()),
			slog.String("error", err.Error()),
		)
	}

	return true
}

// rollbackTarget picks the highest-versioned Deprecated model strictly below
// the degraded version. The strict ordering keeps consecutive drift sweeps
// from ping-ponging back onto the version that was just rolled back from.
func (m *Monitor) rollbackTarget(ctx context.Context, degraded *model.Model) (*model.Model, error) {
	deprecated, err := m.registry.ListVersions(ctx, degraded.Type, model.StatusDeprecated)
	if err != nil {
		return nil, err
	}

	// ListVersions returns newest first, so the first match is the highest
	// version below the degraded one.
	for _, candidate := range deprecated {
		if candidate.Version.Before(degraded.Version) {
			return candidate, nil
		}
	}

	return nil, nil
}

// ObserveWindow scores audited entries carrying ground truth with the type's
// primary metric, exactly as a sweep would. The model health endpoint reuses
// this so operators see the same number the monitor acts on. The returned
// count is how many entries contributed pairs; when it is zero the metric is
// meaningless and err is non-nil.
func ObserveWindow(t model.ModelType, entries []model.AuditEntry) (float64, int, error) {
	actual, predicted := outcomePairs(t, entries)

	observed, err := observedMetric(t, actual, predicted)
	if err != nil {
		return 0, len(actual), err
	}

	return observed, len(actual), nil
}

// outcomePairs extracts parallel actual and predicted series from audited
// entries. Churn predictions audit the 0-100 risk score, so those map back to
// probability space before the classification threshold applies.
func outcomePairs(t model.ModelType, entries []model.AuditEntry) (actual, predicted []float64) {
	for _, e := range entries {
		if e.ActualOutcome == nil {
			continue
		}

		value, ok := predictedValue(e.Output)
		if !ok {
			continue
		}

		if t == model.ModelTypeChurnPrediction {
			value /= 100
		}

		actual = append(actual, *e.ActualOutcome)
		predicted = append(predicted, value)
	}

	return actual, predicted
}

// predictedValue pulls the served value out of an audited response document.
func predictedValue(output json.RawMessage) (float64, bool) {
	if len(output) == 0 {
		return 0, false
	}

	var doc struct {
		PredictedValue float64 `json:"predicted_value"`
	}

	if err := json.Unmarshal(output, &doc); err != nil {
		return 0, false
	}

	return doc.PredictedValue, true
}

// observedMetric recomputes the type's primary metric over the window pairs
// with the evaluators training uses on its holdout.
func observedMetric(t model.ModelType, actual, predicted []float64) (float64, error) {
	var (
		metrics model.Metrics
		err     error
	)

	if model.MetricKindFor(t) == model.MetricKindClassification {
		metrics, err = predictor.EvaluateClassification(t, actual, predicted, predictor.DefaultChurnThreshold)
	} else {
		metrics, err = predictor.EvaluateRegression(t, actual, predicted)
	}

	if err != nil {
		return 0, err
	}

	return metrics.Primary(t)
}
