// Package training runs model training end to end: snapshotting ingested
// records into immutable datasets, screening them for data-quality problems,
// fitting and evaluating a candidate, and walking it through the registry
// lifecycle up to promotion.
//
// One coordinator serializes training per model type. Triggers arriving while
// a type trains coalesce into a single pending job, latest trigger wins, so a
// burst of drift detections and schedule firings costs one retrain, not five.
package training

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/foresight-io/foresight/internal/artifact"
	"github.com/foresight-io/foresight/internal/events"
	"github.com/foresight-io/foresight/internal/fingerprint"
	"github.com/foresight-io/foresight/internal/lifecycle"
	"github.com/foresight-io/foresight/internal/model"
	"github.com/foresight-io/foresight/internal/predictor"
	"github.com/foresight-io/foresight/internal/registry"
)

const (
	// defaultRecordWindow bounds how far back a snapshot reaches.
	defaultRecordWindow = 90 * 24 * time.Hour

	// closeTimeout bounds how long Close waits for running jobs.
	closeTimeout = 5 * time.Second
)

type (
	// CacheInvalidator drops cached predictions for a superseded model
	// version. Satisfied by cache.MemoryCache.
	CacheInvalidator interface {
		Invalidate(ctx context.Context, pattern string) (int, error)
	}

	// Coordinator owns the training pipeline and the per-type single-writer
	// lease. Safe for concurrent use.
	Coordinator struct {
		registry  *registry.Registry
		artifacts artifact.Store
		store     Store
		records   RecordSource
		cache     CacheInvalidator
		publisher events.Publisher
		gate      lifecycle.GateConfig
		window    time.Duration
		logger    *slog.Logger

		mu      sync.Mutex
		closed  bool
		running map[model.ModelType]bool
		pending map[model.ModelType]*model.TrainingJob

		baseCtx   context.Context
		cancel    context.CancelFunc
		wg        sync.WaitGroup
		closeOnce sync.Once
	}

	// CoordinatorOption configures optional Coordinator behavior.
	CoordinatorOption func(*Coordinator)
)

// WithGateConfig overrides the promotion gate thresholds.
func WithGateConfig(cfg lifecycle.GateConfig) CoordinatorOption {
	return func(c *Coordinator) {
		c.gate = cfg
	}
}

// WithRecordWindow overrides how far back snapshots select records.
func WithRecordWindow(window time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if window > 0 {
			c.window = window
		}
	}
}

// WithCacheInvalidator wires eager cache invalidation after promotions.
// Without it, superseded entries simply age out of their TTL.
func WithCacheInvalidator(cache CacheInvalidator) CoordinatorOption {
	return func(c *Coordinator) {
		c.cache = cache
	}
}

// WithTrainingPublisher overrides the event publisher.
func WithTrainingPublisher(publisher events.Publisher) CoordinatorOption {
	return func(c *Coordinator) {
		if publisher != nil {
			c.publisher = publisher
		}
	}
}

// WithCoordinatorLogger overrides the default JSON logger.
func WithCoordinatorLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// NewCoordinator wires a training coordinator over its collaborators.
func NewCoordinator(reg *registry.Registry, artifacts artifact.Store, store Store, records RecordSource, opts ...CoordinatorOption) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Coordinator{
		registry:  reg,
		artifacts: artifacts,
		store:     store,
		records:   records,
		publisher: events.NopPublisher{},
		gate:      lifecycle.DefaultGateConfig(),
		window:    defaultRecordWindow,
		logger:    slog.New(slog.NewJSONHandler(os.Stdout, nil)),
		running:   make(map[model.ModelType]bool),
		pending:   make(map[model.ModelType]*model.TrainingJob),
		baseCtx:   ctx,
		cancel:    cancel,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Trigger enqueues a training job for the type.
//
// At most one job runs per type. A trigger while one runs parks as the
// type's single pending job; further triggers replace the pending job's
// trigger, latest wins, and the dropped trigger is logged. The returned job
// reflects the queued state; callers follow progress through Job.
func (c *Coordinator) Trigger(ctx context.Context, t model.ModelType, trigger model.TrainingTrigger) (*model.TrainingJob, error) {
	if !t.IsValid() {
		return nil, fmt.Errorf("%w: unknown model type %q", model.ErrValidation, t)
	}

	if !trigger.IsValid() {
		return nil, fmt.Errorf("%w: unknown training trigger %q", model.ErrValidation, trigger)
	}

	job := &model.TrainingJob{
		ID:        uuid.NewString(),
		ModelType: t,
		Status:    model.JobPending,
		Trigger:   trigger,
	}

	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()

		return nil, fmt.Errorf("%w: training coordinator is shut down", model.ErrTransientInfra)
	}

	if c.running[t] {
		if parked, ok := c.pending[t]; ok {
			dropped := parked.Trigger
			parked.Trigger = trigger
			snapshot := cloneJob(parked)
			c.mu.Unlock()

			c.logger.InfoContext(ctx, "Coalesced training trigger",
				slog.String("model_type", t.String()),
				slog.String("job_id", snapshot.ID),
				slog.String("dropped", dropped.String()),
				slog.String("kept", trigger.String()),
			)

			if err := c.store.UpdateJob(ctx, snapshot); err != nil {
				c.logger.WarnContext(ctx, "Failed to persist coalesced trigger",
					slog.String("job_id", snapshot.ID),
					slog.String("error", err.Error()),
				)
			}

			return snapshot, nil
		}

		c.pending[t] = job
		c.mu.Unlock()

		if err := c.store.SaveJob(ctx, job); err != nil {
			c.mu.Lock()
			if c.pending[t] == job {
				delete(c.pending, t)
			}
			c.mu.Unlock()

			return nil, fmt.Errorf("persist pending job: %w", err)
		}

		c.logger.InfoContext(ctx, "Training queued behind running job",
			slog.String("model_type", t.String()),
			slog.String("job_id", job.ID),
			slog.String("trigger", trigger.String()),
		)

		return cloneJob(job), nil
	}

	c.running[t] = true
	c.wg.Add(1)
	c.mu.Unlock()

	if err := c.store.SaveJob(ctx, job); err != nil {
		c.mu.Lock()
		delete(c.running, t)
		c.mu.Unlock()
		c.wg.Done()

		return nil, fmt.Errorf("persist job: %w", err)
	}

	go c.lease(t, job.ID)

	return cloneJob(job), nil
}

// Job returns a training job by ID.
func (c *Coordinator) Job(ctx context.Context, id string) (*model.TrainingJob, error) {
	return c.store.GetJob(ctx, id)
}

// RecentJobs returns the type's jobs newest first.
func (c *Coordinator) RecentJobs(ctx context.Context, t model.ModelType, limit int) ([]*model.TrainingJob, error) {
	if !t.IsValid() {
		return nil, fmt.Errorf("%w: unknown model type %q", model.ErrValidation, t)
	}

	return c.store.ListJobs(ctx, t, limit)
}

// Close stops accepting triggers, cancels running jobs, and waits up to five
// seconds for them to unwind. Pending jobs that never started stay Pending
// in the store.
func (c *Coordinator) Close() error {
	var err error

	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		c.cancel()

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
	})

	return err
}

// lease holds the type's single-writer lease, running the first job and any
// job that parked behind it, until the pending slot is empty.
func (c *Coordinator) lease(t model.ModelType, jobID string) {
	defer c.wg.Done()

	for {
		c.runJob(c.baseCtx, t, jobID)

		c.mu.Lock()

		next, ok := c.pending[t]
		if !ok || c.closed {
			delete(c.running, t)
			c.mu.Unlock()

			return
		}

		delete(c.pending, t)
		c.mu.Unlock()

		jobID = next.ID
	}
}

// runJob drives one job from Pending to a terminal state.
func (c *Coordinator) runJob(ctx context.Context, t model.ModelType, jobID string) {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		c.logger.ErrorContext(ctx, "Training job vanished before start",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)

		return
	}

	job.Status = model.JobRunning
	job.StartedAt = time.Now().UTC()

	if err := c.store.UpdateJob(ctx, job); err != nil {
		c.logger.ErrorContext(ctx, "Failed to mark job running",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)

		return
	}

	execErr := c.execute(ctx, job)

	now := time.Now().UTC()
	job.EndedAt = &now

	if execErr != nil {
		job.Status = model.JobFailed
		job.Error = execErr.Error()

		c.logger.ErrorContext(ctx, "Training job failed",
			slog.String("job_id", job.ID),
			slog.String("model_type", t.String()),
			slog.String("trigger", job.Trigger.String()),
			slog.String("error", execErr.Error()),
		)
	} else {
		job.Status = model.JobSucceeded

		c.logger.InfoContext(ctx, "Training job finished",
			slog.String("job_id", job.ID),
			slog.String("model_type", t.String()),
			slog.String("model_id", job.ModelID),
			slog.Duration("took", now.Sub(job.StartedAt)),
		)
	}

	// The outcome persists on a detached context so a shutdown cancel cannot
	// strand the job in Running.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()

	if err := c.store.UpdateJob(persistCtx, job); err != nil {
		c.logger.ErrorContext(ctx, "Failed to persist job outcome",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}
}

// execute runs the training pipeline, mutating the job's result fields as
// stages complete. A returned error fails the job.
func (c *Coordinator) execute(ctx context.Context, job *model.TrainingJob) error {
	t := job.ModelType
	now := time.Now().UTC()
	from := now.Add(-c.window)

	records, err := c.records.Records(ctx, t, from, now)
	if err != nil {
		return fmt.Errorf("%w: loading training records: %v", model.ErrTransientInfra, err)
	}

	if len(records) == 0 {
		return fmt.Errorf("%w: no %s records in the last %s", model.ErrDataQuality, t, c.window)
	}

	ds, err := c.snapshot(ctx, t, records)
	if err != nil {
		return err
	}

	job.DatasetID = ds.ID

	if ds.QualityReport.HasCritical() {
		return fmt.Errorf("%w: %s", model.ErrDataQuality, qualityFailure(ds.QualityReport))
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("training canceled: %w", err)
	}

	version, err := c.registry.NextVersion(ctx, t)
	if err != nil {
		return fmt.Errorf("assign version: %w", err)
	}

	result, err := predictor.Train(t, ds.FeatureColumns, records, version, now)
	if err != nil {
		return err
	}

	job.Metrics = &result.Metrics

	var encoded bytes.Buffer
	if err := predictor.EncodeArtifact(&encoded, result.Artifact); err != nil {
		return fmt.Errorf("encode artifact: %w", err)
	}

	uri, err := c.artifacts.Upload(ctx, artifact.ModelKey(t, version), &encoded)
	if err != nil {
		return fmt.Errorf("%w: upload artifact: %v", model.ErrTransientInfra, err)
	}

	candidate := &model.Model{
		Type:          t,
		Version:       version,
		Status:        model.StatusDraft,
		ArtifactURI:   uri,
		TrainedAt:     now,
		Metrics:       result.Metrics,
		DatasetSize:   ds.RecordCount,
		TrainingJobID: job.ID,
	}
	if err := c.registry.Save(ctx, candidate); err != nil {
		return fmt.Errorf("register draft: %w", err)
	}

	job.ModelID = candidate.ID

	if result.Metrics.IsEmpty() {
		job.GateReason = "holdout produced no metrics, model held in Draft"
		c.logger.WarnContext(ctx, "Candidate held in Draft",
			slog.String("job_id", job.ID),
			slog.String("model_id", candidate.ID),
			slog.String("reason", job.GateReason),
		)

		return nil
	}

	if _, err := c.registry.Transition(ctx, candidate.ID, model.StatusDraft, model.StatusTesting, "holdout evaluation recorded"); err != nil {
		return fmt.Errorf("enter testing: %w", err)
	}

	current, err := c.registry.GetActive(ctx, t)
	if err != nil && !errors.Is(err, model.ErrNoActiveModel) {
		return fmt.Errorf("resolve active: %w", err)
	}

	gate := lifecycle.EvaluateGate(candidate, current, &ds.QualityReport, c.gate)
	if !gate.Passed {
		job.GateReason = gate.Reason()

		c.logger.WarnContext(ctx, "Candidate held in Testing",
			slog.String("job_id", job.ID),
			slog.String("model_type", t.String()),
			slog.String("version", version.String()),
			slog.String("reason", job.GateReason),
		)

		return nil
	}

	promoted, err := c.registry.Promote(ctx, candidate.ID, "training:"+job.Trigger.String())
	if err != nil {
		return fmt.Errorf("promote: %w", err)
	}

	c.announcePromotion(ctx, promoted, current)
	c.invalidateSuperseded(ctx, t, current)

	return nil
}

// snapshot builds the dataset snapshot for the records, reusing an already
// persisted snapshot with the same content hash. New snapshots are screened
// for quality and their canonical payload is archived in the artifact store.
func (c *Coordinator) snapshot(ctx context.Context, t model.ModelType, records []model.TrainingRecord) (*model.TrainingDataset, error) {
	ds, payload, err := buildSnapshot(t, records)
	if err != nil {
		return nil, err
	}

	existing, err := c.store.DatasetByHash(ctx, t, ds.ContentHash)
	if err == nil {
		c.logger.InfoContext(ctx, "Reusing dataset snapshot",
			slog.String("model_type", t.String()),
			slog.String("dataset_id", existing.ID),
			slog.String("content_hash", existing.ContentHash),
		)

		return existing, nil
	}

	if !errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("%w: dataset lookup: %v", model.ErrTransientInfra, err)
	}

	ds.ID = uuid.NewString()
	ds.QualityReport = ValidateQuality(records, ds.FeatureColumns, ds.TargetColumn)
	ds.CreatedAt = time.Now().UTC()

	uri, err := c.artifacts.Upload(ctx, artifact.DatasetKey(t, ds.ContentHash), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: archive snapshot: %v", model.ErrTransientInfra, err)
	}

	ds.StorageURI = uri

	if err := c.store.SaveDataset(ctx, ds); err != nil {
		return nil, fmt.Errorf("%w: persist dataset: %v", model.ErrTransientInfra, err)
	}

	c.logger.InfoContext(ctx, "Dataset snapshot persisted",
		slog.String("model_type", t.String()),
		slog.String("dataset_id", ds.ID),
		slog.Int("records", ds.RecordCount),
		slog.String("content_hash", ds.ContentHash),
		slog.Int("quality_flags", len(ds.QualityReport.Flags)),
	)

	return ds, nil
}

// announcePromotion publishes ModelPromoted with the improvement over the
// replaced version when one existed.
func (c *Coordinator) announcePromotion(ctx context.Context, promoted, previous *model.Model) {
	event := model.ModelPromoted{
		ModelID:    promoted.ID,
		ModelType:  promoted.Type,
		Version:    promoted.Version.String(),
		PromotedAt: time.Now().UTC(),
	}

	if previous != nil {
		event.PreviousVersion = previous.Version.String()

		primary := model.PrimaryMetric(promoted.Type)
		if candValue, ok := promoted.Metrics.Value(primary); ok {
			if curValue, ok := previous.Metrics.Value(primary); ok {
				if pct, err := model.ImprovementPercent(primary, candValue, curValue); err == nil {
					event.ImprovementPercent = pct
				}
			}
		}
	}

	if err := c.publisher.Publish(ctx, event); err != nil {
		c.logger.WarnContext(ctx, "Failed to publish promotion event",
			slog.String("model_id", promoted.ID),
			slog.String("error", err.Error()),
		)
	}
}

// invalidateSuperseded eagerly drops cached predictions made by the replaced
// version. Promotion already partitions the key space through the version in
// every key, so a failure here only means the entries age out instead.
func (c *Coordinator) invalidateSuperseded(ctx context.Context, t model.ModelType, previous *model.Model) {
	if c.cache == nil || previous == nil {
		return
	}

	pattern := fingerprint.InvalidationPattern(t.String(), previous.Version.String())

	n, err := c.cache.Invalidate(ctx, pattern)
	if err != nil {
		c.logger.WarnContext(ctx, "Cache invalidation failed",
			slog.String("pattern", pattern),
			slog.String("error", err.Error()),
		)

		return
	}

	c.logger.InfoContext(ctx, "Invalidated superseded cache entries",
		slog.String("pattern", pattern),
		slog.Int("entries", n),
	)
}

// qualityFailure renders the blocking findings as a structured report for
// the job's failure record.
func qualityFailure(report model.QualityReport) string {
	type finding struct {
		Code    string `json:"code"`
		Column  string `json:"column,omitempty"`
		Message string `json:"message"`
	}

	critical := report.CriticalFlags()

	doc := struct {
		RecordCount int       `json:"record_count"`
		Critical    []finding `json:"critical"`
	}{RecordCount: report.RecordCount}

	for _, f := range critical {
		doc.Critical = append(doc.Critical, finding{Code: f.Code, Column: f.Column, Message: f.Message})
	}

	b, err := json.Marshal(doc)
	if err != nil {
		return "data quality gate failed"
	}

	return "data quality gate failed: " + string(b)
}
