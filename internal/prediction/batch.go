package prediction

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/foresight-io/foresight/internal/config"
	"github.com/foresight-io/foresight/internal/model"
)

const (
	// DefaultBatchLimit caps items per submitted batch.
	DefaultBatchLimit = 100

	defaultBatchWorkers   = 4
	defaultBatchQueue     = 64
	defaultBatchRetention = 30 * time.Minute
	batchJanitorInterval  = 5 * time.Minute

	// batchShutdownTimeout bounds how long Close waits for in-flight
	// batches to finish their current item.
	batchShutdownTimeout = 5 * time.Second
)

// BatchState is the lifecycle state of a submitted batch.
type BatchState string

const (
	BatchQueued    BatchState = "Queued"
	BatchRunning   BatchState = "Running"
	BatchCompleted BatchState = "Completed"
)

type (
	// BatchItem is one prediction request inside a batch. Exactly the
	// payload matching Type must be set.
	BatchItem struct {
		Type           model.ModelType
		PrintTime      *PrintTimeRequest
		DemandForecast *DemandForecastRequest
		Price          *PriceRequest
		CustomerID     string
		MaterialDemand *MaterialDemandRequest
		Bottleneck     *BottleneckRequest
	}

	// BatchResult is one item's outcome. Items that have not run yet
	// carry neither a response nor an error.
	BatchResult struct {
		Index    int             `json:"index"`
		Type     model.ModelType `json:"type"`
		Response interface{}     `json:"response,omitempty"`
		Error    string          `json:"error,omitempty"`
	}

	// BatchStatus is the poll view of a batch.
	BatchStatus struct {
		ID          string     `json:"id"`
		State       BatchState `json:"state"`
		Total       int        `json:"total"`
		Completed   int        `json:"completed"`
		Failed      int        `json:"failed"`
		SubmittedAt time.Time  `json:"submitted_at"`
		FinishedAt  *time.Time `json:"finished_at,omitempty"`
	}

	batchJob struct {
		status  BatchStatus
		caller  Caller
		items   []BatchItem
		results []BatchResult
	}

	// BatchRunner executes submitted batches on a bounded worker pool.
	// Items within a batch run sequentially; batches run concurrently.
	BatchRunner struct {
		orchestrator *Orchestrator
		logger       *slog.Logger

		limit     int
		workers   int
		retention time.Duration

		mutex sync.RWMutex
		jobs  map[string]*batchJob

		queue     chan string
		stopCh    chan struct{}
		doneCh    chan struct{}
		closeOnce sync.Once
		wg        sync.WaitGroup

		baseCtx context.Context
		cancel  context.CancelFunc
	}

	// BatchOption configures optional BatchRunner behavior.
	BatchOption func(*BatchRunner)
)

// WithBatchLimit overrides the per-batch item cap.
func WithBatchLimit(n int) BatchOption {
	return func(r *BatchRunner) {
		if n > 0 {
			r.limit = n
		}
	}
}

// WithBatchWorkers overrides the worker pool size.
func WithBatchWorkers(n int) BatchOption {
	return func(r *BatchRunner) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithBatchRetention overrides how long finished batches stay pollable.
func WithBatchRetention(d time.Duration) BatchOption {
	return func(r *BatchRunner) {
		if d > 0 {
			r.retention = d
		}
	}
}

// WithBatchLogger overrides the default JSON logger.
func WithBatchLogger(logger *slog.Logger) BatchOption {
	return func(r *BatchRunner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewBatchRunner starts the worker pool and the retention janitor.
func NewBatchRunner(o *Orchestrator, opts ...BatchOption) *BatchRunner {
	r := &BatchRunner{
		orchestrator: o,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		limit:     config.GetEnvInt("FORESIGHT_BATCH_LIMIT", DefaultBatchLimit),
		workers:   defaultBatchWorkers,
		retention: defaultBatchRetention,
		jobs:      make(map[string]*batchJob),
		queue:     make(chan string, defaultBatchQueue),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}

	for _, opt := range opts {
		opt(r)
	}

	r.baseCtx, r.cancel = context.WithCancel(context.Background())

	r.wg.Add(r.workers)
	for i := 0; i < r.workers; i++ {
		go r.worker()
	}

	go r.janitor()

	return r
}

// Submit validates and enqueues a batch. The caller identity from ctx is
// carried into every item's audit trail. Returns the batch id.
func (r *BatchRunner) Submit(ctx context.Context, items []BatchItem) (string, error) {
	if len(items) == 0 {
		return "", fmt.Errorf("%w: batch is empty", model.ErrValidation)
	}

	if len(items) > r.limit {
		return "", fmt.Errorf("%w: batch of %d exceeds the cap of %d items", model.ErrInputTooLarge, len(items), r.limit)
	}

	for i, item := range items {
		if err := validateBatchItem(item); err != nil {
			return "", fmt.Errorf("item %d: %w", i, err)
		}
	}

	job := &batchJob{
		status: BatchStatus{
			ID:          uuid.NewString(),
			State:       BatchQueued,
			Total:       len(items),
			SubmittedAt: time.Now().UTC(),
		},
		caller:  CallerFromContext(ctx),
		items:   append([]BatchItem(nil), items...),
		results: make([]BatchResult, len(items)),
	}

	for i, item := range items {
		job.results[i] = BatchResult{Index: i, Type: item.Type}
	}

	r.mutex.Lock()
	r.jobs[job.status.ID] = job
	r.mutex.Unlock()

	select {
	case r.queue <- job.status.ID:
	default:
		r.mutex.Lock()
		delete(r.jobs, job.status.ID)
		r.mutex.Unlock()

		return "", fmt.Errorf("%w: batch queue is full", model.ErrTransientInfra)
	}

	r.logger.Info("Batch accepted",
		slog.String("batch_id", job.status.ID),
		slog.Int("items", len(items)),
	)

	return job.status.ID, nil
}

// Status returns the poll view of a batch.
func (r *BatchRunner) Status(id string) (BatchStatus, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	job, ok := r.jobs[id]
	if !ok {
		return BatchStatus{}, false
	}

	return job.status, true
}

// Results returns the batch outcome so far together with its status.
// Items not yet executed carry empty results.
func (r *BatchRunner) Results(id string) ([]BatchResult, BatchStatus, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, BatchStatus{}, false
	}

	return append([]BatchResult(nil), job.results...), job.status, true
}

// Close stops accepting work and waits for workers to finish their
// current items.
func (r *BatchRunner) Close() error {
	var err error

	r.closeOnce.Do(func() {
		close(r.stopCh)
		r.cancel()

		finished := make(chan struct{})
		go func() {
			r.wg.Wait()
			close(finished)
		}()

		select {
		case <-finished:
		case <-time.After(batchShutdownTimeout):
			err = context.DeadlineExceeded
		}

		select {
		case <-r.doneCh:
		case <-time.After(batchShutdownTimeout):
			err = context.DeadlineExceeded
		}
	})

	return err
}

func (r *BatchRunner) worker() {
	defer r.wg.Done()

	for {
		select {
		case <-r.stopCh:
			return
		case id := <-r.queue:
			r.run(id)
		}
	}
}

func (r *BatchRunner) run(id string) {
	r.mutex.Lock()
	job, ok := r.jobs[id]
	if !ok {
		r.mutex.Unlock()

		return
	}
	job.status.State = BatchRunning
	r.mutex.Unlock()

	for i := range job.items {
		select {
		case <-r.stopCh:
			r.abandon(job, i)

			return
		default:
		}

		caller := job.caller
		caller.RequestID = fmt.Sprintf("%s/%d", id, i)

		ctx := WithCaller(r.baseCtx, caller)

		response, err := r.dispatch(ctx, job.items[i])

		r.mutex.Lock()
		if err != nil {
			job.results[i].Error = err.Error()
			job.status.Failed++
		} else {
			job.results[i].Response = response
			job.status.Completed++
		}
		r.mutex.Unlock()
	}

	now := time.Now().UTC()

	r.mutex.Lock()
	job.status.State = BatchCompleted
	job.status.FinishedAt = &now
	r.mutex.Unlock()

	r.logger.Info("Batch finished",
		slog.String("batch_id", id),
		slog.Int("completed", job.status.Completed),
		slog.Int("failed", job.status.Failed),
	)
}

// abandon marks the remaining items of a batch interrupted by shutdown.
func (r *BatchRunner) abandon(job *batchJob, from int) {
	now := time.Now().UTC()

	r.mutex.Lock()
	defer r.mutex.Unlock()

	for i := from; i < len(job.results); i++ {
		job.results[i].Error = "canceled: runner shut down before item ran"
		job.status.Failed++
	}

	job.status.State = BatchCompleted
	job.status.FinishedAt = &now
}

func (r *BatchRunner) dispatch(ctx context.Context, item BatchItem) (interface{}, error) {
	switch item.Type {
	case model.ModelTypePrintTime:
		return r.orchestrator.PredictPrintTime(ctx, *item.PrintTime)
	case model.ModelTypeDemandForecast:
		return r.orchestrator.ForecastDemand(ctx, *item.DemandForecast)
	case model.ModelTypePriceOptimization:
		return r.orchestrator.RecommendPrice(ctx, *item.Price)
	case model.ModelTypeChurnPrediction:
		return r.orchestrator.ScoreChurn(ctx, item.CustomerID)
	case model.ModelTypeMaterialDemand:
		return r.orchestrator.ForecastMaterialDemand(ctx, *item.MaterialDemand)
	case model.ModelTypeBottleneckDetection:
		return r.orchestrator.DetectBottlenecks(ctx, *item.Bottleneck)
	default:
		return nil, fmt.Errorf("%w: unsupported batch item type %q", model.ErrValidation, item.Type)
	}
}

func validateBatchItem(item BatchItem) error {
	missing := func(field string) error {
		return fmt.Errorf("%w: %s payload is required for type %s", model.ErrValidation, field, item.Type)
	}

	switch item.Type {
	case model.ModelTypePrintTime:
		if item.PrintTime == nil {
			return missing("print_time")
		}
	case model.ModelTypeDemandForecast:
		if item.DemandForecast == nil {
			return missing("demand_forecast")
		}
	case model.ModelTypePriceOptimization:
		if item.Price == nil {
			return missing("price")
		}
	case model.ModelTypeChurnPrediction:
		if item.CustomerID == "" {
			return missing("customer_id")
		}
	case model.ModelTypeMaterialDemand:
		if item.MaterialDemand == nil {
			return missing("material_demand")
		}
	case model.ModelTypeBottleneckDetection:
		if item.Bottleneck == nil {
			return missing("bottleneck")
		}
	default:
		return fmt.Errorf("%w: unsupported batch item type %q", model.ErrValidation, item.Type)
	}

	return nil
}

func (r *BatchRunner) janitor() {
	defer close(r.doneCh)

	ticker := time.NewTicker(batchJanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.purgeExpired()
		}
	}
}

func (r *BatchRunner) purgeExpired() {
	cutoff := time.Now().UTC().Add(-r.retention)

	r.mutex.Lock()
	defer r.mutex.Unlock()

	for id, job := range r.jobs {
		if job.status.FinishedAt != nil && job.status.FinishedAt.Before(cutoff) {
			delete(r.jobs, id)
		}
	}
}
