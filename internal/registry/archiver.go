package registry

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/foresight-io/foresight/internal/lifecycle"
	"github.com/foresight-io/foresight/internal/model"
)

const (
	// defaultArchiveInterval is how often the background sweep runs.
	defaultArchiveInterval = 6 * time.Hour

	// archiveSweepTimeout bounds a single background sweep.
	archiveSweepTimeout = 2 * time.Minute

	// archiverShutdownTimeout is the maximum wait for the sweep goroutine
	// during Close.
	archiverShutdownTimeout = 5 * time.Second
)

// Archiver retires deprecated models that aged past the retention window,
// keeping the most recently deprecated models of each type as rollback
// targets.
//
// It runs a background sweep on a fixed interval; RunOnce is exposed for
// tests and manual sweeps.
type Archiver struct {
	registry *Registry
	policy   lifecycle.ArchivalPolicy
	interval time.Duration
	logger   *slog.Logger

	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

// ArchiverOption configures an Archiver.
type ArchiverOption func(*Archiver)

// WithArchivalPolicy overrides the retention policy.
func WithArchivalPolicy(policy lifecycle.ArchivalPolicy) ArchiverOption {
	return func(a *Archiver) {
		a.policy = policy
	}
}

// WithArchiveInterval overrides the sweep interval.
func WithArchiveInterval(interval time.Duration) ArchiverOption {
	return func(a *Archiver) {
		if interval > 0 {
			a.interval = interval
		}
	}
}

// WithArchiverLogger sets the structured logger.
func WithArchiverLogger(logger *slog.Logger) ArchiverOption {
	return func(a *Archiver) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// NewArchiver creates an Archiver and starts its background sweep.
// Call Close to stop it.
func NewArchiver(registry *Registry, opts ...ArchiverOption) *Archiver {
	a := &Archiver{
		registry: registry,
		policy:   lifecycle.DefaultArchivalPolicy(),
		interval: defaultArchiveInterval,
		logger:   slog.New(slog.NewJSONHandler(os.Stdout, nil)),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	for _, opt := range opts {
		opt(a)
	}

	go a.run()

	return a
}

// RunOnce sweeps every model type once and returns the number of models
// archived. Per-model failures are logged and skipped so one stuck row
// cannot stall the sweep.
func (a *Archiver) RunOnce(ctx context.Context) (int, error) {
	archived := 0

	for _, t := range model.ValidModelTypes() {
		deprecated, err := a.registry.ListVersions(ctx, t, model.StatusDeprecated)
		if err != nil {
			return archived, err
		}

		for _, m := range a.policy.Eligible(deprecated, time.Now()) {
			_, err := a.registry.Transition(ctx, m.ID, model.StatusDeprecated, model.StatusArchived, "retention sweep")
			if err != nil {
				a.logger.WarnContext(ctx, "archival transition failed",
					"model_id", m.ID,
					"model_type", m.Type,
					"version", m.Version.String(),
					"error", err,
				)

				continue
			}

			archived++
		}
	}

	if archived > 0 {
		a.logger.InfoContext(ctx, "archival sweep completed", "archived", archived)
	}

	return archived, nil
}

// Close stops the background sweep.
func (a *Archiver) Close() error {
	a.closeOnce.Do(func() {
		close(a.stopCh)

		select {
		case <-a.doneCh:
			a.logger.Debug("Archiver stopped gracefully")
		case <-time.After(archiverShutdownTimeout):
			a.logger.Warn("Archiver did not stop within timeout")
		}
	})

	return nil
}

// run executes the sweep loop until Close is called.
func (a *Archiver) run() {
	defer close(a.doneCh)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), archiveSweepTimeout)
			if _, err := a.RunOnce(ctx); err != nil {
				a.logger.Warn("archival sweep failed", "error", err)
			}
			cancel()
		}
	}
}
