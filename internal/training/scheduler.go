package training

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/foresight-io/foresight/internal/model"
)

const (
	// minScheduleInterval rejects cadences that would retrain in a tight
	// loop. Anything faster than a minute is a configuration mistake.
	minScheduleInterval = time.Minute

	// triggerTimeout bounds how long one tick may spend enqueueing.
	triggerTimeout = 10 * time.Second
)

type (
	// Schedule is one per-type retraining cadence.
	Schedule struct {
		Every time.Duration
	}

	// Triggerer enqueues one training job. Satisfied by *Coordinator.
	Triggerer interface {
		Trigger(ctx context.Context, t model.ModelType, trigger model.TrainingTrigger) (*model.TrainingJob, error)
	}

	// Scheduler fires training triggers on fixed per-type cadences loaded
	// from the training_schedules section of .foresight.yaml.
	Scheduler struct {
		trigger   Triggerer
		schedules map[model.ModelType]Schedule
		logger    *slog.Logger

		stopCh    chan struct{}
		wg        sync.WaitGroup
		closeOnce sync.Once
	}

	// SchedulerOption configures optional Scheduler behavior.
	SchedulerOption func(*Scheduler)

	scheduleEntry struct {
		Every string `yaml:"every"`
	}

	//nolint:tagliatelle // snake_case is intentional for YAML config files
	scheduleFile struct {
		Schedules map[string]scheduleEntry `yaml:"training_schedules"`
	}
)

// WithSchedulerLogger overrides the default JSON logger.
func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// LoadSchedules reads the training_schedules section from a YAML file.
//
// Like the fallback rule table, schedules are an operational convenience the
// service must start without: a missing file, unreadable file, or invalid
// YAML yields an empty schedule set with a warning. Individual entries with
// an unknown type name, an unparsable duration, or a cadence under one
// minute are skipped with a warning.
func LoadSchedules(path string) map[model.ModelType]Schedule {
	schedules := make(map[model.ModelType]Schedule)

	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("Config file not found, continuing without training schedules",
				slog.String("path", path))

			return schedules
		}

		slog.Warn("Failed to read config file, continuing without training schedules",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return schedules
	}

	var file scheduleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		slog.Warn("Failed to parse config file, continuing without training schedules",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return schedules
	}

	for name, entry := range file.Schedules {
		t, err := model.ParseModelType(name)
		if err != nil {
			slog.Warn("Skipping schedule for unknown model type",
				slog.String("model_type", name))

			continue
		}

		every, err := time.ParseDuration(entry.Every)
		if err != nil {
			slog.Warn("Skipping schedule with invalid cadence",
				slog.String("model_type", name),
				slog.String("every", entry.Every))

			continue
		}

		if every < minScheduleInterval {
			slog.Warn("Skipping schedule below the minimum cadence",
				slog.String("model_type", name),
				slog.String("every", every.String()),
				slog.String("minimum", minScheduleInterval.String()))

			continue
		}

		schedules[t] = Schedule{Every: every}
	}

	return schedules
}

// NewScheduler starts one ticker worker per schedule. An empty schedule set
// is valid and starts nothing.
func NewScheduler(trigger Triggerer, schedules map[model.ModelType]Schedule, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		trigger:   trigger,
		schedules: schedules,
		logger:    slog.New(slog.NewJSONHandler(os.Stdout, nil)),
		stopCh:    make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	for t, schedule := range schedules {
		s.wg.Add(1)

		go s.run(t, schedule.Every)
	}

	s.logger.Info("Training scheduler started",
		slog.Int("schedules", len(schedules)),
	)

	return s
}

// Close stops all ticker workers, waiting up to five seconds.
func (s *Scheduler) Close() error {
	var err error

	s.closeOnce.Do(func() {
		close(s.stopCh)

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
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

func (s *Scheduler) run(t model.ModelType, every time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.fire(t)
		}
	}
}

func (s *Scheduler) fire(t model.ModelType) {
	ctx, cancel := context.WithTimeout(context.Background(), triggerTimeout)
	defer cancel()

	job, err := s.trigger.Trigger(ctx, t, model.TriggerScheduled)
	if err != nil {
		s.logger.Warn("Scheduled training trigger failed",
			slog.String("model_type", t.String()),
			slog.String("error", err.Error()),
		)

		return
	}

	s.logger.Info("Scheduled training triggered",
		slog.String("model_type", t.String()),
		slog.String("job_id", job.ID),
	)
}

// ScheduleFor reports the configured cadence for a type, for health output.
func (s *Scheduler) ScheduleFor(t model.ModelType) (Schedule, bool) {
	schedule, ok := s.schedules[t]

	return schedule, ok
}
