package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/foresight-io/foresight/internal/lifecycle"
	"github.com/foresight-io/foresight/internal/model"
)

// Registry coordinates all model lifecycle writes.
//
// Writes are serialized per model type: promotions, rollbacks, and other
// status changes for one type never interleave, which together with the
// store's atomic swap keeps the single-active invariant. Reads go straight
// to the store.
type Registry struct {
	store  Store
	logger *slog.Logger

	mu        sync.Mutex
	typeLocks map[model.ModelType]*sync.Mutex
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the structured logger. Defaults to a JSON logger on stdout.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New creates a Registry backed by the given store.
func New(store Store, opts ...Option) *Registry {
	r := &Registry{
		store:     store,
		logger:    slog.New(slog.NewJSONHandler(os.Stdout, nil)),
		typeLocks: make(map[model.ModelType]*sync.Mutex),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// lockFor returns the write lock for a model type, creating it on first use.
func (r *Registry) lockFor(t model.ModelType) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.typeLocks[t]
	if !ok {
		l = &sync.Mutex{}
		r.typeLocks[t] = l
	}

	return l
}

// GetActive returns the single active model for the type.
//
// Returns model.ErrNoActiveModel when the type has no active model; callers
// in the prediction path map this to their fallback strategy.
func (r *Registry) GetActive(ctx context.Context, t model.ModelType) (*model.Model, error) {
	if !t.IsValid() {
		return nil, fmt.Errorf("%w: unknown model type %q", model.ErrValidation, t)
	}

	m, err := r.store.GetActive(ctx, t)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, fmt.Errorf("%w: no active %s model", model.ErrNoActiveModel, t)
		}

		return nil, fmt.Errorf("get active %s model: %w", t, err)
	}

	return m, nil
}

// GetByID returns the model with the given ID.
func (r *Registry) GetByID(ctx context.Context, id string) (*model.Model, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: model id cannot be empty", model.ErrValidation)
	}

	return r.store.GetByID(ctx, id)
}

// ListVersions returns the type's models ordered by version descending,
// optionally filtered by status.
func (r *Registry) ListVersions(ctx context.Context, t model.ModelType, statuses ...model.ModelStatus) ([]*model.Model, error) {
	if !t.IsValid() {
		return nil, fmt.Errorf("%w: unknown model type %q", model.ErrValidation, t)
	}

	for _, s := range statuses {
		if !s.IsValid() {
			return nil, fmt.Errorf("%w: unknown model status %q", model.ErrValidation, s)
		}
	}

	return r.store.ListVersions(ctx, t, statuses)
}

// Save registers a freshly trained model.
//
// Only Draft models can be saved; every model enters the lifecycle at the
// start of the state machine. A missing ID is filled with a new UUID and
// zero timestamps are set to now. Returns model.ErrDuplicateVersion when
// the (type, version) pair is already registered.
func (r *Registry) Save(ctx context.Context, m *model.Model) error {
	if m == nil {
		return fmt.Errorf("%w: model is nil", model.ErrValidation)
	}

	if m.Status != model.StatusDraft {
		return fmt.Errorf("%w: new models must be saved as Draft, got %s", model.ErrValidation, m.Status)
	}

	if m.ID == "" {
		m.ID = uuid.NewString()
	}

	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now

	if err := m.Validate(); err != nil {
		return err
	}

	if err := r.store.Insert(ctx, m); err != nil {
		return err
	}

	r.logger.InfoContext(ctx, "model registered",
		"model_id", m.ID,
		"model_type", m.Type,
		"version", m.Version.String(),
		"dataset_size", m.DatasetSize,
	)

	return nil
}

// Transition moves a model from one lifecycle status to another.
//
// Transitions into Active are dispatched to Promote (from Testing) or
// Rollback (from Deprecated) so the active swap stays atomic. All other
// transitions are single-row compare-and-swap updates; a stale From status
// fails with model.ErrLifecycleConflict. The optional reason is recorded in
// the model's metadata.
func (r *Registry) Transition(ctx context.Context, modelID string, from, to model.ModelStatus, reason string) (*model.Model, error) {
	if to == model.StatusActive {
		switch from {
		case model.StatusTesting:
			promotedBy := reason
			if promotedBy == "" {
				promotedBy = "manual"
			}

			return r.Promote(ctx, modelID, promotedBy)
		case model.StatusDeprecated:
			return r.Rollback(ctx, modelID, reason)
		}
	}

	if err := model.ValidateStatusTransition(from, to); err != nil {
		return nil, err
	}

	m, err := r.GetByID(ctx, modelID)
	if err != nil {
		return nil, err
	}

	lock := r.lockFor(m.Type)
	lock.Lock()
	defer lock.Unlock()

	update := StatusUpdate{
		ModelID: modelID,
		From:    from,
		To:      to,
	}

	if reason != "" {
		update.Annotations = map[string]string{model.MetaStatusReason: reason}
	}

	if to == model.StatusDeprecated {
		now := time.Now().UTC()
		update.DeprecatedAt = &now
	}

	if err := r.store.UpdateStatus(ctx, update); err != nil {
		return nil, err
	}

	r.logger.InfoContext(ctx, "model status changed",
		"model_id", modelID,
		"model_type", m.Type,
		"from", from,
		"to", to,
	)

	return r.GetByID(ctx, modelID)
}

// Promote makes a Testing candidate the active model of its type,
// deprecating the previous active model in the same atomic swap.
//
// promotedBy names the initiator and is recorded in the model's metadata.
// Promote enforces the registry invariants (state machine, single active,
// version order); the training pipeline's quality gate runs before the
// candidate ever reaches this point.
func (r *Registry) Promote(ctx context.Context, candidateID, promotedBy string) (*model.Model, error) {
	return r.promote(ctx, candidateID, promotedBy, nil)
}

// Deploy promotes a Testing candidate with a staged rollout annotation.
// A canary percent of 0 means full rollout; anything else must land in
// [1, 100]. The registry only records the percent; traffic splitting happens
// at the serving gateway, which reads the annotation off the active model.
func (r *Registry) Deploy(ctx context.Context, candidateID string, canaryPercent int, promotedBy string) (*model.Model, error) {
	if canaryPercent < 0 || canaryPercent > 100 {
		return nil, fmt.Errorf("%w: canary percent %d out of range [0, 100]", model.ErrValidation, canaryPercent)
	}

	if canaryPercent == 0 {
		canaryPercent = 100
	}

	return r.promote(ctx, candidateID, promotedBy, map[string]string{
		model.MetaCanaryPercent: strconv.Itoa(canaryPercent),
	})
}

func (r *Registry) promote(ctx context.Context, candidateID, promotedBy string, extra map[string]string) (*model.Model, error) {
	candidate, err := r.GetByID(ctx, candidateID)
	if err != nil {
		return nil, err
	}

	lock := r.lockFor(candidate.Type)
	lock.Lock()
	defer lock.Unlock()

	// Reload under the lock; the candidate may have moved while we waited.
	candidate, err = r.GetByID(ctx, candidateID)
	if err != nil {
		return nil, err
	}

	current, err := r.currentActive(ctx, candidate.Type)
	if err != nil {
		return nil, err
	}

	plan, err := lifecycle.PlanPromotion(candidate, current, promotedBy, time.Now())
	if err != nil {
		return nil, err
	}

	annotations := plan.Annotations
	for k, v := range extra {
		if annotations == nil {
			annotations = make(map[string]string, len(extra))
		}

		annotations[k] = v
	}

	swap := ActiveSwap{
		PromoteID:   plan.Candidate.ID,
		PromoteFrom: model.StatusTesting,
		Annotations: annotations,
		At:          plan.At,
	}
	if plan.Previous != nil {
		swap.DemoteID = plan.Previous.ID
	}

	if err := r.store.SwapActive(ctx, swap); err != nil {
		return nil, err
	}

	previousVersion := ""
	if plan.Previous != nil {
		previousVersion = plan.Previous.Version.String()
	}

	r.logger.InfoContext(ctx, "model promoted",
		"model_id", candidate.ID,
		"model_type", candidate.Type,
		"version", candidate.Version.String(),
		"previous_version", previousVersion,
		"promoted_by", promotedBy,
	)

	return r.GetByID(ctx, candidateID)
}

// Rollback reactivates a previously deprecated model, deprecating the
// currently active one in the same atomic swap. The reason is mandatory and
// recorded in the reactivated model's metadata together with the version
// that was rolled back from.
func (r *Registry) Rollback(ctx context.Context, targetID, reason string) (*model.Model, error) {
	target, err := r.GetByID(ctx, targetID)
	if err != nil {
		return nil, err
	}

	lock := r.lockFor(target.Type)
	lock.Lock()
	defer lock.Unlock()

	target, err = r.GetByID(ctx, targetID)
	if err != nil {
		return nil, err
	}

	current, err := r.currentActive(ctx, target.Type)
	if err != nil {
		return nil, err
	}

	plan, err := lifecycle.PlanRollback(target, current, reason, time.Now())
	if err != nil {
		return nil, err
	}

	swap := ActiveSwap{
		PromoteID:   plan.Target.ID,
		PromoteFrom: model.StatusDeprecated,
		Annotations: plan.Annotations,
		At:          plan.At,
	}
	if plan.Current != nil {
		swap.DemoteID = plan.Current.ID
	}

	if err := r.store.SwapActive(ctx, swap); err != nil {
		return nil, err
	}

	fromVersion := ""
	if plan.Current != nil {
		fromVersion = plan.Current.Version.String()
	}

	r.logger.WarnContext(ctx, "model rolled back",
		"model_id", target.ID,
		"model_type", target.Type,
		"version", target.Version.String(),
		"rolled_back_from", fromVersion,
		"reason", plan.Reason,
	)

	return r.GetByID(ctx, targetID)
}

// NextVersion returns the version the next trained model of the type should
// carry: a minor bump over the highest registered version, or 1.0.0 for the
// type's first model.
func (r *Registry) NextVersion(ctx context.Context, t model.ModelType) (model.Version, error) {
	if !t.IsValid() {
		return model.Version{}, fmt.Errorf("%w: unknown model type %q", model.ErrValidation, t)
	}

	highest, ok, err := r.store.MaxVersion(ctx, t)
	if err != nil {
		return model.Version{}, fmt.Errorf("max version for %s: %w", t, err)
	}

	if !ok {
		return model.Version{Major: 1}, nil
	}

	return highest.NextMinor(), nil
}

// HealthCheck reports whether the backing store is reachable.
func (r *Registry) HealthCheck(ctx context.Context) error {
	return r.store.HealthCheck(ctx)
}

// currentActive returns the active model for the type, or nil when there is
// none. Infrastructure errors are returned as-is.
func (r *Registry) currentActive(ctx context.Context, t model.ModelType) (*model.Model, error) {
	current, err := r.store.GetActive(ctx, t)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, nil
		}

		return nil, fmt.Errorf("get active %s model: %w", t, err)
	}

	return current, nil
}
