package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/foresight-io/foresight/internal/model"
)

// MemoryStore provides thread-safe in-memory model storage.
//
// It implements the full Store contract including compare-and-swap status
// updates and atomic active swaps, and is used by unit tests and local
// development. Production deployments use the PostgreSQL store in
// internal/storage.
type MemoryStore struct {
	// models maps model IDs to models
	models map[string]*model.Model
	// byTypeVersion maps "type|version" to model IDs for uniqueness checks
	byTypeVersion map[string]string
	// mutex protects concurrent access to both maps
	mutex sync.RWMutex
}

// NewMemoryStore creates an empty in-memory model store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		models:        make(map[string]*model.Model),
		byTypeVersion: make(map[string]string),
	}
}

// GetActive returns the active model for the type.
func (s *MemoryStore) GetActive(_ context.Context, t model.ModelType) (*model.Model, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	for _, m := range s.models {
		if m.Type == t && m.Status == model.StatusActive {
			return cloneModel(m), nil
		}
	}

	return nil, fmt.Errorf("%w: no active model for type %s", model.ErrNotFound, t)
}

// GetByID returns the model with the given ID.
func (s *MemoryStore) GetByID(_ context.Context, id string) (*model.Model, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	m, ok := s.models[id]
	if !ok {
		return nil, fmt.Errorf("%w: model %s", model.ErrNotFound, id)
	}

	return cloneModel(m), nil
}

// ListVersions returns the type's models ordered by version descending.
func (s *MemoryStore) ListVersions(_ context.Context, t model.ModelType, statuses []model.ModelStatus) ([]*model.Model, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var out []*model.Model

	for _, m := range s.models {
		if m.Type != t {
			continue
		}
		if len(statuses) > 0 && !containsStatus(statuses, m.Status) {
			continue
		}
		out = append(out, cloneModel(m))
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[j].Version.Before(out[i].Version)
	})

	return out, nil
}

// MaxVersion returns the highest version registered for the type.
func (s *MemoryStore) MaxVersion(_ context.Context, t model.ModelType) (model.Version, bool, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var (
		highest model.Version
		found   bool
	)

	for _, m := range s.models {
		if m.Type != t {
			continue
		}
		if !found || highest.Before(m.Version) {
			highest = m.Version
			found = true
		}
	}

	return highest, found, nil
}

// Insert stores a new model, enforcing (type, version) uniqueness.
func (s *MemoryStore) Insert(_ context.Context, m *model.Model) error {
	if m == nil {
		return fmt.Errorf("%w: model is nil", model.ErrValidation)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	key := typeVersionKey(m.Type, m.Version)
	if _, exists := s.byTypeVersion[key]; exists {
		return fmt.Errorf("%w: %s version %s already registered", model.ErrDuplicateVersion, m.Type, m.Version)
	}

	if _, exists := s.models[m.ID]; exists {
		return fmt.Errorf("%w: model id %s already registered", model.ErrDuplicateVersion, m.ID)
	}

	s.models[m.ID] = cloneModel(m)
	s.byTypeVersion[key] = m.ID

	return nil
}

// UpdateStatus applies a compare-and-swap status change.
func (s *MemoryStore) UpdateStatus(_ context.Context, update StatusUpdate) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.applyStatusLocked(update)
}

// SwapActive atomically activates one model and deprecates another.
//
// Both changes happen under a single lock acquisition; a failed precondition
// leaves the store untouched.
func (s *MemoryStore) SwapActive(_ context.Context, swap ActiveSwap) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	promote, ok := s.models[swap.PromoteID]
	if !ok {
		return fmt.Errorf("%w: model %s", model.ErrNotFound, swap.PromoteID)
	}

	if promote.Status != swap.PromoteFrom {
		return fmt.Errorf("%w: model %s is %s, expected %s",
			model.ErrLifecycleConflict, swap.PromoteID, promote.Status, swap.PromoteFrom)
	}

	var demote *model.Model
	if swap.DemoteID != "" {
		demote, ok = s.models[swap.DemoteID]
		if !ok {
			return fmt.Errorf("%w: model %s", model.ErrNotFound, swap.DemoteID)
		}

		if demote.Status != model.StatusActive {
			return fmt.Errorf("%w: model %s is %s, expected Active",
				model.ErrLifecycleConflict, swap.DemoteID, demote.Status)
		}
	}

	// Any other active model of the type means the swap would break the
	// single-active invariant.
	for id, m := range s.models {
		if m.Type != promote.Type || m.Status != model.StatusActive {
			continue
		}
		if id != swap.DemoteID {
			return fmt.Errorf("%w: model %s is already active for type %s",
				model.ErrInvariantViolation, id, promote.Type)
		}
	}

	at := swap.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	if demote != nil {
		deprecatedAt := at
		demote.Status = model.StatusDeprecated
		demote.DeprecatedAt = &deprecatedAt
		demote.UpdatedAt = at
	}

	deployedAt := at
	promote.Status = model.StatusActive
	promote.DeployedAt = &deployedAt
	promote.UpdatedAt = at

	for k, v := range swap.Annotations {
		promote.Annotate(k, v)
	}

	return nil
}

// HealthCheck always succeeds for the in-memory store.
func (s *MemoryStore) HealthCheck(_ context.Context) error {
	return nil
}

// Len returns the number of stored models.
func (s *MemoryStore) Len() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return len(s.models)
}

// applyStatusLocked performs the compare-and-swap update. Caller holds the
// write lock.
func (s *MemoryStore) applyStatusLocked(update StatusUpdate) error {
	m, ok := s.models[update.ModelID]
	if !ok {
		return fmt.Errorf("%w: model %s", model.ErrNotFound, update.ModelID)
	}

	if m.Status != update.From {
		return fmt.Errorf("%w: model %s is %s, expected %s",
			model.ErrLifecycleConflict, update.ModelID, m.Status, update.From)
	}

	m.Status = update.To
	m.UpdatedAt = time.Now().UTC()

	if update.DeployedAt != nil {
		at := *update.DeployedAt
		m.DeployedAt = &at
	}

	if update.DeprecatedAt != nil {
		at := *update.DeprecatedAt
		m.DeprecatedAt = &at
	}

	for k, v := range update.Annotations {
		m.Annotate(k, v)
	}

	return nil
}

// cloneModel returns a deep copy so callers can never mutate stored state.
func cloneModel(m *model.Model) *model.Model {
	c := *m

	if m.DeployedAt != nil {
		at := *m.DeployedAt
		c.DeployedAt = &at
	}

	if m.DeprecatedAt != nil {
		at := *m.DeprecatedAt
		c.DeprecatedAt = &at
	}

	if m.Metrics.Values != nil {
		values := make(map[model.MetricName]float64, len(m.Metrics.Values))
		for k, v := range m.Metrics.Values {
			values[k] = v
		}
		c.Metrics.Values = values
	}

	if m.Metadata != nil {
		meta := make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			meta[k] = v
		}
		c.Metadata = meta
	}

	return &c
}

// typeVersionKey builds the uniqueness key for (type, version).
func typeVersionKey(t model.ModelType, v model.Version) string {
	return string(t) + "|" + v.String()
}

// containsStatus reports whether statuses includes s.
func containsStatus(statuses []model.ModelStatus, s model.ModelStatus) bool {
	for _, candidate := range statuses {
		if candidate == s {
			return true
		}
	}

	return false
}
