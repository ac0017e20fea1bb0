// Package registry provides the model registry: the authoritative record of
// every trained model, its lifecycle status, and the single active model per
// type.
//
// This package defines the Store interface which represents what the registry
// needs for model persistence. Concrete implementations (PostgreSQL,
// in-memory) live in internal/storage and in this package's MemoryStore.
package registry

import (
	"context"
	"time"

	"github.com/foresight-io/foresight/internal/model"
)

// Store defines the persistence interface for registered models.
//
// The registry defines this interface to specify what it needs from storage
// without depending on a concrete backend. This follows the same pattern as
// the other domain stores: the domain package owns the interface, storage
// provides implementations.
//
// Implementations must guarantee:
//   - (type, version) uniqueness: Insert returns model.ErrDuplicateVersion
//     on conflict.
//   - Compare-and-swap status updates: UpdateStatus applies only when the
//     row's current status equals From, returning model.ErrLifecycleConflict
//     otherwise.
//   - Atomic swaps: SwapActive promotes one model and demotes another in a
//     single transaction, so at most one model per type is ever Active. A
//     swap that would leave two Active models fails with
//     model.ErrInvariantViolation.
type Store interface {
	// GetActive returns the single Active model for the type, or
	// model.ErrNotFound when the type has none.
	GetActive(ctx context.Context, t model.ModelType) (*model.Model, error)

	// GetByID returns the model with the given ID, or model.ErrNotFound.
	GetByID(ctx context.Context, id string) (*model.Model, error)

	// ListVersions returns the type's models ordered by version descending.
	// An empty status list means all statuses.
	ListVersions(ctx context.Context, t model.ModelType, statuses []model.ModelStatus) ([]*model.Model, error)

	// MaxVersion returns the highest version ever registered for the type.
	// The boolean is false when the type has no models.
	MaxVersion(ctx context.Context, t model.ModelType) (model.Version, bool, error)

	// Insert stores a new model. Returns model.ErrDuplicateVersion when the
	// (type, version) pair already exists.
	Insert(ctx context.Context, m *model.Model) error

	// UpdateStatus applies a compare-and-swap status change to one model.
	UpdateStatus(ctx context.Context, update StatusUpdate) error

	// SwapActive atomically activates one model and, when DemoteID is set,
	// deprecates another.
	SwapActive(ctx context.Context, swap ActiveSwap) error

	// HealthCheck verifies the backend is ready to serve requests. Used by
	// readiness probes.
	HealthCheck(ctx context.Context) error
}

type (
	// StatusUpdate is a compare-and-swap status change for a single model.
	StatusUpdate struct {
		// ModelID identifies the model to update.
		ModelID string

		// From is the expected current status. The update fails with
		// model.ErrLifecycleConflict when the stored status differs.
		From model.ModelStatus

		// To is the new status.
		To model.ModelStatus

		// Annotations are metadata entries merged into the model.
		Annotations map[string]string

		// DeployedAt, when non-nil, is written as the model's deployment
		// timestamp.
		DeployedAt *time.Time

		// DeprecatedAt, when non-nil, is written as the model's deprecation
		// timestamp.
		DeprecatedAt *time.Time
	}

	// ActiveSwap atomically replaces the active model of a type.
	ActiveSwap struct {
		// PromoteID identifies the model to activate.
		PromoteID string

		// PromoteFrom is the status the promoted model must currently hold
		// (Testing for promotions, Deprecated for rollbacks).
		PromoteFrom model.ModelStatus

		// DemoteID identifies the currently active model to deprecate.
		// Empty when the type has no active model.
		DemoteID string

		// Annotations are metadata entries merged into the promoted model.
		Annotations map[string]string

		// At is the timestamp recorded as DeployedAt on the promoted model
		// and DeprecatedAt on the demoted one.
		At time.Time
	}
)
