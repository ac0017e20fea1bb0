package lifecycle

import (
	"fmt"
	"strings"
	"time"

	"github.com/foresight-io/foresight/internal/model"
)

type (
	// Promotion is a validated plan to make a Testing candidate the single
	// Active model of its type, deprecating the previous Active model if one
	// exists. The registry applies the plan atomically.
	Promotion struct {
		// Candidate is the model to activate.
		Candidate *model.Model

		// Previous is the currently active model to deprecate, nil when the
		// type has no active model yet.
		Previous *model.Model

		// At is the timestamp recorded as DeployedAt on the candidate and
		// DeprecatedAt on the previous model.
		At time.Time

		// Annotations are metadata entries written onto the candidate.
		Annotations map[string]string
	}

	// Rollback is a validated plan to reactivate a Deprecated model,
	// deprecating the currently active one. The registry applies the plan
	// atomically.
	Rollback struct {
		// Target is the deprecated model to reactivate.
		Target *model.Model

		// Current is the active model being rolled back from, nil when the
		// type has no active model.
		Current *model.Model

		// Reason is the operator-supplied justification, always non-empty.
		Reason string

		// At is the timestamp recorded on both status changes.
		At time.Time

		// Annotations are metadata entries written onto the target.
		Annotations map[string]string
	}
)

// PlanPromotion validates that candidate may replace current as the active
// model and returns the promotion plan.
//
// Rules enforced here:
//   - candidate must be in Testing status
//   - candidate and current must share a model type
//   - candidate's version must not be older than current's (versions only
//     move forward on promotion; moving backward is what rollback is for)
//
// promotedBy names the initiator (a training job ID, "manual", "drift") and
// is recorded in the candidate's metadata.
func PlanPromotion(candidate, current *model.Model, promotedBy string, now time.Time) (*Promotion, error) {
	if candidate == nil {
		return nil, fmt.Errorf("%w: promotion candidate is nil", model.ErrValidation)
	}

	if candidate.Status != model.StatusTesting {
		return nil, fmt.Errorf("%w: promotion requires Testing status, model %s is %s",
			model.ErrLifecycleConflict, candidate.ID, candidate.Status)
	}

	if current != nil {
		if current.Type != candidate.Type {
			return nil, fmt.Errorf("%w: candidate type %s does not match active type %s",
				model.ErrValidation, candidate.Type, current.Type)
		}

		if candidate.Version.Before(current.Version) {
			return nil, fmt.Errorf("%w: candidate version %s is older than active version %s",
				model.ErrInvariantViolation, candidate.Version, current.Version)
		}
	}

	annotations := map[string]string{}
	if promotedBy != "" {
		annotations[model.MetaPromotedBy] = promotedBy
	}

	return &Promotion{
		Candidate:   candidate,
		Previous:    current,
		At:          now.UTC(),
		Annotations: annotations,
	}, nil
}

// PlanRollback validates that target, a previously deprecated model, may be
// reactivated in place of current and returns the rollback plan.
//
// Rules enforced here:
//   - reason must be non-empty; rollbacks are always operator-justified
//   - target must be in Deprecated status
//   - target and current must share a model type
//
// The plan's annotations record the reason and, when a model was active, the
// version that was rolled back from.
func PlanRollback(target, current *model.Model, reason string, now time.Time) (*Rollback, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: rollback reason is required", model.ErrValidation)
	}

	if target == nil {
		return nil, fmt.Errorf("%w: rollback target is nil", model.ErrValidation)
	}

	if target.Status != model.StatusDeprecated {
		return nil, fmt.Errorf("%w: rollback target must be Deprecated, model %s is %s",
			model.ErrLifecycleConflict, target.ID, target.Status)
	}

	annotations := map[string]string{
		model.MetaRollbackReason: reason,
	}

	if current != nil {
		if current.Type != target.Type {
			return nil, fmt.Errorf("%w: target type %s does not match active type %s",
				model.ErrValidation, target.Type, current.Type)
		}

		if current.ID == target.ID {
			return nil, fmt.Errorf("%w: model %s is already active", model.ErrLifecycleConflict, target.ID)
		}

		annotations[model.MetaRollbackFromVersion] = current.Version.String()
	}

	return &Rollback{
		Target:      target,
		Current:     current,
		Reason:      reason,
		At:          now.UTC(),
		Annotations: annotations,
	}, nil
}

