package lifecycle

import (
	"sort"
	"time"

	"github.com/foresight-io/foresight/internal/model"
)

// Archival defaults: deprecated models are archived after 90 days, but the
// five most recently deprecated models of each type are always kept as
// rollback targets regardless of age.
const (
	DefaultRetention  = 90 * 24 * time.Hour
	DefaultKeepRecent = 5
)

// ArchivalPolicy controls which deprecated models the archival sweep retires.
type ArchivalPolicy struct {
	// Retention is how long a model stays Deprecated before becoming
	// archivable.
	Retention time.Duration

	// KeepRecent is the number of most recently deprecated models per type
	// that are never archived, so rollback always has targets.
	KeepRecent int
}

// DefaultArchivalPolicy returns the production archival policy.
func DefaultArchivalPolicy() ArchivalPolicy {
	return ArchivalPolicy{
		Retention:  DefaultRetention,
		KeepRecent: DefaultKeepRecent,
	}
}

// Eligible returns the models from deprecated that the sweep should archive,
// oldest first.
//
// The input is expected to hold the deprecated models of a single type; the
// KeepRecent exclusion is per type. Models that are not Deprecated or carry
// no DeprecatedAt timestamp are never eligible. The input slice is not
// mutated.
func (p ArchivalPolicy) Eligible(deprecated []*model.Model, now time.Time) []*model.Model {
	candidates := make([]*model.Model, 0, len(deprecated))
	for _, m := range deprecated {
		if m == nil || m.Status != model.StatusDeprecated || m.DeprecatedAt == nil {
			continue
		}
		candidates = append(candidates, m)
	}

	// Most recently deprecated first, so the KeepRecent prefix is the
	// protected set.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].DeprecatedAt.After(*candidates[j].DeprecatedAt)
	})

	keep := p.KeepRecent
	if keep < 0 {
		keep = 0
	}
	if len(candidates) <= keep {
		return nil
	}

	cutoff := now.Add(-p.Retention)

	var eligible []*model.Model
	for _, m := range candidates[keep:] {
		if m.DeprecatedAt.Before(cutoff) {
			eligible = append(eligible, m)
		}
	}

	// Oldest first, so a partial sweep retires the longest-deprecated
	// models before the rest.
	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].DeprecatedAt.Before(*eligible[j].DeprecatedAt)
	})

	return eligible
}
