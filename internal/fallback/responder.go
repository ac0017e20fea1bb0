package fallback

import (
	"log/slog"

	"github.com/foresight-io/foresight/internal/model"
)

type (
	// Estimate is a rule-based stand-in for a model prediction. It
	// carries no confidence interval and no explanation; the caller
	// flags the response degraded.
	Estimate struct {
		Value float64
		Unit  string
	}

	// Responder evaluates fallback rules. Thread-safe for concurrent
	// use (immutable after construction).
	Responder struct {
		rules map[model.ModelType]Rule
	}
)

// NewResponder creates a responder from config with validation.
//
// Rules keyed by an unrecognized model type are skipped with a warning, as
// are rules that compute nothing (no base and no per-input terms). If config
// is nil or has no rules, every lookup misses.
func NewResponder(cfg *Config) *Responder {
	if cfg == nil || len(cfg.Rules) == 0 {
		return &Responder{rules: map[model.ModelType]Rule{}}
	}

	valid := make(map[model.ModelType]Rule, len(cfg.Rules))

	for name, rule := range cfg.Rules {
		t := model.ModelType(name)
		if !t.IsValid() {
			slog.Warn("Skipping fallback rule for unknown model type",
				slog.String("model_type", name))

			continue
		}

		if rule.Base == 0 && len(rule.Per) == 0 {
			slog.Warn("Skipping fallback rule that computes nothing",
				slog.String("model_type", name))

			continue
		}

		valid[t] = rule

		slog.Debug("Loaded fallback rule",
			slog.String("model_type", name),
			slog.Int("terms", len(rule.Per)))
	}

	return &Responder{rules: valid}
}

// RuleCount returns the number of loaded rules.
func (r *Responder) RuleCount() int {
	if r == nil {
		return 0
	}

	return len(r.rules)
}

// Enabled reports whether a fallback rule exists for the model type.
func (r *Responder) Enabled(t model.ModelType) bool {
	if r == nil {
		return false
	}

	_, ok := r.rules[t]

	return ok
}

// Evaluate applies the type's rule to the request inputs. Inputs the rule
// does not reference are ignored; rule terms with no matching input
// contribute nothing. Returns false when the type has no rule.
func (r *Responder) Evaluate(t model.ModelType, inputs map[string]float64) (Estimate, bool) {
	if r == nil {
		return Estimate{}, false
	}

	rule, ok := r.rules[t]
	if !ok {
		return Estimate{}, false
	}

	value := rule.Base

	for name, coefficient := range rule.Per {
		if input, present := inputs[name]; present {
			value += coefficient * input
		}
	}

	if rule.Min != nil && value < *rule.Min {
		value = *rule.Min
	}

	if rule.Max != nil && value > *rule.Max {
		value = *rule.Max
	}

	return Estimate{Value: value, Unit: rule.Unit}, true
}
