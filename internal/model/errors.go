package model

import "errors"

// Shared error taxonomy (static sentinel errors for errors.Is() checks).
// The API layer maps these to HTTP statuses; internal callers branch on them
// to decide retry, fallback, and audit behavior.
var (
	// ErrValidation indicates malformed input, an unsupported format, or an
	// out-of-range parameter. Safe to surface to clients.
	ErrValidation = errors.New("validation failed")

	// ErrInputTooLarge indicates a geometry or batch payload exceeds its cap.
	ErrInputTooLarge = errors.New("input too large")

	// ErrMalformedGeometry indicates an empty or structurally invalid mesh.
	ErrMalformedGeometry = errors.New("malformed geometry")

	// ErrNoActiveModel indicates no Active model exists for the requested type.
	// Callers serve the rule-based fallback when one is configured.
	ErrNoActiveModel = errors.New("no active model")

	// ErrPredictorLoad indicates artifact fetch or deserialization failed.
	ErrPredictorLoad = errors.New("predictor load failed")

	// ErrInference indicates the predictor raised an unexpected condition.
	ErrInference = errors.New("inference failed")

	// ErrLifecycleConflict indicates an invalid lifecycle state transition.
	ErrLifecycleConflict = errors.New("lifecycle conflict")

	// ErrInvariantViolation indicates a registry invariant breach
	// (single-active, unique version, or version monotonicity). The offending
	// operation aborts atomically.
	ErrInvariantViolation = errors.New("registry invariant violation")

	// ErrDataQuality indicates training data failed quality validation.
	// Training-only; the job fails and no model is created.
	ErrDataQuality = errors.New("data quality validation failed")

	// ErrTransientInfra indicates a cache, store, or broker is unavailable.
	// Cache reads fail open; hot-path store errors retry briefly then surface.
	ErrTransientInfra = errors.New("transient infrastructure error")

	// ErrNotFound indicates the requested model, customer, or record is unknown.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateVersion indicates (type, version) already exists in the registry.
	ErrDuplicateVersion = errors.New("duplicate model version")
)
