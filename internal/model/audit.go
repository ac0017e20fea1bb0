package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// AuditEntry is one immutable record of a prediction attempt - Domain Model.
//
// Entries are append-only. After the fact only the outcome fields may change,
// when ground truth arrives through the feedback endpoint; everything else is
// frozen at write time.
type AuditEntry struct {
	// ID is an opaque unique identifier (UUID).
	ID string

	// RequestID correlates the entry with the request that produced it.
	RequestID string

	// ModelType is the prediction family served.
	ModelType ModelType

	// ModelVersion is the serving model version. Empty when the request
	// failed before a model was resolved.
	ModelVersion string

	// Fingerprint is the content hash of the canonical inputs.
	Fingerprint string

	// Input is the canonical normalized input document.
	Input json.RawMessage

	// Output is the serialized prediction response. Empty on failure.
	Output json.RawMessage

	// Confidence is the response's confidence measure, when one applies.
	Confidence *float64

	// ResponseMS is the wall-clock serving time in milliseconds.
	ResponseMS int64

	// CacheStatus reports how the response was produced.
	CacheStatus CacheStatus

	// UserID and TenantID identify the caller when the gateway supplied
	// identity headers.
	UserID   string
	TenantID string

	// Error holds the failure classification for failed attempts.
	Error string

	// CreatedAt is the append time.
	CreatedAt time.Time

	// ActualOutcome and OutcomeReceivedAt record ground truth delivered
	// later through feedback. The only fields that may be updated.
	ActualOutcome     *float64
	OutcomeReceivedAt *time.Time
}

// Validate performs domain validation on the AuditEntry.
func (e *AuditEntry) Validate() error {
	if strings.TrimSpace(e.RequestID) == "" {
		return fmt.Errorf("%w: audit entry needs a request id", ErrValidation)
	}

	if !e.ModelType.IsValid() {
		return fmt.Errorf("%w: invalid model type %q", ErrValidation, e.ModelType)
	}

	if !e.CacheStatus.IsValid() {
		return fmt.Errorf("%w: invalid cache status %q", ErrValidation, e.CacheStatus)
	}

	if e.ResponseMS < 0 {
		return fmt.Errorf("%w: response time cannot be negative", ErrValidation)
	}

	return nil
}

// HasOutcome returns true once ground truth has been attached.
func (e *AuditEntry) HasOutcome() bool {
	return e.ActualOutcome != nil
}
