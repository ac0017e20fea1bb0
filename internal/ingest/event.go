package ingest

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/foresight-io/foresight/internal/model"
)

type (
	// EventKind names an upstream platform event schema.
	EventKind string

	// UpstreamEvent is the platform's domain event envelope. Every event
	// carries a stable id for deduplication and an entity key that the
	// producer partitions by, so per-entity ordering survives the broker.
	UpstreamEvent struct {
		ID         string          `json:"id"`
		Kind       EventKind       `json:"kind"`
		EntityKey  string          `json:"entity_key"`
		OccurredAt time.Time       `json:"occurred_at"`
		Payload    json.RawMessage `json:"payload"`
	}
)

const (
	// KindOrderCreated is a new customer order entering the platform.
	KindOrderCreated EventKind = "order.created"

	// KindOrderCompleted is an order fulfilled at an accepted price.
	KindOrderCompleted EventKind = "order.completed"

	// KindCustomerUpdated is a recomputed customer engagement profile.
	KindCustomerUpdated EventKind = "customer.updated"

	// KindMaterialTransaction is stock movement for one material SKU.
	KindMaterialTransaction EventKind = "material.transaction"

	// KindInvoiceIssued is a billing event for a fulfilled order.
	KindInvoiceIssued EventKind = "invoice.issued"

	// KindJobCompleted is a manufacturing job finishing on a workstation,
	// with the sliced geometry profile and observed timings.
	KindJobCompleted EventKind = "job.completed"

	// KindEmployeeClock is an operator clocking in or out of a workstation.
	KindEmployeeClock EventKind = "employee.clock"
)

// ValidEventKinds returns every event kind the service recognizes.
func ValidEventKinds() []EventKind {
	return []EventKind{
		KindOrderCreated,
		KindOrderCompleted,
		KindCustomerUpdated,
		KindMaterialTransaction,
		KindInvoiceIssued,
		KindJobCompleted,
		KindEmployeeClock,
	}
}

// IsValid checks if the EventKind is a recognized platform event schema.
func (k EventKind) IsValid() bool {
	for _, valid := range ValidEventKinds() {
		if k == valid {
			return true
		}
	}

	return false
}

// String returns the wire name of the event kind.
func (k EventKind) String() string {
	return string(k)
}

// DecodeEvent parses and envelope-validates one upstream message value.
// Schema validation of the kind-specific payload happens in Transform;
// this only establishes that the envelope is sound enough to deduplicate
// and route.
func DecodeEvent(value []byte) (*UpstreamEvent, error) {
	var e UpstreamEvent

	if err := json.Unmarshal(value, &e); err != nil {
		return nil, fmt.Errorf("%w: malformed event envelope: %v", model.ErrValidation, err)
	}

	if strings.TrimSpace(e.ID) == "" {
		return nil, fmt.Errorf("%w: event id is required", model.ErrValidation)
	}

	if e.Kind == "" {
		return nil, fmt.Errorf("%w: event kind is required", model.ErrValidation)
	}

	if strings.TrimSpace(e.EntityKey) == "" {
		return nil, fmt.Errorf("%w: entity key is required", model.ErrValidation)
	}

	if e.OccurredAt.IsZero() {
		return nil, fmt.Errorf("%w: occurred_at is required", model.ErrValidation)
	}

	return &e, nil
}
