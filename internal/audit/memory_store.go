package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/foresight-io/foresight/internal/model"
)

// MemoryStore is an in-memory Store for development and tests. Entries are
// held in append order; all returned values are copies.
type MemoryStore struct {
	entries []model.AuditEntry
	mutex   sync.RWMutex
}

// NewMemoryStore creates an empty in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append persists the batch in order.
func (s *MemoryStore) Append(_ context.Context, entries []model.AuditEntry) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for _, e := range entries {
		s.entries = append(s.entries, cloneEntry(e))
	}

	return nil
}

// AttachOutcome records ground truth on the most recent entry for the
// request id. Only the outcome fields change.
func (s *MemoryStore) AttachOutcome(_ context.Context, requestID string, outcome float64, receivedAt time.Time) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].RequestID != requestID {
			continue
		}

		v := outcome
		at := receivedAt

		s.entries[i].ActualOutcome = &v
		s.entries[i].OutcomeReceivedAt = &at

		return nil
	}

	return fmt.Errorf("%w: no audit entry for request %q", model.ErrNotFound, requestID)
}

// RecentWithOutcomes returns ground-truthed entries of the type and version
// appended at or after since, oldest first.
func (s *MemoryStore) RecentWithOutcomes(_ context.Context, t model.ModelType, version string, since time.Time) ([]model.AuditEntry, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var out []model.AuditEntry

	for _, e := range s.entries {
		if e.ModelType != t || e.ModelVersion != version {
			continue
		}

		if !e.HasOutcome() || e.CreatedAt.Before(since) {
			continue
		}

		out = append(out, cloneEntry(e))
	}

	return out, nil
}

// RecentByRequest returns entries for the request id, newest first.
func (s *MemoryStore) RecentByRequest(_ context.Context, requestID string, limit int) ([]model.AuditEntry, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var out []model.AuditEntry

	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].RequestID != requestID {
			continue
		}

		out = append(out, cloneEntry(s.entries[i]))

		if limit > 0 && len(out) >= limit {
			break
		}
	}

	return out, nil
}

// CountSince reports how many entries of the type were appended at or after since.
func (s *MemoryStore) CountSince(_ context.Context, t model.ModelType, since time.Time) (int64, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var count int64

	for _, e := range s.entries {
		if e.ModelType == t && !e.CreatedAt.Before(since) {
			count++
		}
	}

	return count, nil
}

// PurgeUser deletes every entry linked to the user id.
func (s *MemoryStore) PurgeUser(_ context.Context, userID string) (int64, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	kept := s.entries[:0]
	var purged int64

	for _, e := range s.entries {
		if e.UserID == userID && userID != "" {
			purged++

			continue
		}

		kept = append(kept, e)
	}

	s.entries = kept

	return purged, nil
}

// Len returns how many entries are stored.
func (s *MemoryStore) Len() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return len(s.entries)
}

// All returns a copy of every stored entry in append order.
func (s *MemoryStore) All() []model.AuditEntry {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	out := make([]model.AuditEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, cloneEntry(e))
	}

	return out
}

func cloneEntry(e model.AuditEntry) model.AuditEntry {
	clone := e

	if e.Input != nil {
		clone.Input = append([]byte(nil), e.Input...)
	}

	if e.Output != nil {
		clone.Output = append([]byte(nil), e.Output...)
	}

	if e.Confidence != nil {
		v := *e.Confidence
		clone.Confidence = &v
	}

	if e.ActualOutcome != nil {
		v := *e.ActualOutcome
		clone.ActualOutcome = &v
	}

	if e.OutcomeReceivedAt != nil {
		at := *e.OutcomeReceivedAt
		clone.OutcomeReceivedAt = &at
	}

	return clone
}
