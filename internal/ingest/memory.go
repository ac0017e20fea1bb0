package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/foresight-io/foresight/internal/model"
)

type (
	// MemoryRecordStore is an in-memory record sink for development and
	// tests. It enforces the same source-event uniqueness the PostgreSQL
	// store gets from its constraint, and its Records method satisfies
	// the training coordinator's record source, so one store can back
	// both ends of the pipeline.
	MemoryRecordStore struct {
		mu      sync.RWMutex
		records []model.TrainingRecord
		index   map[recordKey]struct{}
	}

	recordKey struct {
		modelType     model.ModelType
		sourceEventID string
	}

	// MemoryDeadLetters is an in-memory dead letter store.
	MemoryDeadLetters struct {
		mu      sync.RWMutex
		letters []DeadLetter
	}
)

// NewMemoryRecordStore creates an empty in-memory record store.
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{
		index: make(map[recordKey]struct{}),
	}
}

// AppendRecords validates and inserts records, skipping any whose
// (model type, source event) pair is already present. Returns the number
// newly inserted. An invalid record rejects the whole batch before
// anything is written.
func (s *MemoryRecordStore) AppendRecords(_ context.Context, records []model.TrainingRecord) (int, error) {
	for _, r := range records {
		if err := r.Validate(); err != nil {
			return 0, fmt.Errorf("append records: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0

	for _, r := range records {
		key := recordKey{modelType: r.ModelType, sourceEventID: r.SourceEventID}
		if _, ok := s.index[key]; ok {
			continue
		}

		s.index[key] = struct{}{}
		s.records = append(s.records, cloneRecord(r))
		inserted++
	}

	return inserted, nil
}

// Records returns the type's records with occurrence times in [from, to),
// in no particular order.
func (s *MemoryRecordStore) Records(_ context.Context, t model.ModelType, from, to time.Time) ([]model.TrainingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.TrainingRecord

	for _, r := range s.records {
		if r.ModelType != t {
			continue
		}

		if r.OccurredAt.Before(from) || !r.OccurredAt.Before(to) {
			continue
		}

		out = append(out, cloneRecord(r))
	}

	return out, nil
}

// PurgeEntity deletes every record keyed to the entity across all model
// types and reports how many were removed. An empty key is a no-op.
func (s *MemoryRecordStore) PurgeEntity(_ context.Context, entityKey string) (int64, error) {
	if entityKey == "" {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var purged int64

	kept := s.records[:0]

	for _, r := range s.records {
		if r.EntityKey == entityKey {
			delete(s.index, recordKey{modelType: r.ModelType, sourceEventID: r.SourceEventID})
			purged++

			continue
		}

		kept = append(kept, r)
	}

	s.records = kept

	return purged, nil
}

// CountRecords returns how many records the store holds for the type.
func (s *MemoryRecordStore) CountRecords(t model.ModelType) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0

	for _, r := range s.records {
		if r.ModelType == t {
			n++
		}
	}

	return n
}

func cloneRecord(r model.TrainingRecord) model.TrainingRecord {
	clone := r

	if r.Features != nil {
		clone.Features = make(map[string]float64, len(r.Features))
		for k, v := range r.Features {
			clone.Features[k] = v
		}
	}

	return clone
}

// NewMemoryDeadLetters creates an empty in-memory dead letter store.
func NewMemoryDeadLetters() *MemoryDeadLetters {
	return &MemoryDeadLetters{}
}

// Append stores one rejected event.
func (s *MemoryDeadLetters) Append(_ context.Context, letter DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	letter.Payload = append([]byte(nil), letter.Payload...)
	s.letters = append(s.letters, letter)

	return nil
}

// List returns dead letters newest first, at most limit entries. A
// non-positive limit means no cap.
func (s *MemoryDeadLetters) List(_ context.Context, limit int) ([]DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]DeadLetter, 0, len(s.letters))

	for i := len(s.letters) - 1; i >= 0; i-- {
		letter := s.letters[i]
		letter.Payload = append([]byte(nil), letter.Payload...)
		out = append(out, letter)

		if limit > 0 && len(out) >= limit {
			break
		}
	}

	return out, nil
}
