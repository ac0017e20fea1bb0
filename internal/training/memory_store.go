package training

import (
	"context"
	"fmt"
	"sync"

	"github.com/foresight-io/foresight/internal/model"
)

// MemoryStore provides thread-safe in-memory dataset and job storage for
// unit tests and local development. Production deployments use the
// PostgreSQL store in internal/storage.
type MemoryStore struct {
	// datasets maps dataset IDs to snapshots
	datasets map[string]*model.TrainingDataset
	// byHash maps "type|hash" to dataset IDs for deduplication
	byHash map[string]string
	// jobs maps job IDs to jobs
	jobs map[string]*model.TrainingJob
	// order lists job IDs per type in insertion order
	order map[model.ModelType][]string
	// mutex protects concurrent access to all maps
	mutex sync.RWMutex
}

// NewMemoryStore creates an empty in-memory training store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		datasets: make(map[string]*model.TrainingDataset),
		byHash:   make(map[string]string),
		jobs:     make(map[string]*model.TrainingJob),
		order:    make(map[model.ModelType][]string),
	}
}

func hashKey(t model.ModelType, contentHash string) string {
	return string(t) + "|" + contentHash
}

// SaveDataset persists a new snapshot, enforcing (type, hash) uniqueness.
func (s *MemoryStore) SaveDataset(_ context.Context, d *model.TrainingDataset) error {
	if err := d.Validate(); err != nil {
		return err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	key := hashKey(d.ModelType, d.ContentHash)
	if existing, ok := s.byHash[key]; ok {
		return fmt.Errorf("%w: dataset %s already holds this snapshot", model.ErrDuplicateVersion, existing)
	}

	s.datasets[d.ID] = cloneDataset(d)
	s.byHash[key] = d.ID

	return nil
}

// DatasetByHash returns the snapshot with the given content hash.
func (s *MemoryStore) DatasetByHash(_ context.Context, t model.ModelType, contentHash string) (*model.TrainingDataset, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	id, ok := s.byHash[hashKey(t, contentHash)]
	if !ok {
		return nil, fmt.Errorf("%w: no %s snapshot with hash %s", model.ErrNotFound, t, contentHash)
	}

	return cloneDataset(s.datasets[id]), nil
}

// GetDataset returns the snapshot with the given ID.
func (s *MemoryStore) GetDataset(_ context.Context, id string) (*model.TrainingDataset, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	d, ok := s.datasets[id]
	if !ok {
		return nil, fmt.Errorf("%w: dataset %s", model.ErrNotFound, id)
	}

	return cloneDataset(d), nil
}

// SaveJob persists a new job row.
func (s *MemoryStore) SaveJob(_ context.Context, j *model.TrainingJob) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.jobs[j.ID]; ok {
		return fmt.Errorf("%w: job %s already saved", model.ErrValidation, j.ID)
	}

	s.jobs[j.ID] = cloneJob(j)
	s.order[j.ModelType] = append(s.order[j.ModelType], j.ID)

	return nil
}

// UpdateJob replaces an existing job row.
func (s *MemoryStore) UpdateJob(_ context.Context, j *model.TrainingJob) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.jobs[j.ID]; !ok {
		return fmt.Errorf("%w: job %s", model.ErrNotFound, j.ID)
	}

	s.jobs[j.ID] = cloneJob(j)

	return nil
}

// GetJob returns the job with the given ID.
func (s *MemoryStore) GetJob(_ context.Context, id string) (*model.TrainingJob, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: job %s", model.ErrNotFound, id)
	}

	return cloneJob(j), nil
}

// ListJobs returns the type's jobs newest first.
func (s *MemoryStore) ListJobs(_ context.Context, t model.ModelType, limit int) ([]*model.TrainingJob, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	ids := s.order[t]
	out := make([]*model.TrainingJob, 0, len(ids))

	for i := len(ids) - 1; i >= 0; i-- {
		out = append(out, cloneJob(s.jobs[ids[i]]))
		if limit > 0 && len(out) >= limit {
			break
		}
	}

	return out, nil
}

// Len returns how many jobs the store holds, for tests.
func (s *MemoryStore) Len() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return len(s.jobs)
}
