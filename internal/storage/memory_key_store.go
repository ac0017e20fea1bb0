package storage

import (
	"context"
	"sync"
)

// MemoryKeyStore provides thread-safe in-memory storage for service keys,
// used by unit tests and local development. Unlike the persistent store it
// holds plaintext keys, so FindByKey is a map lookup.
type MemoryKeyStore struct {
	// keys maps key strings to ServiceKey structs for fast lookup
	keys map[string]*ServiceKey
	// keysByID maps key IDs to ServiceKey structs for ID-based operations
	keysByID map[string]*ServiceKey
	// keysByService maps service IDs to slices of keys for service filtering
	keysByService map[string][]*ServiceKey
	// mutex protects concurrent access to all maps
	mutex sync.RWMutex
}

var _ KeyStore = (*MemoryKeyStore)(nil)

// NewMemoryKeyStore creates a new thread-safe in-memory key store.
func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{
		keys:          make(map[string]*ServiceKey),
		keysByID:      make(map[string]*ServiceKey),
		keysByService: make(map[string][]*ServiceKey),
	}
}

// FindByKey retrieves a service key by its key value.
func (s *MemoryKeyStore) FindByKey(_ context.Context, key string) (*ServiceKey, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	sk, exists := s.keys[key]
	if !exists {
		return nil, false
	}

	keyCopy := *sk

	return &keyCopy, true
}

// Add stores a new service key.
func (s *MemoryKeyStore) Add(_ context.Context, sk *ServiceKey) error {
	if sk == nil {
		return ErrKeyNil
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.keysByID[sk.ID]; exists {
		return ErrKeyAlreadyExists
	}

	if _, exists := s.keys[sk.Key]; exists {
		return ErrKeyAlreadyExists
	}

	keyCopy := *sk

	s.keys[keyCopy.Key] = &keyCopy
	s.keysByID[keyCopy.ID] = &keyCopy
	s.keysByService[keyCopy.ServiceID] = append(s.keysByService[keyCopy.ServiceID], &keyCopy)

	return nil
}

// Update modifies an existing service key.
func (s *MemoryKeyStore) Update(_ context.Context, sk *ServiceKey) error {
	if sk == nil {
		return ErrKeyNil
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	existing, exists := s.keysByID[sk.ID]
	if !exists {
		return ErrKeyNotFound
	}

	s.removeFromServiceMap(existing.ServiceID, existing.ID)

	if existing.Key != sk.Key {
		delete(s.keys, existing.Key)
	}

	keyCopy := *sk

	s.keys[keyCopy.Key] = &keyCopy
	s.keysByID[keyCopy.ID] = &keyCopy
	s.keysByService[keyCopy.ServiceID] = append(s.keysByService[keyCopy.ServiceID], &keyCopy)

	return nil
}

// Delete removes a service key.
func (s *MemoryKeyStore) Delete(_ context.Context, keyID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	existing, exists := s.keysByID[keyID]
	if !exists {
		return ErrKeyNotFound
	}

	delete(s.keys, existing.Key)
	delete(s.keysByID, keyID)
	s.removeFromServiceMap(existing.ServiceID, keyID)

	return nil
}

// ListByService returns all service keys for a specific service.
func (s *MemoryKeyStore) ListByService(_ context.Context, serviceID string) ([]*ServiceKey, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	keys, exists := s.keysByService[serviceID]
	if !exists {
		return []*ServiceKey{}, nil
	}

	result := make([]*ServiceKey, len(keys))
	for i, key := range keys {
		keyCopy := *key
		result[i] = &keyCopy
	}

	return result, nil
}

// removeFromServiceMap removes a key from the service map by key ID.
// Caller must hold the write lock.
func (s *MemoryKeyStore) removeFromServiceMap(serviceID, keyID string) {
	keys := s.keysByService[serviceID]
	for i, key := range keys {
		if key.ID == keyID {
			s.keysByService[serviceID] = append(keys[:i], keys[i+1:]...)

			break
		}
	}

	if len(s.keysByService[serviceID]) == 0 {
		delete(s.keysByService, serviceID)
	}
}
