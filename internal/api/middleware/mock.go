package middleware

import (
	"context"

	"github.com/foresight-io/foresight/internal/storage"
)

// MockKeyStore is a mock implementation of storage.KeyStore for testing.
type MockKeyStore struct {
	FindByKeyFunc     func(ctx context.Context, key string) (*storage.ServiceKey, bool)
	AddFunc           func(ctx context.Context, key *storage.ServiceKey) error
	UpdateFunc        func(ctx context.Context, key *storage.ServiceKey) error
	DeleteFunc        func(ctx context.Context, keyID string) error
	ListByServiceFunc func(ctx context.Context, serviceID string) ([]*storage.ServiceKey, error)
}

// FindByKey implements storage.KeyStore.FindByKey.
func (m *MockKeyStore) FindByKey(ctx context.Context, key string) (*storage.ServiceKey, bool) {
	if m.FindByKeyFunc != nil {
		return m.FindByKeyFunc(ctx, key)
	}

	return nil, false
}

// Add implements storage.KeyStore.Add.
func (m *MockKeyStore) Add(ctx context.Context, key *storage.ServiceKey) error {
	if m.AddFunc != nil {
		return m.AddFunc(ctx, key)
	}

	return nil
}

// Update implements storage.KeyStore.Update.
func (m *MockKeyStore) Update(ctx context.Context, key *storage.ServiceKey) error {
	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, key)
	}

	return nil
}

// Delete implements storage.KeyStore.Delete.
func (m *MockKeyStore) Delete(ctx context.Context, keyID string) error {
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, keyID)
	}

	return nil
}

// ListByService implements storage.KeyStore.ListByService.
func (m *MockKeyStore) ListByService(ctx context.Context, serviceID string) ([]*storage.ServiceKey, error) {
	if m.ListByServiceFunc != nil {
		return m.ListByServiceFunc(ctx, serviceID)
	}

	return []*storage.ServiceKey{}, nil
}
