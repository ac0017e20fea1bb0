package storage

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestMemoryKeyStore(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := t.Context()

	testKey := &ServiceKey{
		ID:        "key-1",
		Key:       "foresight_sk_1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdef",
		ServiceID: "demand-scheduler",
		Name:      "Demand Forecast Scheduler",
		Roles:     []string{"PredictionUser", "DataScientist"},
		CreatedAt: time.Now(),
		Active:    true,
	}

	t.Run("add and find key", func(t *testing.T) {
		store := NewMemoryKeyStore()

		if err := store.Add(ctx, testKey); err != nil {
			t.Errorf("Add() unexpected error: %v", err)
		}

		found, exists := store.FindByKey(ctx, testKey.Key)
		if !exists {
			t.Fatalf("FindByKey() key not found")
		}

		if found.ID != testKey.ID {
			t.Errorf("FindByKey() ID = %v, want %v", found.ID, testKey.ID)
		}

		if found.ServiceID != testKey.ServiceID {
			t.Errorf("FindByKey() ServiceID = %v, want %v", found.ServiceID, testKey.ServiceID)
		}
	})

	t.Run("find non-existent key", func(t *testing.T) {
		store := NewMemoryKeyStore()

		found, exists := store.FindByKey(ctx, "non-existent-key")
		if exists {
			t.Errorf("FindByKey() found non-existent key")
		}

		if found != nil {
			t.Errorf("FindByKey() returned non-nil for non-existent key")
		}
	})

	t.Run("returned key is a copy", func(t *testing.T) {
		store := NewMemoryKeyStore()

		if err := store.Add(ctx, testKey); err != nil {
			t.Fatalf("Add() unexpected error: %v", err)
		}

		found, exists := store.FindByKey(ctx, testKey.Key)
		if !exists {
			t.Fatal("FindByKey() key not found")
		}

		found.Name = "mutated outside the store"
		found.Active = false

		again, exists := store.FindByKey(ctx, testKey.Key)
		if !exists {
			t.Fatal("FindByKey() key not found on second lookup")
		}

		if again.Name != testKey.Name {
			t.Errorf("FindByKey() Name = %v after external mutation, want %v", again.Name, testKey.Name)
		}

		if !again.Active {
			t.Error("FindByKey() Active = false after external mutation, want true")
		}
	})

	t.Run("update existing key", func(t *testing.T) {
		store := NewMemoryKeyStore()

		if err := store.Add(ctx, testKey); err != nil {
			t.Errorf("Add() unexpected error: %v", err)
		}

		updatedKey := &ServiceKey{
			ID:        testKey.ID,
			Key:       testKey.Key,
			ServiceID: testKey.ServiceID,
			Name:      "Rotated Scheduler Key",
			Roles:     []string{"PredictionUser", "PredictionAdmin", "DataScientist"},
			CreatedAt: testKey.CreatedAt,
			Active:    false, // Deactivate
		}

		if err := store.Update(ctx, updatedKey); err != nil {
			t.Errorf("Update() unexpected error: %v", err)
		}

		found, exists := store.FindByKey(ctx, testKey.Key)
		if !exists {
			t.Fatalf("FindByKey() updated key not found")
		}

		if found.Name != updatedKey.Name {
			t.Errorf("FindByKey() Name = %v, want %v", found.Name, updatedKey.Name)
		}

		if found.Active {
			t.Errorf("FindByKey() Active = %v, want false", found.Active)
		}

		if len(found.Roles) != 3 {
			t.Errorf("FindByKey() Roles length = %v, want 3", len(found.Roles))
		}
	})

	t.Run("delete key", func(t *testing.T) {
		store := NewMemoryKeyStore()

		if err := store.Add(ctx, testKey); err != nil {
			t.Errorf("Add() unexpected error: %v", err)
		}

		if err := store.Delete(ctx, testKey.ID); err != nil {
			t.Errorf("Delete() unexpected error: %v", err)
		}

		found, exists := store.FindByKey(ctx, testKey.Key)
		if exists {
			t.Errorf("FindByKey() found deleted key")
		}

		if found != nil {
			t.Errorf("FindByKey() returned non-nil for deleted key")
		}
	})

	t.Run("list by service", func(t *testing.T) {
		store := NewMemoryKeyStore()

		key1 := &ServiceKey{
			ID:        "key-1",
			Key:       "foresight_sk_1111111111111111111111111111111111111111111111111111111111111111",
			ServiceID: "demand-scheduler",
			Name:      "Scheduler Key 1",
			Active:    true,
		}
		key2 := &ServiceKey{
			ID:        "key-2",
			Key:       "foresight_sk_2222222222222222222222222222222222222222222222222222222222222222",
			ServiceID: "demand-scheduler",
			Name:      "Scheduler Key 2",
			Active:    true,
		}
		key3 := &ServiceKey{
			ID:        "key-3",
			Key:       "foresight_sk_3333333333333333333333333333333333333333333333333333333333333333",
			ServiceID: "ops-dashboard",
			Name:      "Dashboard Key 1",
			Active:    true,
		}

		for _, key := range []*ServiceKey{key1, key2, key3} {
			if err := store.Add(ctx, key); err != nil {
				t.Errorf("Add() unexpected error: %v", err)
			}
		}

		schedulerKeys, err := store.ListByService(ctx, "demand-scheduler")
		if err != nil {
			t.Errorf("ListByService() unexpected error: %v", err)
		}

		if len(schedulerKeys) != 2 {
			t.Errorf("ListByService() returned %d keys, want 2", len(schedulerKeys))
		}

		dashboardKeys, err := store.ListByService(ctx, "ops-dashboard")
		if err != nil {
			t.Errorf("ListByService() unexpected error: %v", err)
		}

		if len(dashboardKeys) != 1 {
			t.Errorf("ListByService() returned %d keys, want 1", len(dashboardKeys))
		}

		nonKeys, err := store.ListByService(ctx, "non-existent-service")
		if err != nil {
			t.Errorf("ListByService() unexpected error: %v", err)
		}

		if len(nonKeys) != 0 {
			t.Errorf("ListByService() returned %d keys for non-existent service, want 0", len(nonKeys))
		}
	})
}

func TestMemoryKeyStoreConcurrency(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := t.Context()
	store := NewMemoryKeyStore()

	t.Run("concurrent access", func(t *testing.T) {
		done := make(chan bool, 100)

		// Writers and readers race on the same key space.
		for i := 0; i < 50; i++ {
			go func(id int) {
				key := &ServiceKey{
					ID:        fmt.Sprintf("key-%d", id),
					Key:       fmt.Sprintf("foresight_sk_%064d", id),
					ServiceID: "test-service",
					Name:      fmt.Sprintf("Test Key %d", id),
					Active:    true,
				}

				if err := store.Add(ctx, key); err != nil {
					t.Errorf("Concurrent Add() unexpected error: %v", err)
				}

				done <- true
			}(i)
		}

		for i := 0; i < 50; i++ {
			go func(id int) {
				keyStr := fmt.Sprintf("foresight_sk_%064d", id)
				_, _ = store.FindByKey(ctx, keyStr)

				done <- true
			}(i)
		}

		for i := 0; i < 100; i++ {
			<-done
		}
	})
}

func TestMemoryKeyStoreErrors(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := t.Context()
	store := NewMemoryKeyStore()

	t.Run("add duplicate key", func(t *testing.T) {
		key := &ServiceKey{
			ID:        "key-1",
			Key:       "foresight_sk_1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdef",
			ServiceID: "test-service",
			Name:      "Test Key",
			Active:    true,
		}

		if err := store.Add(ctx, key); err != nil {
			t.Errorf("Add() first time unexpected error: %v", err)
		}

		if err := store.Add(ctx, key); !errors.Is(err, ErrKeyAlreadyExists) {
			t.Errorf("Add() duplicate key error = %v, want %v", err, ErrKeyAlreadyExists)
		}
	})

	t.Run("update non-existent key", func(t *testing.T) {
		key := &ServiceKey{
			ID:        "non-existent-key",
			Key:       "foresight_sk_9999999999999999999999999999999999999999999999999999999999999999",
			ServiceID: "test-service",
			Name:      "Non-existent Key",
			Active:    true,
		}

		if err := store.Update(ctx, key); !errors.Is(err, ErrKeyNotFound) {
			t.Errorf("Update() non-existent key error = %v, want %v", err, ErrKeyNotFound)
		}
	})

	t.Run("delete non-existent key", func(t *testing.T) {
		if err := store.Delete(ctx, "non-existent-key"); !errors.Is(err, ErrKeyNotFound) {
			t.Errorf("Delete() non-existent key error = %v, want %v", err, ErrKeyNotFound)
		}
	})

	t.Run("add nil key", func(t *testing.T) {
		if err := store.Add(ctx, nil); !errors.Is(err, ErrKeyNil) {
			t.Errorf("Add() nil key should return ErrKeyNil, got %v", err)
		}
	})

	t.Run("update nil key", func(t *testing.T) {
		if err := store.Update(ctx, nil); !errors.Is(err, ErrKeyNil) {
			t.Errorf("Update() nil key should return ErrKeyNil, got %v", err)
		}
	})
}
