package storage

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestKeyValidation(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	serviceKey := &ServiceKey{
		ID:        "svc-key-1",
		Key:       "test-key-123",
		ServiceID: "demand-scheduler",
		Name:      "Demand Forecast Scheduler",
		Roles:     []string{"PredictionUser", "DataScientist"},
		CreatedAt: time.Now(),
		ExpiresAt: nil,
		Active:    true,
	}

	tests := []struct {
		name     string
		key      string
		expected bool
	}{
		{
			name:     "valid service key matches",
			key:      "test-key-123",
			expected: true,
		},
		{
			name:     "invalid service key does not match",
			key:      "wrong-key",
			expected: false,
		},
		{
			name:     "empty key fails validation",
			key:      "",
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := serviceKey.ValidateKey(tt.key)
			if result != tt.expected {
				t.Errorf("ValidateKey(%q) = %v, want %v", tt.key, result, tt.expected)
			}
		})
	}

	t.Run("inactive service key fails validation", func(t *testing.T) {
		inactiveKey := &ServiceKey{
			ID:        "svc-key-2",
			Key:       "inactive-key",
			ServiceID: "test-service",
			Active:    false,
		}

		if inactiveKey.ValidateKey("inactive-key") {
			t.Error("ValidateKey on inactive key = true, want false")
		}
	})

	t.Run("expired service key fails validation", func(t *testing.T) {
		pastTime := time.Now().Add(-time.Hour)
		expiredKey := &ServiceKey{
			ID:        "svc-key-3",
			Key:       "expired-key",
			ServiceID: "test-service",
			Active:    true,
			ExpiresAt: &pastTime,
		}

		if expiredKey.ValidateKey("expired-key") {
			t.Error("ValidateKey on expired key = true, want false")
		}
	})

	t.Run("future expiry still validates", func(t *testing.T) {
		futureTime := time.Now().Add(time.Hour)
		liveKey := &ServiceKey{
			ID:        "svc-key-4",
			Key:       "live-key",
			ServiceID: "test-service",
			Active:    true,
			ExpiresAt: &futureTime,
		}

		if !liveKey.ValidateKey("live-key") {
			t.Error("ValidateKey on unexpired key = false, want true")
		}
	})
}

func TestKeyRoles(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	serviceKey := &ServiceKey{
		ID:        "svc-key-1",
		Key:       "test-key-123",
		ServiceID: "demand-scheduler",
		Name:      "Demand Forecast Scheduler",
		Roles:     []string{"PredictionUser", "DataScientist"},
		Active:    true,
	}

	tests := []struct {
		name     string
		role     string
		expected bool
	}{
		{
			name:     "has prediction user role",
			role:     "PredictionUser",
			expected: true,
		},
		{
			name:     "has data scientist role",
			role:     "DataScientist",
			expected: true,
		},
		{
			name:     "does not have admin role",
			role:     "PredictionAdmin",
			expected: false,
		},
		{
			name:     "empty role string",
			role:     "",
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := serviceKey.HasRole(tt.role)
			if result != tt.expected {
				t.Errorf("HasRole(%q) = %v, want %v", tt.role, result, tt.expected)
			}
		})
	}
}

func TestSecureCompare(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name     string
		key1     string
		key2     string
		expected bool
	}{
		{
			name:     "identical keys match",
			key1:     "foresight_sk_1234567890abcdef",
			key2:     "foresight_sk_1234567890abcdef",
			expected: true,
		},
		{
			name:     "different keys don't match",
			key1:     "foresight_sk_1234567890abcdef",
			key2:     "foresight_sk_abcdef1234567890",
			expected: false,
		},
		{
			name:     "different length keys don't match",
			key1:     "foresight_sk_1234567890abcdef",
			key2:     "foresight_sk_1234",
			expected: false,
		},
		{
			name:     "empty keys match",
			key1:     "",
			key2:     "",
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := SecureCompare(tt.key1, tt.key2)
			if result != tt.expected {
				t.Errorf("SecureCompare(%q, %q) = %v, want %v", tt.key1, tt.key2, result, tt.expected)
			}
		})
	}
}

func TestKeyMasking(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name     string
		key      string
		expected string
	}{
		{
			name:     "standard 77-char foresight service key",
			key:      "foresight_sk_1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdef",
			expected: "foresight_sk_1234********************************************************cdef",
		},
		{
			name:     "non-standard key (testing/dev)",
			key:      "test-key-123",
			expected: "************",
		},
		{
			name:     "empty key",
			key:      "",
			expected: "",
		},
		{
			name:     "very short key",
			key:      "ab",
			expected: "**",
		},
		{
			name:     "short key",
			key:      "short",
			expected: "*****",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := MaskKey(tt.key)
			if result != tt.expected {
				t.Errorf("MaskKey(%q) = %q, want %q", tt.key, result, tt.expected)
			}
		})
	}
}

func TestGenerateServiceKey(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name      string
		serviceID string
		expectErr error
	}{
		{
			name:      "valid service ID generates key",
			serviceID: "demand-scheduler",
		},
		{
			name:      "empty service ID fails",
			serviceID: "",
			expectErr: ErrServiceIDEmpty,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := GenerateServiceKey(tt.serviceID)

			if tt.expectErr != nil {
				if !errors.Is(err, tt.expectErr) {
					t.Errorf("GenerateServiceKey(%q) error = %v, want %v", tt.serviceID, err, tt.expectErr)
				}

				return
			}

			if err != nil {
				t.Errorf("GenerateServiceKey(%q) unexpected error: %v", tt.serviceID, err)

				return
			}

			if !strings.HasPrefix(key, serviceKeyPrefix) {
				t.Errorf("GenerateServiceKey(%q) = %q, want %q prefix", tt.serviceID, key, serviceKeyPrefix)
			}

			if len(key) != serviceKeyLength {
				t.Errorf("GenerateServiceKey(%q) key length = %d, want %d", tt.serviceID, len(key), serviceKeyLength)
			}

			// Keys come from crypto/rand; two draws must differ.
			key2, err := GenerateServiceKey(tt.serviceID)
			if err != nil {
				t.Fatalf("GenerateServiceKey(%q) second call error: %v", tt.serviceID, err)
			}

			if key == key2 {
				t.Error("GenerateServiceKey() produced identical keys")
			}
		})
	}
}

func TestParseServiceKey(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name      string
		keyString string
		expected  string
		expectErr error
	}{
		{
			name:      "valid key with Bearer prefix",
			keyString: "Bearer " + testServiceKey,
			expected:  testServiceKey,
		},
		{
			name:      "valid key without Bearer prefix",
			keyString: testServiceKey,
			expected:  testServiceKey,
		},
		{
			name:      "wrong key prefix",
			keyString: "invalid-key-format",
			expectErr: ErrInvalidKeyFormat,
		},
		{
			name:      "well-prefixed key with wrong length",
			keyString: "foresight_sk_tooshort",
			expectErr: ErrInvalidKeyLength,
		},
		{
			name:      "empty key string",
			keyString: "",
			expectErr: ErrKeyStringEmpty,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := ParseServiceKey(tt.keyString)

			if tt.expectErr != nil {
				if !errors.Is(err, tt.expectErr) {
					t.Errorf("ParseServiceKey(%q) error = %v, want %v", tt.keyString, err, tt.expectErr)
				}

				return
			}

			if err != nil {
				t.Errorf("ParseServiceKey(%q) unexpected error: %v", tt.keyString, err)

				return
			}

			if key != tt.expected {
				t.Errorf("ParseServiceKey(%q) = %q, want %q", tt.keyString, key, tt.expected)
			}
		})
	}
}
