package storage

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Service key format: "foresight_sk_" + 64 hex chars = 77 total.
const (
	randomBytesSize  = 32
	serviceKeyPrefix = "foresight_sk_"
	serviceKeyLength = 77
	maskPrefixLen    = 17 // Show "foresight_sk_1234"
	maskSuffixLen    = 4  // Show last 4 chars
)

var (
	// ErrKeyAlreadyExists is returned when attempting to add a key that already exists.
	ErrKeyAlreadyExists = errors.New("service key already exists")
	// ErrKeyNotFound is returned when attempting to operate on a non-existent key.
	ErrKeyNotFound = errors.New("service key not found")
	// ErrKeyNil is returned when a nil service key is provided.
	ErrKeyNil = errors.New("service key cannot be nil")
	// ErrServiceIDEmpty is returned when the service ID is empty during key generation.
	ErrServiceIDEmpty = errors.New("service ID cannot be empty")
	// ErrKeyStringEmpty is returned when the key string is empty during parsing.
	ErrKeyStringEmpty = errors.New("key string cannot be empty")
	// ErrInvalidKeyFormat is returned when a service key doesn't match the expected format.
	ErrInvalidKeyFormat = errors.New("invalid service key format")
	// ErrInvalidKeyLength is returned when a service key length is incorrect.
	ErrInvalidKeyLength = errors.New("invalid service key length")
)

// ServiceKey authenticates a non-interactive caller such as a scheduler,
// CI pipeline, or dashboard backend, and carries the roles its requests
// run with.
type ServiceKey struct {
	ID        string     `json:"id"`
	Key       string     `json:"key"`
	ServiceID string     `json:"service_id"`
	Name      string     `json:"name"`
	Roles     []string   `json:"roles"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Active    bool       `json:"active"`
}

// KeyStore defines the interface for service key storage and retrieval.
type KeyStore interface {
	// FindByKey retrieves a service key by its key value
	FindByKey(ctx context.Context, key string) (*ServiceKey, bool)
	// Add stores a new service key
	Add(ctx context.Context, key *ServiceKey) error
	// Update modifies an existing service key
	Update(ctx context.Context, key *ServiceKey) error
	// Delete removes a service key
	Delete(ctx context.Context, keyID string) error
	// ListByService returns all service keys for a specific service
	ListByService(ctx context.Context, serviceID string) ([]*ServiceKey, error)
}

// ValidateKey performs constant-time comparison of the provided key against
// this service key, rejecting inactive and expired keys.
func (sk *ServiceKey) ValidateKey(providedKey string) bool {
	if providedKey == "" || sk.Key == "" {
		return false
	}

	if !sk.Active {
		return false
	}

	if sk.ExpiresAt != nil && time.Now().After(*sk.ExpiresAt) {
		return false
	}

	return SecureCompare(sk.Key, providedKey)
}

// HasRole checks if the service key carries a specific role.
func (sk *ServiceKey) HasRole(role string) bool {
	for _, r := range sk.Roles {
		if r == role {
			return true
		}
	}

	return false
}

// SecureCompare performs constant-time comparison of two strings to prevent
// timing attacks.
func SecureCompare(a, b string) bool {
	if len(a) != len(b) {
		// Compare against a same-length dummy so the call costs the same
		// whether or not the lengths matched.
		dummy := make([]byte, len(a))
		subtle.ConstantTimeCompare([]byte(a), dummy)

		return false
	}

	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// MaskKey masks a service key for logging, showing only the prefix and
// suffix of well-formed 77-character keys. Anything else is fully masked.
func MaskKey(key string) string {
	if key == "" {
		return ""
	}

	keyLen := len(key)

	if keyLen == serviceKeyLength {
		maskedLen := keyLen - maskPrefixLen - maskSuffixLen

		return key[:maskPrefixLen] + strings.Repeat("*", maskedLen) + key[keyLen-maskSuffixLen:]
	}

	return strings.Repeat("*", keyLen)
}

// GenerateServiceKey creates a new secure service key for a service.
func GenerateServiceKey(serviceID string) (string, error) {
	if serviceID == "" {
		return "", ErrServiceIDEmpty
	}

	randomBytes := make([]byte, randomBytesSize)

	_, err := rand.Read(randomBytes)
	if err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	return serviceKeyPrefix + hex.EncodeToString(randomBytes), nil
}

// ParseServiceKey extracts the service key from header formats, stripping a
// Bearer prefix and validating the key shape.
func ParseServiceKey(keyString string) (string, error) {
	if keyString == "" {
		return "", ErrKeyStringEmpty
	}

	keyString = strings.TrimPrefix(keyString, "Bearer ")

	if !strings.HasPrefix(keyString, serviceKeyPrefix) {
		return "", ErrInvalidKeyFormat
	}

	if len(keyString) != serviceKeyLength {
		return "", ErrInvalidKeyLength
	}

	return keyString, nil
}
