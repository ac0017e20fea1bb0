package storage

import (
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	// bcryptCost trades ~60ms per hash against brute-force resistance.
	bcryptCost = 10
	// bcryptLimit is bcrypt's input ceiling; longer keys are pre-hashed.
	bcryptLimit = 72
)

// HashServiceKey generates a bcrypt hash of the service key for storage.
// Only the hash is ever persisted. Keys longer than bcrypt's 72-byte limit
// are pre-hashed with SHA-256 so the whole key contributes to the hash.
func HashServiceKey(key string) (string, error) {
	if key == "" {
		return "", ErrKeyNil
	}

	hash, err := bcrypt.GenerateFromPassword(bcryptInput(key), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash service key: %w", err)
	}

	return string(hash), nil
}

// CompareServiceKeyHash reports whether the service key matches the stored
// bcrypt hash. Comparison is constant-time; any error condition reads as a
// mismatch.
func CompareServiceKeyHash(hash, key string) bool {
	if hash == "" || key == "" {
		return false
	}

	return bcrypt.CompareHashAndPassword([]byte(hash), bcryptInput(key)) == nil
}

// bcryptInput prepares a key for bcrypt, pre-hashing past the 72-byte limit.
// Hashing and comparison must agree on this preparation.
func bcryptInput(key string) []byte {
	if len(key) > bcryptLimit {
		sum := sha256.Sum256([]byte(key))

		return sum[:]
	}

	return []byte(key)
}
