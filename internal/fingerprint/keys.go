// Package fingerprint provides versioned cache key construction and parsing.
package fingerprint

import (
	"errors"
	"fmt"
	"strings"
)

const (
	cacheKeyParts = 3

	// WildcardSegment matches any fingerprint in an invalidation pattern.
	WildcardSegment = "*"
)

// Sentinel errors for cache key operations.
var (
	// ErrInvalidCacheKey is returned when a key is not "type:fingerprint:version".
	ErrInvalidCacheKey = errors.New("invalid cache key format: expected 'type:fingerprint:version'")

	// ErrEmptyCacheKey is returned when a key is empty or whitespace.
	ErrEmptyCacheKey = errors.New("cache key cannot be empty")
)

// CacheKey builds the versioned cache key for a prediction request.
//
// Formula: "{modelType}:{fingerprint}:{version}"
//
// The key embeds the active model version, so a promotion partitions the key
// space on its own: entries written under the old version can never be served
// for the new one. Explicit invalidation after promotion is defensive only.
//
// Example:
//
//	CacheKey("PrintTime", "9f86d08...", "1.1.0")
//	→ "PrintTime:9f86d08...:1.1.0"
func CacheKey(modelType, fingerprint, version string) string {
	return modelType + ":" + fingerprint + ":" + version
}

// ParseCacheKey splits a cache key into its model type, fingerprint, and
// version components, the reverse of CacheKey.
//
// Validation rules:
//   - exactly three ':'-separated segments
//   - no empty segment
//
// Returns:
//   - modelType, fingerprint, version
//   - error: validation error if the format is invalid
func ParseCacheKey(key string) (string, string, string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", "", "", ErrEmptyCacheKey
	}

	parts := strings.Split(key, ":")
	if len(parts) != cacheKeyParts {
		return "", "", "", fmt.Errorf("%w: got %d segments", ErrInvalidCacheKey, len(parts))
	}

	for _, part := range parts {
		if strings.TrimSpace(part) == "" {
			return "", "", "", fmt.Errorf("%w: empty segment", ErrInvalidCacheKey)
		}
	}

	return parts[0], parts[1], parts[2], nil
}

// InvalidationPattern builds the pattern that matches every cache entry of a
// model type and version, regardless of fingerprint.
//
// Formula: "{modelType}:*:{version}"
//
// Used after promotion to defensively drop entries for the replaced version.
func InvalidationPattern(modelType, version string) string {
	return modelType + ":" + WildcardSegment + ":" + version
}

// KeyMatchesPattern reports whether a cache key matches a pattern produced by
// InvalidationPattern. A '*' segment matches any value; other segments must
// match exactly. Malformed keys or patterns never match.
func KeyMatchesPattern(key, pattern string) bool {
	keyParts := strings.Split(key, ":")
	patternParts := strings.Split(pattern, ":")

	if len(keyParts) != cacheKeyParts || len(patternParts) != cacheKeyParts {
		return false
	}

	for i := range keyParts {
		if patternParts[i] == WildcardSegment {
			continue
		}

		if keyParts[i] != patternParts[i] {
			return false
		}
	}

	return true
}
