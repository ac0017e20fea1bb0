// Package cache provides the content-addressed prediction cache.
//
// Keys follow the "{type}:{fingerprint}:{version}" format from the fingerprint
// package, so a model promotion partitions the key space by construction.
// Values are opaque envelopes carrying an explicit format tag; readers must
// tolerate unknown tags so the serialization can migrate without flushing
// the cache.
//
// Cache failures are advisory: the prediction path treats a read error as a
// miss and a write error as a skipped put.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// EnvelopeV1 is the current value serialization format tag.
const EnvelopeV1 = byte(0x01)

// Sentinel errors for cache operations.
var (
	// ErrEmptyEnvelope is returned when decoding zero-length cached bytes.
	ErrEmptyEnvelope = errors.New("cache envelope is empty")

	// ErrUnknownEnvelopeFormat is returned for format tags newer than this build.
	// Callers treat it as a miss.
	ErrUnknownEnvelopeFormat = errors.New("unknown cache envelope format")

	// ErrCacheClosed is returned for operations on a closed cache.
	ErrCacheClosed = errors.New("cache is closed")
)

// Cache is the prediction cache contract.
//
// Get returns (payload, true, nil) on a hit and (nil, false, nil) on a miss.
// Errors are infrastructure failures; callers on the prediction path fail
// open and treat them as misses.
type Cache interface {
	// Get looks up a key and returns the decoded payload on a hit.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Put stores a payload under key with the given TTL.
	Put(ctx context.Context, key string, payload []byte, ttl time.Duration) error

	// Invalidate drops every entry matching the pattern
	// ("{type}:*:{version}") and returns the number of dropped entries.
	Invalidate(ctx context.Context, pattern string) (int, error)

	// Close stops background maintenance.
	Close() error
}

// EncodeEnvelope wraps a payload with the current format tag.
func EncodeEnvelope(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+1)
	out = append(out, EnvelopeV1)
	out = append(out, payload...)

	return out
}

// DecodeEnvelope unwraps a cached value, validating its format tag.
//
// Returns the tag and payload. Unknown tags surface ErrUnknownEnvelopeFormat
// so callers can treat schema-migrated entries as misses instead of failing.
func DecodeEnvelope(data []byte) (byte, []byte, error) {
	if len(data) == 0 {
		return 0, nil, ErrEmptyEnvelope
	}

	tag := data[0]
	if tag != EnvelopeV1 {
		return tag, nil, fmt.Errorf("%w: tag 0x%02x", ErrUnknownEnvelopeFormat, tag)
	}

	return tag, data[1:], nil
}
