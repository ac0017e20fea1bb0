// Package fingerprint provides canonical input normalization and content
// addressing for prediction requests.
//
// A fingerprint is the content-addressed identity of a request: equal inputs
// must produce equal fingerprints regardless of parameter order, whitespace,
// or numeric spelling (20 vs 20.0). Fingerprints key the prediction cache
// together with the active model version.
//
// This package provides pure utility functions that operate on primitives
// (maps, strings, bytes) rather than domain types, making it reusable across
// request kinds (JSON parameter sets, binary geometry payloads, batch items).
//
// Key functions:
//   - Canonicalize: Deterministic compact JSON for a parameter map
//   - Compute: SHA256 fingerprint over canonical parameters plus binary payload
//   - CacheKey: Versioned cache key "{type}:{fingerprint}:{version}"
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	// maxCanonicalDepth bounds recursion so cyclic or adversarial structures
	// fail instead of exhausting the stack.
	maxCanonicalDepth = 32
)

// Sentinel errors for canonicalization operations.
var (
	// ErrUnsupportedValue is returned for values with no canonical form
	// (channels, functions, non-finite floats).
	ErrUnsupportedValue = errors.New("value has no canonical form")

	// ErrTooDeep is returned when nesting exceeds the canonicalization depth limit.
	ErrTooDeep = errors.New("parameter nesting too deep")

	// ErrDuplicateKey is returned when two parameter names collapse to the same
	// canonical name (e.g. "Material" and "material").
	ErrDuplicateKey = errors.New("duplicate parameter name after normalization")
)

// Canonicalize produces the canonical compact JSON document for a parameter map.
//
// Canonical form:
//   - parameter names are trimmed, lowercased, and sorted lexicographically
//   - string values are trimmed and lowercased
//   - numbers use the shortest decimal round-trip representation (20.0 → 20)
//   - timestamps are RFC3339Nano in UTC
//   - no insignificant whitespace
//
// Equal parameter sets therefore produce byte-identical documents under key
// reordering, whitespace changes, and numeric respelling.
//
// Example:
//
//	Canonicalize(map[string]interface{}{"Material": "PLA ", "infill": 20.0})
//	→ `{"infill":20,"material":"pla"}`
//
// Returns: canonical JSON string, or an error for unsupported values.
func Canonicalize(params map[string]interface{}) (string, error) {
	var b strings.Builder

	if err := writeValue(&b, params, 0); err != nil {
		return "", err
	}

	return b.String(), nil
}

// Compute calculates the fingerprint for a request.
//
// Formula: SHA256(canonical(params) + binary)
//
// For opaque binary inputs (3D meshes), the raw bytes are part of the hashed
// payload so geometry identity participates in content addressing. Requests
// without a binary payload pass nil.
//
// Returns: 64-character lowercase hex string (SHA256 output).
func Compute(params map[string]interface{}, binary []byte) (string, error) {
	canonical, err := Canonicalize(params)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	h.Write([]byte(canonical))

	if len(binary) > 0 {
		h.Write(binary)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashBytes computes the SHA256 of a byte slice as lowercase hex.
// Used for dataset content hashes and artifact checksums.
func HashBytes(data []byte) string {
	hash := sha256.Sum256(data)

	return hex.EncodeToString(hash[:])
}

func writeValue(b *strings.Builder, v interface{}, depth int) error {
	if depth > maxCanonicalDepth {
		return ErrTooDeep
	}

	switch val := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		if val {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case string:
		writeString(b, val)
	case float64:
		return writeFloat(b, val)
	case float32:
		return writeFloat(b, float64(val))
	case int:
		b.WriteString(strconv.FormatInt(int64(val), 10))
	case int32:
		b.WriteString(strconv.FormatInt(int64(val), 10))
	case int64:
		b.WriteString(strconv.FormatInt(val, 10))
	case uint:
		b.WriteString(strconv.FormatUint(uint64(val), 10))
	case uint64:
		b.WriteString(strconv.FormatUint(val, 10))
	case time.Time:
		writeString(b, val.UTC().Format(time.RFC3339Nano))
	case []interface{}:
		b.WriteByte('[')

		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}

			if err := writeValue(b, item, depth+1); err != nil {
				return err
			}
		}

		b.WriteByte(']')
	case []string:
		b.WriteByte('[')

		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}

			writeString(b, item)
		}

		b.WriteByte(']')
	case []float64:
		b.WriteByte('[')

		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}

			if err := writeFloat(b, item); err != nil {
				return err
			}
		}

		b.WriteByte(']')
	case map[string]interface{}:
		return writeObject(b, val, depth)
	case map[string]float64:
		generic := make(map[string]interface{}, len(val))
		for k, item := range val {
			generic[k] = item
		}

		return writeObject(b, generic, depth)
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
	}

	return nil
}

func writeObject(b *strings.Builder, m map[string]interface{}, depth int) error {
	normalized := make(map[string]interface{}, len(m))
	keys := make([]string, 0, len(m))

	for k, v := range m {
		nk := strings.ToLower(strings.TrimSpace(k))
		if _, exists := normalized[nk]; exists {
			return fmt.Errorf("%w: %q", ErrDuplicateKey, nk)
		}

		normalized[nk] = v
		keys = append(keys, nk)
	}

	sort.Strings(keys)

	b.WriteByte('{')

	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}

		writeString(b, k)
		b.WriteByte(':')

		if err := writeValue(b, normalized[k], depth+1); err != nil {
			return err
		}
	}

	b.WriteByte('}')

	return nil
}

func writeFloat(b *strings.Builder, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("%w: non-finite number", ErrUnsupportedValue)
	}

	// Shortest round-trip representation: 20.0 and 20 canonicalize identically.
	b.WriteString(strconv.FormatFloat(f, 'g', -1, 64))

	return nil
}

// writeString writes a lowercased, trimmed JSON string with minimal escaping.
func writeString(b *strings.Builder, s string) {
	s = strings.ToLower(strings.TrimSpace(s))

	b.WriteByte('"')

	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if r < 0x20 {
				b.WriteString(fmt.Sprintf(`\u%04x`, r))
			} else {
				b.WriteRune(r)
			}
		}
	}

	b.WriteByte('"')
}
