// Package fingerprint provides canonical input normalization and content addressing.
package fingerprint

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"
)

// ==============================================================================
// Unit Tests: Canonicalization
// ==============================================================================

func TestCanonicalize_SortsAndNormalizes(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	canonical, err := Canonicalize(map[string]interface{}{
		"Material":    "PLA ",
		"printer":     "Prusa-MK4",
		"layerHeight": 0.2,
		"infill":      20.0,
	})
	if err != nil {
		t.Fatalf("Canonicalize() error = %v", err)
	}

	want := `{"infill":20,"layerheight":0.2,"material":"pla","printer":"prusa-mk4"}`
	if canonical != want {
		t.Errorf("Canonicalize() = %s, want %s", canonical, want)
	}
}

func TestCanonicalize_KeyOrderIndependent(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	a, err := Canonicalize(map[string]interface{}{
		"material": "PLA",
		"infill":   20,
		"speed":    50.0,
	})
	if err != nil {
		t.Fatalf("Canonicalize() error = %v", err)
	}

	b, err := Canonicalize(map[string]interface{}{
		"speed":    50,
		"material": " pla ",
		"infill":   20.0,
	})
	if err != nil {
		t.Fatalf("Canonicalize() error = %v", err)
	}

	if a != b {
		t.Errorf("equal inputs canonicalized differently:\n  %s\n  %s", a, b)
	}
}

func TestCanonicalize_NestedStructures(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	canonical, err := Canonicalize(map[string]interface{}{
		"benchmarks": []interface{}{
			map[string]interface{}{"competitor": "B", "price": 14.5},
			map[string]interface{}{"competitor": "A", "price": 12.0},
		},
		"materialCost": 7.25,
	})
	if err != nil {
		t.Fatalf("Canonicalize() error = %v", err)
	}

	want := `{"benchmarks":[{"competitor":"b","price":14.5},{"competitor":"a","price":12}],"materialcost":7.25}`
	if canonical != want {
		t.Errorf("Canonicalize() = %s, want %s", canonical, want)
	}
}

func TestCanonicalize_Timestamps(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	berlin, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}

	local := time.Date(2026, 3, 14, 10, 30, 0, 0, berlin)
	utc := local.UTC()

	a, err := Canonicalize(map[string]interface{}{"baselineDate": local})
	if err != nil {
		t.Fatalf("Canonicalize() error = %v", err)
	}

	b, err := Canonicalize(map[string]interface{}{"baselineDate": utc})
	if err != nil {
		t.Fatalf("Canonicalize() error = %v", err)
	}

	if a != b {
		t.Errorf("same instant canonicalized differently:\n  %s\n  %s", a, b)
	}
}

func TestCanonicalize_RejectsUnsupported(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name   string
		params map[string]interface{}
		want   error
	}{
		{"nan", map[string]interface{}{"x": math.NaN()}, ErrUnsupportedValue},
		{"infinity", map[string]interface{}{"x": math.Inf(1)}, ErrUnsupportedValue},
		{"channel", map[string]interface{}{"x": make(chan int)}, ErrUnsupportedValue},
		{"colliding keys", map[string]interface{}{"Material": 1, "material": 2}, ErrDuplicateKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Canonicalize(tt.params)
			if !errors.Is(err, tt.want) {
				t.Errorf("Canonicalize() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCanonicalize_DepthLimit(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	// Build nesting two levels past the limit.
	leaf := map[string]interface{}{"v": 1}
	for i := 0; i < maxCanonicalDepth+2; i++ {
		leaf = map[string]interface{}{"nested": leaf}
	}

	if _, err := Canonicalize(leaf); !errors.Is(err, ErrTooDeep) {
		t.Errorf("Canonicalize() error = %v, want ErrTooDeep", err)
	}
}

// ==============================================================================
// Unit Tests: Fingerprint Computation
// ==============================================================================

func TestCompute_Deterministic(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	params := map[string]interface{}{"material": "PLA", "infill": 20}

	fp1, err := Compute(params, nil)
	if err != nil {
		t.Fatalf("Compute() error = %v", err)
	}

	fp2, err := Compute(map[string]interface{}{"infill": 20.0, "material": " pla"}, nil)
	if err != nil {
		t.Fatalf("Compute() error = %v", err)
	}

	if fp1 != fp2 {
		t.Errorf("equal inputs fingerprinted differently: %s vs %s", fp1, fp2)
	}

	if len(fp1) != 64 {
		t.Errorf("Compute() returned %d chars, expected 64 (SHA256 hex)", len(fp1))
	}

	if !isHexString(fp1) {
		t.Errorf("Compute() returned non-hex string: %s", fp1)
	}
}

func TestCompute_BinaryPayloadParticipates(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	params := map[string]interface{}{"material": "pla"}

	withMesh, err := Compute(params, []byte{0x01, 0x02, 0x03})
	if err != nil {
		t.Fatalf("Compute() error = %v", err)
	}

	withOtherMesh, err := Compute(params, []byte{0x01, 0x02, 0x04})
	if err != nil {
		t.Fatalf("Compute() error = %v", err)
	}

	withoutMesh, err := Compute(params, nil)
	if err != nil {
		t.Fatalf("Compute() error = %v", err)
	}

	if withMesh == withOtherMesh {
		t.Error("different geometry bytes produced the same fingerprint")
	}

	if withMesh == withoutMesh {
		t.Error("geometry bytes did not participate in the fingerprint")
	}
}

func TestHashBytes(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	// Known SHA256 of "abc".
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got := HashBytes([]byte("abc")); got != want {
		t.Errorf("HashBytes() = %s, want %s", got, want)
	}
}

func isHexString(s string) bool {
	for _, c := range s {
		if !strings.ContainsRune("0123456789abcdef", c) {
			return false
		}
	}

	return len(s) > 0
}
