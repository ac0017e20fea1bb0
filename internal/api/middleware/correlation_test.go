package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
)

// TestCorrelationID_GeneratesWhenMissing verifies that a request without an
// X-Correlation-ID header gets a generated UUID, echoed on the response.
func TestCorrelationID_GeneratesWhenMissing(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	var fromContext string

	handler := CorrelationID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fromContext = GetCorrelationID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	echoed := rec.Header().Get("X-Correlation-ID")
	if echoed == "" {
		t.Fatal("Expected generated correlation ID on response")
	}

	if _, err := uuid.Parse(echoed); err != nil {
		t.Errorf("Expected UUID correlation id, got %q: %v", echoed, err)
	}

	if fromContext != echoed {
		t.Errorf("Context id %q should match response header %q", fromContext, echoed)
	}
}

// TestCorrelationID_KeepsCallerValue verifies that a usable caller-supplied
// id is preserved.
func TestCorrelationID_KeepsCallerValue(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	handler := CorrelationID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("X-Correlation-ID", "req-12345")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Correlation-ID"); got != "req-12345" {
		t.Errorf("Expected caller id to be preserved, got %q", got)
	}
}

// TestCorrelationID_RejectsUnsafeValues verifies that over-long and
// control-character ids are replaced with generated ones.
func TestCorrelationID_RejectsUnsafeValues(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	testCases := []struct {
		name  string
		value string
	}{
		{
			name:  "Too long",
			value: strings.Repeat("a", maxCorrelationIDLength+1),
		},
		{
			name:  "Embedded space",
			value: "req 123",
		},
	}

	handler := CorrelationID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			req.Header.Set("X-Correlation-ID", tc.value)

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			got := rec.Header().Get("X-Correlation-ID")
			if got == tc.value {
				t.Errorf("Unsafe id %q should have been replaced", tc.value)
			}

			if _, err := uuid.Parse(got); err != nil {
				t.Errorf("Expected generated UUID, got %q", got)
			}
		})
	}
}
