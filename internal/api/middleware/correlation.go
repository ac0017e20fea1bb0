// Package middleware provides the HTTP middleware chain for the prediction API.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// maxCorrelationIDLength caps caller-supplied ids before they reach logs and
// the audit trail.
const maxCorrelationIDLength = 64

// correlationIDKey is the context key for the request correlation ID.
type correlationIDKey struct{}

// CorrelationID creates a middleware that tags each request with a
// correlation ID. When the request carries a usable X-Correlation-ID header
// that value is kept, otherwise a new id is generated. The id is echoed on
// the response and doubles as the prediction request id in the audit trail.
func CorrelationID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			correlationID := sanitizeCorrelationID(r.Header.Get("X-Correlation-ID"))

			if correlationID == "" {
				correlationID = uuid.NewString()
			}

			w.Header().Set("X-Correlation-ID", correlationID)

			ctx := context.WithValue(r.Context(), correlationIDKey{}, correlationID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetCorrelationID extracts the correlation ID from the request context.
func GetCorrelationID(ctx context.Context) string {
	if correlationID, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return correlationID
	}

	return "unknown"
}

// sanitizeCorrelationID rejects ids that would be unsafe to log or store:
// over-long values and anything containing whitespace or control characters.
func sanitizeCorrelationID(id string) string {
	id = strings.TrimSpace(id)

	if id == "" || len(id) > maxCorrelationIDLength {
		return ""
	}

	for _, r := range id {
		if r <= ' ' || r == 0x7f {
			return ""
		}
	}

	return id
}
