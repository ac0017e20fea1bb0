package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/foresight-io/foresight/internal/storage"
	"golang.org/x/crypto/bcrypt"
)

type (
	// AuthError represents an authentication error with a specific type.
	AuthError struct {
		Type    error
		Message string
	}
)

// Authentication error types for granular error handling.
var (
	// ErrMissingCredentials is returned when neither gateway identity
	// headers nor a service key are present.
	ErrMissingCredentials = errors.New("missing credentials")

	// ErrInvalidAPIKey is returned for invalid service key format or not found.
	// Generic error prevents enumeration attacks.
	ErrInvalidAPIKey = errors.New("invalid service key")

	// ErrAPIKeyExpired is returned when the service key has expired.
	ErrAPIKeyExpired = errors.New("service key expired")

	// ErrAPIKeyInactive is returned when the service key is inactive (soft-deleted).
	ErrAPIKeyInactive = errors.New("service key inactive")
)

// Identity headers set by the platform gateway. The gateway strips these from
// external traffic before injecting its own values, so their presence means
// the caller already authenticated upstream.
const (
	headerUserID = "X-User-Id"
	headerTenant = "X-Tenant-Id"
	headerRoles  = "X-Roles"
)

// publicEndpoints holds exact request paths that skip authentication.
// Registered once at route setup, before the server accepts traffic.
var (
	publicEndpoints   = make(map[string]bool)
	publicEndpointsMu sync.RWMutex
)

// RegisterPublicEndpoint marks a path as reachable without credentials.
// Health and readiness probes register themselves here.
func RegisterPublicEndpoint(path string) {
	publicEndpointsMu.Lock()
	defer publicEndpointsMu.Unlock()

	publicEndpoints[path] = true
}

func isPublicEndpoint(path string) bool {
	publicEndpointsMu.RLock()
	defer publicEndpointsMu.RUnlock()

	return publicEndpoints[path]
}

// Error implements the error interface for AuthError.
func (e *AuthError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("authentication failed: %s: %s", e.Type.Error(), e.Message)
	}

	return "authentication failed: " + e.Type.Error()
}

// Unwrap returns the wrapped error type, enabling standard errors.Is() and errors.As() behavior.
func (e *AuthError) Unwrap() error {
	return e.Type
}

// extractAPIKey extracts the service key from request headers.
// It checks the X-Api-Key header first (primary), then falls back to
// Authorization: Bearer header (secondary).
//
// Returns (key, true) if found and valid, ("", false) otherwise.
//
// Security considerations:
// - Rejects keys containing newlines (header injection prevention)
// - Trims whitespace from keys
// - Case-sensitive "Bearer " prefix check
// - X-Api-Key takes precedence over Authorization header.
func extractAPIKey(r *http.Request) (string, bool) {
	// Primary: Check X-Api-Key header
	if apiKey := r.Header.Get("X-Api-Key"); apiKey != "" {
		return validateAPIKey(apiKey)
	}

	// Secondary: Check Authorization: Bearer header
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		// Check for "Bearer " prefix (note the space)
		if strings.HasPrefix(authHeader, "Bearer ") {
			// Extract token after "Bearer "
			token := strings.TrimPrefix(authHeader, "Bearer ")

			return validateAPIKey(token)
		}
	}

	return "", false
}

// validateAPIKey validates and cleans a service key value.
// Returns (cleanedKey, true) if valid, ("", false) otherwise.
//
// Validation rules:
// - Rejects keys containing newlines (\r or \n) for header injection prevention
// - Trims leading/trailing whitespace
// - Rejects empty keys after trimming.
func validateAPIKey(key string) (string, bool) {
	// Security: Reject keys containing newlines (header injection prevention)
	if strings.ContainsAny(key, "\r\n") {
		return "", false
	}

	// Trim whitespace
	key = strings.TrimSpace(key)

	// Reject empty keys
	if key == "" {
		return "", false
	}

	return key, true
}

// Timing attack prevention: Perform dummy bcrypt comparison
// to maintain constant time.
func performDummyBcryptComparison() {
	_ = bcrypt.CompareHashAndPassword([]byte("dummy"), []byte("dummy"))
}

// gatewayPrincipal builds a principal from the gateway identity headers.
// Returns nil when the request carries no gateway identity.
func gatewayPrincipal(r *http.Request) *Principal {
	userID := strings.TrimSpace(r.Header.Get(headerUserID))
	if userID == "" {
		return nil
	}

	return &Principal{
		UserID:   userID,
		TenantID: strings.TrimSpace(r.Header.Get(headerTenant)),
		Name:     userID,
		Roles:    ParseRoles(r.Header.Get(headerRoles)),
		AuthTime: time.Now(),
	}
}

// authenticateKey performs service key authentication and validation.
// Returns the authenticated key or an AuthError.
//
// Security considerations:
// - Timing attack prevention: Always performs full validation even if format is invalid
// - Constant-time comparison via storage.SecureCompare
// - Generic error messages to prevent enumeration
//
// Error handling:
// - Invalid format → ErrInvalidAPIKey (generic)
// - Key not found → ErrInvalidAPIKey (generic)
// - Inactive key → ErrAPIKeyInactive (specific)
// - Expired key → ErrAPIKeyExpired (specific).
func authenticateKey(
	ctx context.Context,
	keys storage.KeyStore,
	apiKey string,
) (*storage.ServiceKey, error) {
	// Validate service key format
	parsedKey, err := storage.ParseServiceKey(apiKey)
	if err != nil {
		performDummyBcryptComparison()

		return nil, &AuthError{
			Type:    ErrInvalidAPIKey,
			Message: "Invalid or missing service key",
		}
	}

	// Lookup parsed service key in store
	foundKey, exists := keys.FindByKey(ctx, parsedKey)
	if !exists {
		performDummyBcryptComparison()

		return nil, &AuthError{
			Type:    ErrInvalidAPIKey,
			Message: "Invalid or missing service key",
		}
	}

	// Check if key is active
	if !foundKey.Active {
		return nil, &AuthError{
			Type:    ErrAPIKeyInactive,
			Message: "Service key is inactive",
		}
	}

	// Check if key has expired
	if foundKey.ExpiresAt != nil && time.Now().After(*foundKey.ExpiresAt) {
		return nil, &AuthError{
			Type:    ErrAPIKeyExpired,
			Message: "Service key has expired",
		}
	}

	return foundKey, nil
}

// keyPrincipal builds a principal from an authenticated service key. Keys
// provisioned without explicit roles act as data science integrations.
func keyPrincipal(key *storage.ServiceKey) *Principal {
	roles := make([]Role, 0, len(key.Roles))
	for _, r := range key.Roles {
		roles = append(roles, Role(r))
	}

	if len(roles) == 0 {
		roles = []Role{RoleDataScientist}
	}

	return &Principal{
		Name:     key.Name,
		KeyID:    key.ID,
		Roles:    roles,
		AuthTime: time.Now(),
	}
}

// Authenticate creates an authentication middleware that resolves the caller
// to a Principal and enriches the request context with it.
//
// Two credential paths are accepted:
//   - Gateway identity headers (X-User-Id, X-Tenant-Id, X-Roles), injected by
//     the platform gateway after it authenticated the end user.
//   - Service keys in X-Api-Key (primary) or Authorization: Bearer (fallback),
//     for direct service-to-service callers.
//
// Gateway identity wins when both are present. Registered public endpoints
// bypass authentication entirely. Failures produce RFC 7807 responses.
//
// Example usage:
//
//	keys := storage.NewPersistentKeyStore(db)
//	logger := slog.Default()
//	authMiddleware := middleware.Authenticate(keys, logger)
//	handler = authMiddleware(handler)
func Authenticate(keys storage.KeyStore, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicEndpoint(r.URL.Path) {
				next.ServeHTTP(w, r)

				return
			}

			authStart := time.Now()

			// Primary: identity forwarded by the platform gateway
			if principal := gatewayPrincipal(r); principal != nil {
				ctx := SetPrincipal(r.Context(), principal)

				logger.Info("Gateway identity accepted",
					slog.String("user_id", principal.UserID),
					slog.String("tenant_id", principal.TenantID),
					slog.Int("roles", len(principal.Roles)),
					slog.Duration("auth_latency", time.Since(authStart)),
					slog.String("correlation_id", GetCorrelationID(r.Context())),
					slog.String("endpoint", r.URL.Path),
				)

				next.ServeHTTP(w, r.WithContext(ctx))

				return
			}

			// Secondary: direct service-to-service call with a key
			apiKey, found := extractAPIKey(r)
			if !found {
				writeAuthError(w, r, logger, &AuthError{
					Type:    ErrMissingCredentials,
					Message: "Missing gateway identity or service key",
				})

				return
			}

			authenticated, err := authenticateKey(r.Context(), keys, apiKey)
			if err != nil {
				writeAuthError(w, r, logger, err)

				return
			}

			principal := keyPrincipal(authenticated)
			ctx := SetPrincipal(r.Context(), principal)

			// Log successful authentication
			logger.Info("Service key authenticated",
				slog.String("service_id", authenticated.ServiceID),
				slog.String("key_id", principal.KeyID),
				slog.String("key", storage.MaskKey(authenticated.Key)),
				slog.Duration("auth_latency", time.Since(authStart)),
				slog.String("correlation_id", GetCorrelationID(r.Context())),
				slog.String("endpoint", r.URL.Path),
			)

			// Continue to next handler with enriched context
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// writeAuthError writes an RFC 7807 compliant error response for authentication failures.
// It maps authentication errors to appropriate HTTP status codes and logs the failure.
func writeAuthError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	correlationID := GetCorrelationID(r.Context())

	// Map authentication error to HTTP status code
	var statusCode int

	var authErr *AuthError
	if errors.As(err, &authErr) {
		switch {
		case errors.Is(authErr.Type, ErrMissingCredentials):
			statusCode = http.StatusUnauthorized
		case errors.Is(authErr.Type, ErrInvalidAPIKey):
			statusCode = http.StatusUnauthorized
		case errors.Is(authErr.Type, ErrAPIKeyExpired):
			statusCode = http.StatusUnauthorized
		case errors.Is(authErr.Type, ErrAPIKeyInactive):
			statusCode = http.StatusForbidden
		default:
			statusCode = http.StatusUnauthorized
		}
	} else {
		// Fallback for unexpected errors
		statusCode = http.StatusUnauthorized
	}

	// Log authentication failure (no sensitive data)
	logger.Warn("Authentication failed",
		slog.String("reason", err.Error()),
		slog.String("correlation_id", correlationID),
		slog.String("endpoint", r.URL.Path),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("user_agent", r.UserAgent()),
	)

	// Write RFC 7807 compliant error response
	if err := writeRFC7807Error(w, r, statusCode, err.Error(), correlationID); err != nil {
		logger.Error("Failed to encode authentication error response",
			slog.String("correlation_id", correlationID),
			slog.String("path", r.URL.Path),
			slog.Any("encode_error", err),
		)
	}
}

// writeRFC7807Error writes an RFC 7807 compliant error response without importing the api package.
func writeRFC7807Error(
	w http.ResponseWriter,
	r *http.Request,
	statusCode int,
	detail,
	correlationID string,
) error {
	// Map status code to title
	var title string

	switch statusCode {
	case http.StatusUnauthorized:
		title = "Unauthorized"
	case http.StatusForbidden:
		title = "Forbidden"
	case http.StatusTooManyRequests:
		title = "Too Many Requests"
	default:
		title = "Authentication Failed"
	}

	// Create RFC 7807 problem detail
	problem := map[string]interface{}{
		"type":          fmt.Sprintf("https://foresight.io/problems/%d", statusCode),
		"title":         title,
		"status":        statusCode,
		"detail":        detail,
		"instance":      r.URL.Path,
		"correlationId": correlationID,
	}

	// Set proper content type and status code
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(statusCode)

	// Write response
	return json.NewEncoder(w).Encode(problem)
}
