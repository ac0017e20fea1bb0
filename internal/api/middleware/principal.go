package middleware

import (
	"context"
	"strings"
	"time"
)

// Role names an authorization scope granted to a caller. Roles arrive either
// in the gateway's X-Roles header or on a provisioned service key.
type Role string

const (
	// RolePredictionUser may request predictions and report outcomes.
	RolePredictionUser Role = "PredictionUser"

	// RolePredictionAdmin may trigger training, inspect model health and
	// audit records, and erase user data.
	RolePredictionAdmin Role = "PredictionAdmin"

	// RoleDataScientist may perform every model lifecycle operation.
	RoleDataScientist Role = "DataScientist"
)

// Principal identifies the authenticated caller for the rest of the request.
type Principal struct {
	// UserID is the end user the call is made on behalf of. Empty for
	// service-to-service calls.
	UserID string

	// TenantID scopes the caller to a customer account when the gateway
	// forwards one.
	TenantID string

	// Name is a human-readable label: the service key name or the user id.
	Name string

	// KeyID is set when the caller authenticated with a service key.
	KeyID string

	// Roles the caller holds. Never empty for an authenticated principal.
	Roles []Role

	// AuthTime records when authentication completed.
	AuthTime time.Time
}

// HasRole reports whether the principal holds the exact role.
func (p *Principal) HasRole(role Role) bool {
	if p == nil {
		return false
	}

	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}

	return false
}

// HasAnyRole reports whether the principal holds at least one of the roles.
func (p *Principal) HasAnyRole(roles ...Role) bool {
	for _, role := range roles {
		if p.HasRole(role) {
			return true
		}
	}

	return false
}

// RateLimitID returns the identity rate limits are keyed on. Service keys are
// limited per key, gateway callers per user.
func (p *Principal) RateLimitID() string {
	if p == nil {
		return ""
	}

	if p.KeyID != "" {
		return "key:" + p.KeyID
	}

	return "user:" + p.UserID
}

// ParseRoles splits a comma-separated role list, trimming whitespace and
// dropping empty elements. Unknown role names are kept as-is so new roles can
// be introduced at the gateway before this service learns about them.
func ParseRoles(header string) []Role {
	if header == "" {
		return nil
	}

	parts := strings.Split(header, ",")
	roles := make([]Role, 0, len(parts))

	for _, part := range parts {
		name := strings.TrimSpace(part)
		if name == "" {
			continue
		}

		roles = append(roles, Role(name))
	}

	return roles
}

// contextKey is unexported so only this package can create context keys.
type contextKey string

const principalContextKey contextKey = "auth_principal"

// SetPrincipal stores the authenticated principal in the context.
func SetPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

// GetPrincipal retrieves the authenticated principal from the context. The
// second return is false when the request never passed authentication.
func GetPrincipal(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(*Principal)
	if !ok || p == nil {
		return nil, false
	}

	return p, true
}
