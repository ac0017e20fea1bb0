package middleware

import (
	"context"
	"reflect"
	"testing"
)

// TestParseRoles verifies comma-separated role parsing.
func TestParseRoles(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	testCases := []struct {
		name     string
		header   string
		expected []Role
	}{
		{
			name:     "Single role",
			header:   "PredictionUser",
			expected: []Role{RolePredictionUser},
		},
		{
			name:     "Multiple roles with spaces",
			header:   "PredictionUser, DataScientist",
			expected: []Role{RolePredictionUser, RoleDataScientist},
		},
		{
			name:     "Empty elements dropped",
			header:   "PredictionAdmin,,  ,DataScientist",
			expected: []Role{RolePredictionAdmin, RoleDataScientist},
		},
		{
			name:     "Unknown roles kept",
			header:   "PlatformOperator",
			expected: []Role{Role("PlatformOperator")},
		},
		{
			name:     "Empty header",
			header:   "",
			expected: nil,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := ParseRoles(tc.header)
			if !reflect.DeepEqual(got, tc.expected) {
				t.Errorf("ParseRoles(%q) = %v, expected %v", tc.header, got, tc.expected)
			}
		})
	}
}

// TestPrincipalHasRole verifies exact role matching, including the nil receiver.
func TestPrincipalHasRole(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	p := &Principal{Roles: []Role{RolePredictionUser, RolePredictionAdmin}}

	if !p.HasRole(RolePredictionUser) {
		t.Error("Expected HasRole(PredictionUser) to be true")
	}

	if p.HasRole(RoleDataScientist) {
		t.Error("Expected HasRole(DataScientist) to be false")
	}

	if !p.HasAnyRole(RoleDataScientist, RolePredictionAdmin) {
		t.Error("Expected HasAnyRole to match PredictionAdmin")
	}

	var nilPrincipal *Principal
	if nilPrincipal.HasRole(RolePredictionUser) {
		t.Error("Nil principal should hold no roles")
	}
}

// TestPrincipalRateLimitID verifies that service keys are limited per key and
// gateway callers per user.
func TestPrincipalRateLimitID(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	keyCaller := &Principal{KeyID: "key-123", UserID: "ignored"}
	if got := keyCaller.RateLimitID(); got != "key:key-123" {
		t.Errorf("Expected key:key-123, got %q", got)
	}

	userCaller := &Principal{UserID: "user-42"}
	if got := userCaller.RateLimitID(); got != "user:user-42" {
		t.Errorf("Expected user:user-42, got %q", got)
	}

	var nilPrincipal *Principal
	if got := nilPrincipal.RateLimitID(); got != "" {
		t.Errorf("Expected empty id for nil principal, got %q", got)
	}
}

// TestPrincipalContextRoundTrip verifies SetPrincipal/GetPrincipal.
func TestPrincipalContextRoundTrip(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()

	if _, ok := GetPrincipal(ctx); ok {
		t.Error("Expected no principal on fresh context")
	}

	p := &Principal{UserID: "user-42", Roles: []Role{RolePredictionUser}}
	ctx = SetPrincipal(ctx, p)

	got, ok := GetPrincipal(ctx)
	if !ok {
		t.Fatal("Expected principal after SetPrincipal")
	}

	if got.UserID != "user-42" {
		t.Errorf("Expected UserID user-42, got %q", got.UserID)
	}
}
