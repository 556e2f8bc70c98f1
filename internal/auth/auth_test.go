package auth

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/hospital-gateway/internal/domain"
)

const (
	primarySecret = "primary-secret-0123456789"
	appSecret     = "application-secret-0123456789"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestBuilder() *Builder {
	return NewBuilder(primarySecret, appSecret, WithClock(func() time.Time { return testNow }))
}

func sign(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestFromRequest_NoHeaderIsAnonymous(t *testing.T) {
	req := httptest.NewRequest("POST", "/graphql", nil)

	id, err := newTestBuilder().FromRequest(req)

	require.NoError(t, err)
	assert.Nil(t, id)
}

func TestFromToken_PrimaryClaims(t *testing.T) {
	token := sign(t, primarySecret, jwt.MapClaims{
		"sub":   "user-1",
		"email": "house@example.org",
		"role":  "authenticated",
		"app_metadata": map[string]any{
			"role":        "doctor",
			"entity_id":   "doc-7",
			"permissions": []any{"appointments:read"},
		},
		"user_metadata": map[string]any{"is_active": true},
		"iat":           testNow.Add(-time.Minute).Unix(),
		"exp":           testNow.Add(time.Hour).Unix(),
	})

	id, err := newTestBuilder().FromToken(context.Background(), token)

	require.NoError(t, err)
	require.NotNil(t, id)
	assert.Equal(t, "user-1", id.ID)
	assert.Equal(t, domain.RoleDoctor, id.Role)
	assert.Equal(t, "doc-7", id.LinkedEntityID)
	assert.Equal(t, []domain.Permission{domain.PermAppointmentsRead}, id.Permissions)
	assert.Equal(t, domain.SourcePrimary, id.Source)
	assert.True(t, id.Active)
	assert.Equal(t, testNow.Add(time.Hour).Unix(), id.ExpiresAt.Unix())
}

func TestFromToken_ApplicationClaimsFallback(t *testing.T) {
	token := sign(t, appSecret, jwt.MapClaims{
		"userId":         "user-2",
		"role":           "admin",
		"linkedEntityId": "",
		"isActive":       true,
		"exp":            testNow.Add(time.Hour).Unix(),
	})

	id, err := newTestBuilder().FromToken(context.Background(), token)

	require.NoError(t, err)
	require.NotNil(t, id)
	assert.Equal(t, "user-2", id.ID)
	assert.Equal(t, domain.RoleAdmin, id.Role)
	assert.Equal(t, domain.SourceApplication, id.Source)
	assert.ElementsMatch(t, domain.DefaultPermissions[domain.RoleAdmin], id.Permissions)
}

func TestFromToken_Fatal(t *testing.T) {
	tests := []struct {
		name   string
		secret string
		claims jwt.MapClaims
		kind   domain.Kind
	}{
		{
			name:   "expired primary",
			secret: primarySecret,
			claims: jwt.MapClaims{"sub": "u", "exp": testNow.Add(-time.Second).Unix()},
			kind:   domain.KindTokenExpired,
		},
		{
			name:   "expired application",
			secret: appSecret,
			claims: jwt.MapClaims{"userId": "u", "exp": testNow.Add(-time.Hour).Unix()},
			kind:   domain.KindTokenExpired,
		},
		{
			name:   "inactive application",
			secret: appSecret,
			claims: jwt.MapClaims{"userId": "u", "isActive": false, "exp": testNow.Add(time.Hour).Unix()},
			kind:   domain.KindAccountInactive,
		},
		{
			name:   "unknown secret",
			secret: "someone-else",
			claims: jwt.MapClaims{"sub": "u", "exp": testNow.Add(time.Hour).Unix()},
			kind:   domain.KindAuthenticationRequired,
		},
		{
			name:   "inactive primary",
			secret: primarySecret,
			claims: jwt.MapClaims{
				"sub":           "u",
				"user_metadata": map[string]any{"is_active": false},
			},
			kind: domain.KindAccountInactive,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := newTestBuilder().FromToken(context.Background(), sign(t, tt.secret, tt.claims))

			require.Error(t, err)
			assert.Nil(t, id)
			assert.Equal(t, tt.kind, domain.KindOf(err))
		})
	}
}

func TestFromToken_DegradesToAnonymous(t *testing.T) {
	tests := []struct {
		name  string
		token string
	}{
		{name: "garbage", token: "not-a-jwt"},
		{name: "no subject", token: sign(t, primarySecret, jwt.MapClaims{"email": "x@example.org"})},
		{
			name: "wrong algorithm",
			token: func() string {
				s, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "u"}).
					SignedString(jwt.UnsafeAllowNoneSignatureType)
				require.NoError(t, err)
				return s
			}(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := newTestBuilder().FromToken(context.Background(), tt.token)

			assert.NoError(t, err)
			assert.Nil(t, id)
		})
	}
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer   abc ", "abc", true},
		{"Basic abc", "", false},
		{"Bearer", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := ExtractBearerToken(tt.header)
		assert.Equal(t, tt.want, got, tt.header)
		assert.Equal(t, tt.ok, ok, tt.header)
	}
}

func TestTokenFromInitPayload(t *testing.T) {
	tests := []struct {
		name    string
		payload map[string]any
		want    string
		ok      bool
	}{
		{"authorization header form", map[string]any{"Authorization": "Bearer abc"}, "abc", true},
		{"lowercase", map[string]any{"authorization": "Bearer abc"}, "abc", true},
		{"raw authToken", map[string]any{"authToken": "abc"}, "abc", true},
		{"nested headers", map[string]any{"headers": map[string]any{"Authorization": "Bearer xyz"}}, "xyz", true},
		{"empty", map[string]any{}, "", false},
		{"nil", nil, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := TokenFromInitPayload(tt.payload)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestAuthorize(t *testing.T) {
	patient := &domain.Identity{ID: "p", Role: domain.RolePatient, Permissions: domain.DefaultPermissions[domain.RolePatient]}
	doctor := &domain.Identity{ID: "d", Role: domain.RoleDoctor, Permissions: domain.DefaultPermissions[domain.RoleDoctor]}
	admin := &domain.Identity{ID: "a", Role: domain.RoleAdmin}

	tests := []struct {
		name   string
		id     *domain.Identity
		policy Policy
		kind   domain.Kind
		ok     bool
	}{
		{"public anonymous", nil, Public(), 0, true},
		{"authenticated anonymous", nil, Authenticated(), domain.KindAuthenticationRequired, false},
		{"authenticated patient", patient, Authenticated(), 0, true},
		{"role mismatch", patient, Roles(domain.RoleDoctor), domain.KindForbidden, false},
		{"role match", doctor, Roles(domain.RoleDoctor), 0, true},
		{"admin passes roles", admin, Roles(domain.RoleDoctor), 0, true},
		{"permission missing", patient, Permission(domain.PermPatientsRead), domain.KindForbidden, false},
		{"permission held", doctor, Permission(domain.PermPatientsRead), 0, true},
		{"admin passes permission", admin, Permission(domain.PermDoctorsWrite), 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Authorize(tt.id, tt.policy)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.kind, domain.KindOf(err))
		})
	}
}

func TestFromToken_InvalidSignature(t *testing.T) {
	token := sign(t, "someone-else", jwt.MapClaims{"sub": "u"})

	_, err := newTestBuilder().FromToken(context.Background(), token)
	e, ok := domain.AsError(err)
	require.True(t, ok)
	assert.Equal(t, "auth.invalid", e.Key)

	// A single configured secret is enough to reject.
	_, err = NewBuilder("", appSecret).FromToken(context.Background(), token)
	assert.Equal(t, domain.KindAuthenticationRequired, domain.KindOf(err))

	// Without any secret nothing can be verified.
	id, err := NewBuilder("", "").FromToken(context.Background(), token)
	assert.NoError(t, err)
	assert.Nil(t, id)
}
