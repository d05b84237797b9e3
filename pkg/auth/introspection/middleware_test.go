// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package introspection

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucas-1000/health-data-storage/pkg/authserver/server/users"
	"github.com/lucas-1000/health-data-storage/pkg/authserver/storage"
)

type fakeIntrospector map[string]*Claims

func (f fakeIntrospector) Introspect(_ context.Context, token string) (*Claims, error) {
	if token == "unavailable" {
		return nil, errors.New("connection refused")
	}
	claims, ok := f[token]
	if !ok {
		return nil, ErrInactive
	}
	return claims, nil
}

var testIntrospector = fakeIntrospector{
	"food-token":   {Active: true, Subject: "user-1", ClientID: "food-app", Scope: "read:food write:food"},
	"health-token": {Active: true, Subject: "user-2", ClientID: "health-app", Scope: "read:health"},
}

// echoSubject writes the authenticated subject so tests can see what reached
// the protected handler.
var echoSubject = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		http.Error(w, "no claims", http.StatusInternalServerError)
		return
	}
	_, _ = w.Write([]byte(claims.Subject + " " + claims.TokenType))
})

func TestMiddleware(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		opts          []MiddlewareOption
		header        string
		value         string
		wantStatus    int
		wantBody      string
		wantChallenge string
	}{
		{
			name:       "active bearer token",
			header:     "Authorization",
			value:      "Bearer food-token",
			wantStatus: http.StatusOK,
			wantBody:   "user-1 ",
		},
		{
			name:       "case insensitive scheme",
			header:     "Authorization",
			value:      "bearer food-token",
			wantStatus: http.StatusOK,
			wantBody:   "user-1 ",
		},
		{
			name:          "missing header",
			wantStatus:    http.StatusUnauthorized,
			wantChallenge: `Bearer realm="hds"`,
		},
		{
			name:          "basic scheme",
			header:        "Authorization",
			value:         "Basic Zm9vOmJhcg==",
			wantStatus:    http.StatusUnauthorized,
			wantChallenge: `Bearer realm="hds"`,
		},
		{
			name:          "empty bearer",
			header:        "Authorization",
			value:         "Bearer   ",
			opts:          []MiddlewareOption{WithRealm("food-api")},
			wantStatus:    http.StatusUnauthorized,
			wantChallenge: `Bearer realm="food-api"`,
		},
		{
			name:          "inactive token",
			header:        "Authorization",
			value:         "Bearer revoked",
			wantStatus:    http.StatusUnauthorized,
			wantChallenge: `Bearer realm="hds", error="invalid_token", error_description="token is not active"`,
		},
		{
			name:       "introspection unavailable",
			header:     "Authorization",
			value:      "Bearer unavailable",
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "required scope granted",
			opts:       []MiddlewareOption{WithRequiredScope("write:food")},
			header:     "Authorization",
			value:      "Bearer food-token",
			wantStatus: http.StatusOK,
			wantBody:   "user-1 ",
		},
		{
			name:       "required scope missing",
			opts:       []MiddlewareOption{WithRequiredScope("write:food")},
			header:     "Authorization",
			value:      "Bearer health-token",
			wantStatus: http.StatusForbidden,
			wantChallenge: `Bearer realm="hds", error="insufficient_scope", ` +
				`error_description="scope write:food is required", scope="write:food"`,
		},
		{
			name:          "api key without authenticator",
			header:        APIKeyHeader,
			value:         "hds_whatever",
			wantStatus:    http.StatusUnauthorized,
			wantChallenge: `Bearer realm="hds"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			handler := Middleware(testIntrospector, tt.opts...)(echoSubject)

			req := httptest.NewRequest(http.MethodGet, "/api/food", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantBody != "" {
				assert.Equal(t, tt.wantBody, rec.Body.String())
			}
			assert.Equal(t, tt.wantChallenge, rec.Header().Get("WWW-Authenticate"))
		})
	}
}

func TestMiddleware_APIKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	mem := storage.NewMemoryStorage()
	t.Cleanup(func() { _ = mem.Close() })
	directory := users.NewDirectory(mem)

	user, _, err := directory.Resolve(ctx, users.Profile{Subject: "upstream-1"})
	require.NoError(t, err)
	key, err := directory.RotateAPIKey(ctx, user.ID)
	require.NoError(t, err)

	handler := Middleware(testIntrospector,
		WithAPIKeyAuthenticator(directory),
		WithRequiredScope("write:health"),
	)(echoSubject)

	t.Run("valid key bypasses scope check", func(t *testing.T) {
		t.Parallel()
		req := httptest.NewRequest(http.MethodGet, "/api/food", nil)
		req.Header.Set(APIKeyHeader, key)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, user.ID+" "+TokenTypeAPIKey, rec.Body.String())
	})

	t.Run("unknown key", func(t *testing.T) {
		t.Parallel()
		req := httptest.NewRequest(http.MethodGet, "/api/food", nil)
		req.Header.Set(APIKeyHeader, users.APIKeyPrefix+"unknown")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Header().Get("WWW-Authenticate"), `error="invalid_token"`)
	})

	t.Run("bearer token still checked for scope", func(t *testing.T) {
		t.Parallel()
		req := httptest.NewRequest(http.MethodGet, "/api/food", nil)
		req.Header.Set("Authorization", "Bearer food-token")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestClaimsFromContext(t *testing.T) {
	t.Parallel()

	_, ok := ClaimsFromContext(context.Background())
	assert.False(t, ok)

	claims := &Claims{Active: true, Subject: "user-1"}
	got, ok := ClaimsFromContext(WithClaims(context.Background(), claims))
	require.True(t, ok)
	assert.Same(t, claims, got)
}
