// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testClientID     = "hds-test-client"
	testClientSecret = "hds-test-secret"
	testRedirectURI  = "http://localhost:8080/oauth/callback"
	testKeyID        = "test-key-1"
)

// testIdP is a minimal OpenID provider signing ID tokens with go-jose.
type testIdP struct {
	*httptest.Server
	t   *testing.T
	key *rsa.PrivateKey

	mu                sync.Mutex
	idTokenClaims     map[string]any
	omitIDToken       bool
	userInfo          map[string]any
	tokenStatus       int
	signingKey        *rsa.PrivateKey
	lastForm          url.Values
	discoveryFails    int32
	discoveryHits     atomic.Int32
	advertiseUserInfo bool
}

func newTestIdP(t *testing.T) *testIdP {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	idp := &testIdP{t: t, key: key, signingKey: key, tokenStatus: http.StatusOK, advertiseUserInfo: true}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", idp.handleDiscovery)
	mux.HandleFunc("/jwks", idp.handleJWKS)
	mux.HandleFunc("/token", idp.handleToken)
	mux.HandleFunc("/userinfo", idp.handleUserInfo)
	idp.Server = httptest.NewServer(mux)
	t.Cleanup(idp.Close)

	idp.idTokenClaims = map[string]any{
		"sub":     "u1",
		"email":   "u1@example.com",
		"name":    "User One",
		"picture": "https://img.example/u1.png",
	}
	return idp
}

func (idp *testIdP) setClaims(claims map[string]any) {
	idp.mu.Lock()
	defer idp.mu.Unlock()
	idp.idTokenClaims = claims
}

func (idp *testIdP) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	if idp.discoveryHits.Add(1) <= atomic.LoadInt32(&idp.discoveryFails) {
		http.Error(w, "warming up", http.StatusServiceUnavailable)
		return
	}
	doc := map[string]any{
		"issuer":                                idp.URL,
		"authorization_endpoint":                idp.URL + "/authorize",
		"token_endpoint":                        idp.URL + "/token",
		"jwks_uri":                              idp.URL + "/jwks",
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"code_challenge_methods_supported":      []string{"S256"},
	}
	if idp.advertiseUserInfo {
		doc["userinfo_endpoint"] = idp.URL + "/userinfo"
	}
	writeJSON(w, doc)
}

func (idp *testIdP) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &idp.key.PublicKey,
		KeyID:     testKeyID,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}})
}

func (idp *testIdP) handleToken(w http.ResponseWriter, r *http.Request) {
	require.NoError(idp.t, r.ParseForm())

	idp.mu.Lock()
	defer idp.mu.Unlock()
	idp.lastForm = r.PostForm

	if idp.tokenStatus != http.StatusOK {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(idp.tokenStatus)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
		return
	}

	resp := map[string]any{
		"access_token": "upstream-access-token",
		"token_type":   "Bearer",
		"expires_in":   3600,
	}
	if !idp.omitIDToken {
		resp["id_token"] = idp.signIDToken(idp.idTokenClaims)
	}
	writeJSON(w, resp)
}

func (idp *testIdP) signIDToken(extra map[string]any) string {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: idp.signingKey},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", testKeyID),
	)
	require.NoError(idp.t, err)

	now := time.Now()
	claims := map[string]any{
		"iss": idp.URL,
		"aud": testClientID,
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	}
	for k, v := range extra {
		claims[k] = v
	}
	raw, err := jwt.Signed(signer).Claims(claims).Serialize()
	require.NoError(idp.t, err)
	return raw
}

func (idp *testIdP) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer upstream-access-token" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	idp.mu.Lock()
	defer idp.mu.Unlock()
	writeJSON(w, idp.userInfo)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (idp *testIdP) config() *OIDCConfig {
	return &OIDCConfig{
		Issuer:       idp.URL,
		ClientID:     testClientID,
		ClientSecret: testClientSecret,
		RedirectURI:  testRedirectURI,
	}
}

func (idp *testIdP) provider(t *testing.T) *OIDCProvider {
	t.Helper()
	p, err := NewOIDCProvider(context.Background(), idp.config(),
		WithHTTPClient(idp.Client()),
		WithDiscoveryRetry(3, time.Millisecond))
	require.NoError(t, err)
	return p
}

func TestOIDCConfigValidate(t *testing.T) {
	t.Parallel()

	valid := OIDCConfig{
		Issuer:      "https://accounts.example.com",
		ClientID:    "id",
		RedirectURI: "https://auth.example.com/oauth/callback",
	}

	tests := []struct {
		name    string
		mutate  func(c *OIDCConfig)
		wantErr string
	}{
		{name: "valid", mutate: func(*OIDCConfig) {}},
		{name: "missing issuer", mutate: func(c *OIDCConfig) { c.Issuer = "" }, wantErr: "issuer is required"},
		{name: "plain http issuer", mutate: func(c *OIDCConfig) { c.Issuer = "http://accounts.example.com" }, wantErr: "invalid issuer"},
		{name: "localhost http issuer", mutate: func(c *OIDCConfig) { c.Issuer = "http://localhost:9000" }},
		{name: "missing client id", mutate: func(c *OIDCConfig) { c.ClientID = "" }, wantErr: "client_id"},
		{name: "missing redirect", mutate: func(c *OIDCConfig) { c.RedirectURI = "" }, wantErr: "redirect_uri"},
		{name: "relative redirect", mutate: func(c *OIDCConfig) { c.RedirectURI = "/cb" }, wantErr: "invalid redirect_uri"},
		{name: "scopes without openid", mutate: func(c *OIDCConfig) { c.Scopes = []string{"email"} }, wantErr: "openid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := valid
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewOIDCProviderDiscovery(t *testing.T) {
	t.Parallel()

	t.Run("retries until discovery succeeds", func(t *testing.T) {
		t.Parallel()
		idp := newTestIdP(t)
		atomic.StoreInt32(&idp.discoveryFails, 2)

		_ = idp.provider(t)
		assert.Equal(t, int32(3), idp.discoveryHits.Load())
	})

	t.Run("gives up after max tries", func(t *testing.T) {
		t.Parallel()
		idp := newTestIdP(t)
		atomic.StoreInt32(&idp.discoveryFails, 100)

		_, err := NewOIDCProvider(context.Background(), idp.config(),
			WithHTTPClient(idp.Client()),
			WithDiscoveryRetry(2, time.Millisecond))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to discover")
		assert.Equal(t, int32(2), idp.discoveryHits.Load())
	})

	t.Run("rejects invalid config before any request", func(t *testing.T) {
		t.Parallel()
		_, err := NewOIDCProvider(context.Background(), &OIDCConfig{})
		require.Error(t, err)
		_, err = NewOIDCProvider(context.Background(), nil)
		require.Error(t, err)
	})
}

func TestAuthorizationURL(t *testing.T) {
	t.Parallel()
	idp := newTestIdP(t)
	p := idp.provider(t)

	raw, err := p.AuthorizationURL("opaque-state", "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM", "nonce-1")
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, idp.URL+"/authorize", u.Scheme+"://"+u.Host+u.Path)

	q := u.Query()
	assert.Equal(t, testClientID, q.Get("client_id"))
	assert.Equal(t, testRedirectURI, q.Get("redirect_uri"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "opaque-state", q.Get("state"))
	assert.Equal(t, "openid profile email", q.Get("scope"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Equal(t, "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM", q.Get("code_challenge"))
	assert.Equal(t, "nonce-1", q.Get("nonce"))

	_, err = p.AuthorizationURL("", "", "")
	require.Error(t, err)
}

func TestExchangeCodeForIdentity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("verified identity", func(t *testing.T) {
		t.Parallel()
		idp := newTestIdP(t)
		idp.setClaims(map[string]any{
			"sub": "u1", "nonce": "n1", "email": "u1@example.com",
			"name": "User One", "picture": "https://img.example/u1.png",
		})
		p := idp.provider(t)

		identity, err := p.ExchangeCodeForIdentity(ctx, "upstream-code", "verifier-123", "n1")
		require.NoError(t, err)
		assert.Equal(t, &Identity{
			Subject: "u1",
			Email:   "u1@example.com",
			Name:    "User One",
			Picture: "https://img.example/u1.png",
		}, identity)

		idp.mu.Lock()
		defer idp.mu.Unlock()
		assert.Equal(t, "upstream-code", idp.lastForm.Get("code"))
		assert.Equal(t, "verifier-123", idp.lastForm.Get("code_verifier"))
		assert.Equal(t, testClientID, idp.lastForm.Get("client_id"))
	})

	t.Run("userinfo fills missing profile fields", func(t *testing.T) {
		t.Parallel()
		idp := newTestIdP(t)
		idp.setClaims(map[string]any{"sub": "u1", "nonce": "n1"})
		idp.userInfo = map[string]any{"sub": "u1", "email": "u1@example.com", "name": "From UserInfo", "picture": "p.png"}
		p := idp.provider(t)

		identity, err := p.ExchangeCodeForIdentity(ctx, "code", "", "n1")
		require.NoError(t, err)
		assert.Equal(t, "u1@example.com", identity.Email)
		assert.Equal(t, "From UserInfo", identity.Name)
		assert.Equal(t, "p.png", identity.Picture)
	})

	t.Run("no userinfo endpoint keeps id token claims", func(t *testing.T) {
		t.Parallel()
		idp := newTestIdP(t)
		idp.advertiseUserInfo = false
		idp.setClaims(map[string]any{"sub": "u1"})
		p := idp.provider(t)

		identity, err := p.ExchangeCodeForIdentity(ctx, "code", "", "")
		require.NoError(t, err)
		assert.Equal(t, "u1", identity.Subject)
		assert.Empty(t, identity.Email)
	})

	failures := []struct {
		name    string
		setup   func(idp *testIdP)
		nonce   string
		wantErr error
	}{
		{
			name:    "nonce mismatch",
			setup:   func(idp *testIdP) { idp.setClaims(map[string]any{"sub": "u1", "nonce": "other"}) },
			nonce:   "n1",
			wantErr: ErrNonceMismatch,
		},
		{
			name:    "nonce missing",
			setup:   func(idp *testIdP) { idp.setClaims(map[string]any{"sub": "u1", "email": "e", "name": "n", "picture": "p"}) },
			nonce:   "n1",
			wantErr: ErrNonceMissing,
		},
		{
			name:  "wrong audience",
			setup: func(idp *testIdP) { idp.setClaims(map[string]any{"sub": "u1", "aud": "someone-else"}) },
		},
		{
			name:  "expired id token",
			setup: func(idp *testIdP) { idp.setClaims(map[string]any{"sub": "u1", "exp": time.Now().Add(-time.Hour).Unix()}) },
		},
		{
			name: "signed by unknown key",
			setup: func(idp *testIdP) {
				other, err := rsa.GenerateKey(rand.Reader, 2048)
				require.NoError(idp.t, err)
				idp.signingKey = other
			},
		},
		{
			name:  "no id token",
			setup: func(idp *testIdP) { idp.omitIDToken = true },
		},
		{
			name:  "token endpoint rejects code",
			setup: func(idp *testIdP) { idp.tokenStatus = http.StatusBadRequest },
		},
		{
			name: "userinfo subject mismatch",
			setup: func(idp *testIdP) {
				idp.setClaims(map[string]any{"sub": "u1"})
				idp.userInfo = map[string]any{"sub": "attacker", "email": "a@example.com"}
			},
			wantErr: ErrUserInfoSubjectMismatch,
		},
	}
	for _, tt := range failures {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			idp := newTestIdP(t)
			tt.setup(idp)
			p := idp.provider(t)

			identity, err := p.ExchangeCodeForIdentity(ctx, "code", "", tt.nonce)
			require.ErrorIs(t, err, ErrIdentityResolutionFailed)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			}
			assert.Nil(t, identity)
		})
	}
}

func TestValidateEndpointOrigin(t *testing.T) {
	t.Parallel()

	require.NoError(t, validateEndpointOrigin("https://oauth2.example.net/token", "https://accounts.example.com"))
	require.Error(t, validateEndpointOrigin("http://accounts.example.com/token", "https://accounts.example.com"))
	require.NoError(t, validateEndpointOrigin("http://127.0.0.1:9000/token", "http://localhost:9000"))
	require.Error(t, validateEndpointOrigin("https://evil.example/token", "http://localhost:9000"))

	require.Error(t, validateDiscoveryDocument(&discoveryDocument{AuthorizationEndpoint: "https://a/x"}, "https://a"))
}
