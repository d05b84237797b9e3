// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/lucas-1000/health-data-storage/pkg/authserver/server"
	"github.com/lucas-1000/health-data-storage/pkg/authserver/server/registration"
	"github.com/lucas-1000/health-data-storage/pkg/authserver/server/tokens"
	"github.com/lucas-1000/health-data-storage/pkg/authserver/server/users"
	"github.com/lucas-1000/health-data-storage/pkg/authserver/storage"
	"github.com/lucas-1000/health-data-storage/pkg/authserver/upstream"
)

const (
	testIssuer       = "https://auth.example"
	testRedirectURI  = "https://a.example/cb"
	testUpstreamURL  = "https://idp.example/authorize"
	testUpstreamCode = "upstream-code"
	testClientState  = "client-state-xyz"
	testSubject      = "u1"
)

var (
	testSecret        = []byte("0123456789abcdef0123456789abcdef")
	testAllowedScopes = []string{"read:food", "write:food", "read:health", "write:health"}
)

// fakeUpstream implements upstream.Provider for testing.
type fakeUpstream struct {
	mu sync.Mutex

	authURLErr  error
	identity    *upstream.Identity
	exchangeErr error

	capturedState         string
	capturedCodeChallenge string
	capturedNonce         string
	capturedCode          string
	capturedCodeVerifier  string
	capturedExchangeNonce string
	exchanges             int
}

func (f *fakeUpstream) AuthorizationURL(state, codeChallenge, nonce string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.capturedState = state
	f.capturedCodeChallenge = codeChallenge
	f.capturedNonce = nonce
	if f.authURLErr != nil {
		return "", f.authURLErr
	}
	q := url.Values{
		"state":          {state},
		"code_challenge": {codeChallenge},
		"nonce":          {nonce},
	}
	return testUpstreamURL + "?" + q.Encode(), nil
}

func (f *fakeUpstream) ExchangeCodeForIdentity(_ context.Context, code, codeVerifier, nonce string) (*upstream.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.capturedCode = code
	f.capturedCodeVerifier = codeVerifier
	f.capturedExchangeNonce = nonce
	f.exchanges++
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	identity := *f.identity
	return &identity, nil
}

func (f *fakeUpstream) setIdentity(identity *upstream.Identity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.identity = identity
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// failingHealth implements HealthChecker with a fixed error.
type failingHealth struct{ err error }

func (f failingHealth) Health(context.Context) error { return f.err }

type testEnv struct {
	handler  *Handler
	router   http.Handler
	storage  *storage.MemoryStorage
	registry *registration.Registry
	tokens   *tokens.Store
	users    *users.Directory
	upstream *fakeUpstream
	clock    *testClock

	// client is registered for testRedirectURI with read:food and write:food.
	client *registration.Credentials
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	return newTestEnvWithConfig(t, Config{Issuer: testIssuer}, opts...)
}

func newTestEnvWithConfig(t *testing.T, cfg Config, opts ...Option) *testEnv {
	t.Helper()

	stor := storage.NewMemoryStorage()
	t.Cleanup(func() { _ = stor.Close() })

	clock := &testClock{now: time.Now()}

	registry, err := registration.NewRegistry(stor, testAllowedScopes, registration.WithBcryptCost(bcrypt.MinCost))
	require.NoError(t, err)

	tokenStore, err := tokens.NewStore(stor, testSecret, tokens.WithClock(clock.Now))
	require.NoError(t, err)

	directory := users.NewDirectory(stor)
	idp := &fakeUpstream{identity: &upstream.Identity{
		Subject: testSubject,
		Email:   "u1@example.com",
		Name:    "User One",
	}}

	h, err := NewHandler(cfg, registry, tokenStore, directory, idp, stor, opts...)
	require.NoError(t, err)

	env := &testEnv{
		handler:  h,
		router:   h.Routes(),
		storage:  stor,
		registry: registry,
		tokens:   tokenStore,
		users:    directory,
		upstream: idp,
		clock:    clock,
	}
	env.client = env.newClient(t, registration.ClientSpec{
		Name:         "test client",
		RedirectURIs: []string{testRedirectURI},
		Scopes:       []string{"read:food", "write:food"},
	})
	return env
}

func (e *testEnv) newClient(t *testing.T, spec registration.ClientSpec) *registration.Credentials {
	t.Helper()
	creds, err := e.registry.Create(context.Background(), spec)
	require.NoError(t, err)
	return creds
}

func registrationSpec(redirectURIs ...string) registration.ClientSpec {
	return registration.ClientSpec{
		Name:         "other client",
		RedirectURIs: redirectURIs,
		Scopes:       []string{"read:food", "write:food"},
	}
}

func (e *testEnv) serve(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) get(path string, query url.Values) *httptest.ResponseRecorder {
	target := path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	return e.serve(httptest.NewRequest(http.MethodGet, target, nil))
}

// postForm posts form to path, authenticating with HTTP Basic when clientID
// is not empty.
func (e *testEnv) postForm(path string, form url.Values, clientID, secret string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if clientID != "" {
		req.SetBasicAuth(url.QueryEscape(clientID), url.QueryEscape(secret))
	}
	return e.serve(req)
}

// authorizeParams returns a valid authorization request for e.client.
func (e *testEnv) authorizeParams() url.Values {
	return url.Values{
		server.ParamClientID:     {e.client.Client.ID},
		server.ParamRedirectURI:  {testRedirectURI},
		server.ParamResponseType: {server.ResponseTypeCode},
		server.ParamScope:        {"read:food write:food"},
		server.ParamState:        {testClientState},
	}
}

// startAuthorization runs the authorize step and returns the state token
// sent to the upstream provider.
func (e *testEnv) startAuthorization(t *testing.T, params url.Values) string {
	t.Helper()
	rec := e.get(PathAuthorize, params)
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())

	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	state := location.Query().Get("state")
	require.NotEmpty(t, state)
	return state
}

func (e *testEnv) callback(stateToken string) *httptest.ResponseRecorder {
	return e.get(PathCallback, url.Values{
		server.ParamState: {stateToken},
		server.ParamCode:  {testUpstreamCode},
	})
}

// authorizationCode runs authorize and callback and returns the code
// delivered to the client's redirect URI.
func (e *testEnv) authorizationCode(t *testing.T, params url.Values) string {
	t.Helper()
	rec := e.callback(e.startAuthorization(t, params))
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())

	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	code := location.Query().Get(server.ParamCode)
	require.NotEmpty(t, code)
	return code
}

func (e *testEnv) exchangeCode(code string, creds *registration.Credentials) *httptest.ResponseRecorder {
	return e.postForm(PathToken, url.Values{
		server.ParamGrantType:   {server.GrantTypeAuthorizationCode},
		server.ParamCode:        {code},
		server.ParamRedirectURI: {testRedirectURI},
	}, creds.Client.ID, creds.Secret)
}

func (e *testEnv) refresh(refreshToken string, creds *registration.Credentials) *httptest.ResponseRecorder {
	return e.postForm(PathToken, url.Values{
		server.ParamGrantType:    {server.GrantTypeRefreshToken},
		server.ParamRefreshToken: {refreshToken},
	}, creds.Client.ID, creds.Secret)
}

// issueTokens runs the whole flow for e.client and returns the token response.
func (e *testEnv) issueTokens(t *testing.T) TokenResponse {
	t.Helper()
	rec := e.exchangeCode(e.authorizationCode(t, e.authorizeParams()), e.client)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decodeJSON[TokenResponse](t, rec)
}

func (e *testEnv) introspect(t *testing.T, token string) IntrospectionResponse {
	t.Helper()
	rec := e.postForm(PathIntrospect, url.Values{server.ParamToken: {token}}, "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decodeJSON[IntrospectionResponse](t, rec)
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) server.ErrorResponse {
	t.Helper()
	return decodeJSON[server.ErrorResponse](t, rec)
}
