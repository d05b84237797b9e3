// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package introspection

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/lucas-1000/health-data-storage/pkg/authserver/storage"
	"github.com/lucas-1000/health-data-storage/pkg/logger"
)

const (
	// APIKeyHeader carries a first-party API key.
	APIKeyHeader = "X-API-Key"

	// TokenTypeAPIKey is the token type reported for API key principals.
	TokenTypeAPIKey = "api_key"

	defaultRealm = "hds"
	bearerPrefix = "Bearer "
)

// APIKeyAuthenticator resolves an API key to its owning user.
type APIKeyAuthenticator interface {
	AuthenticateAPIKey(ctx context.Context, key string) (*storage.User, error)
}

// claimsContextKey is the context key for the authenticated claims.
type claimsContextKey struct{}

// ClaimsFromContext returns the claims stored by Middleware.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey{}).(*Claims)
	return claims, ok && claims != nil
}

// WithClaims returns a copy of ctx carrying claims.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

// MiddlewareOption configures Middleware.
type MiddlewareOption func(*middlewareConfig)

type middlewareConfig struct {
	requiredScope string
	apiKeys       APIKeyAuthenticator
	realm         string
}

// WithRequiredScope rejects bearer tokens that were not granted scope.
func WithRequiredScope(scope string) MiddlewareOption {
	return func(c *middlewareConfig) {
		c.requiredScope = scope
	}
}

// WithAPIKeyAuthenticator accepts X-API-Key credentials. API key principals
// are first-party and are not subject to the scope check.
func WithAPIKeyAuthenticator(a APIKeyAuthenticator) MiddlewareOption {
	return func(c *middlewareConfig) {
		c.apiKeys = a
	}
}

// WithRealm sets the realm reported in WWW-Authenticate challenges.
func WithRealm(realm string) MiddlewareOption {
	return func(c *middlewareConfig) {
		c.realm = realm
	}
}

// Middleware authenticates requests with a bearer token checked through
// introspector, or with an API key when an authenticator is configured.
// Authenticated claims are available through ClaimsFromContext.
func Middleware(introspector Introspector, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	cfg := &middlewareConfig{realm: defaultRealm}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			if key := r.Header.Get(APIKeyHeader); key != "" && cfg.apiKeys != nil {
				user, err := cfg.apiKeys.AuthenticateAPIKey(ctx, key)
				if err != nil {
					logger.Debugw("API key rejected", "error", err)
					cfg.challenge(w, http.StatusUnauthorized, "invalid_token", "invalid API key")
					return
				}
				claims := &Claims{Active: true, Subject: user.ID, TokenType: TokenTypeAPIKey}
				next.ServeHTTP(w, r.WithContext(WithClaims(ctx, claims)))
				return
			}

			token, ok := bearerToken(r)
			if !ok {
				cfg.challenge(w, http.StatusUnauthorized, "", "")
				return
			}

			claims, err := introspector.Introspect(ctx, token)
			switch {
			case errors.Is(err, ErrInactive):
				cfg.challenge(w, http.StatusUnauthorized, "invalid_token", "token is not active")
				return
			case err != nil:
				logger.Warnw("token introspection failed", "error", err)
				http.Error(w, "authorization service unavailable", http.StatusServiceUnavailable)
				return
			}

			if cfg.requiredScope != "" && !claims.HasScope(cfg.requiredScope) {
				cfg.challenge(w, http.StatusForbidden, "insufficient_scope",
					fmt.Sprintf("scope %s is required", cfg.requiredScope))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(ctx, claims)))
		})
	}
}

// bearerToken extracts the token from a Bearer Authorization header.
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if len(header) < len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(bearerPrefix):])
	return token, token != ""
}

func (c *middlewareConfig) challenge(w http.ResponseWriter, status int, code, description string) {
	parts := []string{fmt.Sprintf("realm=%q", c.realm)}
	if code != "" {
		parts = append(parts, fmt.Sprintf("error=%q", code))
	}
	if description != "" {
		parts = append(parts, fmt.Sprintf("error_description=%q", description))
	}
	if c.requiredScope != "" {
		parts = append(parts, fmt.Sprintf("scope=%q", c.requiredScope))
	}
	w.Header().Set("WWW-Authenticate", "Bearer "+strings.Join(parts, ", "))
	http.Error(w, http.StatusText(status), status)
}
