// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package handlers implements the HTTP endpoints of the authorization server:
// authorize, the upstream callback, token, revoke, introspect, dynamic client
// registration, RFC 8414 metadata and a health probe.
//
// The handlers keep no state between requests. Everything that must survive
// the browser round-trip to the upstream provider travels inside a state
// token minted by the token store.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/time/rate"

	"github.com/lucas-1000/health-data-storage/pkg/authserver/server/registration"
	"github.com/lucas-1000/health-data-storage/pkg/authserver/server/tokens"
	"github.com/lucas-1000/health-data-storage/pkg/authserver/server/users"
	"github.com/lucas-1000/health-data-storage/pkg/authserver/upstream"
)

// Endpoint paths, relative to the issuer.
const (
	PathAuthorize  = "/oauth/authorize"
	PathCallback   = "/oauth/callback"
	PathToken      = "/oauth/token"
	PathRevoke     = "/oauth/revoke"
	PathIntrospect = "/oauth/introspect"
	PathRegister   = "/oauth/register"
	PathMetadata   = "/.well-known/oauth-authorization-server"
	PathHealth     = "/healthz"
)

// Defaults for the registration rate limit.
const (
	DefaultRegisterRate  = rate.Limit(1)
	DefaultRegisterBurst = 10
)

// maxFormBodySize bounds form-encoded request bodies.
const maxFormBodySize = 64 * 1024

// HealthChecker reports whether the backing store is reachable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Config holds the engine settings that are not collaborators.
type Config struct {
	// Issuer is the externally visible base URL, without a trailing slash.
	Issuer string

	// RegisterRate and RegisterBurst configure the token bucket guarding
	// dynamic client registration. A zero rate uses the defaults.
	RegisterRate  rate.Limit
	RegisterBurst int
}

// Handler provides HTTP handlers for the OAuth authorization server endpoints.
type Handler struct {
	issuer   string
	clients  *registration.Registry
	tokens   *tokens.Store
	users    *users.Directory
	upstream upstream.Provider
	health   HealthChecker
	limiter  *rate.Limiter
	metrics  *metrics
	tracer   trace.Tracer

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	middlewares    []func(http.Handler) http.Handler
}

// Option configures a Handler.
type Option func(*Handler)

// WithMeterProvider records protocol metrics through mp.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(h *Handler) {
		h.meterProvider = mp
	}
}

// WithTracerProvider records spans through tp.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(h *Handler) {
		h.tracerProvider = tp
	}
}

// WithMiddleware adds middleware to the router. It wraps every endpoint with
// chi's routing context in scope.
func WithMiddleware(mw ...func(http.Handler) http.Handler) Option {
	return func(h *Handler) {
		h.middlewares = append(h.middlewares, mw...)
	}
}

// NewHandler creates a new Handler with the given dependencies.
func NewHandler(
	cfg Config,
	clients *registration.Registry,
	tokenStore *tokens.Store,
	directory *users.Directory,
	idp upstream.Provider,
	health HealthChecker,
	opts ...Option,
) (*Handler, error) {
	switch {
	case cfg.Issuer == "":
		return nil, errors.New("issuer is required")
	case clients == nil || tokenStore == nil || directory == nil:
		return nil, errors.New("client registry, token store and user directory are required")
	case idp == nil:
		return nil, errors.New("upstream provider is required")
	}

	registerRate, registerBurst := cfg.RegisterRate, cfg.RegisterBurst
	if registerRate <= 0 {
		registerRate = DefaultRegisterRate
	}
	if registerBurst <= 0 {
		registerBurst = DefaultRegisterBurst
	}

	h := &Handler{
		issuer:   strings.TrimSuffix(cfg.Issuer, "/"),
		clients:  clients,
		tokens:   tokenStore,
		users:    directory,
		upstream: idp,
		health:   health,
		limiter:  rate.NewLimiter(registerRate, registerBurst),

		meterProvider:  metricnoop.NewMeterProvider(),
		tracerProvider: tracenoop.NewTracerProvider(),
	}
	for _, opt := range opts {
		opt(h)
	}

	m, err := newMetrics(h.meterProvider)
	if err != nil {
		return nil, err
	}
	h.metrics = m
	h.tracer = h.tracerProvider.Tracer(instrumentationName)
	return h, nil
}

// Routes returns a router with every endpoint registered.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Use(h.middlewares...)

	r.Get(PathAuthorize, h.AuthorizeHandler)
	r.Get(PathCallback, h.CallbackHandler)
	r.Post(PathToken, h.TokenHandler)
	r.Post(PathRevoke, h.RevokeHandler)
	r.Post(PathIntrospect, h.IntrospectHandler)
	r.Post(PathRegister, h.RegisterClientHandler)
	r.Get(PathMetadata, h.OAuthDiscoveryHandler)
	r.Get(PathHealth, h.HealthHandler)
	return r
}
