// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/lucas-1000/health-data-storage/pkg/authserver/server/handlers"
	"github.com/lucas-1000/health-data-storage/pkg/authserver/server/registration"
	"github.com/lucas-1000/health-data-storage/pkg/authserver/server/tokens"
	"github.com/lucas-1000/health-data-storage/pkg/authserver/server/users"
	"github.com/lucas-1000/health-data-storage/pkg/authserver/storage"
	"github.com/lucas-1000/health-data-storage/pkg/authserver/upstream"
	"github.com/lucas-1000/health-data-storage/pkg/logger"
)

// server is the internal implementation of the Server interface.
type server struct {
	handler http.Handler
	storage storage.Storage
}

// upstreamProviderFactory creates the upstream identity provider from
// configuration. This type enables dependency injection for testing.
type upstreamProviderFactory func(ctx context.Context, cfg *upstream.OIDCConfig) (upstream.Provider, error)

// serverOptions holds optional configuration for server creation.
type serverOptions struct {
	upstreamFactory upstreamProviderFactory
	registryOptions []registration.Option
	meterProvider   metric.MeterProvider
	tracerProvider  trace.TracerProvider
	middlewares     []func(http.Handler) http.Handler
}

// defaultUpstreamFactory creates the production OIDC provider, running
// discovery against the configured issuer.
func defaultUpstreamFactory(ctx context.Context, cfg *upstream.OIDCConfig) (upstream.Provider, error) {
	return upstream.NewOIDCProvider(ctx, cfg)
}

// withUpstreamFactory sets a custom upstream provider factory.
// This is intended for testing and is not part of the public API.
func withUpstreamFactory(factory upstreamProviderFactory) Option {
	return func(o *serverOptions) {
		o.upstreamFactory = factory
	}
}

// withRegistryOptions passes options through to the client registry.
// Tests use it to lower the bcrypt cost.
func withRegistryOptions(opts ...registration.Option) Option {
	return func(o *serverOptions) {
		o.registryOptions = append(o.registryOptions, opts...)
	}
}

// newServer creates a new OAuth authorization server.
// The opts parameter allows injecting dependencies for testing.
func newServer(ctx context.Context, cfg Config, stor storage.Storage, opts ...Option) (*server, error) {
	logger.Debugw("initializing OAuth authorization server")

	options := &serverOptions{
		upstreamFactory: defaultUpstreamFactory,
	}
	for _, opt := range opts {
		opt(options)
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, fmt.Errorf("failed to apply config defaults: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if stor == nil {
		return nil, errors.New("storage is required")
	}

	registry, err := registration.NewRegistry(stor, cfg.Scopes, options.registryOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client registry: %w", err)
	}
	tokenStore, err := tokens.NewStore(stor, []byte(cfg.HMACSecret), tokens.WithLifetimes(cfg.Lifetimes))
	if err != nil {
		return nil, fmt.Errorf("failed to create token store: %w", err)
	}
	directory := users.NewDirectory(stor)

	if err := provisionClients(ctx, registry, cfg.Clients); err != nil {
		return nil, err
	}

	logger.Debugw("creating upstream IDP provider", "issuer", cfg.Upstream.Issuer)
	idp, err := options.upstreamFactory(ctx, &cfg.Upstream)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream provider: %w", err)
	}

	var handlerOpts []handlers.Option
	if options.meterProvider != nil {
		handlerOpts = append(handlerOpts, handlers.WithMeterProvider(options.meterProvider))
	}
	if options.tracerProvider != nil {
		handlerOpts = append(handlerOpts, handlers.WithTracerProvider(options.tracerProvider))
	}
	if len(options.middlewares) > 0 {
		handlerOpts = append(handlerOpts, handlers.WithMiddleware(options.middlewares...))
	}

	handlerInstance, err := handlers.NewHandler(
		handlers.Config{
			Issuer:        cfg.Issuer,
			RegisterRate:  rate.Limit(cfg.RegisterRate),
			RegisterBurst: cfg.RegisterBurst,
		},
		registry,
		tokenStore,
		directory,
		idp,
		stor,
		handlerOpts...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create handlers: %w", err)
	}

	logger.Infow("OAuth authorization server initialized",
		"issuer", cfg.Issuer,
		"upstream", cfg.Upstream.Issuer,
		"staticClients", len(cfg.Clients),
	)

	return &server{
		handler: handlerInstance.Routes(),
		storage: stor,
	}, nil
}

// provisionClients creates every configured client that is not stored yet.
// An existing client is left untouched, so a changed secret in the
// configuration does not take effect for a client that is already stored.
func provisionClients(ctx context.Context, registry *registration.Registry, clients []ClientConfig) error {
	for _, c := range clients {
		_, err := registry.Create(ctx, registration.ClientSpec{
			ID:           c.ID,
			Secret:       c.Secret,
			Name:         c.Name,
			RedirectURIs: c.RedirectURIs,
			Scopes:       c.Scopes,
			GrantTypes:   c.GrantTypes,
		})
		switch {
		case errors.Is(err, storage.ErrAlreadyExists):
			logger.Debugw("static client already provisioned", "client_id", c.ID)
		case err != nil:
			return fmt.Errorf("failed to provision client %q: %w", c.ID, err)
		}
	}
	return nil
}

// Handler returns the HTTP handler that serves all OAuth endpoints.
func (s *server) Handler() http.Handler {
	return s.handler
}

// Close releases resources held by the server.
func (s *server) Close() error {
	logger.Debugw("closing OAuth authorization server")
	return s.storage.Close()
}
