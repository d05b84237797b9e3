// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/lucas-1000/health-data-storage/pkg/authserver/storage"
	"github.com/lucas-1000/health-data-storage/pkg/logger"
)

// Server is the OAuth authorization server.
type Server interface {
	// Handler returns an http.Handler that serves every endpoint:
	//   - /oauth/authorize (Authorization endpoint)
	//   - /oauth/callback (Upstream IdP callback)
	//   - /oauth/token (Token endpoint)
	//   - /oauth/revoke (Token revocation, RFC 7009)
	//   - /oauth/introspect (Token introspection, RFC 7662)
	//   - /oauth/register (Dynamic Client Registration, RFC 7591)
	//   - /.well-known/oauth-authorization-server (RFC 8414 metadata)
	//   - /healthz (storage reachability)
	Handler() http.Handler

	// Close releases resources held by the server, including its storage.
	Close() error
}

// Option configures optional server behaviour.
type Option func(*serverOptions)

// WithMeterProvider records protocol metrics through mp.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *serverOptions) {
		o.meterProvider = mp
	}
}

// WithTracerProvider records spans through tp.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *serverOptions) {
		o.tracerProvider = tp
	}
}

// WithMiddleware wraps every endpoint with mw inside the router.
func WithMiddleware(mw ...func(http.Handler) http.Handler) Option {
	return func(o *serverOptions) {
		o.middlewares = append(o.middlewares, mw...)
	}
}

// New creates a new OAuth authorization server.
// The storage parameter is required and determines where clients, tokens and
// users are persisted. Static clients from cfg are provisioned into it before
// New returns.
func New(ctx context.Context, cfg Config, stor storage.Storage, opts ...Option) (Server, error) {
	logger.Debugw("creating new OAuth authorization server", "issuer", cfg.Issuer)
	return newServer(ctx, cfg, stor, opts...)
}
