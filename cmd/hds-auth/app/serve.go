// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lucas-1000/health-data-storage/pkg/authserver"
	"github.com/lucas-1000/health-data-storage/pkg/logger"
	"github.com/lucas-1000/health-data-storage/pkg/telemetry"
)

const (
	// readHeaderTimeout limits time spent reading request headers.
	readHeaderTimeout = 10 * time.Second

	// shutdownTimeout bounds graceful shutdown of each listener.
	shutdownTimeout = 15 * time.Second
)

// newServeCmd creates the serve command for starting the authorization server
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the authorization server",
		Long: `Start the OAuth 2.0 authorization server.

The OAuth endpoints are served on listen_address. When Prometheus metrics are
enabled, /metrics is served on metrics_address, a separate listener so it can
stay private. Static clients from the configuration are provisioned before
the server starts accepting requests.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := loadCommandConfig(cmd)
	if err != nil {
		return err
	}

	providers, err := telemetry.NewProviders(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to create telemetry providers: %w", err)
	}
	defer func() {
		if err := providers.Shutdown(context.Background()); err != nil {
			logger.Warnw("telemetry shutdown failed", "error", err)
		}
	}()

	httpMetrics, err := telemetry.NewHTTPMiddleware(providers.TracerProvider(), providers.MeterProvider())
	if err != nil {
		return fmt.Errorf("failed to create telemetry middleware: %w", err)
	}

	stor, err := openStorage(ctx, &cfg.Storage)
	if err != nil {
		return err
	}

	srv, err := authserver.New(ctx, cfg.Config, stor,
		authserver.WithMeterProvider(providers.MeterProvider()),
		authserver.WithTracerProvider(providers.TracerProvider()),
		authserver.WithMiddleware(httpMetrics.Handler),
	)
	if err != nil {
		_ = stor.Close()
		return fmt.Errorf("failed to create authorization server: %w", err)
	}
	defer func() {
		if err := srv.Close(); err != nil {
			logger.Warnw("failed to close authorization server", "error", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return listenAndServe(gctx, "api", cfg.ListenAddress, srv.Handler())
	})
	if handler := providers.PrometheusHandler(); handler != nil && cfg.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", handler)
		g.Go(func() error {
			return listenAndServe(gctx, "metrics", cfg.MetricsAddress, mux)
		})
	}
	return g.Wait()
}

func listenAndServe(ctx context.Context, name, address string, handler http.Handler) error {
	listener, err := (&net.ListenConfig{}).Listen(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s for %s server: %w", address, name, err)
	}
	return serve(ctx, name, listener, handler)
}

// serve runs an HTTP server on listener until ctx is canceled, then shuts it
// down gracefully.
func serve(ctx context.Context, name string, listener net.Listener, handler http.Handler) error {
	srv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(listener)
	}()
	logger.Infow("server started", "server", name, "address", listener.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%s server stopped with error: %w", name, err)
	case <-ctx.Done():
	}

	// ctx is already canceled; shutdown gets its own deadline.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("%s server shutdown failed: %w", name, err)
	}
	logger.Infow("server stopped", "server", name)
	return nil
}
