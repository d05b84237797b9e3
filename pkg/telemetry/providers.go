// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/lucas-1000/health-data-storage/pkg/logger"
)

// shutdownTimeout bounds how long Shutdown waits for exporters to flush.
const shutdownTimeout = 5 * time.Second

// Providers holds the tracer and meter providers built from a Config.
type Providers struct {
	tracerProvider    trace.TracerProvider
	meterProvider     metric.MeterProvider
	prometheusHandler http.Handler
	shutdownFuncs     []func(context.Context) error
}

// NewProviders builds the providers described by config and installs them as
// the global OpenTelemetry providers. With no OTLP endpoint and no Prometheus
// path the returned providers are no-ops.
func NewProviders(ctx context.Context, config Config) (*Providers, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}

	p := &Providers{
		tracerProvider: tracenoop.NewTracerProvider(),
		meterProvider:  metricnoop.NewMeterProvider(),
	}

	if !config.otlpTracing() && !config.otlpMetrics() && !config.EnablePrometheusMetricsPath {
		logger.Infow("no telemetry configured, using no-op providers")
		return p, nil
	}

	attrs := append([]attribute.KeyValue{
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
	}, ConvertMapToAttributes(config.CustomAttributes)...)
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("failed to create telemetry resource: %w", err)
	}

	var readers []sdkmetric.Option
	if config.EnablePrometheusMetricsPath {
		reader, handler, err := NewPrometheusReader(config.IncludeRuntimeMetrics)
		if err != nil {
			return nil, err
		}
		readers = append(readers, sdkmetric.WithReader(reader))
		p.prometheusHandler = handler
	}
	if config.otlpMetrics() {
		reader, err := newOTLPMetricReader(ctx, config)
		if err != nil {
			return nil, err
		}
		readers = append(readers, sdkmetric.WithReader(reader))
	}
	if len(readers) > 0 {
		mp := sdkmetric.NewMeterProvider(append(readers, sdkmetric.WithResource(res))...)
		p.meterProvider = mp
		p.shutdownFuncs = append(p.shutdownFuncs, mp.Shutdown)
	}

	if config.otlpTracing() {
		tp, err := newOTLPTracerProvider(ctx, config, res)
		if err != nil {
			_ = p.Shutdown(ctx)
			return nil, err
		}
		p.tracerProvider = tp
		p.shutdownFuncs = append(p.shutdownFuncs, tp.Shutdown)
	}

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetMeterProvider(p.meterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Infow("telemetry providers created",
		"otlp_endpoint", config.Endpoint,
		"otlp_tracing", config.otlpTracing(),
		"otlp_metrics", config.otlpMetrics(),
		"prometheus", config.EnablePrometheusMetricsPath,
	)
	return p, nil
}

// TracerProvider returns the tracer provider.
func (p *Providers) TracerProvider() trace.TracerProvider {
	return p.tracerProvider
}

// MeterProvider returns the meter provider.
func (p *Providers) MeterProvider() metric.MeterProvider {
	return p.meterProvider
}

// PrometheusHandler returns the /metrics handler, or nil when the Prometheus
// path is disabled.
func (p *Providers) PrometheusHandler() http.Handler {
	return p.prometheusHandler
}

// Shutdown flushes and stops every provider.
func (p *Providers) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	var errs []error
	for _, shutdown := range p.shutdownFuncs {
		if err := shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("telemetry shutdown failed: %w", err)
	}
	return nil
}
