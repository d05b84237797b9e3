// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package telemetry builds the OpenTelemetry tracer and meter providers for
// the authorization server: OTLP export over HTTP, a Prometheus /metrics
// handler, and an HTTP middleware recording request spans and metrics.
package telemetry

import (
	"errors"
	"fmt"
)

// DefaultServiceName identifies the authorization server in telemetry data.
const DefaultServiceName = "hds-auth"

// Config holds the telemetry configuration.
type Config struct {
	// ServiceName and ServiceVersion become resource attributes on every
	// span and metric.
	ServiceName    string `json:"service_name,omitempty" yaml:"service_name,omitempty" toml:"service_name,omitempty" mapstructure:"service_name"`
	ServiceVersion string `json:"service_version,omitempty" yaml:"service_version,omitempty" toml:"service_version,omitempty" mapstructure:"service_version"`

	// Endpoint is the OTLP/HTTP collector endpoint, e.g. "localhost:4318".
	// When empty nothing is exported over OTLP.
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty" toml:"endpoint,omitempty" mapstructure:"endpoint"`

	// Headers are sent with every OTLP request.
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty" toml:"headers,omitempty" mapstructure:"headers"`

	// Insecure sends OTLP data over plain HTTP.
	Insecure bool `json:"insecure,omitempty" yaml:"insecure,omitempty" toml:"insecure,omitempty" mapstructure:"insecure"`

	// TracingEnabled and MetricsEnabled switch OTLP export per signal.
	TracingEnabled bool `json:"tracing_enabled,omitempty" yaml:"tracing_enabled,omitempty" toml:"tracing_enabled,omitempty" mapstructure:"tracing_enabled"`
	MetricsEnabled bool `json:"metrics_enabled,omitempty" yaml:"metrics_enabled,omitempty" toml:"metrics_enabled,omitempty" mapstructure:"metrics_enabled"`

	// SamplingRate is the fraction of traces kept, between 0 and 1.
	SamplingRate float64 `json:"sampling_rate,omitempty" yaml:"sampling_rate,omitempty" toml:"sampling_rate,omitempty" mapstructure:"sampling_rate"`

	// EnablePrometheusMetricsPath exposes metrics through PrometheusHandler.
	// This is independent of OTLP metric export.
	EnablePrometheusMetricsPath bool `json:"enable_prometheus_metrics_path,omitempty" yaml:"enable_prometheus_metrics_path,omitempty" toml:"enable_prometheus_metrics_path,omitempty" mapstructure:"enable_prometheus_metrics_path"`

	// IncludeRuntimeMetrics adds Go runtime and process collectors to the
	// Prometheus registry.
	IncludeRuntimeMetrics bool `json:"include_runtime_metrics,omitempty" yaml:"include_runtime_metrics,omitempty" toml:"include_runtime_metrics,omitempty" mapstructure:"include_runtime_metrics"`

	// CustomAttributes are added to the telemetry resource.
	CustomAttributes map[string]string `json:"custom_attributes,omitempty" yaml:"custom_attributes,omitempty" toml:"custom_attributes,omitempty" mapstructure:"custom_attributes"`
}

// DefaultConfig returns a configuration that exposes Prometheus metrics and
// exports nothing over OTLP.
func DefaultConfig() Config {
	return Config{
		ServiceName:                 DefaultServiceName,
		TracingEnabled:              true,
		MetricsEnabled:              true,
		SamplingRate:                0.05,
		EnablePrometheusMetricsPath: true,
		IncludeRuntimeMetrics:       true,
	}
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return errors.New("service name is required")
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return fmt.Errorf("sampling rate must be between 0 and 1, got %v", c.SamplingRate)
	}
	if c.IncludeRuntimeMetrics && !c.EnablePrometheusMetricsPath {
		return errors.New("runtime metrics require the Prometheus metrics path")
	}
	return nil
}

// otlpTracing reports whether spans are exported.
func (c *Config) otlpTracing() bool {
	return c.Endpoint != "" && c.TracingEnabled
}

// otlpMetrics reports whether metrics are exported over OTLP.
func (c *Config) otlpMetrics() bool {
	return c.Endpoint != "" && c.MetricsEnabled
}
