// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/lucas-1000/health-data-storage/pkg/authserver"

var (
	attrOutcome   = attribute.Key("oauth.outcome")
	attrTokenKind = attribute.Key("oauth.token.kind")
	attrGrantType = attribute.Key("oauth.grant_type")
	attrErrorCode = attribute.Key("oauth.error")
	attrClientID  = attribute.Key("oauth.client_id")
)

type metrics struct {
	authorizeRequests metric.Int64Counter
	tokensIssued      metric.Int64Counter
	tokenErrors       metric.Int64Counter
	registrations     metric.Int64Counter
	revocations       metric.Int64Counter
}

func newMetrics(meterProvider metric.MeterProvider) (*metrics, error) {
	meter := meterProvider.Meter(instrumentationName)

	authorizeRequests, err := meter.Int64Counter(
		"hds_auth_authorize_requests",
		metric.WithDescription("Authorization requests by outcome"))
	if err != nil {
		return nil, fmt.Errorf("failed to create authorize requests counter: %w", err)
	}
	tokensIssued, err := meter.Int64Counter(
		"hds_auth_tokens_issued",
		metric.WithDescription("Tokens issued by kind"))
	if err != nil {
		return nil, fmt.Errorf("failed to create tokens issued counter: %w", err)
	}
	tokenErrors, err := meter.Int64Counter(
		"hds_auth_token_errors",
		metric.WithDescription("Token endpoint errors by OAuth error code"))
	if err != nil {
		return nil, fmt.Errorf("failed to create token errors counter: %w", err)
	}
	registrations, err := meter.Int64Counter(
		"hds_auth_client_registrations",
		metric.WithDescription("Dynamic client registrations by outcome"))
	if err != nil {
		return nil, fmt.Errorf("failed to create registrations counter: %w", err)
	}
	revocations, err := meter.Int64Counter(
		"hds_auth_revocations",
		metric.WithDescription("Token revocation requests"))
	if err != nil {
		return nil, fmt.Errorf("failed to create revocations counter: %w", err)
	}

	return &metrics{
		authorizeRequests: authorizeRequests,
		tokensIssued:      tokensIssued,
		tokenErrors:       tokenErrors,
		registrations:     registrations,
		revocations:       revocations,
	}, nil
}

func (m *metrics) authorize(ctx context.Context, outcome string) {
	m.authorizeRequests.Add(ctx, 1, metric.WithAttributes(attrOutcome.String(outcome)))
}

func (m *metrics) issued(ctx context.Context, kind string) {
	m.tokensIssued.Add(ctx, 1, metric.WithAttributes(attrTokenKind.String(kind)))
}

func (m *metrics) tokenError(ctx context.Context, grantType, code string) {
	m.tokenErrors.Add(ctx, 1, metric.WithAttributes(attrGrantType.String(grantType), attrErrorCode.String(code)))
}

func (m *metrics) registration(ctx context.Context, outcome string) {
	m.registrations.Add(ctx, 1, metric.WithAttributes(attrOutcome.String(outcome)))
}

func (m *metrics) revocation(ctx context.Context) {
	m.revocations.Add(ctx, 1)
}
