// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package introspection lets a resource API validate bearer tokens issued by
// the authorization server through its RFC 7662 introspection endpoint.
package introspection

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/lucas-1000/health-data-storage/pkg/logger"
	"github.com/lucas-1000/health-data-storage/pkg/networking"
)

const (
	// maxResponseSize caps the introspection response body (64KB).
	maxResponseSize = 64 * 1024

	// defaultTimeout bounds a single introspection call.
	defaultTimeout = 10 * time.Second
)

// ErrInactive is returned when the server reports the token as inactive.
var ErrInactive = errors.New("token is not active")

// Claims is the introspection result for an active token.
type Claims struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Subject   string `json:"sub,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	Issuer    string `json:"iss,omitempty"`
}

// Scopes returns the granted scopes.
func (c *Claims) Scopes() []string {
	return strings.Fields(c.Scope)
}

// HasScope reports whether scope was granted.
func (c *Claims) HasScope(scope string) bool {
	return slices.Contains(c.Scopes(), scope)
}

// Introspector validates a token and returns its claims.
type Introspector interface {
	Introspect(ctx context.Context, token string) (*Claims, error)
}

// Client calls an RFC 7662 introspection endpoint.
type Client struct {
	url          string
	client       networking.HTTPClient
	clientID     string
	clientSecret string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the HTTP client used for introspection calls.
func WithHTTPClient(client networking.HTTPClient) ClientOption {
	return func(c *Client) {
		c.client = client
	}
}

// WithClientCredentials sends HTTP Basic credentials with every call.
func WithClientCredentials(clientID, clientSecret string) ClientOption {
	return func(c *Client) {
		c.clientID = clientID
		c.clientSecret = clientSecret
	}
}

// NewClient creates a client for the introspection endpoint at introspectURL.
// The URL must use HTTPS unless it points at localhost.
func NewClient(introspectURL string, opts ...ClientOption) (*Client, error) {
	if err := networking.ValidateEndpointURL(introspectURL); err != nil {
		return nil, fmt.Errorf("invalid introspection URL: %w", err)
	}

	c := &Client{url: introspectURL}
	for _, opt := range opts {
		opt(c)
	}

	if c.client == nil {
		parsed, err := url.Parse(introspectURL)
		if err != nil {
			return nil, fmt.Errorf("invalid introspection URL: %w", err)
		}
		local := networking.IsLocalhost(parsed.Hostname())
		httpClient, err := networking.NewHttpClientBuilder().
			WithPrivateIPs(local).
			WithInsecureHTTP(local).
			WithTimeout(defaultTimeout).
			Build()
		if err != nil {
			return nil, fmt.Errorf("failed to create HTTP client: %w", err)
		}
		c.client = httpClient
	}
	return c, nil
}

// Introspect asks the server about token. It returns ErrInactive for tokens
// the server does not consider active.
func (c *Client) Introspect(ctx context.Context, token string) (*Claims, error) {
	if token == "" {
		return nil, ErrInactive
	}

	form := url.Values{
		"token":           {token},
		"token_type_hint": {"access_token"},
	}
	opts := []networking.FetchOption{networking.WithMaxResponseSize(maxResponseSize)}
	if c.clientID != "" {
		opts = append(opts, networking.WithHeader("Authorization", "Basic "+basicAuth(c.clientID, c.clientSecret)))
	}

	claims, err := networking.FetchJSONWithForm[Claims](ctx, c.client, c.url, form, opts...)
	if err != nil {
		return nil, fmt.Errorf("introspection request failed: %w", err)
	}
	if !claims.Active {
		logger.Debugw("token introspected as inactive")
		return nil, ErrInactive
	}
	if claims.ExpiresAt > 0 && time.Now().Unix() >= claims.ExpiresAt {
		return nil, ErrInactive
	}
	return claims, nil
}

func basicAuth(id, secret string) string {
	return base64.StdEncoding.EncodeToString(
		[]byte(url.QueryEscape(id) + ":" + url.QueryEscape(secret)),
	)
}
