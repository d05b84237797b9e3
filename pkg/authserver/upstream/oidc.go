// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package upstream talks to the federated identity provider: it builds the
// provider's authorization URL and turns the code the provider returns into a
// verified identity.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/lucas-1000/health-data-storage/pkg/logger"
	"github.com/lucas-1000/health-data-storage/pkg/networking"
)

// DefaultDiscoveryMaxTries bounds discovery attempts at start-up.
const DefaultDiscoveryMaxTries = 5

var (
	// ErrIdentityResolutionFailed wraps every failure to turn a provider code
	// into an identity. Callers never receive a partial identity.
	ErrIdentityResolutionFailed = errors.New("failed to resolve upstream identity")

	// ErrNonceMismatch is returned when the ID token nonce differs from the one sent.
	ErrNonceMismatch = errors.New("ID token nonce does not match expected value")

	// ErrNonceMissing is returned when a nonce was sent but the ID token has none.
	ErrNonceMissing = errors.New("ID token missing nonce claim when nonce was expected")

	// ErrUserInfoSubjectMismatch is returned when the UserInfo subject differs
	// from the ID token subject (OIDC Core Section 5.3.4).
	ErrUserInfoSubjectMismatch = errors.New("userinfo subject does not match ID token subject")
)

// Identity is a verified upstream identity.
type Identity struct {
	Subject string
	Email   string
	Name    string
	Picture string
}

// Provider is the broker's view of the upstream identity provider.
type Provider interface {
	// AuthorizationURL builds the provider login URL carrying state, an S256
	// PKCE challenge and an OIDC nonce.
	AuthorizationURL(state, codeChallenge, nonce string) (string, error)

	// ExchangeCodeForIdentity redeems code and returns the verified identity.
	ExchangeCodeForIdentity(ctx context.Context, code, codeVerifier, nonce string) (*Identity, error)
}

// discoveryDocument is the subset of the provider metadata we check.
type discoveryDocument struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserinfoEndpoint      string `json:"userinfo_endpoint"`
	JWKSURI               string `json:"jwks_uri"`
}

type idTokenClaims struct {
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
}

// OIDCProvider implements Provider for an OpenID Connect provider.
type OIDCProvider struct {
	config       *OIDCConfig
	httpClient   *http.Client
	provider     *oidc.Provider
	verifier     *oidc.IDTokenVerifier
	oauth2Config *oauth2.Config
	hasUserInfo  bool
	maxTries     uint
	retryDelay   time.Duration
}

// OIDCProviderOption configures an OIDCProvider.
type OIDCProviderOption func(*OIDCProvider)

// WithHTTPClient sets the HTTP client used for every provider call.
func WithHTTPClient(client *http.Client) OIDCProviderOption {
	return func(p *OIDCProvider) {
		p.httpClient = client
	}
}

// WithDiscoveryRetry bounds discovery to maxTries attempts starting at delay.
func WithDiscoveryRetry(maxTries uint, delay time.Duration) OIDCProviderOption {
	return func(p *OIDCProvider) {
		p.maxTries = maxTries
		p.retryDelay = delay
	}
}

// NewOIDCProvider discovers the provider's endpoints, retrying with
// exponential backoff, and prepares the ID token verifier.
func NewOIDCProvider(ctx context.Context, config *OIDCConfig, opts ...OIDCProviderOption) (*OIDCProvider, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	p := &OIDCProvider{
		config:     config,
		maxTries:   DefaultDiscoveryMaxTries,
		retryDelay: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.httpClient == nil {
		issuerURL, _ := url.Parse(config.Issuer) // validated above
		local := networking.IsLocalhost(issuerURL.Host)
		client, err := networking.NewHttpClientBuilder().
			WithCABundle(config.CACertPath).
			WithPrivateIPs(local).
			WithInsecureHTTP(local).
			Build()
		if err != nil {
			return nil, fmt.Errorf("failed to create HTTP client: %w", err)
		}
		p.httpClient = client
	}

	// The key set keeps this context for later JWKS refreshes, so it must
	// outlive start-up.
	oidcCtx := oidc.ClientContext(context.WithoutCancel(ctx), p.httpClient)

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = p.retryDelay
	provider, err := backoff.Retry(ctx, func() (*oidc.Provider, error) {
		return oidc.NewProvider(oidcCtx, config.Issuer)
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(p.maxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warnw("OIDC discovery failed, retrying", "issuer", config.Issuer, "error", err, "retry_in", next)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC endpoints: %w", err)
	}

	var doc discoveryDocument
	if err := provider.Claims(&doc); err != nil {
		return nil, fmt.Errorf("failed to extract provider metadata: %w", err)
	}
	if err := validateDiscoveryDocument(&doc, config.Issuer); err != nil {
		return nil, fmt.Errorf("invalid discovery document: %w", err)
	}

	p.provider = provider
	p.hasUserInfo = doc.UserinfoEndpoint != ""
	p.verifier = provider.Verifier(&oidc.Config{ClientID: config.ClientID})
	endpoint := provider.Endpoint()
	p.oauth2Config = &oauth2.Config{
		ClientID:     config.ClientID,
		ClientSecret: config.ClientSecret,
		RedirectURL:  config.RedirectURI,
		Scopes:       config.scopes(),
		Endpoint: oauth2.Endpoint{
			AuthURL:   endpoint.AuthURL,
			TokenURL:  endpoint.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	logger.Debugw("OIDC provider ready", "issuer", doc.Issuer, "userinfo", p.hasUserInfo)
	return p, nil
}

// AuthorizationURL implements Provider.
func (p *OIDCProvider) AuthorizationURL(state, codeChallenge, nonce string) (string, error) {
	if state == "" {
		return "", errors.New("state is required")
	}
	opts := []oauth2.AuthCodeOption{}
	if codeChallenge != "" {
		opts = append(opts,
			oauth2.SetAuthURLParam("code_challenge", codeChallenge),
			oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		)
	}
	if nonce != "" {
		opts = append(opts, oidc.Nonce(nonce))
	}
	return p.oauth2Config.AuthCodeURL(state, opts...), nil
}

// ExchangeCodeForIdentity implements Provider. The ID token signature,
// issuer, audience, expiry and nonce are all verified before any claim is
// read. Missing profile fields are filled from the UserInfo endpoint, whose
// subject must match the ID token.
func (p *OIDCProvider) ExchangeCodeForIdentity(ctx context.Context, code, codeVerifier, nonce string) (*Identity, error) {
	ctx = oidc.ClientContext(ctx, p.httpClient)

	var opts []oauth2.AuthCodeOption
	if codeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(codeVerifier))
	}
	token, err := p.oauth2Config.Exchange(ctx, code, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: code exchange: %w", ErrIdentityResolutionFailed, err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, fmt.Errorf("%w: provider returned no ID token", ErrIdentityResolutionFailed)
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIdentityResolutionFailed, err)
	}
	if nonce != "" {
		if idToken.Nonce == "" {
			return nil, fmt.Errorf("%w: %w", ErrIdentityResolutionFailed, ErrNonceMissing)
		}
		if idToken.Nonce != nonce {
			return nil, fmt.Errorf("%w: %w", ErrIdentityResolutionFailed, ErrNonceMismatch)
		}
	}
	if idToken.Subject == "" {
		return nil, fmt.Errorf("%w: ID token has no subject", ErrIdentityResolutionFailed)
	}

	var claims idTokenClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIdentityResolutionFailed, err)
	}
	identity := &Identity{
		Subject: idToken.Subject,
		Email:   claims.Email,
		Name:    claims.Name,
		Picture: claims.Picture,
	}

	if p.hasUserInfo && (identity.Email == "" || identity.Name == "" || identity.Picture == "") {
		if err := p.enrich(ctx, token, identity); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrIdentityResolutionFailed, err)
		}
	}

	logger.Debugw("resolved upstream identity", "has_email", identity.Email != "")
	return identity, nil
}

func (p *OIDCProvider) enrich(ctx context.Context, token *oauth2.Token, identity *Identity) error {
	info, err := p.provider.UserInfo(ctx, oauth2.StaticTokenSource(token))
	if err != nil {
		return fmt.Errorf("userinfo request failed: %w", err)
	}
	if info.Subject != identity.Subject {
		return ErrUserInfoSubjectMismatch
	}

	var extra idTokenClaims
	if err := info.Claims(&extra); err != nil {
		return fmt.Errorf("failed to decode userinfo: %w", err)
	}
	if identity.Email == "" {
		identity.Email = info.Email
	}
	if identity.Name == "" {
		identity.Name = extra.Name
	}
	if identity.Picture == "" {
		identity.Picture = extra.Picture
	}
	return nil
}

func validateDiscoveryDocument(doc *discoveryDocument, issuer string) error {
	if doc.AuthorizationEndpoint == "" || doc.TokenEndpoint == "" || doc.JWKSURI == "" {
		return errors.New("authorization_endpoint, token_endpoint and jwks_uri are required")
	}
	for name, endpoint := range map[string]string{
		"authorization_endpoint": doc.AuthorizationEndpoint,
		"token_endpoint":         doc.TokenEndpoint,
		"userinfo_endpoint":      doc.UserinfoEndpoint,
		"jwks_uri":               doc.JWKSURI,
	} {
		if endpoint == "" {
			continue
		}
		if err := validateEndpointOrigin(endpoint, issuer); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// validateEndpointOrigin requires HTTPS endpoints for non-local issuers and
// local endpoints for local issuers. Hosts may otherwise differ from the
// issuer; large providers serve endpoints from several domains.
func validateEndpointOrigin(endpoint, issuer string) error {
	endpointURL, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint URL: %w", err)
	}
	issuerURL, err := url.Parse(issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	if networking.IsLocalhost(issuerURL.Host) {
		if !networking.IsLocalhost(endpointURL.Host) {
			return fmt.Errorf("host mismatch: issuer is localhost but endpoint host is %q", endpointURL.Host)
		}
		return nil
	}
	if endpointURL.Scheme != networking.HttpsScheme {
		return fmt.Errorf("endpoint must use https, got %q", endpointURL.Scheme)
	}
	return nil
}
