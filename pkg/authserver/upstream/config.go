// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"errors"
	"fmt"
	"slices"

	"github.com/lucas-1000/health-data-storage/pkg/networking"
)

// DefaultScopes are requested from the upstream provider when none are configured.
var DefaultScopes = []string{"openid", "profile", "email"}

// OIDCConfig configures the upstream OpenID Connect provider.
type OIDCConfig struct {
	// Issuer is the provider's issuer URL. Endpoints are discovered from
	// {Issuer}/.well-known/openid-configuration.
	Issuer string `json:"issuer" yaml:"issuer" toml:"issuer" mapstructure:"issuer"`

	ClientID     string `json:"client_id" yaml:"client_id" toml:"client_id" mapstructure:"client_id"`
	ClientSecret string `json:"client_secret,omitempty" yaml:"client_secret,omitempty" toml:"client_secret,omitempty" mapstructure:"client_secret"`

	// RedirectURI is this server's callback endpoint as registered with the provider.
	RedirectURI string `json:"redirect_uri" yaml:"redirect_uri" toml:"redirect_uri" mapstructure:"redirect_uri"`

	// Scopes requested upstream. Must include openid.
	Scopes []string `json:"scopes,omitempty" yaml:"scopes,omitempty" toml:"scopes,omitempty" mapstructure:"scopes"`

	// CACertPath optionally pins the CA bundle used to reach the provider.
	CACertPath string `json:"ca_cert_path,omitempty" yaml:"ca_cert_path,omitempty" toml:"ca_cert_path,omitempty" mapstructure:"ca_cert_path"`
}

// Validate checks that OIDCConfig has all required fields and valid values.
func (c *OIDCConfig) Validate() error {
	if c.Issuer == "" {
		return errors.New("issuer is required")
	}
	if err := networking.ValidateEndpointURL(c.Issuer); err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}
	if c.ClientID == "" {
		return errors.New("client_id is required")
	}
	if c.RedirectURI == "" {
		return errors.New("redirect_uri is required")
	}
	if _, err := networking.ParseAbsoluteHTTPURL(c.RedirectURI); err != nil {
		return fmt.Errorf("invalid redirect_uri: %w", err)
	}
	if len(c.Scopes) > 0 && !slices.Contains(c.Scopes, "openid") {
		return errors.New("scopes must include openid")
	}
	return nil
}

func (c *OIDCConfig) scopes() []string {
	if len(c.Scopes) == 0 {
		return slices.Clone(DefaultScopes)
	}
	return slices.Clone(c.Scopes)
}
