// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"errors"
	"fmt"
	"slices"

	"dario.cat/mergo"

	"github.com/lucas-1000/health-data-storage/pkg/authserver/server"
	"github.com/lucas-1000/health-data-storage/pkg/authserver/server/handlers"
	"github.com/lucas-1000/health-data-storage/pkg/authserver/server/registration"
	"github.com/lucas-1000/health-data-storage/pkg/authserver/server/tokens"
	"github.com/lucas-1000/health-data-storage/pkg/authserver/storage"
	"github.com/lucas-1000/health-data-storage/pkg/authserver/upstream"
	"github.com/lucas-1000/health-data-storage/pkg/logger"
	"github.com/lucas-1000/health-data-storage/pkg/networking"
)

// MinSecretLength is the minimum length of the HMAC secret in bytes.
const MinSecretLength = tokens.MinSecretLength

// DefaultScopes is the scope set offered when none is configured.
var DefaultScopes = []string{"read:food", "write:food", "read:health", "write:health"}

// Config is the configuration of the authorization server.
type Config struct {
	// Issuer is the externally reachable base URL of this server. Endpoint
	// URLs in the metadata document are derived from it.
	Issuer string `json:"issuer" yaml:"issuer" toml:"issuer" mapstructure:"issuer"`

	// HMACSecret signs every token this server mints. Must be at least
	// MinSecretLength bytes and identical across replicas.
	HMACSecret string `json:"hmac_secret" yaml:"hmac_secret" toml:"hmac_secret" mapstructure:"hmac_secret"`

	// Scopes is the server-wide set of scopes clients may be granted.
	Scopes []string `json:"scopes,omitempty" yaml:"scopes,omitempty" toml:"scopes,omitempty" mapstructure:"scopes"`

	// Lifetimes overrides the default token lifetimes.
	Lifetimes tokens.Lifetimes `json:"token_lifetimes,omitempty" yaml:"token_lifetimes,omitempty" toml:"token_lifetimes,omitempty" mapstructure:"token_lifetimes"`

	// Clients are provisioned at start-up when they do not exist yet.
	Clients []ClientConfig `json:"clients,omitempty" yaml:"clients,omitempty" toml:"clients,omitempty" mapstructure:"clients"`

	// Upstream is the identity provider users are sent to.
	Upstream upstream.OIDCConfig `json:"upstream" yaml:"upstream" toml:"upstream" mapstructure:"upstream"`

	// Storage selects the storage backend.
	Storage storage.Config `json:"storage,omitempty" yaml:"storage,omitempty" toml:"storage,omitempty" mapstructure:"storage"`

	// RegisterRate is the sustained number of dynamic registrations allowed
	// per second, and RegisterBurst the bucket size.
	RegisterRate  float64 `json:"register_rate,omitempty" yaml:"register_rate,omitempty" toml:"register_rate,omitempty" mapstructure:"register_rate"`
	RegisterBurst int     `json:"register_burst,omitempty" yaml:"register_burst,omitempty" toml:"register_burst,omitempty" mapstructure:"register_burst"`
}

// ClientConfig defines a pre-provisioned OAuth client.
type ClientConfig struct {
	ID           string   `json:"id" yaml:"id" toml:"id" mapstructure:"id"`
	Secret       string   `json:"secret" yaml:"secret" toml:"secret" mapstructure:"secret"`
	Name         string   `json:"name,omitempty" yaml:"name,omitempty" toml:"name,omitempty" mapstructure:"name"`
	RedirectURIs []string `json:"redirect_uris" yaml:"redirect_uris" toml:"redirect_uris" mapstructure:"redirect_uris"`

	// Scopes defaults to every server scope.
	Scopes []string `json:"scopes,omitempty" yaml:"scopes,omitempty" toml:"scopes,omitempty" mapstructure:"scopes"`

	// GrantTypes defaults to authorization_code and refresh_token.
	GrantTypes []string `json:"grant_types,omitempty" yaml:"grant_types,omitempty" toml:"grant_types,omitempty" mapstructure:"grant_types"`
}

// DefaultConfig returns the defaults applied to every Config.
func DefaultConfig() *Config {
	return &Config{
		Scopes:        slices.Clone(DefaultScopes),
		Lifetimes:     tokens.DefaultLifetimes(),
		Storage:       *storage.DefaultConfig(),
		RegisterRate:  float64(handlers.DefaultRegisterRate),
		RegisterBurst: handlers.DefaultRegisterBurst,
	}
}

// applyDefaults fills every unset field from DefaultConfig.
func (c *Config) applyDefaults() error {
	if err := mergo.Merge(c, DefaultConfig()); err != nil {
		return fmt.Errorf("failed to merge defaults: %w", err)
	}
	return nil
}

// Validate checks that the Config is complete.
func (c *Config) Validate() error {
	logger.Debugw("validating authserver config", "issuer", c.Issuer)

	if c.Issuer == "" {
		return errors.New("issuer is required")
	}
	if err := networking.ValidateEndpointURL(c.Issuer); err != nil {
		return fmt.Errorf("invalid issuer: %w", err)
	}
	if len(c.HMACSecret) < MinSecretLength {
		return fmt.Errorf("HMAC secret must be at least %d bytes", MinSecretLength)
	}
	if len(c.Scopes) == 0 {
		return errors.New("at least one scope is required")
	}
	for _, scope := range c.Scopes {
		if len(server.ParseScope(scope)) != 1 {
			return fmt.Errorf("invalid scope %q", scope)
		}
	}
	if err := c.Upstream.Validate(); err != nil {
		return fmt.Errorf("upstream: %w", err)
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	seen := make(map[string]struct{}, len(c.Clients))
	for i := range c.Clients {
		client := &c.Clients[i]
		if err := client.Validate(c.Scopes); err != nil {
			return fmt.Errorf("client %d: %w", i, err)
		}
		if _, dup := seen[client.ID]; dup {
			return fmt.Errorf("client %d: duplicate id %q", i, client.ID)
		}
		seen[client.ID] = struct{}{}
	}

	logger.Debugw("authserver config validation passed",
		"issuer", c.Issuer,
		"clientCount", len(c.Clients),
		"storage", c.Storage.Type,
	)
	return nil
}

// Validate checks that the client definition is usable against the server
// scope set.
func (c *ClientConfig) Validate(serverScopes []string) error {
	if c.ID == "" {
		return errors.New("id is required")
	}
	if c.Secret == "" {
		return errors.New("secret is required")
	}
	if len(c.RedirectURIs) == 0 {
		return errors.New("at least one redirect URI is required")
	}
	for _, uri := range c.RedirectURIs {
		if dcrErr := registration.ValidateRedirectURI(uri); dcrErr != nil {
			return errors.New(dcrErr.ErrorDescription)
		}
	}
	if !server.ScopesAllowed(c.Scopes, serverScopes) {
		return errors.New("scopes must be a subset of the server scopes")
	}
	for _, grant := range c.GrantTypes {
		if !slices.Contains(server.SupportedGrantTypes, grant) {
			return fmt.Errorf("unsupported grant type %q", grant)
		}
	}
	return nil
}
