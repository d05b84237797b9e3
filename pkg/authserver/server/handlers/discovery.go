// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/lucas-1000/health-data-storage/pkg/authserver/server"
	"github.com/lucas-1000/health-data-storage/pkg/logger"
)

// AuthorizationServerMetadata is the RFC 8414 metadata document.
type AuthorizationServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	IntrospectionEndpoint             string   `json:"introspection_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint"`
	ScopesSupported                   []string `json:"scopes_supported"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	RevocationEndpointAuthMethods     []string `json:"revocation_endpoint_auth_methods_supported"`
	IntrospectionEndpointAuthMethods  []string `json:"introspection_endpoint_auth_methods_supported"`
}

// Metadata returns the server metadata for the configured issuer.
func (h *Handler) Metadata() AuthorizationServerMetadata {
	authMethods := []string{server.AuthMethodClientSecretBasic, server.AuthMethodClientSecretPost}
	return AuthorizationServerMetadata{
		Issuer:                            h.issuer,
		AuthorizationEndpoint:             h.issuer + PathAuthorize,
		TokenEndpoint:                     h.issuer + PathToken,
		RevocationEndpoint:                h.issuer + PathRevoke,
		IntrospectionEndpoint:             h.issuer + PathIntrospect,
		RegistrationEndpoint:              h.issuer + PathRegister,
		ScopesSupported:                   h.clients.AllowedScopes(),
		ResponseTypesSupported:            []string{server.ResponseTypeCode},
		GrantTypesSupported:               server.SupportedGrantTypes,
		CodeChallengeMethodsSupported:     []string{server.PKCEChallengeMethodS256},
		TokenEndpointAuthMethodsSupported: authMethods,
		RevocationEndpointAuthMethods:     authMethods,
		IntrospectionEndpointAuthMethods:  []string{"none"},
	}
}

// OAuthDiscoveryHandler handles GET /.well-known/oauth-authorization-server.
func (h *Handler) OAuthDiscoveryHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")

	if err := json.NewEncoder(w).Encode(h.Metadata()); err != nil {
		logger.Errorw("failed to encode authorization server metadata", "error", err)
	}
}
