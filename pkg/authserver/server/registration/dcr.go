// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package registration

import (
	"fmt"
	"slices"

	"github.com/lucas-1000/health-data-storage/pkg/authserver/server"
	"github.com/lucas-1000/health-data-storage/pkg/networking"
)

// DCR error codes per RFC 7591 Section 3.2.2
const (
	// DCRErrorInvalidRedirectURI indicates that the value of one or more
	// redirect_uris is invalid.
	DCRErrorInvalidRedirectURI = "invalid_redirect_uri"

	// DCRErrorInvalidClientMetadata indicates that the value of one of the
	// client metadata fields is invalid and the server has rejected this request.
	DCRErrorInvalidClientMetadata = "invalid_client_metadata"
)

// Validation limits to prevent DoS attacks via excessively large requests.
const (
	// MaxRedirectURICount is the maximum number of redirect URIs allowed per client.
	MaxRedirectURICount = 10

	// MaxClientNameLength is the maximum allowed length for a client name.
	MaxClientNameLength = 256

	// MaxRedirectURILength is the maximum length of a single redirect URI.
	MaxRedirectURILength = 2048
)

// DCRRequest represents an OAuth 2.0 Dynamic Client Registration request
// per RFC 7591 Section 2.
type DCRRequest struct {
	// RedirectURIs is an array of redirection URIs for the client. Required.
	RedirectURIs []string `json:"redirect_uris"`

	// ClientName is a human-readable name for the client.
	ClientName string `json:"client_name,omitempty"`

	// Scope is a space-delimited list of requested scopes. Scopes outside the
	// server's allowed set are dropped rather than rejected.
	Scope string `json:"scope,omitempty"`

	// TokenEndpointAuthMethod defaults to client_secret_basic. Every
	// registered client is confidential, so "none" is refused.
	TokenEndpointAuthMethod string `json:"token_endpoint_auth_method,omitempty"`

	// GrantTypes defaults to ["authorization_code", "refresh_token"].
	GrantTypes []string `json:"grant_types,omitempty"`

	// ResponseTypes defaults to ["code"].
	ResponseTypes []string `json:"response_types,omitempty"`
}

// DCRResponse represents a successful OAuth 2.0 Dynamic Client Registration
// response per RFC 7591 Section 3.2.1. It is the only place the client
// secret is ever returned.
type DCRResponse struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
	ClientSecretExpiresAt   int64    `json:"client_secret_expires_at"`
	RedirectURIs            []string `json:"redirect_uris"`
	ClientName              string   `json:"client_name,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
}

// DCRError represents an OAuth 2.0 Dynamic Client Registration error
// response per RFC 7591 Section 3.2.2.
type DCRError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

var (
	defaultGrantTypes    = []string{server.GrantTypeAuthorizationCode, server.GrantTypeRefreshToken}
	defaultResponseTypes = []string{server.ResponseTypeCode}
	allowedAuthMethods   = []string{server.AuthMethodClientSecretBasic, server.AuthMethodClientSecretPost}
)

// ValidateDCRRequest validates a DCR request according to RFC 7591 and
// returns a copy with defaults applied. Scope filtering is left to the
// caller, which knows the server's allowed set.
func ValidateDCRRequest(req *DCRRequest) (*DCRRequest, *DCRError) {
	if len(req.RedirectURIs) == 0 {
		return nil, &DCRError{
			Error:            DCRErrorInvalidRedirectURI,
			ErrorDescription: "redirect_uris is required",
		}
	}
	if len(req.RedirectURIs) > MaxRedirectURICount {
		return nil, &DCRError{
			Error:            DCRErrorInvalidRedirectURI,
			ErrorDescription: fmt.Sprintf("too many redirect_uris (maximum %d)", MaxRedirectURICount),
		}
	}
	for _, uri := range req.RedirectURIs {
		if err := ValidateRedirectURI(uri); err != nil {
			return nil, err
		}
	}

	if len(req.ClientName) > MaxClientNameLength {
		return nil, &DCRError{
			Error:            DCRErrorInvalidClientMetadata,
			ErrorDescription: fmt.Sprintf("client_name too long (maximum %d characters)", MaxClientNameLength),
		}
	}

	authMethod := req.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = server.AuthMethodClientSecretBasic
	}
	if !slices.Contains(allowedAuthMethods, authMethod) {
		return nil, &DCRError{
			Error:            DCRErrorInvalidClientMetadata,
			ErrorDescription: "token_endpoint_auth_method must be client_secret_basic or client_secret_post",
		}
	}

	grantTypes, err := validateGrantTypes(req.GrantTypes)
	if err != nil {
		return nil, err
	}
	responseTypes, err := validateResponseTypes(req.ResponseTypes)
	if err != nil {
		return nil, err
	}

	return &DCRRequest{
		RedirectURIs:            slices.Clone(req.RedirectURIs),
		ClientName:              req.ClientName,
		Scope:                   req.Scope,
		TokenEndpointAuthMethod: authMethod,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
	}, nil
}

func validateGrantTypes(grantTypes []string) ([]string, *DCRError) {
	if len(grantTypes) == 0 {
		return slices.Clone(defaultGrantTypes), nil
	}
	if !slices.Contains(grantTypes, server.GrantTypeAuthorizationCode) {
		return nil, &DCRError{
			Error:            DCRErrorInvalidClientMetadata,
			ErrorDescription: "grant_types must include 'authorization_code'",
		}
	}
	seen := make(map[string]struct{}, len(grantTypes))
	out := make([]string, 0, len(grantTypes))
	for _, gt := range grantTypes {
		if !slices.Contains(server.SupportedGrantTypes, gt) {
			return nil, &DCRError{
				Error:            DCRErrorInvalidClientMetadata,
				ErrorDescription: "unsupported grant_type: " + gt,
			}
		}
		if _, dup := seen[gt]; dup {
			continue
		}
		seen[gt] = struct{}{}
		out = append(out, gt)
	}
	return out, nil
}

func validateResponseTypes(responseTypes []string) ([]string, *DCRError) {
	if len(responseTypes) == 0 {
		return slices.Clone(defaultResponseTypes), nil
	}
	for _, rt := range responseTypes {
		if rt != server.ResponseTypeCode {
			return nil, &DCRError{
				Error:            DCRErrorInvalidClientMetadata,
				ErrorDescription: "unsupported response_type: " + rt,
			}
		}
	}
	return slices.Clone(defaultResponseTypes), nil
}

// ValidateRedirectURI requires an absolute http or https URI without a
// fragment (RFC 6749 Section 3.1.2).
func ValidateRedirectURI(uri string) *DCRError {
	if len(uri) > MaxRedirectURILength {
		return &DCRError{
			Error:            DCRErrorInvalidRedirectURI,
			ErrorDescription: fmt.Sprintf("redirect_uri exceeds %d characters", MaxRedirectURILength),
		}
	}
	if _, err := networking.ParseAbsoluteHTTPURL(uri); err != nil {
		return &DCRError{
			Error:            DCRErrorInvalidRedirectURI,
			ErrorDescription: fmt.Sprintf("invalid redirect_uri %q: %v", uri, err),
		}
	}
	return nil
}

// FilterScopes parses a space-delimited scope request and keeps only the
// scopes in allowed. An empty request grants every allowed scope.
func FilterScopes(requested string, allowed []string) []string {
	scopes := server.ParseScope(requested)
	if len(scopes) == 0 {
		return slices.Clone(allowed)
	}
	return server.FilterScopes(scopes, allowed)
}
