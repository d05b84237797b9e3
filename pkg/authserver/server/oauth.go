// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package server holds the OAuth 2.0 vocabulary shared by the authorization
// server's subpackages: parameter names, grant types, scope helpers, PKCE
// helpers and the JSON error writer used by every endpoint.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/ory/fosite"

	"github.com/lucas-1000/health-data-storage/pkg/logger"
)

// Grant and response types.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	ResponseTypeCode           = "code"
	TokenTypeBearer            = "Bearer"
)

// Token endpoint client authentication methods.
const (
	AuthMethodClientSecretBasic = "client_secret_basic"
	AuthMethodClientSecretPost  = "client_secret_post"
)

// Request and response parameter names.
const (
	ParamClientID            = "client_id"
	ParamClientSecret        = "client_secret"
	ParamRedirectURI         = "redirect_uri"
	ParamResponseType        = "response_type"
	ParamScope               = "scope"
	ParamState               = "state"
	ParamCode                = "code"
	ParamGrantType           = "grant_type"
	ParamRefreshToken        = "refresh_token"
	ParamToken               = "token"
	ParamTokenTypeHint       = "token_type_hint"
	ParamCodeChallenge       = "code_challenge"
	ParamCodeChallengeMethod = "code_challenge_method"
	ParamCodeVerifier        = "code_verifier"
	ParamError               = "error"
)

// SupportedGrantTypes lists the grant types the token endpoint accepts.
var SupportedGrantTypes = []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken}

// ParseScope splits a space-delimited scope string, dropping empty and
// duplicate entries while keeping the first-seen order.
func ParseScope(raw string) []string {
	fields := strings.Fields(raw)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if !slices.Contains(out, f) {
			out = append(out, f)
		}
	}
	return out
}

// JoinScope is the inverse of ParseScope.
func JoinScope(scopes []string) string {
	return strings.Join(scopes, " ")
}

// ScopesAllowed reports whether every requested scope is in allowed.
func ScopesAllowed(requested, allowed []string) bool {
	for _, s := range requested {
		if !slices.Contains(allowed, s) {
			return false
		}
	}
	return true
}

// FilterScopes returns the requested scopes that appear in allowed, keeping
// the requested order.
func FilterScopes(requested, allowed []string) []string {
	out := make([]string, 0, len(requested))
	for _, s := range requested {
		if slices.Contains(allowed, s) && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

// ErrorResponse is the JSON body of an OAuth error per RFC 6749 Section 5.2.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// WithStatus returns a copy of err answered with the given HTTP status.
func WithStatus(err *fosite.RFC6749Error, status int) *fosite.RFC6749Error {
	out := *err
	out.CodeField = status
	return &out
}

// WriteError renders err as an OAuth JSON error. Errors that are not
// RFC6749Error values become server_error with no detail.
func WriteError(w http.ResponseWriter, err error) {
	var rfcErr *fosite.RFC6749Error
	if !errors.As(err, &rfcErr) {
		logger.Errorw("internal error while handling OAuth request", "error", err)
		rfcErr = fosite.ErrServerError
	}

	status := rfcErr.CodeField
	if status == 0 {
		status = http.StatusBadRequest
	}
	if status == http.StatusUnauthorized && rfcErr.ErrorField == fosite.ErrInvalidClient.ErrorField {
		w.Header().Set("WWW-Authenticate", `Basic realm="oauth"`)
	}

	WriteJSON(w, status, ErrorResponse{
		Error:            rfcErr.ErrorField,
		ErrorDescription: rfcErr.GetDescription(),
	})
}

// WriteJSON writes v with the no-store caching headers required for token
// and credential responses.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debugw("failed to encode JSON response", "error", err)
	}
}
