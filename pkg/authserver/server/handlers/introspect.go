// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"net/http"

	"github.com/ory/fosite"

	"github.com/lucas-1000/health-data-storage/pkg/authserver/server"
	"github.com/lucas-1000/health-data-storage/pkg/authserver/storage"
)

// Token type names reported by introspection.
const (
	tokenTypeAccess  = "access_token"
	tokenTypeRefresh = "refresh_token"
)

// IntrospectionResponse is the RFC 7662 introspection response. Only Active
// is set for inactive tokens.
type IntrospectionResponse struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Subject   string `json:"sub,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	Issuer    string `json:"iss,omitempty"`
}

// IntrospectHandler handles POST /oauth/introspect. It is meant for trusted
// peers such as the resource API and requires no client authentication.
// Only access and refresh tokens can be active; codes and state tokens always
// introspect as inactive.
func (h *Handler) IntrospectHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	if err := parseForm(w, req); err != nil {
		server.WriteError(w, err)
		return
	}

	token := req.PostForm.Get(server.ParamToken)
	if token == "" {
		server.WriteError(w, fosite.ErrInvalidRequest.WithHint("token is required"))
		return
	}

	rec, err := h.tokens.Lookup(ctx, token)
	if err != nil {
		if isTokenRejection(err) {
			server.WriteJSON(w, http.StatusOK, IntrospectionResponse{Active: false})
			return
		}
		server.WriteError(w, err)
		return
	}

	var tokenType string
	switch rec.Kind {
	case storage.KindAccessToken:
		tokenType = tokenTypeAccess
	case storage.KindRefreshToken:
		tokenType = tokenTypeRefresh
	default:
		server.WriteJSON(w, http.StatusOK, IntrospectionResponse{Active: false})
		return
	}

	server.WriteJSON(w, http.StatusOK, IntrospectionResponse{
		Active:    true,
		Scope:     server.JoinScope(rec.Scopes),
		ClientID:  rec.ClientID,
		Subject:   rec.UserID,
		ExpiresAt: rec.ExpiresAt.Unix(),
		IssuedAt:  rec.IssuedAt.Unix(),
		TokenType: tokenType,
		Issuer:    h.issuer,
	})
}
