// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/ory/fosite"

	"github.com/lucas-1000/health-data-storage/pkg/authserver/server"
	"github.com/lucas-1000/health-data-storage/pkg/authserver/storage"
	"github.com/lucas-1000/health-data-storage/pkg/logger"
)

// Authorize outcomes recorded in metrics.
const (
	outcomeRedirected = "redirected"
	outcomeRejected   = "rejected"
	outcomeFailed     = "failed"
)

// AuthorizeHandler handles GET /oauth/authorize.
//
// Every validation failure is answered directly with a 4xx. The client's
// redirect_uri is never used before it has been matched against the
// registered set, and a valid request always goes to the upstream provider
// first.
func (h *Handler) AuthorizeHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	pending, err := h.validateAuthorizeRequest(ctx, req)
	if err != nil {
		h.metrics.authorize(ctx, outcomeRejected)
		server.WriteError(w, err)
		return
	}

	pending.UpstreamPKCEVerifier = server.GeneratePKCEVerifier()
	pending.UpstreamNonce = server.GeneratePKCEVerifier()

	stateToken, err := h.tokens.Issue(ctx, &storage.Token{
		Kind:     storage.KindState,
		ClientID: pending.ClientID,
		Scopes:   pending.Scopes,
		Pending:  pending,
	}, 0)
	if err != nil {
		h.metrics.authorize(ctx, outcomeFailed)
		server.WriteError(w, err)
		return
	}

	upstreamURL, err := h.upstream.AuthorizationURL(
		stateToken,
		server.ComputePKCEChallenge(pending.UpstreamPKCEVerifier),
		pending.UpstreamNonce,
	)
	if err != nil {
		if revokeErr := h.tokens.Revoke(ctx, stateToken, ""); revokeErr != nil {
			logger.Warnw("failed to discard state token", "error", revokeErr)
		}
		h.metrics.authorize(ctx, outcomeFailed)
		server.WriteError(w, err)
		return
	}

	logger.Debugw("redirecting to upstream provider",
		"client_id", pending.ClientID,
		"scopes", pending.Scopes,
	)
	h.metrics.authorize(ctx, outcomeRedirected)
	http.Redirect(w, req, upstreamURL, http.StatusFound)
}

// validateAuthorizeRequest checks the authorization request against the
// client registry and returns the request to park in a state token.
func (h *Handler) validateAuthorizeRequest(ctx context.Context, req *http.Request) (*storage.PendingAuthorization, error) {
	query := req.URL.Query()

	clientID := query.Get(server.ParamClientID)
	if clientID == "" {
		return nil, fosite.ErrInvalidRequest.WithHint("client_id is required")
	}
	client, err := h.clients.Get(ctx, clientID)
	if errors.Is(err, storage.ErrNotFound) {
		// 400 rather than 401: the caller is a browser, not the client.
		return nil, server.WithStatus(fosite.ErrInvalidClient.WithHint("unknown client"), http.StatusBadRequest)
	}
	if err != nil {
		return nil, err
	}

	redirectURI := query.Get(server.ParamRedirectURI)
	if redirectURI == "" {
		return nil, fosite.ErrInvalidRequest.WithHint("redirect_uri is required")
	}
	if !client.HasRedirectURI(redirectURI) {
		logger.Warnw("rejected authorization request with unregistered redirect_uri", "client_id", clientID)
		return nil, fosite.ErrInvalidRequest.WithHint("redirect_uri is not registered for this client")
	}

	if responseType := query.Get(server.ParamResponseType); responseType != server.ResponseTypeCode {
		return nil, fosite.ErrUnsupportedResponseType.WithHint("response_type must be code")
	}

	scopes := server.ParseScope(query.Get(server.ParamScope))
	if len(scopes) == 0 {
		scopes = client.Scopes
	}
	if !server.ScopesAllowed(scopes, client.Scopes) {
		return nil, fosite.ErrInvalidScope.WithHint("requested scope is not allowed for this client")
	}

	challenge := query.Get(server.ParamCodeChallenge)
	method := query.Get(server.ParamCodeChallengeMethod)
	switch {
	case challenge == "" && method != "":
		return nil, fosite.ErrInvalidRequest.WithHint("code_challenge_method without code_challenge")
	case challenge != "" && method != server.PKCEChallengeMethodS256:
		return nil, fosite.ErrInvalidRequest.WithHint("code_challenge_method must be S256")
	case challenge != "" && !server.ValidCodeChallenge(challenge):
		return nil, fosite.ErrInvalidRequest.WithHint("code_challenge is malformed")
	}

	return &storage.PendingAuthorization{
		ClientID:      client.ID,
		RedirectURI:   redirectURI,
		State:         query.Get(server.ParamState),
		Scopes:        scopes,
		CodeChallenge: challenge,
	}, nil
}
