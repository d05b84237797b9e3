// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"net/http"
	"net/url"

	"github.com/lucas-1000/health-data-storage/pkg/authserver/server"
	"github.com/lucas-1000/health-data-storage/pkg/authserver/server/users"
	"github.com/lucas-1000/health-data-storage/pkg/authserver/storage"
	"github.com/lucas-1000/health-data-storage/pkg/logger"
)

// Messages shown on the callback error page. They never echo request input.
const (
	msgAuthRequestNotFound = "authorization request not found or expired"
	msgAuthFailed          = "authentication failed"
	msgInternalError       = "internal server error"
)

// CallbackHandler handles GET /oauth/callback, where the upstream provider
// returns the user's browser.
//
// The state parameter must be a live state token; it is consumed on first
// use. Failures render a plain error page and never redirect, so a client
// redirect_uri only ever receives a successful authorization code.
func (h *Handler) CallbackHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	query := req.URL.Query()

	stateToken := query.Get(server.ParamState)
	if stateToken == "" {
		logger.Warnw("callback missing state parameter")
		http.Error(w, "missing state parameter", http.StatusBadRequest)
		return
	}

	rec, err := h.tokens.Consume(ctx, storage.KindState, stateToken)
	if err != nil && !isTokenRejection(err) {
		logger.Errorw("failed to load state token", "error", err)
		http.Error(w, msgInternalError, http.StatusInternalServerError)
		return
	}
	if err != nil || rec.Pending == nil {
		logger.Warnw("callback with unknown or expired state", "error", err)
		http.Error(w, msgAuthRequestNotFound, http.StatusBadRequest)
		return
	}
	pending := rec.Pending

	if upstreamErr := query.Get(server.ParamError); upstreamErr != "" {
		logger.Warnw("upstream provider returned error",
			"client_id", pending.ClientID,
			"error", upstreamErr,
		)
		http.Error(w, msgAuthFailed, http.StatusBadGateway)
		return
	}

	code := query.Get(server.ParamCode)
	if code == "" {
		logger.Warnw("callback missing code parameter")
		http.Error(w, "missing code parameter", http.StatusBadRequest)
		return
	}

	identity, err := h.upstream.ExchangeCodeForIdentity(ctx, code, pending.UpstreamPKCEVerifier, pending.UpstreamNonce)
	if err != nil {
		logger.Warnw("failed to resolve upstream identity",
			"client_id", pending.ClientID,
			"error", err,
		)
		http.Error(w, msgAuthFailed, http.StatusUnauthorized)
		return
	}

	// The client may have changed since authorize; check the binding again
	// before creating or touching the user.
	client, err := h.clients.Get(ctx, pending.ClientID)
	if err != nil || !client.HasRedirectURI(pending.RedirectURI) {
		logger.Warnw("client or redirect_uri no longer valid at callback",
			"client_id", pending.ClientID,
			"error", err,
		)
		http.Error(w, msgAuthRequestNotFound, http.StatusBadRequest)
		return
	}

	user, _, err := h.users.Resolve(ctx, users.Profile{
		Subject: identity.Subject,
		Email:   identity.Email,
		Name:    identity.Name,
		Picture: identity.Picture,
	})
	if err != nil {
		logger.Errorw("failed to resolve user", "error", err)
		http.Error(w, msgInternalError, http.StatusInternalServerError)
		return
	}

	authCode, err := h.tokens.Issue(ctx, &storage.Token{
		Kind:          storage.KindAuthorizationCode,
		UserID:        user.ID,
		ClientID:      client.ID,
		Scopes:        pending.Scopes,
		RedirectURI:   pending.RedirectURI,
		CodeChallenge: pending.CodeChallenge,
	}, 0)
	if err != nil {
		logger.Errorw("failed to issue authorization code", "client_id", client.ID, "error", err)
		http.Error(w, msgInternalError, http.StatusInternalServerError)
		return
	}
	h.metrics.issued(ctx, string(storage.KindAuthorizationCode))

	logger.Infow("authorization successful, redirecting to client",
		"client_id", client.ID,
		"user_id", user.ID,
	)
	http.Redirect(w, req, buildCallbackURL(pending.RedirectURI, authCode, pending.State), http.StatusFound)
}

// buildCallbackURL appends code and state to the client's redirect URI,
// keeping any query it already carries.
func buildCallbackURL(redirectURI, code, state string) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return redirectURI
	}

	q := u.Query()
	q.Set(server.ParamCode, code)
	if state != "" {
		q.Set(server.ParamState, state)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
