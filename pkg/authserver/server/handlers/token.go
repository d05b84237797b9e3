// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"errors"
	"net/http"
	"slices"

	"github.com/ory/fosite"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lucas-1000/health-data-storage/pkg/authserver/server"
	"github.com/lucas-1000/health-data-storage/pkg/authserver/server/tokens"
	"github.com/lucas-1000/health-data-storage/pkg/authserver/storage"
	"github.com/lucas-1000/health-data-storage/pkg/logger"
)

var (
	errCodeRejected = server.WithStatus(
		fosite.ErrInvalidGrant.WithHint("authorization code is invalid, expired or already used"),
		http.StatusUnauthorized,
	)
	errRefreshRejected = server.WithStatus(
		fosite.ErrInvalidGrant.WithHint("refresh token is invalid, expired or already used"),
		http.StatusUnauthorized,
	)
)

// TokenResponse is the successful token endpoint response (RFC 6749 Section 5.1).
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
}

// TokenHandler handles POST /oauth/token for the authorization_code and
// refresh_token grants. Both require client authentication.
func (h *Handler) TokenHandler(w http.ResponseWriter, req *http.Request) {
	ctx, span := h.tracer.Start(req.Context(), "oauth.token")
	defer span.End()

	if err := parseForm(w, req); err != nil {
		h.writeTokenError(ctx, span, w, "", err)
		return
	}

	grantType := req.PostForm.Get(server.ParamGrantType)
	switch {
	case grantType == "":
		h.writeTokenError(ctx, span, w, "", fosite.ErrInvalidRequest.WithHint("grant_type is required"))
		return
	case !slices.Contains(server.SupportedGrantTypes, grantType):
		h.writeTokenError(ctx, span, w, "", fosite.ErrUnsupportedGrantType)
		return
	}
	span.SetAttributes(attrGrantType.String(grantType))

	client, err := h.authenticateClient(ctx, req)
	if err != nil {
		h.writeTokenError(ctx, span, w, grantType, err)
		return
	}
	span.SetAttributes(attrClientID.String(client.ID))

	if len(client.GrantTypes) > 0 && !slices.Contains(client.GrantTypes, grantType) {
		h.writeTokenError(ctx, span, w, grantType,
			fosite.ErrUnauthorizedClient.WithHint("the client is not allowed to use this grant type"))
		return
	}

	var pair *tokens.Pair
	if grantType == server.GrantTypeAuthorizationCode {
		pair, err = h.exchangeCode(ctx, req, client)
	} else {
		pair, err = h.refresh(ctx, req, client)
	}
	if err != nil {
		h.writeTokenError(ctx, span, w, grantType, err)
		return
	}

	h.metrics.issued(ctx, string(storage.KindAccessToken))
	h.metrics.issued(ctx, string(storage.KindRefreshToken))
	logger.Infow("issued tokens",
		"client_id", client.ID,
		"user_id", pair.UserID,
		"grant_type", grantType,
	)

	server.WriteJSON(w, http.StatusOK, TokenResponse{
		AccessToken:  pair.AccessToken,
		TokenType:    server.TokenTypeBearer,
		ExpiresIn:    int64(pair.ExpiresIn.Seconds()),
		RefreshToken: pair.RefreshToken,
		Scope:        server.JoinScope(pair.Scopes),
	})
}

// exchangeCode redeems an authorization code. The code is consumed before
// any binding is checked, so a code presented by the wrong client is burnt.
func (h *Handler) exchangeCode(ctx context.Context, req *http.Request, client *storage.Client) (*tokens.Pair, error) {
	code := req.PostForm.Get(server.ParamCode)
	if code == "" {
		return nil, fosite.ErrInvalidRequest.WithHint("code is required")
	}

	rec, err := h.tokens.Consume(ctx, storage.KindAuthorizationCode, code)
	if err != nil {
		if isTokenRejection(err) {
			return nil, errCodeRejected
		}
		return nil, err
	}

	if rec.ClientID != client.ID {
		logger.Warnw("authorization code presented by another client",
			"client_id", client.ID,
			"issued_to", rec.ClientID,
		)
		return nil, errCodeRejected
	}
	if redirectURI := req.PostForm.Get(server.ParamRedirectURI); redirectURI != "" && redirectURI != rec.RedirectURI {
		return nil, fosite.ErrInvalidGrant.WithHint("redirect_uri does not match the authorization request")
	}

	verifier := req.PostForm.Get(server.ParamCodeVerifier)
	switch {
	case rec.CodeChallenge != "" && verifier == "":
		return nil, fosite.ErrInvalidGrant.WithHint("code_verifier is required")
	case rec.CodeChallenge != "" && !server.VerifyPKCE(rec.CodeChallenge, verifier):
		return nil, fosite.ErrInvalidGrant.WithHint("code_verifier does not match code_challenge")
	case rec.CodeChallenge == "" && verifier != "":
		return nil, fosite.ErrInvalidGrant.WithHint("code_verifier sent for a code issued without code_challenge")
	}

	return h.tokens.IssuePair(ctx, rec.UserID, rec.ClientID, rec.Scopes)
}

// refresh rotates a refresh token. A scope parameter is accepted but
// ignored; the new pair always carries the original grant.
func (h *Handler) refresh(ctx context.Context, req *http.Request, client *storage.Client) (*tokens.Pair, error) {
	refreshToken := req.PostForm.Get(server.ParamRefreshToken)
	if refreshToken == "" {
		return nil, fosite.ErrInvalidRequest.WithHint("refresh_token is required")
	}

	pair, err := h.tokens.RotateRefresh(ctx, refreshToken, client.ID)
	if err != nil {
		if isTokenRejection(err) {
			return nil, errRefreshRejected
		}
		return nil, err
	}
	return pair, nil
}

func (h *Handler) writeTokenError(ctx context.Context, span trace.Span, w http.ResponseWriter, grantType string, err error) {
	code := fosite.ErrServerError.ErrorField
	var rfcErr *fosite.RFC6749Error
	if errors.As(err, &rfcErr) {
		code = rfcErr.ErrorField
	} else {
		span.RecordError(err)
	}
	span.SetStatus(codes.Error, code)
	h.metrics.tokenError(ctx, grantType, code)
	server.WriteError(w, err)
}
