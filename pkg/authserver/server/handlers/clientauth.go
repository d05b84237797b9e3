// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/ory/fosite"

	"github.com/lucas-1000/health-data-storage/pkg/authserver/server"
	"github.com/lucas-1000/health-data-storage/pkg/authserver/server/registration"
	"github.com/lucas-1000/health-data-storage/pkg/authserver/server/tokens"
	"github.com/lucas-1000/health-data-storage/pkg/authserver/storage"
)

// errInvalidClient is the single answer for unknown clients and wrong
// secrets alike.
var errInvalidClient = server.WithStatus(
	fosite.ErrInvalidClient.WithHint("client authentication failed"),
	http.StatusUnauthorized,
)

// parseForm reads a bounded application/x-www-form-urlencoded body into
// req.PostForm.
func parseForm(w http.ResponseWriter, req *http.Request) error {
	req.Body = http.MaxBytesReader(w, req.Body, maxFormBodySize)
	if err := req.ParseForm(); err != nil {
		return fosite.ErrInvalidRequest.WithHint("request body could not be parsed")
	}
	return nil
}

// clientCredentials extracts client_id and client_secret using either
// client_secret_basic or client_secret_post. Presenting a secret through
// both, or two different client IDs, is rejected.
func clientCredentials(req *http.Request) (clientID, secret string, err error) {
	formID := req.PostForm.Get(server.ParamClientID)
	formSecret := req.PostForm.Get(server.ParamClientSecret)

	basicID, basicSecret, ok := req.BasicAuth()
	if !ok {
		return formID, formSecret, nil
	}

	// RFC 6749 Section 2.3.1 form-encodes both values before base64.
	if basicID, err = url.QueryUnescape(basicID); err != nil {
		return "", "", fosite.ErrInvalidRequest.WithHint("malformed client_id in Authorization header")
	}
	if basicSecret, err = url.QueryUnescape(basicSecret); err != nil {
		return "", "", fosite.ErrInvalidRequest.WithHint("malformed client_secret in Authorization header")
	}

	if formSecret != "" {
		return "", "", fosite.ErrInvalidRequest.WithHint("client credentials must be sent using a single authentication method")
	}
	if formID != "" && formID != basicID {
		return "", "", fosite.ErrInvalidRequest.WithHint("client_id in the body does not match the Authorization header")
	}
	return basicID, basicSecret, nil
}

// authenticateClient verifies the client credentials on a parsed request.
func (h *Handler) authenticateClient(ctx context.Context, req *http.Request) (*storage.Client, error) {
	clientID, secret, err := clientCredentials(req)
	if err != nil {
		return nil, err
	}
	if clientID == "" || secret == "" {
		return nil, errInvalidClient
	}

	client, err := h.clients.Authenticate(ctx, clientID, secret)
	if errors.Is(err, registration.ErrInvalidCredentials) {
		return nil, errInvalidClient
	}
	if err != nil {
		return nil, err
	}
	return client, nil
}

// isTokenRejection reports whether err means the presented token is not
// usable, as opposed to a storage failure.
func isTokenRejection(err error) bool {
	return errors.Is(err, storage.ErrNotFound) ||
		errors.Is(err, tokens.ErrWrongKind) ||
		errors.Is(err, tokens.ErrClientMismatch)
}
