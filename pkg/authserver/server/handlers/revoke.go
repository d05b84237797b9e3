// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"net/http"

	"github.com/ory/fosite"

	"github.com/lucas-1000/health-data-storage/pkg/authserver/server"
)

// RevokeResponse is returned by the revocation endpoint regardless of whether
// the token existed.
type RevokeResponse struct {
	Success bool `json:"success"`
}

// RevokeHandler handles POST /oauth/revoke (RFC 7009). The client must
// authenticate. Unknown, expired and foreign tokens all yield success so the
// response reveals nothing about token validity.
func (h *Handler) RevokeHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	if err := parseForm(w, req); err != nil {
		server.WriteError(w, err)
		return
	}

	client, err := h.authenticateClient(ctx, req)
	if err != nil {
		server.WriteError(w, err)
		return
	}

	token := req.PostForm.Get(server.ParamToken)
	if token == "" {
		server.WriteError(w, fosite.ErrInvalidRequest.WithHint("token is required"))
		return
	}

	if err := h.tokens.Revoke(ctx, token, client.ID); err != nil {
		server.WriteError(w, err)
		return
	}
	h.metrics.revocation(ctx)

	server.WriteJSON(w, http.StatusOK, RevokeResponse{Success: true})
}
