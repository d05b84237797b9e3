// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"mime"
	"net/http"
	"strconv"

	"github.com/lucas-1000/health-data-storage/pkg/authserver/server"
	"github.com/lucas-1000/health-data-storage/pkg/authserver/server/registration"
	"github.com/lucas-1000/health-data-storage/pkg/logger"
	"github.com/lucas-1000/health-data-storage/pkg/networking"
)

// maxDCRBodySize bounds registration request bodies.
const maxDCRBodySize = 64 * 1024

// dcrErrorTemporarilyUnavailable is returned when the registration rate
// limit is exhausted.
const dcrErrorTemporarilyUnavailable = "temporarily_unavailable"

// Registration outcomes recorded in metrics.
const (
	outcomeRegistered  = "registered"
	outcomeInvalid     = "invalid"
	outcomeRateLimited = "rate_limited"
)

// RegisterClientHandler handles POST /oauth/register (RFC 7591). Registered
// clients are confidential; the generated secret appears in this response
// and nowhere else. Requested scopes outside the allowed set are dropped.
func (h *Handler) RegisterClientHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	if !h.limiter.Allow() {
		h.metrics.registration(ctx, outcomeRateLimited)
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(h)))
		writeDCRError(w, http.StatusTooManyRequests, &registration.DCRError{
			Error:            dcrErrorTemporarilyUnavailable,
			ErrorDescription: "too many registration requests",
		})
		return
	}

	mediaType, _, err := mime.ParseMediaType(req.Header.Get("Content-Type"))
	if err != nil || mediaType != networking.ContentTypeJSON {
		h.metrics.registration(ctx, outcomeInvalid)
		writeDCRError(w, http.StatusUnsupportedMediaType, &registration.DCRError{
			Error:            registration.DCRErrorInvalidClientMetadata,
			ErrorDescription: "Content-Type must be application/json",
		})
		return
	}

	var dcrReq registration.DCRRequest
	req.Body = http.MaxBytesReader(w, req.Body, maxDCRBodySize)
	if err := json.NewDecoder(req.Body).Decode(&dcrReq); err != nil {
		h.metrics.registration(ctx, outcomeInvalid)
		writeDCRError(w, http.StatusBadRequest, &registration.DCRError{
			Error:            registration.DCRErrorInvalidClientMetadata,
			ErrorDescription: "invalid JSON request body",
		})
		return
	}

	resp, dcrErr, err := h.clients.Register(ctx, &dcrReq)
	if err != nil {
		server.WriteError(w, err)
		return
	}
	if dcrErr != nil {
		h.metrics.registration(ctx, outcomeInvalid)
		writeDCRError(w, http.StatusBadRequest, dcrErr)
		return
	}

	h.metrics.registration(ctx, outcomeRegistered)
	logger.Infow("registered client through dynamic registration",
		"client_id", resp.ClientID,
		"client_name", resp.ClientName,
	)
	server.WriteJSON(w, http.StatusCreated, resp)
}

// writeDCRError writes a DCR error response per RFC 7591 Section 3.2.2.
func writeDCRError(w http.ResponseWriter, status int, dcrErr *registration.DCRError) {
	server.WriteJSON(w, status, dcrErr)
}

// retryAfterSeconds estimates when the next registration token is available.
func retryAfterSeconds(h *Handler) int {
	limit := float64(h.limiter.Limit())
	if limit <= 0 {
		return 1
	}
	return max(int(1/limit), 1)
}
