// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/lucas-1000/health-data-storage/pkg/logger"
)

const healthCheckTimeout = 2 * time.Second

// HealthResponse is the body of the health endpoint.
type HealthResponse struct {
	Status string `json:"status"`
}

// HealthHandler handles GET /healthz. It answers 503 when the storage
// backend cannot be reached.
func (h *Handler) HealthHandler(w http.ResponseWriter, req *http.Request) {
	status, body := http.StatusOK, HealthResponse{Status: "ok"}

	if h.health != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := h.health.Health(ctx); err != nil {
			logger.Warnw("health check failed", "error", err)
			status, body = http.StatusServiceUnavailable, HealthResponse{Status: "unavailable"}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
