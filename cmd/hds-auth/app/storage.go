// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/lucas-1000/health-data-storage/pkg/authserver/storage"
	"github.com/lucas-1000/health-data-storage/pkg/logger"
)

const (
	storageHealthTimeout  = 2 * time.Second
	storageMaxElapsedTime = 30 * time.Second
)

// openStorage creates the configured backend and waits until it answers a
// health check, retrying with exponential backoff.
func openStorage(ctx context.Context, cfg *storage.Config) (storage.Storage, error) {
	stor, err := storage.NewStorage(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		healthCtx, cancel := context.WithTimeout(ctx, storageHealthTimeout)
		defer cancel()
		return struct{}{}, stor.Health(healthCtx)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(storageMaxElapsedTime),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warnw("storage not ready, retrying", "error", err, "retry_in", next)
		}),
	)
	if err != nil {
		_ = stor.Close()
		return nil, fmt.Errorf("storage is not reachable: %w", err)
	}
	return stor, nil
}
