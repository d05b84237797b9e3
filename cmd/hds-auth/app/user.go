// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucas-1000/health-data-storage/pkg/authserver/server/users"
	"github.com/lucas-1000/health-data-storage/pkg/logger"
)

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users",
	}
	cmd.AddCommand(newUserRotateAPIKeyCmd())
	return cmd
}

func newUserRotateAPIKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate-api-key <user-id>",
		Short: "Issue a new API key for a user",
		Long: `Issue a new API key for a user, replacing the previous one if any.
Users signed in through the upstream provider have no key until this runs.

The key is printed once. Only its digest is stored.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadCommandConfig(cmd)
			if err != nil {
				return err
			}

			stor, err := openStorage(ctx, &cfg.Storage)
			if err != nil {
				return err
			}
			defer func() {
				if err := stor.Close(); err != nil {
					logger.Warnw("failed to close storage", "error", err)
				}
			}()

			key, err := users.NewDirectory(stor).RotateAPIKey(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to rotate API key: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "API key: %s\n", key)
			return nil
		},
	}
}
