// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the hds-auth command-line application.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lucas-1000/health-data-storage/pkg/logger"
)

// NewRootCmd creates a new root command for the hds-auth CLI.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "hds-auth",
		DisableAutoGenTag: true,
		Short:             "OAuth 2.0 authorization server for health-data-storage",
		Long: `hds-auth is the OAuth 2.0 authorization server in front of the health-data-storage API.

It brokers sign-in to an upstream OpenID Connect provider and issues its own
opaque access and refresh tokens to registered clients. Resource servers
validate those tokens through the introspection endpoint.

Besides serving the OAuth endpoints, hds-auth manages registered clients and
user API keys directly in the configured storage.`,
		Run: func(cmd *cobra.Command, _ []string) {
			// If no subcommand is provided, print help
			if err := cmd.Help(); err != nil {
				logger.Errorf("Error displaying help: %v", err)
			}
		},
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logger.Initialize()
		},
	}

	// Add persistent flags
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	if err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the configuration file (.yaml, .yml or .toml)")

	// Add subcommands
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newClientCmd())
	rootCmd.AddCommand(newUserCmd())
	rootCmd.AddCommand(newVersionCmd())

	// Silence printing the usage on error
	rootCmd.SilenceUsage = true

	return rootCmd
}

// loadCommandConfig loads the configuration named by the --config flag.
func loadCommandConfig(cmd *cobra.Command) (*Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	logger.Debugw("loading configuration", "path", path)
	return LoadConfig(path)
}
