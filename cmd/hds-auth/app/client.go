// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"

	"github.com/lucas-1000/health-data-storage/pkg/authserver"
	"github.com/lucas-1000/health-data-storage/pkg/authserver/server/registration"
	"github.com/lucas-1000/health-data-storage/pkg/authserver/storage"
	"github.com/lucas-1000/health-data-storage/pkg/logger"
)

func newClientCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Manage registered OAuth clients",
		Long:  `Create, list and update OAuth clients directly in the configured storage.`,
	}

	cmd.AddCommand(newClientCreateCmd())
	cmd.AddCommand(newClientListCmd())
	cmd.AddCommand(newClientAddRedirectURICmd())

	return cmd
}

func newClientCreateCmd() *cobra.Command {
	var (
		id           string
		name         string
		secret       string
		redirectURIs []string
		scopes       []string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a new confidential client",
		Long: `Register a new confidential client and print its credentials.

The client secret is printed once and cannot be recovered afterwards. When
--secret is omitted a random secret is generated. Scopes default to every
scope the server offers.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRegistry(cmd, func(ctx context.Context, registry *registration.Registry) error {
				creds, err := registry.Create(ctx, registration.ClientSpec{
					ID:           id,
					Secret:       secret,
					Name:         name,
					RedirectURIs: redirectURIs,
					Scopes:       scopes,
				})
				if err != nil {
					return fmt.Errorf("failed to create client: %w", err)
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Client ID:     %s\n", creds.Client.ID)
				fmt.Fprintf(out, "Client secret: %s\n", creds.Secret)
				fmt.Fprintf(out, "Scopes:        %s\n", strings.Join(creds.Client.Scopes, " "))
				fmt.Fprintln(out, "Store the secret now; it cannot be shown again.")
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "Client ID (generated when empty)")
	cmd.Flags().StringVar(&name, "name", "", "Human readable client name")
	cmd.Flags().StringVar(&secret, "secret", "", "Client secret (generated when empty)")
	cmd.Flags().StringArrayVar(&redirectURIs, "redirect-uri", nil, "Allowed redirect URI (repeatable)")
	cmd.Flags().StringArrayVar(&scopes, "scope", nil, "Allowed scope (repeatable)")
	_ = cmd.MarkFlagRequired("redirect-uri")

	return cmd
}

func newClientListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered clients",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRegistry(cmd, func(ctx context.Context, registry *registration.Registry) error {
				clients, err := registry.List(ctx)
				if err != nil {
					return fmt.Errorf("failed to list clients: %w", err)
				}
				return renderClientTable(cmd.OutOrStdout(), clients)
			})
		},
	}
}

func newClientAddRedirectURICmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add-redirect-uri <client-id> <uri>",
		Short: "Allow an additional redirect URI for a client",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd, func(ctx context.Context, registry *registration.Registry) error {
				if err := registry.AddRedirectURI(ctx, args[0], args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Added redirect URI %s to client %s\n", args[1], args[0])
				return nil
			})
		},
	}
}

// withRegistry opens the configured storage, builds a client registry over it
// and runs fn. The storage is closed when fn returns.
func withRegistry(cmd *cobra.Command, fn func(context.Context, *registration.Registry) error) error {
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

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = authserver.DefaultScopes
	}
	registry, err := registration.NewRegistry(stor, scopes)
	if err != nil {
		return err
	}
	return fn(ctx, registry)
}

func renderClientTable(w io.Writer, clients []*storage.Client) error {
	if len(clients) == 0 {
		fmt.Fprintln(w, "No clients registered.")
		return nil
	}

	headers := []string{"Client ID", "Name", "Redirect URIs", "Scopes", "Dynamic", "Created"}
	table := tablewriter.NewWriter(w)
	table.Options(
		tablewriter.WithHeader(headers),
		tablewriter.WithRendition(
			tw.Rendition{
				Borders: tw.Border{
					Left:   tw.State(1),
					Top:    tw.State(1),
					Right:  tw.State(1),
					Bottom: tw.State(1),
				},
			},
		),
		tablewriter.WithAlignment(tw.MakeAlign(len(headers), tw.AlignLeft)),
	)

	for _, c := range clients {
		dynamic := "no"
		if c.Dynamic {
			dynamic = "yes"
		}
		if err := table.Append([]string{
			c.ID,
			c.Name,
			strings.Join(c.RedirectURIs, "\n"),
			strings.Join(c.Scopes, " "),
			dynamic,
			c.CreatedAt.Format(time.RFC3339),
		}); err != nil {
			return fmt.Errorf("failed to append row: %w", err)
		}
	}

	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}
	return nil
}
