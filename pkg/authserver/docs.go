// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package authserver assembles the OAuth 2.0 authorization server that guards
// the health data API.
//
// The server lets third-party applications (the mobile app, assistants acting
// as MCP clients) obtain scoped, short-lived credentials on behalf of a user.
// Users never authenticate here directly: every authorization is brokered to
// an upstream OpenID Connect provider, and the verified identity it returns is
// mapped onto a local user record.
//
// The server supports:
//   - Authorization Code grant with optional PKCE (RFC 6749, RFC 7636)
//   - Refresh token rotation
//   - Token revocation (RFC 7009) and introspection (RFC 7662)
//   - Dynamic Client Registration (RFC 7591)
//   - Authorization Server Metadata (RFC 8414)
//
// # Usage
//
// Storage is created separately and handed to New. Closing the server closes
// the storage as well:
//
//	stor, err := storage.NewStorage(ctx, &cfg.Storage)
//	if err != nil {
//	    return err
//	}
//	srv, err := authserver.New(ctx, cfg, stor)
//	if err != nil {
//	    return err
//	}
//	defer srv.Close()
//	mux.Handle("/", srv.Handler())
//
// # Storage
//
// Three backends implement storage.Storage:
//   - memory, for a single instance and tests
//   - redis, for several replicas sharing state
//   - sqlite, for a single instance that must survive restarts
//
// All replicas must share the same HMAC secret, since tokens minted by one
// instance are verified by the others.
package authserver
