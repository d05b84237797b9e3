// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storage provides the persistence interfaces and backends for the
// authorization server: registered clients, issued tokens and the users that
// tokens are issued to.
//
// Three backends implement [Storage]: an in-memory map store for development
// and tests, a Redis store for horizontally scaled deployments, and a SQLite
// store for single-node persistent installs. Every backend honours the same
// contract:
//
//   - records whose ExpiresAt has passed are reported as [ErrNotFound]
//   - [TokenStorage.ConsumeToken] returns a token to exactly one caller
//   - [TokenStorage.RotateRefreshToken] replaces a refresh token with a new
//     access/refresh pair atomically, so concurrent rotations of the same
//     refresh token succeed at most once
package storage

//go:generate mockgen -destination=mocks/mock_storage.go -package=mocks github.com/lucas-1000/health-data-storage/pkg/authserver/storage Storage

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/stacklok/toolhive-core/httperr"
)

var (
	// ErrNotFound is returned when a record does not exist or has expired.
	ErrNotFound = httperr.WithCode(errors.New("not found"), http.StatusNotFound)

	// ErrAlreadyExists is returned when creating a record whose key is taken.
	ErrAlreadyExists = httperr.WithCode(errors.New("already exists"), http.StatusConflict)
)

// TokenKind distinguishes the token families kept in the token table.
type TokenKind string

const (
	// KindAuthorizationCode is a single-use authorization code.
	KindAuthorizationCode TokenKind = "code"
	// KindAccessToken is a bearer access token.
	KindAccessToken TokenKind = "access"
	// KindRefreshToken is a refresh token.
	KindRefreshToken TokenKind = "refresh"
	// KindState carries a pending authorization across the upstream login.
	KindState TokenKind = "state"
)

// Valid reports whether k is one of the known kinds.
func (k TokenKind) Valid() bool {
	switch k {
	case KindAuthorizationCode, KindAccessToken, KindRefreshToken, KindState:
		return true
	}
	return false
}

// Client is a registered OAuth client.
type Client struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`

	// SecretHash is the bcrypt hash of the client secret. The plaintext is
	// never stored.
	SecretHash []byte `json:"secret_hash"`

	RedirectURIs []string  `json:"redirect_uris"`
	Scopes       []string  `json:"scopes,omitempty"`
	GrantTypes   []string  `json:"grant_types,omitempty"`
	CreatedAt    time.Time `json:"created_at"`

	// Dynamic is set for clients created through dynamic registration.
	Dynamic bool `json:"dynamic,omitempty"`
}

// HasRedirectURI reports whether uri is registered for the client. The match
// is exact.
func (c *Client) HasRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// PendingAuthorization is the client request parked while the user signs in
// with the upstream identity provider. It travels inside a state token.
type PendingAuthorization struct {
	ClientID    string   `json:"client_id"`
	RedirectURI string   `json:"redirect_uri"`
	State       string   `json:"state,omitempty"`
	Scopes      []string `json:"scopes,omitempty"`

	// CodeChallenge is the downstream client's S256 PKCE challenge, if any.
	CodeChallenge string `json:"code_challenge,omitempty"`

	// UpstreamPKCEVerifier and UpstreamNonce protect the upstream leg.
	UpstreamPKCEVerifier string `json:"upstream_pkce_verifier"`
	UpstreamNonce        string `json:"upstream_nonce"`
}

// Token is a stored record for any token kind. Records are keyed by
// (Kind, Signature); the token value itself is never persisted.
type Token struct {
	Kind      TokenKind `json:"kind"`
	Signature string    `json:"signature"`
	UserID    string    `json:"user_id,omitempty"`
	ClientID  string    `json:"client_id,omitempty"`
	Scopes    []string  `json:"scopes,omitempty"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`

	// LinkedSignature points from a refresh token to the access token issued
	// alongside it.
	LinkedSignature string `json:"linked_signature,omitempty"`

	// RedirectURI and CodeChallenge are bound to authorization codes.
	RedirectURI   string `json:"redirect_uri,omitempty"`
	CodeChallenge string `json:"code_challenge,omitempty"`

	// Pending is set on state tokens.
	Pending *PendingAuthorization `json:"pending,omitempty"`
}

// IsExpired reports whether the token is past its expiry at now.
func (t *Token) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// TTL returns the remaining lifetime at now, never negative.
func (t *Token) TTL(now time.Time) time.Duration {
	return max(t.ExpiresAt.Sub(now), 0)
}

// User is a local account bound to one upstream identity.
type User struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	Email   string `json:"email,omitempty"`
	Name    string `json:"name,omitempty"`
	Picture string `json:"picture,omitempty"`

	// APIKeyDigest is the hex SHA-256 of the user's API key, empty if none.
	APIKeyDigest string `json:"api_key_digest,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UserProfile is the upstream-sourced part of a user record.
type UserProfile struct {
	Email     string
	Name      string
	Picture   string
	UpdatedAt time.Time
}

// ClientStorage persists OAuth clients.
type ClientStorage interface {
	// CreateClient stores a new client. ErrAlreadyExists if the ID is taken.
	CreateClient(ctx context.Context, client *Client) error

	// GetClient returns the client with the given ID or ErrNotFound.
	GetClient(ctx context.Context, id string) (*Client, error)

	// ListClients returns all clients ordered by creation time.
	ListClients(ctx context.Context) ([]*Client, error)

	// AddClientRedirectURI appends uri to the client's redirect URIs.
	// Adding a URI that is already registered is a no-op.
	AddClientRedirectURI(ctx context.Context, id, uri string) error
}

// TokenStorage persists token records.
type TokenStorage interface {
	// CreateToken stores a token record. ErrAlreadyExists on a duplicate key.
	CreateToken(ctx context.Context, token *Token) error

	// GetToken returns a live token record or ErrNotFound.
	GetToken(ctx context.Context, kind TokenKind, signature string) (*Token, error)

	// DeleteToken removes a token record. Deleting a missing record is not
	// an error.
	DeleteToken(ctx context.Context, kind TokenKind, signature string) error

	// ConsumeToken atomically returns and deletes a live token record.
	// Exactly one of several concurrent callers receives the record; the
	// others get ErrNotFound.
	ConsumeToken(ctx context.Context, kind TokenKind, signature string) (*Token, error)

	// RotateRefreshToken atomically deletes the refresh token identified by
	// oldSignature and stores the new access and refresh records. It returns
	// ErrNotFound, and stores nothing, if the old refresh token is gone.
	RotateRefreshToken(ctx context.Context, oldSignature string, access, refresh *Token) error
}

// UserStorage persists users.
type UserStorage interface {
	// CreateUser stores a new user. ErrAlreadyExists if the ID or the
	// upstream subject is already taken.
	CreateUser(ctx context.Context, user *User) error

	// GetUser returns the user with the given ID or ErrNotFound.
	GetUser(ctx context.Context, id string) (*User, error)

	// GetUserBySubject looks a user up by upstream subject.
	GetUserBySubject(ctx context.Context, subject string) (*User, error)

	// GetUserByAPIKeyDigest looks a user up by API key digest.
	GetUserByAPIKeyDigest(ctx context.Context, digest string) (*User, error)

	// UpdateUserProfile overwrites the profile fields of an existing user.
	// The API key digest is left untouched.
	UpdateUserProfile(ctx context.Context, id string, profile UserProfile) error

	// SetUserAPIKeyDigest replaces the user's API key digest and its lookup
	// index. The profile fields are left untouched. ErrAlreadyExists if
	// another user holds the digest.
	SetUserAPIKeyDigest(ctx context.Context, id, digest string, updatedAt time.Time) error
}

// Storage is the full persistence surface used by the authorization server.
type Storage interface {
	ClientStorage
	TokenStorage
	UserStorage

	// Health reports whether the backend is reachable.
	Health(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

func cloneClient(c *Client) *Client {
	if c == nil {
		return nil
	}
	out := *c
	out.SecretHash = slices.Clone(c.SecretHash)
	out.RedirectURIs = slices.Clone(c.RedirectURIs)
	out.Scopes = slices.Clone(c.Scopes)
	out.GrantTypes = slices.Clone(c.GrantTypes)
	return &out
}

func cloneToken(t *Token) *Token {
	if t == nil {
		return nil
	}
	out := *t
	out.Scopes = slices.Clone(t.Scopes)
	if t.Pending != nil {
		p := *t.Pending
		p.Scopes = slices.Clone(t.Pending.Scopes)
		out.Pending = &p
	}
	return &out
}

func cloneUser(u *User) *User {
	if u == nil {
		return nil
	}
	out := *u
	return &out
}

func validateToken(t *Token) error {
	if t == nil {
		return errors.New("token cannot be nil")
	}
	if !t.Kind.Valid() {
		return errors.New("token kind is invalid")
	}
	if t.Signature == "" {
		return errors.New("token signature cannot be empty")
	}
	return nil
}

func validateUser(u *User) error {
	if u == nil {
		return errors.New("user cannot be nil")
	}
	if u.ID == "" {
		return errors.New("user ID cannot be empty")
	}
	if u.Subject == "" {
		return errors.New("user subject cannot be empty")
	}
	return nil
}

func validateClient(c *Client) error {
	if c == nil {
		return errors.New("client cannot be nil")
	}
	if c.ID == "" {
		return errors.New("client ID cannot be empty")
	}
	return nil
}
