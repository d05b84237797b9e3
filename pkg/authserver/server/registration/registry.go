// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package registration is the client registry: it creates confidential OAuth
// clients, verifies their credentials and validates OAuth 2.0 Dynamic Client
// Registration (RFC 7591) requests.
package registration

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/lucas-1000/health-data-storage/pkg/authserver/server"
	"github.com/lucas-1000/health-data-storage/pkg/authserver/storage"
	"github.com/lucas-1000/health-data-storage/pkg/logger"
)

// secretBytes is the entropy of generated client secrets.
const secretBytes = 32

// maxSecretLength is bcrypt's input limit.
const maxSecretLength = 72

// ErrInvalidCredentials is returned by Authenticate for an unknown client or a
// wrong secret. The two cases are deliberately indistinguishable.
var ErrInvalidCredentials = errors.New("invalid client credentials")

// ClientSpec describes a client to create.
type ClientSpec struct {
	// ID is optional; a UUID is generated when empty. Static clients set it.
	ID string

	// Secret is optional; a random secret is generated when empty.
	Secret string

	Name         string
	RedirectURIs []string
	Scopes       []string
	GrantTypes   []string
	Dynamic      bool
}

// Credentials is a newly created client together with its plaintext secret.
// The secret is never recoverable afterwards.
type Credentials struct {
	Client *storage.Client
	Secret string
}

// Registry manages registered clients.
type Registry struct {
	storage       storage.ClientStorage
	allowedScopes []string
	bcryptCost    int
	dummyHash     []byte
	now           func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithBcryptCost overrides the bcrypt cost used for secret hashes.
func WithBcryptCost(cost int) Option {
	return func(r *Registry) {
		r.bcryptCost = cost
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// NewRegistry creates a registry over stor. allowedScopes is the server-wide
// scope set; clients may only be granted scopes from it.
func NewRegistry(stor storage.ClientStorage, allowedScopes []string, opts ...Option) (*Registry, error) {
	if stor == nil {
		return nil, errors.New("client storage is required")
	}
	if len(allowedScopes) == 0 {
		return nil, errors.New("at least one allowed scope is required")
	}

	r := &Registry{
		storage:       stor,
		allowedScopes: slices.Clone(allowedScopes),
		bcryptCost:    bcrypt.DefaultCost,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	// Compared against when the client is unknown so both failure paths cost
	// one bcrypt comparison.
	dummy, err := bcrypt.GenerateFromPassword([]byte("unknown-client"), r.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare credential verifier: %w", err)
	}
	r.dummyHash = dummy
	return r, nil
}

// AllowedScopes returns the server-wide scope set.
func (r *Registry) AllowedScopes() []string {
	return slices.Clone(r.allowedScopes)
}

// Get returns a client or storage.ErrNotFound.
func (r *Registry) Get(ctx context.Context, clientID string) (*storage.Client, error) {
	return r.storage.GetClient(ctx, clientID)
}

// List returns all clients.
func (r *Registry) List(ctx context.Context) ([]*storage.Client, error) {
	return r.storage.ListClients(ctx)
}

// Create validates spec, generates missing credentials and stores the client.
// Every redirect URI must be an absolute http or https URI and every scope
// must be in the allowed set.
func (r *Registry) Create(ctx context.Context, spec ClientSpec) (*Credentials, error) {
	if len(spec.RedirectURIs) == 0 {
		return nil, errors.New("at least one redirect URI is required")
	}
	for _, uri := range spec.RedirectURIs {
		if dcrErr := ValidateRedirectURI(uri); dcrErr != nil {
			return nil, errors.New(dcrErr.ErrorDescription)
		}
	}

	scopes := spec.Scopes
	if len(scopes) == 0 {
		scopes = r.allowedScopes
	}
	if !server.ScopesAllowed(scopes, r.allowedScopes) {
		return nil, fmt.Errorf("scopes %v are not all in the allowed set %v", scopes, r.allowedScopes)
	}

	grantTypes := spec.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = defaultGrantTypes
	}
	for _, gt := range grantTypes {
		if !slices.Contains(server.SupportedGrantTypes, gt) {
			return nil, fmt.Errorf("unsupported grant type %q", gt)
		}
	}

	secret := spec.Secret
	if secret == "" {
		var err error
		if secret, err = generateSecret(); err != nil {
			return nil, err
		}
	}
	if len(secret) > maxSecretLength {
		return nil, fmt.Errorf("client secret must not exceed %d bytes", maxSecretLength)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), r.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash client secret: %w", err)
	}

	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	}

	client := &storage.Client{
		ID:           id,
		Name:         spec.Name,
		SecretHash:   hash,
		RedirectURIs: slices.Clone(spec.RedirectURIs),
		Scopes:       slices.Clone(scopes),
		GrantTypes:   slices.Clone(grantTypes),
		CreatedAt:    r.now().UTC(),
		Dynamic:      spec.Dynamic,
	}
	if err := r.storage.CreateClient(ctx, client); err != nil {
		return nil, fmt.Errorf("failed to store client: %w", err)
	}

	logger.Infow("registered OAuth client", "client_id", client.ID, "dynamic", client.Dynamic)
	return &Credentials{Client: client, Secret: secret}, nil
}

// Authenticate verifies a client's secret and returns the client.
func (r *Registry) Authenticate(ctx context.Context, clientID, secret string) (*storage.Client, error) {
	if clientID == "" {
		_ = bcrypt.CompareHashAndPassword(r.dummyHash, []byte(secret))
		return nil, ErrInvalidCredentials
	}

	client, err := r.storage.GetClient(ctx, clientID)
	if errors.Is(err, storage.ErrNotFound) {
		_ = bcrypt.CompareHashAndPassword(r.dummyHash, []byte(secret))
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load client: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword(client.SecretHash, []byte(secret)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return client, nil
}

// VerifyCredentials reports whether secret is the secret of clientID. Storage
// errors count as a failed verification.
func (r *Registry) VerifyCredentials(ctx context.Context, clientID, secret string) bool {
	_, err := r.Authenticate(ctx, clientID, secret)
	if err != nil && !errors.Is(err, ErrInvalidCredentials) {
		logger.Warnw("client verification failed", "client_id", clientID, "error", err)
	}
	return err == nil
}

// AddRedirectURI appends a redirect URI to an existing client. This is an
// administrative operation with no HTTP endpoint.
func (r *Registry) AddRedirectURI(ctx context.Context, clientID, uri string) error {
	if dcrErr := ValidateRedirectURI(uri); dcrErr != nil {
		return errors.New(dcrErr.ErrorDescription)
	}
	if err := r.storage.AddClientRedirectURI(ctx, clientID, uri); err != nil {
		return fmt.Errorf("failed to add redirect URI: %w", err)
	}
	logger.Infow("added redirect URI to client", "client_id", clientID)
	return nil
}

// Register validates a DCR request, filters its scopes against the allowed
// set and creates a dynamic client. Unsupported scopes are dropped; when none
// remain the client gets the allowed set, as if scope had been omitted.
func (r *Registry) Register(ctx context.Context, req *DCRRequest) (*DCRResponse, *DCRError, error) {
	validated, dcrErr := ValidateDCRRequest(req)
	if dcrErr != nil {
		return nil, dcrErr, nil
	}

	scopes := FilterScopes(validated.Scope, r.allowedScopes)
	if len(scopes) == 0 {
		logger.Debugw("no requested scopes are supported, registering with the allowed set",
			"requested", validated.Scope,
		)
		scopes = slices.Clone(r.allowedScopes)
	}

	creds, err := r.Create(ctx, ClientSpec{
		Name:         validated.ClientName,
		RedirectURIs: validated.RedirectURIs,
		Scopes:       scopes,
		GrantTypes:   validated.GrantTypes,
		Dynamic:      true,
	})
	if err != nil {
		return nil, nil, err
	}

	return &DCRResponse{
		ClientID:                creds.Client.ID,
		ClientSecret:            creds.Secret,
		ClientIDIssuedAt:        creds.Client.CreatedAt.Unix(),
		ClientSecretExpiresAt:   0,
		RedirectURIs:            creds.Client.RedirectURIs,
		ClientName:              creds.Client.Name,
		Scope:                   server.JoinScope(creds.Client.Scopes),
		TokenEndpointAuthMethod: validated.TokenEndpointAuthMethod,
		GrantTypes:              creds.Client.GrantTypes,
		ResponseTypes:           validated.ResponseTypes,
	}, nil, nil
}

func generateSecret() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate client secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
