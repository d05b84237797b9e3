// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package tokens mints, looks up, consumes, rotates and revokes the opaque
// tokens issued by the authorization server.
//
// A token handed to a client has the form "<prefix><key>.<signature>" where
// key and signature come from fosite's HMAC strategy. Only the signature is
// persisted, keyed by token kind, so a leaked storage snapshot cannot be
// replayed as bearer credentials. Every presented token is HMAC-validated
// before storage is consulted.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ory/fosite"
	"github.com/ory/fosite/token/hmac"

	"github.com/lucas-1000/health-data-storage/pkg/authserver/storage"
	"github.com/lucas-1000/health-data-storage/pkg/logger"
)

// MinSecretLength is the minimum HMAC secret size accepted by NewStore.
const MinSecretLength = 32

// Default lifetimes per token kind.
const (
	DefaultCodeLifetime    = 5 * time.Minute
	DefaultAccessLifetime  = time.Hour
	DefaultRefreshLifetime = 30 * 24 * time.Hour
	DefaultStateLifetime   = 10 * time.Minute
)

var prefixes = map[storage.TokenKind]string{
	storage.KindAuthorizationCode: "hds_ac_",
	storage.KindAccessToken:       "hds_at_",
	storage.KindRefreshToken:      "hds_rt_",
	storage.KindState:             "hds_st_",
}

var (
	// ErrClientMismatch is returned when a token is presented by a client
	// other than the one it was issued to.
	ErrClientMismatch = errors.New("token was issued to another client")

	// ErrWrongKind is returned when a token of one kind is presented where
	// another kind is required.
	ErrWrongKind = errors.New("token kind does not match")
)

// Lifetimes configures how long each kind of token lives.
type Lifetimes struct {
	Code    time.Duration `json:"code,omitempty" yaml:"code,omitempty" toml:"code,omitempty" mapstructure:"code"`
	Access  time.Duration `json:"access,omitempty" yaml:"access,omitempty" toml:"access,omitempty" mapstructure:"access"`
	Refresh time.Duration `json:"refresh,omitempty" yaml:"refresh,omitempty" toml:"refresh,omitempty" mapstructure:"refresh"`
	State   time.Duration `json:"state,omitempty" yaml:"state,omitempty" toml:"state,omitempty" mapstructure:"state"`
}

// DefaultLifetimes returns the default token lifetimes.
func DefaultLifetimes() Lifetimes {
	return Lifetimes{
		Code:    DefaultCodeLifetime,
		Access:  DefaultAccessLifetime,
		Refresh: DefaultRefreshLifetime,
		State:   DefaultStateLifetime,
	}
}

func (l Lifetimes) forKind(kind storage.TokenKind) time.Duration {
	switch kind {
	case storage.KindAuthorizationCode:
		return l.Code
	case storage.KindAccessToken:
		return l.Access
	case storage.KindRefreshToken:
		return l.Refresh
	default:
		return l.State
	}
}

// Pair is an access/refresh token pair returned by the token endpoint.
type Pair struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
	Scopes       []string
	UserID       string
	ClientID     string
}

// Store issues and resolves tokens on top of storage.TokenStorage.
type Store struct {
	storage   storage.TokenStorage
	strategy  *hmac.HMACStrategy
	lifetimes Lifetimes
	now       func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLifetimes overrides the token lifetimes. Zero fields keep their defaults.
func WithLifetimes(l Lifetimes) Option {
	return func(s *Store) {
		if l.Code > 0 {
			s.lifetimes.Code = l.Code
		}
		if l.Access > 0 {
			s.lifetimes.Access = l.Access
		}
		if l.Refresh > 0 {
			s.lifetimes.Refresh = l.Refresh
		}
		if l.State > 0 {
			s.lifetimes.State = l.State
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates a Store signing tokens with secret, which must be at least
// MinSecretLength bytes.
func NewStore(stor storage.TokenStorage, secret []byte, opts ...Option) (*Store, error) {
	if stor == nil {
		return nil, errors.New("token storage is required")
	}
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("token secret must be at least %d bytes, got %d", MinSecretLength, len(secret))
	}

	s := &Store{
		storage: stor,
		strategy: &hmac.HMACStrategy{
			Config: &fosite.Config{GlobalSecret: secret},
		},
		lifetimes: DefaultLifetimes(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Lifetimes returns the effective lifetimes.
func (s *Store) Lifetimes() Lifetimes {
	return s.lifetimes
}

// KindOf returns the kind encoded in a token's prefix.
func KindOf(token string) (storage.TokenKind, bool) {
	for kind, prefix := range prefixes {
		if strings.HasPrefix(token, prefix) {
			return kind, true
		}
	}
	return "", false
}

// signature validates the token's HMAC and returns its kind and signature.
func (s *Store) signature(ctx context.Context, token string) (storage.TokenKind, string, error) {
	kind, ok := KindOf(token)
	if !ok {
		return "", "", fmt.Errorf("%w: unrecognised token format", storage.ErrNotFound)
	}
	raw := strings.TrimPrefix(token, prefixes[kind])
	if err := s.strategy.Validate(ctx, raw); err != nil {
		return "", "", fmt.Errorf("%w: token failed validation", storage.ErrNotFound)
	}
	return kind, s.strategy.Signature(raw), nil
}

func (s *Store) mint(ctx context.Context, rec *storage.Token, ttl time.Duration) (string, error) {
	raw, sig, err := s.strategy.Generate(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	if ttl <= 0 {
		ttl = s.lifetimes.forKind(rec.Kind)
	}
	now := s.now()
	rec.Signature = sig
	rec.IssuedAt = now
	rec.ExpiresAt = now.Add(ttl)
	return prefixes[rec.Kind] + raw, nil
}

// Issue mints a token for the record template rec and persists it. Kind,
// owner and binding fields come from rec; Signature, IssuedAt and ExpiresAt
// are filled in. A zero ttl uses the lifetime configured for the kind.
func (s *Store) Issue(ctx context.Context, rec *storage.Token, ttl time.Duration) (string, error) {
	if rec == nil || !rec.Kind.Valid() {
		return "", errors.New("a token record with a valid kind is required")
	}

	token, err := s.mint(ctx, rec, ttl)
	if err != nil {
		return "", err
	}
	if err := s.storage.CreateToken(ctx, rec); err != nil {
		return "", fmt.Errorf("failed to store %s token: %w", rec.Kind, err)
	}
	return token, nil
}

func (s *Store) newPairRecords(ctx context.Context, userID, clientID string, scopes []string) (*Pair, *storage.Token, *storage.Token, error) {
	access := &storage.Token{Kind: storage.KindAccessToken, UserID: userID, ClientID: clientID, Scopes: scopes}
	accessToken, err := s.mint(ctx, access, 0)
	if err != nil {
		return nil, nil, nil, err
	}
	refresh := &storage.Token{Kind: storage.KindRefreshToken, UserID: userID, ClientID: clientID, Scopes: scopes}
	refreshToken, err := s.mint(ctx, refresh, 0)
	if err != nil {
		return nil, nil, nil, err
	}
	refresh.LinkedSignature = access.Signature

	return &Pair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    s.lifetimes.Access,
		Scopes:       scopes,
		UserID:       userID,
		ClientID:     clientID,
	}, access, refresh, nil
}

// IssuePair mints and stores a linked access/refresh pair. If the refresh
// token cannot be stored the access token is removed again, so callers never
// receive a half-stored pair.
func (s *Store) IssuePair(ctx context.Context, userID, clientID string, scopes []string) (*Pair, error) {
	pair, access, refresh, err := s.newPairRecords(ctx, userID, clientID, scopes)
	if err != nil {
		return nil, err
	}

	if err := s.storage.CreateToken(ctx, access); err != nil {
		return nil, fmt.Errorf("failed to store access token: %w", err)
	}
	if err := s.storage.CreateToken(ctx, refresh); err != nil {
		if delErr := s.storage.DeleteToken(ctx, storage.KindAccessToken, access.Signature); delErr != nil {
			logger.Warnw("failed to remove orphaned access token", "error", delErr)
		}
		return nil, fmt.Errorf("failed to store refresh token: %w", err)
	}
	return pair, nil
}

// Lookup resolves any token to its live record. Malformed, forged, unknown
// and expired tokens all yield storage.ErrNotFound.
func (s *Store) Lookup(ctx context.Context, token string) (*storage.Token, error) {
	kind, sig, err := s.signature(ctx, token)
	if err != nil {
		return nil, err
	}
	rec, err := s.storage.GetToken(ctx, kind, sig)
	if err != nil {
		return nil, err
	}
	if rec.IsExpired(s.now()) {
		return nil, fmt.Errorf("%w: %s token expired", storage.ErrNotFound, kind)
	}
	return rec, nil
}

// Consume resolves a token of the given kind and deletes it atomically. Used
// for authorization codes and state tokens, which are single use.
func (s *Store) Consume(ctx context.Context, kind storage.TokenKind, token string) (*storage.Token, error) {
	got, sig, err := s.signature(ctx, token)
	if err != nil {
		return nil, err
	}
	if got != kind {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrWrongKind, kind, got)
	}
	rec, err := s.storage.ConsumeToken(ctx, kind, sig)
	if err != nil {
		return nil, err
	}
	if rec.IsExpired(s.now()) {
		return nil, fmt.Errorf("%w: %s token expired", storage.ErrNotFound, kind)
	}
	return rec, nil
}

// Revoke deletes a token. Unknown, malformed and already revoked tokens are
// not an error. Revoking a refresh token also revokes the access token issued
// with it; revoking an access token leaves its refresh token alone.
//
// When clientID is not empty the token is only revoked if it belongs to that
// client; tokens of other clients are silently left in place.
func (s *Store) Revoke(ctx context.Context, token, clientID string) error {
	kind, sig, err := s.signature(ctx, token)
	if err != nil {
		return nil
	}

	rec, err := s.storage.GetToken(ctx, kind, sig)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up token for revocation: %w", err)
	}
	if clientID != "" && rec.ClientID != clientID {
		logger.Debugw("ignoring revocation of another client's token", "client_id", clientID, "kind", kind)
		return nil
	}

	if err := s.storage.DeleteToken(ctx, kind, sig); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	if kind == storage.KindRefreshToken && rec.LinkedSignature != "" {
		if err := s.storage.DeleteToken(ctx, storage.KindAccessToken, rec.LinkedSignature); err != nil {
			return fmt.Errorf("failed to revoke linked access token: %w", err)
		}
	}
	return nil
}

// RotateRefresh exchanges a refresh token for a new pair bound to the same
// user, client and scopes. Of several concurrent rotations of one refresh
// token at most one succeeds; the others get storage.ErrNotFound. A refresh
// token presented by the wrong client yields ErrClientMismatch and is left
// untouched.
func (s *Store) RotateRefresh(ctx context.Context, refreshToken, clientID string) (*Pair, error) {
	kind, sig, err := s.signature(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	if kind != storage.KindRefreshToken {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrWrongKind, storage.KindRefreshToken, kind)
	}

	old, err := s.storage.GetToken(ctx, storage.KindRefreshToken, sig)
	if err != nil {
		return nil, err
	}
	if old.IsExpired(s.now()) {
		return nil, fmt.Errorf("%w: refresh token expired", storage.ErrNotFound)
	}
	if old.ClientID != clientID {
		return nil, ErrClientMismatch
	}

	pair, access, refresh, err := s.newPairRecords(ctx, old.UserID, old.ClientID, old.Scopes)
	if err != nil {
		return nil, err
	}
	if err := s.storage.RotateRefreshToken(ctx, sig, access, refresh); err != nil {
		return nil, err
	}
	return pair, nil
}
