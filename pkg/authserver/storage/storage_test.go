// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStorageSuite exercises the behaviour every backend must share.
func runStorageSuite(t *testing.T, newStorage func(t *testing.T) Storage) {
	t.Helper()

	t.Run("clients", func(t *testing.T) {
		t.Parallel()
		testClients(t, newStorage(t))
	})
	t.Run("tokens", func(t *testing.T) {
		t.Parallel()
		testTokens(t, newStorage(t))
	})
	t.Run("consume is exactly once", func(t *testing.T) {
		t.Parallel()
		testConcurrentConsume(t, newStorage(t))
	})
	t.Run("rotate refresh token", func(t *testing.T) {
		t.Parallel()
		testRotate(t, newStorage(t))
	})
	t.Run("concurrent rotation succeeds once", func(t *testing.T) {
		t.Parallel()
		testConcurrentRotate(t, newStorage(t))
	})
	t.Run("users", func(t *testing.T) {
		t.Parallel()
		testUsers(t, newStorage(t))
	})
	t.Run("health", func(t *testing.T) {
		t.Parallel()
		require.NoError(t, newStorage(t).Health(context.Background()))
	})
}

func newTestToken(kind TokenKind, sig string, ttl time.Duration) *Token {
	now := time.Now().Truncate(time.Millisecond)
	return &Token{
		Kind:      kind,
		Signature: sig,
		UserID:    "user-1",
		ClientID:  "client-1",
		Scopes:    []string{"openid", "profile"},
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
}

func testClients(t *testing.T, s Storage) {
	t.Helper()
	ctx := context.Background()

	base := time.Now().Truncate(time.Millisecond)
	c1 := &Client{
		ID:           "client-b",
		Name:         "Second",
		SecretHash:   []byte("hash-b"),
		RedirectURIs: []string{"https://b.example/cb"},
		Scopes:       []string{"openid"},
		GrantTypes:   []string{"authorization_code", "refresh_token"},
		CreatedAt:    base,
	}
	c2 := &Client{
		ID:           "client-a",
		SecretHash:   []byte("hash-a"),
		RedirectURIs: []string{"https://a.example/cb"},
		CreatedAt:    base.Add(time.Second),
		Dynamic:      true,
	}

	require.NoError(t, s.CreateClient(ctx, c1))
	require.NoError(t, s.CreateClient(ctx, c2))
	require.ErrorIs(t, s.CreateClient(ctx, c1), ErrAlreadyExists)

	got, err := s.GetClient(ctx, "client-b")
	require.NoError(t, err)
	assert.Equal(t, c1.Name, got.Name)
	assert.Equal(t, c1.SecretHash, got.SecretHash)
	assert.Equal(t, c1.RedirectURIs, got.RedirectURIs)
	assert.Equal(t, c1.GrantTypes, got.GrantTypes)
	assert.True(t, c1.CreatedAt.Equal(got.CreatedAt))

	_, err = s.GetClient(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	list, err := s.ListClients(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "client-b", list[0].ID)
	assert.Equal(t, "client-a", list[1].ID)
	assert.True(t, list[1].Dynamic)

	require.NoError(t, s.AddClientRedirectURI(ctx, "client-a", "https://a.example/other"))
	require.NoError(t, s.AddClientRedirectURI(ctx, "client-a", "https://a.example/other"))
	got, err = s.GetClient(ctx, "client-a")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example/cb", "https://a.example/other"}, got.RedirectURIs)

	require.ErrorIs(t, s.AddClientRedirectURI(ctx, "missing", "https://x.example"), ErrNotFound)
}

func testTokens(t *testing.T, s Storage) {
	t.Helper()
	ctx := context.Background()

	code := newTestToken(KindAuthorizationCode, "sig-code", time.Minute)
	code.RedirectURI = "https://a.example/cb"
	code.CodeChallenge = "challenge"
	require.NoError(t, s.CreateToken(ctx, code))
	require.ErrorIs(t, s.CreateToken(ctx, code), ErrAlreadyExists)

	got, err := s.GetToken(ctx, KindAuthorizationCode, "sig-code")
	require.NoError(t, err)
	assert.Equal(t, code.RedirectURI, got.RedirectURI)
	assert.Equal(t, code.CodeChallenge, got.CodeChallenge)
	assert.Equal(t, code.Scopes, got.Scopes)
	assert.True(t, code.ExpiresAt.Equal(got.ExpiresAt))

	// Same signature under another kind is a different record.
	_, err = s.GetToken(ctx, KindAccessToken, "sig-code")
	require.ErrorIs(t, err, ErrNotFound)

	consumed, err := s.ConsumeToken(ctx, KindAuthorizationCode, "sig-code")
	require.NoError(t, err)
	assert.Equal(t, "user-1", consumed.UserID)
	_, err = s.ConsumeToken(ctx, KindAuthorizationCode, "sig-code")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetToken(ctx, KindAuthorizationCode, "sig-code")
	require.ErrorIs(t, err, ErrNotFound)

	state := newTestToken(KindState, "sig-state", time.Minute)
	state.Pending = &PendingAuthorization{
		ClientID:             "client-1",
		RedirectURI:          "https://a.example/cb",
		State:                "xyz",
		Scopes:               []string{"openid"},
		UpstreamPKCEVerifier: "verifier",
		UpstreamNonce:        "nonce",
	}
	require.NoError(t, s.CreateToken(ctx, state))
	gotState, err := s.ConsumeToken(ctx, KindState, "sig-state")
	require.NoError(t, err)
	if diff := cmp.Diff(state.Pending, gotState.Pending); diff != "" {
		t.Errorf("pending authorization mismatch (-want +got):\n%s", diff)
	}

	expired := newTestToken(KindAccessToken, "sig-expired", -time.Second)
	require.NoError(t, s.CreateToken(ctx, expired))
	_, err = s.GetToken(ctx, KindAccessToken, "sig-expired")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.ConsumeToken(ctx, KindAccessToken, "sig-expired")
	require.ErrorIs(t, err, ErrNotFound)

	access := newTestToken(KindAccessToken, "sig-access", time.Hour)
	require.NoError(t, s.CreateToken(ctx, access))
	require.NoError(t, s.DeleteToken(ctx, KindAccessToken, "sig-access"))
	require.NoError(t, s.DeleteToken(ctx, KindAccessToken, "sig-access"))
	_, err = s.GetToken(ctx, KindAccessToken, "sig-access")
	require.ErrorIs(t, err, ErrNotFound)

	require.Error(t, s.CreateToken(ctx, &Token{Kind: "bogus", Signature: "x"}))
	require.Error(t, s.CreateToken(ctx, &Token{Kind: KindAccessToken}))
}

func testConcurrentConsume(t *testing.T, s Storage) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, s.CreateToken(ctx, newTestToken(KindAuthorizationCode, "race", time.Minute)))

	const workers = 16
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ConsumeToken(ctx, KindAuthorizationCode, "race"); err == nil {
				successes.Add(1)
			} else {
				assert.ErrorIs(t, err, ErrNotFound)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
}

func testRotate(t *testing.T, s Storage) {
	t.Helper()
	ctx := context.Background()

	oldAccess := newTestToken(KindAccessToken, "at-1", time.Hour)
	oldRefresh := newTestToken(KindRefreshToken, "rt-1", 24*time.Hour)
	oldRefresh.LinkedSignature = "at-1"
	require.NoError(t, s.CreateToken(ctx, oldAccess))
	require.NoError(t, s.CreateToken(ctx, oldRefresh))

	newAccess := newTestToken(KindAccessToken, "at-2", time.Hour)
	newRefresh := newTestToken(KindRefreshToken, "rt-2", 24*time.Hour)
	newRefresh.LinkedSignature = "at-2"

	require.NoError(t, s.RotateRefreshToken(ctx, "rt-1", newAccess, newRefresh))

	_, err := s.GetToken(ctx, KindRefreshToken, "rt-1")
	require.ErrorIs(t, err, ErrNotFound)
	got, err := s.GetToken(ctx, KindRefreshToken, "rt-2")
	require.NoError(t, err)
	assert.Equal(t, "at-2", got.LinkedSignature)
	_, err = s.GetToken(ctx, KindAccessToken, "at-2")
	require.NoError(t, err)

	// The previous access token stays valid until it expires.
	_, err = s.GetToken(ctx, KindAccessToken, "at-1")
	require.NoError(t, err)

	// Rotating a spent refresh token stores nothing.
	err = s.RotateRefreshToken(ctx, "rt-1",
		newTestToken(KindAccessToken, "at-3", time.Hour),
		newTestToken(KindRefreshToken, "rt-3", time.Hour))
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetToken(ctx, KindAccessToken, "at-3")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetToken(ctx, KindRefreshToken, "rt-3")
	require.ErrorIs(t, err, ErrNotFound)
}

func testConcurrentRotate(t *testing.T, s Storage) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, s.CreateToken(ctx, newTestToken(KindRefreshToken, "rt-race", time.Hour)))

	const workers = 12
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
	)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.RotateRefreshToken(ctx, "rt-race",
				newTestToken(KindAccessToken, fmt.Sprintf("at-%d", i), time.Hour),
				newTestToken(KindRefreshToken, fmt.Sprintf("rt-%d", i), time.Hour))
			if err == nil {
				successes.Add(1)
			} else {
				assert.ErrorIs(t, err, ErrNotFound)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
}

func testUsers(t *testing.T, s Storage) {
	t.Helper()
	ctx := context.Background()

	now := time.Now().Truncate(time.Millisecond)
	u := &User{
		ID:        "user-1",
		Subject:   "google|123",
		Email:     "a@example.com",
		Name:      "Ada",
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.CreateUser(ctx, u))
	require.ErrorIs(t, s.CreateUser(ctx, u), ErrAlreadyExists)

	dupSubject := *u
	dupSubject.ID = "user-2"
	require.ErrorIs(t, s.CreateUser(ctx, &dupSubject), ErrAlreadyExists)

	got, err := s.GetUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, u.Email, got.Email)
	assert.True(t, u.CreatedAt.Equal(got.CreatedAt))

	got, err = s.GetUserBySubject(ctx, "google|123")
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.ID)

	_, err = s.GetUserBySubject(ctx, "google|999")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetUserByAPIKeyDigest(ctx, "")
	require.ErrorIs(t, err, ErrNotFound)

	later := now.Add(time.Minute)
	require.NoError(t, s.SetUserAPIKeyDigest(ctx, "user-1", "digest-1", later))
	require.NoError(t, s.UpdateUserProfile(ctx, "user-1", UserProfile{Email: u.Email, Name: "Ada L.", UpdatedAt: later}))

	got, err = s.GetUserByAPIKeyDigest(ctx, "digest-1")
	require.NoError(t, err)
	assert.Equal(t, "Ada L.", got.Name)
	assert.Equal(t, "digest-1", got.APIKeyDigest, "profile update must keep the digest")
	assert.True(t, later.Equal(got.UpdatedAt))

	require.NoError(t, s.SetUserAPIKeyDigest(ctx, "user-1", "digest-2", later))
	_, err = s.GetUserByAPIKeyDigest(ctx, "digest-1")
	require.ErrorIs(t, err, ErrNotFound)
	got, err = s.GetUserByAPIKeyDigest(ctx, "digest-2")
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.ID)
	assert.Equal(t, "Ada L.", got.Name, "digest update must keep the profile")

	other := &User{ID: "user-3", Subject: "google|456", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateUser(ctx, other))
	require.ErrorIs(t, s.SetUserAPIKeyDigest(ctx, "user-3", "digest-2", later), ErrAlreadyExists)
	got, err = s.GetUserByAPIKeyDigest(ctx, "digest-2")
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.ID)

	require.ErrorIs(t, s.UpdateUserProfile(ctx, "nope", UserProfile{UpdatedAt: later}), ErrNotFound)
	require.ErrorIs(t, s.SetUserAPIKeyDigest(ctx, "nope", "digest-9", later), ErrNotFound)
}
