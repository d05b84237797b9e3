// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package users

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/lucas-1000/health-data-storage/pkg/authserver/storage"
	"github.com/lucas-1000/health-data-storage/pkg/authserver/storage/mocks"
)

func newTestDirectory(t *testing.T) (*Directory, *storage.MemoryStorage) {
	t.Helper()
	mem := storage.NewMemoryStorage()
	t.Cleanup(func() { _ = mem.Close() })
	return NewDirectory(mem), mem
}

// rotateAfterLookup runs rotate once, right after the first subject lookup.
type rotateAfterLookup struct {
	*storage.MemoryStorage
	rotate func()
	once   sync.Once
}

func (s *rotateAfterLookup) GetUserBySubject(ctx context.Context, subject string) (*storage.User, error) {
	u, err := s.MemoryStorage.GetUserBySubject(ctx, subject)
	s.once.Do(s.rotate)
	return u, err
}

func TestResolve(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("creates once per subject", func(t *testing.T) {
		t.Parallel()
		d, _ := newTestDirectory(t)

		first, created, err := d.Resolve(ctx, Profile{Subject: "u1", Email: "u1@example.com", Name: "User One"})
		require.NoError(t, err)
		assert.True(t, created)
		assert.NotEmpty(t, first.ID)
		assert.Empty(t, first.APIKeyDigest, "users start without an API key")

		second, created, err := d.Resolve(ctx, Profile{Subject: "u1"})
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, "u1@example.com", second.Email)
	})

	t.Run("refreshes changed profile fields", func(t *testing.T) {
		t.Parallel()
		d, mem := newTestDirectory(t)

		u, _, err := d.Resolve(ctx, Profile{Subject: "u1", Email: "old@example.com"})
		require.NoError(t, err)
		key, err := d.RotateAPIKey(ctx, u.ID)
		require.NoError(t, err)

		_, _, err = d.Resolve(ctx, Profile{Subject: "u1", Email: "new@example.com", Picture: "https://img.example/u1.png"})
		require.NoError(t, err)

		stored, err := mem.GetUser(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, "new@example.com", stored.Email)
		assert.Equal(t, "https://img.example/u1.png", stored.Picture)
		assert.Equal(t, DigestAPIKey(key), stored.APIKeyDigest)
	})

	t.Run("profile refresh keeps a key rotated mid-login", func(t *testing.T) {
		t.Parallel()
		mem := storage.NewMemoryStorage()
		t.Cleanup(func() { _ = mem.Close() })
		d := NewDirectory(mem)

		u, _, err := d.Resolve(ctx, Profile{Subject: "u1", Email: "old@example.com"})
		require.NoError(t, err)
		oldKey, err := d.RotateAPIKey(ctx, u.ID)
		require.NoError(t, err)

		// The rotation lands between the login's read and its profile write.
		var newKey string
		racing := &rotateAfterLookup{MemoryStorage: mem, rotate: func() {
			key, rotErr := d.RotateAPIKey(ctx, u.ID)
			require.NoError(t, rotErr)
			newKey = key
		}}
		_, _, err = NewDirectory(racing).Resolve(ctx, Profile{Subject: "u1", Email: "new@example.com"})
		require.NoError(t, err)
		require.NotEmpty(t, newKey)

		_, err = d.AuthenticateAPIKey(ctx, oldKey)
		require.ErrorIs(t, err, ErrInvalidAPIKey)
		got, err := d.AuthenticateAPIKey(ctx, newKey)
		require.NoError(t, err)
		assert.Equal(t, u.ID, got.ID)
		assert.Equal(t, "new@example.com", got.Email)
	})

	t.Run("requires a subject", func(t *testing.T) {
		t.Parallel()
		d, _ := newTestDirectory(t)
		_, _, err := d.Resolve(ctx, Profile{Email: "x@example.com"})
		require.Error(t, err)
	})

	t.Run("concurrent first logins converge on one user", func(t *testing.T) {
		t.Parallel()
		d, _ := newTestDirectory(t)

		ids := make([]string, 8)
		var wg sync.WaitGroup
		for i := range ids {
			wg.Add(1)
			go func() {
				defer wg.Done()
				u, _, err := d.Resolve(ctx, Profile{Subject: "racer"})
				if assert.NoError(t, err) {
					ids[i] = u.ID
				}
			}()
		}
		wg.Wait()
		for _, id := range ids {
			assert.Equal(t, ids[0], id)
		}
	})

	t.Run("storage failure creates nothing", func(t *testing.T) {
		t.Parallel()
		ctrl := gomock.NewController(t)
		stor := mocks.NewMockStorage(ctrl)
		stor.EXPECT().GetUserBySubject(gomock.Any(), "u1").Return(nil, errors.New("timeout"))

		_, _, err := NewDirectory(stor).Resolve(ctx, Profile{Subject: "u1"})
		require.Error(t, err)
	})
}

func TestAPIKeys(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d, mem := newTestDirectory(t)

	u, _, err := d.Resolve(ctx, Profile{Subject: "u1"})
	require.NoError(t, err)

	key, err := d.RotateAPIKey(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, APIKeyPrefix))

	stored, err := mem.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, DigestAPIKey(key), stored.APIKeyDigest)
	assert.NotContains(t, stored.APIKeyDigest, key)

	got, err := d.AuthenticateAPIKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	rotated, err := d.RotateAPIKey(ctx, u.ID)
	require.NoError(t, err)
	assert.NotEqual(t, key, rotated)

	_, err = d.AuthenticateAPIKey(ctx, key)
	require.ErrorIs(t, err, ErrInvalidAPIKey)
	_, err = d.AuthenticateAPIKey(ctx, "no-prefix")
	require.ErrorIs(t, err, ErrInvalidAPIKey)

	_, err = d.RotateAPIKey(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)

	fetched, err := d.Get(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "u1", fetched.Subject)
}
