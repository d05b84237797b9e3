// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisForTest(t *testing.T) (*RedisStorage, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStorageWithClient(client, "test:")
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestRedisStorage(t *testing.T) {
	t.Parallel()
	runStorageSuite(t, func(t *testing.T) Storage {
		t.Helper()
		s, _ := newRedisForTest(t)
		return s
	})
}

func TestRedisStorage_TokenTTL(t *testing.T) {
	t.Parallel()

	s, mr := newRedisForTest(t)
	ctx := context.Background()

	tok := &Token{Kind: KindAccessToken, Signature: "sig", ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, s.CreateToken(ctx, tok))

	key := "test:token:access:sig"
	assert.True(t, mr.Exists(key))
	ttl := mr.TTL(key)
	assert.Greater(t, ttl, 59*time.Minute)
	assert.LessOrEqual(t, ttl, time.Hour)

	mr.FastForward(time.Hour + time.Second)
	_, err := s.GetToken(ctx, KindAccessToken, "sig")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStorage_KeyLayout(t *testing.T) {
	t.Parallel()

	s, mr := newRedisForTest(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.CreateClient(ctx, &Client{ID: "c1", CreatedAt: now}))
	require.NoError(t, s.CreateUser(ctx, &User{ID: "u1", Subject: "sub", APIKeyDigest: "d1", CreatedAt: now, UpdatedAt: now}))

	assert.True(t, mr.Exists("test:client:c1"))
	members, err := mr.Members("test:clients")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, members)

	id, err := mr.Get("test:user:subject:sub")
	require.NoError(t, err)
	assert.Equal(t, "u1", id)
	id, err = mr.Get("test:user:apikey:d1")
	require.NoError(t, err)
	assert.Equal(t, "u1", id)
}

func TestRedisStorage_ConnectionErrors(t *testing.T) {
	t.Parallel()

	s, mr := newRedisForTest(t)
	mr.Close()

	ctx := context.Background()
	require.Error(t, s.Health(ctx))
	_, err := s.GetToken(ctx, KindAccessToken, "sig")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestNewRedisStorage_RequiresAddress(t *testing.T) {
	t.Parallel()

	_, err := NewRedisStorage(context.Background(), RedisConfig{})
	require.Error(t, err)
}

func TestNewRedisStorage_Connects(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	s, err := NewRedisStorage(context.Background(), RedisConfig{Addrs: []string{mr.Addr()}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	assert.Equal(t, DefaultKeyPrefix, s.keyPrefix)
	require.NoError(t, s.Health(context.Background()))
}
