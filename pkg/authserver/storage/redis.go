// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key layout, relative to the configured prefix:
//
//	client:{id}                 JSON Client
//	clients                     SET of client IDs
//	token:{kind}:{signature}    JSON Token, PX set to the remaining lifetime
//	user:{id}                   JSON User
//	user:subject:{subject}      user ID
//	user:apikey:{digest}        user ID
//
// Rotation and user creation run as Lua scripts touching several keys. On a
// Redis Cluster the prefix must therefore be a hash tag such as "{hds}:" so
// all keys land in one slot.
const (
	keyClient      = "client"
	keyClientSet   = "clients"
	keyToken       = "token"
	keyUser        = "user"
	keyUserSubject = "user:subject"
	keyUserAPIKey  = "user:apikey"
)

// RedisStorage implements Storage on top of Redis. It supports standalone
// servers, clusters and sentinel failover through redis.UniversalClient.
type RedisStorage struct {
	client    redis.UniversalClient
	keyPrefix string
	now       func() time.Time
}

// NewRedisStorage connects to Redis and verifies the connection.
func NewRedisStorage(ctx context.Context, cfg RedisConfig) (*RedisStorage, error) {
	if len(cfg.Addrs) == 0 {
		return nil, errors.New("invalid redis configuration: at least one address is required")
	}

	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        cfg.Addrs,
		MasterName:   cfg.MasterName,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisStorageWithClient(client, cfg.KeyPrefix), nil
}

// NewRedisStorageWithClient wraps a pre-configured client. Tests use it with
// miniredis.
func NewRedisStorageWithClient(client redis.UniversalClient, keyPrefix string) *RedisStorage {
	return &RedisStorage{
		client:    client,
		keyPrefix: keyPrefix,
		now:       time.Now,
	}
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}

// Health pings Redis.
func (s *RedisStorage) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStorage) key(parts ...string) string {
	k := s.keyPrefix
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

func (s *RedisStorage) tokenKey(kind TokenKind, signature string) string {
	return s.key(keyToken, string(kind), signature)
}

// -----------------------
// Clients
// -----------------------

// CreateClient stores a new client.
func (s *RedisStorage) CreateClient(ctx context.Context, client *Client) error {
	if err := validateClient(client); err != nil {
		return err
	}

	data, err := json.Marshal(client)
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.key(keyClient, client.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to store client: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: client %s", ErrAlreadyExists, client.ID)
	}

	if err := s.client.SAdd(ctx, s.key(keyClientSet), client.ID).Err(); err != nil {
		return fmt.Errorf("failed to index client: %w", err)
	}
	return nil
}

// GetClient returns a client by ID.
func (s *RedisStorage) GetClient(ctx context.Context, id string) (*Client, error) {
	data, err := s.client.Get(ctx, s.key(keyClient, id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: client", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	var c Client
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client: %w", err)
	}
	return &c, nil
}

// ListClients returns all clients ordered by creation time, then ID.
func (s *RedisStorage) ListClients(ctx context.Context) ([]*Client, error) {
	ids, err := s.client.SMembers(ctx, s.key(keyClientSet)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}

	out := make([]*Client, 0, len(ids))
	for _, id := range ids {
		c, err := s.GetClient(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}

	slices.SortFunc(out, func(a, b *Client) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

// AddClientRedirectURI appends a redirect URI using an optimistic WATCH
// transaction so concurrent additions are not lost.
func (s *RedisStorage) AddClientRedirectURI(ctx context.Context, id, uri string) error {
	key := s.key(keyClient, id)

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("%w: client", ErrNotFound)
			}
			return fmt.Errorf("failed to get client: %w", err)
		}

		var c Client
		if err := json.Unmarshal(data, &c); err != nil {
			return fmt.Errorf("failed to unmarshal client: %w", err)
		}
		if c.HasRedirectURI(uri) {
			return nil
		}
		c.RedirectURIs = append(c.RedirectURIs, uri)

		updated, err := json.Marshal(&c)
		if err != nil {
			return fmt.Errorf("failed to marshal client: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		return err
	}

	for range 5 {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return errors.New("failed to update client: too much contention")
}

// -----------------------
// Tokens
// -----------------------

// CreateToken stores a token record with a TTL matching its expiry. Records
// that are already expired are not written.
func (s *RedisStorage) CreateToken(ctx context.Context, token *Token) error {
	if err := validateToken(token); err != nil {
		return err
	}

	ttl := token.TTL(s.now())
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.tokenKey(token.Kind, token.Signature), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: token", ErrAlreadyExists)
	}
	return nil
}

// GetToken returns a live token record.
func (s *RedisStorage) GetToken(ctx context.Context, kind TokenKind, signature string) (*Token, error) {
	data, err := s.client.Get(ctx, s.tokenKey(kind, signature)).Bytes()
	return s.decodeToken(kind, data, err)
}

// DeleteToken removes a token record.
func (s *RedisStorage) DeleteToken(ctx context.Context, kind TokenKind, signature string) error {
	if err := s.client.Del(ctx, s.tokenKey(kind, signature)).Err(); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	return nil
}

// ConsumeToken reads and deletes a token record with GETDEL.
func (s *RedisStorage) ConsumeToken(ctx context.Context, kind TokenKind, signature string) (*Token, error) {
	data, err := s.client.GetDel(ctx, s.tokenKey(kind, signature)).Bytes()
	return s.decodeToken(kind, data, err)
}

func (s *RedisStorage) decodeToken(kind TokenKind, data []byte, err error) (*Token, error) {
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s token", ErrNotFound, kind)
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}

	var t Token
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}
	if t.IsExpired(s.now()) {
		return nil, fmt.Errorf("%w: %s token", ErrNotFound, kind)
	}
	return &t, nil
}

// rotateScript deletes the old refresh token and, only if it existed, writes
// the new access and refresh records. Returns 1 on success, 0 if the old
// token was already gone.
var rotateScript = redis.NewScript(`
if redis.call('DEL', KEYS[1]) == 0 then
	return 0
end
redis.call('SET', KEYS[2], ARGV[1], 'PX', ARGV[2])
redis.call('SET', KEYS[3], ARGV[3], 'PX', ARGV[4])
return 1
`)

// RotateRefreshToken swaps a refresh token for a new pair in one script.
func (s *RedisStorage) RotateRefreshToken(ctx context.Context, oldSignature string, access, refresh *Token) error {
	if err := validateToken(access); err != nil {
		return err
	}
	if err := validateToken(refresh); err != nil {
		return err
	}

	now := s.now()
	accessTTL, refreshTTL := access.TTL(now), refresh.TTL(now)
	if accessTTL <= 0 || refreshTTL <= 0 {
		return errors.New("rotated tokens must expire in the future")
	}

	accessData, err := json.Marshal(access)
	if err != nil {
		return fmt.Errorf("failed to marshal access token: %w", err)
	}
	refreshData, err := json.Marshal(refresh)
	if err != nil {
		return fmt.Errorf("failed to marshal refresh token: %w", err)
	}

	keys := []string{
		s.tokenKey(KindRefreshToken, oldSignature),
		s.tokenKey(access.Kind, access.Signature),
		s.tokenKey(refresh.Kind, refresh.Signature),
	}
	result, err := rotateScript.Run(ctx, s.client, keys,
		accessData, accessTTL.Milliseconds(), refreshData, refreshTTL.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to rotate refresh token: %w", err)
	}
	if result == 0 {
		return fmt.Errorf("%w: refresh token", ErrNotFound)
	}
	return nil
}

// -----------------------
// Users
// -----------------------

// createUserScript writes a user and its indexes only if neither the ID, the
// subject nor (when ARGV[3] is "1") the API key digest is taken.
var createUserScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 or redis.call('EXISTS', KEYS[2]) == 1 then
	return 0
end
if ARGV[3] == '1' then
	if redis.call('EXISTS', KEYS[3]) == 1 then
		return 0
	end
	redis.call('SET', KEYS[3], ARGV[2])
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('SET', KEYS[2], ARGV[2])
return 1
`)

// CreateUser stores a new user together with its subject index.
func (s *RedisStorage) CreateUser(ctx context.Context, user *User) error {
	if err := validateUser(user); err != nil {
		return err
	}

	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}

	hasKey := "0"
	if user.APIKeyDigest != "" {
		hasKey = "1"
	}
	keys := []string{
		s.key(keyUser, user.ID),
		s.key(keyUserSubject, user.Subject),
		s.key(keyUserAPIKey, user.APIKeyDigest),
	}

	result, err := createUserScript.Run(ctx, s.client, keys, data, user.ID, hasKey).Int()
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	if result == 0 {
		return fmt.Errorf("%w: user", ErrAlreadyExists)
	}
	return nil
}

// GetUser returns a user by ID.
func (s *RedisStorage) GetUser(ctx context.Context, id string) (*User, error) {
	data, err := s.client.Get(ctx, s.key(keyUser, id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: user", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	var u User
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user: %w", err)
	}
	return &u, nil
}

// GetUserBySubject resolves the subject index and loads the user.
func (s *RedisStorage) GetUserBySubject(ctx context.Context, subject string) (*User, error) {
	return s.userByIndex(ctx, s.key(keyUserSubject, subject))
}

// GetUserByAPIKeyDigest resolves the API key index and loads the user.
func (s *RedisStorage) GetUserByAPIKeyDigest(ctx context.Context, digest string) (*User, error) {
	if digest == "" {
		return nil, fmt.Errorf("%w: user", ErrNotFound)
	}
	return s.userByIndex(ctx, s.key(keyUserAPIKey, digest))
}

func (s *RedisStorage) userByIndex(ctx context.Context, indexKey string) (*User, error) {
	id, err := s.client.Get(ctx, indexKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: user", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to resolve user index: %w", err)
	}
	return s.GetUser(ctx, id)
}

// UpdateUserProfile rewrites the profile fields of the stored user record.
func (s *RedisStorage) UpdateUserProfile(ctx context.Context, id string, profile UserProfile) error {
	return s.modifyUser(ctx, id, nil, func(_ *redis.Tx, u *User) ([]string, error) {
		u.Email = profile.Email
		u.Name = profile.Name
		u.Picture = profile.Picture
		u.UpdatedAt = profile.UpdatedAt
		return nil, nil
	})
}

// SetUserAPIKeyDigest replaces the user's digest and moves the API key index.
func (s *RedisStorage) SetUserAPIKeyDigest(ctx context.Context, id, digest string, updatedAt time.Time) error {
	newIndex := s.key(keyUserAPIKey, digest)
	return s.modifyUser(ctx, id, []string{newIndex}, func(tx *redis.Tx, u *User) ([]string, error) {
		if digest == u.APIKeyDigest {
			u.UpdatedAt = updatedAt
			return nil, nil
		}
		if digest != "" {
			owner, err := tx.Get(ctx, newIndex).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return nil, fmt.Errorf("failed to check api key index: %w", err)
			}
			if err == nil && owner != id {
				return nil, fmt.Errorf("%w: api key", ErrAlreadyExists)
			}
		}

		var stale []string
		if u.APIKeyDigest != "" {
			stale = append(stale, s.key(keyUserAPIKey, u.APIKeyDigest))
		}
		u.APIKeyDigest = digest
		u.UpdatedAt = updatedAt
		return stale, nil
	})
}

// modifyUser applies fn to the stored user under WATCH and writes it back,
// retrying when a concurrent writer touches the record. fn returns index
// keys to delete; a non-empty digest index is (re)pointed at the user.
func (s *RedisStorage) modifyUser(
	ctx context.Context, id string, watch []string, fn func(*redis.Tx, *User) ([]string, error),
) error {
	userKey := s.key(keyUser, id)

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, userKey).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("%w: user", ErrNotFound)
			}
			return fmt.Errorf("failed to get user: %w", err)
		}
		var u User
		if err := json.Unmarshal(raw, &u); err != nil {
			return fmt.Errorf("failed to unmarshal user: %w", err)
		}

		stale, err := fn(tx, &u)
		if err != nil {
			return err
		}
		data, err := json.Marshal(&u)
		if err != nil {
			return fmt.Errorf("failed to marshal user: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, userKey, data, 0)
			for _, k := range stale {
				pipe.Del(ctx, k)
			}
			if u.APIKeyDigest != "" {
				pipe.Set(ctx, s.key(keyUserAPIKey, u.APIKeyDigest), u.ID, 0)
			}
			return nil
		})
		return err
	}

	keys := append([]string{userKey}, watch...)
	for range 5 {
		err := s.client.Watch(ctx, txf, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return errors.New("failed to update user: too much contention")
}
