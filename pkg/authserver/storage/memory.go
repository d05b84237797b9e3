// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/lucas-1000/health-data-storage/pkg/logger"
)

type tokenKey struct {
	kind      TokenKind
	signature string
}

// MemoryStorage implements Storage with in-memory maps guarded by a single
// mutex. It is suitable for development, tests and single-replica installs
// that can afford to lose state on restart.
type MemoryStorage struct {
	mu sync.RWMutex

	clients map[string]*Client
	tokens  map[tokenKey]*Token

	// users maps user ID -> User. Users never expire.
	users map[string]*User

	// usersBySubject and usersByAPIKey are secondary indexes into users.
	usersBySubject map[string]string
	usersByAPIKey  map[string]string

	// now is replaceable in tests.
	now func() time.Time

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
}

// MemoryStorageOption configures a MemoryStorage instance.
type MemoryStorageOption func(*MemoryStorage)

// WithCleanupInterval sets a custom cleanup interval.
func WithCleanupInterval(interval time.Duration) MemoryStorageOption {
	return func(s *MemoryStorage) {
		s.cleanupInterval = interval
	}
}

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) MemoryStorageOption {
	return func(s *MemoryStorage) {
		s.now = now
	}
}

// NewMemoryStorage creates a MemoryStorage and starts its cleanup goroutine.
// Call Close to stop it.
func NewMemoryStorage(opts ...MemoryStorageOption) *MemoryStorage {
	s := &MemoryStorage{
		clients:         make(map[string]*Client),
		tokens:          make(map[tokenKey]*Token),
		users:           make(map[string]*User),
		usersBySubject:  make(map[string]string),
		usersByAPIKey:   make(map[string]string),
		now:             time.Now,
		cleanupInterval: DefaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()

	return s
}

// Health is a no-op for in-memory storage since it is always available.
func (*MemoryStorage) Health(_ context.Context) error {
	return nil
}

// Close stops the background cleanup goroutine and waits for it to finish.
func (s *MemoryStorage) Close() error {
	close(s.stopCleanup)
	<-s.cleanupDone
	return nil
}

func (s *MemoryStorage) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanupExpired()
		}
	}
}

// cleanupExpired collects expired keys under the read lock and deletes them
// under the write lock, re-checking each one in case it was replaced.
func (s *MemoryStorage) cleanupExpired() {
	now := s.now()

	s.mu.RLock()
	var expired []tokenKey
	for k, v := range s.tokens {
		if v.IsExpired(now) {
			expired = append(expired, k)
		}
	}
	s.mu.RUnlock()

	if len(expired) == 0 {
		return
	}

	s.mu.Lock()
	removed := 0
	for _, k := range expired {
		if v, ok := s.tokens[k]; ok && v.IsExpired(now) {
			delete(s.tokens, k)
			removed++
		}
	}
	s.mu.Unlock()

	logger.Debugw("removed expired tokens", "count", removed)
}

// -----------------------
// Clients
// -----------------------

// CreateClient stores a new client.
func (s *MemoryStorage) CreateClient(_ context.Context, client *Client) error {
	if err := validateClient(client); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[client.ID]; ok {
		return fmt.Errorf("%w: client %s", ErrAlreadyExists, client.ID)
	}
	s.clients[client.ID] = cloneClient(client)
	return nil
}

// GetClient returns a copy of the stored client.
func (s *MemoryStorage) GetClient(_ context.Context, id string) (*Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.clients[id]
	if !ok {
		return nil, fmt.Errorf("%w: client", ErrNotFound)
	}
	return cloneClient(c), nil
}

// ListClients returns all clients ordered by creation time, then ID.
func (s *MemoryStorage) ListClients(_ context.Context) ([]*Client, error) {
	s.mu.RLock()
	out := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, cloneClient(c))
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Client) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

// AddClientRedirectURI appends a redirect URI to an existing client.
func (s *MemoryStorage) AddClientRedirectURI(_ context.Context, id, uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.clients[id]
	if !ok {
		return fmt.Errorf("%w: client", ErrNotFound)
	}
	if !c.HasRedirectURI(uri) {
		c.RedirectURIs = append(c.RedirectURIs, uri)
	}
	return nil
}

// -----------------------
// Tokens
// -----------------------

// CreateToken stores a token record.
func (s *MemoryStorage) CreateToken(_ context.Context, token *Token) error {
	if err := validateToken(token); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := tokenKey{token.Kind, token.Signature}
	if existing, ok := s.tokens[key]; ok && !existing.IsExpired(s.now()) {
		return fmt.Errorf("%w: token", ErrAlreadyExists)
	}
	s.tokens[key] = cloneToken(token)
	return nil
}

// GetToken returns a live token record.
func (s *MemoryStorage) GetToken(_ context.Context, kind TokenKind, signature string) (*Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tokens[tokenKey{kind, signature}]
	if !ok || t.IsExpired(s.now()) {
		return nil, fmt.Errorf("%w: %s token", ErrNotFound, kind)
	}
	return cloneToken(t), nil
}

// DeleteToken removes a token record.
func (s *MemoryStorage) DeleteToken(_ context.Context, kind TokenKind, signature string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.tokens, tokenKey{kind, signature})
	return nil
}

// ConsumeToken returns and removes a live token record under the write lock.
func (s *MemoryStorage) ConsumeToken(_ context.Context, kind TokenKind, signature string) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := tokenKey{kind, signature}
	t, ok := s.tokens[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s token", ErrNotFound, kind)
	}
	delete(s.tokens, key)
	if t.IsExpired(s.now()) {
		return nil, fmt.Errorf("%w: %s token", ErrNotFound, kind)
	}
	return t, nil
}

// RotateRefreshToken swaps a refresh token for a new access/refresh pair.
func (s *MemoryStorage) RotateRefreshToken(_ context.Context, oldSignature string, access, refresh *Token) error {
	if err := validateToken(access); err != nil {
		return err
	}
	if err := validateToken(refresh); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	oldKey := tokenKey{KindRefreshToken, oldSignature}
	old, ok := s.tokens[oldKey]
	if !ok || old.IsExpired(s.now()) {
		return fmt.Errorf("%w: refresh token", ErrNotFound)
	}

	delete(s.tokens, oldKey)
	s.tokens[tokenKey{access.Kind, access.Signature}] = cloneToken(access)
	s.tokens[tokenKey{refresh.Kind, refresh.Signature}] = cloneToken(refresh)
	return nil
}

// -----------------------
// Users
// -----------------------

// CreateUser stores a new user and indexes it by subject.
func (s *MemoryStorage) CreateUser(_ context.Context, user *User) error {
	if err := validateUser(user); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[user.ID]; ok {
		return fmt.Errorf("%w: user %s", ErrAlreadyExists, user.ID)
	}
	if _, ok := s.usersBySubject[user.Subject]; ok {
		return fmt.Errorf("%w: user with subject", ErrAlreadyExists)
	}
	if user.APIKeyDigest != "" {
		if _, ok := s.usersByAPIKey[user.APIKeyDigest]; ok {
			return fmt.Errorf("%w: api key", ErrAlreadyExists)
		}
		s.usersByAPIKey[user.APIKeyDigest] = user.ID
	}

	s.users[user.ID] = cloneUser(user)
	s.usersBySubject[user.Subject] = user.ID
	return nil
}

// GetUser returns a user by ID.
func (s *MemoryStorage) GetUser(_ context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userLocked(id)
}

// GetUserBySubject returns a user by upstream subject.
func (s *MemoryStorage) GetUserBySubject(_ context.Context, subject string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.usersBySubject[subject]
	if !ok {
		return nil, fmt.Errorf("%w: user", ErrNotFound)
	}
	return s.userLocked(id)
}

// GetUserByAPIKeyDigest returns a user by API key digest.
func (s *MemoryStorage) GetUserByAPIKeyDigest(_ context.Context, digest string) (*User, error) {
	if digest == "" {
		return nil, fmt.Errorf("%w: user", ErrNotFound)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.usersByAPIKey[digest]
	if !ok {
		return nil, fmt.Errorf("%w: user", ErrNotFound)
	}
	return s.userLocked(id)
}

func (s *MemoryStorage) userLocked(id string) (*User, error) {
	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: user", ErrNotFound)
	}
	return cloneUser(u), nil
}

// UpdateUserProfile overwrites an existing user's profile fields.
func (s *MemoryStorage) UpdateUserProfile(_ context.Context, id string, profile UserProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return fmt.Errorf("%w: user", ErrNotFound)
	}
	u.Email = profile.Email
	u.Name = profile.Name
	u.Picture = profile.Picture
	u.UpdatedAt = profile.UpdatedAt
	return nil
}

// SetUserAPIKeyDigest swaps the user's API key digest and its index entry.
func (s *MemoryStorage) SetUserAPIKeyDigest(_ context.Context, id, digest string, updatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return fmt.Errorf("%w: user", ErrNotFound)
	}
	if digest != "" {
		if owner, ok := s.usersByAPIKey[digest]; ok && owner != id {
			return fmt.Errorf("%w: api key", ErrAlreadyExists)
		}
	}

	if u.APIKeyDigest != "" {
		delete(s.usersByAPIKey, u.APIKeyDigest)
	}
	if digest != "" {
		s.usersByAPIKey[digest] = id
	}
	u.APIKeyDigest = digest
	u.UpdatedAt = updatedAt
	return nil
}
