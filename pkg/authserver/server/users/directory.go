// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package users maps upstream identities to local user records and manages
// each user's standing API key.
package users

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lucas-1000/health-data-storage/pkg/authserver/storage"
	"github.com/lucas-1000/health-data-storage/pkg/logger"
)

// APIKeyPrefix marks API keys so they are recognisable in logs and scanners.
const APIKeyPrefix = "hds_key_"

const apiKeyBytes = 32

// ErrInvalidAPIKey is returned when a presented API key matches no user.
var ErrInvalidAPIKey = errors.New("invalid API key")

// Profile is the verified identity an upstream provider vouched for.
type Profile struct {
	Subject string
	Email   string
	Name    string
	Picture string
}

// Directory resolves users by upstream subject.
type Directory struct {
	storage storage.UserStorage
	now     func() time.Time
}

// Option configures a Directory.
type Option func(*Directory)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Directory) {
		d.now = now
	}
}

// NewDirectory creates a Directory over stor.
func NewDirectory(stor storage.UserStorage, opts ...Option) *Directory {
	d := &Directory{storage: stor, now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Get returns the user with the given ID or storage.ErrNotFound.
func (d *Directory) Get(ctx context.Context, id string) (*storage.User, error) {
	return d.storage.GetUser(ctx, id)
}

// Resolve returns the user bound to profile.Subject, creating it on first
// sight. Later calls for the same subject return the same user and refresh
// any profile fields that changed. The boolean reports whether the user was
// created. New users have no API key until RotateAPIKey issues one.
func (d *Directory) Resolve(ctx context.Context, profile Profile) (*storage.User, bool, error) {
	if profile.Subject == "" {
		return nil, false, errors.New("identity subject is required")
	}

	user, err := d.storage.GetUserBySubject(ctx, profile.Subject)
	switch {
	case err == nil:
		updated, err := d.refreshProfile(ctx, user, profile)
		return updated, false, err
	case !errors.Is(err, storage.ErrNotFound):
		return nil, false, fmt.Errorf("failed to look up user: %w", err)
	}

	now := d.now().UTC()
	user = &storage.User{
		ID:        uuid.NewString(),
		Subject:   profile.Subject,
		Email:     profile.Email,
		Name:      profile.Name,
		Picture:   profile.Picture,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = d.storage.CreateUser(ctx, user)
	if errors.Is(err, storage.ErrAlreadyExists) {
		// Lost a race with a concurrent first login for the same subject.
		existing, getErr := d.storage.GetUserBySubject(ctx, profile.Subject)
		if getErr != nil {
			return nil, false, fmt.Errorf("failed to load concurrently created user: %w", getErr)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to create user: %w", err)
	}

	logger.Infow("created user for new upstream identity", "user_id", user.ID)
	return user, true, nil
}

func (d *Directory) refreshProfile(ctx context.Context, user *storage.User, profile Profile) (*storage.User, error) {
	changed := false
	for _, f := range []struct {
		dst *string
		src string
	}{
		{&user.Email, profile.Email},
		{&user.Name, profile.Name},
		{&user.Picture, profile.Picture},
	} {
		if f.src != "" && *f.dst != f.src {
			*f.dst = f.src
			changed = true
		}
	}
	if !changed {
		return user, nil
	}

	user.UpdatedAt = d.now().UTC()
	err := d.storage.UpdateUserProfile(ctx, user.ID, storage.UserProfile{
		Email:     user.Email,
		Name:      user.Name,
		Picture:   user.Picture,
		UpdatedAt: user.UpdatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update user profile: %w", err)
	}
	return user, nil
}

// RotateAPIKey replaces the user's API key and returns the new key. The key
// is not stored and cannot be retrieved again.
func (d *Directory) RotateAPIKey(ctx context.Context, userID string) (string, error) {
	key, digest, err := newAPIKey()
	if err != nil {
		return "", err
	}
	if err := d.storage.SetUserAPIKeyDigest(ctx, userID, digest, d.now().UTC()); err != nil {
		return "", fmt.Errorf("failed to store API key: %w", err)
	}

	logger.Infow("rotated API key", "user_id", userID)
	return key, nil
}

// AuthenticateAPIKey returns the user owning key.
func (d *Directory) AuthenticateAPIKey(ctx context.Context, key string) (*storage.User, error) {
	if !strings.HasPrefix(key, APIKeyPrefix) {
		return nil, ErrInvalidAPIKey
	}
	user, err := d.storage.GetUserByAPIKeyDigest(ctx, DigestAPIKey(key))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrInvalidAPIKey
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up API key: %w", err)
	}
	return user, nil
}

// DigestAPIKey returns the stored form of an API key.
func DigestAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func newAPIKey() (key, digest string, err error) {
	b := make([]byte, apiKeyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("failed to generate API key: %w", err)
	}
	key = APIKeyPrefix + base64.RawURLEncoding.EncodeToString(b)
	return key, DigestAPIKey(key), nil
}
