// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Type defines the type of storage backend.
type Type string

const (
	// TypeMemory uses in-memory storage (default).
	TypeMemory Type = "memory"

	// TypeRedis uses a Redis server, cluster or sentinel group.
	TypeRedis Type = "redis"

	// TypeSQLite uses a local SQLite database file.
	TypeSQLite Type = "sqlite"
)

const (
	// DefaultCleanupInterval is how often the in-memory backend sweeps expired records.
	DefaultCleanupInterval = 5 * time.Minute

	// DefaultKeyPrefix namespaces Redis keys.
	DefaultKeyPrefix = "hds:auth:"

	// DefaultDialTimeout is the Redis dial timeout.
	DefaultDialTimeout = 5 * time.Second

	// DefaultReadTimeout is the Redis read timeout.
	DefaultReadTimeout = 3 * time.Second

	// DefaultWriteTimeout is the Redis write timeout.
	DefaultWriteTimeout = 3 * time.Second
)

// Config configures the storage backend.
type Config struct {
	// Type selects the backend. Defaults to memory.
	Type Type `json:"type,omitempty" yaml:"type,omitempty" toml:"type,omitempty" mapstructure:"type"`

	// Redis configures the Redis backend.
	Redis *RedisConfig `json:"redis,omitempty" yaml:"redis,omitempty" toml:"redis,omitempty" mapstructure:"redis"`

	// SQLite configures the SQLite backend.
	SQLite *SQLiteConfig `json:"sqlite,omitempty" yaml:"sqlite,omitempty" toml:"sqlite,omitempty" mapstructure:"sqlite"`
}

// RedisConfig configures the Redis backend. A single address talks to a
// standalone server; several addresses form a cluster; MasterName switches to
// sentinel failover.
type RedisConfig struct {
	Addrs        []string      `json:"addrs" yaml:"addrs" toml:"addrs" mapstructure:"addrs"`
	MasterName   string        `json:"master_name,omitempty" yaml:"master_name,omitempty" toml:"master_name,omitempty" mapstructure:"master_name"`
	Username     string        `json:"username,omitempty" yaml:"username,omitempty" toml:"username,omitempty" mapstructure:"username"`
	Password     string        `json:"password,omitempty" yaml:"password,omitempty" toml:"password,omitempty" mapstructure:"password"`
	DB           int           `json:"db,omitempty" yaml:"db,omitempty" toml:"db,omitempty" mapstructure:"db"`
	KeyPrefix    string        `json:"key_prefix,omitempty" yaml:"key_prefix,omitempty" toml:"key_prefix,omitempty" mapstructure:"key_prefix"`
	DialTimeout  time.Duration `json:"dial_timeout,omitempty" yaml:"dial_timeout,omitempty" toml:"dial_timeout,omitempty" mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `json:"read_timeout,omitempty" yaml:"read_timeout,omitempty" toml:"read_timeout,omitempty" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout,omitempty" yaml:"write_timeout,omitempty" toml:"write_timeout,omitempty" mapstructure:"write_timeout"`
}

// SQLiteConfig configures the SQLite backend.
type SQLiteConfig struct {
	// Path is the database file. ":memory:" opens a private in-memory database.
	Path string `json:"path" yaml:"path" toml:"path" mapstructure:"path"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{Type: TypeMemory}
}

// Validate checks that the selected backend has what it needs.
func (c *Config) Validate() error {
	switch c.Type {
	case "", TypeMemory:
		return nil
	case TypeRedis:
		if c.Redis == nil {
			return errors.New("redis storage requires a redis section")
		}
		if len(c.Redis.Addrs) == 0 {
			return errors.New("redis storage requires at least one address")
		}
		return nil
	case TypeSQLite:
		if c.SQLite == nil || c.SQLite.Path == "" {
			return errors.New("sqlite storage requires a path")
		}
		return nil
	default:
		return fmt.Errorf("unknown storage type %q", c.Type)
	}
}

// NewStorage builds the backend described by cfg. A nil cfg yields memory storage.
func NewStorage(ctx context.Context, cfg *Config) (Storage, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid storage configuration: %w", err)
	}

	switch cfg.Type {
	case TypeRedis:
		return NewRedisStorage(ctx, *cfg.Redis)
	case TypeSQLite:
		return NewSQLiteStorage(ctx, cfg.SQLite.Path)
	default:
		return NewMemoryStorage(), nil
	}
}
