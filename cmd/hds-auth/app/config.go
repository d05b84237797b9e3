// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/lucas-1000/health-data-storage/pkg/authserver"
	"github.com/lucas-1000/health-data-storage/pkg/telemetry"
	"github.com/lucas-1000/health-data-storage/pkg/versions"
)

const (
	// EnvPrefix prefixes every environment override, e.g. HDS_HMAC_SECRET.
	EnvPrefix = "HDS"

	defaultListenAddress  = ":8080"
	defaultMetricsAddress = ":9090"
)

// envKeys can be set from the environment without appearing in the config
// file. Secrets belong here so they never need to be written to disk.
var envKeys = []string{
	"issuer",
	"hmac_secret",
	"scopes",
	"listen_address",
	"metrics_address",
	"upstream.issuer",
	"upstream.client_id",
	"upstream.client_secret",
	"upstream.redirect_uri",
	"storage.type",
	"storage.sqlite.path",
	"storage.redis.password",
	"telemetry.endpoint",
}

// Config is the hds-auth configuration file.
type Config struct {
	authserver.Config `mapstructure:",squash"`

	// ListenAddress is where the OAuth endpoints are served.
	ListenAddress string `mapstructure:"listen_address"`

	// MetricsAddress is where /metrics is served. Empty disables the
	// metrics listener.
	MetricsAddress string `mapstructure:"metrics_address"`

	Telemetry telemetry.Config `mapstructure:"telemetry"`
}

func defaultConfig() Config {
	tel := telemetry.DefaultConfig()
	tel.ServiceVersion = versions.GetVersionInfo().Version
	return Config{
		ListenAddress:  defaultListenAddress,
		MetricsAddress: defaultMetricsAddress,
		Telemetry:      tel,
	}
}

// LoadConfig reads the configuration file at path, if any, and applies HDS_*
// environment overrides. YAML and TOML files are recognised by extension.
// The result is not validated; authserver.New does that.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind environment variable for %s: %w", key, err)
		}
	}

	if path != "" {
		raw, err := readConfigFile(path)
		if err != nil {
			return nil, err
		}
		if err := v.MergeConfigMap(raw); err != nil {
			return nil, fmt.Errorf("failed to merge config file: %w", err)
		}
	}

	cfg := defaultConfig()
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	return &cfg, nil
}

func readConfigFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	raw := map[string]any{}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	case ".toml":
		err = toml.Unmarshal(data, &raw)
	default:
		return nil, fmt.Errorf("unsupported config file extension %q (want .yaml, .yml or .toml)", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return raw, nil
}
