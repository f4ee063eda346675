// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config loads and validates the mcphub configuration: the set of
// backend servers to aggregate, the conflict policy for the merged catalog
// and the listener address.
package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/stacklok/mcphub/pkg/errors"
	"github.com/stacklok/mcphub/pkg/transport"
)

// BackendConfig describes one backend server to aggregate. It is immutable
// once registered with the connection manager.
type BackendConfig struct {
	// Name uniquely identifies the backend.
	Name string `mapstructure:"name"`

	// Transport is the transport kind: stdio, docker or streamable-http.
	Transport string `mapstructure:"transport"`

	// Command and Args describe the subprocess for stdio transports and
	// override the container entrypoint for docker transports.
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`

	// Env holds extra environment variables for the backend process.
	Env map[string]string `mapstructure:"env"`

	// Image is the container image for docker transports.
	Image string `mapstructure:"image"`

	// URL is the endpoint for streamable HTTP transports.
	URL string `mapstructure:"url"`

	// Description is free-form text about the backend.
	Description string `mapstructure:"description"`

	// Tags label the backend for operators; the proxy does not interpret them.
	Tags []string `mapstructure:"tags"`
}

// Config is the root configuration document.
type Config struct {
	// Host and Port are the listener address.
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	// ConflictPolicy selects how catalog key conflicts are resolved:
	// first-wins, last-wins, prefer:<backend>, rename or reject.
	ConflictPolicy string `mapstructure:"conflict_policy"`

	// Backends lists the backend servers to aggregate.
	Backends []BackendConfig `mapstructure:"backends"`
}

// Defaults applied when the file leaves fields unset.
const (
	DefaultHost           = "127.0.0.1"
	DefaultPort           = 4483
	DefaultConflictPolicy = "first-wins"
)

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("host", DefaultHost)
	v.SetDefault("port", DefaultPort)
	v.SetDefault("conflict_policy", DefaultConflictPolicy)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.NewConfigurationError(fmt.Sprintf("failed to read config file %s", path), err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.NewConfigurationError("failed to parse configuration", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for semantic errors.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return errors.NewConfigurationError(fmt.Sprintf("invalid port %d", c.Port), nil)
	}

	seen := make(map[string]bool, len(c.Backends))
	for i := range c.Backends {
		b := &c.Backends[i]
		if err := b.Validate(); err != nil {
			return err
		}
		if seen[b.Name] {
			return errors.NewConfigurationError(fmt.Sprintf("duplicate backend name %q", b.Name), nil)
		}
		seen[b.Name] = true
	}
	return nil
}

// Validate checks a single backend entry.
func (b *BackendConfig) Validate() error {
	if b.Name == "" {
		return errors.NewConfigurationError("backend name is required", nil)
	}

	kind, err := transport.ParseType(b.Transport)
	if err != nil {
		return errors.NewConfigurationError(
			fmt.Sprintf("backend %q has unknown transport %q", b.Name, b.Transport), err)
	}

	switch kind {
	case transport.TypeStdio:
		if b.Command == "" {
			return errors.NewConfigurationError(
				fmt.Sprintf("backend %q requires a command for stdio transport", b.Name), nil)
		}
	case transport.TypeDocker:
		if b.Image == "" {
			return errors.NewConfigurationError(
				fmt.Sprintf("backend %q requires an image for docker transport", b.Name), nil)
		}
	case transport.TypeStreamableHTTP:
		if b.URL == "" {
			return errors.NewConfigurationError(
				fmt.Sprintf("backend %q requires a url for streamable-http transport", b.Name), nil)
		}
	}
	return nil
}

// TransportType returns the parsed transport kind. Validate must have
// succeeded first.
func (b *BackendConfig) TransportType() transport.Type {
	kind, _ := transport.ParseType(b.Transport)
	return kind
}
