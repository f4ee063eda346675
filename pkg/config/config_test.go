// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/mcphub/pkg/config"
	"github.com/stacklok/mcphub/pkg/errors"
	"github.com/stacklok/mcphub/pkg/transport"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mcphub.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	t.Parallel()

	path := writeConfigFile(t, `
host: 0.0.0.0
port: 9000
conflict_policy: last-wins
backends:
  - name: files
    transport: stdio
    command: mcp-files
    args: ["--root", "/srv"]
    env:
      LOG_LEVEL: debug
    tags: ["storage"]
  - name: fetch
    transport: docker
    image: ghcr.io/example/fetch:latest
  - name: remote
    transport: streamable-http
    url: https://mcp.example.com/mcp
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "last-wins", cfg.ConflictPolicy)
	require.Len(t, cfg.Backends, 3)
	assert.Equal(t, "mcp-files", cfg.Backends[0].Command)
	assert.Equal(t, []string{"--root", "/srv"}, cfg.Backends[0].Args)
	assert.Equal(t, "debug", cfg.Backends[0].Env["LOG_LEVEL"])
	assert.Equal(t, transport.TypeDocker, cfg.Backends[1].TransportType())
	assert.Equal(t, transport.TypeStreamableHTTP, cfg.Backends[2].TransportType())
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Parallel()

	path := writeConfigFile(t, `
backends:
  - name: files
    transport: stdio
    command: mcp-files
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultHost, cfg.Host)
	assert.Equal(t, config.DefaultPort, cfg.Port)
	assert.Equal(t, config.DefaultConflictPolicy, cfg.ConflictPolicy)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.TypeConfiguration))
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	t.Parallel()

	stdioBackend := config.BackendConfig{Name: "a", Transport: "stdio", Command: "srv"}

	tests := []struct {
		name string
		cfg  config.Config
	}{
		{
			name: "bad port",
			cfg:  config.Config{Port: -1, Backends: []config.BackendConfig{stdioBackend}},
		},
		{
			name: "missing backend name",
			cfg: config.Config{Port: 4483, Backends: []config.BackendConfig{
				{Transport: "stdio", Command: "srv"},
			}},
		},
		{
			name: "duplicate backend names",
			cfg: config.Config{Port: 4483, Backends: []config.BackendConfig{
				stdioBackend,
				{Name: "a", Transport: "docker", Image: "img"},
			}},
		},
		{
			name: "unknown transport",
			cfg: config.Config{Port: 4483, Backends: []config.BackendConfig{
				{Name: "a", Transport: "telepathy"},
			}},
		},
		{
			name: "stdio without command",
			cfg: config.Config{Port: 4483, Backends: []config.BackendConfig{
				{Name: "a", Transport: "stdio"},
			}},
		},
		{
			name: "docker without image",
			cfg: config.Config{Port: 4483, Backends: []config.BackendConfig{
				{Name: "a", Transport: "docker"},
			}},
		},
		{
			name: "http without url",
			cfg: config.Config{Port: 4483, Backends: []config.BackendConfig{
				{Name: "a", Transport: "streamable-http"},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.TypeConfiguration))
		})
	}
}
