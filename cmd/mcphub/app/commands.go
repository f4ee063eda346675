// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the mcphub command-line application.
package app

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/mcphub/pkg/aggregate"
	"github.com/stacklok/mcphub/pkg/backend"
	"github.com/stacklok/mcphub/pkg/capability"
	"github.com/stacklok/mcphub/pkg/config"
	"github.com/stacklok/mcphub/pkg/discovery"
	"github.com/stacklok/mcphub/pkg/engine"
	"github.com/stacklok/mcphub/pkg/logger"
	"github.com/stacklok/mcphub/pkg/server"
)

var rootCmd = &cobra.Command{
	Use:               "mcphub",
	DisableAutoGenTag: true,
	Short:             "MCP aggregation proxy - expose multiple MCP servers as one",
	Long: `mcphub is a proxy that aggregates multiple MCP (Model Context Protocol)
servers into a single unified server. It provides:

- Tool, resource and prompt aggregation with configurable conflict policies
- Backends over stdio subprocesses, docker containers and streamable HTTP
- Capability detection with probing fallback
- Automatic re-discovery when a backend's catalog changes`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		logger.Initialize()
	},
}

// NewRootCmd creates a new root command for the mcphub CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	if err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to mcphub configuration file")
	err = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	if err != nil {
		logger.Errorf("Error binding config flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newValidateCmd())

	// Silence printing the usage on error
	rootCmd.SilenceUsage = true

	return rootCmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the aggregation proxy",
		Long: `Start the aggregation proxy. The server reads the configuration file
given by --config, starts every configured backend, detects its
capabilities, discovers its catalog and begins serving MCP clients.`,
		RunE: runServe,
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			logger.Infof("mcphub version: %s", getVersion())
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		Long: `Validate the mcphub configuration file for syntax and semantic errors.

This command checks:
- YAML/JSON syntax validity
- Backend name uniqueness
- Transport kinds and their required fields
- Conflict policy validity`,
		RunE: func(_ *cobra.Command, _ []string) error {
			configPath := viper.GetString("config")
			if configPath == "" {
				return fmt.Errorf("no configuration file specified, use --config flag")
			}

			logger.Infof("Validating configuration: %s", configPath)

			cfg, err := config.Load(configPath)
			if err != nil {
				logger.Errorf("Configuration validation failed: %v", err)
				return fmt.Errorf("validation failed: %w", err)
			}
			if _, err := aggregate.ParsePolicy(cfg.ConflictPolicy); err != nil {
				logger.Errorf("Configuration validation failed: %v", err)
				return fmt.Errorf("validation failed: %w", err)
			}

			logger.Infof("✓ Configuration is valid")
			logger.Infof("  Listen: %s:%d", cfg.Host, cfg.Port)
			logger.Infof("  Conflict Policy: %s", cfg.ConflictPolicy)
			logger.Infof("  Backends: %d configured", len(cfg.Backends))
			for _, b := range cfg.Backends {
				logger.Infof("    %s (%s)", b.Name, b.Transport)
			}
			return nil
		},
	}
}

// getVersion returns the version string (will be set at build time)
func getVersion() string {
	// This will be replaced with actual version info using ldflags
	return "dev"
}

// runServe implements the serve command logic
func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	configPath := viper.GetString("config")

	if configPath == "" {
		return fmt.Errorf("no configuration file specified, use --config flag")
	}

	logger.Infof("Loading configuration from: %s", configPath)
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("configuration loading failed: %w", err)
	}

	policy, err := aggregate.ParsePolicy(cfg.ConflictPolicy)
	if err != nil {
		return fmt.Errorf("configuration loading failed: %w", err)
	}

	logger.Infof("Configuration loaded: %d backends, conflict policy %s", len(cfg.Backends), policy)

	// Wire the aggregation pipeline.
	manager := backend.NewManager()
	registry := aggregate.NewRegistry(policy)
	prober := capability.NewProber(manager)
	discoverer := discovery.New(manager, prober, registry)
	eng := engine.New(manager, prober, registry, discoverer)

	for _, b := range cfg.Backends {
		if err := manager.Register(b); err != nil {
			return fmt.Errorf("failed to register backend %s: %w", b.Name, err)
		}
	}

	// Bring the backends up, then probe and discover them in one pass.
	if err := manager.StartAll(ctx); err != nil {
		return fmt.Errorf("failed to start backends: %w", err)
	}
	if err := prober.DetectAll(ctx); err != nil {
		return fmt.Errorf("capability detection failed: %w", err)
	}
	if err := discoverer.DiscoverAll(ctx); err != nil {
		return fmt.Errorf("discovery failed: %w", err)
	}
	logger.Infof("Aggregated %d catalog entries from %d running backends",
		registry.Len(), len(manager.Running()))

	// Lifecycle events from here on flow through the engine.
	manager.Subscribe(eng)

	srv := server.New(cfg.Host, cfg.Port, eng)
	eng.SetNotifier(srv)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err := <-errCh:
		if err != nil {
			manager.StopAll()
			return fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx := context.Background()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("Server shutdown failed: %v", err)
	}
	manager.StopAll()
	return nil
}
