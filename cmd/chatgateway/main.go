// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command chatgateway runs the real-time chat gateway.
//
// Configuration is layered: built-in defaults, then the YAML file given by
// --config, then CHAT_* environment variables, then command-line flags.
//
// # Usage
//
//	# Serve
//	chatgateway --config /etc/aleutian/chat.yaml
//
//	# Check a config file without starting anything
//	chatgateway validate --config chat.yaml
//
//	# Revoke a token fleet-wide until it would have expired anyway
//	chatgateway revoke "$TOKEN" --ttl 12h
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianChat/pkg/logging"
	"github.com/AleutianAI/AleutianChat/services/gateway"
	"github.com/AleutianAI/AleutianChat/services/gateway/config"
	"github.com/AleutianAI/AleutianChat/services/gateway/middleware"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

type rootFlags struct {
	configPath string
	port       int
	logLevel   string
	watch      bool
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	rootCmd := &cobra.Command{
		Use:           "chatgateway",
		Short:         "Real-time chat gateway for the Aleutian generation service",
		Long:          `Accepts authenticated WebSocket chat connections, tracks them fleet-wide in Redis and streams generated replies back to each client.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, flags)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to the YAML config file.")
	rootCmd.Flags().IntVar(&flags.port, "port", 0, "HTTP port. Overrides config and CHAT_PORT.")
	rootCmd.Flags().StringVar(&flags.logLevel, "log-level", "", "debug, info, warn or error. Overrides config.")
	rootCmd.Flags().BoolVar(&flags.watch, "watch-config", true, "Apply log.level changes in --config without a restart.")

	rootCmd.AddCommand(newValidateCmd(flags), newRevokeCmd(flags))
	return rootCmd
}

// loadConfig applies the flags that were explicitly set on top of the file
// and environment layers.
func loadConfig(cmd *cobra.Command, flags *rootFlags) (config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return cfg, err
	}
	if f := cmd.Flags().Lookup("port"); f != nil && f.Changed {
		cfg.Server.Port = flags.port
	}
	if f := cmd.Flags().Lookup("log-level"); f != nil && f.Changed {
		cfg.Log.Level = flags.logLevel
	}
	return cfg, cfg.Validate()
}

func runServe(cmd *cobra.Command, flags *rootFlags) error {
	cfg, err := loadConfig(cmd, flags)
	if err != nil {
		return err
	}

	level, _ := logging.ParseLevel(cfg.Log.Level)
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Log.Dir,
		Service: gateway.ServiceName,
		Format:  logging.Format(cfg.Log.Format),
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	opts := &gateway.Options{Logger: logger}
	if flags.watch && flags.configPath != "" {
		opts.ConfigPath = flags.configPath
	}

	svc, err := gateway.New(cfg, opts)
	if err != nil {
		return fmt.Errorf("failed to create chat gateway: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return svc.Run(ctx)
}

func newValidateCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Checks the layered configuration and prints the effective values",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "config OK\n")
			fmt.Fprintf(out, "  port:            %d\n", cfg.Server.Port)
			fmt.Fprintf(out, "  upstream:        %s\n", cfg.Upstream.BaseURL)
			fmt.Fprintf(out, "  max connections: %d\n", cfg.Registry.MaxConnections)
			fmt.Fprintf(out, "  auth:            %s\n", authMode(cfg))
			fmt.Fprintf(out, "  store:           %s\n", storeMode(cfg))
			return nil
		},
	}
}

func authMode(cfg config.Config) string {
	if cfg.Auth.Disabled {
		return "disabled"
	}
	return "jwt"
}

func storeMode(cfg config.Config) string {
	if cfg.Store.InMemory {
		return "in-memory"
	}
	return cfg.Store.DataDir
}

func newRevokeCmd(flags *rootFlags) *cobra.Command {
	var (
		ttl      time.Duration
		redisURL string
	)
	cmd := &cobra.Command{
		Use:   "revoke [token]",
		Short: "Adds a token to the fleet-wide revocation list",
		Long:  `Revoked tokens are rejected at the next handshake by every gateway sharing the Redis instance. Set --ttl to the token's remaining lifetime; the entry expires after it.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}
			if redisURL == "" {
				redisURL = cfg.Redis.URL
			}
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				return fmt.Errorf("invalid redis url: %w", err)
			}
			client := redis.NewClient(opt)
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			revocations := middleware.NewRedisRevocationList(client, cfg.Auth.RevocationPrefix)
			if err := revocations.Revoke(ctx, args[0], ttl); err != nil {
				return fmt.Errorf("revoke failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "token revoked for %s\n", ttl)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "How long the revocation entry is kept.")
	cmd.Flags().StringVar(&redisURL, "redis-url", "", "Redis URL. Defaults to the configured redis.url.")
	return cmd
}
