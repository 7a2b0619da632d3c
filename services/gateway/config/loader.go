// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and CHAT_* environment variables. It does not validate;
// callers overlay flags first and then call Validate.
//
// # Environment Variables
//
//   - CHAT_PORT, CHAT_GIN_MODE, CHAT_ALLOWED_ORIGINS (comma separated)
//   - CHAT_REDIS_URL
//   - CHAT_SERVER_ID, CHAT_MAX_CONNECTIONS, CHAT_PING_INTERVAL,
//     CHAT_STALE_AFTER, CHAT_DEAD_AFTER
//   - CHAT_UPSTREAM_URL
//   - CHAT_AUTH_DISABLED, CHAT_JWT_SECRET
//   - CHAT_MAX_TASKS, CHAT_TASK_TIMEOUT, CHAT_TITLE_TIMEOUT
//   - CHAT_RATE_LIMIT, CHAT_RATE_BURST
//   - CHAT_DATA_DIR, CHAT_STORE_IN_MEMORY
//   - CHAT_LOG_LEVEL, CHAT_LOG_DIR, CHAT_LOG_FORMAT
//   - CHAT_OTEL_EXPORTER, OTEL_EXPORTER_OTLP_ENDPOINT
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read the config file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Server.Port = getEnvInt("CHAT_PORT", cfg.Server.Port)
	cfg.Server.GinMode = getEnvString("CHAT_GIN_MODE", cfg.Server.GinMode)
	if origins := os.Getenv("CHAT_ALLOWED_ORIGINS"); origins != "" {
		cfg.Server.AllowedOrigins = splitList(origins)
	}

	cfg.Redis.URL = getEnvString("CHAT_REDIS_URL", cfg.Redis.URL)

	cfg.Registry.ServerID = getEnvString("CHAT_SERVER_ID", cfg.Registry.ServerID)
	cfg.Registry.MaxConnections = getEnvInt("CHAT_MAX_CONNECTIONS", cfg.Registry.MaxConnections)
	cfg.Registry.PingInterval = getEnvDuration("CHAT_PING_INTERVAL", cfg.Registry.PingInterval)
	cfg.Registry.StaleAfter = getEnvDuration("CHAT_STALE_AFTER", cfg.Registry.StaleAfter)
	cfg.Registry.DeadAfter = getEnvDuration("CHAT_DEAD_AFTER", cfg.Registry.DeadAfter)

	cfg.Upstream.BaseURL = getEnvString("CHAT_UPSTREAM_URL", cfg.Upstream.BaseURL)

	cfg.Auth.Disabled = getEnvBool("CHAT_AUTH_DISABLED", cfg.Auth.Disabled)
	cfg.Auth.JWTSecret = getEnvString("CHAT_JWT_SECRET", cfg.Auth.JWTSecret)

	cfg.Tasks.MaxPerSession = getEnvInt("CHAT_MAX_TASKS", cfg.Tasks.MaxPerSession)
	cfg.Tasks.DefaultTimeout = getEnvDuration("CHAT_TASK_TIMEOUT", cfg.Tasks.DefaultTimeout)
	cfg.Tasks.TitleTimeout = getEnvDuration("CHAT_TITLE_TIMEOUT", cfg.Tasks.TitleTimeout)

	cfg.Events.RateLimit = getEnvFloat("CHAT_RATE_LIMIT", cfg.Events.RateLimit)
	cfg.Events.Burst = getEnvInt("CHAT_RATE_BURST", cfg.Events.Burst)

	cfg.Store.DataDir = getEnvString("CHAT_DATA_DIR", cfg.Store.DataDir)
	cfg.Store.InMemory = getEnvBool("CHAT_STORE_IN_MEMORY", cfg.Store.InMemory)

	cfg.Log.Level = getEnvString("CHAT_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Dir = getEnvString("CHAT_LOG_DIR", cfg.Log.Dir)
	cfg.Log.Format = getEnvString("CHAT_LOG_FORMAT", cfg.Log.Format)

	cfg.Telemetry.Exporter = getEnvString("CHAT_OTEL_EXPORTER", cfg.Telemetry.Exporter)
	cfg.Telemetry.OTLPEndpoint = getEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Telemetry.OTLPEndpoint)
}

// =============================================================================
// Environment Helpers
// =============================================================================

// getEnvString returns the environment variable value or a default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings ("45s", "2m").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
