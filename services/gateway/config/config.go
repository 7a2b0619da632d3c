// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the chat gateway's settings.
//
// Settings are layered, later layers winning:
//
//  1. Defaults (DefaultConfig)
//  2. YAML file (optional)
//  3. CHAT_* environment variables
//  4. Command-line flags (applied by the caller)
//
// Validate runs after the caller's last overlay.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the complete gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Registry  RegistryConfig  `yaml:"registry"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Auth      AuthConfig      `yaml:"auth"`
	Tasks     TasksConfig     `yaml:"tasks"`
	Events    EventsConfig    `yaml:"events"`
	Store     StoreConfig     `yaml:"store"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type ServerConfig struct {
	Port           int      `yaml:"port" validate:"min=1,max=65535"`
	GinMode        string   `yaml:"gin_mode" validate:"oneof=debug release test"`
	AllowedOrigins []string `yaml:"allowed_origins"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

type RedisConfig struct {
	// URL in redis:// or rediss:// form.
	URL string `yaml:"url" validate:"required,url"`
}

type RegistryConfig struct {
	// ServerID identifies this process. Generated when empty.
	ServerID       string        `yaml:"server_id"`
	KeyPrefix      string        `yaml:"key_prefix" validate:"required"`
	Namespace      string        `yaml:"namespace" validate:"required,startswith=/"`
	MaxConnections int           `yaml:"max_connections" validate:"min=1"`
	PingInterval   time.Duration `yaml:"ping_interval" validate:"gt=0"`
	StaleAfter     time.Duration `yaml:"stale_after" validate:"gt=0"`
	DeadAfter      time.Duration `yaml:"dead_after" validate:"gtfield=StaleAfter"`
	StatsTTL       time.Duration `yaml:"stats_ttl" validate:"gt=0"`
}

type UpstreamConfig struct {
	BaseURL          string        `yaml:"base_url" validate:"required,url"`
	FailureThreshold uint          `yaml:"failure_threshold" validate:"min=1"`
	BreakerDelay     time.Duration `yaml:"breaker_delay" validate:"gt=0"`
}

type AuthConfig struct {
	// Disabled admits every handshake as a single local user. Development only.
	Disabled bool `yaml:"disabled"`

	// JWTSecret is the HS256 signing secret. Prefer CHAT_JWT_SECRET over the file.
	JWTSecret        string `yaml:"jwt_secret" validate:"required_unless=Disabled true"`
	RevocationPrefix string `yaml:"revocation_prefix" validate:"required"`
}

type TasksConfig struct {
	MaxPerSession  int           `yaml:"max_per_session" validate:"min=1"`
	DefaultTimeout time.Duration `yaml:"default_timeout" validate:"gt=0"`
	PromptTimeout  time.Duration `yaml:"prompt_timeout" validate:"gte=0"`
	TitleTimeout   time.Duration `yaml:"title_timeout" validate:"gte=0"`
	SettleTimeout  time.Duration `yaml:"settle_timeout" validate:"gt=0"`
	StatsInterval  time.Duration `yaml:"stats_interval" validate:"gt=0"`
}

type EventsConfig struct {
	// RateLimit is inbound events per second per socket. 0 disables.
	RateLimit       float64 `yaml:"rate_limit" validate:"gte=0"`
	Burst           int     `yaml:"burst" validate:"min=1"`
	MaxMessageBytes int64   `yaml:"max_message_bytes" validate:"min=1024"`
}

type StoreConfig struct {
	DataDir  string `yaml:"data_dir" validate:"required_unless=InMemory true"`
	InMemory bool   `yaml:"in_memory"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn warning error DEBUG INFO WARN ERROR"`
	Dir    string `yaml:"dir"`
	Format string `yaml:"format" validate:"oneof=auto text json"`
}

type TelemetryConfig struct {
	// Exporter is "otlp", "stdout" or "none".
	Exporter     string  `yaml:"exporter" validate:"oneof=otlp stdout none"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" validate:"required_if=Exporter otlp"`
	SampleRatio  float64 `yaml:"sample_ratio" validate:"gte=0,lte=1"`
}

// DefaultConfig returns settings for a single-node deployment next to a
// local Redis and generation service.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Port:            12310,
			GinMode:         "release",
			ShutdownTimeout: 15 * time.Second,
		},
		Redis: RedisConfig{URL: "redis://localhost:6379/0"},
		Registry: RegistryConfig{
			KeyPrefix:      "chat",
			Namespace:      "/chat",
			MaxConnections: 1000,
			PingInterval:   30 * time.Second,
			StaleAfter:     60 * time.Second,
			DeadAfter:      5 * time.Minute,
			StatsTTL:       5 * time.Minute,
		},
		Upstream: UpstreamConfig{
			BaseURL:          "http://localhost:5000",
			FailureThreshold: 5,
			BreakerDelay:     30 * time.Second,
		},
		Auth: AuthConfig{RevocationPrefix: "chat:blacklist:"},
		Tasks: TasksConfig{
			MaxPerSession:  10,
			DefaultTimeout: 60 * time.Second,
			TitleTimeout:   30 * time.Second,
			SettleTimeout:  100 * time.Millisecond,
			StatsInterval:  60 * time.Second,
		},
		Events: EventsConfig{
			RateLimit:       20,
			Burst:           40,
			MaxMessageBytes: 64 * 1024,
		},
		Store: StoreConfig{DataDir: "/var/lib/aleutian/chat"},
		Log:   LogConfig{Level: "info", Format: "auto"},
		Telemetry: TelemetryConfig{
			Exporter:     "none",
			OTLPEndpoint: "aleutian-otel-collector:4317",
			SampleRatio:  1,
		},
	}
}

var validate = validator.New()

// Validate checks every field's constraints.
//
// # Outputs
//
//   - error: Lists each failing field, or nil.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
