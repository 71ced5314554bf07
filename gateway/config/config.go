// Copyright 2025 AgentWorks
// SPDX-License-Identifier: Apache-2.0

// Package config loads gateway configuration from an optional YAML file
// overlaid with environment variables. Environment always wins so
// deployments can override a baked-in file per instance.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full gateway configuration.
type Config struct {
	Port        string `yaml:"port"`
	RedisURL    string `yaml:"redis_url"`
	DatabaseDSN string `yaml:"database_dsn"`

	Providers ProvidersConfig `yaml:"providers"`
	BYOA      BYOAConfig      `yaml:"byoa"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Usage     UsageConfig     `yaml:"usage"`

	// FailureThreshold enables router short-circuiting at the given
	// rolling provider failure count. Zero (the default) keeps the
	// failure counters observability-only.
	FailureThreshold int64 `yaml:"failure_threshold"`

	// AllowedOrigins configures CORS for the HTTP surface.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// ProvidersConfig carries the platform vendor keys. A provider with an
// empty key is simply not registered.
type ProvidersConfig struct {
	OpenAIKey     string `yaml:"openai_key"`
	AnthropicKey  string `yaml:"anthropic_key"`
	GoogleKey     string `yaml:"google_key"`
	ElevenLabsKey string `yaml:"elevenlabs_key"`
}

// BYOAConfig configures the internal credential resolver.
type BYOAConfig struct {
	APIBaseURL string `yaml:"api_base_url"`
	Secret     string `yaml:"secret"`
}

// RateLimitConfig carries the default per-workspace limit.
type RateLimitConfig struct {
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
}

// UsageConfig tunes the aggregation loop.
type UsageConfig struct {
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batch_size"`
}

// Load builds the configuration: defaults, then the YAML file named by
// AGENTWORKS_CONFIG (if any), then environment variables.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("AGENTWORKS_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Port:     "8090",
		RedisURL: "redis://localhost:6379",
		RateLimit: RateLimitConfig{
			MaxRequests: 60,
			Window:      time.Minute,
		},
		Usage: UsageConfig{
			Interval:  30 * time.Second,
			BatchSize: 200,
		},
		AllowedOrigins: []string{"*"},
	}
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

func (c *Config) applyEnv() {
	setString(&c.Port, "PORT")
	setString(&c.RedisURL, "REDIS_URL")
	setString(&c.DatabaseDSN, "DATABASE_URL")

	setString(&c.Providers.OpenAIKey, "OPENAI_API_KEY")
	setString(&c.Providers.AnthropicKey, "ANTHROPIC_API_KEY")
	setString(&c.Providers.GoogleKey, "GOOGLE_API_KEY")
	setString(&c.Providers.ElevenLabsKey, "ELEVENLABS_API_KEY")

	setString(&c.BYOA.APIBaseURL, "BYOA_API_URL")
	setString(&c.BYOA.Secret, "BYOA_SERVICE_SECRET")

	setInt(&c.RateLimit.MaxRequests, "RATE_LIMIT_MAX_REQUESTS")
	setDuration(&c.RateLimit.Window, "RATE_LIMIT_WINDOW")

	setDuration(&c.Usage.Interval, "USAGE_AGGREGATION_INTERVAL")
	setInt(&c.Usage.BatchSize, "USAGE_BATCH_SIZE")

	setInt64(&c.FailureThreshold, "PROVIDER_FAILURE_THRESHOLD")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
