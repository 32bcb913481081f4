// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Configuration
// =============================================================================

// Defaults applied by applyConfigDefaults and DefaultConfig.
const (
	DefaultPort             = 8000
	DefaultStandaloneMCPURL = "http://localhost:8001/mcp"
	DefaultOpenAIModel      = "gpt-4o"
	DefaultOpenAITimeout    = 30 * time.Second
	DefaultPoolSize         = 5
	DefaultPoolMaxOverflow  = 10
	DefaultRateLimit        = 100
	DefaultEnvironment      = "development"
)

// Config holds the process configuration.
//
// # Description
//
// Values come from an optional YAML file and are then overridden by
// environment variables (see LoadConfig). A Config built in code gets the
// same defaults through New, except MountMCPServer, whose zero value
// selects remote mode, and DBPoolMaxOverflow, where zero disables overflow
// connections.
type Config struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port" validate:"min=1,max=65535"`
	Environment string `yaml:"environment"`

	// DatabaseURL is the Postgres URL of the task store. Empty uses an
	// in-memory store, which is refused in production.
	DatabaseURL       string `yaml:"database_url"`
	DBPoolSize        int    `yaml:"db_pool_size" validate:"min=1"`
	DBPoolMaxOverflow int    `yaml:"db_pool_max_overflow" validate:"min=0"`

	OpenAIAPIKey  string        `yaml:"openai_api_key"`
	OpenAIModel   string        `yaml:"openai_model"`
	OpenAIBaseURL string        `yaml:"openai_base_url"`
	OpenAITimeout time.Duration `yaml:"openai_timeout" validate:"min=0"`

	// MountMCPServer selects direct mode and serves the tools at /mcp on
	// the same server. False selects remote mode.
	MountMCPServer bool `yaml:"mount_mcp_server"`

	// MCPServerOverride replaces the derived tool server endpoint.
	MCPServerOverride string `yaml:"mcp_server_url" validate:"omitempty,url"`

	// MaxTurns bounds model round trips per request.
	MaxTurns int `yaml:"max_turns" validate:"min=0"`

	// HistoryLimit is how many recent turns are given to the model.
	HistoryLimit int `yaml:"history_limit" validate:"min=0"`

	// RateLimitPerHour is the per-user chat budget. Zero disables it.
	RateLimitPerHour int `yaml:"rate_limit_requests_per_hour" validate:"min=0"`

	// ConversationDir holds the Badger conversation store. Empty keeps
	// conversations in memory.
	ConversationDir string `yaml:"conversation_dir"`

	// OTelEndpoint is the OTLP gRPC collector. Empty disables tracing.
	OTelEndpoint string `yaml:"otel_endpoint"`

	LogLevel string `yaml:"log_level"`

	// AuthTokens maps bearer tokens to user ids. Empty trusts every
	// request as the local user.
	AuthTokens map[string]string `yaml:"auth_tokens"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return applyConfigDefaults(Config{MountMCPServer: true, DBPoolMaxOverflow: DefaultPoolMaxOverflow})
}

// applyConfigDefaults fills zero values.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Environment == "" {
		cfg.Environment = DefaultEnvironment
	}
	if cfg.DBPoolSize == 0 {
		cfg.DBPoolSize = DefaultPoolSize
	}
	if cfg.OpenAIModel == "" {
		cfg.OpenAIModel = DefaultOpenAIModel
	}
	if cfg.OpenAITimeout == 0 {
		cfg.OpenAITimeout = DefaultOpenAITimeout
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	return cfg
}

// LoadConfig reads path (when non-empty) and applies environment
// overrides and defaults.
//
// # Description
//
// Recognized variables: API_HOST, API_PORT, ENVIRONMENT, DATABASE_URL,
// DB_POOL_SIZE, DB_POOL_MAX_OVERFLOW, OPENAI_API_KEY, OPENAI_MODEL,
// OPENAI_BASE_URL, OPENAI_API_TIMEOUT (seconds or a Go duration),
// MOUNT_MCP_SERVER, MCP_SERVER_URL, RATE_LIMIT_REQUESTS_PER_HOUR,
// CONVERSATION_DIR, OTEL_EXPORTER_OTLP_ENDPOINT, LOG_LEVEL and
// AUTH_TOKENS ("token=user,token2=user2").
//
// # Outputs
//
//   - Config: Validated configuration.
//   - error: Unreadable file, malformed value, or failed validation.
func LoadConfig(path string) (Config, error) {
	return loadConfig(path, os.LookupEnv)
}

func loadConfig(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Config{
		MountMCPServer:    true,
		RateLimitPerHour:  DefaultRateLimit,
		DBPoolMaxOverflow: DefaultPoolMaxOverflow,
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}
	cfg = applyConfigDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	str("API_HOST", &cfg.Host)
	num("API_PORT", &cfg.Port)
	str("ENVIRONMENT", &cfg.Environment)
	str("DATABASE_URL", &cfg.DatabaseURL)
	num("DB_POOL_SIZE", &cfg.DBPoolSize)
	num("DB_POOL_MAX_OVERFLOW", &cfg.DBPoolMaxOverflow)
	str("OPENAI_API_KEY", &cfg.OpenAIAPIKey)
	str("OPENAI_MODEL", &cfg.OpenAIModel)
	str("OPENAI_BASE_URL", &cfg.OpenAIBaseURL)
	str("MCP_SERVER_URL", &cfg.MCPServerOverride)
	num("RATE_LIMIT_REQUESTS_PER_HOUR", &cfg.RateLimitPerHour)
	str("CONVERSATION_DIR", &cfg.ConversationDir)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.OTelEndpoint)
	str("LOG_LEVEL", &cfg.LogLevel)

	if v, ok := lookup("OPENAI_API_TIMEOUT"); ok && v != "" {
		d, err := parseTimeout(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("OPENAI_API_TIMEOUT: %w", err))
		} else {
			cfg.OpenAITimeout = d
		}
	}
	if v, ok := lookup("MOUNT_MCP_SERVER"); ok && v != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("MOUNT_MCP_SERVER: %w", err))
		} else {
			cfg.MountMCPServer = b
		}
	}
	if v, ok := lookup("AUTH_TOKENS"); ok && v != "" {
		tokens, err := parseAuthTokens(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("AUTH_TOKENS: %w", err))
		} else {
			cfg.AuthTokens = tokens
		}
	}
	return errors.Join(errs...)
}

// parseTimeout accepts plain seconds ("30") or a duration ("1m30s").
func parseTimeout(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(v)
}

func parseAuthTokens(v string) (map[string]string, error) {
	tokens := make(map[string]string)
	for _, pair := range strings.Split(v, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, user, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(token) == "" || strings.TrimSpace(user) == "" {
			return nil, fmt.Errorf("malformed entry %q", pair)
		}
		tokens[strings.TrimSpace(token)] = strings.TrimSpace(user)
	}
	return tokens, nil
}

var configValidate = validator.New()

// Validate checks ranges and cross-field rules.
func (c Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.IsProduction() && c.DatabaseURL == "" {
		return errors.New("invalid configuration: DATABASE_URL is required in production")
	}
	return nil
}

// IsProduction reports whether Environment is "production".
func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// Addr is the listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MCPServerURL is the tool server endpoint used in remote mode and
// advertised in direct mode.
//
// The override wins. Otherwise a mounted server is reached on this
// process's port and a standalone one on port 8001.
func (c Config) MCPServerURL() string {
	if c.MCPServerOverride != "" {
		return c.MCPServerOverride
	}
	if c.MountMCPServer {
		return fmt.Sprintf("http://localhost:%d/mcp", c.Port)
	}
	return DefaultStandaloneMCPURL
}
