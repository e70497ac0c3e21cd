// Package config loads and validates the gateway configuration.
//
// DESIGN: All configuration comes from YAML. The binary embeds a complete
// default file, so a deployment can run without one, but a file that is
// loaded must be complete: Validate rejects missing required fields instead
// of silently defaulting them.
//
// FILES:
//   - config.go:     Root Config struct, Load(), Validate(), env expansion
//   - upstream.go:   Backend endpoints, signature cache, rate-limit persistence
//   - accounts.go:   Backend accounts and client API keys
//   - monitoring.go: Logging, telemetry and metrics settings
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/compresr/antigravity-gateway/internal/accounts"
)

// Config is the root configuration for the gateway.
type Config struct {
	Server     ServerConfig     `yaml:"server"`     // HTTP server settings
	Upstream   UpstreamConfig   `yaml:"upstream"`   // Backend endpoints and retries
	Signatures SignaturesConfig `yaml:"signatures"` // Thought-signature cache
	RateLimit  RateLimitConfig  `yaml:"rate_limit"` // Lockout persistence
	Accounts   AccountsConfig   `yaml:"accounts"`   // Backend credentials
	Auth       AuthConfig       `yaml:"auth"`       // Client API keys
	Monitoring MonitoringConfig `yaml:"monitoring"` // Logging, telemetry, metrics
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`             // Port to listen on
	ReadTimeout     time.Duration `yaml:"read_timeout"`     // Max time to read request
	WriteTimeout    time.Duration `yaml:"write_timeout"`    // Max time between response writes
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // Graceful shutdown budget
	RatePerIP       float64       `yaml:"rate_per_ip"`      // Requests/second per client IP, 0 = unlimited
	BurstPerIP      int           `yaml:"burst_per_ip"`     // Burst allowance per client IP
	CORSOrigins     []string      `yaml:"cors_origins"`     // Allowed origins, "*" for any
}

// envPattern matches ${VAR} or ${VAR:-default}.
var envPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandEnvWithDefaults expands environment variables with support for default values.
func expandEnvWithDefaults(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := envPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		if len(parts) > 2 {
			return parts[2]
		}
		return ""
	})
}

// Load reads configuration from a YAML file.
// Returns an error if the file doesn't exist or is invalid.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config file path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}

	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from raw YAML bytes.
// Supports ${VAR:-default} env var expansion, env overrides, and validation.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvWithDefaults(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides lets operators redirect the backend and telemetry
// without editing the config file.
func (c *Config) applyEnvOverrides() {
	if url := os.Getenv("ANTIGRAVITY_API_URL"); url != "" {
		c.Upstream.BaseURL = url
	}
	if ua := os.Getenv("ANTIGRAVITY_USER_AGENT"); ua != "" {
		c.Upstream.UserAgent = ua
	}
	if envPath := os.Getenv("SESSION_TELEMETRY_LOG"); envPath != "" {
		c.Monitoring.TelemetryPath = envPath
	}

	// A single account can come from the environment when none is configured.
	access, refresh := os.Getenv("ANTIGRAVITY_ACCESS_TOKEN"), os.Getenv("ANTIGRAVITY_REFRESH_TOKEN")
	if len(c.Accounts.Static) == 0 && (access != "" || refresh != "") {
		c.Accounts.Static = append(c.Accounts.Static, accounts.Account{
			ID:           "env",
			AccessToken:  access,
			RefreshToken: refresh,
			ProjectID:    os.Getenv("ANTIGRAVITY_PROJECT_ID"),
			ProxyURL:     os.Getenv("ANTIGRAVITY_PROXY_URL"),
		})
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port == 0 {
		return fmt.Errorf("server.port is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ReadTimeout == 0 {
		return fmt.Errorf("server.read_timeout is required")
	}
	if c.Server.WriteTimeout == 0 {
		return fmt.Errorf("server.write_timeout is required")
	}
	if c.Server.RatePerIP < 0 {
		return fmt.Errorf("server.rate_per_ip must not be negative")
	}
	if c.Server.RatePerIP > 0 && c.Server.BurstPerIP < 1 {
		return fmt.Errorf("server.burst_per_ip is required when server.rate_per_ip is set")
	}

	if err := c.Upstream.Validate(); err != nil {
		return err
	}
	if err := c.Signatures.Validate(); err != nil {
		return err
	}
	if err := c.RateLimit.Validate(); err != nil {
		return err
	}
	if err := c.Accounts.Validate(); err != nil {
		return err
	}
	return c.Monitoring.Validate()
}
