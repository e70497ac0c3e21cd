package config

import (
	"fmt"
	"time"

	"github.com/compresr/antigravity-gateway/external"
	"github.com/compresr/antigravity-gateway/internal/ratelimit"
)

// =============================================================================
// UPSTREAM
// =============================================================================

// UpstreamConfig contains backend settings.
type UpstreamConfig struct {
	BaseURL     string        `yaml:"base_url"`     // Override; replaces the daily/prod pair
	UserAgent   string        `yaml:"user_agent"`   // Empty = desktop client default
	Timeout     time.Duration `yaml:"timeout"`      // Unary calls (models, project lookup)
	MaxAttempts int           `yaml:"max_attempts"` // Attempts per client request
}

// Endpoints returns the endpoint list the client walks.
func (u UpstreamConfig) Endpoints() []string {
	return external.ResolveEndpoints(u.BaseURL)
}

// Validate checks upstream settings.
func (u UpstreamConfig) Validate() error {
	if u.Timeout <= 0 {
		return fmt.Errorf("upstream.timeout is required")
	}
	if u.MaxAttempts < 1 {
		return fmt.Errorf("upstream.max_attempts is required (>= 1)")
	}
	return nil
}

// =============================================================================
// SIGNATURES
// =============================================================================

// SignaturesConfig contains thought-signature cache settings.
type SignaturesConfig struct {
	TTL           time.Duration `yaml:"ttl"`            // Entry lifetime
	SweepInterval time.Duration `yaml:"sweep_interval"` // Background expiry sweep, 0 = off
}

// Validate checks signature cache settings.
func (s SignaturesConfig) Validate() error {
	if s.TTL <= 0 {
		return fmt.Errorf("signatures.ttl is required")
	}
	if s.SweepInterval < 0 {
		return fmt.Errorf("signatures.sweep_interval must not be negative")
	}
	return nil
}

// =============================================================================
// RATE-LIMIT PERSISTENCE
// =============================================================================

// Persistence backends for rate-limit lockouts.
const (
	PersistenceNone   = "none"
	PersistenceSQLite = "sqlite"
	PersistenceRedis  = "redis"
)

// RedisConfig locates the Redis persister.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// Options converts to the persister options.
func (r RedisConfig) Options() ratelimit.RedisOptions {
	return ratelimit.RedisOptions{Addr: r.Addr, Password: r.Password, DB: r.DB, Prefix: r.Prefix}
}

// RateLimitConfig selects where lockouts are persisted.
type RateLimitConfig struct {
	Persistence string      `yaml:"persistence"` // none, sqlite, redis
	SQLitePath  string      `yaml:"sqlite_path"`
	Redis       RedisConfig `yaml:"redis"`
}

// Validate checks rate-limit persistence settings.
func (r RateLimitConfig) Validate() error {
	switch r.Persistence {
	case "", PersistenceNone:
		return nil
	case PersistenceSQLite:
		if r.SQLitePath == "" {
			return fmt.Errorf("rate_limit.sqlite_path is required for sqlite persistence")
		}
	case PersistenceRedis:
		if r.Redis.Addr == "" {
			return fmt.Errorf("rate_limit.redis.addr is required for redis persistence")
		}
	default:
		return fmt.Errorf("invalid rate_limit.persistence: %q (must be none, sqlite or redis)", r.Persistence)
	}
	return nil
}
