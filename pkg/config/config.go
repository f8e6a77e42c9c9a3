// Package config provides unified configuration for the batchgate server.
//
// Configuration is loaded in layers:
//  1. Built-in defaults
//  2. YAML config file (discovered or explicitly specified)
//  3. Environment variable overrides (BATCHGATE_ prefix)
//  4. File reference resolution (_file suffix fields)
//  5. Validation
package config

import (
	"strconv"
	"time"
)

// Config holds all configuration for the batchgate server.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Engine        EngineConfig        `yaml:"engine"`
	Coalesce      CoalesceConfig      `yaml:"coalesce"`
	Usage         UsageConfig         `yaml:"usage"`
	Auth          AuthConfig          `yaml:"auth"`
	MCP           MCPConfig           `yaml:"mcp"`
	Observability ObservabilityConfig `yaml:"observability"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port              int           `yaml:"port"`                // default: 8080
	MaxBodySize       int64         `yaml:"max_body_size"`       // default: 1MB
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"` // default: 10s
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`    // default: 30s
}

// EngineConfig holds backend and request handling settings.
type EngineConfig struct {
	BackendURL    string        `yaml:"backend_url"` // required
	APIKey        string        `yaml:"api_key"`
	APIKeyFile    string        `yaml:"api_key_file"`
	DefaultModel  string        `yaml:"default_model"`
	ForceModel    string        `yaml:"force_model"`
	Timeout       time.Duration `yaml:"timeout"`         // HTTP timeout of the backend client, default: 120s
	MaxPromptSize int           `yaml:"max_prompt_size"` // default: 1MB
	MaxChoices    int           `yaml:"max_choices"`     // default: 128
}

// CoalesceConfig controls how requests are grouped and dispatched.
type CoalesceConfig struct {
	GracePeriod   time.Duration `yaml:"grace_period"` // default: 3s
	CallTimeout   time.Duration `yaml:"call_timeout"` // default: 120s
	Workers       int           `yaml:"workers"`      // default: 1
	IgnoredParams []string      `yaml:"ignored_params"`
}

// UsageConfig selects where served requests are recorded.
type UsageConfig struct {
	Type     string         `yaml:"type"`     // "memory", "postgres" or "redis", default: "memory"
	MaxSize  int            `yaml:"max_size"` // memory sink only, default: 10000
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	DSNFile         string        `yaml:"dsn_file"`
	MaxConns        int32         `yaml:"max_conns"` // default: 10
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MigrateOnStart  bool          `yaml:"migrate_on_start"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	Addr         string `yaml:"addr"`
	Password     string `yaml:"password"`
	PasswordFile string `yaml:"password_file"`
	DB           int    `yaml:"db"`
	KeyPrefix    string `yaml:"key_prefix"`
	MaxEvents    int64  `yaml:"max_events"`
}

// AuthConfig holds authentication and rate limiting settings.
type AuthConfig struct {
	Type      string          `yaml:"type"`     // "none", "apikey" or "jwt", default: "none"
	APIKeys   []APIKeyConfig  `yaml:"api_keys"` // entries for type=apikey
	JWT       JWTConfig       `yaml:"jwt"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// APIKeyConfig describes a single API key entry.
type APIKeyConfig struct {
	Key         string `yaml:"key" json:"key"`
	KeyFile     string `yaml:"key_file" json:"key_file"`
	Subject     string `yaml:"subject" json:"subject"`
	TenantID    string `yaml:"tenant_id" json:"tenant_id"`
	ServiceTier string `yaml:"service_tier" json:"service_tier"`
}

// JWTConfig configures HMAC-signed bearer tokens.
type JWTConfig struct {
	Secret      string        `yaml:"secret"`
	SecretFile  string        `yaml:"secret_file"`
	Issuer      string        `yaml:"issuer"`
	Audience    string        `yaml:"audience"`
	UserClaim   string        `yaml:"user_claim"`   // default: "sub"
	TenantClaim string        `yaml:"tenant_claim"` // default: "tenant_id"
	TierClaim   string        `yaml:"tier_claim"`   // default: "tier"
	Leeway      time.Duration `yaml:"leeway"`
}

// RateLimitConfig configures per-subject token buckets.
type RateLimitConfig struct {
	Enabled       bool                  `yaml:"enabled"`
	Default       TierConfig            `yaml:"default"` // tiers without an entry, default: 60 rpm
	Tiers         map[string]TierConfig `yaml:"tiers"`
	SweepInterval time.Duration         `yaml:"sweep_interval"` // default: 1m
	IdleTimeout   time.Duration         `yaml:"idle_timeout"`   // default: 10m
}

// TierConfig is the rate limit of one service tier. A requests_per_minute
// of zero means unlimited.
type TierConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

// MCPConfig controls the MCP endpoint.
type MCPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // default: "/mcp"
}

// ObservabilityConfig holds monitoring and instrumentation settings.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig holds Prometheus metrics endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // default: true
	Path    string `yaml:"path"`    // default: "/metrics"
}

// LoggingConfig is handed to debug.Setup. BATCHGATE_DEBUG and
// BATCHGATE_LOG_LEVEL still win over these values.
type LoggingConfig struct {
	Debug  string `yaml:"debug"`  // comma-separated categories
	Level  string `yaml:"level"`  // default: "INFO"
	Format string `yaml:"format"` // "text" or "json", default: "text"
}

// Defaults returns a Config with all default values filled in.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:              8080,
			MaxBodySize:       1 << 20,
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Engine: EngineConfig{
			Timeout:       120 * time.Second,
			MaxPromptSize: 1 << 20,
			MaxChoices:    128,
		},
		Coalesce: CoalesceConfig{
			GracePeriod: 3 * time.Second,
			CallTimeout: 120 * time.Second,
			Workers:     1,
		},
		Usage: UsageConfig{
			Type:    "memory",
			MaxSize: 10000,
			Postgres: PostgresConfig{
				MaxConns: 10,
			},
			Redis: RedisConfig{
				Addr: "localhost:6379",
			},
		},
		Auth: AuthConfig{
			Type: "none",
			RateLimit: RateLimitConfig{
				Default:       TierConfig{RequestsPerMinute: 60},
				SweepInterval: time.Minute,
				IdleTimeout:   10 * time.Minute,
			},
		},
		MCP: MCPConfig{
			Path: "/mcp",
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
		},
	}
}

// Addr returns the listen address for the configured port.
func (s ServerConfig) Addr() string {
	return ":" + strconv.Itoa(s.Port)
}
