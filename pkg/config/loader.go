package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rhuss/batchgate/pkg/debug"
)

// Load loads configuration from a layered set of sources.
//
// The loading order is:
//  1. Built-in defaults
//  2. YAML config file (explicit path, BATCHGATE_CONFIG env, ./config.yaml, /etc/batchgate/config.yaml)
//  3. BATCHGATE_* environment variable overrides
//  4. File reference resolution (_file suffix)
//  5. Validation
func Load(configPath string) (*Config, error) {
	cfg := Defaults()

	filePath := discoverConfigFile(configPath)
	if filePath != "" {
		if err := loadYAMLFile(filePath, &cfg); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", filePath, err)
		}
		debug.Log("config", "config file loaded", "path", filePath)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}

	if err := resolveFileReferences(&cfg); err != nil {
		return nil, fmt.Errorf("resolving file references: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &cfg, nil
}

// discoverConfigFile returns the explicit path, then BATCHGATE_CONFIG, then
// the first of ./config.yaml and /etc/batchgate/config.yaml that exists.
// It returns "" when no file is found.
func discoverConfigFile(configPath string) string {
	if configPath != "" {
		return configPath
	}
	if envPath := os.Getenv("BATCHGATE_CONFIG"); envPath != "" {
		return envPath
	}

	candidates := []string{
		"config.yaml",
		"/etc/batchgate/config.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// loadYAMLFile parses a YAML file into cfg. Fields not present in the file
// keep their current values.
func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// envSetter applies one environment variable to the config.
type envSetter struct {
	name string
	set  func(cfg *Config, v string) error
}

func stringVar(field func(*Config) *string) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		*field(cfg) = v
		return nil
	}
}

func intVar(field func(*Config) *int) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(cfg) = n
		return nil
	}
}

func durationVar(field func(*Config) *time.Duration) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*field(cfg) = d
		return nil
	}
}

func boolVar(field func(*Config) *bool) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*field(cfg) = b
		return nil
	}
}

var envSetters = []envSetter{
	{"BATCHGATE_PORT", intVar(func(c *Config) *int { return &c.Server.Port })},
	{"BATCHGATE_SHUTDOWN_TIMEOUT", durationVar(func(c *Config) *time.Duration { return &c.Server.ShutdownTimeout })},

	{"BATCHGATE_BACKEND_URL", stringVar(func(c *Config) *string { return &c.Engine.BackendURL })},
	{"BATCHGATE_BACKEND_API_KEY", stringVar(func(c *Config) *string { return &c.Engine.APIKey })},
	{"BATCHGATE_MODEL", stringVar(func(c *Config) *string { return &c.Engine.DefaultModel })},
	{"BATCHGATE_FORCE_MODEL", stringVar(func(c *Config) *string { return &c.Engine.ForceModel })},

	{"BATCHGATE_GRACE_PERIOD", durationVar(func(c *Config) *time.Duration { return &c.Coalesce.GracePeriod })},
	{"BATCHGATE_CALL_TIMEOUT", durationVar(func(c *Config) *time.Duration { return &c.Coalesce.CallTimeout })},
	{"BATCHGATE_WORKERS", intVar(func(c *Config) *int { return &c.Coalesce.Workers })},
	{"BATCHGATE_IGNORED_PARAMS", func(c *Config, v string) error {
		c.Coalesce.IgnoredParams = splitList(v)
		return nil
	}},

	{"BATCHGATE_USAGE", stringVar(func(c *Config) *string { return &c.Usage.Type })},
	{"BATCHGATE_USAGE_SIZE", intVar(func(c *Config) *int { return &c.Usage.MaxSize })},
	{"BATCHGATE_POSTGRES_DSN", stringVar(func(c *Config) *string { return &c.Usage.Postgres.DSN })},
	{"BATCHGATE_REDIS_ADDR", stringVar(func(c *Config) *string { return &c.Usage.Redis.Addr })},
	{"BATCHGATE_REDIS_PASSWORD", stringVar(func(c *Config) *string { return &c.Usage.Redis.Password })},

	{"BATCHGATE_AUTH_TYPE", stringVar(func(c *Config) *string { return &c.Auth.Type })},
	{"BATCHGATE_API_KEYS", func(c *Config, v string) error {
		keys, err := parseAPIKeysJSON(v)
		if err != nil {
			return err
		}
		c.Auth.APIKeys = keys
		return nil
	}},
	{"BATCHGATE_JWT_SECRET", stringVar(func(c *Config) *string { return &c.Auth.JWT.Secret })},
	{"BATCHGATE_RATE_LIMIT", boolVar(func(c *Config) *bool { return &c.Auth.RateLimit.Enabled })},

	{"BATCHGATE_MCP", boolVar(func(c *Config) *bool { return &c.MCP.Enabled })},
	{"BATCHGATE_METRICS", boolVar(func(c *Config) *bool { return &c.Observability.Metrics.Enabled })},
	{"BATCHGATE_LOG_FORMAT", stringVar(func(c *Config) *string { return &c.Logging.Format })},
}

// applyEnvOverrides maps BATCHGATE_* environment variables onto config
// fields. Unset and empty variables are skipped; malformed values are
// reported together.
func applyEnvOverrides(cfg *Config) error {
	var bad []string
	for _, s := range envSetters {
		v := os.Getenv(s.name)
		if v == "" {
			continue
		}
		if err := s.set(cfg, v); err != nil {
			bad = append(bad, fmt.Sprintf("%s: %v", s.name, err))
		}
	}
	if len(bad) > 0 {
		return fmt.Errorf("%s", strings.Join(bad, "; "))
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// parseAPIKeysJSON parses a JSON array of API key configurations.
func parseAPIKeysJSON(jsonStr string) ([]APIKeyConfig, error) {
	var keys []APIKeyConfig
	if err := json.Unmarshal([]byte(jsonStr), &keys); err != nil {
		return nil, fmt.Errorf("parsing API keys JSON: %w", err)
	}
	return keys, nil
}

// resolveFileReferences fills each value field from its _file sibling when
// the value is empty and the file is set. File contents are trimmed.
func resolveFileReferences(cfg *Config) error {
	refs := []struct {
		path  string
		file  string
		value *string
	}{
		{"engine.api_key_file", cfg.Engine.APIKeyFile, &cfg.Engine.APIKey},
		{"usage.postgres.dsn_file", cfg.Usage.Postgres.DSNFile, &cfg.Usage.Postgres.DSN},
		{"usage.redis.password_file", cfg.Usage.Redis.PasswordFile, &cfg.Usage.Redis.Password},
		{"auth.jwt.secret_file", cfg.Auth.JWT.SecretFile, &cfg.Auth.JWT.Secret},
	}
	for i := range cfg.Auth.APIKeys {
		k := &cfg.Auth.APIKeys[i]
		refs = append(refs, struct {
			path  string
			file  string
			value *string
		}{fmt.Sprintf("auth.api_keys[%d].key_file", i), k.KeyFile, &k.Key})
	}

	for _, ref := range refs {
		if ref.file == "" || *ref.value != "" {
			continue
		}
		val, err := readSecretFile(ref.file)
		if err != nil {
			return fmt.Errorf("%s: %w", ref.path, err)
		}
		*ref.value = val
	}
	return nil
}

// readSecretFile reads a file and returns its content with surrounding whitespace trimmed.
func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
