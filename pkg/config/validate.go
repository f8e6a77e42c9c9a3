package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks the configuration for required fields and valid values.
// All problems are reported together, each with its field path.
func (c *Config) Validate() error {
	var errs []error

	if c.Engine.BackendURL == "" {
		errs = append(errs, fmt.Errorf("engine.backend_url is required"))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port))
	}
	if c.Server.MaxBodySize <= 0 {
		errs = append(errs, fmt.Errorf("server.max_body_size must be > 0, got %d", c.Server.MaxBodySize))
	}

	if c.Coalesce.GracePeriod < 0 {
		errs = append(errs, fmt.Errorf("coalesce.grace_period must not be negative, got %s", c.Coalesce.GracePeriod))
	}
	if c.Coalesce.CallTimeout <= 0 {
		errs = append(errs, fmt.Errorf("coalesce.call_timeout must be > 0, got %s", c.Coalesce.CallTimeout))
	}
	if c.Coalesce.Workers < 1 {
		errs = append(errs, fmt.Errorf("coalesce.workers must be >= 1, got %d", c.Coalesce.Workers))
	}
	for _, p := range c.Coalesce.IgnoredParams {
		switch p {
		case "model", "n", "prompt":
			errs = append(errs, fmt.Errorf("coalesce.ignored_params must not contain %q", p))
		}
	}

	switch c.Usage.Type {
	case "memory":
		if c.Usage.MaxSize < 0 {
			errs = append(errs, fmt.Errorf("usage.max_size must not be negative, got %d", c.Usage.MaxSize))
		}
	case "postgres":
		if c.Usage.Postgres.DSN == "" && c.Usage.Postgres.DSNFile == "" {
			errs = append(errs, fmt.Errorf("usage.postgres.dsn or usage.postgres.dsn_file is required when usage.type is \"postgres\""))
		}
	case "redis":
		if c.Usage.Redis.Addr == "" {
			errs = append(errs, fmt.Errorf("usage.redis.addr is required when usage.type is \"redis\""))
		}
	default:
		errs = append(errs, fmt.Errorf("usage.type must be \"memory\", \"postgres\", or \"redis\", got %q", c.Usage.Type))
	}

	switch c.Auth.Type {
	case "none":
	case "apikey":
		if len(c.Auth.APIKeys) == 0 {
			errs = append(errs, fmt.Errorf("auth.api_keys must not be empty when auth.type is \"apikey\""))
		}
		for i, k := range c.Auth.APIKeys {
			if k.Key == "" && k.KeyFile == "" {
				errs = append(errs, fmt.Errorf("auth.api_keys[%d]: key or key_file is required", i))
			}
			if k.Subject == "" {
				errs = append(errs, fmt.Errorf("auth.api_keys[%d].subject is required", i))
			}
		}
	case "jwt":
		if c.Auth.JWT.Secret == "" && c.Auth.JWT.SecretFile == "" {
			errs = append(errs, fmt.Errorf("auth.jwt.secret or auth.jwt.secret_file is required when auth.type is \"jwt\""))
		}
	default:
		errs = append(errs, fmt.Errorf("auth.type must be \"none\", \"apikey\", or \"jwt\", got %q", c.Auth.Type))
	}

	if c.Auth.RateLimit.Enabled {
		for name, t := range c.Auth.RateLimit.Tiers {
			if t.RequestsPerMinute < 0 || t.Burst < 0 {
				errs = append(errs, fmt.Errorf("auth.rate_limit.tiers.%s: values must not be negative", name))
			}
		}
	}

	if c.MCP.Enabled && !strings.HasPrefix(c.MCP.Path, "/") {
		errs = append(errs, fmt.Errorf("mcp.path must start with \"/\", got %q", c.MCP.Path))
	}
	if c.Observability.Metrics.Enabled && !strings.HasPrefix(c.Observability.Metrics.Path, "/") {
		errs = append(errs, fmt.Errorf("observability.metrics.path must start with \"/\", got %q", c.Observability.Metrics.Path))
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be \"text\" or \"json\", got %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}
