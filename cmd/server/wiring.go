package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/rhuss/batchgate/pkg/api"
	"github.com/rhuss/batchgate/pkg/auth"
	"github.com/rhuss/batchgate/pkg/auth/apikey"
	"github.com/rhuss/batchgate/pkg/auth/jwt"
	"github.com/rhuss/batchgate/pkg/auth/noop"
	"github.com/rhuss/batchgate/pkg/config"
	"github.com/rhuss/batchgate/pkg/engine"
	"github.com/rhuss/batchgate/pkg/mcpserver"
	"github.com/rhuss/batchgate/pkg/observability"
	transporthttp "github.com/rhuss/batchgate/pkg/transport/http"
	"github.com/rhuss/batchgate/pkg/usage"
	"github.com/rhuss/batchgate/pkg/usage/memory"
	"github.com/rhuss/batchgate/pkg/usage/postgres"
	"github.com/rhuss/batchgate/pkg/usage/redis"
)

const version = "0.1.0"

// healthChecker is implemented by sinks backed by an external store.
type healthChecker interface {
	HealthCheck(ctx context.Context) error
}

func newUsageSink(ctx context.Context, cfg config.UsageConfig) (usage.Sink, error) {
	switch cfg.Type {
	case "postgres":
		return postgres.New(ctx, postgres.Config{
			DSN:             cfg.Postgres.DSN,
			MaxConns:        cfg.Postgres.MaxConns,
			MinConns:        cfg.Postgres.MinConns,
			MaxConnLifetime: cfg.Postgres.MaxConnLifetime,
			MigrateOnStart:  cfg.Postgres.MigrateOnStart,
		})
	case "redis":
		return redis.New(ctx, redis.Config{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			MaxEvents: cfg.Redis.MaxEvents,
		})
	case "memory", "":
		return memory.New(cfg.MaxSize), nil
	default:
		return nil, fmt.Errorf("unknown usage type %q", cfg.Type)
	}
}

func validationConfig(cfg config.EngineConfig) api.ValidationConfig {
	v := api.DefaultValidationConfig()
	if cfg.MaxPromptSize > 0 {
		v.MaxPromptSize = cfg.MaxPromptSize
	}
	if cfg.MaxChoices > 0 {
		v.MaxChoices = cfg.MaxChoices
	}
	return v
}

// newAuthChain builds the authenticator chain for the configured type. With
// type "none" every request runs as the anonymous identity; otherwise
// requests no authenticator recognizes are rejected.
func newAuthChain(cfg config.AuthConfig) (*auth.AuthChain, error) {
	switch cfg.Type {
	case "none", "":
		return &auth.AuthChain{
			Authenticators:  []auth.Authenticator{&noop.Authenticator{}},
			DefaultDecision: auth.Yes,
		}, nil

	case "apikey":
		return &auth.AuthChain{
			Authenticators:  []auth.Authenticator{apikey.New(apiKeyEntries(cfg.APIKeys))},
			DefaultDecision: auth.No,
		}, nil

	case "jwt":
		a, err := jwt.New(jwt.Config{
			Secret:      []byte(cfg.JWT.Secret),
			Issuer:      cfg.JWT.Issuer,
			Audience:    cfg.JWT.Audience,
			UserClaim:   cfg.JWT.UserClaim,
			TenantClaim: cfg.JWT.TenantClaim,
			TierClaim:   cfg.JWT.TierClaim,
			Leeway:      cfg.JWT.Leeway,
		})
		if err != nil {
			return nil, err
		}
		authenticators := []auth.Authenticator{a}
		// Static keys may be configured next to JWT for service accounts.
		if len(cfg.APIKeys) > 0 {
			authenticators = append(authenticators, apikey.New(apiKeyEntries(cfg.APIKeys)))
		}
		return &auth.AuthChain{
			Authenticators:  authenticators,
			DefaultDecision: auth.No,
		}, nil

	default:
		return nil, fmt.Errorf("unknown auth type %q", cfg.Type)
	}
}

func apiKeyEntries(keys []config.APIKeyConfig) []apikey.RawKeyEntry {
	entries := make([]apikey.RawKeyEntry, 0, len(keys))
	for _, k := range keys {
		entries = append(entries, apikey.RawKeyEntry{
			Key: k.Key,
			Identity: auth.Identity{
				Subject:     k.Subject,
				Tenant:      k.TenantID,
				ServiceTier: k.ServiceTier,
			},
		})
	}
	return entries
}

// newRateLimiter returns nil when rate limiting is disabled.
func newRateLimiter(cfg config.RateLimitConfig) *auth.TokenBucketLimiter {
	if !cfg.Enabled {
		return nil
	}
	tiers := make(map[string]auth.TierConfig, len(cfg.Tiers))
	for name, t := range cfg.Tiers {
		tiers[name] = auth.TierConfig{RequestsPerMinute: t.RequestsPerMinute, Burst: t.Burst}
	}
	return auth.NewTokenBucketLimiter(tiers, auth.TierConfig{
		RequestsPerMinute: cfg.Default.RequestsPerMinute,
		Burst:             cfg.Default.Burst,
	})
}

func newServer(cfg *config.Config, eng *engine.Engine, chain *auth.AuthChain, limiter *auth.TokenBucketLimiter, sink usage.Sink, logger *slog.Logger) *transporthttp.Server {
	bypass := []string{"/healthz", "/readyz"}

	opts := []transporthttp.ServerOption{
		transporthttp.WithAddr(cfg.Server.Addr()),
		transporthttp.WithMaxBodySize(cfg.Server.MaxBodySize),
		transporthttp.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
		transporthttp.WithLogger(logger),
		transporthttp.WithModels(eng),
		transporthttp.WithUsage(eng),
		transporthttp.WithHandler("GET /healthz", http.HandlerFunc(healthz)),
		transporthttp.WithHandler("GET /readyz", readyz(sink)),
	}

	if cfg.Observability.Metrics.Enabled {
		opts = append(opts,
			transporthttp.WithHandler("GET "+cfg.Observability.Metrics.Path, observability.Handler()),
			transporthttp.WithHTTPMiddleware(observability.MetricsMiddleware),
		)
		bypass = append(bypass, cfg.Observability.Metrics.Path)
	}

	if cfg.MCP.Enabled {
		mcp := mcpserver.New(eng, mcpserver.Config{Name: "batchgate", Version: version})
		opts = append(opts, transporthttp.WithHandler(cfg.MCP.Path, mcp.Handler()))
	}

	// A nil *TokenBucketLimiter must not become a non-nil interface.
	var rl auth.RateLimiter
	if limiter != nil {
		rl = limiter
	}
	opts = append(opts, transporthttp.WithHTTPMiddleware(auth.Middleware(chain, rl, bypass)))

	return transporthttp.NewServer(eng, opts...)
}

func healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}

// readyz reports not ready while the usage store is unreachable.
func readyz(sink usage.Sink) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hc, ok := sink.(healthChecker); ok {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := hc.HealthCheck(ctx); err != nil {
				http.Error(w, "usage store unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready\n"))
	})
}
