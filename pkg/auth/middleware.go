package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/rhuss/batchgate/pkg/api"
	"github.com/rhuss/batchgate/pkg/debug"
	"github.com/rhuss/batchgate/pkg/observability"
	"github.com/rhuss/batchgate/pkg/usage"
)

// Middleware creates HTTP middleware from an AuthChain and optional RateLimiter.
// It checks the bypass list, runs authentication, enforces rate limits and
// injects identity and tenant into the request context.
func Middleware(chain *AuthChain, limiter RateLimiter, bypassEndpoints []string) func(http.Handler) http.Handler {
	bypass := make(map[string]bool, len(bypassEndpoints))
	for _, ep := range bypassEndpoints {
		bypass[ep] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if bypass[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			result := chain.Authenticate(r.Context(), r)

			if result.Decision != Yes || result.Identity == nil {
				slog.Warn("authentication failed",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
					"error", result.Err,
				)
				writeError(w, http.StatusUnauthorized, &api.APIError{
					Type:    api.ErrorTypeInvalidRequest,
					Code:    "invalid_api_key",
					Message: "authentication required",
				})
				return
			}

			id := result.Identity
			if id.Subject == "" {
				slog.Error("authenticator returned identity with empty subject", "method", id.Method)
				writeError(w, http.StatusInternalServerError, api.NewServerError("internal authentication error"))
				return
			}

			debug.Log("auth", "authenticated",
				"subject", id.Subject, "method", id.Method, "tier", id.Tier(), "path", r.URL.Path)

			if limiter != nil {
				if err := limiter.Allow(r.Context(), id); err != nil {
					slog.Warn("rate limit exceeded", "subject", id.Subject, "tier", id.Tier())
					observability.RateLimitRejectedTotal.WithLabelValues(id.Tier()).Inc()
					w.Header().Set("Retry-After", "1")
					writeError(w, http.StatusTooManyRequests, api.NewTooManyRequestsError("rate limit exceeded"))
					return
				}
			}

			ctx := SetIdentity(r.Context(), id)
			if id.Tenant != "" {
				ctx = usage.SetTenant(ctx, id.Tenant)
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeError(w http.ResponseWriter, status int, apiErr *api.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(api.ErrorResponse{Error: apiErr})
}

// DefaultBypassEndpoints lists endpoints that skip authentication.
var DefaultBypassEndpoints = []string{"/healthz", "/readyz", "/metrics"}
