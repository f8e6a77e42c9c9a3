// Package jwt provides an authenticator for HMAC-signed JWT bearer tokens.
//
// Tokens are verified against a shared secret with configurable issuer and
// audience checks. Subject, tenant and service tier are read from claims.
package jwt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"github.com/rhuss/batchgate/pkg/auth"
	"github.com/rhuss/batchgate/pkg/debug"
)

// Method is recorded on identities produced by this authenticator.
const Method = "jwt"

// Config holds the JWT authenticator configuration.
type Config struct {
	// Secret is the HMAC key used to verify token signatures (required).
	Secret []byte

	// Issuer is the expected iss claim. If empty, issuer is not validated.
	Issuer string

	// Audience is the expected aud claim. If empty, audience is not validated.
	Audience string

	// UserClaim is the claim used as the identity subject. Default: "sub".
	UserClaim string

	// TenantClaim is the claim used as the tenant. Default: "tenant_id".
	TenantClaim string

	// TierClaim is the claim used as the service tier. Default: "tier".
	TierClaim string

	// Leeway tolerates clock skew on exp/nbf/iat. Default: 30s.
	Leeway time.Duration
}

func (c *Config) applyDefaults() {
	if c.UserClaim == "" {
		c.UserClaim = "sub"
	}
	if c.TenantClaim == "" {
		c.TenantClaim = "tenant_id"
	}
	if c.TierClaim == "" {
		c.TierClaim = "tier"
	}
	if c.Leeway == 0 {
		c.Leeway = 30 * time.Second
	}
}

// ErrNoSecret is returned by New when no signing secret is configured.
var ErrNoSecret = errors.New("jwt: secret is required")

// Authenticator validates JWT bearer tokens.
type Authenticator struct {
	config Config
	parser *jwtlib.Parser
}

// New creates a JWT authenticator.
func New(cfg Config) (*Authenticator, error) {
	if len(cfg.Secret) == 0 {
		return nil, ErrNoSecret
	}
	cfg.applyDefaults()

	opts := []jwtlib.ParserOption{
		jwtlib.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwtlib.WithLeeway(cfg.Leeway),
		jwtlib.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwtlib.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwtlib.WithAudience(cfg.Audience))
	}

	return &Authenticator{config: cfg, parser: jwtlib.NewParser(opts...)}, nil
}

// Authenticate validates the bearer token as a JWT.
//
// Decision outcomes:
//   - Abstain: no Authorization header, not a Bearer scheme, or the token
//     is not shaped like a JWT (so an API key authenticator can try it)
//   - No: a JWT that fails verification (signature, expiry, issuer, ...)
//   - Yes: valid JWT with populated Identity
func (a *Authenticator) Authenticate(_ context.Context, r *http.Request) auth.AuthResult {
	tokenStr, ok := auth.BearerToken(r)
	if !ok || strings.Count(tokenStr, ".") != 2 {
		return auth.AuthResult{Decision: auth.Abstain}
	}

	claims := jwtlib.MapClaims{}
	token, err := a.parser.ParseWithClaims(tokenStr, claims, func(*jwtlib.Token) (any, error) {
		return a.config.Secret, nil
	})
	if err != nil {
		debug.Log("auth", "JWT validation failed", "error", err)
		return auth.AuthResult{Decision: auth.No, Err: fmt.Errorf("invalid JWT: %w", err)}
	}
	if !token.Valid {
		return auth.AuthResult{Decision: auth.No, Err: errors.New("invalid JWT")}
	}

	subject := claimString(claims, a.config.UserClaim)
	if subject == "" {
		return auth.AuthResult{
			Decision: auth.No,
			Err:      fmt.Errorf("JWT missing %q claim", a.config.UserClaim),
		}
	}

	identity := &auth.Identity{
		Subject:     subject,
		Tenant:      claimString(claims, a.config.TenantClaim),
		ServiceTier: claimString(claims, a.config.TierClaim),
		Method:      Method,
	}
	return auth.AuthResult{Decision: auth.Yes, Identity: identity}
}

// claimString returns a string claim, or "" if missing or not a string.
func claimString(claims jwtlib.MapClaims, key string) string {
	s, _ := claims[key].(string)
	return s
}
