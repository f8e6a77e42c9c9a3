package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rhuss/batchgate/pkg/api"
	"github.com/rhuss/batchgate/pkg/coalesce"
	"github.com/rhuss/batchgate/pkg/config"
	"github.com/rhuss/batchgate/pkg/engine"
	"github.com/rhuss/batchgate/pkg/usage"
	"github.com/rhuss/batchgate/pkg/usage/memory"
)

// echoBackend answers every prompt with its upper-cased text.
type echoBackend struct{}

func (echoBackend) Name() string { return "echo" }
func (echoBackend) Close() error { return nil }
func (echoBackend) CompleteBatch(_ context.Context, _ map[string]any, prompts []string) ([]api.Choice, error) {
	out := make([]api.Choice, len(prompts))
	for i, p := range prompts {
		out[i] = api.Choice{Text: strings.ToUpper(p), Index: i, FinishReason: "stop"}
	}
	return out, nil
}

type unhealthySink struct{ usage.Sink }

func (unhealthySink) HealthCheck(context.Context) error { return errors.New("connection refused") }

func newTestServer(t *testing.T, cfg *config.Config) *httptest.Server {
	t.Helper()
	c, err := coalesce.New(echoBackend{}, coalesce.Config{})
	if err != nil {
		t.Fatalf("coalesce.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	t.Cleanup(func() {
		c.Close()
		cancel()
	})

	sink := memory.New(100)
	eng, err := engine.New(c, sink, engine.Config{DefaultModel: "test-model"})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	chain, err := newAuthChain(cfg.Auth)
	if err != nil {
		t.Fatalf("newAuthChain: %v", err)
	}

	srv := newServer(cfg, eng, chain, newRateLimiter(cfg.Auth.RateLimit), sink, slog.New(slog.DiscardHandler))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Engine.BackendURL = "http://backend.invalid"
	return &cfg
}

func post(t *testing.T, url, key, body string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func TestServer_APIKeyAuth(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Type = "apikey"
	cfg.Auth.APIKeys = []config.APIKeyConfig{{Key: "sk-alice", Subject: "alice", TenantID: "org-1"}}
	ts := newTestServer(t, cfg)

	resp := post(t, ts.URL+"/v1/completions", "", `{"prompt":"hi"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("without key: status = %d, want 401", resp.StatusCode)
	}

	resp = post(t, ts.URL+"/v1/completions", "sk-alice", `{"prompt":"hi"}`)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("with key: status = %d, body = %s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), `"HI"`) {
		t.Errorf("body = %s, want echoed choice", body)
	}

	// Health and metrics stay reachable without credentials.
	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s: status = %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestServer_RateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.RateLimit.Enabled = true
	cfg.Auth.RateLimit.Default = config.TierConfig{RequestsPerMinute: 1, Burst: 1}
	ts := newTestServer(t, cfg)

	resp := post(t, ts.URL+"/v1/completions", "", `{"prompt":"one"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first request: status = %d, want 200", resp.StatusCode)
	}
	resp = post(t, ts.URL+"/v1/completions", "", `{"prompt":"two"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("second request: status = %d, want 429", resp.StatusCode)
	}
}

func TestServer_MCPMount(t *testing.T) {
	cfg := testConfig()
	ts := newTestServer(t, cfg)
	resp, err := http.Get(ts.URL + "/mcp")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	// Disabled: the request falls through to the API mux.
	if resp.StatusCode != http.StatusNotFound && resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("mcp disabled: status = %d, want 404 or 405", resp.StatusCode)
	}

	cfg = testConfig()
	cfg.MCP.Enabled = true
	ts = newTestServer(t, cfg)
	resp = post(t, ts.URL+"/mcp", "", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		t.Error("mcp enabled: endpoint not mounted")
	}
}

func TestNewAuthChain(t *testing.T) {
	if _, err := newAuthChain(config.AuthConfig{Type: "jwt"}); err == nil {
		t.Error("jwt without secret: expected error")
	}
	if _, err := newAuthChain(config.AuthConfig{Type: "ldap"}); err == nil {
		t.Error("unknown type: expected error")
	}

	chain, err := newAuthChain(config.AuthConfig{
		Type:    "jwt",
		JWT:     config.JWTConfig{Secret: "s3cret"},
		APIKeys: []config.APIKeyConfig{{Key: "sk-svc", Subject: "svc"}},
	})
	if err != nil {
		t.Fatalf("newAuthChain: %v", err)
	}
	if len(chain.Authenticators) != 2 {
		t.Errorf("authenticators = %d, want jwt and apikey", len(chain.Authenticators))
	}
}

func TestNewUsageSink(t *testing.T) {
	sink, err := newUsageSink(context.Background(), config.UsageConfig{Type: "memory", MaxSize: 5})
	if err != nil {
		t.Fatalf("memory sink: %v", err)
	}
	sink.Close()

	if _, err := newUsageSink(context.Background(), config.UsageConfig{Type: "kafka"}); err == nil {
		t.Error("unknown sink type: expected error")
	}
}

func TestNewRateLimiterDisabled(t *testing.T) {
	if l := newRateLimiter(config.RateLimitConfig{}); l != nil {
		t.Error("disabled rate limit returned a limiter")
	}
}

func TestReadyz(t *testing.T) {
	rec := httptest.NewRecorder()
	readyz(unhealthySink{memory.New(1)}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("unhealthy sink: status = %d, want 503", rec.Code)
	}

	rec = httptest.NewRecorder()
	readyz(memory.New(1)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("memory sink: status = %d, want 200", rec.Code)
	}
}

func TestValidationConfig(t *testing.T) {
	v := validationConfig(config.EngineConfig{MaxChoices: 4})
	if v.MaxChoices != 4 {
		t.Errorf("MaxChoices = %d, want 4", v.MaxChoices)
	}
	if v.MaxPromptSize != api.DefaultValidationConfig().MaxPromptSize {
		t.Errorf("MaxPromptSize = %d, want default", v.MaxPromptSize)
	}
}
