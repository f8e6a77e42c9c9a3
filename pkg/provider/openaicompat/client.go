package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"strings"
	"time"

	"github.com/rhuss/batchgate/pkg/api"
	"github.com/rhuss/batchgate/pkg/debug"
	"github.com/rhuss/batchgate/pkg/observability"
	"github.com/rhuss/batchgate/pkg/provider"
)

// Config holds configuration for an OpenAI-compatible backend.
type Config struct {
	// BaseURL is the backend URL (e.g., "http://localhost:8000").
	BaseURL string

	// APIKey is sent as a bearer token when set.
	APIKey string

	// Timeout for individual HTTP requests. Defaults to 120s.
	Timeout time.Duration

	// Name is the provider label used in logs and metrics.
	// Defaults to "openai-compatible".
	Name string
}

// Client sends batched completion requests to an OpenAI-compatible
// /v1/completions endpoint.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	name       string

	// ModelMapper is an optional function that transforms the model name
	// before sending it to the backend. If nil, the model name is used as-is.
	ModelMapper func(string) string
}

// Ensure Client implements provider.BatchCompleter at compile time.
var _ provider.BatchCompleter = (*Client)(nil)

// New creates a Client from cfg.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("openaicompat: BaseURL is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "openai-compatible"
	}

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		name:       cfg.Name,
	}, nil
}

// Name returns the provider identifier.
func (c *Client) Name() string {
	return c.name
}

// CompleteBatch sends all prompts in one /v1/completions call and returns
// the choices in prompt-major order.
func (c *Client) CompleteBatch(ctx context.Context, params map[string]any, prompts []string) ([]api.Choice, error) {
	body := make(map[string]any, len(params)+1)
	maps.Copy(body, params)
	delete(body, "stream")

	model, _ := body["model"].(string)
	if c.ModelMapper != nil && model != "" {
		model = c.ModelMapper(model)
		body["model"] = model
	}
	body["prompt"] = prompts

	start := time.Now()
	choices, err := c.complete(ctx, body)
	duration := time.Since(start)

	status := "success"
	if err != nil {
		status = "error"
	}
	observability.ProviderRequestsTotal.WithLabelValues(c.name, model, status).Inc()
	observability.ProviderLatency.WithLabelValues(c.name, model).Observe(duration.Seconds())

	debug.Log("providers", "batched completion",
		"provider", c.name, "model", model, "prompts", len(prompts),
		"choices", len(choices), "status", status, "duration", duration)

	return choices, err
}

func (c *Client) complete(ctx context.Context, body map[string]any) ([]api.Choice, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, api.NewServerError(fmt.Sprintf("failed to marshal request: %s", err.Error()))
	}
	debug.Raw("providers", ">>> POST /v1/completions\n"+string(data))

	url := c.baseURL + "/v1/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, api.NewServerError(fmt.Sprintf("failed to create HTTP request: %s", err.Error()))
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, MapNetworkError(err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, MapHTTPError(httpResp)
	}

	var resp CompletionsResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, api.NewDownstreamError("backend_malformed", fmt.Sprintf("failed to parse backend response: %s", err.Error()))
	}
	if debug.TraceIsEnabled("providers") {
		raw, _ := json.Marshal(resp)
		debug.Raw("providers", "<<< 200 /v1/completions\n"+string(raw))
	}

	return TranslateChoices(resp.Choices)
}

// ListModels returns available models from the backend by querying
// the /v1/models endpoint.
func (c *Client) ListModels(ctx context.Context) ([]provider.ModelInfo, error) {
	url := c.baseURL + "/v1/models"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, api.NewServerError(fmt.Sprintf("failed to create HTTP request: %s", err.Error()))
	}

	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, MapNetworkError(err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, MapHTTPError(httpResp)
	}

	var modelsResp ModelsResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&modelsResp); err != nil {
		return nil, api.NewDownstreamError("backend_malformed", fmt.Sprintf("failed to parse models response: %s", err.Error()))
	}

	models := make([]provider.ModelInfo, 0, len(modelsResp.Data))
	for _, m := range modelsResp.Data {
		models = append(models, provider.ModelInfo{
			ID:      m.ID,
			Object:  m.Object,
			OwnedBy: m.OwnedBy,
		})
	}
	return models, nil
}

// Close releases client resources.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
