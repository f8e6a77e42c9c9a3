// Package integration runs batchgate end to end: a real HTTP server, the
// coalescer and the OpenAI-compatible client talking to an in-process mock
// backend.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rhuss/batchgate/pkg/api"
	"github.com/rhuss/batchgate/pkg/auth"
	"github.com/rhuss/batchgate/pkg/auth/apikey"
	"github.com/rhuss/batchgate/pkg/coalesce"
	"github.com/rhuss/batchgate/pkg/engine"
	"github.com/rhuss/batchgate/pkg/provider/openaicompat"
	transporthttp "github.com/rhuss/batchgate/pkg/transport/http"
	"github.com/rhuss/batchgate/pkg/usage/memory"
)

// mockBackend is a batched /v1/completions server that records every call.
// When hold is set, the first call blocks until release is closed so that
// later requests pile up in a new group.
type mockBackend struct {
	hold    bool
	entered chan struct{}
	release chan struct{}

	releaseOnce sync.Once

	mu    sync.Mutex
	calls [][]string
}

func newMockBackend(hold bool) *mockBackend {
	return &mockBackend{
		hold:    hold,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (b *mockBackend) Calls() [][]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]string, len(b.calls))
	copy(out, b.calls)
	return out
}

func (b *mockBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/v1/models":
		json.NewEncoder(w).Encode(openaicompat.ModelsResponse{
			Object: "list",
			Data:   []openaicompat.Model{{ID: "mock-model", Object: "model", OwnedBy: "mock"}},
		})
		return
	case r.Method != http.MethodPost || r.URL.Path != "/v1/completions":
		http.NotFound(w, r)
		return
	}

	var req struct {
		Prompt []string `json:"prompt"`
		N      *int     `json:"n"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":{"message":"bad json","type":"invalid_request_error"}}`, http.StatusBadRequest)
		return
	}
	n := 1
	if req.N != nil {
		n = *req.N
	}

	b.mu.Lock()
	idx := len(b.calls)
	b.calls = append(b.calls, req.Prompt)
	b.mu.Unlock()

	if b.hold && idx == 0 {
		close(b.entered)
		select {
		case <-b.release:
		case <-r.Context().Done():
			return
		}
	}

	short := false
	choices := make([]openaicompat.CompletionChoice, 0, len(req.Prompt)*n)
	for _, p := range req.Prompt {
		if strings.Contains(p, "[[fail]]") {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"error":{"message":"model crashed","type":"server_error"}}`))
			return
		}
		short = short || strings.Contains(p, "[[short]]")
		for k := range n {
			choices = append(choices, openaicompat.CompletionChoice{
				Text:         fmt.Sprintf("echo: %s #%d", p, k),
				Index:        len(choices),
				FinishReason: "stop",
			})
		}
	}
	if short {
		choices = choices[:len(choices)-1]
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(openaicompat.CompletionsResponse{
		ID:      "cmpl-mock",
		Object:  "text_completion",
		Model:   "mock-model",
		Choices: choices,
	})
}

// testEnv is one batchgate server wired to its own mock backend.
type testEnv struct {
	t         *testing.T
	backend   *mockBackend
	coalescer *coalesce.Coalescer
	server    *httptest.Server
}

const (
	aliceKey = "sk-alice"
	bobKey   = "sk-bob"
)

func newTestEnv(t *testing.T, hold bool) *testEnv {
	t.Helper()

	backend := newMockBackend(hold)
	backendSrv := httptest.NewServer(backend)

	client, err := openaicompat.New(openaicompat.Config{BaseURL: backendSrv.URL, Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("creating client: %v", err)
	}

	c, err := coalesce.New(client, coalesce.Config{
		GracePeriod: 50 * time.Millisecond,
		CallTimeout: 10 * time.Second,
	})
	if err != nil {
		t.Fatalf("creating coalescer: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)

	eng, err := engine.New(c, memory.New(1000), engine.Config{
		DefaultModel: "mock-model",
		Models:       client,
	})
	if err != nil {
		t.Fatalf("creating engine: %v", err)
	}

	chain := &auth.AuthChain{
		Authenticators: []auth.Authenticator{apikey.New([]apikey.RawKeyEntry{
			{Key: aliceKey, Identity: auth.Identity{Subject: "alice", Tenant: "org-1"}},
			{Key: bobKey, Identity: auth.Identity{Subject: "bob", Tenant: "org-2"}},
		})},
		DefaultDecision: auth.No,
	}

	srv := transporthttp.NewServer(eng,
		transporthttp.WithLogger(slog.New(slog.DiscardHandler)),
		transporthttp.WithModels(eng),
		transporthttp.WithUsage(eng),
		transporthttp.WithHandler("GET /healthz", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("ok\n"))
		})),
		transporthttp.WithHTTPMiddleware(auth.Middleware(chain, nil, auth.DefaultBypassEndpoints)),
	)
	server := httptest.NewServer(srv.Handler())

	e := &testEnv{t: t, backend: backend, coalescer: c, server: server}
	t.Cleanup(func() {
		// A held call must finish before the servers can close.
		e.releaseBatch()
		server.Close()
		c.Close()
		cancel()
		backendSrv.Close()
	})
	return e
}

// result is the outcome of one completion call.
type result struct {
	prompt string
	status int
	resp   api.CompletionResponse
	err    api.ErrorResponse
}

// complete sends one completion as alice and waits for the answer.
func (e *testEnv) complete(prompt string, params map[string]any) result {
	return e.completeAs(aliceKey, "", prompt, params)
}

func (e *testEnv) completeAs(key, requestID, prompt string, params map[string]any) result {
	body := map[string]any{"prompt": prompt}
	for k, v := range params {
		body[k] = v
	}
	data, _ := json.Marshal(body)

	req, _ := http.NewRequest(http.MethodPost, e.server.URL+"/v1/completions", strings.NewReader(string(data)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+key)
	if requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}

	httpResp, err := http.DefaultClient.Do(req)
	if err != nil {
		return result{prompt: prompt, status: -1}
	}
	defer httpResp.Body.Close()
	raw, _ := io.ReadAll(httpResp.Body)

	r := result{prompt: prompt, status: httpResp.StatusCode}
	if httpResp.StatusCode == http.StatusOK {
		json.Unmarshal(raw, &r.resp)
	} else {
		json.Unmarshal(raw, &r.err)
	}
	return r
}

// completeAsync starts a completion in the background.
func (e *testEnv) completeAsync(prompt string, params map[string]any) <-chan result {
	return e.completeAsyncAs(aliceKey, "", prompt, params)
}

func (e *testEnv) completeAsyncAs(key, requestID, prompt string, params map[string]any) <-chan result {
	ch := make(chan result, 1)
	go func() { ch <- e.completeAs(key, requestID, prompt, params) }()
	return ch
}

// holdFirstBatch sends a request that occupies the dispatcher until
// releaseBatch is called.
func (e *testEnv) holdFirstBatch() <-chan result {
	e.t.Helper()
	first := e.completeAsync("warmup", nil)
	select {
	case <-e.backend.entered:
	case <-time.After(5 * time.Second):
		e.t.Fatal("first batch never reached the backend")
	}
	return first
}

func (e *testEnv) releaseBatch() {
	e.backend.releaseOnce.Do(func() { close(e.backend.release) })
}

// waitPending blocks until n callers wait in undispatched groups.
func (e *testEnv) waitPending(n int) {
	e.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if e.coalescer.Table().Pending() == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	e.t.Fatalf("pending waiters = %d, want %d", e.coalescer.Table().Pending(), n)
}

func collect(t *testing.T, chans ...<-chan result) []result {
	t.Helper()
	out := make([]result, 0, len(chans))
	for _, ch := range chans {
		select {
		case r := <-ch:
			out = append(out, r)
		case <-time.After(10 * time.Second):
			t.Fatal("completion did not return")
		}
	}
	return out
}

func get(t *testing.T, url, key string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, url, nil)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	return resp
}
