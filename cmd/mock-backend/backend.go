package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rhuss/batchgate/pkg/provider/openaicompat"
)

type backend struct {
	delay  time.Duration
	models []string

	calls   atomic.Int64
	prompts atomic.Int64
}

func newBackend(delay time.Duration, models []string) *backend {
	return &backend{delay: delay, models: models}
}

func (b *backend) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/completions", b.handleCompletions)
	mux.HandleFunc("GET /v1/models", b.handleModels)
	mux.HandleFunc("GET /stats", b.handleStats)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	return mux
}

type completionsRequest struct {
	Model  string          `json:"model"`
	Prompt json.RawMessage `json:"prompt"`
	N      *int            `json:"n"`
}

func (r *completionsRequest) promptList() ([]string, error) {
	var list []string
	if err := json.Unmarshal(r.Prompt, &list); err == nil {
		return list, nil
	}
	var single string
	if err := json.Unmarshal(r.Prompt, &single); err != nil {
		return nil, fmt.Errorf("prompt must be a string or an array of strings")
	}
	return []string{single}, nil
}

func (b *backend) handleCompletions(w http.ResponseWriter, r *http.Request) {
	var req completionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body")
		return
	}
	prompts, err := req.promptList()
	if err != nil || len(prompts) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "prompt is required")
		return
	}
	n := 1
	if req.N != nil {
		n = *req.N
	}
	if n < 1 {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "n must be at least 1")
		return
	}

	b.calls.Add(1)
	b.prompts.Add(int64(len(prompts)))
	slog.Info("batch received", "model", req.Model, "prompts", len(prompts), "n", n)

	if b.delay > 0 {
		select {
		case <-time.After(b.delay):
		case <-r.Context().Done():
			return
		}
	}

	short := false
	for _, p := range prompts {
		if strings.Contains(p, "[[fail]]") {
			writeError(w, http.StatusInternalServerError, "server_error", "backend failure requested")
			return
		}
		short = short || strings.Contains(p, "[[short]]")
	}

	choices := make([]openaicompat.CompletionChoice, 0, len(prompts)*n)
	for _, p := range prompts {
		for k := range n {
			text := "echo: " + p
			if n > 1 {
				text += fmt.Sprintf(" #%d", k)
			}
			choices = append(choices, openaicompat.CompletionChoice{
				Text:         text,
				Index:        len(choices),
				FinishReason: "stop",
			})
		}
	}
	if short {
		choices = choices[:len(choices)-1]
	}

	model := req.Model
	if model == "" {
		model = b.models[0]
	}
	writeJSON(w, http.StatusOK, openaicompat.CompletionsResponse{
		ID:      "cmpl-" + uuid.NewString(),
		Object:  "text_completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: choices,
	})
}

func (b *backend) handleModels(w http.ResponseWriter, _ *http.Request) {
	resp := openaicompat.ModelsResponse{Object: "list"}
	for _, id := range b.models {
		resp.Data = append(resp.Data, openaicompat.Model{ID: id, Object: "model", OwnedBy: "mock"})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (b *backend) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int64{
		"calls":   b.calls.Load(),
		"prompts": b.prompts.Load(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, typ, msg string) {
	var resp openaicompat.ErrorResponse
	resp.Error.Type = typ
	resp.Error.Message = msg
	writeJSON(w, status, resp)
}
