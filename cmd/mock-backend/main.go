// Command mock-backend runs a deterministic batched /v1/completions server
// for local runs and integration tests.
//
// Every prompt is answered with "echo: <prompt>", suffixed with " #k" when
// n > 1. Prompts containing [[fail]] make the whole call fail with 500 and
// prompts containing [[short]] make it return one choice too few.
//
// Configuration:
//
//	MOCK_PORT   - Listen port (default: 9090)
//	MOCK_DELAY  - Artificial latency per call, e.g. "200ms" (default: 0)
//	MOCK_MODELS - Comma-separated model IDs (default: "mock-model")
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

func main() {
	port := envOr("MOCK_PORT", "9090")

	var delay time.Duration
	if v := os.Getenv("MOCK_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			slog.Error("invalid MOCK_DELAY", "value", v, "error", err)
			os.Exit(2)
		}
		delay = d
	}
	models := strings.Split(envOr("MOCK_MODELS", "mock-model"), ",")

	b := newBackend(delay, models)
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           b.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("mock backend starting", "port", port, "delay", delay, "models", models)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("mock backend failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("mock backend shutting down", "calls", b.calls.Load(), "prompts", b.prompts.Load())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
