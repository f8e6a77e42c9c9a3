package provider

import (
	"context"

	"github.com/rhuss/batchgate/pkg/api"
)

// BatchCompleter abstracts a backend that generates completions for many
// prompts in a single call.
//
// CompleteBatch receives the shared generation parameters (without the
// prompt) and the ordered prompts. It returns a flat, prompt-major list of
// choices: the n choices for prompt 0, then the n choices for prompt 1, and
// so on, where n is the "n" parameter (default 1).
//
// Implementations must be safe for concurrent use by multiple goroutines.
type BatchCompleter interface {
	// Name returns the provider identifier (e.g., "openai", "vllm").
	Name() string

	// CompleteBatch performs one batched completion call.
	CompleteBatch(ctx context.Context, params map[string]any, prompts []string) ([]api.Choice, error)

	// Close releases provider resources (HTTP clients, connections).
	Close() error
}

// ModelInfo holds information about a model served by the provider.
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object,omitempty"`
	OwnedBy string `json:"owned_by,omitempty"`
}

// ModelLister is implemented by providers that can enumerate the models
// their backend serves.
type ModelLister interface {
	ListModels(ctx context.Context) ([]ModelInfo, error)
}
