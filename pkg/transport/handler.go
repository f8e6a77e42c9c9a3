package transport

import (
	"context"

	"github.com/rhuss/batchgate/pkg/api"
	"github.com/rhuss/batchgate/pkg/usage"
)

// CompletionCreator handles the create-completion operation. It blocks
// until the caller's share of a batched backend call is available, ctx
// ends, or the request fails.
type CompletionCreator interface {
	CreateCompletion(ctx context.Context, req *api.CompletionRequest) (*api.CompletionResponse, error)
}

// CompletionCreatorFunc is an adapter that allows using an ordinary
// function as a CompletionCreator.
type CompletionCreatorFunc func(ctx context.Context, req *api.CompletionRequest) (*api.CompletionResponse, error)

// CreateCompletion calls f(ctx, req).
func (f CompletionCreatorFunc) CreateCompletion(ctx context.Context, req *api.CompletionRequest) (*api.CompletionResponse, error) {
	return f(ctx, req)
}

// Model describes one entry of GET /v1/models.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by,omitempty"`
}

// ModelList is the GET /v1/models response body.
type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// ModelCatalog lists the models available through the gateway.
type ModelCatalog interface {
	ListModels(ctx context.Context) (*ModelList, error)
}

// UsageList is the GET /v1/usage response body.
type UsageList struct {
	Object string        `json:"object"`
	Data   []usage.Event `json:"data"`
}

// UsageReader returns usage events visible to the caller in ctx.
type UsageReader interface {
	ListUsage(ctx context.Context, f usage.Filter) (*UsageList, error)
}
