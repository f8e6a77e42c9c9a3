package transport

import (
	"context"
	"testing"

	"github.com/rhuss/batchgate/pkg/api"
)

func TestCompletionCreatorFuncAdapter(t *testing.T) {
	var received *api.CompletionRequest

	fn := CompletionCreatorFunc(func(ctx context.Context, req *api.CompletionRequest) (*api.CompletionResponse, error) {
		received = req
		return &api.CompletionResponse{Object: "text_completion"}, nil
	})

	var _ CompletionCreator = fn

	req := &api.CompletionRequest{Prompt: "hi", Params: map[string]any{"model": "test-model"}}
	resp, err := fn.CreateCompletion(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if received != req {
		t.Error("expected the request to be passed through")
	}
	if resp.Object != "text_completion" {
		t.Errorf("Object = %q", resp.Object)
	}
}

func TestCompletionCreatorFuncReturnsError(t *testing.T) {
	fn := CompletionCreatorFunc(func(ctx context.Context, req *api.CompletionRequest) (*api.CompletionResponse, error) {
		return nil, api.NewServerError("test error")
	})

	_, err := fn.CreateCompletion(context.Background(), &api.CompletionRequest{})
	apiErr, ok := err.(*api.APIError)
	if !ok {
		t.Fatalf("expected *api.APIError, got %T", err)
	}
	if apiErr.Type != api.ErrorTypeServerError {
		t.Errorf("expected error type %q, got %q", api.ErrorTypeServerError, apiErr.Type)
	}
}
