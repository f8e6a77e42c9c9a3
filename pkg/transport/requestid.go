package transport

import (
	"context"

	"github.com/google/uuid"

	"github.com/rhuss/batchgate/pkg/api"
)

// RequestID returns middleware that assigns a request ID when the context
// does not already carry one (the HTTP adapter copies X-Request-ID into the
// context). Retrieve it with RequestIDFromContext.
func RequestID() Middleware {
	return func(next CompletionCreator) CompletionCreator {
		return CompletionCreatorFunc(func(ctx context.Context, req *api.CompletionRequest) (*api.CompletionResponse, error) {
			if RequestIDFromContext(ctx) == "" {
				ctx = ContextWithRequestID(ctx, NewRequestID())
			}
			return next.CreateCompletion(ctx, req)
		})
	}
}

// NewRequestID returns a fresh random request ID.
func NewRequestID() string {
	return uuid.NewString()
}
