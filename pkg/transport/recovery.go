package transport

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/rhuss/batchgate/pkg/api"
)

// Recovery returns middleware that converts handler panics into server
// errors. The server keeps accepting requests afterwards.
func Recovery() Middleware {
	return func(next CompletionCreator) CompletionCreator {
		return CompletionCreatorFunc(func(ctx context.Context, req *api.CompletionRequest) (resp *api.CompletionResponse, retErr error) {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("panic in completion handler",
						"request_id", RequestIDFromContext(ctx),
						"panic", r,
						"stack", string(debug.Stack()),
					)
					resp = nil
					retErr = api.NewServerError(fmt.Sprintf("internal server error: %v", r))
				}
			}()
			return next.CreateCompletion(ctx, req)
		})
	}
}
