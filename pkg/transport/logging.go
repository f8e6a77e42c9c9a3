package transport

import (
	"context"
	"log/slog"
	"time"

	"github.com/rhuss/batchgate/pkg/api"
)

// Logging returns middleware that emits one structured log entry per
// completion with the request ID, model, duration and outcome. Cancelled
// callers are logged at debug level since they are not failures of the
// gateway.
func Logging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next CompletionCreator) CompletionCreator {
		return CompletionCreatorFunc(func(ctx context.Context, req *api.CompletionRequest) (*api.CompletionResponse, error) {
			start := time.Now()

			resp, err := next.CreateCompletion(ctx, req)

			attrs := []slog.Attr{
				slog.String("request_id", RequestIDFromContext(ctx)),
				slog.String("model", req.Model()),
				slog.Duration("duration", time.Since(start)),
			}

			switch {
			case err == nil:
				attrs = append(attrs, slog.Int("choices", len(resp.Choices)))
				logger.LogAttrs(ctx, slog.LevelInfo, "completion served", attrs...)
			case IsCancellation(err):
				logger.LogAttrs(ctx, slog.LevelDebug, "completion abandoned", attrs...)
			default:
				attrs = append(attrs, slog.String("error", err.Error()))
				logger.LogAttrs(ctx, slog.LevelError, "completion failed", attrs...)
			}
			return resp, err
		})
	}
}
