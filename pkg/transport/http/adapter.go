package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/rhuss/batchgate/pkg/api"
	"github.com/rhuss/batchgate/pkg/auth"
	"github.com/rhuss/batchgate/pkg/debug"
	"github.com/rhuss/batchgate/pkg/transport"
	"github.com/rhuss/batchgate/pkg/usage"
)

// Adapter serves the completions API over HTTP.
type Adapter struct {
	creator  transport.CompletionCreator
	models   transport.ModelCatalog // nil disables GET /v1/models
	usage    transport.UsageReader  // nil disables GET /v1/usage
	inflight *transport.InFlightRegistry
	mux      *http.ServeMux
	config   Config
}

// Config holds configuration for the HTTP adapter.
type Config struct {
	MaxBodySize int64

	// Models and Usage are optional.
	Models transport.ModelCatalog
	Usage  transport.UsageReader
}

// DefaultConfig returns the default adapter configuration.
func DefaultConfig() Config {
	return Config{
		MaxBodySize: 1 << 20, // 1 MB
	}
}

// NewAdapter creates an HTTP adapter for creator. Middleware is applied to
// the creator in the given order.
func NewAdapter(creator transport.CompletionCreator, cfg Config, middlewares ...transport.Middleware) *Adapter {
	if len(middlewares) > 0 {
		creator = transport.Chain(middlewares...)(creator)
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultConfig().MaxBodySize
	}

	a := &Adapter{
		creator:  creator,
		models:   cfg.Models,
		usage:    cfg.Usage,
		inflight: transport.NewInFlightRegistry(),
		mux:      http.NewServeMux(),
		config:   cfg,
	}

	a.mux.HandleFunc("POST /v1/completions", a.handleCreateCompletion)
	a.mux.HandleFunc("DELETE /v1/completions/{request_id}", a.handleCancelCompletion)
	a.mux.HandleFunc("GET /v1/models", a.handleListModels)
	a.mux.HandleFunc("GET /v1/usage", a.handleListUsage)

	return a
}

// Handler returns the http.Handler for this adapter, including request ID
// propagation.
func (a *Adapter) Handler() http.Handler {
	return httpRequestIDMiddleware(a.mux)
}

// InFlight returns the number of callers currently waiting on a batch.
func (a *Adapter) InFlight() int {
	return a.inflight.Len()
}

// httpRequestIDMiddleware takes the request ID from X-Request-ID or
// generates one, stores it in the context and echoes it in the response.
func httpRequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = transport.NewRequestID()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(transport.ContextWithRequestID(r.Context(), id)))
	})
}

// inflightKey scopes request IDs to the caller, so one subject cannot
// cancel another subject's request.
func inflightKey(ctx context.Context, requestID string) string {
	return auth.SubjectFromContext(ctx) + "/" + requestID
}

// handleCreateCompletion handles POST /v1/completions.
func (a *Adapter) handleCreateCompletion(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		mediaType, _, err := mime.ParseMediaType(ct)
		if err != nil || mediaType != "application/json" {
			transport.WriteErrorResponse(w,
				api.NewInvalidRequestError("content_type", "Content-Type must be application/json"),
				http.StatusUnsupportedMediaType,
			)
			return
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, a.config.MaxBodySize)

	var req api.CompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			transport.WriteErrorResponse(w,
				api.NewInvalidRequestError("body", fmt.Sprintf("request body too large (max %d bytes)", a.config.MaxBodySize)),
				http.StatusRequestEntityTooLarge,
			)
			return
		}
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("body", "invalid JSON: "+err.Error()),
			http.StatusBadRequest,
		)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	requestID := transport.RequestIDFromContext(ctx)
	key := inflightKey(ctx, requestID)
	if !a.inflight.Register(key, cancel) {
		transport.WriteErrorResponse(w,
			&api.APIError{
				Type:    api.ErrorTypeInvalidRequest,
				Code:    "duplicate_request_id",
				Param:   "X-Request-ID",
				Message: "a completion with request ID " + requestID + " is already in flight",
			},
			http.StatusConflict,
		)
		return
	}
	defer a.inflight.Remove(key)

	resp, err := a.creator.CreateCompletion(ctx, &req)
	if err != nil {
		a.writeHandlerError(w, r, err)
		return
	}

	transport.WriteJSON(w, resp)
}

// handleCancelCompletion handles DELETE /v1/completions/{request_id}. The
// waiting caller is released with a cancellation error; the batch it
// belonged to still completes for everyone else.
func (a *Adapter) handleCancelCompletion(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("request_id")
	if !a.inflight.Cancel(inflightKey(r.Context(), id)) {
		transport.WriteAPIError(w, api.NewNotFoundError("no pending completion with request ID "+id))
		return
	}
	debug.Log("transport", "completion cancelled", "request_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// handleListModels handles GET /v1/models.
func (a *Adapter) handleListModels(w http.ResponseWriter, r *http.Request) {
	if a.models == nil {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("", "model listing is not available"),
			http.StatusNotImplemented,
		)
		return
	}

	list, err := a.models.ListModels(r.Context())
	if err != nil {
		transport.WriteAPIError(w, transport.AsAPIError(err))
		return
	}
	transport.WriteJSON(w, list)
}

// handleListUsage handles GET /v1/usage.
func (a *Adapter) handleListUsage(w http.ResponseWriter, r *http.Request) {
	if a.usage == nil {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("", "usage log is not available"),
			http.StatusNotImplemented,
		)
		return
	}

	f, apiErr := parseUsageFilter(r)
	if apiErr != nil {
		transport.WriteErrorResponse(w, apiErr, http.StatusBadRequest)
		return
	}

	list, err := a.usage.ListUsage(r.Context(), f)
	if err != nil {
		transport.WriteAPIError(w, transport.AsAPIError(err))
		return
	}
	transport.WriteJSON(w, list)
}

// parseUsageFilter reads since (RFC 3339) and limit from the query string.
func parseUsageFilter(r *http.Request) (usage.Filter, *api.APIError) {
	q := r.URL.Query()
	var f usage.Filter

	if s := q.Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return f, api.NewInvalidRequestError("since", "since must be an RFC 3339 timestamp")
		}
		f.Since = t
	}

	if s := q.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < 1 || limit > 1000 {
			return f, api.NewInvalidRequestError("limit", "limit must be an integer between 1 and 1000")
		}
		f.Limit = limit
	}

	return f, nil
}

// writeHandlerError writes the error for a failed completion. Nothing is
// written when the client has already gone away.
func (a *Adapter) writeHandlerError(w http.ResponseWriter, r *http.Request, err error) {
	if transport.IsCancellation(err) {
		if r.Context().Err() != nil {
			debug.Log("transport", "client disconnected while waiting",
				"request_id", transport.RequestIDFromContext(r.Context()))
			return
		}
		if errors.Is(err, context.DeadlineExceeded) {
			transport.WriteErrorResponse(w,
				&api.APIError{Type: api.ErrorTypeServerError, Code: "timeout", Message: "completion timed out"},
				http.StatusGatewayTimeout,
			)
			return
		}
		transport.WriteErrorResponse(w,
			&api.APIError{Type: api.ErrorTypeInvalidRequest, Code: "request_cancelled", Message: "completion was cancelled"},
			http.StatusConflict,
		)
		return
	}

	transport.WriteAPIError(w, transport.AsAPIError(err))
}
