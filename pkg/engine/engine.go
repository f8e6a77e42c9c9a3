package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/rhuss/batchgate/pkg/api"
	"github.com/rhuss/batchgate/pkg/auth"
	"github.com/rhuss/batchgate/pkg/coalesce"
	"github.com/rhuss/batchgate/pkg/debug"
	"github.com/rhuss/batchgate/pkg/observability"
	"github.com/rhuss/batchgate/pkg/transport"
	"github.com/rhuss/batchgate/pkg/usage"
)

// Dispatcher submits one request and waits for its share of a batch.
// *coalesce.Coalescer implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *api.CompletionRequest) (*coalesce.Result, error)
}

// Engine bridges the transport layer and the coalescer.
type Engine struct {
	dispatcher Dispatcher
	sink       usage.Sink
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
}

var (
	_ transport.CompletionCreator = (*Engine)(nil)
	_ transport.ModelCatalog      = (*Engine)(nil)
	_ transport.UsageReader       = (*Engine)(nil)
)

// New creates an Engine. The dispatcher must not be nil; sink may be nil,
// in which case no usage is recorded.
func New(d Dispatcher, sink usage.Sink, cfg Config) (*Engine, error) {
	if d == nil {
		return nil, fmt.Errorf("engine: dispatcher must not be nil")
	}
	cfg = cfg.withDefaults()
	return &Engine{
		dispatcher: d,
		sink:       sink,
		cfg:        cfg,
		logger:     cfg.Logger,
		now:        time.Now,
	}, nil
}

// CreateCompletion resolves the model, validates the request, waits for the
// coalesced result and records the outcome.
func (e *Engine) CreateCompletion(ctx context.Context, req *api.CompletionRequest) (*api.CompletionResponse, error) {
	// The caller's map is left untouched.
	req = &api.CompletionRequest{Prompt: req.Prompt, Params: maps.Clone(req.Params)}

	model, apiErr := e.resolveModel(req)
	if apiErr != nil {
		return nil, apiErr
	}
	if apiErr := api.ValidateCompletionRequest(req, e.cfg.Validation); apiErr != nil {
		return nil, apiErr
	}

	start := e.now()
	res, err := e.dispatcher.Dispatch(ctx, req)
	if err != nil {
		if errors.Is(err, coalesce.ErrAbandoned) {
			debug.Log("engine", "caller abandoned", "request_id", transport.RequestIDFromContext(ctx))
			return nil, err
		}
		e.record(ctx, usage.Event{
			Time:     start,
			Model:    model,
			Status:   usage.StatusError,
			Duration: e.now().Sub(start),
		})
		return nil, mapError(err)
	}

	debug.Log("engine", "completion ready",
		"group", res.GroupID, "index", res.Index, "batch_size", res.BatchSize, "choices", len(res.Choices))

	e.record(ctx, usage.Event{
		Time:      start,
		Model:     model,
		GroupID:   res.GroupID,
		BatchSize: res.BatchSize,
		Choices:   len(res.Choices),
		Status:    usage.StatusOK,
		Duration:  e.now().Sub(start),
	})

	return &api.CompletionResponse{
		ID:      api.NewCompletionID(),
		Object:  "text_completion",
		Created: start.Unix(),
		Model:   model,
		Choices: res.Choices,
	}, nil
}

func (e *Engine) resolveModel(req *api.CompletionRequest) (string, *api.APIError) {
	switch {
	case e.cfg.ForceModel != "":
		req.SetParam("model", e.cfg.ForceModel)
	case req.Params["model"] == nil && e.cfg.DefaultModel != "":
		req.SetParam("model", e.cfg.DefaultModel)
	case req.Params["model"] == nil:
		return "", api.NewInvalidRequestError("model", "model is required")
	}
	return req.Model(), nil
}

// mapError converts coalescing errors into API errors. A backend error that
// already carries an API error (for example a 400 from the backend) is
// passed through so every caller of the batch sees it.
func mapError(err error) error {
	var apiErr *api.APIError
	switch {
	case errors.Is(err, coalesce.ErrInvalidRequest):
		return api.NewInvalidRequestError("", err.Error())
	case errors.Is(err, coalesce.ErrResultCountMismatch):
		return api.NewDownstreamError("result_count_mismatch", err.Error())
	case errors.As(err, &apiErr):
		return apiErr
	case errors.Is(err, coalesce.ErrDownstreamFailure):
		return api.NewDownstreamError("backend_error", err.Error())
	case errors.Is(err, coalesce.ErrClosed):
		return &api.APIError{Type: api.ErrorTypeServerError, Code: "shutting_down", Message: "gateway is shutting down"}
	default:
		return api.NewServerError(err.Error())
	}
}

// record writes a usage event. Failures are logged and counted but never
// fail the completion.
func (e *Engine) record(ctx context.Context, ev usage.Event) {
	if e.sink == nil {
		return
	}

	ev.Subject = auth.SubjectFromContext(ctx)
	ev.Tenant = usage.GetTenant(ctx)
	ev.RequestID = transport.RequestIDFromContext(ctx)

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.RecordTimeout)
	defer cancel()

	if err := e.sink.Record(rctx, ev); err != nil {
		observability.UsageSinkErrorsTotal.WithLabelValues(e.cfg.SinkName).Inc()
		e.logger.Warn("recording usage failed",
			"subject", ev.Subject,
			"request_id", ev.RequestID,
			"error", err,
		)
		return
	}
	debug.Log("usage", "usage recorded", "subject", ev.Subject, "status", ev.Status)
}

// ListModels returns the models callers may use. A forced model is the
// only one offered; otherwise the backend is asked, falling back to the
// default model.
func (e *Engine) ListModels(ctx context.Context) (*transport.ModelList, error) {
	list := &transport.ModelList{Object: "list", Data: []transport.Model{}}

	if e.cfg.ForceModel != "" {
		list.Data = append(list.Data, transport.Model{ID: e.cfg.ForceModel, Object: "model"})
		return list, nil
	}

	if e.cfg.Models != nil {
		models, err := e.cfg.Models.ListModels(ctx)
		if err != nil {
			return nil, err
		}
		for _, m := range models {
			list.Data = append(list.Data, transport.Model{ID: m.ID, Object: "model", OwnedBy: m.OwnedBy})
		}
		return list, nil
	}

	if e.cfg.DefaultModel != "" {
		list.Data = append(list.Data, transport.Model{ID: e.cfg.DefaultModel, Object: "model"})
	}
	return list, nil
}

// ListUsage returns the caller's own usage events, newest first.
func (e *Engine) ListUsage(ctx context.Context, f usage.Filter) (*transport.UsageList, error) {
	if e.sink == nil {
		return nil, api.NewNotFoundError("usage log is not enabled")
	}

	f.Subject = auth.SubjectFromContext(ctx)
	events, err := e.sink.List(ctx, f.Scoped(ctx))
	if err != nil {
		return nil, api.NewServerError("listing usage: " + err.Error())
	}
	if events == nil {
		events = []usage.Event{}
	}
	return &transport.UsageList{Object: "list", Data: events}, nil
}
