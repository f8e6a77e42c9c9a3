package coalesce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rhuss/batchgate/pkg/api"
	"github.com/rhuss/batchgate/pkg/debug"
	"github.com/rhuss/batchgate/pkg/observability"
	"github.com/rhuss/batchgate/pkg/provider"
)

// Dispatcher drains OPEN groups from a Table, one downstream call per group.
type Dispatcher struct {
	table     *Table
	completer provider.BatchCompleter
	cfg       Config
	logger    *slog.Logger
}

// NewDispatcher creates a dispatcher for table that sends batches to
// completer.
func NewDispatcher(table *Table, completer provider.BatchCompleter, cfg Config) *Dispatcher {
	cfg = cfg.withDefaults()
	return &Dispatcher{
		table:     table,
		completer: completer,
		cfg:       cfg,
		logger:    cfg.Logger,
	}
}

// Run processes groups until ctx ends or the table is closed. With the
// default single worker exactly one downstream call is in flight at a time;
// Config.Workers > 1 runs that many independent loops over the same table.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d.cfg.Workers <= 1 {
		return d.loop(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)
	for range d.cfg.Workers {
		g.Go(func() error {
			return d.loop(gctx)
		})
	}
	return g.Wait()
}

func (d *Dispatcher) loop(ctx context.Context) error {
	for {
		g, err := d.table.TakeOpen(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		d.Dispatch(ctx, g)
	}
}

// Dispatch performs the downstream call for a claimed group, resolves every
// waiter, marks the group COOLING and arms its eviction timer. No table lock
// is held during the downstream call.
func (d *Dispatcher) Dispatch(ctx context.Context, g *Group) {
	prompts := g.prompts()
	size := len(prompts)
	start := time.Now()

	debug.Log("coalesce", "dispatching group",
		"group", g.id, "key", g.key.Short(), "batch_size", size, "n", g.n)

	choices, err := d.call(ctx, g, prompts)
	var chunks [][]api.Choice
	if err == nil {
		chunks, err = Partition(choices, size, g.n)
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
		if errors.Is(err, ErrResultCountMismatch) {
			outcome = "mismatch"
		}
		d.logger.Error("batched completion failed",
			"group", g.id,
			"key", g.key.Short(),
			"batch_size", size,
			"error", err,
		)
	}

	abandoned := 0
	for i, w := range g.waiters {
		if w.Abandoned() {
			abandoned++
		}
		if err != nil {
			w.resolve(nil, err)
			continue
		}
		w.resolve(&Result{
			Choices:   chunks[i],
			GroupID:   g.id,
			Index:     i,
			BatchSize: size,
		}, nil)
	}

	d.table.markCooling(g)
	d.table.ScheduleEviction(g, d.cfg.GracePeriod-time.Since(g.dispatchedAt))

	observability.BatchSize.Observe(float64(size))
	observability.GroupsDispatchedTotal.WithLabelValues(outcome).Inc()
	observability.DispatchDuration.Observe(time.Since(start).Seconds())
	if abandoned > 0 {
		observability.WaitersAbandonedTotal.Add(float64(abandoned))
	}

	debug.Log("coalesce", "group published",
		"group", g.id, "outcome", outcome, "abandoned", abandoned,
		"duration", time.Since(start))
}

// call invokes the completer with a bounded context. Errors and panics are
// converted to ErrDownstreamFailure.
func (d *Dispatcher) call(ctx context.Context, g *Group, prompts []string) (choices []api.Choice, err error) {
	callCtx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			choices = nil
			err = fmt.Errorf("%w: completer panicked: %v", ErrDownstreamFailure, r)
		}
	}()

	choices, err = d.completer.CompleteBatch(callCtx, cloneParams(g.params, nil), prompts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDownstreamFailure, err)
	}
	return choices, nil
}

// Partition splits a flat, prompt-major choice list into one chunk of n
// choices per prompt. The total must equal prompts*n exactly; a short or
// long result is ErrResultCountMismatch rather than being truncated. Each
// chunk is re-indexed from zero.
func Partition(choices []api.Choice, prompts, n int) ([][]api.Choice, error) {
	if prompts < 0 || n < 1 {
		return nil, fmt.Errorf("%w: invalid partition of %d prompts with n=%d", ErrResultCountMismatch, prompts, n)
	}
	if want := prompts * n; len(choices) != want {
		return nil, fmt.Errorf("%w: expected %d choices (%d prompts x n=%d), got %d",
			ErrResultCountMismatch, want, prompts, n, len(choices))
	}

	out := make([][]api.Choice, prompts)
	for i := range prompts {
		chunk := make([]api.Choice, n)
		copy(chunk, choices[i*n:(i+1)*n])
		for j := range chunk {
			chunk[j].Index = j
		}
		out[i] = chunk
	}
	return out, nil
}
