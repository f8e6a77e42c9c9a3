package coalesce

import (
	"context"
	"fmt"

	"github.com/rhuss/batchgate/pkg/api"
	"github.com/rhuss/batchgate/pkg/provider"
)

// Coalescer is the synchronous entry point: Dispatch submits a request,
// blocks until its batch has been processed, and returns the caller's own
// result.
type Coalescer struct {
	table      *Table
	dispatcher *Dispatcher
}

// New creates a Coalescer backed by completer. Run must be started before
// Dispatch can make progress.
func New(completer provider.BatchCompleter, cfg Config) (*Coalescer, error) {
	if completer == nil {
		return nil, fmt.Errorf("coalesce: completer must not be nil")
	}
	for _, p := range cfg.IgnoredParams {
		if p == "model" || p == "n" {
			return nil, fmt.Errorf("coalesce: parameter %q cannot be ignored", p)
		}
	}
	cfg = cfg.withDefaults()
	table := NewTable(cfg.IgnoredParams...)
	return &Coalescer{
		table:      table,
		dispatcher: NewDispatcher(table, completer, cfg),
	}, nil
}

// Run drives the dispatcher until ctx ends or Close is called.
func (c *Coalescer) Run(ctx context.Context) error {
	return c.dispatcher.Run(ctx)
}

// Dispatch submits req and waits for its result. If ctx ends first the
// caller's waiter is abandoned without affecting the rest of its batch.
func (c *Coalescer) Dispatch(ctx context.Context, req *api.CompletionRequest) (*Result, error) {
	w, _, err := c.table.Submit(req)
	if err != nil {
		return nil, err
	}
	return w.Wait(ctx)
}

// Table exposes the underlying table for inspection.
func (c *Coalescer) Table() *Table {
	return c.table
}

// Close stops accepting requests and fails any that were never dispatched.
func (c *Coalescer) Close() {
	c.table.Close()
}
