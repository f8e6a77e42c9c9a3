package coalesce

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rhuss/batchgate/pkg/api"
)

// fakeCompleter records every batched call. By default it echoes each prompt
// back n times ("prompt#0", "prompt#1", ...).
type fakeCompleter struct {
	mu    sync.Mutex
	calls [][]string
	fn    func(ctx context.Context, params map[string]any, prompts []string) ([]api.Choice, error)
}

func (f *fakeCompleter) Name() string { return "fake" }

func (f *fakeCompleter) Close() error { return nil }

func (f *fakeCompleter) CompleteBatch(ctx context.Context, params map[string]any, prompts []string) ([]api.Choice, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string(nil), prompts...))
	fn := f.fn
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, params, prompts)
	}
	return echoChoices(params, prompts)
}

func (f *fakeCompleter) Calls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.calls...)
}

func echoChoices(params map[string]any, prompts []string) ([]api.Choice, error) {
	n, err := api.ChoiceCount(params)
	if err != nil {
		return nil, err
	}
	out := make([]api.Choice, 0, len(prompts)*n)
	for _, p := range prompts {
		for j := range n {
			out = append(out, api.Choice{
				Text:         fmt.Sprintf("%s#%d", p, j),
				Index:        len(out),
				FinishReason: "stop",
			})
		}
	}
	return out, nil
}

func req(prompt string, params map[string]any) *api.CompletionRequest {
	return &api.CompletionRequest{Prompt: prompt, Params: params}
}

func mustSubmit(t *testing.T, tbl *Table, r *api.CompletionRequest) (*Waiter, *Group) {
	t.Helper()
	w, g, err := tbl.Submit(r)
	if err != nil {
		t.Fatalf("Submit(%q) failed: %v", r.Prompt, err)
	}
	return w, g
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

func waitResult(t *testing.T, w *Waiter) (*Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := w.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		t.Fatalf("waiter %d hung", w.Index())
	}
	return res, err
}
