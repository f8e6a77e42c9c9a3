package coalesce

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rhuss/batchgate/pkg/api"
)

func startCoalescer(t *testing.T, fc *fakeCompleter, cfg Config) *Coalescer {
	t.Helper()
	c, err := New(fc, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		c.Close()
		cancel()
		<-done
	})
	return c
}

func TestZeroGracePeriodEvictsAfterDelivery(t *testing.T) {
	fc := &fakeCompleter{}
	c := startCoalescer(t, fc, Config{GracePeriod: 0})

	res, err := c.Dispatch(context.Background(), req("a", nil))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(res.Choices) != 1 {
		t.Fatalf("got %d choices, want 1", len(res.Choices))
	}
	eventually(t, 200*time.Millisecond, func() bool {
		return c.Table().Stats() == TableStats{}
	}, "group with zero grace period still in table")
}

func TestDefaultConfigGracePeriod(t *testing.T) {
	if got := DefaultConfig().GracePeriod; got != DefaultGracePeriod {
		t.Errorf("GracePeriod = %s, want %s", got, DefaultGracePeriod)
	}
	if got := (Config{GracePeriod: -time.Second}).withDefaults().GracePeriod; got != 0 {
		t.Errorf("negative GracePeriod normalised to %s, want 0", got)
	}
}

func TestNewRequiresCompleter(t *testing.T) {
	if _, err := New(nil, Config{}); err == nil {
		t.Error("expected error for nil completer")
	}
}

func TestNewRejectsIgnoringShapeParams(t *testing.T) {
	for _, p := range []string{"model", "n"} {
		if _, err := New(&fakeCompleter{}, Config{IgnoredParams: []string{"echo", p}}); err == nil {
			t.Errorf("ignoring %q: expected error", p)
		}
	}
	if _, err := New(&fakeCompleter{}, Config{IgnoredParams: []string{"echo"}}); err != nil {
		t.Errorf("ignoring echo: %v", err)
	}
}

// Concurrent compatible callers that arrive while the dispatcher is busy
// share a single downstream call.
func TestCoalescerConcurrentCallersShareOneCall(t *testing.T) {
	release := make(chan struct{})
	first := true
	var mu sync.Mutex
	fc := &fakeCompleter{}
	fc.fn = func(ctx context.Context, params map[string]any, prompts []string) ([]api.Choice, error) {
		mu.Lock()
		block := first
		first = false
		mu.Unlock()
		if block {
			<-release
		}
		return echoChoices(params, prompts)
	}
	c := startCoalescer(t, fc, Config{})

	// Occupy the single dispatcher with an unrelated group.
	warmup := make(chan error, 1)
	go func() {
		_, err := c.Dispatch(context.Background(), req("warmup", map[string]any{"model": "other"}))
		warmup <- err
	}()
	eventually(t, time.Second, func() bool { return len(fc.Calls()) == 1 }, "warmup call never started")

	const callers = 20
	results := make([]*Result, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = c.Dispatch(context.Background(),
				req(fmt.Sprintf("p%d", i), map[string]any{"model": "m", "temperature": 0.2}))
		}()
	}
	eventually(t, time.Second, func() bool { return c.Table().Pending() == callers }, "callers never queued")
	close(release)
	wg.Wait()

	if err := <-warmup; err != nil {
		t.Fatalf("warmup: %v", err)
	}
	calls := fc.Calls()
	if len(calls) != 2 {
		t.Fatalf("downstream calls = %d, want 2 (warmup + one batch)", len(calls))
	}
	if len(calls[1]) != callers {
		t.Errorf("batch size = %d, want %d", len(calls[1]), callers)
	}
	for i := range callers {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if want := fmt.Sprintf("p%d#0", i); results[i].Choices[0].Text != want {
			t.Errorf("caller %d got %q, want %q", i, results[i].Choices[0].Text, want)
		}
		if results[i].BatchSize != callers {
			t.Errorf("caller %d batch size = %d", i, results[i].BatchSize)
		}
	}
}

func TestCoalescerDispatchInvalid(t *testing.T) {
	fc := &fakeCompleter{}
	c := startCoalescer(t, fc, Config{})

	_, err := c.Dispatch(context.Background(), req("", map[string]any{"model": "m"}))
	if !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest, got %v", err)
	}
	if len(fc.Calls()) != 0 {
		t.Error("invalid request reached the backend")
	}
}

func TestCoalescerCallerCancellation(t *testing.T) {
	release := make(chan struct{})
	fc := &fakeCompleter{fn: func(_ context.Context, params map[string]any, prompts []string) ([]api.Choice, error) {
		<-release
		return echoChoices(params, prompts)
	}}
	c := startCoalescer(t, fc, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := c.Dispatch(ctx, req("a", nil))
		errc <- err
	}()
	eventually(t, time.Second, func() bool { return len(fc.Calls()) == 1 }, "call never started")
	cancel()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrAbandoned) {
			t.Errorf("expected ErrAbandoned, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled caller still blocked")
	}
	close(release)

	// The dispatcher keeps serving after delivering to an abandoned waiter.
	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	res, err := c.Dispatch(ctx2, req("b", nil))
	if err != nil || res.Choices[0].Text != "b#0" {
		t.Errorf("follow-up dispatch got %+v, %v", res, err)
	}
}

func TestCoalescerCloseFailsQueued(t *testing.T) {
	fc := &fakeCompleter{}
	c, err := New(fc, Config{})
	if err != nil {
		t.Fatal(err)
	}
	// Run is never started, so the request stays queued.
	errc := make(chan error, 1)
	go func() {
		_, err := c.Dispatch(context.Background(), req("a", nil))
		errc <- err
	}()
	eventually(t, time.Second, func() bool { return c.Table().Pending() == 1 }, "request never queued")
	c.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("queued caller not released by Close")
	}
}
