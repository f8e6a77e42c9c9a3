package coalesce

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rhuss/batchgate/pkg/api"
)

// State is the lifecycle state of a Group.
type State int32

const (
	// StateOpen accepts new waiters.
	StateOpen State = iota
	// StateDispatched has been claimed by the dispatcher; no joins allowed.
	StateDispatched
	// StateCooling has published results and awaits eviction.
	StateCooling
	// StateEvicted has been removed from the table.
	StateEvicted
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateDispatched:
		return "dispatched"
	case StateCooling:
		return "cooling"
	case StateEvicted:
		return "evicted"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Result is what a single waiter receives: the choices generated for its
// own prompt, plus where it sat in the batch.
type Result struct {
	Choices   []api.Choice
	GroupID   uint64
	Index     int
	BatchSize int
}

// Waiter is one pending caller inside a Group. It is resolved exactly once
// by the dispatcher, even if the caller has already given up.
type Waiter struct {
	prompt    string
	index     int
	done      chan struct{}
	resolved  atomic.Bool
	abandoned atomic.Bool

	// Written once before done is closed.
	result *Result
	err    error
}

func newWaiter(prompt string, index int) *Waiter {
	return &Waiter{
		prompt: prompt,
		index:  index,
		done:   make(chan struct{}),
	}
}

// Prompt returns the prompt this waiter submitted.
func (w *Waiter) Prompt() string { return w.prompt }

// Index returns the waiter's position within its group.
func (w *Waiter) Index() int { return w.index }

// Done is closed once the waiter's result has been published.
func (w *Waiter) Done() <-chan struct{} { return w.done }

// Abandoned reports whether the caller stopped waiting.
func (w *Waiter) Abandoned() bool { return w.abandoned.Load() }

// Abandon marks the waiter as no longer observed. The dispatcher still
// resolves it; the result is simply dropped.
func (w *Waiter) Abandon() { w.abandoned.Store(true) }

// Wait blocks until the result is published or ctx ends. When ctx ends
// first the waiter is marked abandoned and an error wrapping both
// ErrAbandoned and ctx.Err() is returned.
func (w *Waiter) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-w.done:
		return w.result, w.err
	case <-ctx.Done():
		// Prefer a result that raced with cancellation.
		select {
		case <-w.done:
			return w.result, w.err
		default:
		}
		w.Abandon()
		return nil, fmt.Errorf("%w: %w", ErrAbandoned, ctx.Err())
	}
}

// resolve publishes the waiter's outcome. Resolving twice is a bug in the
// dispatcher and panics.
func (w *Waiter) resolve(res *Result, err error) {
	if !w.resolved.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("coalesce: waiter %d resolved twice", w.index))
	}
	w.result = res
	w.err = err
	close(w.done)
}

// Group is the set of waiters accumulating under one Key. Its parameters
// are fixed at creation. Waiters and state are guarded by the owning
// Table's mutex; after the dispatcher claims the group the waiter list
// no longer changes and may be read without locking.
type Group struct {
	id        uint64
	key       Key
	params    map[string]any
	n         int
	createdAt time.Time

	state        atomic.Int32
	waiters      []*Waiter
	dispatchedAt time.Time
}

// ID returns the group's unique instance identifier.
func (g *Group) ID() uint64 { return g.id }

// Key returns the compatibility key shared by all waiters.
func (g *Group) Key() Key { return g.key }

// Params returns the shared parameters. The map must not be modified.
func (g *Group) Params() map[string]any { return g.params }

// ChoicesPerPrompt returns the declared n for this group.
func (g *Group) ChoicesPerPrompt() int { return g.n }

// State returns the current lifecycle state.
func (g *Group) State() State { return State(g.state.Load()) }

// CreatedAt returns when the first waiter arrived.
func (g *Group) CreatedAt() time.Time { return g.createdAt }

// DispatchedAt returns when the dispatcher claimed the group, or the zero
// time while it is still open.
func (g *Group) DispatchedAt() time.Time { return g.dispatchedAt }

// transition moves the group between states. Any transition other than the
// expected one is an invariant violation.
func (g *Group) transition(from, to State) {
	if !g.state.CompareAndSwap(int32(from), int32(to)) {
		panic(fmt.Sprintf("coalesce: group %d: invalid transition %s -> %s (state is %s)",
			g.id, from, to, g.State()))
	}
}

func (g *Group) prompts() []string {
	out := make([]string, len(g.waiters))
	for i, w := range g.waiters {
		out[i] = w.prompt
	}
	return out
}
