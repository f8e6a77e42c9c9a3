package coalesce

import (
	"context"
	"sync"
	"time"

	"github.com/rhuss/batchgate/pkg/api"
	"github.com/rhuss/batchgate/pkg/debug"
	"github.com/rhuss/batchgate/pkg/observability"
)

// Table maps compatibility keys to batch groups. It is the single piece of
// shared state between callers and the dispatcher; all structural changes
// happen under its mutex.
//
// All methods are safe for concurrent access.
type Table struct {
	mu      sync.Mutex
	open    map[Key]*Group    // the one OPEN group per key
	queue   []*Group          // OPEN groups, oldest first
	live    map[uint64]*Group // every group not yet evicted
	timers  map[uint64]*time.Timer
	nextID  uint64
	closed  bool
	ignored []string

	wake chan struct{}
	done chan struct{}
	now  func() time.Time
}

// TableStats is a snapshot of group counts by state.
type TableStats struct {
	Open       int
	Dispatched int
	Cooling    int
}

// NewTable creates an empty table. Parameters named in ignored are dropped
// from both the compatibility key and the forwarded parameters.
func NewTable(ignored ...string) *Table {
	return &Table{
		open:    make(map[Key]*Group),
		live:    make(map[uint64]*Group),
		timers:  make(map[uint64]*time.Timer),
		ignored: ignored,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		now:     time.Now,
	}
}

// Submit registers a request and returns the waiter the caller should
// block on, together with the group it joined. A new group is created when
// no OPEN group exists for the request's key; finding and creating happen
// under one lock so two callers can never open duplicate groups.
func (t *Table) Submit(req *api.CompletionRequest) (*Waiter, *Group, error) {
	if req == nil || req.Prompt == "" {
		return nil, nil, invalidf("prompt is required")
	}
	key, err := DeriveKey(req.Params, t.ignored...)
	if err != nil {
		return nil, nil, err
	}
	n, err := api.ChoiceCount(req.Params)
	if err != nil {
		return nil, nil, invalidf("%s", err.Error())
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, nil, ErrClosed
	}

	g, ok := t.open[key]
	if !ok {
		t.nextID++
		g = &Group{
			id:        t.nextID,
			key:       key,
			params:    cloneParams(req.Params, t.ignored),
			n:         n,
			createdAt: t.now(),
		}
		t.open[key] = g
		t.queue = append(t.queue, g)
		t.live[g.id] = g
		observability.OpenGroups.Inc()
		debug.Log("coalesce", "group opened", "group", g.id, "key", key.Short())
		t.signal()
	}

	w := newWaiter(req.Prompt, len(g.waiters))
	g.waiters = append(g.waiters, w)
	return w, g, nil
}

// signal wakes a suspended TakeOpen. The channel holds at most one token,
// so a wake-up is never lost and never blocks the caller.
func (t *Table) signal() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// TryTake claims the oldest OPEN group without blocking. It returns false
// when nothing is ready.
func (t *Table) TryTake() (*Group, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.queue) == 0 {
		return nil, false
	}

	g := t.queue[0]
	t.queue[0] = nil
	t.queue = t.queue[1:]
	if t.open[g.key] == g {
		delete(t.open, g.key)
	}
	g.transition(StateOpen, StateDispatched)
	g.dispatchedAt = t.now()
	observability.OpenGroups.Dec()

	// Other consumers may be asleep while more groups are queued.
	if len(t.queue) > 0 {
		t.signal()
	}
	return g, true
}

// TakeOpen claims the oldest OPEN group, marking it DISPATCHED so no caller
// can join it and no other consumer can take it. When no group is open it
// suspends until Submit opens one, ctx ends, or the table is closed.
func (t *Table) TakeOpen(ctx context.Context) (*Group, error) {
	for {
		if g, ok := t.TryTake(); ok {
			return g, nil
		}
		t.mu.Lock()
		closed := t.closed
		t.mu.Unlock()
		if closed {
			return nil, ErrClosed
		}

		select {
		case <-t.wake:
		case <-t.done:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// markCooling records that a dispatched group's results are published.
func (t *Table) markCooling(g *Group) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g.transition(StateDispatched, StateCooling)
}

// ScheduleEviction removes g from the table once after has elapsed. The
// timer holds the group instance itself, so it can never remove a newer
// group that reuses the same key.
func (t *Table) ScheduleEviction(g *Group, after time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed || t.live[g.id] != g {
		return
	}
	if after < 0 {
		after = 0
	}
	if prev, ok := t.timers[g.id]; ok {
		prev.Stop()
	}
	t.timers[g.id] = time.AfterFunc(after, func() {
		t.Evict(g)
	})
}

// Evict removes g if it is still the live instance under its ID and has
// finished cooling. It reports whether anything was removed.
func (t *Table) Evict(g *Group) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, ok := t.live[g.id]; !ok || cur != g {
		return false
	}
	if g.State() != StateCooling {
		return false
	}

	delete(t.live, g.id)
	delete(t.timers, g.id)
	g.transition(StateCooling, StateEvicted)
	debug.Log("coalesce", "group evicted", "group", g.id, "key", g.key.Short())
	return true
}

// OpenGroup returns the OPEN group currently collecting waiters for key.
func (t *Table) OpenGroup(key Key) (*Group, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.open[key]
	return g, ok
}

// Contains reports whether g is still held by the table.
func (t *Table) Contains(g *Group) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live[g.id] == g
}

// Pending returns the number of waiters in groups that have not been
// dispatched yet.
func (t *Table) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, g := range t.queue {
		n += len(g.waiters)
	}
	return n
}

// Stats returns group counts by state.
func (t *Table) Stats() TableStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	var s TableStats
	for _, g := range t.live {
		switch g.State() {
		case StateOpen:
			s.Open++
		case StateDispatched:
			s.Dispatched++
		case StateCooling:
			s.Cooling++
		}
	}
	return s
}

// Close shuts the table down. Groups that were never dispatched have every
// waiter resolved with ErrClosed; pending eviction timers are stopped.
// Groups already claimed by the dispatcher are left to finish.
func (t *Table) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	close(t.done)

	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}

	pending := t.queue
	t.queue = nil
	for _, g := range pending {
		delete(t.open, g.key)
		delete(t.live, g.id)
		g.transition(StateOpen, StateDispatched)
		observability.OpenGroups.Dec()
	}
	t.mu.Unlock()

	for _, g := range pending {
		for _, w := range g.waiters {
			w.resolve(nil, ErrClosed)
		}
	}
}
