// Package memory provides an in-memory usage.Sink for tests and
// single-instance deployments. Events are lost when the process restarts.
// When a size limit is set the oldest events are dropped first.
package memory

import (
	"container/list"
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/rhuss/batchgate/pkg/usage"
)

// Sink is an in-memory usage.Sink.
type Sink struct {
	mu      sync.RWMutex
	events  *list.List // front = newest, back = oldest
	maxSize int        // 0 = unlimited
	closed  bool
}

// Ensure Sink implements usage.Sink at compile time.
var _ usage.Sink = (*Sink)(nil)

// New creates an in-memory sink. If maxSize is 0 the sink grows without
// limit; otherwise the oldest event is dropped once the limit is reached.
func New(maxSize int) *Sink {
	return &Sink{
		events:  list.New(),
		maxSize: maxSize,
	}
}

// Record stores an event, assigning an ID when missing.
func (s *Sink) Record(_ context.Context, e usage.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return usage.ErrClosed
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	if s.maxSize > 0 && s.events.Len() >= s.maxSize {
		s.events.Remove(s.events.Back())
	}
	s.events.PushFront(e)
	return nil
}

// List returns matching events, newest first.
func (s *Sink) List(ctx context.Context, f usage.Filter) ([]usage.Event, error) {
	f = f.Scoped(ctx)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, usage.ErrClosed
	}

	limit := f.EffectiveLimit()
	var out []usage.Event
	for el := s.events.Front(); el != nil && len(out) < limit; el = el.Next() {
		e := el.Value.(usage.Event)
		if f.Matches(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Len returns the number of stored events.
func (s *Sink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.events.Len()
}

// Close discards all events.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.events.Init()
	return nil
}
