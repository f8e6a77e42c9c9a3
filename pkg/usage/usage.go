package usage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrClosed is returned by sinks after Close.
	ErrClosed = errors.New("usage sink closed")

	// ErrConflict is returned when an event with the same ID already exists.
	ErrConflict = errors.New("usage event already recorded")
)

// Status values for Event.Status.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Event is one accounted request.
type Event struct {
	ID        string        `json:"id"`
	Time      time.Time     `json:"time"`
	Subject   string        `json:"subject"`
	Tenant    string        `json:"tenant,omitempty"`
	Model     string        `json:"model,omitempty"`
	RequestID string        `json:"request_id,omitempty"`
	GroupID   uint64        `json:"group_id,omitempty"`
	BatchSize int           `json:"batch_size,omitempty"`
	Choices   int           `json:"choices"`
	Status    string        `json:"status"`
	Duration  time.Duration `json:"duration"`
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Subject string
	Tenant  string
	Since   time.Time

	// Limit caps the number of events returned. Zero means DefaultListLimit.
	Limit int
}

// DefaultListLimit applies when Filter.Limit is zero.
const DefaultListLimit = 100

// Matches reports whether e passes the filter's predicates.
func (f Filter) Matches(e Event) bool {
	if f.Subject != "" && e.Subject != f.Subject {
		return false
	}
	if f.Tenant != "" && e.Tenant != f.Tenant {
		return false
	}
	if !f.Since.IsZero() && e.Time.Before(f.Since) {
		return false
	}
	return true
}

// Scoped restricts f to the tenant carried by ctx, unless f already names
// a tenant.
func (f Filter) Scoped(ctx context.Context) Filter {
	if f.Tenant == "" {
		f.Tenant = GetTenant(ctx)
	}
	return f
}

// EffectiveLimit returns the limit to apply.
func (f Filter) EffectiveLimit() int {
	if f.Limit <= 0 {
		return DefaultListLimit
	}
	return f.Limit
}

// Sink persists usage events. List returns the newest events first.
// Implementations must be safe for concurrent use.
type Sink interface {
	Record(ctx context.Context, e Event) error
	List(ctx context.Context, f Filter) ([]Event, error)
	Close() error
}
