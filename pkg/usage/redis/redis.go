// Package redis provides a usage.Sink backed by Redis lists, suitable when
// several gateway replicas share one usage log.
//
// Every event is stored as JSON in a capped global list. A per-subject list
// holds the same payloads so per-caller queries do not scan the global log.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rhuss/batchgate/pkg/usage"
)

// Config holds Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int

	// KeyPrefix namespaces all keys (default: "batchgate:usage:").
	KeyPrefix string

	// MaxEvents caps each list (default: 100000).
	MaxEvents int64
}

// Sink is a Redis-backed usage.Sink.
type Sink struct {
	client    *redis.Client
	keyPrefix string
	maxEvents int64
}

// Ensure Sink implements usage.Sink at compile time.
var _ usage.Sink = (*Sink)(nil)

// New connects to Redis and verifies connectivity.
func New(ctx context.Context, cfg Config) (*Sink, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis: Addr is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "batchgate:usage:"
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = 100000
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Sink{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
		maxEvents: cfg.MaxEvents,
	}, nil
}

func (s *Sink) allKey() string {
	return s.keyPrefix + "all"
}

func (s *Sink) subjectKey(subject string) string {
	return s.keyPrefix + "subject:" + subject
}

// Record appends the event to the global and per-subject lists in one
// pipeline and trims both to MaxEvents.
func (s *Sink) Record(ctx context.Context, e usage.Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Tenant == "" {
		e.Tenant = usage.GetTenant(ctx)
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal usage event: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.allKey(), data)
	pipe.LTrim(ctx, s.allKey(), 0, s.maxEvents-1)
	if e.Subject != "" {
		pipe.LPush(ctx, s.subjectKey(e.Subject), data)
		pipe.LTrim(ctx, s.subjectKey(e.Subject), 0, s.maxEvents-1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record usage event: %w", err)
	}
	return nil
}

// List returns matching events, newest first.
func (s *Sink) List(ctx context.Context, f usage.Filter) ([]usage.Event, error) {
	f = f.Scoped(ctx)
	limit := f.EffectiveLimit()

	key := s.allKey()
	if f.Subject != "" {
		key = s.subjectKey(f.Subject)
	}

	const page = 256
	var out []usage.Event
	for start := int64(0); len(out) < limit; start += page {
		raw, err := s.client.LRange(ctx, key, start, start+page-1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read usage events: %w", err)
		}
		for _, item := range raw {
			var e usage.Event
			if err := json.Unmarshal([]byte(item), &e); err != nil {
				return nil, fmt.Errorf("failed to unmarshal usage event: %w", err)
			}
			// Lists are newest first, so nothing older can match.
			if !f.Since.IsZero() && e.Time.Before(f.Since) {
				return out, nil
			}
			if f.Matches(e) {
				out = append(out, e)
				if len(out) == limit {
					break
				}
			}
		}
		if len(raw) < page {
			break
		}
	}
	return out, nil
}

// HealthCheck verifies the Redis connection.
func (s *Sink) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (s *Sink) Close() error {
	return s.client.Close()
}
