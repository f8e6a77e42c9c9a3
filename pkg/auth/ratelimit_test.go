package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTokenBucketLimiter_PerSubject(t *testing.T) {
	l := NewTokenBucketLimiter(nil, TierConfig{RequestsPerMinute: 60, Burst: 1})
	ctx := context.Background()

	alice := &Identity{Subject: "alice"}
	bob := &Identity{Subject: "bob"}

	if err := l.Allow(ctx, alice); err != nil {
		t.Fatalf("first alice request: %v", err)
	}
	if err := l.Allow(ctx, alice); !errors.Is(err, ErrTooManyRequests) {
		t.Errorf("second alice request: err = %v, want ErrTooManyRequests", err)
	}
	if err := l.Allow(ctx, bob); err != nil {
		t.Errorf("separate bucket per subject: %v", err)
	}
}

func TestTokenBucketLimiter_Tiers(t *testing.T) {
	l := NewTokenBucketLimiter(map[string]TierConfig{
		"premium":   {RequestsPerMinute: 600, Burst: 5},
		"unlimited": {},
	}, TierConfig{RequestsPerMinute: 60, Burst: 1})
	ctx := context.Background()

	premium := &Identity{Subject: "p", ServiceTier: "premium"}
	for i := range 5 {
		if err := l.Allow(ctx, premium); err != nil {
			t.Fatalf("premium request %d: %v", i+1, err)
		}
	}
	if err := l.Allow(ctx, premium); err == nil {
		t.Error("expected premium burst to be exhausted")
	}

	unlimited := &Identity{Subject: "u", ServiceTier: "unlimited"}
	for range 1000 {
		if err := l.Allow(ctx, unlimited); err != nil {
			t.Fatalf("unlimited tier rejected: %v", err)
		}
	}
}

func TestTokenBucketLimiter_Refill(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := NewTokenBucketLimiter(nil, TierConfig{RequestsPerMinute: 60, Burst: 1})
	l.now = func() time.Time { return now }
	ctx := context.Background()
	id := &Identity{Subject: "alice"}

	if err := l.Allow(ctx, id); err != nil {
		t.Fatal(err)
	}
	if err := l.Allow(ctx, id); err == nil {
		t.Fatal("expected rejection before refill")
	}

	now = now.Add(time.Second)
	if err := l.Allow(ctx, id); err != nil {
		t.Errorf("expected token after one second: %v", err)
	}
}

func TestTokenBucketLimiter_Sweep(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := NewTokenBucketLimiter(nil, TierConfig{RequestsPerMinute: 60})
	l.now = func() time.Time { return now }
	ctx := context.Background()

	_ = l.Allow(ctx, &Identity{Subject: "old"})
	now = now.Add(10 * time.Minute)
	_ = l.Allow(ctx, &Identity{Subject: "fresh"})

	if removed := l.Sweep(5 * time.Minute); removed != 1 {
		t.Errorf("Sweep removed %d, want 1", removed)
	}
	if _, ok := l.visitors["fresh:"+DefaultTier]; !ok {
		t.Error("fresh visitor should survive sweep")
	}
}
