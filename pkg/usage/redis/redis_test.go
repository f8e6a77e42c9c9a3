package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rhuss/batchgate/pkg/usage"
)

func setupTestRedis(t *testing.T, maxEvents int64) (*miniredis.Miniredis, *Sink) {
	t.Helper()
	mr := miniredis.RunT(t)

	sink, err := New(context.Background(), Config{Addr: mr.Addr(), MaxEvents: maxEvents})
	require.NoError(t, err)
	t.Cleanup(func() { sink.Close() })

	return mr, sink
}

func event(subject string, at time.Time) usage.Event {
	return usage.Event{
		Time:      at,
		Subject:   subject,
		Model:     "m",
		GroupID:   3,
		BatchSize: 4,
		Choices:   1,
		Status:    usage.StatusOK,
	}
}

func TestNewRequiresAddr(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.Error(t, err)
}

func TestNewUnreachable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	_, err = New(context.Background(), Config{Addr: addr})
	assert.Error(t, err)
}

func TestRecordAndList(t *testing.T) {
	mr, sink := setupTestRedis(t, 0)
	ctx := context.Background()
	now := time.Now()

	for i := range 3 {
		require.NoError(t, sink.Record(ctx, event("alice", now.Add(time.Duration(i)*time.Second))))
	}
	require.NoError(t, sink.Record(ctx, event("bob", now)))

	all, err := sink.List(ctx, usage.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 4)
	assert.Equal(t, "bob", all[0].Subject)
	assert.NotEmpty(t, all[0].ID)

	alice, err := sink.List(ctx, usage.Filter{Subject: "alice"})
	require.NoError(t, err)
	require.Len(t, alice, 3)
	assert.True(t, alice[0].Time.After(alice[2].Time), "newest first")
	assert.Equal(t, uint64(3), alice[0].GroupID)

	assert.True(t, mr.Exists("batchgate:usage:all"))
	assert.True(t, mr.Exists("batchgate:usage:subject:alice"))
}

func TestListLimitAndSince(t *testing.T) {
	_, sink := setupTestRedis(t, 0)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i := range 10 {
		require.NoError(t, sink.Record(ctx, event("carol", base.Add(time.Duration(i)*time.Minute))))
	}

	limited, err := sink.List(ctx, usage.Filter{Subject: "carol", Limit: 4})
	require.NoError(t, err)
	assert.Len(t, limited, 4)

	recent, err := sink.List(ctx, usage.Filter{Since: base.Add(7 * time.Minute)})
	require.NoError(t, err)
	assert.Len(t, recent, 3)
}

func TestListTenantScope(t *testing.T) {
	_, sink := setupTestRedis(t, 0)
	ctx := context.Background()

	require.NoError(t, sink.Record(usage.SetTenant(ctx, "a"), event("x", time.Now())))
	require.NoError(t, sink.Record(usage.SetTenant(ctx, "b"), event("y", time.Now())))

	got, err := sink.List(usage.SetTenant(ctx, "a"), usage.Filter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "x", got[0].Subject)
	assert.Equal(t, "a", got[0].Tenant)
}

func TestMaxEventsTrims(t *testing.T) {
	mr, sink := setupTestRedis(t, 5)
	ctx := context.Background()

	for i := range 12 {
		require.NoError(t, sink.Record(ctx, event(fmt.Sprintf("s%d", i%2), time.Now())))
	}

	items, err := mr.List("batchgate:usage:all")
	require.NoError(t, err)
	assert.Len(t, items, 5)

	perSubject, err := mr.List("batchgate:usage:subject:s0")
	require.NoError(t, err)
	assert.Len(t, perSubject, 5)
}

func TestRecordFailsWhenServerGone(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	sink, err := New(context.Background(), Config{Addr: mr.Addr()})
	require.NoError(t, err)
	defer sink.Close()
	mr.Close()

	err = sink.Record(context.Background(), event("a", time.Now()))
	assert.Error(t, err)
}
