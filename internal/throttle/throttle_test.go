package throttle

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestMemoryCooldown(t *testing.T) {
	now := time.Date(2026, 1, 1, 20, 0, 0, 0, time.UTC)
	m := NewMemory(30 * time.Second).WithClock(func() time.Time { return now })
	ctx := context.Background()

	ok, err := m.Allow(ctx, "acct-1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, _ = m.Allow(ctx, "acct-1")
	require.False(t, ok)

	ok, _ = m.Allow(ctx, "acct-2")
	require.True(t, ok)

	now = now.Add(31 * time.Second)
	ok, _ = m.Allow(ctx, "acct-1")
	require.True(t, ok)
}

func TestMemoryZeroCooldownAllowsAll(t *testing.T) {
	m := NewMemory(0)
	for i := 0; i < 3; i++ {
		ok, err := m.Allow(context.Background(), "acct-1")
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestMemorySweepsIdleKeys(t *testing.T) {
	now := time.Date(2026, 1, 1, 20, 0, 0, 0, time.UTC)
	m := NewMemory(time.Minute).WithClock(func() time.Time { return now })
	ctx := context.Background()

	for _, key := range []string{"1", "2", "3"} {
		ok, err := m.Allow(ctx, key)
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.Equal(t, 3, m.Len())

	now = now.Add(30 * time.Second)
	_, _ = m.Allow(ctx, "3")
	require.Equal(t, 3, m.Len())

	now = now.Add(45 * time.Second)
	ok, _ := m.Allow(ctx, "4")
	require.True(t, ok)
	// 1 and 2 were idle for a full minute, 3 was seen 45s ago
	require.Equal(t, 2, m.Len())

	ok, _ = m.Allow(ctx, "4")
	require.False(t, ok)
}

func TestMemoryReset(t *testing.T) {
	m := NewMemory(time.Hour)
	ctx := context.Background()

	ok, _ := m.Allow(ctx, "acct-1")
	require.True(t, ok)
	ok, _ = m.Allow(ctx, "acct-1")
	require.False(t, ok)

	require.NoError(t, m.Reset(ctx, "acct-1"))
	ok, _ = m.Allow(ctx, "acct-1")
	require.True(t, ok)
}

func TestRedisCooldown(t *testing.T) {
	mr := miniredis.RunT(t)
	r := NewRedis(mr.Addr(), "", 0, 30*time.Second)
	t.Cleanup(func() { _ = r.Close() })
	ctx := context.Background()

	ok, err := r.Allow(ctx, "7")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, mr.Exists("loyalty:scan:7"))

	ok, err = r.Allow(ctx, "7")
	require.NoError(t, err)
	require.False(t, ok)

	ok, _ = r.Allow(ctx, "8")
	require.True(t, ok)

	mr.FastForward(31 * time.Second)
	ok, err = r.Allow(ctx, "7")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, r.Reset(ctx, "7"))
	require.False(t, mr.Exists("loyalty:scan:7"))
	ok, _ = r.Allow(ctx, "7")
	require.True(t, ok)
}

func TestRedisUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	r := NewRedis(mr.Addr(), "", 0, time.Minute)
	t.Cleanup(func() { _ = r.Close() })
	mr.Close()

	_, err := r.Allow(context.Background(), "7")
	require.Error(t, err)
}
