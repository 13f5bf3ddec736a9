package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return s, rdb
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestRedisLimiter_AllowRecord(t *testing.T) {
	_, rdb := setupMiniredis(t)
	clock := &fakeClock{now: t0}
	l := NewRedisLimiter(rdb, "rl:user:", MinuteHourDay(3, 100, 1000), WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res := l.Allow(ctx, "7")
		require.True(t, res.Allowed, "request %d should be allowed", i+1)
		l.Record(ctx, "7")
		clock.Advance(time.Second)
	}

	res := l.Allow(ctx, "7")
	assert.False(t, res.Allowed)
	assert.Equal(t, Minute, res.Exceeded.Name)
	assert.Equal(t, 3, res.Counts[0].Count)
	assert.Equal(t, 3, res.Counts[2].Count)

	clock.Advance(time.Minute)
	assert.True(t, l.Allow(ctx, "7").Allowed)
}

func TestRedisLimiter_SameMillisecondRequestsAreDistinct(t *testing.T) {
	_, rdb := setupMiniredis(t)
	clock := &fakeClock{now: t0}
	l := NewRedisLimiter(rdb, "rl:", []Window{{Name: Minute, Length: time.Minute, Max: 10}}, WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		l.Record(ctx, "k")
	}
	assert.Equal(t, 4, l.Usage(ctx, "k")[0].Count)
}

func TestRedisLimiter_Take(t *testing.T) {
	s, rdb := setupMiniredis(t)
	clock := &fakeClock{now: t0}
	l := NewRedisLimiter(rdb, "rl:ip:", MinuteHour(2, 3), WithClock(clock.Now))
	ctx := context.Background()

	assert.True(t, l.Take(ctx, "10.0.0.1").Allowed)
	assert.True(t, l.Take(ctx, "10.0.0.1").Allowed)

	res := l.Take(ctx, "10.0.0.1")
	require.False(t, res.Allowed)
	assert.Equal(t, Minute, res.Exceeded.Name)
	assert.Equal(t, []int{2, 2}, []int{res.Counts[0].Count, res.Counts[1].Count})

	// A denied take records nothing.
	members, err := s.ZMembers("rl:ip:10.0.0.1")
	require.NoError(t, err)
	assert.Len(t, members, 2)

	clock.Advance(61 * time.Second)
	assert.True(t, l.Take(ctx, "10.0.0.1").Allowed)

	res = l.Take(ctx, "10.0.0.1")
	require.False(t, res.Allowed)
	assert.Equal(t, Hour, res.Exceeded.Name)

	assert.True(t, l.Take(ctx, "10.0.0.2").Allowed)
}

func TestRedisLimiter_PrunesAndExpires(t *testing.T) {
	s, rdb := setupMiniredis(t)
	clock := &fakeClock{now: t0}
	l := NewRedisLimiter(rdb, "rl:", MinuteHour(10, 10), WithClock(clock.Now))
	ctx := context.Background()

	l.Record(ctx, "k")
	assert.Equal(t, time.Hour+keyGrace, s.TTL("rl:k"))

	clock.Advance(time.Hour)
	l.Record(ctx, "k")
	counts := l.Usage(ctx, "k")
	assert.Equal(t, 1, counts[1].Count)

	members, err := s.ZMembers("rl:k")
	require.NoError(t, err)
	assert.Len(t, members, 1)
}

func TestRedisLimiter_FailsOpen(t *testing.T) {
	s, rdb := setupMiniredis(t)
	l := NewRedisLimiter(rdb, "rl:", []Window{{Name: Minute, Length: time.Minute, Max: 1}})
	ctx := context.Background()

	s.Close()

	assert.True(t, l.Allow(ctx, "k").Allowed)
	assert.True(t, l.Take(ctx, "k").Allowed)
	l.Record(ctx, "k")
	counts := l.Usage(ctx, "k")
	require.Len(t, counts, 1)
	assert.Equal(t, 0, counts[0].Count)
}
