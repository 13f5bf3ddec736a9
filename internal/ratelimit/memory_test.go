package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func TestMemoryLimiter_DeniesAfterMax(t *testing.T) {
	l := NewMemoryLimiter([]Window{{Name: Minute, Length: time.Minute, Max: 5}})

	for i := 0; i < 5; i++ {
		now := t0.Add(time.Duration(i) * time.Second)
		res := l.AllowAt("user:1", now)
		require.True(t, res.Allowed, "request %d should be allowed", i+1)
		l.RecordAt("user:1", now)
	}

	res := l.AllowAt("user:1", t0.Add(10*time.Second))
	assert.False(t, res.Allowed)
	assert.Equal(t, Minute, res.Exceeded.Name)
	assert.Equal(t, time.Minute, res.RetryAfter())
	assert.Equal(t, 5, res.Counts[0].Count)
}

func TestMemoryLimiter_WindowSlidesFromOldest(t *testing.T) {
	l := NewMemoryLimiter([]Window{{Name: Minute, Length: time.Minute, Max: 2}})

	l.RecordAt("k", t0)
	l.RecordAt("k", t0.Add(30*time.Second))
	assert.False(t, l.AllowAt("k", t0.Add(59*time.Second)).Allowed)

	// Exactly one window after the oldest request it no longer counts.
	res := l.AllowAt("k", t0.Add(time.Minute))
	assert.True(t, res.Allowed)
	assert.Equal(t, 1, res.Counts[0].Count)
}

func TestMemoryLimiter_AllowDoesNotRecord(t *testing.T) {
	l := NewMemoryLimiter([]Window{{Name: Minute, Length: time.Minute, Max: 1}})

	for i := 0; i < 10; i++ {
		assert.True(t, l.AllowAt("k", t0).Allowed)
	}
	assert.Equal(t, 0, l.Keys())

	l.RecordAt("k", t0)
	assert.False(t, l.AllowAt("k", t0).Allowed)
}

func TestMemoryLimiter_ShortestWindowReportedFirst(t *testing.T) {
	// Deliberately unsorted input.
	l := NewMemoryLimiter([]Window{
		{Name: Hour, Length: time.Hour, Max: 3},
		{Name: Minute, Length: time.Minute, Max: 2},
	})
	require.Equal(t, Minute, l.Windows()[0].Name)

	l.RecordAt("k", t0)
	l.RecordAt("k", t0.Add(time.Second))
	res := l.AllowAt("k", t0.Add(2*time.Second))
	require.False(t, res.Allowed)
	assert.Equal(t, Minute, res.Exceeded.Name)

	// Minute window has drained but the hour window is still counting.
	l.RecordAt("k", t0.Add(2*time.Minute))
	res = l.AllowAt("k", t0.Add(3*time.Minute))
	require.False(t, res.Allowed)
	assert.Equal(t, Hour, res.Exceeded.Name)
	assert.Equal(t, time.Hour, res.RetryAfter())
}

func TestMemoryLimiter_KeysAreIndependent(t *testing.T) {
	l := NewMemoryLimiter([]Window{{Name: Minute, Length: time.Minute, Max: 1}})

	l.RecordAt("ip:10.0.0.1", t0)
	assert.False(t, l.AllowAt("ip:10.0.0.1", t0).Allowed)
	assert.True(t, l.AllowAt("ip:10.0.0.2", t0).Allowed)
}

func TestMemoryLimiter_PruneEvictsEmptyKey(t *testing.T) {
	l := NewMemoryLimiter(MinuteHour(10, 100))

	l.RecordAt("k", t0)
	require.Equal(t, 1, l.Keys())

	res := l.AllowAt("k", t0.Add(2*time.Hour))
	assert.True(t, res.Allowed)
	assert.Equal(t, 0, l.Keys())
}

func TestMemoryLimiter_OutOfOrderRecordStaysSorted(t *testing.T) {
	l := NewMemoryLimiter([]Window{{Name: Minute, Length: time.Minute, Max: 10}})

	l.RecordAt("k", t0.Add(30*time.Second))
	l.RecordAt("k", t0)
	l.RecordAt("k", t0.Add(10*time.Second))

	counts := l.UsageAt("k", t0.Add(65*time.Second))
	// Only the 10s and 30s stamps are younger than a minute.
	assert.Equal(t, 2, counts[0].Count)
}

func TestMemoryLimiter_TakeIsAtomic(t *testing.T) {
	l := NewMemoryLimiter([]Window{{Name: Minute, Length: time.Minute, Max: 50}})

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.TakeAt("shared", t0).Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), allowed.Load())
	assert.Equal(t, 50, l.UsageAt("shared", t0)[0].Count)
}

func TestMemoryLimiter_ConcurrentDistinctKeys(t *testing.T) {
	l := NewMemoryLimiter(MinuteHour(5, 50))

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := string(rune('a' + i%26))
			for j := 0; j < 10; j++ {
				l.TakeAt(key, t0)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < 26; i++ {
		assert.Equal(t, 5, l.UsageAt(string(rune('a'+i)), t0)[0].Count)
	}
}

func TestMemoryLimiter_Sweep(t *testing.T) {
	l := NewMemoryLimiter(MinuteHour(10, 100))

	l.RecordAt("idle", t0)
	l.RecordAt("active", t0)
	l.RecordAt("active", t0.Add(50*time.Minute))

	removed := l.SweepAt(t0.Add(time.Hour))
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, l.Keys())
	assert.Equal(t, 1, l.UsageAt("active", t0.Add(time.Hour))[1].Count)
}

func TestMemoryLimiter_ContextMethodsUseClock(t *testing.T) {
	now := t0
	l := NewMemoryLimiter([]Window{{Name: Minute, Length: time.Minute, Max: 1}}, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	assert.True(t, l.Take(ctx, "k").Allowed)
	assert.False(t, l.Allow(ctx, "k").Allowed)

	now = now.Add(time.Minute)
	assert.True(t, l.Allow(ctx, "k").Allowed)
	l.Record(ctx, "k")
	assert.Equal(t, 1, l.Usage(ctx, "k")[0].Count)
}

func TestWindowCount_Remaining(t *testing.T) {
	w := Window{Name: Minute, Length: time.Minute, Max: 3}
	assert.Equal(t, 2, WindowCount{Window: w, Count: 1}.Remaining())
	assert.Equal(t, 0, WindowCount{Window: w, Count: 7}.Remaining())
}

func TestMinuteHourDay(t *testing.T) {
	ws := MinuteHourDay(60, 1000, 10000)
	require.Len(t, ws, 3)
	assert.Equal(t, Window{Name: Day, Length: 24 * time.Hour, Max: 10000}, ws[2])
}
