package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweeper_RunOnce(t *testing.T) {
	now := t0
	l := NewMemoryLimiter(MinuteHour(10, 100), WithClock(func() time.Time { return now }))
	l.RecordAt("a", t0)
	l.RecordAt("b", t0)

	s := NewSweeper("@every 1m")
	s.Add("edge", l)

	s.RunOnce()
	assert.Equal(t, 2, l.Keys())

	now = t0.Add(2 * time.Hour)
	s.RunOnce()
	assert.Equal(t, 0, l.Keys())
}

func TestSweeper_StartStop(t *testing.T) {
	s := NewSweeper("@every 1m")
	s.Add("user", NewMemoryLimiter(MinuteHour(1, 1)))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Start(ctx))

	cancel()
	assert.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return !s.running
	}, time.Second, 10*time.Millisecond)

	s.Stop()
}

func TestSweeper_InvalidSchedule(t *testing.T) {
	s := NewSweeper("whenever")
	assert.Error(t, s.Start(context.Background()))
}
