//go:build integration

package usage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptlab/gatekeeper/internal/database/dbtest"
)

func TestPostgresRepository_AppendAndSum(t *testing.T) {
	ctx := context.Background()
	pool := dbtest.NewTestPostgres(t)
	c := &clock{now: time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)}
	l := NewLedger(NewPostgresRepository(pool), WithClock(c.Now))

	const n = 30
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.AppendUsage(ctx, Entry{UserID: 1, TeamID: int64Ptr(3), InputTokens: 4, OutputTokens: 1, Cost: 0.5, Model: "gpt-4o"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	rec, err := l.GetOrCreateToday(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-14", rec.Date)
	assert.Equal(t, int64(n), rec.RequestCount)
	assert.Equal(t, int64(n*5), rec.TotalTokens)
	assert.Equal(t, int64(n), rec.ModelUsage["gpt-4o"].Count)
	require.NotNil(t, rec.TeamID)
	assert.Equal(t, int64(3), *rec.TeamID)

	c.now = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	_, err = l.AppendUsage(ctx, Entry{UserID: 1, InputTokens: 10, Cost: 1})
	require.NoError(t, err)

	total, err := l.MonthlyTotal(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(n+1), total.Requests)
	assert.Equal(t, int64(n*5+10), total.Tokens)
	assert.InDelta(t, n*0.5+1, total.Cost, 1e-9)

	c.now = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	history, err := l.History(ctx, 1, 30)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "2026-03-14", history[0].Date)

	summaries, err := l.Summaries(ctx, 30)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, int64(n+1), summaries[0].Requests)
}

func TestPostgresRepository_GetOrCreateConcurrent(t *testing.T) {
	ctx := context.Background()
	pool := dbtest.NewTestPostgres(t)
	repo := NewPostgresRepository(pool)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.GetOrCreate(ctx, 9, "2026-03-14")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	var count int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM api_usage WHERE user_id = 9`).Scan(&count))
	assert.Equal(t, 1, count)
}
