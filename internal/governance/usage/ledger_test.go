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

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newTestLedger(t *testing.T, start time.Time) (*Ledger, *clock, Repository) {
	t.Helper()
	db := dbtest.NewTestSQLite(t)
	c := &clock{now: start}
	repo := NewSQLiteRepository(db)
	return NewLedger(repo, WithClock(c.Now)), c, repo
}

func int64Ptr(v int64) *int64 { return &v }

func TestLedger_AppendUsageAccumulates(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLedger(t, time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC))

	_, err := l.AppendUsage(ctx, Entry{UserID: 1, InputTokens: 100, OutputTokens: 50, Cost: 0.01, Model: "gpt-4o"})
	require.NoError(t, err)
	_, err = l.AppendUsage(ctx, Entry{UserID: 1, InputTokens: 10, OutputTokens: 5, Cost: 0.002, Model: "gpt-4o"})
	require.NoError(t, err)
	rec, err := l.AppendUsage(ctx, Entry{UserID: 1, InputTokens: 1, OutputTokens: 1, Cost: 0.5, Model: "claude-3.5-sonnet"})
	require.NoError(t, err)

	assert.Equal(t, "2026-03-14", rec.Date)
	assert.Equal(t, int64(3), rec.RequestCount)
	assert.Equal(t, int64(111), rec.InputTokens)
	assert.Equal(t, int64(56), rec.OutputTokens)
	assert.Equal(t, int64(167), rec.TotalTokens)
	assert.InDelta(t, 0.512, rec.TotalCost, 1e-9)

	require.Len(t, rec.ModelUsage, 2)
	gpt := rec.ModelUsage["gpt-4o"]
	assert.Equal(t, int64(2), gpt.Count)
	assert.Equal(t, int64(165), gpt.Tokens)
	assert.InDelta(t, 0.012, gpt.Cost, 1e-9)
	assert.Equal(t, int64(1), rec.ModelUsage["claude-3.5-sonnet"].Count)
}

func TestLedger_EmptyModelIsUnknown(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLedger(t, time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC))

	rec, err := l.AppendUsage(ctx, Entry{UserID: 1, InputTokens: 1, Model: "  "})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.ModelUsage[UnknownModel].Count)
}

func TestLedger_ModelNamesAreKeptVerbatim(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLedger(t, time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC))

	models := []string{`a\b`, `a`, `say "hi"`, `org.model-v1.5`, `org`, `$.x`}
	var rec *Record
	for round := 0; round < 2; round++ {
		for _, m := range models {
			var err error
			rec, err = l.AppendUsage(ctx, Entry{UserID: 1, InputTokens: 10, Cost: 0.01, Model: m})
			require.NoError(t, err)
		}
	}

	require.Len(t, rec.ModelUsage, len(models))
	for _, m := range models {
		got, ok := rec.ModelUsage[m]
		require.True(t, ok, "missing breakdown for %q", m)
		assert.Equal(t, int64(2), got.Count, m)
		assert.Equal(t, int64(20), got.Tokens, m)
		assert.InDelta(t, 0.02, got.Cost, 1e-9, m)
	}
}

func TestLedger_RejectsNegativeUsage(t *testing.T) {
	ctx := context.Background()
	l, _, repo := newTestLedger(t, time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC))

	_, err := l.AppendUsage(ctx, Entry{UserID: 1, InputTokens: -1})
	assert.ErrorIs(t, err, ErrInvalidUsage)
	_, err = l.AppendUsage(ctx, Entry{UserID: 1, Cost: -0.1})
	assert.ErrorIs(t, err, ErrInvalidUsage)

	rec, err := repo.Get(ctx, 1, "2026-03-14")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestLedger_TeamIDKeepsLastWriter(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLedger(t, time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC))

	rec, err := l.AppendUsage(ctx, Entry{UserID: 1, TeamID: int64Ptr(4)})
	require.NoError(t, err)
	require.NotNil(t, rec.TeamID)
	assert.Equal(t, int64(4), *rec.TeamID)

	rec, err = l.AppendUsage(ctx, Entry{UserID: 1})
	require.NoError(t, err)
	require.NotNil(t, rec.TeamID)
	assert.Equal(t, int64(4), *rec.TeamID)

	rec, err = l.AppendUsage(ctx, Entry{UserID: 1, TeamID: int64Ptr(9)})
	require.NoError(t, err)
	assert.Equal(t, int64(9), *rec.TeamID)
}

func TestLedger_GetOrCreateTodayConcurrent(t *testing.T) {
	ctx := context.Background()
	l, _, repo := newTestLedger(t, time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC))

	const n = 25
	ids := make([]int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := l.GetOrCreateToday(ctx, 42)
			if assert.NoError(t, err) {
				ids[i] = rec.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	records, err := repo.ListSince(ctx, 42, "2000-01-01")
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, int64(0), records[0].RequestCount)
}

func TestLedger_ConcurrentAppendsNoLostUpdates(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLedger(t, time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC))

	const (
		n      = 40
		tokens = 7
	)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.AppendUsage(ctx, Entry{UserID: 5, InputTokens: tokens, Cost: 0.25, Model: "m"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	rec, err := l.GetOrCreateToday(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(n), rec.RequestCount)
	assert.Equal(t, int64(n*tokens), rec.TotalTokens)
	assert.InDelta(t, n*0.25, rec.TotalCost, 1e-9)
	assert.Equal(t, int64(n), rec.ModelUsage["m"].Count)
	assert.Equal(t, int64(n*tokens), rec.ModelUsage["m"].Tokens)
}

func TestLedger_MonthlyTotalEqualsSumOfDailyRecords(t *testing.T) {
	ctx := context.Background()
	l, c, _ := newTestLedger(t, time.Date(2026, 2, 28, 23, 59, 0, 0, time.UTC))

	// Previous month, must not count.
	_, err := l.AppendUsage(ctx, Entry{UserID: 1, InputTokens: 1000, Cost: 9})
	require.NoError(t, err)

	var want Totals
	for day := 1; day <= 31; day += 3 {
		c.now = time.Date(2026, 3, day, 12, 0, 0, 0, time.UTC)
		for j := 0; j < day%4+1; j++ {
			e := Entry{UserID: 1, InputTokens: int64(day), OutputTokens: int64(j), Cost: float64(day) / 100}
			_, err := l.AppendUsage(ctx, e)
			require.NoError(t, err)
			want.Requests++
			want.Tokens += e.TotalTokens()
			want.Cost += e.Cost
		}
	}
	// Another user in the same month, must not count.
	_, err = l.AppendUsage(ctx, Entry{UserID: 2, InputTokens: 1000, Cost: 9})
	require.NoError(t, err)

	got, err := l.MonthlyTotal(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, want.Requests, got.Requests)
	assert.Equal(t, want.Tokens, got.Tokens)
	assert.InDelta(t, want.Cost, got.Cost, 1e-9)

	// Crossing into April starts from zero.
	c.now = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	got, err = l.MonthlyTotal(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, Totals{}, got)
}

func TestLedger_DayFollowsUTC(t *testing.T) {
	ctx := context.Background()
	loc := time.FixedZone("UTC+8", 8*3600)
	// 2026-03-15 02:00 in UTC+8 is still 2026-03-14 in UTC.
	l, _, _ := newTestLedger(t, time.Date(2026, 3, 15, 2, 0, 0, 0, loc))

	rec, err := l.GetOrCreateToday(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-14", rec.Date)
}

func TestLedger_HistoryNewestFirst(t *testing.T) {
	ctx := context.Background()
	l, c, _ := newTestLedger(t, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))

	for day := 1; day <= 10; day++ {
		c.now = time.Date(2026, 3, day, 9, 0, 0, 0, time.UTC)
		_, err := l.AppendUsage(ctx, Entry{UserID: 1, InputTokens: int64(day)})
		require.NoError(t, err)
	}

	records, err := l.History(ctx, 1, 3)
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, "2026-03-10", records[0].Date)
	assert.Equal(t, "2026-03-07", records[3].Date)

	records, err = l.ListUsage(ctx, 1, time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestLedger_Summaries(t *testing.T) {
	ctx := context.Background()
	db := dbtest.NewTestSQLite(t)
	_, err := db.Exec(`INSERT INTO users (id, username) VALUES (1, 'alice')`)
	require.NoError(t, err)

	c := &clock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	l := NewLedger(NewSQLiteRepository(db), WithClock(c.Now))

	for i := 0; i < 2; i++ {
		_, err := l.AppendUsage(ctx, Entry{UserID: 1, InputTokens: 10, Cost: 0.1})
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		_, err := l.AppendUsage(ctx, Entry{UserID: 2, InputTokens: 1, Cost: 0.01})
		require.NoError(t, err)
	}

	out, err := l.Summaries(ctx, 7)
	require.NoError(t, err)
	require.Len(t, out, 2)

	assert.Equal(t, int64(2), out[0].UserID)
	assert.Equal(t, "用户 #2", out[0].Username)
	assert.Equal(t, int64(3), out[0].Requests)

	assert.Equal(t, "alice", out[1].Username)
	assert.Equal(t, int64(20), out[1].Tokens)
	assert.InDelta(t, 0.2, out[1].Cost, 1e-9)
}

func TestMonthRange(t *testing.T) {
	from, to := MonthRange(time.Date(2026, 12, 31, 23, 0, 0, 0, time.UTC))
	assert.Equal(t, "2026-12-01", from)
	assert.Equal(t, "2027-01-01", to)
}
