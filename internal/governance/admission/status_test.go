package admission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptlab/gatekeeper/internal/governance/quota"
	"github.com/promptlab/gatekeeper/internal/governance/usage"
	"github.com/promptlab/gatekeeper/internal/ratelimit"
)

func TestBuildStatus(t *testing.T) {
	limits := quota.Limits{
		RequestsPerDay:   100,
		RequestsPerMonth: 3000,
		TokensPerDay:     0,
		TokensPerMonth:   1000,
		CostPerDay:       1,
		CostPerMonth:     30,
	}
	eff := quota.Effective{Limits: limits, Source: quota.SourceTeam, QuotaID: ptr(int64(4))}

	st := buildStatus(eff,
		usage.Totals{Requests: 120, Tokens: 50, Cost: 0.25},
		usage.Totals{Requests: 1000, Tokens: 333, Cost: 7.5},
	)

	assert.Equal(t, quota.SourceTeam, st.Quota.Source)
	assert.Equal(t, int64(120), st.TodayRequests)
	assert.Equal(t, int64(0), st.RemainingRequestsToday)
	assert.Equal(t, int64(0), st.RemainingTokensToday)
	assert.InDelta(t, 0.75, st.RemainingCostToday, 1e-9)
	assert.Equal(t, int64(2000), st.RemainingRequestsMonth)
	assert.Equal(t, int64(667), st.RemainingTokensMonth)
	assert.InDelta(t, 22.5, st.RemainingCostMonth, 1e-9)

	assert.Equal(t, 120.0, st.UsagePercentRequestsToday)
	assert.Equal(t, 0.0, st.UsagePercentTokensToday)
	assert.Equal(t, 25.0, st.UsagePercentCostToday)
	assert.Equal(t, 33.33, st.UsagePercentRequests)
	assert.Equal(t, 33.3, st.UsagePercentTokens)
	assert.Equal(t, 25.0, st.UsagePercentCost)
}

func TestController_QuotaStatus(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	id := Identity{UserID: 1}

	_, err := f.ctrl.Record(ctx, id, Usage{InputTokens: 600, OutputTokens: 400, Cost: 0.5, Model: "gpt-4o"})
	require.NoError(t, err)

	st, err := f.ctrl.QuotaStatus(ctx, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, quota.SourceDefault, st.Quota.Source)
	assert.Equal(t, int64(1), st.TodayRequests)
	assert.Equal(t, int64(1000), st.MonthTokens)
	assert.Equal(t, int64(9999), st.RemainingRequestsToday)
	assert.Equal(t, int64(999000), st.RemainingTokensToday)
	assert.InDelta(t, 9.5, st.RemainingCostToday, 1e-9)
	assert.Equal(t, 0.5, st.UsagePercentCost)
}

func TestController_UsageStats(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	stats := f.ctrl.UsageStats(ctx, 42)
	assert.Equal(t, 0, stats.RequestsLastMinute)
	assert.Equal(t, 60, stats.LimitPerMinute)
	assert.Equal(t, 1000, stats.LimitPerHour)
	assert.Equal(t, 10000, stats.LimitPerDay)
	require.Len(t, stats.Windows, 3)
	assert.Equal(t, ratelimit.Minute, stats.Windows[0].Window)

	f.ctrl.RecordRequest(ctx, 42)
	f.ctrl.RecordRequest(ctx, 42)
	f.clock.Advance(2 * time.Hour)

	stats = f.ctrl.UsageStats(ctx, 42)
	assert.Equal(t, 0, stats.RequestsLastMinute)
	assert.Equal(t, 0, stats.RequestsLastHour)
	assert.Equal(t, 2, stats.RequestsLastDay)
	assert.Equal(t, 9998, stats.Windows[2].Remaining)
}
