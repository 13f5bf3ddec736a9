package admission

import (
	"context"
	"fmt"
	"math"

	"github.com/promptlab/gatekeeper/internal/governance/quota"
	"github.com/promptlab/gatekeeper/internal/governance/usage"
	"github.com/promptlab/gatekeeper/internal/ratelimit"
)

// WindowStat is one sliding window's current count for a user.
type WindowStat struct {
	Window    string `json:"window"`
	Count     int    `json:"count"`
	Limit     int    `json:"limit"`
	Remaining int    `json:"remaining"`
}

// UsageStats is a user's position in the per-user sliding windows.
type UsageStats struct {
	RequestsLastMinute int          `json:"requests_last_minute"`
	RequestsLastHour   int          `json:"requests_last_hour"`
	RequestsLastDay    int          `json:"requests_last_day"`
	LimitPerMinute     int          `json:"limit_per_minute"`
	LimitPerHour       int          `json:"limit_per_hour"`
	LimitPerDay        int          `json:"limit_per_day"`
	Windows            []WindowStat `json:"windows"`
}

// UsageStats reports the user's sliding-window counts and limits.
func (c *Controller) UsageStats(ctx context.Context, userID int64) UsageStats {
	counts := c.window.Usage(ctx, userKey(userID))

	stats := UsageStats{Windows: make([]WindowStat, 0, len(counts))}
	for _, wc := range counts {
		stats.Windows = append(stats.Windows, WindowStat{
			Window:    wc.Window.Name,
			Count:     wc.Count,
			Limit:     wc.Window.Max,
			Remaining: wc.Remaining(),
		})
		switch wc.Window.Name {
		case ratelimit.Minute:
			stats.RequestsLastMinute, stats.LimitPerMinute = wc.Count, wc.Window.Max
		case ratelimit.Hour:
			stats.RequestsLastHour, stats.LimitPerHour = wc.Count, wc.Window.Max
		case ratelimit.Day:
			stats.RequestsLastDay, stats.LimitPerDay = wc.Count, wc.Window.Max
		}
	}
	return stats
}

// QuotaStatus is the effective quota next to today's and this month's usage.
type QuotaStatus struct {
	Quota quota.Effective `json:"quota"`

	TodayRequests int64   `json:"today_requests"`
	TodayTokens   int64   `json:"today_tokens"`
	TodayCost     float64 `json:"today_cost"`
	MonthRequests int64   `json:"month_requests"`
	MonthTokens   int64   `json:"month_tokens"`
	MonthCost     float64 `json:"month_cost"`

	RemainingRequestsToday int64   `json:"remaining_requests_today"`
	RemainingTokensToday   int64   `json:"remaining_tokens_today"`
	RemainingCostToday     float64 `json:"remaining_cost_today"`
	RemainingRequestsMonth int64   `json:"remaining_requests_month"`
	RemainingTokensMonth   int64   `json:"remaining_tokens_month"`
	RemainingCostMonth     float64 `json:"remaining_cost_month"`

	UsagePercentRequestsToday float64 `json:"usage_percent_requests_today"`
	UsagePercentTokensToday   float64 `json:"usage_percent_tokens_today"`
	UsagePercentCostToday     float64 `json:"usage_percent_cost_today"`
	UsagePercentRequests      float64 `json:"usage_percent_requests"`
	UsagePercentTokens        float64 `json:"usage_percent_tokens"`
	UsagePercentCost          float64 `json:"usage_percent_cost"`
}

// QuotaStatus reports the user's quota, usage and headroom. Monthly
// percentages keep their unsuffixed names.
func (c *Controller) QuotaStatus(ctx context.Context, userID int64, teamID *int64) (*QuotaStatus, error) {
	eff, err := c.resolver.EffectiveQuota(ctx, userID, teamID)
	if err != nil {
		return nil, fmt.Errorf("resolving quota: %w", err)
	}
	rec, err := c.ledger.GetOrCreateToday(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading today's usage: %w", err)
	}
	month, err := c.ledger.MonthlyTotal(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading monthly usage: %w", err)
	}
	return buildStatus(eff, rec.Totals(), month), nil
}

func buildStatus(eff quota.Effective, today, month usage.Totals) *QuotaStatus {
	l := eff.Limits
	return &QuotaStatus{
		Quota: eff,

		TodayRequests: today.Requests,
		TodayTokens:   today.Tokens,
		TodayCost:     today.Cost,
		MonthRequests: month.Requests,
		MonthTokens:   month.Tokens,
		MonthCost:     month.Cost,

		RemainingRequestsToday: max(0, l.RequestsPerDay-today.Requests),
		RemainingTokensToday:   max(0, l.TokensPerDay-today.Tokens),
		RemainingCostToday:     max(0, l.CostPerDay-today.Cost),
		RemainingRequestsMonth: max(0, l.RequestsPerMonth-month.Requests),
		RemainingTokensMonth:   max(0, l.TokensPerMonth-month.Tokens),
		RemainingCostMonth:     max(0, l.CostPerMonth-month.Cost),

		UsagePercentRequestsToday: percent(float64(today.Requests), float64(l.RequestsPerDay)),
		UsagePercentTokensToday:   percent(float64(today.Tokens), float64(l.TokensPerDay)),
		UsagePercentCostToday:     percent(today.Cost, l.CostPerDay),
		UsagePercentRequests:      percent(float64(month.Requests), float64(l.RequestsPerMonth)),
		UsagePercentTokens:        percent(float64(month.Tokens), float64(l.TokensPerMonth)),
		UsagePercentCost:          percent(month.Cost, l.CostPerMonth),
	}
}

// percent is used/limit as a percentage rounded to 2 decimals, 0 for a zero limit.
func percent(used, limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	return math.Round(used/limit*100*100) / 100
}
