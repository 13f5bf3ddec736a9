package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/promptlab/gatekeeper/internal/metrics"
)

// ErrInvalidUsage is returned for negative token counts or cost.
var ErrInvalidUsage = errors.New("invalid usage entry")

// Ledger is the authoritative record of consumed usage. Monthly figures are
// always derived from the daily records, never stored separately.
type Ledger struct {
	repo Repository
	now  func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// NewLedger creates a Ledger over repo.
func NewLedger(repo Repository, opts ...Option) *Ledger {
	l := &Ledger{repo: repo, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Now returns the ledger's current time.
func (l *Ledger) Now() time.Time {
	return l.now()
}

// GetOrCreateToday returns the user's record for the current UTC day,
// creating it on first access. Concurrent callers converge on one row.
func (l *Ledger) GetOrCreateToday(ctx context.Context, userID int64) (*Record, error) {
	return l.repo.GetOrCreate(ctx, userID, Day(l.now()))
}

// MonthlyTotal sums the user's daily records in the current UTC month.
func (l *Ledger) MonthlyTotal(ctx context.Context, userID int64) (Totals, error) {
	from, to := MonthRange(l.now())
	return l.repo.Sum(ctx, userID, from, to)
}

// AppendUsage adds one completed call's usage to today's record atomically.
func (l *Ledger) AppendUsage(ctx context.Context, e Entry) (*Record, error) {
	if e.InputTokens < 0 || e.OutputTokens < 0 || e.Cost < 0 {
		return nil, fmt.Errorf("%w: tokens and cost must not be negative", ErrInvalidUsage)
	}
	e.Model = NormalizeModel(e.Model)

	rec, err := l.repo.Append(ctx, e, Day(l.now()))
	if err != nil {
		return nil, err
	}

	metrics.UsageRecordedTotal.WithLabelValues(e.Model).Inc()
	metrics.UsageTokensTotal.Add(float64(e.TotalTokens()))
	metrics.UsageCostTotal.Add(e.Cost)
	return rec, nil
}

// ListUsage returns the user's daily records from since (inclusive), newest first.
func (l *Ledger) ListUsage(ctx context.Context, userID int64, since time.Time) ([]Record, error) {
	return l.repo.ListSince(ctx, userID, Day(since))
}

// History returns the user's daily records for the last days days.
func (l *Ledger) History(ctx context.Context, userID int64, days int) ([]Record, error) {
	return l.ListUsage(ctx, userID, l.now().AddDate(0, 0, -days))
}

// Summaries aggregates every user's usage over the last days days. Users
// missing from the directory are labelled by id.
func (l *Ledger) Summaries(ctx context.Context, days int) ([]Summary, error) {
	out, err := l.repo.Summaries(ctx, Day(l.now().AddDate(0, 0, -days)))
	if err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].Username == "" {
			out[i].Username = fmt.Sprintf("用户 #%d", out[i].UserID)
		}
	}
	return out, nil
}
