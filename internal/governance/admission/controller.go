// Package admission decides whether an authenticated caller may make an AI
// call, and accounts for the call once it completes.
package admission

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/promptlab/gatekeeper/internal/governance/audit"
	"github.com/promptlab/gatekeeper/internal/governance/quota"
	"github.com/promptlab/gatekeeper/internal/governance/usage"
	"github.com/promptlab/gatekeeper/internal/metrics"
	"github.com/promptlab/gatekeeper/internal/ratelimit"
)

// QuotaResolver returns the limits governing a user.
type QuotaResolver interface {
	EffectiveQuota(ctx context.Context, userID int64, teamID *int64) (quota.Effective, error)
}

// Ledger is the subset of usage.Ledger the controller reads and writes.
type Ledger interface {
	GetOrCreateToday(ctx context.Context, userID int64) (*usage.Record, error)
	MonthlyTotal(ctx context.Context, userID int64) (usage.Totals, error)
	AppendUsage(ctx context.Context, e usage.Entry) (*usage.Record, error)
}

// Events receives denials and recorded usage. Implementations must not block
// the request for long and must not fail it.
type Events interface {
	AdmissionDenied(ctx context.Context, v audit.Violation)
	UsageRecorded(ctx context.Context, e usage.Entry, rec *usage.Record)
}

type nopEvents struct{}

func (nopEvents) AdmissionDenied(context.Context, audit.Violation) {}
func (nopEvents) UsageRecorded(context.Context, usage.Entry, *usage.Record) {}

// Identity is the authenticated caller.
type Identity struct {
	UserID int64
	TeamID *int64
	IP     string
}

// Usage is the actual consumption of one completed AI call.
type Usage struct {
	InputTokens  int64   `json:"input_tokens" validate:"gte=0"`
	OutputTokens int64   `json:"output_tokens" validate:"gte=0"`
	Cost         float64 `json:"cost" validate:"gte=0"`
	Model        string  `json:"model" validate:"max=100"`
}

// Controller runs the per-user window and quota stages of admission. The edge
// stage lives in the HTTP middleware.
type Controller struct {
	window   ratelimit.Counter
	resolver QuotaResolver
	ledger   Ledger
	events   Events
}

// NewController creates a Controller. A nil events discards them.
func NewController(window ratelimit.Counter, resolver QuotaResolver, ledger Ledger, events Events) *Controller {
	if events == nil {
		events = nopEvents{}
	}
	return &Controller{
		window:   window,
		resolver: resolver,
		ledger:   ledger,
		events:   events,
	}
}

// Check evaluates the per-user sliding window, then the quota. Denials are
// returned as a Decision; the error is reserved for store failures.
func (c *Controller) Check(ctx context.Context, id Identity) (Decision, error) {
	if res := c.window.Allow(ctx, userKey(id.UserID)); !res.Allowed {
		d := deniedByWindow(NewRateLimitExceeded(ScopeUser, res))
		metrics.RateLimitDeniedTotal.WithLabelValues("user", res.Exceeded.Name).Inc()
		c.deny(ctx, id, d)
		return d, nil
	}

	d, err := c.checkQuota(ctx, id)
	if err != nil {
		metrics.AdmissionDecisionsTotal.WithLabelValues(audit.StageQuota, "error").Inc()
		return Decision{}, err
	}
	if !d.Allowed {
		c.deny(ctx, id, d)
		return d, nil
	}

	metrics.AdmissionDecisionsTotal.WithLabelValues(audit.StageQuota, "allowed").Inc()
	return d, nil
}

// CheckRateLimit is Check flattened to an allowed flag and a reason.
func (c *Controller) CheckRateLimit(ctx context.Context, id Identity) (bool, string, error) {
	d, err := c.Check(ctx, id)
	if err != nil {
		return false, "", err
	}
	return d.Allowed, d.Reason(), nil
}

// RecordRequest counts one admitted call in the user's sliding windows.
func (c *Controller) RecordRequest(ctx context.Context, userID int64) {
	c.window.Record(ctx, userKey(userID))
}

// Record accounts for one completed AI call in the sliding windows and the
// ledger. A ledger failure is returned even though the call already happened.
func (c *Controller) Record(ctx context.Context, id Identity, u Usage) (*usage.Record, error) {
	entry := usage.Entry{
		UserID:       id.UserID,
		TeamID:       id.TeamID,
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		Cost:         u.Cost,
		Model:        usage.NormalizeModel(u.Model),
	}

	c.window.Record(ctx, userKey(id.UserID))

	rec, err := c.ledger.AppendUsage(ctx, entry)
	if err != nil {
		slog.Error("appending usage failed", "user_id", id.UserID, "tokens", entry.TotalTokens(), "cost", entry.Cost, "error", err)
		return nil, fmt.Errorf("recording usage: %w", err)
	}

	c.events.UsageRecorded(ctx, entry, rec)
	return rec, nil
}

func (c *Controller) checkQuota(ctx context.Context, id Identity) (Decision, error) {
	eff, err := c.resolver.EffectiveQuota(ctx, id.UserID, id.TeamID)
	if err != nil {
		return Decision{}, fmt.Errorf("resolving quota: %w", err)
	}
	today, err := c.ledger.GetOrCreateToday(ctx, id.UserID)
	if err != nil {
		return Decision{}, fmt.Errorf("loading today's usage: %w", err)
	}
	month, err := c.ledger.MonthlyTotal(ctx, id.UserID)
	if err != nil {
		return Decision{}, fmt.Errorf("loading monthly usage: %w", err)
	}
	return evaluate(eff.Limits, today.Totals(), month), nil
}

// evaluate compares usage against limits, daily before monthly and requests
// before tokens before cost. The first dimension at or over its limit denies.
func evaluate(l quota.Limits, today, month usage.Totals) Decision {
	checks := []struct {
		dim   Dimension
		used  float64
		limit float64
	}{
		{RequestsPerDay, float64(today.Requests), float64(l.RequestsPerDay)},
		{RequestsPerMonth, float64(month.Requests), float64(l.RequestsPerMonth)},
		{TokensPerDay, float64(today.Tokens), float64(l.TokensPerDay)},
		{TokensPerMonth, float64(month.Tokens), float64(l.TokensPerMonth)},
		{CostPerDay, today.Cost, l.CostPerDay},
		{CostPerMonth, month.Cost, l.CostPerMonth},
	}
	for _, ch := range checks {
		if ch.used >= ch.limit {
			return deniedByQuota(&QuotaExceeded{Dimension: ch.dim, Limit: ch.limit, Used: ch.used})
		}
	}
	return allowed()
}

func (c *Controller) deny(ctx context.Context, id Identity, d Decision) {
	metrics.AdmissionDecisionsTotal.WithLabelValues(d.Stage, "denied").Inc()
	slog.Info("admission denied", "user_id", id.UserID, "stage", d.Stage, "cause", d.Cause(), "reason", d.Reason())

	uid := id.UserID
	c.events.AdmissionDenied(ctx, audit.Violation{
		UserID:    &uid,
		IPAddress: id.IP,
		Stage:     d.Stage,
		Reason:    d.Reason(),
		Detail:    d.Cause(),
	})
}

func userKey(userID int64) string {
	return strconv.FormatInt(userID, 10)
}
