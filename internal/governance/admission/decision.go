package admission

import (
	"fmt"
	"time"

	"github.com/promptlab/gatekeeper/internal/governance/audit"
	"github.com/promptlab/gatekeeper/internal/ratelimit"
)

// Dimension names a quota limit checked against the ledger.
type Dimension string

// Quota dimensions in the order they are checked.
const (
	RequestsPerDay   Dimension = "requests_per_day"
	RequestsPerMonth Dimension = "requests_per_month"
	TokensPerDay     Dimension = "tokens_per_day"
	TokensPerMonth   Dimension = "tokens_per_month"
	CostPerDay       Dimension = "cost_per_day"
	CostPerMonth     Dimension = "cost_per_month"
)

// Limiter scopes.
const (
	ScopeIP   = "ip"
	ScopeUser = "user"
)

var windowLabels = map[string]string{
	ratelimit.Minute: "每分钟",
	ratelimit.Hour:   "每小时",
	ratelimit.Day:    "每天",
}

// WindowLabel returns the user-facing name of a sliding window.
func WindowLabel(name string) string {
	if l, ok := windowLabels[name]; ok {
		return l
	}
	return name
}

// RateLimitExceeded is a denial by a sliding window.
type RateLimitExceeded struct {
	Scope      string        `json:"scope"`
	Window     string        `json:"window"`
	Limit      int           `json:"limit"`
	RetryAfter time.Duration `json:"-"`
}

func (e *RateLimitExceeded) Error() string {
	if e.Scope == ScopeIP {
		return fmt.Sprintf("请求过于频繁，%s限制%d次请求", WindowLabel(e.Window), e.Limit)
	}
	return fmt.Sprintf("%s请求次数超限（%d次）", WindowLabel(e.Window), e.Limit)
}

// RetryAfterSeconds rounds the retry hint up to whole seconds.
func (e *RateLimitExceeded) RetryAfterSeconds() int {
	return int((e.RetryAfter + time.Second - 1) / time.Second)
}

// NewRateLimitExceeded builds the denial for a rejected window result.
func NewRateLimitExceeded(scope string, res ratelimit.Result) *RateLimitExceeded {
	return &RateLimitExceeded{
		Scope:      scope,
		Window:     res.Exceeded.Name,
		Limit:      res.Exceeded.Max,
		RetryAfter: res.RetryAfter(),
	}
}

// QuotaExceeded is a denial by a ledger-backed quota dimension.
type QuotaExceeded struct {
	Dimension Dimension `json:"dimension"`
	Limit     float64   `json:"limit"`
	Used      float64   `json:"used"`
}

func (e *QuotaExceeded) Error() string {
	switch e.Dimension {
	case RequestsPerDay:
		return fmt.Sprintf("今日 API 调用次数已达上限 (%d 次)", int64(e.Limit))
	case RequestsPerMonth:
		return fmt.Sprintf("本月 API 调用次数已达上限 (%d 次)", int64(e.Limit))
	case TokensPerDay:
		return fmt.Sprintf("今日 Token 使用量已达上限 (%d)", int64(e.Limit))
	case TokensPerMonth:
		return fmt.Sprintf("本月 Token 使用量已达上限 (%d)", int64(e.Limit))
	case CostPerDay:
		return fmt.Sprintf("今日费用已达上限 ($%.2f)", e.Limit)
	case CostPerMonth:
		return fmt.Sprintf("本月费用已达上限 ($%.2f)", e.Limit)
	default:
		return fmt.Sprintf("%s 已达上限 (%v)", e.Dimension, e.Limit)
	}
}

// Decision is the outcome of an admission check. Denials are values, not errors.
type Decision struct {
	Allowed   bool
	Stage     string
	RateLimit *RateLimitExceeded
	Quota     *QuotaExceeded
}

// Reason is the user-facing denial message, empty when allowed.
func (d Decision) Reason() string {
	if err := d.Err(); err != nil {
		return err.Error()
	}
	return ""
}

// Err returns the denial as an error, nil when allowed.
func (d Decision) Err() error {
	switch {
	case d.RateLimit != nil:
		return d.RateLimit
	case d.Quota != nil:
		return d.Quota
	default:
		return nil
	}
}

// Cause is the exceeded window or dimension name, empty when allowed.
func (d Decision) Cause() string {
	switch {
	case d.RateLimit != nil:
		return d.RateLimit.Window
	case d.Quota != nil:
		return string(d.Quota.Dimension)
	default:
		return ""
	}
}

func allowed() Decision {
	return Decision{Allowed: true}
}

func deniedByWindow(e *RateLimitExceeded) Decision {
	return Decision{Stage: audit.StageUserWindow, RateLimit: e}
}

func deniedByQuota(e *QuotaExceeded) Decision {
	return Decision{Stage: audit.StageQuota, Quota: e}
}
