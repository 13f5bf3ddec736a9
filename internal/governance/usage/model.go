package usage

import (
	"strings"
	"time"
)

// DateLayout is the storage and wire format of a usage day.
const DateLayout = "2006-01-02"

// UnknownModel names usage recorded without a model.
const UnknownModel = "unknown"

// ModelUsage accumulates one model's share of a day's usage.
type ModelUsage struct {
	Count  int64   `json:"count"`
	Tokens int64   `json:"tokens"`
	Cost   float64 `json:"cost"`
}

// Record matches the api_usage table: one row per user per UTC day.
type Record struct {
	ID           int64                 `json:"id"`
	UserID       int64                 `json:"user_id"`
	TeamID       *int64                `json:"team_id,omitempty"`
	Date         string                `json:"date"`
	RequestCount int64                 `json:"requests"`
	InputTokens  int64                 `json:"input_tokens"`
	OutputTokens int64                 `json:"output_tokens"`
	TotalTokens  int64                 `json:"tokens"`
	TotalCost    float64               `json:"cost"`
	ModelUsage   map[string]ModelUsage `json:"model_usage"`
	CreatedAt    time.Time             `json:"created_at"`
	UpdatedAt    time.Time             `json:"updated_at"`
}

// Totals is an aggregate over one or more records.
type Totals struct {
	Requests int64   `json:"requests"`
	Tokens   int64   `json:"tokens"`
	Cost     float64 `json:"cost"`
}

// Totals returns the record's counters as an aggregate. A nil record is zero.
func (r *Record) Totals() Totals {
	if r == nil {
		return Totals{}
	}
	return Totals{Requests: r.RequestCount, Tokens: r.TotalTokens, Cost: r.TotalCost}
}

// Entry is the actual usage of one completed AI call.
type Entry struct {
	UserID       int64
	TeamID       *int64
	InputTokens  int64
	OutputTokens int64
	Cost         float64
	Model        string
}

// TotalTokens is input plus output tokens.
func (e Entry) TotalTokens() int64 {
	return e.InputTokens + e.OutputTokens
}

// Summary is one user's aggregate over a reporting period.
type Summary struct {
	UserID   int64   `json:"user_id"`
	Username string  `json:"username"`
	Requests int64   `json:"total_requests"`
	Tokens   int64   `json:"total_tokens"`
	Cost     float64 `json:"total_cost"`
}

// Day returns the UTC calendar day of t.
func Day(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// MonthRange returns the first day of t's UTC month and the first day of the
// next month, for half-open range queries.
func MonthRange(t time.Time) (string, string) {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start.Format(DateLayout), start.AddDate(0, 1, 0).Format(DateLayout)
}

// NormalizeModel returns the breakdown key for a model name. Names are kept
// verbatim apart from surrounding whitespace; an empty name is UnknownModel.
func NormalizeModel(model string) string {
	model = strings.TrimSpace(model)
	if model == "" {
		return UnknownModel
	}
	return model
}
