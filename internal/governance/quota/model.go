package quota

import (
	"errors"
	"time"
)

var (
	// ErrConfigNotFound is returned when an admin references a quota id that does not exist.
	ErrConfigNotFound = errors.New("quota config not found")
	// ErrInvalidTarget is returned when an admin sets a quota for an unknown user or team.
	ErrInvalidTarget = errors.New("quota target does not exist")
	// ErrInvalidScope is returned for a scope other than user or team.
	ErrInvalidScope = errors.New("invalid quota scope")
)

// Scope is what a QuotaConfig applies to.
type Scope string

const (
	ScopeUser Scope = "user"
	ScopeTeam Scope = "team"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	return s == ScopeUser || s == ScopeTeam
}

// Source identifies which precedence level produced an effective quota.
type Source string

const (
	SourceUser    Source = "user"
	SourceTeam    Source = "team"
	SourceDefault Source = "default"
)

// Limits holds every quota dimension.
type Limits struct {
	RequestsPerMinute int64   `json:"requests_per_minute"`
	RequestsPerHour   int64   `json:"requests_per_hour"`
	RequestsPerDay    int64   `json:"requests_per_day"`
	RequestsPerMonth  int64   `json:"requests_per_month"`
	TokensPerDay      int64   `json:"tokens_per_day"`
	TokensPerMonth    int64   `json:"tokens_per_month"`
	CostPerDay        float64 `json:"cost_per_day"`
	CostPerMonth      float64 `json:"cost_per_month"`
}

// DefaultLimits is the system-wide quota applied when no override matches.
func DefaultLimits() Limits {
	return Limits{
		RequestsPerMinute: 60,
		RequestsPerHour:   1000,
		RequestsPerDay:    10000,
		RequestsPerMonth:  100000,
		TokensPerDay:      1000000,
		TokensPerMonth:    10000000,
		CostPerDay:        10.0,
		CostPerMonth:      100.0,
	}
}

// PartialLimits is an admin update. Nil fields are left unchanged.
type PartialLimits struct {
	RequestsPerMinute *int64   `json:"requests_per_minute,omitempty" validate:"omitempty,gte=0"`
	RequestsPerHour   *int64   `json:"requests_per_hour,omitempty" validate:"omitempty,gte=0"`
	RequestsPerDay    *int64   `json:"requests_per_day,omitempty" validate:"omitempty,gte=0"`
	RequestsPerMonth  *int64   `json:"requests_per_month,omitempty" validate:"omitempty,gte=0"`
	TokensPerDay      *int64   `json:"tokens_per_day,omitempty" validate:"omitempty,gte=0"`
	TokensPerMonth    *int64   `json:"tokens_per_month,omitempty" validate:"omitempty,gte=0"`
	CostPerDay        *float64 `json:"cost_per_day,omitempty" validate:"omitempty,gte=0"`
	CostPerMonth      *float64 `json:"cost_per_month,omitempty" validate:"omitempty,gte=0"`
	IsActive          *bool    `json:"is_active,omitempty"`
	Description       *string  `json:"description,omitempty" validate:"omitempty,max=500"`
}

// Apply returns l with every supplied field of p written over it.
func (p PartialLimits) Apply(l Limits) Limits {
	if p.RequestsPerMinute != nil {
		l.RequestsPerMinute = *p.RequestsPerMinute
	}
	if p.RequestsPerHour != nil {
		l.RequestsPerHour = *p.RequestsPerHour
	}
	if p.RequestsPerDay != nil {
		l.RequestsPerDay = *p.RequestsPerDay
	}
	if p.RequestsPerMonth != nil {
		l.RequestsPerMonth = *p.RequestsPerMonth
	}
	if p.TokensPerDay != nil {
		l.TokensPerDay = *p.TokensPerDay
	}
	if p.TokensPerMonth != nil {
		l.TokensPerMonth = *p.TokensPerMonth
	}
	if p.CostPerDay != nil {
		l.CostPerDay = *p.CostPerDay
	}
	if p.CostPerMonth != nil {
		l.CostPerMonth = *p.CostPerMonth
	}
	return l
}

// Config matches the api_quotas table: an explicit override for one user or team.
type Config struct {
	ID          int64     `json:"id"`
	Scope       Scope     `json:"scope"`
	TargetID    int64     `json:"target_id"`
	TargetName  string    `json:"target_name,omitempty"`
	IsActive    bool      `json:"is_active"`
	Description *string   `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Limits
}

// Effective is the quota governing a request after precedence is applied.
type Effective struct {
	Limits
	Source  Source `json:"source"`
	QuotaID *int64 `json:"quota_id"`
}

// ListParams filters and paginates admin listings.
type ListParams struct {
	Scope    Scope
	Page     int
	PageSize int
}

// DefaultListParams returns sensible defaults.
func DefaultListParams() ListParams {
	return ListParams{Page: 1, PageSize: 50}
}
