package audit

import (
	"time"

	"github.com/google/uuid"
)

// Stages at which a request can be denied.
const (
	StageEdge       = "edge"
	StageUserWindow = "user_window"
	StageQuota      = "quota"
)

// Violation matches the admission_violations table: one denied request.
type Violation struct {
	ID        uuid.UUID `json:"id"`
	UserID    *int64    `json:"user_id,omitempty"`
	IPAddress string    `json:"ip_address,omitempty"`
	Stage     string    `json:"stage"`
	Reason    string    `json:"reason"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

// ListParams holds pagination and filtering parameters for violation queries.
type ListParams struct {
	UserID   *int64
	Stage    string
	From     *time.Time
	Page     int
	PageSize int
}

// DefaultListParams returns sensible defaults.
func DefaultListParams() ListParams {
	return ListParams{
		Page:     1,
		PageSize: 20,
	}
}
