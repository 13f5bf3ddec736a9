package nats

import "time"

// FetchTimeout is the default timeout for batch fetching messages from consumers.
const FetchTimeout = 2 * time.Second

// Stream names.
const (
	StreamEvents = "GATEKEEPER_EVENTS"
)

// Subject constants.
const (
	SubjectEvents          = "gatekeeper.events.>"
	SubjectAdmissionDenied = "gatekeeper.events.admission.denied"
	SubjectUsageRecorded   = "gatekeeper.events.usage.recorded"
)

// SubjectQuotaChanged is plain core NATS, outside the events stream, so that
// every instance receives every message instead of sharing a consumer.
const SubjectQuotaChanged = "gatekeeper.control.quota.changed"

// QuotaChangedEvent tells every instance to drop its cached quota
// resolutions. Origin identifies the sender so it can skip its own message.
type QuotaChangedEvent struct {
	Origin    string    `json:"origin"`
	QuotaID   int64     `json:"quota_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AdmissionDeniedEvent is published whenever a request is rejected by the
// edge limiter, the per-user window or a quota.
type AdmissionDeniedEvent struct {
	ID        string    `json:"id"`
	UserID    *int64    `json:"user_id,omitempty"`
	IPAddress string    `json:"ip_address,omitempty"`
	Stage     string    `json:"stage"`  // edge, user_window, quota
	Reason    string    `json:"reason"` // window or dimension name
	Detail    string    `json:"detail"`
	Timestamp time.Time `json:"timestamp"`
}

// UsageRecordedEvent is published after a completed AI call is appended to
// the usage ledger, for downstream billing.
type UsageRecordedEvent struct {
	UserID       int64     `json:"user_id"`
	TeamID       *int64    `json:"team_id,omitempty"`
	Model        string    `json:"model"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	Cost         float64   `json:"cost"`
	UsageDate    string    `json:"usage_date"`
	Timestamp    time.Time `json:"timestamp"`
}
