package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gatekeeper_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	AdmissionDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_admission_decisions_total",
			Help: "Admission decisions by stage and outcome.",
		},
		[]string{"stage", "outcome"},
	)

	RateLimitDeniedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_ratelimit_denied_total",
			Help: "Requests rejected by a sliding window.",
		},
		[]string{"limiter", "window"},
	)

	RateLimitTrackedKeys = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gatekeeper_ratelimit_tracked_keys",
			Help: "Keys held by in-memory rate limiters after the last sweep.",
		},
		[]string{"limiter"},
	)

	RateLimitSweptKeysTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_ratelimit_swept_keys_total",
			Help: "Idle keys evicted from in-memory rate limiters.",
		},
		[]string{"limiter"},
	)

	QuotaCacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_quota_cache_lookups_total",
			Help: "Effective quota cache lookups by result.",
		},
		[]string{"result"},
	)

	UsageRecordedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_usage_recorded_total",
			Help: "AI calls appended to the usage ledger.",
		},
		[]string{"model"},
	)

	UsageTokensTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gatekeeper_usage_tokens_total",
			Help: "Tokens appended to the usage ledger.",
		},
	)

	UsageCostTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gatekeeper_usage_cost_dollars_total",
			Help: "Cost in dollars appended to the usage ledger.",
		},
	)

	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_events_published_total",
			Help: "Admission events published to NATS by subject and status.",
		},
		[]string{"subject", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		AdmissionDecisionsTotal,
		RateLimitDeniedTotal,
		RateLimitTrackedKeys,
		RateLimitSweptKeysTotal,
		QuotaCacheLookupsTotal,
		UsageRecordedTotal,
		UsageTokensTotal,
		UsageCostTotal,
		EventsPublishedTotal,
	)
}
