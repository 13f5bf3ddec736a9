package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/promptlab/gatekeeper/internal/governance/admission"
	"github.com/promptlab/gatekeeper/internal/governance/audit"
	"github.com/promptlab/gatekeeper/internal/metrics"
	"github.com/promptlab/gatekeeper/internal/ratelimit"
)

// DefaultExcludedPaths bypass the edge limiter entirely.
var DefaultExcludedPaths = []string{"/health", "/docs", "/redoc", "/openapi.json", "/static/", "/metrics"}

// ViolationRecorder receives edge denials.
type ViolationRecorder interface {
	AdmissionDenied(ctx context.Context, v audit.Violation)
}

// EdgeLimiter applies a per-IP sliding window to every inbound request.
//
// A flood from one address is recorded as a single violation per window
// length, so rejecting it never costs a store write per request.
type EdgeLimiter struct {
	counter    ratelimit.Counter
	violations ViolationRecorder
	excluded   []string
	reported   *ristretto.Cache[string, struct{}]
}

// NewEdgeLimiter creates an EdgeLimiter. With no excluded prefixes,
// DefaultExcludedPaths is used. violations may be nil.
func NewEdgeLimiter(counter ratelimit.Counter, violations ViolationRecorder, excluded ...string) (*EdgeLimiter, error) {
	if len(excluded) == 0 {
		excluded = DefaultExcludedPaths
	}
	reported, err := ristretto.NewCache(&ristretto.Config[string, struct{}]{
		NumCounters:        1e6,
		MaxCost:            1e5,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating edge violation cache: %w", err)
	}
	return &EdgeLimiter{counter: counter, violations: violations, excluded: excluded, reported: reported}, nil
}

// Close releases the violation cache.
func (l *EdgeLimiter) Close() {
	l.reported.Close()
}

// Middleware returns an HTTP middleware that enforces the edge limit.
// Backend failures fail open inside the counter.
func (l *EdgeLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || l.isExcluded(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		ip := ClientIP(r)
		res := l.counter.Take(r.Context(), ip)
		if !res.Allowed {
			l.reject(w, r, ip, res)
			return
		}

		for _, c := range res.Counts {
			suffix := headerSuffix(c.Window.Name)
			w.Header().Set("X-RateLimit-Limit-"+suffix, strconv.Itoa(c.Window.Max))
			// Counts were taken before this request was recorded.
			w.Header().Set("X-RateLimit-Remaining-"+suffix, strconv.Itoa(max(0, c.Remaining()-1)))
		}
		next.ServeHTTP(w, r)
	})
}

func (l *EdgeLimiter) reject(w http.ResponseWriter, r *http.Request, ip string, res ratelimit.Result) {
	e := admission.NewRateLimitExceeded(admission.ScopeIP, res)

	metrics.RateLimitDeniedTotal.WithLabelValues("edge", e.Window).Inc()
	metrics.AdmissionDecisionsTotal.WithLabelValues(audit.StageEdge, "denied").Inc()

	if l.violations != nil && l.firstDenial(ip, e.Window, e.RetryAfter) {
		l.violations.AdmissionDenied(r.Context(), audit.Violation{
			IPAddress: ip,
			Stage:     audit.StageEdge,
			Reason:    e.Error(),
			Detail:    r.Method + " " + r.URL.Path,
		})
	}

	w.Header().Set("Retry-After", strconv.Itoa(e.RetryAfterSeconds()))
	writeJSON(w, http.StatusTooManyRequests, errorBody{
		Error: e.Error(),
		Data: map[string]any{
			"limit":       e.Limit,
			"window":      e.Window,
			"retry_after": e.RetryAfterSeconds(),
		},
	})
}

// firstDenial reports whether ip has not been recorded for window within
// the last ttl, and marks it recorded.
func (l *EdgeLimiter) firstDenial(ip, window string, ttl time.Duration) bool {
	key := ip + "|" + window
	if _, ok := l.reported.Get(key); ok {
		return false
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	l.reported.SetWithTTL(key, struct{}{}, 1, ttl)
	l.reported.Wait()
	return true
}

func (l *EdgeLimiter) isExcluded(path string) bool {
	for _, p := range l.excluded {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func headerSuffix(window string) string {
	if window == "" {
		return window
	}
	return strings.ToUpper(window[:1]) + window[1:]
}

// errorBody mirrors api.Response for handlers that run before the router.
type errorBody struct {
	Error string `json:"error"`
	Data  any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
