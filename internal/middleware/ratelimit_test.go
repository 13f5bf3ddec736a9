package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/promptlab/gatekeeper/internal/governance/audit"
	"github.com/promptlab/gatekeeper/internal/ratelimit"
)

type violationLog struct {
	mu   sync.Mutex
	list []audit.Violation
}

func (v *violationLog) AdmissionDenied(_ context.Context, vio audit.Violation) {
	v.mu.Lock()
	v.list = append(v.list, vio)
	v.mu.Unlock()
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func doRequest(h http.Handler, method, path, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = remoteAddr
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func setupRedisEdge(t *testing.T, perMinute, perHour int) (*EdgeLimiter, *miniredis.Miniredis, *violationLog) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	log := &violationLog{}
	counter := ratelimit.NewRedisLimiter(client, "ratelimit:edge:", ratelimit.MinuteHour(perMinute, perHour))
	el, err := NewEdgeLimiter(counter, log)
	if err != nil {
		t.Fatalf("creating edge limiter: %v", err)
	}
	t.Cleanup(el.Close)
	return el, mr, log
}

func TestEdgeLimiter_AllowsUnderLimit(t *testing.T) {
	el, _, _ := setupRedisEdge(t, 5, 100)
	handler := el.Middleware(okHandler)

	for i := 0; i < 5; i++ {
		rec := doRequest(handler, "POST", "/api/v1/admission/check", "192.168.1.1:12345")
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
	}
}

func TestEdgeLimiter_BlocksOverLimit(t *testing.T) {
	el, _, log := setupRedisEdge(t, 3, 100)
	handler := el.Middleware(okHandler)

	for i := 0; i < 3; i++ {
		rec := doRequest(handler, "POST", "/api/v1/admission/check", "10.0.0.1:12345")
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
	}

	// 4th request should be blocked
	rec := doRequest(handler, "POST", "/api/v1/admission/check", "10.0.0.1:12345")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected Retry-After: 60, got %q", rec.Header().Get("Retry-After"))
	}

	var body struct {
		Error string `json:"error"`
		Data  struct {
			Limit      int    `json:"limit"`
			Window     string `json:"window"`
			RetryAfter int    `json:"retry_after"`
		} `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body.Error != "请求过于频繁，每分钟限制3次请求" {
		t.Fatalf("unexpected error message %q", body.Error)
	}
	if body.Data.Limit != 3 || body.Data.Window != "minute" || body.Data.RetryAfter != 60 {
		t.Fatalf("unexpected data: %+v", body.Data)
	}

	if len(log.list) != 1 {
		t.Fatalf("expected 1 violation, got %d", len(log.list))
	}
	v := log.list[0]
	if v.Stage != audit.StageEdge || v.IPAddress != "10.0.0.1" || v.UserID != nil {
		t.Fatalf("unexpected violation: %+v", v)
	}
}

func TestEdgeLimiter_HourWindow(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	counter := ratelimit.NewMemoryLimiter(ratelimit.MinuteHour(2, 3), ratelimit.WithClock(func() time.Time { return now }))
	el, err := NewEdgeLimiter(counter, nil)
	if err != nil {
		t.Fatalf("creating edge limiter: %v", err)
	}
	defer el.Close()
	handler := el.Middleware(okHandler)

	doRequest(handler, "GET", "/api/v1/quota/status", "1.1.1.1:1")
	doRequest(handler, "GET", "/api/v1/quota/status", "1.1.1.1:1")
	now = now.Add(2 * time.Minute)
	if rec := doRequest(handler, "GET", "/api/v1/quota/status", "1.1.1.1:1"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 once the minute window slid, got %d", rec.Code)
	}

	rec := doRequest(handler, "GET", "/api/v1/quota/status", "1.1.1.1:1")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 from the hour window, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "3600" {
		t.Fatalf("expected Retry-After: 3600, got %q", rec.Header().Get("Retry-After"))
	}
}

func TestEdgeLimiter_FloodRecordsOneViolationPerWindow(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	counter := ratelimit.NewMemoryLimiter(ratelimit.MinuteHour(2, 3), ratelimit.WithClock(func() time.Time { return now }))
	log := &violationLog{}
	el, err := NewEdgeLimiter(counter, log)
	if err != nil {
		t.Fatalf("creating edge limiter: %v", err)
	}
	defer el.Close()
	handler := el.Middleware(okHandler)

	codes := map[int]int{}
	for i := 0; i < 500; i++ {
		codes[doRequest(handler, "POST", "/api/v1/admission/check", "9.9.9.9:1").Code]++
	}
	if codes[http.StatusOK] != 2 || codes[http.StatusTooManyRequests] != 498 {
		t.Fatalf("expected 2 allowed and 498 rejected, got %v", codes)
	}
	if len(log.list) != 1 {
		t.Fatalf("expected 1 violation for 498 rejections, got %d", len(log.list))
	}

	// Another address is recorded on its own.
	for i := 0; i < 50; i++ {
		doRequest(handler, "POST", "/api/v1/admission/check", "8.8.8.8:1")
	}
	if len(log.list) != 2 || log.list[1].IPAddress != "8.8.8.8" {
		t.Fatalf("expected a second violation for 8.8.8.8, got %+v", log.list)
	}

	// Exhausting the hour window is a distinct denial.
	now = now.Add(2 * time.Minute)
	for i := 0; i < 50; i++ {
		doRequest(handler, "POST", "/api/v1/admission/check", "9.9.9.9:1")
	}
	if len(log.list) != 3 {
		t.Fatalf("expected an hour window violation, got %d violations", len(log.list))
	}
	if last := log.list[2]; last.IPAddress != "9.9.9.9" || last.Reason != "请求过于频繁，每小时限制3次请求" {
		t.Fatalf("unexpected hour violation: %+v", last)
	}
}

func TestEdgeLimiter_RateLimitHeaders(t *testing.T) {
	el, _, _ := setupRedisEdge(t, 5, 100)
	handler := el.Middleware(okHandler)

	doRequest(handler, "GET", "/api/v1/ratelimit/usage", "5.5.5.5:1")
	rec := doRequest(handler, "GET", "/api/v1/ratelimit/usage", "5.5.5.5:1")

	for header, want := range map[string]string{
		"X-RateLimit-Limit-Minute":     "5",
		"X-RateLimit-Remaining-Minute": "3",
		"X-RateLimit-Limit-Hour":       "100",
		"X-RateLimit-Remaining-Hour":   "98",
	} {
		if got := rec.Header().Get(header); got != want {
			t.Errorf("%s: expected %q, got %q", header, want, got)
		}
	}
}

func TestEdgeLimiter_ExcludedPathsAndOptions(t *testing.T) {
	el, _, _ := setupRedisEdge(t, 1, 1)
	handler := el.Middleware(okHandler)

	for _, path := range []string{"/health/live", "/health/ready", "/metrics", "/docs", "/static/app.js"} {
		for i := 0; i < 3; i++ {
			if rec := doRequest(handler, "GET", path, "7.7.7.7:1"); rec.Code != http.StatusOK {
				t.Fatalf("%s request %d: expected 200, got %d", path, i+1, rec.Code)
			}
		}
	}
	for i := 0; i < 3; i++ {
		if rec := doRequest(handler, "OPTIONS", "/api/v1/admission/check", "7.7.7.7:1"); rec.Code != http.StatusOK {
			t.Fatalf("OPTIONS request %d: expected 200, got %d", i+1, rec.Code)
		}
	}

	// Nothing above consumed the budget.
	if rec := doRequest(handler, "POST", "/api/v1/admission/check", "7.7.7.7:1"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestEdgeLimiter_DifferentIPsIndependent(t *testing.T) {
	el, _, _ := setupRedisEdge(t, 2, 100)
	handler := el.Middleware(okHandler)

	// Exhaust IP 1
	for i := 0; i < 2; i++ {
		doRequest(handler, "POST", "/", "1.1.1.1:1")
	}

	// IP 2 should still be allowed
	if rec := doRequest(handler, "POST", "/", "2.2.2.2:1"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for different IP, got %d", rec.Code)
	}
}

func TestEdgeLimiter_FailsOpenOnRedisError(t *testing.T) {
	el, mr, _ := setupRedisEdge(t, 1, 1)
	mr.Close() // kill Redis

	handler := el.Middleware(okHandler)
	for i := 0; i < 3; i++ {
		if rec := doRequest(handler, "POST", "/", "3.3.3.3:1"); rec.Code != http.StatusOK {
			t.Fatalf("expected 200 on Redis failure (fail-open), got %d", rec.Code)
		}
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded first entry", map[string]string{"X-Forwarded-For": "203.0.113.5, 10.0.0.1"}, "10.0.0.2:80", "203.0.113.5"},
		{"real ip", map[string]string{"X-Real-IP": "198.51.100.7"}, "10.0.0.2:80", "198.51.100.7"},
		{"remote addr", nil, "192.0.2.1:4321", "192.0.2.1"},
		{"remote addr without port", nil, "192.0.2.1", "192.0.2.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := ClientIP(req); got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}
