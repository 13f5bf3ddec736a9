// Package ratelimit implements sliding-window request counters.
//
// A counter is configured with one or more windows, each a trailing span of
// fixed length and a maximum number of requests inside it. Every decision is
// recomputed relative to the current time; nothing resets on clock
// boundaries. Windows are always evaluated shortest first, so a denial names
// the tightest window that is full.
//
// Two implementations exist. MemoryLimiter keeps per-key timestamp lists in
// process and is only consistent within a single instance. RedisLimiter keeps
// one sorted set per key and is shared by every instance pointing at the same
// Redis. Neither is authoritative for quota compliance; the usage ledger is.
package ratelimit

import (
	"context"
	"sort"
	"time"
)

// Window is a trailing span in which at most Max requests are admitted.
type Window struct {
	Name   string        `json:"name"`
	Length time.Duration `json:"length"`
	Max    int           `json:"max"`
}

// WindowCount is the number of admitted requests currently inside a window.
type WindowCount struct {
	Window Window `json:"window"`
	Count  int    `json:"count"`
}

// Remaining returns how many more requests the window admits.
func (c WindowCount) Remaining() int {
	if r := c.Window.Max - c.Count; r > 0 {
		return r
	}
	return 0
}

// Result is the outcome of an admission decision for one key.
type Result struct {
	Allowed bool
	// Exceeded is the first full window, zero when Allowed.
	Exceeded Window
	// Counts holds per-window counts observed before the decision.
	Counts []WindowCount
}

// RetryAfter is the length of the exceeded window, zero when allowed.
func (r Result) RetryAfter() time.Duration {
	if r.Allowed {
		return 0
	}
	return r.Exceeded.Length
}

// Counter is the contract shared by every sliding-window backend.
// None of the methods return errors: a full window is a normal denial.
type Counter interface {
	// Allow reports whether key may make another request. It does not record.
	Allow(ctx context.Context, key string) Result
	// Record counts one admitted request for key. Call it once per request
	// that passed Allow.
	Record(ctx context.Context, key string)
	// Take is Allow followed by Record in one critical section.
	Take(ctx context.Context, key string) Result
	// Usage returns the current count of every window for key.
	Usage(ctx context.Context, key string) []WindowCount
	// Windows returns the configured windows, shortest first.
	Windows() []Window
}

// Window names used by the built-in layers.
const (
	Minute = "minute"
	Hour   = "hour"
	Day    = "day"
)

// MinuteHour builds the edge limiter windows.
func MinuteHour(perMinute, perHour int) []Window {
	return []Window{
		{Name: Minute, Length: time.Minute, Max: perMinute},
		{Name: Hour, Length: time.Hour, Max: perHour},
	}
}

// MinuteHourDay builds the per-user limiter windows.
func MinuteHourDay(perMinute, perHour, perDay int) []Window {
	return append(MinuteHour(perMinute, perHour), Window{Name: Day, Length: 24 * time.Hour, Max: perDay})
}

// Option configures a limiter.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// sortWindows returns a copy of ws ordered shortest first and the longest length.
func sortWindows(ws []Window) ([]Window, time.Duration) {
	out := make([]Window, len(ws))
	copy(out, ws)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Length < out[j].Length })

	var longest time.Duration
	if len(out) > 0 {
		longest = out[len(out)-1].Length
	}
	return out, longest
}
