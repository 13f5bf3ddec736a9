package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// keyGrace keeps a sorted set alive slightly past its longest window.
const keyGrace = time.Second

// takeScript prunes, counts every window and conditionally adds the request
// in one round trip. ARGV: now_ms, longest_ms, member, then length_ms/max
// pairs shortest first. Returns {exceeded_index, count_1, ..., count_n} with
// a 1-based index, or 0 when the request was admitted.
var takeScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local longest = tonumber(ARGV[2])
local member = ARGV[3]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - longest)

local out = {0}
local exceeded = 0
for i = 4, #ARGV, 2 do
  local length = tonumber(ARGV[i])
  local max = tonumber(ARGV[i + 1])
  local n = redis.call('ZCOUNT', key, '(' .. (now - length), '+inf')
  table.insert(out, n)
  if exceeded == 0 and n >= max then
    exceeded = #out - 1
  end
end
out[1] = exceeded

if exceeded == 0 then
  redis.call('ZADD', key, now, member)
  redis.call('PEXPIRE', key, longest + 1000)
end
return out
`)

// RedisLimiter is a sliding-window counter backed by one Redis sorted set
// per key, scored by request time in milliseconds.
//
// Redis failures are logged and the request is admitted: the per-request
// windows are throttling, not billing, and must not take the API down with
// the cache.
type RedisLimiter struct {
	rdb     redis.Cmdable
	prefix  string
	windows []Window
	longest time.Duration
	now     func() time.Time
}

// NewRedisLimiter creates a Redis-backed counter. Keys are stored as prefix+key.
func NewRedisLimiter(rdb redis.Cmdable, prefix string, windows []Window, opts ...Option) *RedisLimiter {
	o := buildOptions(opts)
	ws, longest := sortWindows(windows)
	return &RedisLimiter{
		rdb:     rdb,
		prefix:  prefix,
		windows: ws,
		longest: longest,
		now:     o.now,
	}
}

func (l *RedisLimiter) Windows() []Window {
	return l.windows
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) Result {
	counts, err := l.counts(ctx, key, l.now())
	if err != nil {
		slog.Warn("rate limiter unavailable, allowing request", "key", key, "error", err)
		return Result{Allowed: true}
	}
	return decide(counts)
}

func (l *RedisLimiter) Record(ctx context.Context, key string) {
	now := l.now()
	rkey := l.prefix + key

	pipe := l.rdb.Pipeline()
	pipe.ZAdd(ctx, rkey, redis.Z{Score: float64(now.UnixMilli()), Member: member(now)})
	pipe.PExpire(ctx, rkey, l.longest+keyGrace)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("rate limiter record failed", "key", key, "error", err)
	}
}

func (l *RedisLimiter) Take(ctx context.Context, key string) Result {
	now := l.now()

	args := make([]any, 0, 3+2*len(l.windows))
	args = append(args, now.UnixMilli(), l.longest.Milliseconds(), member(now))
	for _, w := range l.windows {
		args = append(args, w.Length.Milliseconds(), w.Max)
	}

	out, err := takeScript.Run(ctx, l.rdb, []string{l.prefix + key}, args...).Int64Slice()
	if err != nil {
		slog.Warn("rate limiter unavailable, allowing request", "key", key, "error", err)
		return Result{Allowed: true}
	}
	if len(out) != len(l.windows)+1 {
		slog.Warn("rate limiter script returned unexpected reply", "key", key, "len", len(out))
		return Result{Allowed: true}
	}

	res := Result{Allowed: out[0] == 0, Counts: make([]WindowCount, len(l.windows))}
	for i, w := range l.windows {
		res.Counts[i] = WindowCount{Window: w, Count: int(out[i+1])}
	}
	if !res.Allowed {
		res.Exceeded = l.windows[out[0]-1]
	}
	return res
}

func (l *RedisLimiter) Usage(ctx context.Context, key string) []WindowCount {
	counts, err := l.counts(ctx, key, l.now())
	if err != nil {
		slog.Warn("rate limiter usage unavailable", "key", key, "error", err)
		counts = make([]WindowCount, len(l.windows))
		for i, w := range l.windows {
			counts[i] = WindowCount{Window: w}
		}
	}
	return counts
}

func (l *RedisLimiter) counts(ctx context.Context, key string, now time.Time) ([]WindowCount, error) {
	rkey := l.prefix + key
	nowMs := now.UnixMilli()

	pipe := l.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, rkey, "-inf", strconv.FormatInt(nowMs-l.longest.Milliseconds(), 10))
	cmds := make([]*redis.IntCmd, len(l.windows))
	for i, w := range l.windows {
		cmds[i] = pipe.ZCount(ctx, rkey, "("+strconv.FormatInt(nowMs-w.Length.Milliseconds(), 10), "+inf")
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter pipeline (prune+count): %w", err)
	}

	counts := make([]WindowCount, len(l.windows))
	for i, w := range l.windows {
		counts[i] = WindowCount{Window: w, Count: int(cmds[i].Val())}
	}
	return counts, nil
}

func decide(counts []WindowCount) Result {
	res := Result{Allowed: true, Counts: counts}
	for _, c := range counts {
		if c.Count >= c.Window.Max {
			res.Allowed = false
			res.Exceeded = c.Window
			break
		}
	}
	return res
}

// member is unique per request even when two land in the same millisecond.
func member(now time.Time) string {
	return fmt.Sprintf("%d:%s", now.UnixNano(), uuid.NewString())
}
