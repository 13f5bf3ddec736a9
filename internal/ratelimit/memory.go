package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 32

type shard struct {
	mu sync.Mutex
	// keys maps a key to its admitted timestamps, ascending.
	keys map[string][]time.Time
}

// MemoryLimiter is an in-process sliding-window counter.
//
// Keys are spread over shards by hash; each shard's mutex is the critical
// section for every key in it, so prune, count and append never interleave
// for the same key. A key whose list empties is removed. Keys that are never
// touched again are only reclaimed by Sweep.
type MemoryLimiter struct {
	windows []Window
	longest time.Duration
	shards  [shardCount]shard
	now     func() time.Time
}

// NewMemoryLimiter creates an in-memory counter over the given windows.
func NewMemoryLimiter(windows []Window, opts ...Option) *MemoryLimiter {
	o := buildOptions(opts)
	ws, longest := sortWindows(windows)

	l := &MemoryLimiter{
		windows: ws,
		longest: longest,
		now:     o.now,
	}
	for i := range l.shards {
		l.shards[i].keys = make(map[string][]time.Time)
	}
	return l
}

func (l *MemoryLimiter) Windows() []Window {
	return l.windows
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) Result {
	return l.AllowAt(key, l.now())
}

func (l *MemoryLimiter) Record(_ context.Context, key string) {
	l.RecordAt(key, l.now())
}

func (l *MemoryLimiter) Take(_ context.Context, key string) Result {
	return l.TakeAt(key, l.now())
}

func (l *MemoryLimiter) Usage(_ context.Context, key string) []WindowCount {
	return l.UsageAt(key, l.now())
}

// AllowAt evaluates every window for key as of now without recording.
func (l *MemoryLimiter) AllowAt(key string, now time.Time) Result {
	s := l.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	return l.evaluate(l.pruneLocked(s, key, now), now)
}

// RecordAt appends now to key's timestamps.
func (l *MemoryLimiter) RecordAt(key string, now time.Time) {
	s := l.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.keys[key] = insertSorted(l.pruneLocked(s, key, now), now)
}

// TakeAt evaluates and, when allowed, records in a single critical section.
func (l *MemoryLimiter) TakeAt(key string, now time.Time) Result {
	s := l.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	stamps := l.pruneLocked(s, key, now)
	res := l.evaluate(stamps, now)
	if res.Allowed {
		s.keys[key] = insertSorted(stamps, now)
	}
	return res
}

// UsageAt returns per-window counts for key as of now.
func (l *MemoryLimiter) UsageAt(key string, now time.Time) []WindowCount {
	return l.AllowAt(key, now).Counts
}

// Sweep evicts keys with no timestamp inside the longest window.
func (l *MemoryLimiter) Sweep() int {
	return l.SweepAt(l.now())
}

// SweepAt evicts keys idle as of now and returns how many were removed.
func (l *MemoryLimiter) SweepAt(now time.Time) int {
	cutoff := now.Add(-l.longest)
	removed := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		for key, stamps := range s.keys {
			if len(stamps) == 0 || !stamps[len(stamps)-1].After(cutoff) {
				delete(s.keys, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Keys returns the number of tracked keys.
func (l *MemoryLimiter) Keys() int {
	n := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		n += len(s.keys)
		s.mu.Unlock()
	}
	return n
}

func (l *MemoryLimiter) shard(key string) *shard {
	return &l.shards[xxhash.Sum64String(key)%shardCount]
}

// pruneLocked drops timestamps outside the longest window and evicts the key
// when nothing remains. Caller must hold s.mu.
func (l *MemoryLimiter) pruneLocked(s *shard, key string, now time.Time) []time.Time {
	stamps, ok := s.keys[key]
	if !ok {
		return nil
	}

	cutoff := now.Add(-l.longest)
	idx := sort.Search(len(stamps), func(i int) bool { return stamps[i].After(cutoff) })
	if idx == 0 {
		return stamps
	}
	if idx == len(stamps) {
		delete(s.keys, key)
		return nil
	}

	// Copy so the dropped prefix can be collected.
	kept := make([]time.Time, len(stamps)-idx)
	copy(kept, stamps[idx:])
	s.keys[key] = kept
	return kept
}

func (l *MemoryLimiter) evaluate(stamps []time.Time, now time.Time) Result {
	counts := make([]WindowCount, len(l.windows))
	for i, w := range l.windows {
		cutoff := now.Add(-w.Length)
		idx := sort.Search(len(stamps), func(j int) bool { return stamps[j].After(cutoff) })
		counts[i] = WindowCount{Window: w, Count: len(stamps) - idx}
	}
	return decide(counts)
}

func insertSorted(stamps []time.Time, t time.Time) []time.Time {
	idx := sort.Search(len(stamps), func(i int) bool { return stamps[i].After(t) })
	if idx == len(stamps) {
		return append(stamps, t)
	}
	stamps = append(stamps, time.Time{})
	copy(stamps[idx+1:], stamps[idx:])
	stamps[idx] = t
	return stamps
}
