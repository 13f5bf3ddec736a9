package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/promptlab/gatekeeper/internal/metrics"
)

// Sweeper periodically evicts idle keys from in-memory limiters so that
// one-off clients do not accumulate forever.
type Sweeper struct {
	schedule string
	cron     *cron.Cron
	logger   *slog.Logger

	mu       sync.Mutex
	limiters map[string]*MemoryLimiter
	running  bool
}

// NewSweeper creates a sweeper running on a standard cron schedule
// (for example "@every 1m").
func NewSweeper(schedule string) *Sweeper {
	return &Sweeper{
		schedule: schedule,
		cron:     cron.New(),
		logger:   slog.Default().With("component", "ratelimit.sweeper"),
		limiters: make(map[string]*MemoryLimiter),
	}
}

// Add registers a limiter under a name used for logs and metrics.
func (s *Sweeper) Add(name string, l *MemoryLimiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limiters[name] = l
}

// Start schedules the sweep and stops it when ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if _, err := s.cron.AddFunc(s.schedule, s.RunOnce); err != nil {
		return fmt.Errorf("scheduling rate limit sweep %q: %w", s.schedule, err)
	}
	s.cron.Start()
	s.running = true
	s.logger.Info("rate limit sweeper started", "schedule", s.schedule, "limiters", len(s.limiters))

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// RunOnce sweeps every registered limiter immediately.
func (s *Sweeper) RunOnce() {
	s.mu.Lock()
	limiters := make(map[string]*MemoryLimiter, len(s.limiters))
	for name, l := range s.limiters {
		limiters[name] = l
	}
	s.mu.Unlock()

	for name, l := range limiters {
		removed := l.Sweep()
		remaining := l.Keys()
		metrics.RateLimitSweptKeysTotal.WithLabelValues(name).Add(float64(removed))
		metrics.RateLimitTrackedKeys.WithLabelValues(name).Set(float64(remaining))
		if removed > 0 {
			s.logger.Debug("swept idle rate limit keys", "limiter", name, "removed", removed, "remaining", remaining)
		}
	}
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	done := s.cron.Stop()
	s.mu.Unlock()

	<-done.Done()
	s.logger.Info("rate limit sweeper stopped")
}
