package quota

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/promptlab/gatekeeper/internal/metrics"
)

// Resolver computes the effective quota for a user. Precedence, first match
// wins: an active user-scoped config, then an active config for the supplied
// team, then DefaultLimits. It never writes to the store.
//
// Results may be cached for a short TTL. Every admin mutation calls
// Invalidate, here and on the other instances through a Broadcaster, so
// precedence changes apply to the next resolution.
type Resolver struct {
	repo  Repository
	cache *ristretto.Cache[string, Effective]
	ttl   time.Duration

	// mu orders cache fills against Invalidate: a fill started before an
	// invalidation is discarded.
	mu  sync.Mutex
	gen uint64
}

// NewResolver creates a Resolver. A ttl of zero disables caching.
func NewResolver(repo Repository, ttl time.Duration) (*Resolver, error) {
	r := &Resolver{repo: repo, ttl: ttl}
	if ttl <= 0 {
		return r, nil
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, Effective]{
		NumCounters:        1e5,
		MaxCost:            1e4,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating quota cache: %w", err)
	}
	r.cache = cache
	return r, nil
}

// EffectiveQuota resolves the limits governing userID, optionally as a member of teamID.
func (r *Resolver) EffectiveQuota(ctx context.Context, userID int64, teamID *int64) (Effective, error) {
	key := cacheKey(userID, teamID)
	if r.cache != nil {
		if eff, ok := r.cache.Get(key); ok {
			metrics.QuotaCacheLookupsTotal.WithLabelValues("hit").Inc()
			return eff, nil
		}
		metrics.QuotaCacheLookupsTotal.WithLabelValues("miss").Inc()
	}

	gen := r.generation()
	eff, err := r.resolve(ctx, userID, teamID)
	if err != nil {
		return Effective{}, err
	}

	if r.cache != nil {
		r.mu.Lock()
		if r.gen == gen {
			r.cache.SetWithTTL(key, eff, 1, r.ttl)
			// Apply the buffered write before releasing mu so a later
			// Invalidate cannot be overtaken by it.
			r.cache.Wait()
		}
		r.mu.Unlock()
	}
	return eff, nil
}

// Invalidate drops every cached resolution.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	if r.cache != nil {
		r.cache.Clear()
	}
}

func (r *Resolver) generation() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gen
}

// Close releases the cache's background goroutines.
func (r *Resolver) Close() {
	if r.cache != nil {
		r.cache.Close()
	}
}

func (r *Resolver) resolve(ctx context.Context, userID int64, teamID *int64) (Effective, error) {
	c, err := r.repo.FindByTarget(ctx, ScopeUser, userID)
	if err != nil {
		return Effective{}, fmt.Errorf("resolving user quota: %w", err)
	}
	if c != nil && c.IsActive {
		return fromConfig(c, SourceUser), nil
	}

	if teamID != nil {
		c, err := r.repo.FindByTarget(ctx, ScopeTeam, *teamID)
		if err != nil {
			return Effective{}, fmt.Errorf("resolving team quota: %w", err)
		}
		if c != nil && c.IsActive {
			return fromConfig(c, SourceTeam), nil
		}
	}

	return Effective{Limits: DefaultLimits(), Source: SourceDefault}, nil
}

func fromConfig(c *Config, src Source) Effective {
	id := c.ID
	return Effective{Limits: c.Limits, Source: src, QuotaID: &id}
}

func cacheKey(userID int64, teamID *int64) string {
	team := "-"
	if teamID != nil {
		team = strconv.FormatInt(*teamID, 10)
	}
	return strconv.FormatInt(userID, 10) + ":" + team
}
