package quota

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	inats "github.com/promptlab/gatekeeper/internal/nats"
)

// Broadcaster announces a committed quota change to the other instances
// sharing the store.
type Broadcaster interface {
	QuotaChanged(quotaID int64) error
}

// ChangeBus carries quota change broadcasts. *inats.Client implements it.
type ChangeBus interface {
	PublishQuotaChanged(event inats.QuotaChangedEvent) error
	SubscribeQuotaChanged(handle func(inats.QuotaChangedEvent)) (*nats.Subscription, error)
}

// CacheSync keeps the resolver caches of several instances coherent: it
// broadcasts local admin mutations and invalidates the local resolver when
// another instance reports one.
type CacheSync struct {
	bus      ChangeBus
	resolver *Resolver
	origin   string
	sub      *nats.Subscription
	logger   *slog.Logger
}

// NewCacheSync creates a CacheSync for resolver.
func NewCacheSync(bus ChangeBus, resolver *Resolver) *CacheSync {
	return &CacheSync{
		bus:      bus,
		resolver: resolver,
		origin:   uuid.NewString(),
		logger:   slog.Default().With("component", "quota.sync"),
	}
}

// Start subscribes to changes from other instances.
func (s *CacheSync) Start() error {
	sub, err := s.bus.SubscribeQuotaChanged(func(event inats.QuotaChangedEvent) {
		if event.Origin == s.origin {
			return
		}
		s.resolver.Invalidate()
		s.logger.Debug("quota cache invalidated by peer", "origin", event.Origin, "quota_id", event.QuotaID)
	})
	if err != nil {
		return err
	}
	s.sub = sub
	return nil
}

// QuotaChanged implements Broadcaster.
func (s *CacheSync) QuotaChanged(quotaID int64) error {
	return s.bus.PublishQuotaChanged(inats.QuotaChangedEvent{
		Origin:    s.origin,
		QuotaID:   quotaID,
		Timestamp: time.Now().UTC(),
	})
}

// Stop ends the subscription.
func (s *CacheSync) Stop() {
	if s.sub == nil {
		return
	}
	if err := s.sub.Unsubscribe(); err != nil {
		s.logger.Warn("unsubscribing from quota changes", "error", err)
	}
	s.sub = nil
}
