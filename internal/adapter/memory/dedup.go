// Package memory holds in-process implementations of domain contracts.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/kurbezz/telegram-twitch-notifier/internal/adapter/metrics"
	"github.com/kurbezz/telegram-twitch-notifier/internal/platform/correlation"
	"github.com/puzpuzpuz/xsync/v4"
)

// DeliveryCache remembers webhook delivery ids until their expiry instant.
// Every per-key operation goes through xsync's Compute, so claims are atomic
// without a cache-wide lock.
type DeliveryCache struct {
	entries       *xsync.Map[string, time.Time]
	ttl           time.Duration
	sweepInterval time.Duration
	clock         clockwork.Clock
	metrics       *metrics.DedupMetrics
	stopCh        chan struct{}
	stopOnce      sync.Once
}

func NewDeliveryCache(ttl, sweepInterval time.Duration, clock clockwork.Clock, m *metrics.DedupMetrics) *DeliveryCache {
	return &DeliveryCache{
		entries:       xsync.NewMap[string, time.Time](),
		ttl:           ttl,
		sweepInterval: sweepInterval,
		clock:         clock,
		metrics:       m,
		stopCh:        make(chan struct{}),
	}
}

// Seen reports whether id is present and not yet expired.
func (c *DeliveryCache) Seen(id string) bool {
	expiry, ok := c.entries.Load(id)
	return ok && c.clock.Now().Before(expiry)
}

// Record stores id with the given ttl, overwriting any previous expiry.
func (c *DeliveryCache) Record(id string, ttl time.Duration) {
	c.entries.Store(id, c.clock.Now().Add(ttl))
	c.metrics.Entries.Set(float64(c.entries.Size()))
}

// Claim records id if it is absent or expired and reports whether this call
// did so. The error is always nil; it exists to satisfy domain.DeliveryDeduplicator.
func (c *DeliveryCache) Claim(_ context.Context, id string) (bool, error) {
	now := c.clock.Now()
	claimed := false
	c.entries.Compute(id, func(expiry time.Time, loaded bool) (time.Time, xsync.ComputeOp) {
		if loaded && now.Before(expiry) {
			return expiry, xsync.CancelOp
		}
		claimed = true
		return now.Add(c.ttl), xsync.UpdateOp
	})

	if claimed {
		c.metrics.Claims.WithLabelValues("new").Inc()
		c.metrics.Entries.Set(float64(c.entries.Size()))
	} else {
		c.metrics.Claims.WithLabelValues("duplicate").Inc()
	}
	return claimed, nil
}

// Len returns the number of stored ids, expired or not.
func (c *DeliveryCache) Len() int {
	return c.entries.Size()
}

// Run sweeps expired ids every sweep interval until ctx is cancelled or Stop is called.
func (c *DeliveryCache) Run(ctx context.Context) {
	ticker := c.clock.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			c.sweep(correlation.WithNewID(ctx))
		case <-c.stopCh:
			slog.Info("Delivery cache sweep stopped")
			return
		case <-ctx.Done():
			slog.Info("Delivery cache sweep context cancelled")
			return
		}
	}
}

// Stop ends Run. Safe to call more than once.
func (c *DeliveryCache) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *DeliveryCache) sweep(ctx context.Context) {
	now := c.clock.Now()

	var expired []string
	c.entries.Range(func(id string, expiry time.Time) bool {
		if !now.Before(expiry) {
			expired = append(expired, id)
		}
		return true
	})

	// Re-check under Compute: the id may have been reclaimed since Range saw it.
	evicted := 0
	for _, id := range expired {
		c.entries.Compute(id, func(expiry time.Time, loaded bool) (time.Time, xsync.ComputeOp) {
			if !loaded || now.Before(expiry) {
				return expiry, xsync.CancelOp
			}
			evicted++
			return expiry, xsync.DeleteOp
		})
	}

	c.metrics.Evictions.Add(float64(evicted))
	c.metrics.Entries.Set(float64(c.entries.Size()))
	if evicted > 0 {
		slog.DebugContext(ctx, "Swept expired delivery ids", "evicted", evicted, "remaining", c.entries.Size())
	}
}
