package quota

import (
	"context"
	"sync"
	"time"

	"github.com/diagramforge/broker/internal/store"
)

// aggCache caches per-subject per-window usage aggregates for up to 60s
// (spec §4.1's caching rule). A stale read may over-admit by at most one
// request per cache window per subject, by design. Invalidated for a
// subject on every C2 append for that subject.
type aggCache struct {
	mu      sync.Mutex
	entries map[string]aggCacheEntry
	ttl     time.Duration
}

type aggCacheEntry struct {
	agg       store.UsageAggregate
	fetchedAt time.Time
}

func newAggCache(ttl time.Duration) *aggCache {
	return &aggCache{entries: make(map[string]aggCacheEntry), ttl: ttl}
}

func (c *aggCache) get(ctx context.Context, st store.Store, subject string, w store.UsageWindow, now time.Time) (store.UsageAggregate, error) {
	key := subject + "|" + w.Start.String()

	c.mu.Lock()
	entry, ok := c.entries[key]
	c.mu.Unlock()
	if ok && now.Sub(entry.fetchedAt) < c.ttl {
		return entry.agg, nil
	}

	agg, err := st.AggregateUsage(ctx, subject, w)
	if err != nil {
		return store.UsageAggregate{}, err
	}

	c.mu.Lock()
	c.entries[key] = aggCacheEntry{agg: agg, fetchedAt: now}
	c.mu.Unlock()
	return agg, nil
}

// invalidate drops every cached window for subject, called after a C2
// append for that subject so the next admission check sees fresh counts.
func (c *aggCache) invalidate(subject string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := subject + "|"
	for key := range c.entries {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(c.entries, key)
		}
	}
}
