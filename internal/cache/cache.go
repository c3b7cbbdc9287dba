// Package cache implements the tiered result cache: a hot in-process tier,
// a larger bounded tier, a persistent tier, and an optional cross-instance
// shared tier. Every tier holds only derived data reproducible from inputs;
// losing the whole cache affects latency, never correctness.
package cache

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tesserbridge/bridge/internal/config"
	"github.com/tesserbridge/bridge/internal/store"
)

// EntryKind selects the TTL applied to an entry. Worker results expire fast
// because they may depend on live repository state; optimized contexts are
// pure functions of their inputs and live longer.
type EntryKind string

const (
	KindContext EntryKind = "context"
	KindResult  EntryKind = "result"
)

// Entry is one cached payload. The payload is opaque to the cache.
type Entry struct {
	Fingerprint string
	Kind        EntryKind
	Payload     []byte
	ExpiresAt   time.Time
}

// expired reports whether the entry is past its TTL.
func (e *Entry) expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// Tier is one level of the cache. Get returns nil on miss.
type Tier interface {
	Name() string
	Get(ctx context.Context, fingerprint string) (*Entry, error)
	Put(ctx context.Context, e *Entry) error
}

// Stats counts hits and misses per tier plus recomputations.
type Stats struct {
	Hits       map[string]uint64 `json:"hits"`
	Misses     uint64            `json:"misses"`
	Recomputes uint64            `json:"recomputes"`
}

// Cache is the tier chain. Reads fall through warm-to-cold and back-fill
// warmer tiers on a hit; writes populate the hot tier synchronously and
// propagate downward asynchronously.
type Cache struct {
	cfg    config.CacheConfig
	tiers  []Tier
	logger *slog.Logger

	group      singleflight.Group
	propagate  chan *Entry
	done       chan struct{}
	wg         sync.WaitGroup
	closeOnce  sync.Once
	purgeRepos []store.Repository
	hitCounts  []atomic.Uint64
	missCount  atomic.Uint64
	recomputes atomic.Uint64
}

// New assembles the tier chain. The shared repository may be nil when the
// bridge runs single-instance.
func New(cfg config.CacheConfig, persistent store.Repository, shared store.Repository, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}

	tiers := []Tier{
		newMemoryTier("hot", cfg.HotSize),
		newMemoryTier("bounded", cfg.BoundedSize),
	}
	var purgeRepos []store.Repository
	if persistent != nil {
		tiers = append(tiers, newStoreTier("persistent", persistent, cfg.TierReadBudget))
		purgeRepos = append(purgeRepos, persistent)
	}
	if shared != nil {
		tiers = append(tiers, newStoreTier("shared", shared, cfg.TierReadBudget))
		purgeRepos = append(purgeRepos, shared)
	}

	c := &Cache{
		cfg:        cfg,
		tiers:      tiers,
		logger:     logger,
		propagate:  make(chan *Entry, 256),
		done:       make(chan struct{}),
		purgeRepos: purgeRepos,
		hitCounts:  make([]atomic.Uint64, len(tiers)),
	}

	c.wg.Add(1)
	go c.propagateLoop()
	if len(purgeRepos) > 0 {
		c.wg.Add(1)
		go c.purgeLoop()
	}

	return c
}

// Get reads through the tier chain. A hit at tier N back-fills every warmer
// tier. Returns nil on a full miss; a miss is not an error.
func (c *Cache) Get(ctx context.Context, fingerprint string) (*Entry, error) {
	for i, tier := range c.tiers {
		entry, err := tier.Get(ctx, fingerprint)
		if err != nil {
			// A failing cold tier must not break the read path.
			c.logger.Warn("cache tier read failed", "tier", tier.Name(), "error", err)
			continue
		}
		if entry == nil || entry.expired(time.Now()) {
			continue
		}

		c.hitCounts[i].Add(1)
		c.backfill(ctx, entry, i)
		return entry, nil
	}

	c.missCount.Add(1)
	return nil, nil
}

// Put stores a payload under a fingerprint. The hot tier is written before
// Put returns; colder tiers are populated in the background.
func (c *Cache) Put(ctx context.Context, fingerprint string, kind EntryKind, payload []byte) error {
	entry := &Entry{
		Fingerprint: fingerprint,
		Kind:        kind,
		Payload:     payload,
		ExpiresAt:   time.Now().Add(c.ttlFor(kind)),
	}

	if err := c.tiers[0].Put(ctx, entry); err != nil {
		return err
	}

	select {
	case c.propagate <- entry:
	default:
		// Propagation is best-effort: the entry is derived data and the hot
		// tier already has it.
		c.logger.Debug("cache propagation queue full, skipping", "fingerprint", fingerprint)
	}
	return nil
}

// GetOrCompute returns the cached payload for a fingerprint, computing and
// storing it on miss. Concurrent callers for the same fingerprint share one
// computation.
func (c *Cache) GetOrCompute(ctx context.Context, fingerprint string, kind EntryKind, compute func() ([]byte, error)) ([]byte, error) {
	if entry, err := c.Get(ctx, fingerprint); err == nil && entry != nil {
		return entry.Payload, nil
	}

	v, err, _ := c.group.Do(fingerprint, func() (any, error) {
		// Re-check under the flight lock: another caller may have filled it.
		if entry, err := c.Get(ctx, fingerprint); err == nil && entry != nil {
			return entry.Payload, nil
		}
		c.recomputes.Add(1)
		payload, err := compute()
		if err != nil {
			return nil, err
		}
		if err := c.Put(ctx, fingerprint, kind, payload); err != nil {
			c.logger.Warn("cache put after recompute failed", "fingerprint", fingerprint, "error", err)
		}
		return payload, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Stats returns hit/miss counters.
func (c *Cache) Stats() Stats {
	s := Stats{Hits: make(map[string]uint64, len(c.tiers))}
	for i, tier := range c.tiers {
		s.Hits[tier.Name()] = c.hitCounts[i].Load()
	}
	s.Misses = c.missCount.Load()
	s.Recomputes = c.recomputes.Load()
	return s
}

// Close stops background propagation, draining queued writes first. The
// propagate channel itself is never closed: writers may still hold a
// reference after shutdown, and a Put after Close stays hot-tier only.
func (c *Cache) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	c.wg.Wait()
}

func (c *Cache) ttlFor(kind EntryKind) time.Duration {
	if kind == KindResult {
		return c.cfg.ResultTTL
	}
	return c.cfg.ContextTTL
}

// backfill copies a hit into every tier warmer than the one that served it.
func (c *Cache) backfill(ctx context.Context, entry *Entry, hitTier int) {
	for i := 0; i < hitTier; i++ {
		if err := c.tiers[i].Put(ctx, entry); err != nil {
			c.logger.Warn("cache backfill failed", "tier", c.tiers[i].Name(), "error", err)
		}
	}
}

const purgeInterval = 5 * time.Minute

// purgeLoop periodically deletes expired records from the durable tiers so
// the sqlite files do not grow without bound.
func (c *Cache) purgeLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			for _, repo := range c.purgeRepos {
				purged, err := repo.PurgeExpiredCache(ctx, time.Now())
				if err != nil {
					c.logger.Warn("cache purge failed", "error", err)
					continue
				}
				if purged > 0 {
					c.logger.Info("purged expired cache records", "count", purged)
				}
			}
			cancel()
		case <-c.done:
			return
		}
	}
}

// propagateLoop pushes hot-tier writes down the chain in the background.
func (c *Cache) propagateLoop() {
	defer c.wg.Done()
	for {
		select {
		case entry := <-c.propagate:
			c.writeColdTiers(entry)
		case <-c.done:
			// Flush entries queued before shutdown was signalled.
			for {
				select {
				case entry := <-c.propagate:
					c.writeColdTiers(entry)
				default:
					return
				}
			}
		}
	}
}

func (c *Cache) writeColdTiers(entry *Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, tier := range c.tiers[1:] {
		if err := tier.Put(ctx, entry); err != nil {
			c.logger.Warn("cache propagation failed", "tier", tier.Name(), "error", err)
		}
	}
}
