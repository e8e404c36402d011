// Package cache is the content-addressed two-tier response cache: an
// in-memory LRU in front of an optional encrypted one-file-per-fingerprint
// disk store. GetOrCompute guarantees at most one concurrent backend call
// per fingerprint.
package cache

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Config carries the cache tuning knobs, already resolved from the
// application configuration.
type Config struct {
	Enabled         bool
	Dir             string
	TTL             time.Duration
	MaxEntries      int
	MaxBytes        int64
	CleanupInterval time.Duration
	PersistToDisk   bool
	EncryptionKey   string // empty, 64 hex chars, or base64 of 32 bytes
	MinResponseLen  int
	WriteDebounce   time.Duration
	WarmOnStart     bool
}

// Cache is the two-tier store. Safe for concurrent use.
type Cache struct {
	cfg   Config
	mem   *memoryTier
	disk  *diskTier // nil when persistence is disabled
	group singleflight.Group
	stats stats

	stopSweep chan struct{}
	sweepDone chan struct{}
}

// New builds a Cache from the given config. When an encryption key is
// configured, disk records are sealed with AES-256-GCM; without one the
// disk tier stores plaintext JSON and a warning is logged.
func New(cfg Config) (*Cache, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.MinResponseLen <= 0 {
		cfg.MinResponseLen = 10
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}

	mem, err := newMemoryTier(cfg.MaxEntries, cfg.MaxBytes)
	if err != nil {
		return nil, err
	}

	c := &Cache{
		cfg:       cfg,
		mem:       mem,
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}

	if cfg.PersistToDisk && cfg.Dir != "" {
		var b *box
		if cfg.EncryptionKey != "" {
			key, err := ParseKey(cfg.EncryptionKey)
			if err != nil {
				return nil, err
			}
			if b, err = newBox(key); err != nil {
				return nil, err
			}
		} else {
			log.Warn().Msg("cache persistence enabled without encryption key, disk records are plaintext")
		}
		disk, err := newDiskTier(cfg.Dir, cfg.WriteDebounce, b)
		if err != nil {
			return nil, err
		}
		disk.onWrite = func(elapsed time.Duration, err error) {
			if err != nil {
				c.stats.recordError()
				return
			}
			c.stats.recordWriteTime(elapsed)
		}
		c.disk = disk

		if cfg.WarmOnStart {
			go c.warm()
		}
	}

	go c.sweepLoop()
	return c, nil
}

// Get returns the cached response for (model, prompt) if present and fresh.
func (c *Cache) Get(model, prompt string) (*Entry, bool) {
	if !c.cfg.Enabled {
		return nil, false
	}
	return c.lookup(Fingerprint(model, prompt))
}

// lookup checks L1 then L2, promoting disk hits into memory. The returned
// entry's Source reflects the tier that answered.
func (c *Cache) lookup(fp string) (*Entry, bool) {
	start := time.Now()

	if e, ok, expired := c.mem.get(fp, c.cfg.TTL); ok {
		c.stats.recordHit()
		c.stats.recordRead(time.Since(start))
		hit := *e
		hit.Source = SourceMemory
		return &hit, true
	} else if expired {
		c.stats.recordExpired(1)
	}

	if c.disk != nil {
		if e, ok := c.disk.get(fp, c.cfg.TTL); ok {
			// Promote to L1, honoring its eviction bounds.
			c.mem.put(e)
			c.stats.recordHit()
			c.stats.recordRead(time.Since(start))
			hit := *e
			hit.Source = SourceDisk
			return &hit, true
		}
	}

	c.stats.recordMiss()
	return nil, false
}

// Put stores a completed response in both tiers. Responses shorter than
// the configured minimum are not cached.
func (c *Cache) Put(model, prompt, response, source string) {
	if !c.cfg.Enabled || len(response) < c.cfg.MinResponseLen {
		return
	}
	c.putFingerprint(Fingerprint(model, prompt), model, prompt, response, source)
}

func (c *Cache) putFingerprint(fp, model, prompt, response, source string) {
	e := newEntry(fp, model, prompt, response, source)
	c.mem.put(e)
	if c.disk != nil {
		c.disk.put(e)
	}
	c.stats.recordWrite()
}

// GetOrCompute returns the cached response for (model, prompt), or runs
// compute exactly once across all concurrent callers with the same
// fingerprint and caches its result. The second return is the source tag
// (cache/memory, cache/disk, or backend).
func (c *Cache) GetOrCompute(ctx context.Context, model, prompt string, compute func(context.Context) (string, error)) (string, string, error) {
	if !c.cfg.Enabled {
		text, err := compute(ctx)
		return text, SourceBackend, err
	}

	fp := Fingerprint(model, prompt)

	type outcome struct {
		text   string
		source string
	}

	v, err, _ := c.group.Do(fp, func() (any, error) {
		if e, ok := c.lookup(fp); ok {
			return outcome{text: e.Response, source: e.Source}, nil
		}
		text, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		if len(text) >= c.cfg.MinResponseLen {
			c.putFingerprint(fp, model, prompt, text, SourceBackend)
		}
		return outcome{text: text, source: SourceBackend}, nil
	})
	if err != nil {
		return "", "", err
	}
	out := v.(outcome)
	return out.text, out.source, nil
}

// Clear removes entries older than the given age from both tiers. A zero
// age clears everything. Returns the number of removed entries.
func (c *Cache) Clear(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)
	removed := c.mem.purgeOlderThan(cutoff)
	if c.disk != nil {
		removed += c.disk.removeOlderThan(cutoff)
	}
	return removed
}

// Stats returns a consistent snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	entries, bytes, evictions := c.mem.snapshot()
	return c.stats.snapshot(entries, bytes, evictions)
}

// Close stops the sweeper and flushes pending disk writes synchronously.
func (c *Cache) Close() {
	close(c.stopSweep)
	<-c.sweepDone
	if c.disk != nil {
		c.disk.flushAll()
	}
}

// warm promotes every fresh disk entry into memory. Advisory only.
func (c *Cache) warm() {
	var loaded int
	c.disk.walk(c.cfg.TTL, func(e *Entry) {
		c.mem.put(e)
		loaded++
	})
	log.Info().Int("entries", loaded).Msg("cache warmed from disk")
}

// sweepLoop periodically removes expired entries from both tiers.
func (c *Cache) sweepLoop() {
	defer close(c.sweepDone)
	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopSweep:
			return
		case <-ticker.C:
			purged := c.mem.purgeExpired(c.cfg.TTL)
			if c.disk != nil {
				purged += c.disk.purgeExpired(c.cfg.TTL)
			}
			if purged > 0 {
				c.stats.recordExpired(purged)
				log.Debug().Int("purged", purged).Msg("cache sweep complete")
			}
			c.stats.markCleanup()
		}
	}
}
