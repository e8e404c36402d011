package cache

import (
	"sync/atomic"
	"time"
)

// stats tracks cache counters with atomics so hot paths stay lock-free.
type stats struct {
	hits        int64
	misses      int64
	writes      int64
	expirations int64
	errors      int64

	readNs  int64
	reads   int64
	writeNs int64
	written int64

	lastCleanupUnixMs int64
}

// Stats is a point-in-time snapshot suitable for JSON serialisation.
type Stats struct {
	Hits          int64     `json:"hits"`
	Misses        int64     `json:"misses"`
	Writes        int64     `json:"writes"`
	Evictions     int64     `json:"evictions"`
	Expirations   int64     `json:"expirations"`
	Errors        int64     `json:"errors"`
	HitRate       float64   `json:"hit_rate"`
	MemoryEntries int       `json:"memory_entries"`
	MemoryBytes   int64     `json:"memory_bytes"`
	AvgReadMs     float64   `json:"avg_read_ms"`
	AvgWriteMs    float64   `json:"avg_write_ms"`
	LastCleanup   time.Time `json:"last_cleanup"`
}

func (s *stats) recordHit()        { atomic.AddInt64(&s.hits, 1) }
func (s *stats) recordMiss()       { atomic.AddInt64(&s.misses, 1) }
func (s *stats) recordWrite()      { atomic.AddInt64(&s.writes, 1) }
func (s *stats) recordError()      { atomic.AddInt64(&s.errors, 1) }
func (s *stats) recordExpired(n int) {
	atomic.AddInt64(&s.expirations, int64(n))
}

func (s *stats) recordRead(d time.Duration) {
	atomic.AddInt64(&s.readNs, d.Nanoseconds())
	atomic.AddInt64(&s.reads, 1)
}

func (s *stats) recordWriteTime(d time.Duration) {
	atomic.AddInt64(&s.writeNs, d.Nanoseconds())
	atomic.AddInt64(&s.written, 1)
}

func (s *stats) markCleanup() {
	atomic.StoreInt64(&s.lastCleanupUnixMs, time.Now().UnixMilli())
}

// snapshot assembles a Stats value; memory occupancy comes from the caller.
func (s *stats) snapshot(memEntries int, memBytes, evictions int64) Stats {
	hits := atomic.LoadInt64(&s.hits)
	misses := atomic.LoadInt64(&s.misses)

	out := Stats{
		Hits:          hits,
		Misses:        misses,
		Writes:        atomic.LoadInt64(&s.writes),
		Evictions:     evictions,
		Expirations:   atomic.LoadInt64(&s.expirations),
		Errors:        atomic.LoadInt64(&s.errors),
		MemoryEntries: memEntries,
		MemoryBytes:   memBytes,
	}
	if total := hits + misses; total > 0 {
		out.HitRate = float64(hits) / float64(total) * 100
	}
	if reads := atomic.LoadInt64(&s.reads); reads > 0 {
		out.AvgReadMs = float64(atomic.LoadInt64(&s.readNs)) / float64(reads) / 1e6
	}
	if written := atomic.LoadInt64(&s.written); written > 0 {
		out.AvgWriteMs = float64(atomic.LoadInt64(&s.writeNs)) / float64(written) / 1e6
	}
	if ms := atomic.LoadInt64(&s.lastCleanupUnixMs); ms > 0 {
		out.LastCleanup = time.UnixMilli(ms)
	}
	return out
}
