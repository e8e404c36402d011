// Package metrics aggregates operation counters and exposes them in
// Prometheus text exposition format. Queue and cache figures are pulled
// from their owners at scrape time; only per-operation counters live here.
package metrics

import (
	"sort"
	"sync"
	"time"
)

// Collector tracks dispatcher operation counts and timings.
type Collector struct {
	startTime time.Time

	mu   sync.Mutex
	ops  map[string]*opStats
	errs map[opError]int64
}

type opStats struct {
	count   int64
	totalNs int64
}

type opError struct {
	op   string
	kind string
}

// NewCollector creates an empty Collector.
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
		ops:       make(map[string]*opStats),
		errs:      make(map[opError]int64),
	}
}

// RecordOp counts one dispatched operation. kind is the fault kind for
// failures, empty for successes.
func (c *Collector) RecordOp(op string, elapsed time.Duration, kind string) {
	c.mu.Lock()
	s, ok := c.ops[op]
	if !ok {
		s = &opStats{}
		c.ops[op] = s
	}
	s.count++
	s.totalNs += elapsed.Nanoseconds()
	if kind != "" {
		c.errs[opError{op: op, kind: kind}]++
	}
	c.mu.Unlock()
}

// Uptime reports time since the collector was created.
func (c *Collector) Uptime() time.Duration {
	return time.Since(c.startTime)
}

// OpSample is one operation's aggregate.
type OpSample struct {
	Op    string
	Count int64
	AvgMs float64
}

// ErrSample is one (operation, kind) error count.
type ErrSample struct {
	Op    string
	Kind  string
	Count int64
}

// Ops returns per-operation aggregates sorted by name.
func (c *Collector) Ops() []OpSample {
	c.mu.Lock()
	out := make([]OpSample, 0, len(c.ops))
	for op, s := range c.ops {
		sample := OpSample{Op: op, Count: s.count}
		if s.count > 0 {
			sample.AvgMs = float64(s.totalNs) / float64(s.count) / 1e6
		}
		out = append(out, sample)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Op < out[j].Op })
	return out
}

// Errors returns per-operation error counts sorted by (op, kind).
func (c *Collector) Errors() []ErrSample {
	c.mu.Lock()
	out := make([]ErrSample, 0, len(c.errs))
	for k, v := range c.errs {
		out = append(out, ErrSample{Op: k.op, Kind: k.kind, Count: v})
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Op != out[j].Op {
			return out[i].Op < out[j].Op
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}
