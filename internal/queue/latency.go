package queue

import (
	"sort"
	"sync"
	"time"
)

const latencyWindowSize = 256

// latencyWindow keeps a fixed-size ring of recent completion latencies for
// the Status percentiles.
type latencyWindow struct {
	mu      sync.Mutex
	samples [latencyWindowSize]time.Duration
	next    int
	count   int
}

func (w *latencyWindow) record(d time.Duration) {
	w.mu.Lock()
	w.samples[w.next] = d
	w.next = (w.next + 1) % latencyWindowSize
	if w.count < latencyWindowSize {
		w.count++
	}
	w.mu.Unlock()
}

// LatencyStats summarizes the rolling window.
type LatencyStats struct {
	Samples int     `json:"samples"`
	AvgMs   float64 `json:"avg_ms"`
	P50Ms   float64 `json:"p50_ms"`
	P95Ms   float64 `json:"p95_ms"`
}

func (w *latencyWindow) stats() LatencyStats {
	w.mu.Lock()
	sorted := make([]time.Duration, w.count)
	copy(sorted, w.samples[:w.count])
	w.mu.Unlock()

	if len(sorted) == 0 {
		return LatencyStats{}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var total time.Duration
	for _, d := range sorted {
		total += d
	}
	pct := func(p float64) float64 {
		idx := int(p * float64(len(sorted)-1))
		return float64(sorted[idx].Microseconds()) / 1000
	}
	return LatencyStats{
		Samples: len(sorted),
		AvgMs:   float64(total.Microseconds()) / float64(len(sorted)) / 1000,
		P50Ms:   pct(0.50),
		P95Ms:   pct(0.95),
	}
}
