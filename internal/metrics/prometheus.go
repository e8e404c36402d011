package metrics

import (
	"fmt"
	"net/http"

	"github.com/hydraproject/hydra/internal/cache"
	"github.com/hydraproject/hydra/internal/queue"
)

// Sources supplies the scrape-time snapshots the handler publishes
// alongside the collector's own counters.
type Sources struct {
	QueueStatus func() queue.Status
	CacheStats  func() cache.Stats
}

// Handler returns an http.HandlerFunc that writes metrics in Prometheus
// text exposition format (version 0.0.4). Metrics are formatted manually;
// the client library is not required.
func Handler(c *Collector, src Sources) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		writeFloat(w, "hydra_uptime_seconds",
			"Seconds since the service started.",
			"gauge", c.Uptime().Seconds())

		ops := c.Ops()
		if len(ops) > 0 {
			fmt.Fprintf(w, "# HELP hydra_ops_total Total dispatched operations by name.\n")
			fmt.Fprintf(w, "# TYPE hydra_ops_total counter\n")
			for _, s := range ops {
				fmt.Fprintf(w, "hydra_ops_total{op=%q} %d\n", s.Op, s.Count)
			}
			fmt.Fprintf(w, "# HELP hydra_op_duration_ms Average operation duration in milliseconds.\n")
			fmt.Fprintf(w, "# TYPE hydra_op_duration_ms gauge\n")
			for _, s := range ops {
				fmt.Fprintf(w, "hydra_op_duration_ms{op=%q} %g\n", s.Op, s.AvgMs)
			}
		}
		if errs := c.Errors(); len(errs) > 0 {
			fmt.Fprintf(w, "# HELP hydra_op_errors_total Operation failures by name and error kind.\n")
			fmt.Fprintf(w, "# TYPE hydra_op_errors_total counter\n")
			for _, e := range errs {
				fmt.Fprintf(w, "hydra_op_errors_total{op=%q,kind=%q} %d\n", e.Op, e.Kind, e.Count)
			}
		}

		if src.QueueStatus != nil {
			st := src.QueueStatus()

			fmt.Fprintf(w, "# HELP hydra_queue_items Queue items by state.\n")
			fmt.Fprintf(w, "# TYPE hydra_queue_items gauge\n")
			for _, state := range []queue.State{
				queue.StateQueued, queue.StateRunning, queue.StateCompleted,
				queue.StateFailed, queue.StateCancelled,
			} {
				fmt.Fprintf(w, "hydra_queue_items{state=%q} %d\n", string(state), st.Counts[state])
			}

			writeInt(w, "hydra_queue_completed_total",
				"Total items completed successfully.",
				"counter", st.Completed)
			writeInt(w, "hydra_queue_failed_total",
				"Total items that exhausted retries or failed outright.",
				"counter", st.Failed)
			writeInt(w, "hydra_queue_retries_total",
				"Total retry attempts scheduled.",
				"counter", st.Retried)
			writeInt(w, "hydra_queue_cancelled_total",
				"Total items cancelled.",
				"counter", st.Cancelled)

			if len(st.FailuresByKind) > 0 {
				fmt.Fprintf(w, "# HELP hydra_queue_failures_total Terminal failures by error kind.\n")
				fmt.Fprintf(w, "# TYPE hydra_queue_failures_total counter\n")
				for kind, n := range st.FailuresByKind {
					fmt.Fprintf(w, "hydra_queue_failures_total{kind=%q} %d\n", kind, n)
				}
			}

			writeInt(w, "hydra_queue_active_handlers",
				"Handler invocations currently running.",
				"gauge", int64(st.ActiveHandlers))
			writeFloat(w, "hydra_queue_tokens_remaining",
				"Admission tokens currently available.",
				"gauge", st.TokensRemaining)
			writeFloat(w, "hydra_queue_latency_avg_ms",
				"Average completion latency over the rolling window.",
				"gauge", st.Latency.AvgMs)
			writeFloat(w, "hydra_queue_latency_p50_ms",
				"Median completion latency over the rolling window.",
				"gauge", st.Latency.P50Ms)
			writeFloat(w, "hydra_queue_latency_p95_ms",
				"95th percentile completion latency over the rolling window.",
				"gauge", st.Latency.P95Ms)
		}

		if src.CacheStats != nil {
			cs := src.CacheStats()

			writeInt(w, "hydra_cache_hits_total",
				"Total cache hits across both tiers.",
				"counter", cs.Hits)
			writeInt(w, "hydra_cache_misses_total",
				"Total cache misses.",
				"counter", cs.Misses)
			writeInt(w, "hydra_cache_writes_total",
				"Total cache writes.",
				"counter", cs.Writes)
			writeInt(w, "hydra_cache_evictions_total",
				"Total LRU evictions from the memory tier.",
				"counter", cs.Evictions)
			writeInt(w, "hydra_cache_expirations_total",
				"Total entries removed after TTL expiry.",
				"counter", cs.Expirations)
			writeFloat(w, "hydra_cache_hit_rate",
				"Cache hit rate percentage.",
				"gauge", cs.HitRate)
			writeInt(w, "hydra_cache_memory_entries",
				"Entries currently held in the memory tier.",
				"gauge", int64(cs.MemoryEntries))
			writeInt(w, "hydra_cache_memory_bytes",
				"Bytes currently held in the memory tier.",
				"gauge", cs.MemoryBytes)
		}
	}
}

// writeInt writes a single integer metric in Prometheus text format.
func writeInt(w http.ResponseWriter, name, help, metricType string, value int64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, metricType)
	fmt.Fprintf(w, "%s %d\n", name, value)
}

// writeFloat writes a single float64 metric in Prometheus text format.
func writeFloat(w http.ResponseWriter, name, help, metricType string, value float64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, metricType)
	fmt.Fprintf(w, "%s %g\n", name, value)
}
