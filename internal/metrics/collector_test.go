package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hydraproject/hydra/internal/cache"
	"github.com/hydraproject/hydra/internal/queue"
)

func TestCollector_OpsAndErrors(t *testing.T) {
	c := NewCollector()
	c.RecordOp("generate", 10*time.Millisecond, "")
	c.RecordOp("generate", 30*time.Millisecond, "")
	c.RecordOp("race", 5*time.Millisecond, "all_backends_failed")

	ops := c.Ops()
	if len(ops) != 2 {
		t.Fatalf("ops = %+v", ops)
	}
	// Sorted by name: generate before race.
	if ops[0].Op != "generate" || ops[0].Count != 2 {
		t.Errorf("ops[0] = %+v", ops[0])
	}
	if ops[0].AvgMs < 19 || ops[0].AvgMs > 21 {
		t.Errorf("avg = %v, want ~20", ops[0].AvgMs)
	}

	errs := c.Errors()
	if len(errs) != 1 || errs[0].Kind != "all_backends_failed" || errs[0].Count != 1 {
		t.Errorf("errs = %+v", errs)
	}
}

func TestHandler_ExpositionFormat(t *testing.T) {
	c := NewCollector()
	c.RecordOp("generate", time.Millisecond, "")

	src := Sources{
		QueueStatus: func() queue.Status {
			return queue.Status{
				Counts:          map[queue.State]int{queue.StateQueued: 2, queue.StateRunning: 1},
				Completed:       7,
				Failed:          1,
				FailuresByKind:  map[string]int64{"backend_timeout": 1},
				TokensRemaining: 4.5,
				ActiveHandlers:  1,
			}
		},
		CacheStats: func() cache.Stats {
			return cache.Stats{Hits: 3, Misses: 1, HitRate: 75}
		},
	}

	rec := httptest.NewRecorder()
	Handler(c, src)(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "version=0.0.4") {
		t.Errorf("content type = %q", ct)
	}
	for _, want := range []string{
		"hydra_ops_total{op=\"generate\"} 1",
		"hydra_queue_items{state=\"QUEUED\"} 2",
		"hydra_queue_completed_total 7",
		"hydra_queue_failures_total{kind=\"backend_timeout\"} 1",
		"hydra_queue_tokens_remaining 4.5",
		"hydra_cache_hits_total 3",
		"hydra_cache_hit_rate 75",
		"# TYPE hydra_queue_items gauge",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q in exposition:\n%s", want, body)
		}
	}
}
