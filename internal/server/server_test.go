package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hydraproject/hydra/internal/backend"
	"github.com/hydraproject/hydra/internal/cache"
	"github.com/hydraproject/hydra/internal/dispatch"
	"github.com/hydraproject/hydra/internal/metrics"
	"github.com/hydraproject/hydra/internal/queue"
	"github.com/hydraproject/hydra/internal/speculate"
	"github.com/hydraproject/hydra/internal/testutil"
	"github.com/hydraproject/hydra/internal/tokenizer"
)

// newTestServer wires the full stack against a fake Ollama and returns the
// HTTP test server plus the fake for scripting.
func newTestServer(t *testing.T) (*httptest.Server, *testutil.FakeOllama) {
	t.Helper()

	fake := testutil.NewFakeOllama(t)
	be := backend.New(fake.URL(), time.Second)

	c, err := cache.New(cache.Config{
		Enabled:    true,
		TTL:        time.Minute,
		MaxEntries: 64,
		MaxBytes:   1 << 20,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Close)

	sched := queue.New(queue.Config{
		MaxConcurrent:  2,
		DefaultTimeout: 5 * time.Second,
		BucketCapacity: -1,
		RefillPerSec:   -1,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		sched.Shutdown(ctx)
	})

	collector := metrics.NewCollector()
	d := dispatch.New(dispatch.Deps{
		Backend:   be,
		Cache:     c,
		Racer:     speculate.New(be, speculate.DefaultValidator, backend.Options{}, 5*time.Second),
		Scheduler: sched,
		Metrics:   collector,
		Tokens:    tokenizer.New(),
	})
	sched.SetHandler(d.QueueHandler())

	srv := New(d, collector, metrics.Sources{
		QueueStatus: sched.Status,
		CacheStats:  c.Stats,
	}, Options{Addr: "127.0.0.1:0"})

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, fake
}

func postOp(t *testing.T, ts *httptest.Server, op, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(ts.URL+"/rpc/"+op, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decoding %s response: %v", op, err)
	}
	return resp, out
}

func TestGenerateEndpoint(t *testing.T) {
	ts, fake := newTestServer(t)
	fake.Reply("llama3.2:1b", "a perfectly good answer")

	resp, out := postOp(t, ts, "generate", `{"prompt":"hello","model":"llama3.2:1b"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, out)
	}
	if out["response"] != "a perfectly good answer" {
		t.Errorf("response = %v", out["response"])
	}
	if out["source"] != "backend" {
		t.Errorf("source = %v", out["source"])
	}

	// Second call is served from memory without touching the backend.
	_, out = postOp(t, ts, "generate", `{"prompt":"hello","model":"llama3.2:1b"}`)
	if out["source"] != "cache/memory" {
		t.Errorf("source = %v, want cache/memory", out["source"])
	}
	if fake.Requests() != 1 {
		t.Errorf("backend requests = %d, want 1", fake.Requests())
	}
}

func TestValidationErrorsReturn400(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, out := postOp(t, ts, "generate", `{}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if out["kind"] != "validation" {
		t.Errorf("kind = %v", out["kind"])
	}
	if out["error"] == nil || out["error"] == "" {
		t.Error("error message missing")
	}

	resp, _ = postOp(t, ts, "no_such_op", `{}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown op status = %d", resp.StatusCode)
	}
}

func TestBackendFailureMapsToBadGateway(t *testing.T) {
	ts, fake := newTestServer(t)
	fake.FailNext(1, http.StatusInternalServerError)

	resp, out := postOp(t, ts, "generate", `{"prompt":"will fail","use_cache":false}`)
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if out["kind"] != "backend_http" {
		t.Errorf("kind = %v", out["kind"])
	}
	if out["retryable"] != true {
		t.Errorf("retryable = %v", out["retryable"])
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts, fake := newTestServer(t)
	fake.Reply("llama3.2:1b", "ready")

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	if out["healthy"] != true {
		t.Errorf("healthy = %v", out["healthy"])
	}
}

func TestOpsCatalogEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/rpc/ops")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var out struct {
		Ops []string `json:"ops"`
	}
	json.NewDecoder(resp.Body).Decode(&out)
	found := false
	for _, op := range out.Ops {
		if op == "generate" {
			found = true
		}
	}
	if !found {
		t.Errorf("catalog missing generate: %v", out.Ops)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts, fake := newTestServer(t)
	fake.Reply("llama3.2:1b", "metrics fodder")
	postOp(t, ts, "generate", `{"prompt":"count me","model":"llama3.2:1b"}`)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	text := string(body)
	for _, want := range []string{
		`hydra_ops_total{op="generate"} 1`,
		"hydra_queue_active_handlers",
		"hydra_cache_hit_rate",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestQueueRoundTripOverHTTP(t *testing.T) {
	ts, fake := newTestServer(t)
	fake.Reply("llama3.2:1b", "queued answer")

	resp, out := postOp(t, ts, "queue_enqueue", `{"prompt":"do it later","model":"llama3.2:1b"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("enqueue status = %d: %v", resp.StatusCode, out)
	}
	id := int64(out["id"].(float64))

	body, _ := json.Marshal(map[string]any{"id": id, "timeout": 2000})
	resp, out = postOp(t, ts, "queue_wait", string(body))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("wait status = %d: %v", resp.StatusCode, out)
	}
	if out["state"] != "COMPLETED" {
		t.Errorf("state = %v, error = %v", out["state"], out["error"])
	}
	if out["response"] != "queued answer" {
		t.Errorf("response = %v", out["response"])
	}
}
