package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hydraproject/hydra/internal/fault"
)

// newOllamaStub returns a test server that answers /api/generate with the
// given response text and /api/tags with a fixed model list.
func newOllamaStub(t *testing.T, response string, delay time.Duration) (*httptest.Server, *int64) {
	t.Helper()
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/generate":
			atomic.AddInt64(&calls, 1)
			var req generateRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if req.Stream {
				http.Error(w, "streaming not expected", http.StatusBadRequest)
				return
			}
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
			json.NewEncoder(w).Encode(generateResponse{
				Model:         req.Model,
				Response:      response,
				EvalCount:     42,
				TotalDuration: int64(12 * time.Millisecond),
				Done:          true,
			})
		case "/api/tags":
			json.NewEncoder(w).Encode(tagsResponse{Models: []Model{
				{Name: "llama3.2:1b", Size: 1_300_000_000},
				{Name: "llama3.1:8b", Size: 4_700_000_000},
			}})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestGenerate_Success(t *testing.T) {
	srv, calls := newOllamaStub(t, "HI", 0)
	c := New(srv.URL, 0)

	text, usage, err := c.Generate(context.Background(), "m", "hello", Options{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if text != "HI" {
		t.Errorf("text = %q, want HI", text)
	}
	if usage.EvalCount != 42 {
		t.Errorf("eval_count = %d, want 42", usage.EvalCount)
	}
	if atomic.LoadInt64(calls) != 1 {
		t.Errorf("backend calls = %d, want 1", *calls)
	}
}

func TestGenerate_EmptyModelRejected(t *testing.T) {
	srv, _ := newOllamaStub(t, "x", 0)
	c := New(srv.URL, 0)

	_, _, err := c.Generate(context.Background(), "", "p", Options{})
	if fault.KindOf(err) != fault.KindValidation {
		t.Errorf("kind = %v, want validation", fault.KindOf(err))
	}
}

func TestGenerate_Timeout(t *testing.T) {
	srv, _ := newOllamaStub(t, "slow", time.Second)
	c := New(srv.URL, 0)

	_, _, err := c.Generate(context.Background(), "m", "p", Options{Timeout: 50 * time.Millisecond})
	if fault.KindOf(err) != fault.KindBackendTimeout {
		t.Fatalf("kind = %v, want backend_timeout (%v)", fault.KindOf(err), err)
	}
	if !fault.IsRetryable(err) {
		t.Error("timeout should be retryable")
	}
}

func TestGenerate_CallerCancellationAbortsRequest(t *testing.T) {
	started := make(chan struct{})
	aborted := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
		close(aborted)
	}))
	defer srv.Close()

	c := New(srv.URL, 0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, _, err := c.Generate(ctx, "m", "p", Options{})
		done <- err
	}()

	<-started
	cancel()

	select {
	case err := <-done:
		if fault.KindOf(err) != fault.KindCancelled {
			t.Errorf("kind = %v, want cancelled", fault.KindOf(err))
		}
	case <-time.After(time.Second):
		t.Fatal("Generate did not return after cancellation")
	}

	select {
	case <-aborted:
	case <-time.After(time.Second):
		t.Fatal("server never observed the aborted connection")
	}
}

func TestGenerate_HTTPErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		http.Error(w, "busy", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(srv.URL, 0)
	_, _, err := c.Generate(context.Background(), "m", "p", Options{})
	if fault.KindOf(err) != fault.KindRateLimited {
		t.Fatalf("kind = %v, want rate_limited", fault.KindOf(err))
	}
	if got := fault.RetryAfterOf(err); got != 3*time.Second {
		t.Errorf("retry_after = %v, want 3s", got)
	}
}

func TestGenerate_TransportError(t *testing.T) {
	// Point at a closed server.
	srv, _ := newOllamaStub(t, "x", 0)
	url := srv.URL
	srv.Close()

	c := New(url, 0)
	_, _, err := c.Generate(context.Background(), "m", "p", Options{})
	if fault.KindOf(err) != fault.KindBackendUnavailable {
		t.Errorf("kind = %v, want backend_unavailable", fault.KindOf(err))
	}
}

func TestHealth(t *testing.T) {
	srv, _ := newOllamaStub(t, "x", 0)
	c := New(srv.URL, 0)

	ok, models := c.Health(context.Background())
	if !ok {
		t.Fatal("expected reachable backend")
	}
	if len(models) != 2 || models[0].Name != "llama3.2:1b" {
		t.Errorf("unexpected models: %+v", models)
	}

	srv.Close()
	ok, _ = c.Health(context.Background())
	if ok {
		t.Error("expected unreachable backend after close")
	}
}

func TestOptionsDefaults(t *testing.T) {
	o := Options{}.withDefaults()
	if o.Temperature != 0.3 || o.MaxTokens != 2048 || o.Timeout != 60*time.Second {
		t.Errorf("unexpected defaults: %+v", o)
	}
}
