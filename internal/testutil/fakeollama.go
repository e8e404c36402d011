package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// FakeOllama is an httptest server speaking the two Ollama endpoints the
// client uses: POST /api/generate and GET /api/tags. Replies are scripted
// per model; unknown models echo the prompt.
type FakeOllama struct {
	srv *httptest.Server

	mu        sync.Mutex
	replies   map[string]string
	latency   map[string]time.Duration
	failNext  int
	failCode  int
	requests  int
	prompts   []string
	reachable bool
}

// NewFakeOllama starts the fake server. It is closed when the test ends.
func NewFakeOllama(t *testing.T) *FakeOllama {
	t.Helper()
	f := &FakeOllama{
		replies:   make(map[string]string),
		latency:   make(map[string]time.Duration),
		reachable: true,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/generate", f.handleGenerate)
	mux.HandleFunc("GET /api/tags", f.handleTags)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

// URL returns the server's base URL.
func (f *FakeOllama) URL() string {
	return f.srv.URL
}

// Reply scripts the response text for a model.
func (f *FakeOllama) Reply(model, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[model] = text
}

// Latency delays responses for a model, for racing and timeout tests.
func (f *FakeOllama) Latency(model string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latency[model] = d
}

// FailNext makes the next n generate calls return the given HTTP status.
func (f *FakeOllama) FailNext(n, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = n
	f.failCode = status
}

// SetReachable controls the /api/tags health probe.
func (f *FakeOllama) SetReachable(ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reachable = ok
}

// Requests reports how many generate calls the server has received.
func (f *FakeOllama) Requests() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests
}

// Prompts returns the prompts received so far, in arrival order.
func (f *FakeOllama) Prompts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.prompts))
	copy(out, f.prompts)
	return out
}

func (f *FakeOllama) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Model  string `json:"model"`
		Prompt string `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	f.requests++
	f.prompts = append(f.prompts, req.Prompt)
	delay := f.latency[req.Model]
	fail := false
	code := f.failCode
	if f.failNext > 0 {
		f.failNext--
		fail = true
	}
	text, ok := f.replies[req.Model]
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if fail {
		http.Error(w, "scripted failure", code)
		return
	}
	if !ok {
		text = "echo: " + req.Prompt
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"model":          req.Model,
		"response":       text,
		"done":           true,
		"eval_count":     len(text) / 4,
		"total_duration": int64(delay),
	})
}

func (f *FakeOllama) handleTags(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	reachable := f.reachable
	models := make([]map[string]any, 0, len(f.replies))
	for name := range f.replies {
		models = append(models, map[string]any{"name": name, "size": int64(1 << 30)})
	}
	f.mu.Unlock()

	if !reachable {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"models": models})
}
