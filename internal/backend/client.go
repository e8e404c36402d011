// Package backend is the thin adapter in front of the local Ollama runtime.
// It exposes a single Generate call plus a Health probe; retries belong to
// the scheduler, never here.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hydraproject/hydra/internal/fault"
	"github.com/hydraproject/hydra/internal/tracing"
)

// Client wraps the Ollama HTTP API. It uses a shared http.Client with
// connection pooling; per-call deadlines come from the request context so
// cancellation aborts the underlying connection.
type Client struct {
	baseURL       string
	client        *http.Client
	healthTimeout time.Duration
}

// New creates a Client pointing at baseURL (e.g. "http://127.0.0.1:11434")
// with sensible connection pooling defaults.
func New(baseURL string, healthTimeout time.Duration) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}

	if healthTimeout <= 0 {
		healthTimeout = 5 * time.Second
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		// No client-level timeout: deadlines are carried by the request
		// context so the scheduler and the race executor control them.
		client:        &http.Client{Transport: transport},
		healthTimeout: healthTimeout,
	}
}

// BaseURL returns the configured backend endpoint.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Generate performs a single non-streaming completion. The call is bounded
// by opts.Timeout (default 60s); when the deadline elapses or ctx is
// cancelled the HTTP connection is aborted.
func (c *Client) Generate(ctx context.Context, model, prompt string, opts Options) (string, Usage, error) {
	if model == "" {
		return "", Usage{}, fault.Validation("model must not be empty")
	}
	opts = opts.withDefaults()

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	options := map[string]any{
		"temperature": opts.Temperature,
		"num_predict": opts.MaxTokens,
	}
	for k, v := range opts.Extra {
		options[k] = v
	}

	body, err := json.Marshal(generateRequest{
		Model:   model,
		Prompt:  prompt,
		Stream:  false,
		Options: options,
	})
	if err != nil {
		return "", Usage{}, fault.Internal(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", Usage{}, fault.Internal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectHeaders(ctx, req)

	ctx, span := tracing.StartGenerateSpan(ctx, model, len(prompt))
	defer span.End()

	start := time.Now()
	resp, err := c.client.Do(req.WithContext(ctx))
	if err != nil {
		tracing.RecordError(ctx, err)
		return "", Usage{}, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		ferr := fault.BackendHTTP(resp.StatusCode, string(raw), retryAfterDuration(resp))
		tracing.RecordError(ctx, ferr)
		return "", Usage{}, ferr
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", Usage{}, fault.BackendUnavailable(fmt.Errorf("decoding response: %w", err))
	}

	usage := Usage{
		EvalCount:     out.EvalCount,
		TotalDuration: time.Duration(out.TotalDuration),
	}

	log.Debug().
		Str("model", model).
		Int("eval_count", usage.EvalCount).
		Dur("elapsed", time.Since(start)).
		Msg("backend generate complete")

	return out.Response, usage, nil
}

// Health probes GET /api/tags with a short deadline and reports whether the
// backend is reachable along with the installed model list.
func (c *Client) Health(ctx context.Context) (bool, []Model) {
	ctx, cancel := context.WithTimeout(ctx, c.healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return false, nil
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return false, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, nil
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return false, nil
	}
	return true, tags.Models
}

// classifyTransportError maps an http.Client error to the fault taxonomy.
// Deadline expiry becomes BackendTimeout; caller cancellation becomes
// Cancelled; everything else is a transport failure.
func classifyTransportError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fault.BackendTimeout(err)
	case errors.Is(err, context.Canceled):
		return fault.Cancelled(err)
	}
	// net/http wraps context errors in *url.Error; check the context too.
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return fault.BackendTimeout(err)
	case context.Canceled:
		return fault.Cancelled(err)
	}
	return fault.BackendUnavailable(err)
}

// retryAfterDuration parses the Retry-After header from an HTTP response.
// It returns the parsed duration or 0 if the header is absent or unparsable.
func retryAfterDuration(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	ra := resp.Header.Get("Retry-After")
	if ra == "" {
		return 0
	}
	// Try parsing as seconds (integer).
	var secs int
	if _, err := fmt.Sscanf(ra, "%d", &secs); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	// Try parsing as HTTP-date.
	if t, err := http.ParseTime(ra); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
