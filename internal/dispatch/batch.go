package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hydraproject/hydra/internal/config"
	"github.com/hydraproject/hydra/internal/fault"
)

const defaultBatchConcurrency = 4

type batchParams struct {
	Prompts       []string `json:"prompts"`
	Model         string   `json:"model"`
	MaxConcurrent int      `json:"max_concurrent"`
}

// batchItem is one prompt's outcome. Exactly one of Response or Error is
// meaningful; Error carries the fault kind so callers can retry selectively.
type batchItem struct {
	Index     int    `json:"index"`
	Response  string `json:"response,omitempty"`
	Source    string `json:"source,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
}

type batchResult struct {
	Results   []batchItem `json:"results"`
	Succeeded int         `json:"succeeded"`
	Failed    int         `json:"failed"`
	ElapsedMs int64       `json:"elapsed_ms"`
}

// opBatch runs N generate calls with bounded concurrency. Individual
// failures are reported per item; the batch itself only fails on bad input.
func (d *Dispatcher) opBatch(ctx context.Context, params json.RawMessage) (any, error) {
	var p batchParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	if len(p.Prompts) == 0 {
		return nil, fault.Validation("prompts must not be empty")
	}
	for i, prompt := range p.Prompts {
		if prompt == "" {
			return nil, fault.Validation("prompts[%d] is empty", i)
		}
	}

	limit := p.MaxConcurrent
	if limit <= 0 {
		limit = defaultBatchConcurrency
	}

	start := time.Now()
	results := make([]batchItem, len(p.Prompts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, prompt := range p.Prompts {
		g.Go(func() error {
			text, source, err := d.generateOne(gctx, p.Model, prompt)
			item := batchItem{Index: i}
			if err != nil {
				item.Error = err.Error()
				item.ErrorKind = string(fault.KindOf(err))
			} else {
				item.Response = text
				item.Source = source
			}
			results[i] = item
			// Never abort siblings; per-item errors live in the result.
			return nil
		})
	}
	g.Wait()

	out := batchResult{Results: results, ElapsedMs: time.Since(start).Milliseconds()}
	for _, item := range results {
		if item.Error == "" {
			out.Succeeded++
		} else {
			out.Failed++
		}
	}
	return out, nil
}

// generateOne is the cache-fronted single-prompt path shared by the queue
// handler and batch items.
func (d *Dispatcher) generateOne(ctx context.Context, model, prompt string) (string, string, error) {
	cfg := config.Get()
	if model == "" {
		model = cfg.Ollama.DefaultModel
	}
	opts := callOptions(cfg, 0, 0)
	return d.deps.Cache.GetOrCompute(ctx, model, prompt, func(ctx context.Context) (string, error) {
		text, _, err := d.deps.Backend.Generate(ctx, model, prompt, opts)
		return text, err
	})
}
