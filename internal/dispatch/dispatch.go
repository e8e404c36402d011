// Package dispatch maps named operations to the engine: cache-fronted
// generation, speculative races, self-correction, and the scheduler. It is
// the single routing layer shared by the HTTP and stdio surfaces.
package dispatch

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hydraproject/hydra/internal/backend"
	"github.com/hydraproject/hydra/internal/cache"
	"github.com/hydraproject/hydra/internal/config"
	"github.com/hydraproject/hydra/internal/correct"
	"github.com/hydraproject/hydra/internal/fault"
	"github.com/hydraproject/hydra/internal/metrics"
	"github.com/hydraproject/hydra/internal/queue"
	"github.com/hydraproject/hydra/internal/speculate"
	"github.com/hydraproject/hydra/internal/tokenizer"
	"github.com/hydraproject/hydra/internal/version"
)

// Backend is the generation surface the dispatcher drives. *backend.Client
// satisfies it.
type Backend interface {
	Generate(ctx context.Context, model, prompt string, opts backend.Options) (string, backend.Usage, error)
	Health(ctx context.Context) (bool, []backend.Model)
}

// Deps wires the dispatcher to its collaborators.
type Deps struct {
	Backend   Backend
	Cache     *cache.Cache
	Racer     *speculate.Executor
	Scheduler *queue.Scheduler
	Metrics   *metrics.Collector
	Tokens    *tokenizer.Estimator
}

// Dispatcher routes operation names to their implementations.
type Dispatcher struct {
	deps      Deps
	startedAt time.Time
}

// New builds a Dispatcher.
func New(deps Deps) *Dispatcher {
	return &Dispatcher{deps: deps, startedAt: time.Now()}
}

// Ops returns the operation catalog, sorted.
func (d *Dispatcher) Ops() []string {
	ops := []string{
		"generate", "speculative", "race", "consensus",
		"code", "validate", "batch",
		"status", "cache_clear",
		"queue_enqueue", "queue_batch", "queue_status", "queue_item",
		"queue_cancel", "queue_cancel_all", "queue_pause", "queue_resume",
		"queue_wait",
	}
	sort.Strings(ops)
	return ops
}

// Dispatch executes one named operation. Every response is JSON-encodable;
// errors carry the fault taxonomy for the transport layer to serialize.
func (d *Dispatcher) Dispatch(ctx context.Context, op string, params json.RawMessage) (any, error) {
	start := time.Now()
	out, err := d.route(ctx, op, params)

	elapsed := time.Since(start)
	kind := ""
	if err != nil {
		kind = string(fault.KindOf(err))
	}
	if d.deps.Metrics != nil {
		d.deps.Metrics.RecordOp(op, elapsed, kind)
	}
	log.Debug().Str("op", op).Dur("elapsed", elapsed).Str("error_kind", kind).Msg("operation dispatched")
	return out, err
}

func (d *Dispatcher) route(ctx context.Context, op string, params json.RawMessage) (any, error) {
	switch op {
	case "generate":
		return d.opGenerate(ctx, params)
	case "speculative":
		return d.opSpeculative(ctx, params)
	case "race":
		return d.opRace(ctx, params)
	case "consensus":
		return d.opConsensus(ctx, params)
	case "code":
		return d.opCode(ctx, params)
	case "validate":
		return d.opValidate(ctx, params)
	case "batch":
		return d.opBatch(ctx, params)
	case "status":
		return d.opStatus(ctx)
	case "cache_clear":
		return d.opCacheClear(params)
	case "queue_enqueue":
		return d.opQueueEnqueue(params)
	case "queue_batch":
		return d.opQueueBatch(params)
	case "queue_status":
		return d.deps.Scheduler.Status(), nil
	case "queue_item":
		return d.opQueueItem(params)
	case "queue_cancel":
		return d.opQueueCancel(params)
	case "queue_cancel_all":
		return map[string]any{"cancelled": d.deps.Scheduler.CancelAll()}, nil
	case "queue_pause":
		d.deps.Scheduler.Pause()
		return map[string]any{"paused": true}, nil
	case "queue_resume":
		d.deps.Scheduler.Resume()
		return map[string]any{"paused": false}, nil
	case "queue_wait":
		return d.opQueueWait(params)
	}
	return nil, fault.Validation("unknown operation %q", op)
}

// unmarshalParams decodes an operation's parameter object, mapping JSON
// failures to validation errors.
func unmarshalParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fault.Validation("invalid parameters: %v", err)
	}
	return nil
}

// callOptions resolves sampling options from config with per-call overrides.
func callOptions(cfg *config.Config, temperature float64, maxTokens int) backend.Options {
	opts := backend.Options{
		Temperature: cfg.Ollama.Temperature,
		MaxTokens:   cfg.Ollama.MaxTokens,
		Timeout:     cfg.Ollama.RequestTimeout(),
	}
	if temperature != 0 {
		opts.Temperature = temperature
	}
	if maxTokens != 0 {
		opts.MaxTokens = maxTokens
	}
	return opts
}

// QueueHandler returns the scheduler handler: cache in front of the
// backend, so queued prompts share the at-most-one-build guarantee with
// direct generate calls.
func (d *Dispatcher) QueueHandler() queue.Handler {
	return func(ctx context.Context, prompt, model string, _ map[string]string) (string, error) {
		text, _, err := d.generateOne(ctx, model, prompt)
		return text, err
	}
}

// ---------------------------------------------------------------------------
// Generation ops
// ---------------------------------------------------------------------------

type generateParams struct {
	Prompt      string  `json:"prompt"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
	UseCache    *bool   `json:"use_cache"`
}

type generateResult struct {
	Response        string `json:"response"`
	Model           string `json:"model"`
	Source          string `json:"source"`
	TokensEstimated int    `json:"tokens_estimated,omitempty"`
	ElapsedMs       int64  `json:"elapsed_ms"`
}

func (d *Dispatcher) opGenerate(ctx context.Context, params json.RawMessage) (any, error) {
	var p generateParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	if p.Prompt == "" {
		return nil, fault.Validation("prompt must not be empty")
	}

	cfg := config.Get()
	model := p.Model
	if model == "" {
		model = cfg.Ollama.DefaultModel
	}
	opts := callOptions(cfg, p.Temperature, p.MaxTokens)
	useCache := p.UseCache == nil || *p.UseCache

	start := time.Now()
	var text, source string
	var err error
	if useCache {
		text, source, err = d.deps.Cache.GetOrCompute(ctx, model, p.Prompt, func(ctx context.Context) (string, error) {
			text, _, err := d.deps.Backend.Generate(ctx, model, p.Prompt, opts)
			return text, err
		})
	} else {
		source = cache.SourceBackend
		text, _, err = d.deps.Backend.Generate(ctx, model, p.Prompt, opts)
	}
	if err != nil {
		return nil, err
	}

	res := generateResult{
		Response:  text,
		Model:     model,
		Source:    source,
		ElapsedMs: time.Since(start).Milliseconds(),
	}
	if d.deps.Tokens != nil {
		res.TokensEstimated = d.deps.Tokens.Estimate(p.Prompt)
	}
	return res, nil
}

type speculativeParams struct {
	Prompt        string `json:"prompt"`
	FastModel     string `json:"fast_model"`
	AccurateModel string `json:"accurate_model"`
	TimeoutMs     int64  `json:"timeout"`
}

func (d *Dispatcher) opSpeculative(ctx context.Context, params json.RawMessage) (any, error) {
	var p speculativeParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	if p.Prompt == "" {
		return nil, fault.Validation("prompt must not be empty")
	}

	cfg := config.Get()
	fast, accurate := p.FastModel, p.AccurateModel
	if fast == "" {
		fast = cfg.Speculate.FastModel
	}
	if accurate == "" {
		accurate = cfg.Speculate.AccurateModel
	}
	budget := time.Duration(p.TimeoutMs) * time.Millisecond

	return d.deps.Racer.Race(ctx, p.Prompt, []string{fast, accurate}, speculate.FirstValid, budget)
}

type raceParams struct {
	Prompt    string   `json:"prompt"`
	Models    []string `json:"models"`
	FirstWins *bool    `json:"first_wins"`
	TimeoutMs int64    `json:"timeout"`
}

func (d *Dispatcher) opRace(ctx context.Context, params json.RawMessage) (any, error) {
	var p raceParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	if p.Prompt == "" {
		return nil, fault.Validation("prompt must not be empty")
	}

	models := p.Models
	if len(models) == 0 {
		models = config.Get().Speculate.DefaultModels
	}
	policy := speculate.FirstValid
	if p.FirstWins != nil && !*p.FirstWins {
		policy = speculate.BestQuality
	}
	budget := time.Duration(p.TimeoutMs) * time.Millisecond

	return d.deps.Racer.Race(ctx, p.Prompt, models, policy, budget)
}

type consensusParams struct {
	Prompt    string   `json:"prompt"`
	Models    []string `json:"models"`
	TimeoutMs int64    `json:"timeout"`
}

func (d *Dispatcher) opConsensus(ctx context.Context, params json.RawMessage) (any, error) {
	var p consensusParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	if p.Prompt == "" {
		return nil, fault.Validation("prompt must not be empty")
	}

	models := p.Models
	if len(models) == 0 {
		models = config.Get().Speculate.DefaultModels
	}
	budget := time.Duration(p.TimeoutMs) * time.Millisecond

	return d.deps.Racer.Race(ctx, p.Prompt, models, speculate.Consensus, budget)
}

// ---------------------------------------------------------------------------
// Self-correction ops
// ---------------------------------------------------------------------------

type codeParams struct {
	Prompt         string `json:"prompt"`
	GeneratorModel string `json:"generator_model"`
	CriticModel    string `json:"critic_model"`
	MaxAttempts    int    `json:"max_attempts"`
}

type codeResult struct {
	Code     string         `json:"code"`
	Language string         `json:"language"`
	Accepted bool           `json:"accepted"`
	Attempts int            `json:"attempts"`
	Trace    *correct.Trace `json:"trace"`
}

func (d *Dispatcher) correctionLoop(generator, critic string, maxAttempts int) *correct.Loop {
	cfg := config.Get()
	if generator == "" {
		generator = cfg.Correct.GeneratorModel
	}
	if critic == "" {
		critic = cfg.Correct.CriticModel
	}
	if maxAttempts <= 0 {
		maxAttempts = cfg.Correct.MaxAttempts
	}
	return correct.New(d.deps.Backend, correct.Config{
		GeneratorModel: generator,
		CriticModel:    critic,
		MaxAttempts:    maxAttempts,
		Options:        callOptions(cfg, 0, 0),
	})
}

func (d *Dispatcher) opCode(ctx context.Context, params json.RawMessage) (any, error) {
	var p codeParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	if p.Prompt == "" {
		return nil, fault.Validation("prompt must not be empty")
	}

	loop := d.correctionLoop(p.GeneratorModel, p.CriticModel, p.MaxAttempts)
	code, trace, err := loop.Generate(ctx, p.Prompt)
	if err != nil {
		return nil, err
	}
	return codeResult{
		Code:     code,
		Language: trace.Language,
		Accepted: trace.Outcome() == correct.ActionAccept,
		Attempts: len(trace.Steps),
		Trace:    trace,
	}, nil
}

type validateParams struct {
	Code        string `json:"code"`
	Language    string `json:"language"`
	MaxAttempts int    `json:"max_attempts"`
}

type validateResult struct {
	Valid       bool                 `json:"valid"`
	Language    string               `json:"language"`
	Diagnostics []correct.Diagnostic `json:"diagnostics"`
}

func (d *Dispatcher) opValidate(ctx context.Context, params json.RawMessage) (any, error) {
	var p validateParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	if p.Code == "" {
		return nil, fault.Validation("code must not be empty")
	}

	loop := d.correctionLoop("", "", p.MaxAttempts)
	trace, err := loop.Validate(ctx, p.Code, p.Language)
	if err != nil {
		return nil, err
	}
	step := trace.Steps[len(trace.Steps)-1]
	return validateResult{
		Valid:       step.Action == correct.ActionAccept,
		Language:    trace.Language,
		Diagnostics: step.Diagnostics,
	}, nil
}

// ---------------------------------------------------------------------------
// Status and cache ops
// ---------------------------------------------------------------------------

type statusResult struct {
	Healthy       bool            `json:"healthy"`
	Models        []backend.Model `json:"models,omitempty"`
	Version       string          `json:"version"`
	UptimeSeconds float64         `json:"uptime_seconds"`
	Cache         cache.Stats     `json:"cache"`
	Config        map[string]any  `json:"config"`
}

func (d *Dispatcher) opStatus(ctx context.Context) (any, error) {
	cfg := config.Get()
	healthy, models := d.deps.Backend.Health(ctx)

	return statusResult{
		Healthy:       healthy,
		Models:        models,
		Version:       version.Version,
		UptimeSeconds: time.Since(d.startedAt).Seconds(),
		Cache:         d.deps.Cache.Stats(),
		Config: map[string]any{
			"ollama_host":     cfg.Ollama.Host,
			"default_model":   cfg.Ollama.DefaultModel,
			"cache_enabled":   cfg.Cache.Enabled,
			"persist_to_disk": cfg.Cache.PersistToDisk,
			"max_concurrent":  cfg.Queue.MaxConcurrent,
			"fast_model":      cfg.Speculate.FastModel,
			"accurate_model":  cfg.Speculate.AccurateModel,
		},
	}, nil
}

type cacheClearParams struct {
	OlderThanS int64 `json:"older_than_s"`
}

func (d *Dispatcher) opCacheClear(params json.RawMessage) (any, error) {
	var p cacheClearParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	removed := d.deps.Cache.Clear(time.Duration(p.OlderThanS) * time.Second)
	return map[string]any{"removed": removed}, nil
}
