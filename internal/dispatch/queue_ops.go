package dispatch

import (
	"encoding/json"
	"time"

	"github.com/hydraproject/hydra/internal/config"
	"github.com/hydraproject/hydra/internal/fault"
	"github.com/hydraproject/hydra/internal/queue"
)

const defaultWaitTimeout = 30 * time.Second

type enqueueParams struct {
	Prompt    string            `json:"prompt"`
	Model     string            `json:"model"`
	Priority  string            `json:"priority"`
	Metadata  map[string]string `json:"metadata"`
	TimeoutMs int64             `json:"timeout"`
}

func (d *Dispatcher) opQueueEnqueue(params json.RawMessage) (any, error) {
	var p enqueueParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	prio, err := queue.ParsePriority(p.Priority)
	if err != nil {
		return nil, err
	}
	id, err := d.deps.Scheduler.Enqueue(queue.Request{
		Prompt:   p.Prompt,
		Model:    p.Model,
		Priority: prio,
		Metadata: p.Metadata,
		Timeout:  time.Duration(p.TimeoutMs) * time.Millisecond,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"id": id, "priority": prio.String()}, nil
}

type queueBatchParams struct {
	Prompts  []string `json:"prompts"`
	Model    string   `json:"model"`
	Priority string   `json:"priority"`
}

func (d *Dispatcher) opQueueBatch(params json.RawMessage) (any, error) {
	var p queueBatchParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	if len(p.Prompts) == 0 {
		return nil, fault.Validation("prompts must not be empty")
	}
	prio, err := queue.ParsePriority(p.Priority)
	if err != nil {
		return nil, err
	}

	reqs := make([]queue.Request, len(p.Prompts))
	for i, prompt := range p.Prompts {
		reqs[i] = queue.Request{Prompt: prompt, Model: p.Model, Priority: prio}
	}
	ids, err := d.deps.Scheduler.EnqueueBatch(reqs)
	if err != nil {
		return nil, err
	}
	return map[string]any{"ids": ids, "count": len(ids)}, nil
}

type itemParams struct {
	ID int64 `json:"id"`
}

func (d *Dispatcher) opQueueItem(params json.RawMessage) (any, error) {
	var p itemParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	snap, err := d.deps.Scheduler.Get(p.ID)
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (d *Dispatcher) opQueueCancel(params json.RawMessage) (any, error) {
	var p itemParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	return map[string]any{"id": p.ID, "cancelled": d.deps.Scheduler.Cancel(p.ID)}, nil
}

type waitParams struct {
	ID        int64 `json:"id"`
	TimeoutMs int64 `json:"timeout"`
}

func (d *Dispatcher) opQueueWait(params json.RawMessage) (any, error) {
	var p waitParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	timeout := time.Duration(p.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultWaitTimeout
	}
	// Cap waits at the configured per-item timeout plus slack so a stuck
	// backend cannot pin an RPC connection forever.
	if limit := config.Get().Queue.ItemTimeout() * 2; limit > 0 && timeout > limit {
		timeout = limit
	}
	snap, err := d.deps.Scheduler.WaitFor(p.ID, timeout)
	if err != nil {
		return nil, err
	}
	return snap, nil
}
