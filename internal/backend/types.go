package backend

import "time"

// Options are the sampling and deadline parameters for a single Generate call.
type Options struct {
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	// Extra holds additional model parameters forwarded verbatim into the
	// request "options" object (top_p, num_ctx, ...).
	Extra map[string]any
}

// withDefaults fills unset fields with conservative defaults.
func (o Options) withDefaults() Options {
	if o.Temperature == 0 {
		o.Temperature = 0.3
	}
	if o.MaxTokens == 0 {
		o.MaxTokens = 2048
	}
	if o.Timeout <= 0 {
		o.Timeout = 60 * time.Second
	}
	return o
}

// Usage carries the backend-reported accounting for a completion.
type Usage struct {
	EvalCount     int           `json:"eval_count"`
	TotalDuration time.Duration `json:"total_duration"`
}

// Model is a single entry from GET /api/tags.
type Model struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// generateRequest maps to POST /api/generate.
type generateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

// generateResponse is the non-streaming reply from POST /api/generate.
type generateResponse struct {
	Model         string `json:"model"`
	Response      string `json:"response"`
	EvalCount     int    `json:"eval_count"`
	TotalDuration int64  `json:"total_duration"`
	Done          bool   `json:"done"`
}

type tagsResponse struct {
	Models []Model `json:"models"`
}
