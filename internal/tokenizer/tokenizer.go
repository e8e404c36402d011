// Package tokenizer estimates prompt token counts. Local models do not
// expose their tokenizers over the API, so cl100k_base is used as a common
// approximation, with a bytes/4 heuristic when the encoding cannot be
// loaded (it is fetched over the network on first use).
package tokenizer

import (
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

const fallbackBytesPerToken = 4

// Estimator counts tokens using a lazily initialized tiktoken encoding.
type Estimator struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
	err  error
}

// New creates an Estimator. The encoding loads on first use.
func New() *Estimator {
	return &Estimator{}
}

func (e *Estimator) encoder() *tiktoken.Tiktoken {
	e.once.Do(func() {
		e.enc, e.err = tiktoken.GetEncoding("cl100k_base")
	})
	if e.err != nil {
		return nil
	}
	return e.enc
}

// Estimate returns the approximate token count for text.
func (e *Estimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	if enc := e.encoder(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	// Offline fallback.
	n := (len(text) + fallbackBytesPerToken - 1) / fallbackBytesPerToken
	return n
}

// Exact reports whether estimates come from a real encoding rather than
// the byte heuristic.
func (e *Estimator) Exact() bool {
	return e.encoder() != nil
}
