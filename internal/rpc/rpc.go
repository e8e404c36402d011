// Package rpc exposes the dispatcher over a newline-delimited JSON stream,
// one request object per line. It is the stdio surface for editor and
// script integrations that do not want to manage an HTTP port.
package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/hydraproject/hydra/internal/dispatch"
	"github.com/hydraproject/hydra/internal/fault"
)

// maxLineSize bounds a single request line.
const maxLineSize = 4 << 20

// Request is one line of input. ID is echoed back verbatim so callers can
// correlate out-of-order responses.
type Request struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Op     string          `json:"op"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ErrorInfo mirrors the HTTP error envelope.
type ErrorInfo struct {
	Message   string `json:"error"`
	Kind      string `json:"kind"`
	Retryable bool   `json:"retryable"`
}

// Response is one line of output.
type Response struct {
	ID     json.RawMessage `json:"id,omitempty"`
	OK     bool            `json:"ok"`
	Result any             `json:"result,omitempty"`
	Error  *ErrorInfo      `json:"error,omitempty"`
}

// Loop reads requests and writes responses. Requests run concurrently, so
// a blocking queue_wait does not stall the stream; the write side is
// serialized.
type Loop struct {
	dispatcher *dispatch.Dispatcher
	in         io.Reader

	mu  sync.Mutex
	out io.Writer
}

// New creates a Loop over the given stream pair.
func New(d *dispatch.Dispatcher, in io.Reader, out io.Writer) *Loop {
	return &Loop{dispatcher: d, in: in, out: out}
}

// Run processes requests until the input closes or ctx is cancelled. It
// waits for in-flight requests before returning.
func (l *Loop) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	scanner := bufio.NewScanner(l.in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var wg sync.WaitGroup
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			l.write(Response{OK: false, Error: &ErrorInfo{
				Message:   "malformed request: " + err.Error(),
				Kind:      string(fault.KindValidation),
				Retryable: false,
			}})
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			l.handle(ctx, req)
		}()
	}
	wg.Wait()

	if err := scanner.Err(); err != nil {
		return err
	}
	return nil
}

func (l *Loop) handle(ctx context.Context, req Request) {
	out, err := l.dispatcher.Dispatch(ctx, req.Op, req.Params)
	if err != nil {
		l.write(Response{ID: req.ID, OK: false, Error: &ErrorInfo{
			Message:   err.Error(),
			Kind:      string(fault.KindOf(err)),
			Retryable: fault.IsRetryable(err),
		}})
		return
	}
	l.write(Response{ID: req.ID, OK: true, Result: out})
}

func (l *Loop) write(resp Response) {
	l.mu.Lock()
	defer l.mu.Unlock()
	enc := json.NewEncoder(l.out)
	if err := enc.Encode(resp); err != nil {
		log.Error().Err(err).Msg("failed to write rpc response")
	}
}
