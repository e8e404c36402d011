// Package server exposes the dispatcher over HTTP: one POST route per the
// operation catalog plus health and metrics endpoints.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hydraproject/hydra/internal/dispatch"
	"github.com/hydraproject/hydra/internal/metrics"
	"github.com/hydraproject/hydra/internal/tracing"
)

// Server binds the chi router to the configured address and provides
// graceful shutdown support.
type Server struct {
	router  chi.Router
	addr    string
	httpSrv *http.Server
}

// Options configures the HTTP server. Zero-value timeouts leave the
// corresponding http.Server field at its default (no timeout).
type Options struct {
	Addr           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	TracingEnabled bool
}

// New creates a Server routing to the given dispatcher. The metrics
// endpoint scrapes the collector plus the live queue/cache sources.
func New(d *dispatch.Dispatcher, collector *metrics.Collector, sources metrics.Sources, opts Options) *Server {
	h := &handler{dispatcher: d}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if opts.TracingEnabled {
		r.Use(tracing.HTTPMiddleware)
	}

	r.Post("/rpc/{op}", h.handleOp)
	r.Get("/rpc/ops", h.handleOps)
	r.Get("/health", h.handleHealth)
	r.Get("/metrics", metrics.Handler(collector, sources))

	srv := &Server{router: r, addr: opts.Addr}
	srv.httpSrv = &http.Server{
		Addr:         opts.Addr,
		Handler:      r,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		IdleTimeout:  opts.IdleTimeout,
	}
	return srv
}

// Router returns the underlying chi.Router, useful for testing or
// additional route mounting by the caller.
func (s *Server) Router() chi.Router {
	return s.router
}

// Start begins listening for HTTP connections. It blocks until the server
// is shut down or encounters a fatal error.
func (s *Server) Start() error {
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server, waiting for in-flight requests to
// complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
