// Package server exposes the agent loop over HTTP: streaming queries as
// Server-Sent Events, background query jobs, session resets, tool listing,
// health and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/clinagent/internal/agent"
	"github.com/haasonsaas/clinagent/internal/auth"
	"github.com/haasonsaas/clinagent/internal/jobs"
	"github.com/haasonsaas/clinagent/internal/observability"
	"github.com/haasonsaas/clinagent/internal/sessions"
	"github.com/haasonsaas/clinagent/pkg/models"
)

// Defaults applied when Config leaves a field unset.
const (
	DefaultReadHeaderTimeout = 10 * time.Second
	DefaultShutdownTimeout   = 30 * time.Second
	DefaultMetricsPath       = "/metrics"
)

// maxBodyBytes bounds query request bodies.
const maxBodyBytes = 1 << 20

// Loop runs one user utterance against a session.
type Loop interface {
	Run(ctx context.Context, session *models.Session, utterance string) (<-chan models.StreamEvent, error)
}

// Config configures the HTTP listener.
type Config struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration

	// MetricsPath serves Prometheus metrics when non-empty.
	MetricsPath string
}

// Option customises a Server.
type Option func(*Server)

// WithLogger sets the server's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithAuth enforces API key and bearer token auth.
func WithAuth(service *auth.Service) Option {
	return func(s *Server) { s.auth = service }
}

// WithMetrics records request metrics on m and serves gatherer on the
// metrics path. A nil gatherer uses the default registry.
func WithMetrics(m *observability.Metrics, gatherer prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = m
		s.gatherer = gatherer
	}
}

// WithTracer starts a server span per request.
func WithTracer(tracer *observability.Tracer) Option {
	return func(s *Server) { s.tracer = tracer }
}

// Server is the HTTP front end of the agent.
type Server struct {
	config   Config
	loop     Loop
	registry *agent.ToolRegistry
	sessions sessions.Store
	jobs     *jobs.Runner

	logger   *slog.Logger
	auth     *auth.Service
	metrics  *observability.Metrics
	gatherer prometheus.Gatherer
	tracer   *observability.Tracer

	httpServer *http.Server
}

// New creates a Server. The runner may be nil, in which case the async
// query endpoints answer 503.
func New(cfg Config, loop Loop, registry *agent.ToolRegistry, store sessions.Store, runner *jobs.Runner, opts ...Option) *Server {
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = DefaultReadHeaderTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	s := &Server{
		config:   cfg,
		loop:     loop,
		registry: registry,
		sessions: store,
		jobs:     runner,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /query", s.handleQuery)
	mux.HandleFunc("POST /query/async", s.handleSubmitJob)
	mux.HandleFunc("GET /query/{job_id}", s.handleGetJob)
	mux.HandleFunc("DELETE /query/{job_id}", s.handleCancelJob)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleResetSession)
	mux.HandleFunc("GET /tools", s.handleTools)
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	exempt := []string{"/healthz"}
	if s.config.MetricsPath != "" {
		gatherer := s.gatherer
		if gatherer == nil {
			gatherer = prometheus.DefaultGatherer
		}
		mux.Handle("GET "+s.config.MetricsPath, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
		exempt = append(exempt, s.config.MetricsPath)
	}

	var handler http.Handler = mux
	handler = auth.Middleware(s.auth, s.logger, exempt...)(handler)
	handler = s.instrument(mux, handler)
	return handler
}

// Run serves until ctx is cancelled, then drains in-flight requests and
// background jobs within the shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	return s.Serve(ctx, listener)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(listener)
	}()
	s.logger.Info("starting http server", "addr", listener.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		// Streams still open at the deadline are cut.
		_ = s.httpServer.Close() //nolint:errcheck
	}
	if s.jobs != nil {
		if err := s.jobs.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("jobs shutdown: %w", err))
		}
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
