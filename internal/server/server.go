// Package server exposes the chat client over HTTP: a small JSON API for the
// UI, a websocket event stream, health probes and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/klesis/klesis/internal/chat"
	"github.com/klesis/klesis/internal/health"
	"github.com/klesis/klesis/internal/observe"
	"github.com/klesis/klesis/internal/transceiver"
)

const shutdownTimeout = 5 * time.Second

// Option is a functional option for [New].
type Option func(*Server)

// WithHealth mounts /healthz and /readyz from h.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetricsHandler mounts h on /metrics, typically promhttp.Handler().
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithMetrics sets the metrics used by the request middleware.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// Server serves the HTTP surface.
type Server struct {
	tx   *transceiver.Transceiver
	chat *chat.Service

	health         *health.Handler
	metricsHandler http.Handler
	metrics        *observe.Metrics
	logger         *slog.Logger

	router chi.Router
}

// New builds a Server over a transceiver and the chat service that drives it.
func New(tx *transceiver.Transceiver, svc *chat.Service, opts ...Option) *Server {
	s := &Server{
		tx:      tx,
		chat:    svc,
		metrics: observe.DefaultMetrics(),
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(observe.Middleware(s.metrics))

	if s.health != nil {
		r.Get("/healthz", s.health.Healthz)
		r.Get("/readyz", s.health.Readyz)
	}
	if s.metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.metricsHandler)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/state", s.handleState)
		r.Get("/protocols", s.handleProtocols)
		r.Put("/protocol", s.handleSetProtocol)
		r.Get("/messages", s.handleMessages)
		r.Post("/messages", s.handleSend)
		r.Get("/estimate", s.handleEstimate)
		r.Get("/events", s.handleEvents)
	})
	return r
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully. It returns nil after a clean shutdown.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is like [Server.ListenAndServe] on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("http server listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
