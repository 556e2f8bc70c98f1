// Package server hosts the gateway's HTTP surface: the chi router, the
// middleware chain and the operational endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/hospital-gateway/internal/metrics"
)

// Options configures the HTTP server.
type Options struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// Metrics exposes GET /metrics when true.
	Metrics bool
	// ServiceName names the server spans.
	ServiceName string
}

type Server struct {
	Router *chi.Mux
	Port   int
	logger *slog.Logger
	http   *http.Server
	ready  atomic.Bool
}

// New builds the router with the middleware chain
// RequestID -> RealIP -> Logging -> metrics -> Recoverer -> otelhttp
// and registers /health, /ready and optionally /metrics.
func New(opts Options, logger *slog.Logger) *Server {
	if opts.ServiceName == "" {
		opts.ServiceName = "hospital-gateway"
	}
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware(logger))
	r.Use(metrics.InstrumentHandler)
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, opts.ServiceName)
	})

	s := &Server{
		Router: r,
		Port:   opts.Port,
		logger: logger,
		http: &http.Server{
			Addr:         fmt.Sprintf(":%d", opts.Port),
			Handler:      r,
			ReadTimeout:  opts.ReadTimeout,
			WriteTimeout: opts.WriteTimeout,
			IdleTimeout:  opts.IdleTimeout,
		},
	}

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	if opts.Metrics {
		r.Handle("/metrics", metrics.Handler())
	}
	return s
}

// SetReady flips the /ready endpoint.
func (s *Server) SetReady(ready bool) { s.ready.Store(ready) }

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("starting server", slog.Int("port", s.Port))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown marks the server not ready and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.SetReady(false)
	return s.http.Shutdown(ctx)
}

// RegisterOnShutdown runs f when Shutdown begins. Hijacked websocket
// connections are not tracked by net/http and close through f.
func (s *Server) RegisterOnShutdown(f func()) {
	s.http.RegisterOnShutdown(f)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
