// Package rpcserver exposes the operational surface consumed by the hosting
// UI: job and connection management, settings and taxonomy, history, log
// tail, queue and pool metrics, runtime tuning and a server-sent event
// stream, plus /health, /ready, /live and /metrics.
package rpcserver

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/JailtonJunior94/datadispatch/pkg/observability"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server represents the HTTP server using the Chi router.
type Server struct {
	router        chi.Router
	httpServer    *http.Server
	config        Config
	observability observability.Observability
	healthChecks  map[string]HealthCheckFunc
	routeTimeouts map[string]time.Duration
	gatherer      prometheus.Gatherer
	shutdownOnce  sync.Once
}

// New creates a new HTTP server with the given options.
func New(obs observability.Observability, opts ...Option) (*Server, error) {
	srv := &Server{
		config:        DefaultConfig(),
		observability: obs,
		healthChecks:  make(map[string]HealthCheckFunc),
		routeTimeouts: make(map[string]time.Duration),
		gatherer:      prometheus.DefaultGatherer,
	}

	for _, opt := range opts {
		opt(srv)
	}

	if err := srv.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server configuration: %w", err)
	}

	srv.router = chi.NewRouter()
	srv.registerMiddlewares()
	srv.registerSupportEndpoints()

	srv.httpServer = &http.Server{
		Addr:         srv.config.Address,
		Handler:      srv.router,
		ReadTimeout:  srv.config.ReadTimeout,
		WriteTimeout: srv.config.WriteTimeout,
		IdleTimeout:  srv.config.IdleTimeout,
	}

	return srv, nil
}

// RegisterRouters registers resource routers with the server.
func (s *Server) RegisterRouters(routers ...Router) *Server {
	for _, router := range routers {
		router.Register(s.router)
	}

	return s
}

// Handler exposes the assembled router, used by tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerMiddlewares() {
	s.router.Use(recoverMiddleware(s.observability))
	s.router.Use(requestIDMiddleware())
	s.router.Use(bodyLimitMiddleware(s.config.BodyLimit))
	s.router.Use(timeoutMiddleware(s.observability, s.config.RequestTimeout, s.routeTimeouts))
}

func (s *Server) registerSupportEndpoints() {
	s.router.Get("/health", healthHandler(s.config, s.healthChecks, s.observability))
	s.router.Get("/ready", readyHandler(s.healthChecks))
	s.router.Get("/live", liveHandler())

	if s.config.EnableMetrics {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
		s.observability.Logger().Info(context.Background(), "metrics endpoint enabled")
	}
}
