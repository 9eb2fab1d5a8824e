package rpcserver

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Option is a function that configures a Server.
type Option func(*Server)

// WithConfig sets the full configuration for the server.
func WithConfig(cfg Config) Option {
	return func(s *Server) {
		s.config = cfg
	}
}

// WithAddress sets the listen address. A bare port gets a leading colon.
func WithAddress(addr string) Option {
	return func(s *Server) {
		if addr != "" && !strings.Contains(addr, ":") {
			addr = ":" + addr
		}
		s.config.Address = addr
	}
}

// WithReadTimeout sets the read timeout.
func WithReadTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		s.config.ReadTimeout = timeout
	}
}

// WithWriteTimeout sets the write timeout. Zero disables it, which the
// event-stream endpoint requires.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		s.config.WriteTimeout = timeout
	}
}

// WithIdleTimeout sets the keep-alive idle timeout.
func WithIdleTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		s.config.IdleTimeout = timeout
	}
}

// WithBodyLimit sets the maximum request body size in bytes.
func WithBodyLimit(limit int64) Option {
	return func(s *Server) {
		s.config.BodyLimit = limit
	}
}

// WithRequestTimeout sets the per-request handler timeout.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		s.config.RequestTimeout = timeout
	}
}

// WithRouteTimeout overrides the handler timeout for a specific path.
// Zero exempts the path entirely; streaming endpoints register themselves
// this way.
func WithRouteTimeout(path string, timeout time.Duration) Option {
	return func(s *Server) {
		s.routeTimeouts[path] = timeout
	}
}

// WithServiceName sets the service name reported by /health.
func WithServiceName(name string) Option {
	return func(s *Server) {
		s.config.ServiceName = name
	}
}

// WithServiceVersion sets the service version reported by /health.
func WithServiceVersion(version string) Option {
	return func(s *Server) {
		s.config.ServiceVersion = version
	}
}

// WithHealthCheck registers a named readiness probe.
func WithHealthCheck(name string, check HealthCheckFunc) Option {
	return func(s *Server) {
		s.healthChecks[name] = check
	}
}

// WithGatherer sets the metrics source for /metrics. Defaults to the
// process-wide Prometheus gatherer.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithoutMetrics disables the /metrics endpoint.
func WithoutMetrics() Option {
	return func(s *Server) {
		s.config.EnableMetrics = false
	}
}
