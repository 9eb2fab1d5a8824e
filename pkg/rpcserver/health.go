package rpcserver

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/JailtonJunior94/datadispatch/pkg/observability"
	"github.com/JailtonJunior94/datadispatch/pkg/responses"
)

// HealthCheckFunc probes one dependency. A non-nil error marks the service
// unhealthy.
type HealthCheckFunc func(ctx context.Context) error

// CheckResult is the outcome of one health check.
type CheckResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// HealthStatus is the /health response body.
type HealthStatus struct {
	Status    string                 `json:"status"`
	Service   string                 `json:"service"`
	Version   string                 `json:"version"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

const healthCheckTimeout = 5 * time.Second

// runHealthChecks executes every probe concurrently under a shared deadline.
func runHealthChecks(ctx context.Context, checks map[string]HealthCheckFunc) (map[string]CheckResult, bool) {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		results   = make(map[string]CheckResult, len(checks))
		hasErrors bool
	)

	for name, check := range checks {
		wg.Add(1)
		go func(name string, check HealthCheckFunc) {
			defer wg.Done()

			result := CheckResult{Status: "healthy"}
			if err := check(ctx); err != nil {
				result = CheckResult{Status: "unhealthy", Error: err.Error()}
			}

			mu.Lock()
			results[name] = result
			if result.Status == "unhealthy" {
				hasErrors = true
			}
			mu.Unlock()
		}(name, check)
	}

	wg.Wait()
	return results, hasErrors
}

// healthHandler returns a handler for /health with per-check detail.
func healthHandler(cfg Config, checks map[string]HealthCheckFunc, obs observability.Observability) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results, hasErrors := runHealthChecks(r.Context(), checks)

		status := "healthy"
		statusCode := http.StatusOK
		if hasErrors {
			status = "unhealthy"
			statusCode = http.StatusServiceUnavailable

			for name, result := range results {
				if result.Status == "unhealthy" {
					obs.Logger().Warn(r.Context(), "health check failed",
						observability.String("check", name),
						observability.String("error", result.Error),
					)
				}
			}
		}

		responses.JSON(w, statusCode, HealthStatus{
			Status:    status,
			Service:   cfg.ServiceName,
			Version:   cfg.ServiceVersion,
			Timestamp: time.Now(),
			Checks:    results,
		})
	}
}

// readyHandler returns a handler for /ready.
func readyHandler(checks map[string]HealthCheckFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, hasErrors := runHealthChecks(r.Context(), checks); hasErrors {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("Service Unavailable"))
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}
}

// liveHandler returns a handler for /live.
func liveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}
}
