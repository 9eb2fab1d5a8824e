package rpcserver

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/JailtonJunior94/datadispatch/pkg/observability"

	"github.com/google/uuid"
)

// contextKey is a type for context keys to avoid collisions.
type contextKey string

const (
	requestIDKey contextKey = "requestID"
)

// RequestID returns the request id stamped by the middleware, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// statusWriter wraps http.ResponseWriter to track whether headers were sent,
// so the recover middleware never writes a second status line.
type statusWriter struct {
	http.ResponseWriter
	mu      sync.Mutex
	written bool
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.mu.Lock()
	sw.written = true
	sw.mu.Unlock()
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	sw.mu.Lock()
	sw.written = true
	sw.mu.Unlock()
	return sw.ResponseWriter.Write(b)
}

func (sw *statusWriter) headerWritten() bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.written
}

// Flush forwards to the underlying writer so streaming handlers keep
// working behind the wrapper.
func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// recoverMiddleware recovers from panics and logs them.
func recoverMiddleware(obs observability.Observability) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w}

			defer func() {
				recovered := recover()
				if recovered == nil {
					return
				}

				requestID, _ := r.Context().Value(requestIDKey).(string)
				obs.Logger().Error(r.Context(), "panic recovered",
					observability.String("path", r.URL.Path),
					observability.String("method", r.Method),
					observability.String("request_id", requestID),
					observability.Any("panic", recovered),
					observability.String("stack", string(debug.Stack())),
				)

				if !sw.headerWritten() {
					writeProblem(w, r, http.StatusInternalServerError, "internal server error")
				}
			}()

			next.ServeHTTP(sw, r)
		})
	}
}

// requestIDMiddleware generates or propagates a request ID.
func requestIDMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")

			if strings.TrimSpace(requestID) == "" {
				requestID = uuid.New().String()
			}

			ctx := context.WithValue(r.Context(), requestIDKey, requestID)
			w.Header().Set("X-Request-ID", requestID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bodyLimitMiddleware enforces a maximum request body size. MaxBytesReader
// applies regardless of Content-Length so chunked uploads cannot bypass it.
func bodyLimitMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

			if r.ContentLength > maxBytes {
				writeProblem(w, r, http.StatusRequestEntityTooLarge,
					fmt.Sprintf("request body exceeds maximum size of %d bytes", maxBytes))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// timeoutMiddleware bounds handler execution. Handlers must respect context
// cancellation; the middleware stops waiting after the deadline and answers
// 408 if nothing was written yet. A zero per-route timeout exempts the path,
// which is how the event stream opts out.
func timeoutMiddleware(
	obs observability.Observability,
	globalTimeout time.Duration,
	routeTimeouts map[string]time.Duration,
) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			timeout := globalTimeout
			if routeTimeout, exists := routeTimeouts[r.URL.Path]; exists {
				timeout = routeTimeout
			}
			if timeout <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			tw := &timeoutWriter{ResponseWriter: w}

			// Carries nil on clean completion or the recovered panic value,
			// re-raised on the request goroutine for the recover middleware.
			done := make(chan any, 1)

			go func() {
				defer func() { done <- recover() }()
				next.ServeHTTP(tw, r.WithContext(ctx))
			}()

			select {
			case p := <-done:
				if p != nil {
					panic(p)
				}
			case <-ctx.Done():
				tw.mu.Lock()
				if !tw.written {
					tw.written = true
					tw.timedOut = true
					tw.mu.Unlock()
					writeProblem(w, r, http.StatusRequestTimeout, "request timeout exceeded")
				} else {
					tw.timedOut = true
					tw.mu.Unlock()
				}

				// Give the handler a moment to observe the cancellation
				// before abandoning the goroutine.
				cleanup := time.NewTimer(100 * time.Millisecond)
				defer cleanup.Stop()

				select {
				case p := <-done:
					if p != nil {
						obs.Logger().Error(r.Context(), "panic after request timeout",
							observability.String("path", r.URL.Path),
							observability.Any("panic", p),
						)
					}
				case <-cleanup.C:
					obs.Logger().Warn(r.Context(), "handler ignored request timeout",
						observability.String("path", r.URL.Path),
					)
				}
			}
		})
	}
}

// timeoutWriter suppresses handler writes that race the timeout response.
type timeoutWriter struct {
	http.ResponseWriter
	mu       sync.Mutex
	written  bool
	timedOut bool
}

func (tw *timeoutWriter) WriteHeader(code int) {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if tw.timedOut {
		return
	}
	tw.written = true
	tw.ResponseWriter.WriteHeader(code)
}

func (tw *timeoutWriter) Write(b []byte) (int, error) {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if tw.timedOut {
		return 0, http.ErrHandlerTimeout
	}
	tw.written = true
	return tw.ResponseWriter.Write(b)
}
