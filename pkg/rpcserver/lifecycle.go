package rpcserver

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/JailtonJunior94/datadispatch/pkg/observability"
)

// Start starts the HTTP server and blocks until the context is cancelled or
// a shutdown signal arrives.
func (s *Server) Start(ctx context.Context) error {
	s.observability.Logger().Info(ctx, "starting HTTP server",
		observability.String("address", s.config.Address),
		observability.String("service", s.config.ServiceName),
		observability.String("version", s.config.ServiceVersion),
	)

	serverErr := make(chan error, 1)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-serverErr:
		s.observability.Logger().Error(ctx, "server failed to start", observability.Error(err))
		return err
	case <-ctx.Done():
		s.observability.Logger().Info(ctx, "context cancelled, initiating shutdown")
	case sig := <-sigChan:
		s.observability.Logger().Info(ctx, "signal received, initiating shutdown",
			observability.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return s.Shutdown(shutdownCtx)
}

// Shutdown gracefully shuts down the server. Safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error

	s.shutdownOnce.Do(func() {
		s.observability.Logger().Info(ctx, "initiating graceful shutdown")

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.observability.Logger().Error(ctx, "error shutting down HTTP server", observability.Error(err))
			shutdownErr = err
			return
		}

		s.observability.Logger().Info(ctx, "graceful shutdown completed")
	})

	return shutdownErr
}
