package main

import (
	"context"

	"github.com/JailtonJunior94/datadispatch/pkg/events"
	"github.com/JailtonJunior94/datadispatch/pkg/joblog"
	"github.com/JailtonJunior94/datadispatch/pkg/jobqueue"
	"github.com/JailtonJunior94/datadispatch/pkg/progress"
)

// jobLogObserver espelha o ciclo de vida dos jobs no log do operador, a fonte
// do verbo logs/tail da superfície RPC.
type jobLogObserver struct {
	log *joblog.Logger
}

func newJobLogObserver(log *joblog.Logger) *jobLogObserver {
	return &jobLogObserver{log: log}
}

// Subscribe registra o observador para os eventos que o operador acompanha.
func (o *jobLogObserver) Subscribe(dispatcher *events.Dispatcher) error {
	for _, eventType := range []string{
		progress.EventJobStarted,
		progress.EventJobFinished,
		progress.EventConnectionFailed,
		jobqueue.EventFailedPermanent,
	} {
		if err := dispatcher.Register(eventType, o); err != nil {
			return err
		}
	}
	return nil
}

// Handle implementa events.Handler.
func (o *jobLogObserver) Handle(ctx context.Context, event events.Event) error {
	switch event.Type {
	case progress.EventJobStarted:
		if payload, ok := event.Payload.(progress.JobEvent); ok {
			o.log.Info(payload.JobID, "job started", map[string]any{
				"connections": payload.Snapshot.TotalConnections,
			})
		}

	case progress.EventJobFinished:
		payload, ok := event.Payload.(progress.FinishedEvent)
		if !ok {
			return nil
		}
		data := map[string]any{
			"status":     string(payload.Status),
			"durationMs": payload.Duration.Milliseconds(),
			"completed":  payload.Snapshot.CompletedConnections,
			"failed":     payload.Snapshot.FailedConnections,
		}
		switch payload.Status {
		case progress.JobCancelled:
			o.log.Warn(payload.JobID, "job cancelled", data)
		case progress.JobFailed:
			o.log.Error(payload.JobID, "job failed", data)
		default:
			o.log.Info(payload.JobID, "job finished", data)
		}

	case progress.EventConnectionFailed:
		if payload, ok := event.Payload.(progress.JobEvent); ok {
			var data any
			if conn, ok := payload.Snapshot.Connections[payload.ConnectionID]; ok {
				data = map[string]any{"connection": conn.ConnectionName, "error": conn.Error}
			}
			o.log.Warn(payload.JobID, "connection failed", data)
		}

	case jobqueue.EventFailedPermanent:
		if payload, ok := event.Payload.(jobqueue.UnitEvent); ok {
			o.log.Error(payload.JobID, "run abandoned after retries", map[string]any{
				"unitId":  payload.UnitID,
				"attempt": payload.Attempt,
				"error":   payload.Error,
			})
		}
	}
	return nil
}
