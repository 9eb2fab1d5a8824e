package rpcserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/JailtonJunior94/datadispatch/pkg/events"
	"github.com/JailtonJunior94/datadispatch/pkg/jobqueue"
	"github.com/JailtonJunior94/datadispatch/pkg/observability"
	"github.com/JailtonJunior94/datadispatch/pkg/progress"
	"github.com/JailtonJunior94/datadispatch/pkg/responses"

	"github.com/go-chi/chi/v5"
)

// EventStreamPath is the SSE endpoint. The server must exempt it from the
// request timeout: WithRouteTimeout(EventStreamPath, 0).
const EventStreamPath = "/api/v1/events"

// streamedTypes are the event types forwarded to connected clients.
var streamedTypes = []string{
	progress.EventJobStarted,
	progress.EventJobProgress,
	progress.EventJobCompleted,
	progress.EventJobFailed,
	progress.EventJobCancelled,
	progress.EventJobFinished,
	progress.EventConnectionStarted,
	progress.EventConnectionProgress,
	progress.EventConnectionCompleted,
	progress.EventConnectionFailed,
	jobqueue.EventCompleted,
	jobqueue.EventFailedPermanent,
}

// streamEvent is the SSE wire envelope.
type streamEvent struct {
	Type    string    `json:"type"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

// EventHub fans dispatcher events out to connected event-stream clients.
// Slow clients drop events rather than stalling the emitter.
type EventHub struct {
	obs observability.Observability

	mu      sync.Mutex
	clients map[chan streamEvent]struct{}
}

const clientBuffer = 64

// NewEventHub creates the hub.
func NewEventHub(obs observability.Observability) *EventHub {
	return &EventHub{
		obs:     obs,
		clients: make(map[chan streamEvent]struct{}),
	}
}

// Subscribe registers the hub for every streamed event type.
func (h *EventHub) Subscribe(dispatcher *events.Dispatcher) error {
	for _, eventType := range streamedTypes {
		if err := dispatcher.Register(eventType, h); err != nil {
			return fmt.Errorf("subscribe %s: %w", eventType, err)
		}
	}
	return nil
}

// Handle implements events.Handler.
func (h *EventHub) Handle(ctx context.Context, event events.Event) error {
	out := streamEvent{Type: event.Type, At: event.At, Payload: event.Payload}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client <- out:
		default:
			h.obs.Logger().Debug(ctx, "event stream client lagging, event dropped",
				observability.String("event_type", event.Type))
		}
	}
	return nil
}

func (h *EventHub) attach() chan streamEvent {
	client := make(chan streamEvent, clientBuffer)
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	return client
}

func (h *EventHub) detach(client chan streamEvent) {
	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()
}

// ClientCount reports connected clients. Used by tests and metrics.
func (h *EventHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// EventsRouter serves the server-sent event stream.
type EventsRouter struct {
	hub       *EventHub
	heartbeat time.Duration
}

// NewEventsRouter creates the event-stream router.
func NewEventsRouter(hub *EventHub) *EventsRouter {
	return &EventsRouter{hub: hub, heartbeat: 15 * time.Second}
}

// Register mounts the route.
func (h *EventsRouter) Register(r chi.Router) {
	r.Get(EventStreamPath, h.stream)
}

func (h *EventsRouter) stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		responses.Error(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := h.hub.attach()
	defer h.hub.detach(client)

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case event := <-client:
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
				return
			}
			flusher.Flush()

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
