// Package events is the in-process publish-subscribe dispatcher that carries
// job progress and queue lifecycle events to their observers.
package events

import (
	"context"
	"errors"
	"reflect"
	"slices"
	"sync"
	"time"
)

var (
	// ErrHandlerAlreadyRegistered is returned when the same handler instance
	// is registered twice for one event type.
	ErrHandlerAlreadyRegistered = errors.New("handler already registered")

	// ErrHandlerNil is returned when a nil handler is passed to Register.
	ErrHandlerNil = errors.New("handler cannot be nil")

	// ErrEventTypeEmpty is returned when an empty event type is passed to Register.
	ErrEventTypeEmpty = errors.New("event type cannot be empty")
)

// Event is one published occurrence. Payload depends on Type; subscribers
// assert the concrete type they expect.
type Event struct {
	Type    string
	At      time.Time
	Payload any
}

// New builds an event stamped with the current time.
func New(eventType string, payload any) Event {
	return Event{Type: eventType, At: time.Now(), Payload: payload}
}

// Handler processes events of the types it is registered for. Handlers are
// compared by identity, so register pointers when duplicate detection or
// removal matters. Func adapters have no identity: every registration is
// accepted and Remove/Has never match them.
type Handler interface {
	Handle(ctx context.Context, event Event) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, event Event) error

func (f HandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// ErrorObserver receives errors returned by handlers. Dispatch isolates
// those errors: a failing subscriber never affects the emitter or the
// remaining subscribers.
type ErrorObserver func(eventType string, handlerErr error)

// Dispatcher fans events out to registered handlers, synchronously and in
// registration order. Safe for concurrent use.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	onError  ErrorObserver
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithErrorObserver installs a callback invoked with every isolated handler
// error. The default discards them.
func WithErrorObserver(fn ErrorObserver) Option {
	return func(d *Dispatcher) {
		if fn != nil {
			d.onError = fn
		}
	}
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		handlers: make(map[string][]Handler),
		onError:  func(string, error) {},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register adds a handler for the event type. The same handler instance may
// observe many event types but only once each.
func (d *Dispatcher) Register(eventType string, handler Handler) error {
	if eventType == "" {
		return ErrEventTypeEmpty
	}
	if handler == nil {
		return ErrHandlerNil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if hasIdentity(handler) && slices.Contains(d.handlers[eventType], handler) {
		return ErrHandlerAlreadyRegistered
	}
	d.handlers[eventType] = append(d.handlers[eventType], handler)
	return nil
}

// hasIdentity reports whether the handler's dynamic type supports equality.
// Comparing two func-typed handlers would panic, so identity-based operations
// skip them.
func hasIdentity(handler Handler) bool {
	return handler != nil && reflect.TypeOf(handler).Comparable()
}

// Dispatch delivers the event to every handler registered for its type.
// Handler errors are passed to the error observer and never propagated;
// the only error Dispatch returns is the context's, checked before each
// handler. Dispatching with no subscribers is a no-op.
func (d *Dispatcher) Dispatch(ctx context.Context, event Event) error {
	d.mu.RLock()
	registered, ok := d.handlers[event.Type]
	if !ok {
		d.mu.RUnlock()
		return nil
	}
	// Copy so handlers run without the lock and registration during
	// dispatch does not affect this delivery.
	handlers := make([]Handler, len(registered))
	copy(handlers, registered)
	d.mu.RUnlock()

	for _, handler := range handlers {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := handler.Handle(ctx, event); err != nil {
			d.onError(event.Type, err)
		}
	}
	return nil
}

// Remove unregisters the first matching handler for the event type. Unknown
// or identity-less handlers are a no-op.
func (d *Dispatcher) Remove(eventType string, handler Handler) {
	if !hasIdentity(handler) {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	registered, ok := d.handlers[eventType]
	if !ok {
		return
	}

	out := make([]Handler, 0, len(registered))
	removed := false
	for _, h := range registered {
		if h == handler && !removed {
			removed = true
			continue
		}
		out = append(out, h)
	}

	if len(out) == 0 {
		delete(d.handlers, eventType)
		return
	}
	d.handlers[eventType] = out
}

// Has reports whether the exact handler instance observes the event type.
// Identity-less handlers always report false.
func (d *Dispatcher) Has(eventType string, handler Handler) bool {
	if !hasIdentity(handler) {
		return false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Contains(d.handlers[eventType], handler)
}

// Clear drops every registration.
func (d *Dispatcher) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = make(map[string][]Handler)
}
