package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
)

type recordingHandler struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (h *recordingHandler) Handle(ctx context.Context, event Event) error {
	h.mu.Lock()
	h.events = append(h.events, event)
	h.mu.Unlock()
	return h.err
}

func (h *recordingHandler) seen() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func TestDispatcherRegister(t *testing.T) {
	t.Run("empty event type", func(t *testing.T) {
		d := NewDispatcher()
		if err := d.Register("", &recordingHandler{}); !errors.Is(err, ErrEventTypeEmpty) {
			t.Errorf("Register() error = %v, want ErrEventTypeEmpty", err)
		}
	})

	t.Run("nil handler", func(t *testing.T) {
		d := NewDispatcher()
		if err := d.Register("job:started", nil); !errors.Is(err, ErrHandlerNil) {
			t.Errorf("Register() error = %v, want ErrHandlerNil", err)
		}
	})

	t.Run("duplicate handler instance", func(t *testing.T) {
		d := NewDispatcher()
		h := &recordingHandler{}
		if err := d.Register("job:started", h); err != nil {
			t.Fatalf("first Register() error = %v", err)
		}
		if err := d.Register("job:started", h); !errors.Is(err, ErrHandlerAlreadyRegistered) {
			t.Errorf("second Register() error = %v, want ErrHandlerAlreadyRegistered", err)
		}
	})

	t.Run("same handler across event types", func(t *testing.T) {
		d := NewDispatcher()
		h := &recordingHandler{}
		if err := d.Register("job:started", h); err != nil {
			t.Fatal(err)
		}
		if err := d.Register("job:completed", h); err != nil {
			t.Errorf("Register() on second type error = %v", err)
		}
	})

	t.Run("func adapters have no identity", func(t *testing.T) {
		d := NewDispatcher()
		fn := HandlerFunc(func(ctx context.Context, e Event) error { return nil })
		if err := d.Register("job:started", fn); err != nil {
			t.Fatal(err)
		}
		// A second registration of the same func value is accepted, and Has
		// and Remove never match it.
		if err := d.Register("job:started", fn); err != nil {
			t.Errorf("second func Register() error = %v, want nil", err)
		}
		if d.Has("job:started", fn) {
			t.Error("Has() matched a func adapter")
		}
		d.Remove("job:started", fn)
	})
}

func TestDispatcherDispatch(t *testing.T) {
	t.Run("delivers in registration order", func(t *testing.T) {
		d := NewDispatcher()
		var order []string
		for _, name := range []string{"first", "second", "third"} {
			name := name
			if err := d.Register("job:started", HandlerFunc(func(ctx context.Context, e Event) error {
				order = append(order, name)
				return nil
			})); err != nil {
				t.Fatal(err)
			}
		}

		if err := d.Dispatch(context.Background(), New("job:started", nil)); err != nil {
			t.Fatalf("Dispatch() error = %v", err)
		}
		if len(order) != 3 || order[0] != "first" || order[2] != "third" {
			t.Errorf("delivery order = %v", order)
		}
	})

	t.Run("no subscribers is a no-op", func(t *testing.T) {
		d := NewDispatcher()
		if err := d.Dispatch(context.Background(), New("job:unknown", nil)); err != nil {
			t.Errorf("Dispatch() error = %v, want nil", err)
		}
	})

	t.Run("handler errors are isolated from the emitter", func(t *testing.T) {
		var observed []error
		d := NewDispatcher(WithErrorObserver(func(eventType string, err error) {
			observed = append(observed, err)
		}))

		failing := &recordingHandler{err: errors.New("subscriber broke")}
		after := &recordingHandler{}
		if err := d.Register("job:finished", failing); err != nil {
			t.Fatal(err)
		}
		if err := d.Register("job:finished", after); err != nil {
			t.Fatal(err)
		}

		if err := d.Dispatch(context.Background(), New("job:finished", nil)); err != nil {
			t.Fatalf("Dispatch() error = %v, want nil despite subscriber failure", err)
		}
		if after.seen() != 1 {
			t.Error("handler after the failing one was not invoked")
		}
		if len(observed) != 1 || observed[0].Error() != "subscriber broke" {
			t.Errorf("error observer saw %v", observed)
		}
	})

	t.Run("cancelled context stops delivery", func(t *testing.T) {
		d := NewDispatcher()
		h := &recordingHandler{}
		if err := d.Register("job:started", h); err != nil {
			t.Fatal(err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := d.Dispatch(ctx, New("job:started", nil)); !errors.Is(err, context.Canceled) {
			t.Errorf("Dispatch() error = %v, want context.Canceled", err)
		}
		if h.seen() != 0 {
			t.Error("handler invoked after cancellation")
		}
	})
}

func TestDispatcherRemove(t *testing.T) {
	d := NewDispatcher()
	h := &recordingHandler{}
	if err := d.Register("job:started", h); err != nil {
		t.Fatal(err)
	}

	if !d.Has("job:started", h) {
		t.Fatal("Has() = false after Register")
	}
	d.Remove("job:started", h)
	if d.Has("job:started", h) {
		t.Error("Has() = true after Remove")
	}

	// Removing again is a no-op.
	d.Remove("job:started", h)
}

func TestDispatcherClear(t *testing.T) {
	d := NewDispatcher()
	h := &recordingHandler{}
	for _, et := range []string{"a", "b", "c"} {
		if err := d.Register(et, h); err != nil {
			t.Fatal(err)
		}
	}

	d.Clear()
	for _, et := range []string{"a", "b", "c"} {
		if d.Has(et, h) {
			t.Errorf("Has(%q) = true after Clear", et)
		}
	}
}

func TestDispatcherConcurrency(t *testing.T) {
	d := NewDispatcher()
	var delivered atomic.Int64
	if err := d.Register("job:progress", HandlerFunc(func(ctx context.Context, e Event) error {
		delivered.Add(1)
		return nil
	})); err != nil {
		t.Fatal(err)
	}

	const goroutines = 16
	const perGoroutine = 100

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				_ = d.Dispatch(context.Background(), New("job:progress", i))
				// Interleave registrations to exercise the lock paths.
				if i%25 == 0 {
					extra := &recordingHandler{}
					_ = d.Register(fmt.Sprintf("noise-%d-%d", n, i), extra)
				}
			}
		}(g)
	}
	wg.Wait()

	if got := delivered.Load(); got != goroutines*perGoroutine {
		t.Errorf("delivered = %d, want %d", got, goroutines*perGoroutine)
	}
}

func BenchmarkDispatch(b *testing.B) {
	d := NewDispatcher()
	for i := 0; i < 4; i++ {
		_ = d.Register("job:progress", HandlerFunc(func(ctx context.Context, e Event) error {
			return nil
		}))
	}
	event := New("job:progress", 42)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = d.Dispatch(ctx, event)
	}
}
