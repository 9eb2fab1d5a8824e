package observability

import "context"

// Tracer creates spans around units of work. The database driver carries its
// own instrumentation; this tracer exists for run-level spans.
type Tracer interface {
	// Start opens a span named spanName with the given initial attributes.
	// The returned span must be ended by the caller.
	Start(ctx context.Context, spanName string, fields ...Field) (context.Context, Span)
}

// Span is an active unit of traced work.
type Span interface {
	// End finishes the span; the span must not be used afterwards.
	End()

	// SetAttributes attaches additional attributes.
	SetAttributes(fields ...Field)

	// SetStatus records the terminal status of the span.
	SetStatus(code StatusCode, description string)

	// RecordError records err as a span event.
	RecordError(err error, fields ...Field)
}

// StatusCode is the canonical status of a finished span.
type StatusCode int

const (
	StatusCodeUnset StatusCode = iota
	StatusCodeOK
	StatusCodeError
)
