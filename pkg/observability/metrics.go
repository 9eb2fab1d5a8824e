package observability

import "context"

// Metrics hands out metric instruments. Instruments are cached by name, so
// repeated calls with the same name return the same instrument.
type Metrics interface {
	Counter(name, description string) Counter
	Histogram(name, description string) Histogram
	UpDownCounter(name, description string) UpDownCounter

	// Gauge registers an asynchronous gauge sampled via callback.
	Gauge(name, description string, callback GaugeCallback) error
}

// Counter is a monotonically increasing metric.
type Counter interface {
	Add(ctx context.Context, value int64, fields ...Field)
	Increment(ctx context.Context, fields ...Field)
}

// Histogram records a distribution of values.
type Histogram interface {
	Record(ctx context.Context, value float64, fields ...Field)
}

// UpDownCounter is a metric that can move in both directions.
type UpDownCounter interface {
	Add(ctx context.Context, value int64, fields ...Field)
}

// GaugeCallback returns the current value for an asynchronous gauge.
type GaugeCallback func(ctx context.Context) float64
