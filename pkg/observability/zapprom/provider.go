// Package zapprom is the production observability provider: structured
// logging through zap and metric instruments backed by Prometheus. Spans are
// no-ops at this level; query-level tracing comes from the instrumented
// database driver.
package zapprom

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/JailtonJunior94/datadispatch/pkg/observability"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Provider implements observability.Observability.
type Provider struct {
	logger  *zapLogger
	metrics *promMetrics
	tracer  nopTracer
	zl      *zap.Logger
}

type config struct {
	level       observability.LogLevel
	format      observability.LogFormat
	writer      io.Writer
	registerer  prometheus.Registerer
	serviceName string
	namespace   string
}

// Option configures the provider.
type Option func(*config)

// WithLevel sets the minimum log level. Defaults to info.
func WithLevel(level observability.LogLevel) Option {
	return func(c *config) {
		c.level = level
	}
}

// WithFormat selects json or text log output. Defaults to json.
func WithFormat(format observability.LogFormat) Option {
	return func(c *config) {
		c.format = format
	}
}

// WithWriter redirects log output. Defaults to stdout.
func WithWriter(w io.Writer) Option {
	return func(c *config) {
		if w != nil {
			c.writer = w
		}
	}
}

// WithRegisterer sets the Prometheus registerer metrics attach to.
// Defaults to the global default registerer.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(c *config) {
		if r != nil {
			c.registerer = r
		}
	}
}

// WithServiceName stamps every log entry with the service name.
func WithServiceName(name string) Option {
	return func(c *config) {
		c.serviceName = name
	}
}

// WithNamespace prefixes every metric name. Defaults to "datadispatch".
func WithNamespace(ns string) Option {
	return func(c *config) {
		c.namespace = ns
	}
}

// NewProvider builds the production provider.
func NewProvider(opts ...Option) (*Provider, error) {
	cfg := &config{
		level:      observability.LogLevelInfo,
		format:     observability.LogFormatJSON,
		writer:     os.Stdout,
		registerer: prometheus.DefaultRegisterer,
		namespace:  "datadispatch",
	}
	for _, opt := range opts {
		opt(cfg)
	}

	zl, err := buildZap(cfg)
	if err != nil {
		return nil, fmt.Errorf("build zap logger: %w", err)
	}

	return &Provider{
		logger:  &zapLogger{zl: zl},
		metrics: newPromMetrics(cfg.registerer, cfg.namespace),
		zl:      zl,
	}, nil
}

func buildZap(cfg *config) (*zap.Logger, error) {
	var level zapcore.Level
	switch cfg.level {
	case observability.LogLevelDebug:
		level = zapcore.DebugLevel
	case observability.LogLevelInfo:
		level = zapcore.InfoLevel
	case observability.LogLevelWarn:
		level = zapcore.WarnLevel
	case observability.LogLevelError:
		level = zapcore.ErrorLevel
	default:
		return nil, fmt.Errorf("unknown log level %q", cfg.level)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if cfg.format == observability.LogFormatText {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(cfg.writer), level)
	zl := zap.New(core)
	if cfg.serviceName != "" {
		zl = zl.With(zap.String("service", cfg.serviceName))
	}
	return zl, nil
}

func (p *Provider) Tracer() observability.Tracer {
	return p.tracer
}

func (p *Provider) Logger() observability.Logger {
	return p.logger
}

func (p *Provider) Metrics() observability.Metrics {
	return p.metrics
}

// Shutdown flushes buffered log output.
func (p *Provider) Shutdown(ctx context.Context) error {
	// Sync on stdout returns EINVAL on some platforms; that is not a failure.
	_ = p.zl.Sync()
	return nil
}

type zapLogger struct {
	zl *zap.Logger
}

func (l *zapLogger) Debug(ctx context.Context, msg string, fields ...observability.Field) {
	l.zl.Debug(msg, toZapFields(fields)...)
}

func (l *zapLogger) Info(ctx context.Context, msg string, fields ...observability.Field) {
	l.zl.Info(msg, toZapFields(fields)...)
}

func (l *zapLogger) Warn(ctx context.Context, msg string, fields ...observability.Field) {
	l.zl.Warn(msg, toZapFields(fields)...)
}

func (l *zapLogger) Error(ctx context.Context, msg string, fields ...observability.Field) {
	l.zl.Error(msg, toZapFields(fields)...)
}

func (l *zapLogger) With(fields ...observability.Field) observability.Logger {
	return &zapLogger{zl: l.zl.With(toZapFields(fields)...)}
}

func toZapFields(fields []observability.Field) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		switch v := f.Value.(type) {
		case string:
			out = append(out, zap.String(f.Key, v))
		case int:
			out = append(out, zap.Int(f.Key, v))
		case int64:
			out = append(out, zap.Int64(f.Key, v))
		case float64:
			out = append(out, zap.Float64(f.Key, v))
		case bool:
			out = append(out, zap.Bool(f.Key, v))
		case time.Duration:
			out = append(out, zap.Duration(f.Key, v))
		case time.Time:
			out = append(out, zap.Time(f.Key, v))
		case error:
			out = append(out, zap.NamedError(f.Key, v))
		default:
			out = append(out, zap.Any(f.Key, v))
		}
	}
	return out
}

type nopTracer struct{}

func (nopTracer) Start(ctx context.Context, spanName string, fields ...observability.Field) (context.Context, observability.Span) {
	return ctx, nopSpan{}
}

type nopSpan struct{}

func (nopSpan) End()                                                        {}
func (nopSpan) SetAttributes(fields ...observability.Field)                 {}
func (nopSpan) SetStatus(code observability.StatusCode, description string) {}
func (nopSpan) RecordError(err error, fields ...observability.Field)        {}

// promMetrics adapts the facade instruments onto Prometheus collectors.
// Per-call fields are log-oriented and not mapped to labels; components that
// need labelled series register their own vectors directly.
type promMetrics struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	namespace  string
	counters   map[string]*promCounter
	histograms map[string]*promHistogram
	upDowns    map[string]*promUpDown
}

func newPromMetrics(reg prometheus.Registerer, namespace string) *promMetrics {
	return &promMetrics{
		registerer: reg,
		namespace:  namespace,
		counters:   make(map[string]*promCounter),
		histograms: make(map[string]*promHistogram),
		upDowns:    make(map[string]*promUpDown),
	}
}

func (m *promMetrics) Counter(name, description string) observability.Counter {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.counters[name]; ok {
		return c
	}
	c := &promCounter{
		counter: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.namespace,
			Name:      name,
			Help:      description,
		}),
	}
	// A duplicate registration keeps the first collector; the instrument
	// still works locally.
	_ = m.registerer.Register(c.counter)
	m.counters[name] = c
	return c
}

func (m *promMetrics) Histogram(name, description string) observability.Histogram {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.histograms[name]; ok {
		return h
	}
	h := &promHistogram{
		histogram: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: m.namespace,
			Name:      name,
			Help:      description,
			Buckets:   prometheus.DefBuckets,
		}),
	}
	_ = m.registerer.Register(h.histogram)
	m.histograms[name] = h
	return h
}

func (m *promMetrics) UpDownCounter(name, description string) observability.UpDownCounter {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.upDowns[name]; ok {
		return u
	}
	u := &promUpDown{
		gauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: m.namespace,
			Name:      name,
			Help:      description,
		}),
	}
	_ = m.registerer.Register(u.gauge)
	m.upDowns[name] = u
	return u
}

func (m *promMetrics) Gauge(name, description string, callback observability.GaugeCallback) error {
	fn := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Name:      name,
		Help:      description,
	}, func() float64 {
		return callback(context.Background())
	})
	if err := m.registerer.Register(fn); err != nil {
		return fmt.Errorf("register gauge %q: %w", name, err)
	}
	return nil
}

type promCounter struct {
	counter prometheus.Counter
}

func (c *promCounter) Add(ctx context.Context, value int64, fields ...observability.Field) {
	c.counter.Add(float64(value))
}

func (c *promCounter) Increment(ctx context.Context, fields ...observability.Field) {
	c.counter.Inc()
}

type promHistogram struct {
	histogram prometheus.Histogram
}

func (h *promHistogram) Record(ctx context.Context, value float64, fields ...observability.Field) {
	h.histogram.Observe(value)
}

type promUpDown struct {
	gauge prometheus.Gauge
}

func (u *promUpDown) Add(ctx context.Context, value int64, fields ...observability.Field) {
	u.gauge.Add(float64(value))
}
