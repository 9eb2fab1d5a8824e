// Package fake provides an observability provider that captures everything
// it is given, for assertions in tests.
package fake

import (
	"context"
	"sync"
	"time"

	"github.com/JailtonJunior94/datadispatch/pkg/observability"
)

// Provider captures log entries, spans, and metric operations.
type Provider struct {
	tracer  *Tracer
	logger  *Logger
	metrics *Metrics
}

// NewProvider creates a capturing observability provider.
func NewProvider() *Provider {
	return &Provider{
		tracer:  &Tracer{},
		logger:  newLogger(),
		metrics: newMetrics(),
	}
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

// CapturedLogger exposes the concrete logger for assertions.
func (p *Provider) CapturedLogger() *Logger {
	return p.logger
}

// CapturedTracer exposes the concrete tracer for assertions.
func (p *Provider) CapturedTracer() *Tracer {
	return p.tracer
}

// CapturedMetrics exposes the concrete metrics for assertions.
func (p *Provider) CapturedMetrics() *Metrics {
	return p.metrics
}

// Tracer records every span it starts.
type Tracer struct {
	mu    sync.RWMutex
	spans []*Span
}

func (t *Tracer) Start(ctx context.Context, spanName string, fields ...observability.Field) (context.Context, observability.Span) {
	span := &Span{Name: spanName, StartTime: time.Now(), Attributes: fields}
	t.mu.Lock()
	t.spans = append(t.spans, span)
	t.mu.Unlock()
	return ctx, span
}

// Spans returns the captured spans.
func (t *Tracer) Spans() []*Span {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Span, len(t.spans))
	copy(out, t.spans)
	return out
}

// Span is a captured span.
type Span struct {
	mu          sync.Mutex
	Name        string
	StartTime   time.Time
	EndTime     *time.Time
	Attributes  []observability.Field
	Status      observability.StatusCode
	StatusDesc  string
	RecordedErr error
}

func (s *Span) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.EndTime = &now
}

func (s *Span) SetAttributes(fields ...observability.Field) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Attributes = append(s.Attributes, fields...)
}

func (s *Span) SetStatus(code observability.StatusCode, description string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Status = code
	s.StatusDesc = description
}

func (s *Span) RecordError(err error, fields ...observability.Field) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RecordedErr = err
	s.Attributes = append(s.Attributes, fields...)
}

// Entry is a captured log entry.
type Entry struct {
	Level   observability.LogLevel
	Message string
	Fields  []observability.Field
	Time    time.Time
}

// Logger records every entry. With-loggers share the parent's sink.
type Logger struct {
	mu      *sync.RWMutex
	entries *[]Entry
	fields  []observability.Field
}

func newLogger() *Logger {
	entries := make([]Entry, 0)
	return &Logger{mu: &sync.RWMutex{}, entries: &entries}
}

func (l *Logger) append(level observability.LogLevel, msg string, fields []observability.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	all := make([]observability.Field, 0, len(l.fields)+len(fields))
	all = append(all, l.fields...)
	all = append(all, fields...)
	*l.entries = append(*l.entries, Entry{Level: level, Message: msg, Fields: all, Time: time.Now()})
}

func (l *Logger) Debug(ctx context.Context, msg string, fields ...observability.Field) {
	l.append(observability.LogLevelDebug, msg, fields)
}

func (l *Logger) Info(ctx context.Context, msg string, fields ...observability.Field) {
	l.append(observability.LogLevelInfo, msg, fields)
}

func (l *Logger) Warn(ctx context.Context, msg string, fields ...observability.Field) {
	l.append(observability.LogLevelWarn, msg, fields)
}

func (l *Logger) Error(ctx context.Context, msg string, fields ...observability.Field) {
	l.append(observability.LogLevelError, msg, fields)
}

func (l *Logger) With(fields ...observability.Field) observability.Logger {
	child := &Logger{mu: l.mu, entries: l.entries}
	child.fields = append(append([]observability.Field(nil), l.fields...), fields...)
	return child
}

// Entries returns every captured entry.
func (l *Logger) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(*l.entries))
	copy(out, *l.entries)
	return out
}

// EntriesAt returns the captured entries with the given level.
func (l *Logger) EntriesAt(level observability.LogLevel) []Entry {
	var out []Entry
	for _, e := range l.Entries() {
		if e.Level == level {
			out = append(out, e)
		}
	}
	return out
}

// HasMessage reports whether any captured entry has exactly this message.
func (l *Logger) HasMessage(msg string) bool {
	for _, e := range l.Entries() {
		if e.Message == msg {
			return true
		}
	}
	return false
}

// Reset discards all captured entries.
func (l *Logger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.entries = (*l.entries)[:0]
}

// Metrics hands out capturing instruments keyed by name.
type Metrics struct {
	mu         sync.RWMutex
	counters   map[string]*Counter
	histograms map[string]*Histogram
	upDowns    map[string]*UpDownCounter
}

func newMetrics() *Metrics {
	return &Metrics{
		counters:   make(map[string]*Counter),
		histograms: make(map[string]*Histogram),
		upDowns:    make(map[string]*UpDownCounter),
	}
}

func (m *Metrics) Counter(name, description string) observability.Counter {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.counters[name]; ok {
		return c
	}
	c := &Counter{Name: name}
	m.counters[name] = c
	return c
}

func (m *Metrics) Histogram(name, description string) observability.Histogram {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.histograms[name]; ok {
		return h
	}
	h := &Histogram{Name: name}
	m.histograms[name] = h
	return h
}

func (m *Metrics) UpDownCounter(name, description string) observability.UpDownCounter {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.upDowns[name]; ok {
		return u
	}
	u := &UpDownCounter{Name: name}
	m.upDowns[name] = u
	return u
}

func (m *Metrics) Gauge(name, description string, callback observability.GaugeCallback) error {
	return nil
}

// CounterByName returns a captured counter for assertions, or nil.
func (m *Metrics) CounterByName(name string) *Counter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counters[name]
}

// Counter captures increments.
type Counter struct {
	mu    sync.Mutex
	Name  string
	total int64
}

func (c *Counter) Add(ctx context.Context, value int64, fields ...observability.Field) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total += value
}

func (c *Counter) Increment(ctx context.Context, fields ...observability.Field) {
	c.Add(ctx, 1)
}

// Total returns the accumulated value.
func (c *Counter) Total() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// Histogram captures recorded values.
type Histogram struct {
	mu     sync.Mutex
	Name   string
	values []float64
}

func (h *Histogram) Record(ctx context.Context, value float64, fields ...observability.Field) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.values = append(h.values, value)
}

// Values returns the recorded values.
func (h *Histogram) Values() []float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]float64(nil), h.values...)
}

// UpDownCounter captures signed additions.
type UpDownCounter struct {
	mu    sync.Mutex
	Name  string
	total int64
}

func (u *UpDownCounter) Add(ctx context.Context, value int64, fields ...observability.Field) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.total += value
}

// Total returns the accumulated value.
func (u *UpDownCounter) Total() int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.total
}
